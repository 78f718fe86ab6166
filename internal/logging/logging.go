package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/charmbracelet/log"
)

var (
	logFile *os.File
	mu      sync.Mutex
)

// Init configures the default logger: level, and dual output to stderr and
// path when path is set. Loggers derived from the default logger before Init
// keep their old output, so call it first.
func Init(level, path string) error {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("parse log level: %w", err)
	}
	log.SetLevel(lvl)
	log.SetReportTimestamp(true)

	mu.Lock()
	defer mu.Unlock()

	if path == "" {
		log.SetOutput(os.Stderr)
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open log file %s: %w", path, err)
	}
	if logFile != nil {
		logFile.Close()
	}
	logFile = f
	log.SetOutput(io.MultiWriter(os.Stderr, logFile))
	log.Debug("logging to file", "path", path)
	return nil
}

// Close detaches and closes the log file, if any.
func Close() error {
	mu.Lock()
	defer mu.Unlock()

	if logFile == nil {
		return nil
	}
	log.SetOutput(os.Stderr)
	err := logFile.Close()
	logFile = nil
	return err
}
