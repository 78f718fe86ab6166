// Command sshpool-probe exercises a session pool against one SSH server:
// it borrows sessions concurrently, pings them, optionally runs a command
// and prints the pool statistics.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/docker/go-units"
	"github.com/joho/godotenv"

	"github.com/gluk-w/claworc/sshpool"
	"github.com/gluk-w/claworc/sshpool/internal/config"
	"github.com/gluk-w/claworc/sshpool/internal/crypto"
	"github.com/gluk-w/claworc/sshpool/internal/logging"
	"github.com/gluk-w/claworc/sshpool/internal/sshkeys"
	"github.com/gluk-w/claworc/sshpool/sshclient"
)

func main() {
	// Secret helpers run before any config is required.
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "--gen-secret-key":
			runGenKey()
			return
		case "--encrypt":
			runEncrypt()
			return
		}
	}

	var (
		envFile  = flag.String("env", ".env", "dotenv file loaded before the environment is read")
		n        = flag.Int("n", 4, "concurrent borrow cycles")
		rounds   = flag.Int("rounds", 1, "cycles per worker")
		cmd      = flag.String("cmd", "", "remote command to run on each borrowed session")
		prepare  = flag.Bool("prepare", false, "pre-create min_idle_per_key sessions first")
		timeout  = flag.Duration("timeout", time.Minute, "overall deadline")
		jsonOut  = flag.Bool("json", false, "print stats as JSON")
		showEvts = flag.Int("events", 0, "print the last N pool events")
	)
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load %s: %v\n", *envFile, err)
		os.Exit(2)
	}
	if err := config.Load(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if err := logging.Init(config.Cfg.LogLevel, config.Cfg.LogPath); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer logging.Close()

	if err := run(*n, *rounds, *cmd, *prepare, *timeout, *jsonOut, *showEvts); err != nil {
		log.Error("probe failed", "err", err)
		logging.Close()
		os.Exit(1)
	}
}

func run(workers, rounds int, cmd string, prepare bool, timeout time.Duration, jsonOut bool, showEvents int) error {
	key, err := config.Cfg.Key()
	if err != nil {
		return err
	}
	poolCfg, err := config.LoadPoolFile(config.Cfg.PoolFile)
	if err != nil {
		return err
	}
	identities, err := sshkeys.NewIdentityCache(sshkeys.DefaultIdentityCacheSize)
	if err != nil {
		return err
	}

	pool, err := sshpool.NewWithConfig(key, poolCfg,
		sshpool.WithFactoryOptions(
			sshpool.WithIdentityCache(identities),
			sshpool.WithConnectTimeout(config.Cfg.ConnectTimeout),
		),
		sshpool.WithRateLimiter(sshpool.NewRateLimiter(sshpool.DefaultRateLimitConfig())),
	)
	if err != nil {
		return err
	}
	defer pool.Close()
	log.Info("pool ready", "key", key, "max_total_per_key", poolCfg.MaxTotalPerKey)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if prepare {
		if err := pool.Prepare(ctx); err != nil {
			return err
		}
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		failures []error
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for r := 0; r < rounds; r++ {
				if err := cycle(ctx, pool, cmd); err != nil {
					log.Warn("cycle failed", "worker", w, "round", r, "err", err)
					mu.Lock()
					failures = append(failures, err)
					mu.Unlock()
				}
			}
		}(w)
	}
	wg.Wait()

	printStats(pool.Stats(), pool.EventCounts(), jsonOut)
	if showEvents > 0 {
		for _, e := range pool.RecentEvents(showEvents) {
			fmt.Printf("%s  %-17s %s\n", e.Timestamp.Format(time.RFC3339), e.Type, e.Details)
		}
	}

	if len(failures) > 0 {
		return fmt.Errorf("%d of %d cycles failed: %w", len(failures), workers*rounds, errors.Join(failures...))
	}
	return nil
}

// cycle borrows a session, pings it, runs cmd and returns it. A session whose
// ping or command fails on the transport is invalidated instead.
func cycle(ctx context.Context, pool *sshpool.Pool, cmd string) error {
	s, err := pool.BorrowSession(ctx)
	if err != nil {
		return err
	}

	if err := s.Ping(ctx); err != nil {
		invalidate(pool, s)
		return fmt.Errorf("ping session %s: %w", s.ID(), err)
	}

	if cmd != "" {
		sess, err := s.Client().NewSession()
		if err != nil {
			invalidate(pool, s)
			return fmt.Errorf("open channel on %s: %w", s.ID(), err)
		}
		out, err := sess.CombinedOutput(cmd)
		sess.Close()
		if err != nil {
			pool.ReturnSession(s)
			return fmt.Errorf("run %q on %s: %w", cmd, s.ID(), err)
		}
		log.Info("command output", "session", s.ID(), "output", strings.TrimSpace(string(out)))
	}

	pool.ReturnSession(s)
	return nil
}

func invalidate(pool *sshpool.Pool, s *sshclient.Session) {
	if err := pool.InvalidateSession(s); err != nil {
		log.Warn("invalidate session", "session", s.ID(), "err", err)
	}
}

func printStats(st sshpool.Stats, events map[sshpool.EventType]int, jsonOut bool) {
	if jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		enc.Encode(struct {
			sshpool.Stats
			Events map[sshpool.EventType]int `json:"events"`
		}{st, events})
		return
	}
	fmt.Printf("idle=%d borrowed=%d total=%d max=%d\n", st.Idle, st.Borrowed, st.Total, st.Max)
	fmt.Printf("created=%d create_failed=%d borrows=%d returned=%d invalidated=%d\n",
		st.Created, st.CreateFailed, st.BorrowCount, st.Returned, st.Invalidated)
	fmt.Printf("validation_failed=%d evicted=%d destroyed=%d\n", st.ValidationFailed, st.Evicted, st.Destroyed)
	if len(events) > 0 {
		types := make([]string, 0, len(events))
		for t := range events {
			types = append(types, string(t))
		}
		sort.Strings(types)
		parts := make([]string, 0, len(types))
		for _, t := range types {
			parts = append(parts, fmt.Sprintf("%s=%d", t, events[sshpool.EventType(t)]))
		}
		fmt.Printf("events: %s\n", strings.Join(parts, " "))
	}
	if st.WaitCount > 0 {
		fmt.Printf("waits=%d avg_wait=%s\n", st.WaitCount, units.HumanDuration(st.WaitTime/time.Duration(st.WaitCount)))
	}
}

func runGenKey() {
	k, err := crypto.GenerateKey()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Println(k)
}

// runEncrypt seals a secret read from stdin with the first SSHPOOL_SECRET_KEYS
// entry, for use in SSHPOOL_PASSWORD_ENC or SSHPOOL_PASSPHRASE_ENC.
func runEncrypt() {
	keys := strings.Split(os.Getenv("SSHPOOL_SECRET_KEYS"), ",")
	if keys[0] == "" {
		fmt.Fprintln(os.Stderr, "SSHPOOL_SECRET_KEYS is not set")
		os.Exit(2)
	}

	fmt.Fprint(os.Stderr, "Secret: ")
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		fmt.Fprintln(os.Stderr, "read secret:", err)
		os.Exit(1)
	}
	tok, err := crypto.Encrypt(strings.TrimRight(line, "\r\n"), keys[0])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Println(tok)
}
