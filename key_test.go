package sshpool

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConnectionKeyEquality(t *testing.T) {
	a := ConnectionKey{Host: "h", Port: 22, Username: "u", PrivateKey: "/k"}
	b := ConnectionKey{Host: "h", Port: 22, Username: "u", PrivateKey: "/k"}
	assert.True(t, a == b)

	m := map[ConnectionKey]int{a: 1}
	assert.Equal(t, 1, m[b])

	b.IgnoreHostKeyChecking = true
	assert.False(t, a == b)
}

func TestConnectionKeyAddress(t *testing.T) {
	assert.Equal(t, "example.com:22", ConnectionKey{Host: "example.com"}.Address())
	assert.Equal(t, "example.com:2222", ConnectionKey{Host: "example.com", Port: 2222}.Address())
	assert.Equal(t, "[::1]:22", ConnectionKey{Host: "::1"}.Address())
}

func TestConnectionKeyStringMasksSecrets(t *testing.T) {
	k := ConnectionKey{
		Host:                  "h",
		Username:              "u",
		Password:              "supersecretpassword",
		PrivateKey:            "/keys/id",
		Passphrase:            "pp",
		KnownHosts:            "/keys/known_hosts",
		IgnoreHostKeyChecking: true,
	}
	s := k.String()
	assert.NotContains(t, s, "supersecretpassword")
	assert.Contains(t, s, "password=****word")
	assert.Contains(t, s, "passphrase=****")
	assert.Contains(t, s, "u@h:22")
	assert.Contains(t, s, "key=/keys/id")
	assert.Contains(t, s, "known_hosts=/keys/known_hosts")
	assert.Contains(t, s, "strict_host_key_checking=no")
}

func TestConnectionKeyStringSanitizes(t *testing.T) {
	k := ConnectionKey{Host: "h\nINJECTED", Username: "u"}
	assert.NotContains(t, k.String(), "\n")
}

func TestConnectionKeyValidate(t *testing.T) {
	assert.Error(t, ConnectionKey{}.Validate())
	assert.Error(t, ConnectionKey{Host: "h", Port: -1}.Validate())
	assert.Error(t, ConnectionKey{Host: "h", Port: 65536}.Validate())
	assert.NoError(t, ConnectionKey{Host: "h"}.Validate())
}
