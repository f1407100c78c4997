package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/dkeye/Meet/internal/adapters/auth"
	"github.com/dkeye/Meet/internal/config"
	"github.com/dkeye/Meet/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func defaults(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv("MEET_MODE", "debug")
	cfg, _, err := config.Load("absent", t.TempDir())
	require.NoError(t, err)
	return cfg
}

func TestRoleMapping(t *testing.T) {
	cfg := defaults(t)
	cfg.Auth.OwnerRoles = []string{"moderator"}
	cfg.Auth.UserRoles = map[string][]string{"alice@example.com": {"admin", "moderator"}}

	m, err := roleMapping(cfg)
	require.NoError(t, err)
	assert.Equal(t, []domain.Role{domain.RoleModerator}, m.OwnerRoles)
	assert.Len(t, m.UserRoles["alice@example.com"], 2)

	cfg.Auth.UserRoles["bob"] = []string{"wizard"}
	_, err = roleMapping(cfg)
	assert.ErrorContains(t, err, "wizard")
}

func TestAuthenticator(t *testing.T) {
	cfg := defaults(t)
	assert.Nil(t, authenticator(cfg))

	cfg.Auth.Type = "native"
	cfg.Auth.Native.URL = "http://auth.local"
	assert.IsType(t, &auth.Native{}, authenticator(cfg))

	hash, err := auth.HashPassword("secret")
	require.NoError(t, err)
	cfg.Auth.Type = "static"
	cfg.Auth.Users = []config.StaticUser{{Username: "alice", PasswordHash: hash, DisplayName: "Alice"}}
	a := authenticator(cfg)
	require.IsType(t, &auth.Static{}, a)
	info, err := a.Authenticate(t.Context(), "alice", "secret")
	require.NoError(t, err)
	assert.Equal(t, "Alice", info.DisplayName)
}

func TestSignalConfig(t *testing.T) {
	cfg := defaults(t)
	cfg.Signal.SendBuffer = 0
	cfg.Signal.RateLimit = 7
	cfg.Room.RequestTimeout = 2 * time.Second
	cfg.Room.RequestRetries = 2

	s := signalConfig(cfg)
	assert.Positive(t, s.SendBuffer)
	assert.Equal(t, 7, s.RateLimit)
	assert.Equal(t, 6*time.Second, s.RequestTimeout)
	assert.Equal(t, cfg.Signal.PingPeriod, s.PingPeriod)
}

func TestRoomOptions(t *testing.T) {
	cfg := defaults(t)
	cfg.Room.MaxPeers = 4
	cfg.Media.Workers = 3

	opts := roomOptions(cfg)
	assert.Equal(t, 4, opts.MaxPeers)
	assert.Equal(t, cfg.Room.RequestRetries, opts.Call.Retries)
	assert.Equal(t, 3, workerCount(cfg))

	cfg.Media.Workers = 0
	assert.Positive(t, workerCount(cfg))
}

func TestStatusHooks(t *testing.T) {
	cfg := defaults(t)
	hooks, closeHooks, err := statusHooks(cfg, prometheus.NewRegistry(), nil)
	require.NoError(t, err)
	defer closeHooks()

	names := make([]string, 0, len(hooks))
	for _, h := range hooks {
		names = append(names, h.Name())
	}
	assert.Equal(t, []string{"log", "prometheus"}, names)
	assert.False(t, needsRedis(cfg))

	cfg.Token.Revocation = "redis"
	assert.True(t, needsRedis(cfg))
}

func TestHashPasswordCommand(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"hash-password", "hunter2"})
	t.Cleanup(func() { rootCmd.SetArgs(nil) })

	require.NoError(t, rootCmd.Execute())
	hash := strings.TrimSpace(out.String())
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte("hunter2")))
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"version"})
	t.Cleanup(func() { rootCmd.SetArgs(nil) })

	require.NoError(t, rootCmd.Execute())
	assert.Equal(t, version, strings.TrimSpace(out.String()))
}
