package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dkeye/Meet/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testYAML = `
mode: debug
port: 9000
log:
  level: warn
signal:
  ping_period: 20s
  pong_wait: 30s
room:
  max_peers: 12
  backpressure: kick
policy:
  permissions:
    share_file: [moderator]
auth:
  type: native
  native:
    url: http://auth.local
`

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "config.unit.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, testYAML)
	t.Setenv("MEET_PORT", "9090")
	t.Setenv("MEET_SIGNAL_RATE_LIMIT", "5")

	cfg, v, err := Load("unit", dir)
	require.NoError(t, err)
	assert.NotEmpty(t, v.ConfigFileUsed())

	assert.Equal(t, "debug", cfg.Mode)
	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, 20*time.Second, cfg.Signal.PingPeriod)
	assert.Equal(t, 5, cfg.Signal.RateLimit)
	assert.Equal(t, 12, cfg.Room.MaxPeers)
	assert.Equal(t, "kick", cfg.Room.Backpressure)
	assert.Equal(t, "native", cfg.Auth.Type)
	assert.Equal(t, "http://auth.local", cfg.Auth.Native.URL)

	perms, access, fallback := cfg.Policy.PolicyTable()
	assert.Equal(t, []string{"moderator"}, perms[domain.ShareFile])
	assert.Equal(t, []string{"normal"}, perms[domain.SendChat])
	assert.Equal(t, []string{"admin"}, access[domain.BypassRoomLock])
	assert.Equal(t, []domain.Action{domain.ChangeRoomLock}, fallback)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	t.Setenv("MEET_MODE", "debug")
	cfg, _, err := Load("absent", t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 54*time.Second, cfg.Signal.PingPeriod)
	assert.Equal(t, "none", cfg.Auth.Type)
	assert.Equal(t, "memory", cfg.Token.Revocation)
	assert.Equal(t, uint16(40000), cfg.Media.RTCMinPort)
	assert.Equal(t, 3, cfg.Room.RequestRetries)
}

func TestLoad_ReleaseNeedsSecrets(t *testing.T) {
	_, _, err := Load("absent", t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "secret")
}

func TestValidate(t *testing.T) {
	t.Setenv("MEET_MODE", "debug")
	base, _, err := Load("absent", t.TempDir())
	require.NoError(t, err)

	cases := map[string]func(c *Config){
		"mode":        func(c *Config) { c.Mode = "chaos" },
		"ping":        func(c *Config) { c.Signal.PingPeriod = c.Signal.PongWait },
		"ports":       func(c *Config) { c.Media.RTCMinPort, c.Media.RTCMaxPort = 50000, 40000 },
		"role":        func(c *Config) { c.Policy.Permissions["send_chat"] = []string{"wizard"} },
		"action":      func(c *Config) { c.Policy.Access["teleport"] = []string{"admin"} },
		"fallback":    func(c *Config) { c.Policy.AllowWhenRoleMissing = []string{"bypass_lobby"} },
		"native":      func(c *Config) { c.Auth.Type = "native" },
		"revocation":  func(c *Config) { c.Token.Revocation = "disk" },
		"pressure":    func(c *Config) { c.Room.Backpressure = "wait" },
		"owner roles": func(c *Config) { c.Auth.OwnerRoles = []string{"root"} },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := *base
			c.Policy.Permissions = clone(base.Policy.Permissions)
			c.Policy.Access = clone(base.Policy.Access)
			mutate(&c)
			assert.Error(t, c.Validate())
		})
	}
	assert.NoError(t, base.Validate())
}

func clone(m map[string][]string) map[string][]string {
	out := make(map[string][]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func TestWatch_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, testYAML)
	_, v, err := Load("unit", dir)
	require.NoError(t, err)

	changed := make(chan *Config, 4)
	Watch(v, func(c *Config) {
		select {
		case changed <- c:
		default:
		}
	})

	require.NoError(t, os.WriteFile(path, []byte(strings.Replace(testYAML, "level: warn", "level: debug", 1)), 0o600))

	deadline := time.After(5 * time.Second)
	for {
		select {
		case c := <-changed:
			if c.Log.Level == "debug" {
				return
			}
		case <-deadline:
			t.Fatal("config change not observed")
		}
	}
}
