package main

import (
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/dkeye/Meet/internal/adapters/auth"
	"github.com/dkeye/Meet/internal/adapters/signal"
	"github.com/dkeye/Meet/internal/adapters/status"
	"github.com/dkeye/Meet/internal/adapters/token"
	"github.com/dkeye/Meet/internal/app"
	"github.com/dkeye/Meet/internal/config"
	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

func workerCount(cfg *config.Config) int {
	if cfg.Media.Workers > 0 {
		return cfg.Media.Workers
	}
	return runtime.NumCPU()
}

func workerSettings(cfg *config.Config) core.WorkerSettings {
	return core.WorkerSettings{
		RTCMinPort:  cfg.Media.RTCMinPort,
		RTCMaxPort:  cfg.Media.RTCMaxPort,
		ICEServers:  cfg.Media.ICEServers,
		AnnouncedIP: cfg.Media.AnnouncedIP,
	}
}

func callPolicy(cfg *config.Config) core.CallPolicy {
	return core.CallPolicy{Timeout: cfg.Room.RequestTimeout, Retries: cfg.Room.RequestRetries}
}

func policyConfig(cfg *config.Config) core.PolicyConfig {
	perms, access, fallback := cfg.Policy.PolicyTable()
	return core.PolicyConfig{
		Permissions:          perms,
		Access:               access,
		AllowWhenRoleMissing: fallback,
	}
}

func roomOptions(cfg *config.Config) core.RoomOptions {
	return core.RoomOptions{
		MaxPeers:           cfg.Room.MaxPeers,
		MaxSpotlights:      cfg.Room.MaxSpotlights,
		ActivateOnHostJoin: cfg.Room.ActivateOnHostJoin,
		TokenRetention:     cfg.Room.TokenRetention,
		ChatHistory:        cfg.Room.ChatHistory,
		QueueSize:          cfg.Room.QueueSize,
		Call:               callPolicy(cfg),
	}
}

// signalConfig keeps package defaults for anything left at zero.
func signalConfig(cfg *config.Config) signal.Config {
	out := signal.DefaultConfig()
	s := cfg.Signal
	if s.SendBuffer > 0 {
		out.SendBuffer = s.SendBuffer
	}
	if s.WriteWait > 0 {
		out.WriteWait = s.WriteWait
	}
	if s.PongWait > 0 {
		out.PongWait = s.PongWait
	}
	if s.PingPeriod > 0 {
		out.PingPeriod = s.PingPeriod
	}
	if s.ReadLimit > 0 {
		out.MaxMessageSize = s.ReadLimit
	}
	if cfg.Room.RequestTimeout > 0 {
		// one request may spend every engine retry
		out.RequestTimeout = cfg.Room.RequestTimeout * time.Duration(cfg.Room.RequestRetries+1)
	}
	out.RateLimit = s.RateLimit
	out.RateInterval = s.RateInterval
	out.AllowedOrigins = s.AllowedOrigins
	return out
}

func roleMapping(cfg *config.Config) (core.RoleMapping, error) {
	m := core.RoleMapping{UserRoles: make(map[string][]domain.Role, len(cfg.Auth.UserRoles))}
	for _, id := range cfg.Auth.OwnerRoles {
		r, ok := domain.LookupRole(id)
		if !ok {
			return m, fmt.Errorf("owner role %q: unknown role", id)
		}
		m.OwnerRoles = append(m.OwnerRoles, r)
	}
	for user, ids := range cfg.Auth.UserRoles {
		for _, id := range ids {
			r, ok := domain.LookupRole(id)
			if !ok {
				return m, fmt.Errorf("role %q for user %q: unknown role", id, user)
			}
			m.UserRoles[user] = append(m.UserRoles[user], r)
		}
	}
	return m, nil
}

// authenticator returns nil when logins are disabled.
func authenticator(cfg *config.Config) core.Authenticator {
	switch strings.ToLower(cfg.Auth.Type) {
	case "native":
		return auth.NewNative(cfg.Auth.Native.URL, cfg.Auth.Native.AvatarURL, cfg.Auth.Native.Timeout)
	case "static":
		users := make([]auth.StaticUser, 0, len(cfg.Auth.Users))
		for _, u := range cfg.Auth.Users {
			users = append(users, auth.StaticUser{
				Username:     u.Username,
				PasswordHash: u.PasswordHash,
				Info:         domain.UserInfo{
					ID:          u.ID,
					DisplayName: u.DisplayName,
					Email:       u.Email,
					Picture:     u.Picture,
					Rooms:       u.Rooms,
				},
			})
		}
		return auth.NewStatic(users)
	default:
		return nil
	}
}

func needsRedis(cfg *config.Config) bool {
	return cfg.Token.Revocation == "redis" || cfg.Status.Redis.Enabled
}

func newRedis(cfg *config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
}

func tokenManager(cfg *config.Config, rdb *redis.Client) (*token.Manager, error) {
	var store token.RevocationStore
	if cfg.Token.Revocation == "redis" {
		store = token.NewRedisStore(rdb)
	}
	return token.NewManager(cfg.Token.Secret, cfg.Token.TTL, cfg.Token.Issuer, store)
}

// statusHooks builds the configured status publishers. The returned close
// func releases hooks that own connections.
func statusHooks(cfg *config.Config, reg prometheus.Registerer, rdb *redis.Client) ([]app.StatusHook, func(), error) {
	var hooks []app.StatusHook
	closers := []func(){}
	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}

	if cfg.Status.Log {
		hooks = append(hooks, status.NewLogHook())
	}
	if cfg.Status.Prometheus {
		h, err := status.NewPrometheusHook(reg)
		if err != nil {
			return nil, closeAll, fmt.Errorf("prometheus status: %w", err)
		}
		hooks = append(hooks, h)
	}
	if cfg.Status.Redis.Enabled {
		r := cfg.Status.Redis
		hooks = append(hooks, status.NewRedisHook(rdb, r.Key, r.Channel, r.TTL))
	}
	if cfg.Status.Kafka.Enabled {
		h, err := status.NewKafkaHook(cfg.Status.Kafka.Brokers, cfg.Status.Kafka.Topic)
		if err != nil {
			return nil, closeAll, fmt.Errorf("kafka status: %w", err)
		}
		hooks = append(hooks, h)
		closers = append(closers, h.Close)
	}
	return hooks, closeAll, nil
}
