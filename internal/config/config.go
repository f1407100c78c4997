package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/dkeye/Meet/internal/domain"
	"github.com/dkeye/Meet/internal/logging"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

const EnvPrefix = "MEET"

type Config struct {
	Mode       string         `mapstructure:"mode"`
	Port       int            `mapstructure:"port"`
	HealthPort int            `mapstructure:"health_port"`
	StaticPath string         `mapstructure:"static_path"`
	Secret     string         `mapstructure:"secret"`
	Log        logging.Config `mapstructure:"log"`
	Signal     Signal         `mapstructure:"signal"`
	Room       Room           `mapstructure:"room"`
	Policy     Policy         `mapstructure:"policy"`
	Media      Media          `mapstructure:"media"`
	Auth       Auth           `mapstructure:"auth"`
	Token      Token          `mapstructure:"token"`
	Redis      Redis          `mapstructure:"redis"`
	Status     Status         `mapstructure:"status"`
}

type Signal struct {
	SendBuffer     int           `mapstructure:"send_buffer"`
	WriteWait      time.Duration `mapstructure:"write_wait"`
	PongWait       time.Duration `mapstructure:"pong_wait"`
	PingPeriod     time.Duration `mapstructure:"ping_period"`
	ReadLimit      int64         `mapstructure:"read_limit"`
	RateLimit      int           `mapstructure:"rate_limit"`
	RateInterval   time.Duration `mapstructure:"rate_interval"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
}

type Room struct {
	MaxPeers           int           `mapstructure:"max_peers"`
	MaxSpotlights      int           `mapstructure:"max_spotlights"`
	ActivateOnHostJoin bool          `mapstructure:"activate_on_host_join"`
	TokenRetention     time.Duration `mapstructure:"token_retention"`
	ChatHistory        int           `mapstructure:"chat_history"`
	QueueSize          int           `mapstructure:"queue_size"`
	Backpressure       string        `mapstructure:"backpressure"`
	JoinTimeout        time.Duration `mapstructure:"join_timeout"`
	RequestTimeout     time.Duration `mapstructure:"request_timeout"`
	RequestRetries     int           `mapstructure:"request_retries"`
}

// Policy maps action names to the role ids that hold them.
type Policy struct {
	Permissions          map[string][]string `mapstructure:"permissions"`
	Access               map[string][]string `mapstructure:"access"`
	AllowWhenRoleMissing []string            `mapstructure:"allow_when_role_missing"`
}

type Media struct {
	// Workers 0 means one per CPU.
	Workers     int      `mapstructure:"workers"`
	RTCMinPort  uint16   `mapstructure:"rtc_min_port"`
	RTCMaxPort  uint16   `mapstructure:"rtc_max_port"`
	ICEServers  []string `mapstructure:"ice_servers"`
	AnnouncedIP string   `mapstructure:"announced_ip"`
}

type Auth struct {
	// Type is none, native or static.
	Type       string              `mapstructure:"type"`
	Native     NativeAuth          `mapstructure:"native"`
	Users      []StaticUser        `mapstructure:"users"`
	OwnerRoles []string            `mapstructure:"owner_roles"`
	UserRoles  map[string][]string `mapstructure:"user_roles"`
}

type NativeAuth struct {
	URL       string        `mapstructure:"url"`
	AvatarURL string        `mapstructure:"avatar_url"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

type StaticUser struct {
	Username     string   `mapstructure:"username"`
	PasswordHash string   `mapstructure:"password_hash"`
	ID           string   `mapstructure:"id"`
	DisplayName  string   `mapstructure:"display_name"`
	Email        string   `mapstructure:"email"`
	Picture      string   `mapstructure:"picture"`
	Rooms        []string `mapstructure:"rooms"`
}

type Token struct {
	Secret     string        `mapstructure:"secret"`
	TTL        time.Duration `mapstructure:"ttl"`
	Issuer     string        `mapstructure:"issuer"`
	// Revocation is memory or redis.
	Revocation string        `mapstructure:"revocation"`
}

type Redis struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type Status struct {
	Log        bool        `mapstructure:"log"`
	Prometheus bool        `mapstructure:"prometheus"`
	Redis      RedisStatus `mapstructure:"redis"`
	Kafka      KafkaStatus `mapstructure:"kafka"`
}

type RedisStatus struct {
	Enabled bool          `mapstructure:"enabled"`
	Key     string        `mapstructure:"key"`
	Channel string        `mapstructure:"channel"`
	TTL     time.Duration `mapstructure:"ttl"`
}

type KafkaStatus struct {
	Enabled bool   `mapstructure:"enabled"`
	Brokers string `mapstructure:"brokers"`
	Topic   string `mapstructure:"topic"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("health_port", 8081)
	v.SetDefault("static_path", "./web")
	v.SetDefault("secret", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)

	v.SetDefault("signal.send_buffer", 64)
	v.SetDefault("signal.write_wait", "5s")
	v.SetDefault("signal.pong_wait", "60s")
	v.SetDefault("signal.ping_period", "54s")
	v.SetDefault("signal.read_limit", 1<<20)
	v.SetDefault("signal.rate_limit", 100)
	v.SetDefault("signal.rate_interval", "10s")
	v.SetDefault("signal.allowed_origins", []string{})

	v.SetDefault("room.max_peers", 0)
	v.SetDefault("room.max_spotlights", 4)
	v.SetDefault("room.activate_on_host_join", false)
	v.SetDefault("room.token_retention", "1m")
	v.SetDefault("room.chat_history", 200)
	v.SetDefault("room.queue_size", 64)
	v.SetDefault("room.backpressure", "drop")
	v.SetDefault("room.join_timeout", "30s")
	v.SetDefault("room.request_timeout", "20s")
	v.SetDefault("room.request_retries", 3)

	// nested maps so a file overriding one action keeps the others
	v.SetDefault("policy.permissions", roleTable(map[domain.Action]domain.Role{
		domain.ChangeRoomLock: domain.RoleModerator,
		domain.PromotePeer:    domain.RoleNormal,
		domain.SendChat:       domain.RoleNormal,
		domain.ModerateChat:   domain.RoleModerator,
		domain.ShareScreen:    domain.RoleNormal,
		domain.ExtraVideo:     domain.RoleNormal,
		domain.ShareFile:      domain.RoleNormal,
		domain.ModerateFiles:  domain.RoleModerator,
		domain.ModerateRoom:   domain.RoleModerator,
	}))
	v.SetDefault("policy.access", roleTable(map[domain.Action]domain.Role{
		domain.BypassRoomLock: domain.RoleAdmin,
		domain.BypassLobby:    domain.RoleNormal,
	}))
	v.SetDefault("policy.allow_when_role_missing", []string{string(domain.ChangeRoomLock)})

	v.SetDefault("media.workers", 0)
	v.SetDefault("media.rtc_min_port", 40000)
	v.SetDefault("media.rtc_max_port", 49999)
	v.SetDefault("media.ice_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("media.announced_ip", "")

	v.SetDefault("auth.type", "none")
	v.SetDefault("auth.native.url", "")
	v.SetDefault("auth.native.avatar_url", "")
	v.SetDefault("auth.native.timeout", "5s")
	v.SetDefault("auth.owner_roles", []string{domain.RoleModerator.ID})
	v.SetDefault("auth.user_roles", map[string][]string{})

	v.SetDefault("token.secret", "")
	v.SetDefault("token.ttl", "24h")
	v.SetDefault("token.issuer", "meet")
	v.SetDefault("token.revocation", "memory")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("status.log", true)
	v.SetDefault("status.prometheus", true)
	v.SetDefault("status.redis.enabled", false)
	v.SetDefault("status.redis.key", "meet:status")
	v.SetDefault("status.redis.channel", "meet:status:events")
	v.SetDefault("status.redis.ttl", "1m")
	v.SetDefault("status.kafka.enabled", false)
	v.SetDefault("status.kafka.brokers", "localhost:9092")
	v.SetDefault("status.kafka.topic", "meet-status")
}

func roleTable(t map[domain.Action]domain.Role) map[string]any {
	out := make(map[string]any, len(t))
	for a, r := range t {
		out[string(a)] = []string{r.ID}
	}
	return out
}

// Env returns the config environment: override, then CONFIG_ENV, then dev.
func Env(override string) string {
	if override != "" {
		return override
	}
	if env := os.Getenv("CONFIG_ENV"); env != "" {
		return env
	}
	return "dev"
}

// Load reads config/config.<env>.yaml over the defaults; MEET_* variables
// override both. A missing file is not an error.
func Load(env string, paths ...string) (*Config, *viper.Viper, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigName("config." + env)
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, nil, fmt.Errorf("read config: %w", err)
		}
		log.Warn().Str("module", "config").Str("env", env).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", v.ConfigFileUsed()).Msg("config loaded")
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, nil, err
	}
	return cfg, v, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Watch calls onChange with the re-read config whenever the file
// changes. Invalid edits are logged and skipped.
func Watch(v *viper.Viper, onChange func(*Config)) {
	if v.ConfigFileUsed() == "" {
		return
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := decode(v)
		if err != nil {
			log.Error().Err(err).Str("module", "config").Str("file", e.Name).Msg("config reload rejected")
			return
		}
		log.Info().Str("module", "config").Str("file", e.Name).Msg("config reloaded")
		onChange(cfg)
	})
	v.WatchConfig()
}

var (
	modes       = []string{"debug", "release", "test"}
	authTypes   = []string{"none", "native", "static"}
	revocations = []string{"memory", "redis"}
	pressures   = []string{"drop", "kick"}
)

func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(slices.Contains(modes, c.Mode), "mode %q: want one of %v", c.Mode, modes)
	check(c.Port > 0 && c.Port < 65536, "port %d out of range", c.Port)
	check(c.HealthPort >= 0 && c.HealthPort < 65536, "health_port %d out of range", c.HealthPort)
	check(c.HealthPort == 0 || c.HealthPort != c.Port, "health_port equals port")
	check(c.Mode != "release" || len(c.Secret) >= 16, "secret must be at least 16 bytes in release mode")

	s := c.Signal
	check(s.SendBuffer > 0, "signal.send_buffer must be positive")
	check(s.WriteWait > 0, "signal.write_wait must be positive")
	check(s.PingPeriod > 0 && s.PingPeriod < s.PongWait, "signal.ping_period must be positive and below pong_wait")
	check(s.ReadLimit > 0, "signal.read_limit must be positive")
	check(s.RateLimit >= 0, "signal.rate_limit must not be negative")
	check(s.RateLimit == 0 || s.RateInterval > 0, "signal.rate_interval must be positive when rate_limit is set")

	r := c.Room
	check(r.MaxPeers >= 0, "room.max_peers must not be negative")
	check(r.MaxSpotlights >= 0, "room.max_spotlights must not be negative")
	check(r.QueueSize > 0, "room.queue_size must be positive")
	check(r.ChatHistory >= 0, "room.chat_history must not be negative")
	check(r.RequestTimeout > 0, "room.request_timeout must be positive")
	check(r.RequestRetries >= 0, "room.request_retries must not be negative")
	check(slices.Contains(pressures, r.Backpressure), "room.backpressure %q: want one of %v", r.Backpressure, pressures)

	errs = append(errs, c.Policy.validate()...)

	m := c.Media
	check(m.Workers >= 0, "media.workers must not be negative")
	check(m.RTCMinPort <= m.RTCMaxPort, "media.rtc_min_port above rtc_max_port")

	check(slices.Contains(authTypes, c.Auth.Type), "auth.type %q: want one of %v", c.Auth.Type, authTypes)
	check(c.Auth.Type != "native" || c.Auth.Native.URL != "", "auth.native.url required for native auth")
	for _, u := range c.Auth.Users {
		check(u.Username != "" && u.PasswordHash != "", "auth.users: username and password_hash required")
	}
	for _, id := range c.Auth.OwnerRoles {
		_, ok := domain.LookupRole(id)
		check(ok, "auth.owner_roles: unknown role %q", id)
	}
	for user, ids := range c.Auth.UserRoles {
		for _, id := range ids {
			_, ok := domain.LookupRole(id)
			check(ok, "auth.user_roles[%s]: unknown role %q", user, id)
		}
	}

	check(c.Token.TTL > 0, "token.ttl must be positive")
	check(slices.Contains(revocations, c.Token.Revocation), "token.revocation %q: want one of %v", c.Token.Revocation, revocations)
	check(c.Mode != "release" || len(c.Token.Secret) >= 16, "token.secret must be at least 16 bytes in release mode")

	check(!c.Status.Kafka.Enabled || c.Status.Kafka.Topic != "", "status.kafka.topic required")
	check(!c.Status.Redis.Enabled || c.Status.Redis.Key != "", "status.redis.key required")

	return errors.Join(errs...)
}

func (p Policy) validate() []error {
	var errs []error
	known := append(domain.Permissions(), domain.BypassRoomLock, domain.BypassLobby)
	check := func(table string, actions map[string][]string) {
		for action, roles := range actions {
			if !slices.Contains(known, domain.Action(action)) {
				errs = append(errs, fmt.Errorf("policy.%s: unknown action %q", table, action))
			}
			for _, id := range roles {
				if _, ok := domain.LookupRole(id); !ok {
					errs = append(errs, fmt.Errorf("policy.%s[%s]: unknown role %q", table, action, id))
				}
			}
		}
	}
	check("permissions", p.Permissions)
	check("access", p.Access)
	for _, a := range p.AllowWhenRoleMissing {
		if !slices.Contains(domain.Permissions(), domain.Action(a)) {
			errs = append(errs, fmt.Errorf("policy.allow_when_role_missing: %q is not a permission", a))
		}
	}
	return errs
}

// PolicyTable converts the policy section into action keyed tables.
func (p Policy) PolicyTable() (perms, access map[domain.Action][]string, fallback []domain.Action) {
	perms = make(map[domain.Action][]string, len(p.Permissions))
	for a, roles := range p.Permissions {
		perms[domain.Action(a)] = roles
	}
	access = make(map[domain.Action][]string, len(p.Access))
	for a, roles := range p.Access {
		access[domain.Action(a)] = roles
	}
	for _, a := range p.AllowWhenRoleMissing {
		fallback = append(fallback, domain.Action(a))
	}
	return perms, access, fallback
}
