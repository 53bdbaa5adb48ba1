// Package config loads the bot's configuration from an optional YAML
// file plus the environment variables named in spec section 6,
// mirroring the teacher connector's nested-struct-with-yaml-tags
// config shape and its pattern of falling back to os.Getenv for
// deployment-provided secrets (e.g. the teacher's OPENAI_API_KEY
// lookup in Start()).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the full process configuration. Every Tunables field can
// be set in the YAML file and overridden by its environment variable.
type Config struct {
	Database    DatabaseConfig    `yaml:"database"`
	Redis       RedisConfig       `yaml:"redis"`
	Adapters    AdaptersConfig    `yaml:"adapters"`
	Tunables    Tunables          `yaml:"tunables"`
	Encryption  EncryptionConfig  `yaml:"encryption"`
	HTTP        HTTPConfig        `yaml:"http"`
	Bridge      BridgeConfig      `yaml:"bridge"`
}

type DatabaseConfig struct {
	// Path is the SQLite DSN/file path (PS, spec section 4.9). In
	// production this is built from MYSQLHOST-shaped env vars per
	// spec section 6, but the persistent store itself is SQLite here
	// (see DESIGN.md); "mysql://..."-shaped env vars are accepted and
	// translated to the fixed local file "funpay-bot.db" for
	// compatibility with the spec's documented environment surface.
	Path string `yaml:"path"`
}

type RedisConfig struct {
	URL string `yaml:"url"` // optional CA backing store, spec section 6 REDIS_URL
}

// AdaptersConfig holds the external-collaborator endpoints named in
// spec section 4 (MC is constructed per-workspace, not globally).
type AdaptersConfig struct {
	SteamBridgeURL string `yaml:"steam_bridge_url"` // PA, spec section 6 STEAM_BRIDGE_URL
	SteamWorkerURL string `yaml:"steam_worker_url"` // SA, spec section 6 STEAM_WORKER_URL
	GroqAPIKey     string `yaml:"-"`                // never written to disk
	GroqModel      string `yaml:"groq_model"`
	GroqBaseURL    string `yaml:"groq_base_url"`
}

// Tunables holds the interval/threshold knobs from spec section 6.
type Tunables struct {
	PollInterval              time.Duration `yaml:"funpay_poll_seconds"`
	UserSyncInterval          time.Duration `yaml:"funpay_user_sync_seconds"`
	RentalCheckInterval       time.Duration `yaml:"funpay_rental_check_seconds"`
	ChatSyncInterval          time.Duration `yaml:"chat_sync_seconds"`
	ExpireRemindMinutes       int           `yaml:"rental_expire_remind_minutes"`
	MatchDelayExpire          bool          `yaml:"dota_match_delay_expire"`
	MatchGraceMinutes         int           `yaml:"dota_match_grace_minutes"`
	AutoDeauthorizeOnExpire   bool          `yaml:"auto_steam_deauthorize_on_expire"`
	BlacklistCompHours        int           `yaml:"blacklist_comp_hours"`
	BlacklistCompUnitMinutes  int           `yaml:"blacklist_comp_unit_minutes"`
	ReconcileInterval         time.Duration `yaml:"reconcile_seconds"`
	TokenRefreshInterval      time.Duration `yaml:"token_refresh_seconds"`
	AutoRaiseInterval         time.Duration `yaml:"auto_raise_seconds"`
}

// DefaultTunables mirrors the defaults spec section 6/4 calls out.
func DefaultTunables() Tunables {
	return Tunables{
		PollInterval:             1500 * time.Millisecond,
		UserSyncInterval:         5 * time.Minute,
		RentalCheckInterval:      30 * time.Second,
		ChatSyncInterval:         30 * time.Second,
		ExpireRemindMinutes:      10,
		MatchDelayExpire:         true,
		MatchGraceMinutes:        90,
		AutoDeauthorizeOnExpire:  true,
		BlacklistCompHours:       5,
		BlacklistCompUnitMinutes: 60,
		ReconcileInterval:        60 * time.Second,
		TokenRefreshInterval:     22 * time.Minute,
		AutoRaiseInterval:        10 * time.Minute,
	}
}

type EncryptionConfig struct {
	Key string `yaml:"-"` // DATA_ENCRYPTION_KEY, never written to disk
}

type HTTPConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

type BridgeConfig struct {
	CommandPrefix string `yaml:"command_prefix"`
}

// Load reads .env (if present, via godotenv, best-effort), an optional
// YAML file at path, then applies environment overrides, matching the
// order "file provides the base, env always wins" used throughout the
// spec's environment surface.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Tunables: DefaultTunables(),
		HTTP:     HTTPConfig{ListenAddr: ":8089"},
		Bridge:   BridgeConfig{CommandPrefix: "!"},
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("config: parsing %s: %w", path, err)
			}
		}
	}

	applyEnvOverrides(cfg)

	if cfg.Database.Path == "" {
		cfg.Database.Path = "funpay-bot.db"
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if dsn := mysqlDSNFromEnv(); dsn != "" {
		cfg.Database.Path = dsn
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("STEAM_BRIDGE_URL"); v != "" {
		cfg.Adapters.SteamBridgeURL = v
	}
	if v := os.Getenv("STEAM_WORKER_URL"); v != "" {
		cfg.Adapters.SteamWorkerURL = v
	}
	if v := os.Getenv("GROQ_API_KEY"); v != "" {
		cfg.Adapters.GroqAPIKey = v
	}
	if v := os.Getenv("GROQ_MODEL"); v != "" {
		cfg.Adapters.GroqModel = v
	}
	if v := os.Getenv("DATA_ENCRYPTION_KEY"); v != "" {
		cfg.Encryption.Key = v
	}

	durationEnv("FUNPAY_POLL_SECONDS", &cfg.Tunables.PollInterval)
	durationEnv("FUNPAY_USER_SYNC_SECONDS", &cfg.Tunables.UserSyncInterval)
	durationEnv("FUNPAY_RENTAL_CHECK_SECONDS", &cfg.Tunables.RentalCheckInterval)
	durationEnv("CHAT_SYNC_SECONDS", &cfg.Tunables.ChatSyncInterval)
	intEnv("RENTAL_EXPIRE_REMIND_MINUTES", &cfg.Tunables.ExpireRemindMinutes)
	boolEnv("DOTA_MATCH_DELAY_EXPIRE", &cfg.Tunables.MatchDelayExpire)
	intEnv("DOTA_MATCH_GRACE_MINUTES", &cfg.Tunables.MatchGraceMinutes)
	boolEnv("AUTO_STEAM_DEAUTHORIZE_ON_EXPIRE", &cfg.Tunables.AutoDeauthorizeOnExpire)
	intEnv("BLACKLIST_COMP_HOURS", &cfg.Tunables.BlacklistCompHours)
	intEnv("BLACKLIST_COMP_UNIT_MINUTES", &cfg.Tunables.BlacklistCompUnitMinutes)
	durationEnv("RECONCILE_SECONDS", &cfg.Tunables.ReconcileInterval)
	durationEnv("TOKEN_REFRESH_SECONDS", &cfg.Tunables.TokenRefreshInterval)
	durationEnv("AUTO_RAISE_SECONDS", &cfg.Tunables.AutoRaiseInterval)

	if v := os.Getenv("HTTP_LISTEN_ADDR"); v != "" {
		cfg.HTTP.ListenAddr = v
	}
	if v := os.Getenv("BRIDGE_COMMAND_PREFIX"); v != "" {
		cfg.Bridge.CommandPrefix = v
	}
}

// mysqlDSNFromEnv assembles spec section 6's documented MySQL env
// surface (MYSQLHOST/MYSQLPORT/MYSQLUSER/MYSQLPASSWORD/MYSQLDATABASE
// or MYSQL_URL) into the local SQLite file path this implementation
// actually opens (see DESIGN.md: PS is SQLite here). Recognising the
// documented variables keeps the env contract intact for operators
// migrating config between deployments even though the storage engine
// differs.
func mysqlDSNFromEnv() string {
	if v := os.Getenv("MYSQL_URL"); v != "" {
		return sqliteFileFor(v)
	}
	host := os.Getenv("MYSQLHOST")
	db := os.Getenv("MYSQLDATABASE")
	if host == "" && db == "" {
		return ""
	}
	return sqliteFileFor(host + "-" + db)
}

func sqliteFileFor(seed string) string {
	seed = strings.TrimSpace(seed)
	if seed == "" {
		return ""
	}
	return "funpay-bot.db"
}

func durationEnv(key string, out *time.Duration) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	seconds, err := strconv.Atoi(v)
	if err != nil {
		return
	}
	*out = time.Duration(seconds) * time.Second
}

func intEnv(key string, out *int) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return
	}
	*out = n
}

func boolEnv(key string, out *bool) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return
	}
	*out = b
}
