package configuration

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"x-agent-manager/infrastructure/logger"

	"github.com/spf13/viper"
)

const (
	ModeSimulated = "simulated"
	ModeLive      = "live"

	LockBackendFile  = "file"
	LockBackendRedis = "redis"
	LockBackendNone  = "none"
)

type Config struct {
	App      App      `mapstructure:"app"`
	Storage  Storage  `mapstructure:"storage"`
	OAuth    OAuth    `mapstructure:"oauth"`
	Platform Platform `mapstructure:"platform"`
	Queue    Queue    `mapstructure:"queue"`
	Schedule Schedule `mapstructure:"schedule"`
	Report   Report   `mapstructure:"report"`
	Crypto   Crypto   `mapstructure:"crypto"`
	Lock     Lock     `mapstructure:"lock"`
	Logger   Logger   `mapstructure:"logger"`
}

type App struct {
	// Mode selects the platform gateway: "simulated" (alias "mock") or "live".
	Mode          string        `mapstructure:"mode"`
	CycleInterval time.Duration `mapstructure:"cycle_interval"`
}

type Storage struct {
	// Root is the account directory; collections live under Root/workspace/state.
	Root           string `mapstructure:"root"`
	CredentialPath string `mapstructure:"credential_path"`
}

type OAuth struct {
	ClientID        string        `mapstructure:"client_id"`
	ClientSecret    string        `mapstructure:"client_secret"`
	AuthURL         string        `mapstructure:"auth_url"`
	TokenURL        string        `mapstructure:"token_url"`
	RedirectURI     string        `mapstructure:"redirect_uri"`
	Scopes          []string      `mapstructure:"scopes"`
	StateTTL        time.Duration `mapstructure:"state_ttl"`
	CallbackTimeout time.Duration `mapstructure:"callback_timeout"`
}

type Platform struct {
	APIBaseURL  string        `mapstructure:"api_base_url"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MinTokenTTL time.Duration `mapstructure:"min_token_ttl"`
}

type Queue struct {
	MaxRetries         int           `mapstructure:"max_retries"`
	PublishLimit       int           `mapstructure:"publish_limit"`
	MetricsLimit       int           `mapstructure:"metrics_limit"`
	MetricsMinInterval time.Duration `mapstructure:"metrics_min_interval"`
	MaxPostsPerDay     int           `mapstructure:"max_posts_per_day"`
	MinPostInterval    time.Duration `mapstructure:"min_post_interval"`
	StopPublish        bool          `mapstructure:"stop_publish"`
}

// Schedule places posts enqueued with "next" on local time-of-day slots.
type Schedule struct {
	Timezone string        `mapstructure:"timezone"`
	Slots    []string      `mapstructure:"slots"`
	Buffer   time.Duration `mapstructure:"buffer"`
}

type Report struct {
	PerformanceLimit  int   `mapstructure:"performance_limit"`
	WindowDays        int   `mapstructure:"window_days"`
	TargetImpressions int64 `mapstructure:"target_impressions"`
}

type Crypto struct {
	MasterKeyEnv string `mapstructure:"master_key_env"`
	Iterations   int    `mapstructure:"iterations"`
}

type Lock struct {
	Backend       string        `mapstructure:"backend"`
	RedisAddress  string        `mapstructure:"redis_address"`
	RedisPassword string        `mapstructure:"redis_password"`
	RedisDB       int           `mapstructure:"redis_db"`
	TTL           time.Duration `mapstructure:"ttl"`
}

type Logger struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Dir    string `mapstructure:"dir"`
}

func setDefaults(v *viper.Viper) {
	home, _ := os.UserHomeDir()

	v.SetDefault("app.mode", ModeSimulated)
	v.SetDefault("app.cycle_interval", 15*time.Minute)

	v.SetDefault("storage.root", ".")
	v.SetDefault("storage.credential_path", filepath.Join(home, ".secrets", "x-agent-manager", "credential.json"))

	v.SetDefault("oauth.client_id", "")
	v.SetDefault("oauth.client_secret", "")
	v.SetDefault("oauth.auth_url", "https://x.com/i/oauth2/authorize")
	v.SetDefault("oauth.token_url", "https://api.x.com/2/oauth2/token")
	v.SetDefault("oauth.redirect_uri", "http://127.0.0.1:8787/callback")
	v.SetDefault("oauth.scopes", []string{"tweet.read", "tweet.write", "users.read", "offline.access"})
	v.SetDefault("oauth.state_ttl", 10*time.Minute)
	v.SetDefault("oauth.callback_timeout", 5*time.Minute)

	v.SetDefault("platform.api_base_url", "https://api.x.com")
	v.SetDefault("platform.timeout", 30*time.Second)
	v.SetDefault("platform.min_token_ttl", 120*time.Second)

	v.SetDefault("queue.max_retries", 3)
	v.SetDefault("queue.publish_limit", 1)
	v.SetDefault("queue.metrics_limit", 50)
	v.SetDefault("queue.metrics_min_interval", 900*time.Second)
	v.SetDefault("queue.max_posts_per_day", 2)
	v.SetDefault("queue.min_post_interval", 180*time.Minute)
	v.SetDefault("queue.stop_publish", false)

	v.SetDefault("schedule.timezone", "Asia/Tokyo")
	v.SetDefault("schedule.slots", []string{"07:30", "12:10", "20:30"})
	v.SetDefault("schedule.buffer", 10*time.Minute)

	v.SetDefault("report.performance_limit", 50)
	v.SetDefault("report.window_days", 90)
	v.SetDefault("report.target_impressions", 5_000_000)

	v.SetDefault("crypto.master_key_env", "X_TOKEN_MASTER_KEY")
	v.SetDefault("crypto.iterations", 210000)

	v.SetDefault("lock.backend", LockBackendFile)
	v.SetDefault("lock.redis_address", "")
	v.SetDefault("lock.redis_password", "")
	v.SetDefault("lock.redis_db", 0)
	v.SetDefault("lock.ttl", 10*time.Minute)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
	v.SetDefault("logger.dir", "")
}

// LoadConfig reads config.json (or config-<ENV>.json) from the working directory
// or its parents, applies XAM_* environment overrides and validates the result.
// An explicit path wins over the lookup.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigType("json")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(getConfig())
		v.AddConfigPath(".")
		v.AddConfigPath("../")
		v.AddConfigPath("../../")
	}
	v.SetEnvPrefix("XAM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			logger.GetLogger().Debug("Config file not found, using defaults and environment")
		} else {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		logger.GetLogger().WithField("config", v.ConfigFileUsed()).Debug("Config file loaded")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	initOAuth(&cfg)
	initApp(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

func getConfig() string {
	name := "config"
	env := os.Getenv("ENV")
	if env != "" {
		name = fmt.Sprintf("%s-%s", name, env)
	}
	return name
}

// initOAuth fills client settings from the X_* variables that secret files export.
func initOAuth(cfg *Config) {
	cfg.OAuth.ClientID = getConfigValue(cfg.OAuth.ClientID, "X_CLIENT_ID", "")
	cfg.OAuth.ClientSecret = getConfigValue(cfg.OAuth.ClientSecret, "X_CLIENT_SECRET", "")
	cfg.OAuth.RedirectURI = getConfigValue(cfg.OAuth.RedirectURI, "X_REDIRECT_URI", cfg.OAuth.RedirectURI)
	if v := os.Getenv("X_SCOPES"); v != "" {
		cfg.OAuth.Scopes = strings.Fields(v)
	}
}

func initApp(cfg *Config) {
	if cfg.App.Mode == "mock" {
		cfg.App.Mode = ModeSimulated
	}
	if v := os.Getenv("X_ACCOUNT_DIR"); v != "" && cfg.Storage.Root == "." {
		cfg.Storage.Root = v
	}
	switch strings.ToLower(os.Getenv("STOP_PUBLISH")) {
	case "1", "true", "yes", "on":
		cfg.Queue.StopPublish = true
	}
	cfg.Storage.Root = expandHome(cfg.Storage.Root)
	cfg.Storage.CredentialPath = expandHome(cfg.Storage.CredentialPath)
}

// Validate rejects configurations the core cannot run with.
func (c *Config) Validate() error {
	var errs []error
	switch c.App.Mode {
	case ModeSimulated, ModeLive:
	default:
		errs = append(errs, fmt.Errorf("app.mode: unknown mode %q", c.App.Mode))
	}
	if c.App.Mode == ModeLive && c.OAuth.ClientID == "" {
		errs = append(errs, errors.New("oauth.client_id: required in live mode"))
	}
	if c.Storage.Root == "" {
		errs = append(errs, errors.New("storage.root: required"))
	}
	if c.Platform.Timeout <= 0 {
		errs = append(errs, errors.New("platform.timeout: must be positive"))
	}
	if c.Queue.MaxRetries <= 0 {
		errs = append(errs, errors.New("queue.max_retries: must be positive"))
	}
	if c.Queue.PublishLimit <= 0 {
		errs = append(errs, errors.New("queue.publish_limit: must be positive"))
	}
	if c.Queue.MetricsLimit <= 0 {
		errs = append(errs, errors.New("queue.metrics_limit: must be positive"))
	}
	if len(c.Schedule.Slots) == 0 {
		errs = append(errs, errors.New("schedule.slots: at least one slot required"))
	}
	if c.Report.WindowDays <= 0 {
		errs = append(errs, errors.New("report.window_days: must be positive"))
	}
	if c.OAuth.StateTTL <= 0 {
		errs = append(errs, errors.New("oauth.state_ttl: must be positive"))
	}
	switch c.Lock.Backend {
	case LockBackendFile, LockBackendNone:
	case LockBackendRedis:
		if c.Lock.RedisAddress == "" {
			errs = append(errs, errors.New("lock.redis_address: required for redis lock backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("lock.backend: unknown backend %q", c.Lock.Backend))
	}
	return errors.Join(errs...)
}

// StateDir is where collections and the cycle lockfile live.
func (c *Config) StateDir() string {
	return filepath.Join(c.Storage.Root, "workspace", "state")
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}

// getConfigValue gets value from config first, then environment variable, then default
func getConfigValue(configValue, envKey, defaultValue string) string {
	// Environment variable takes precedence when provided
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	if configValue != "" && !strings.HasPrefix(configValue, "YOUR_") {
		return configValue
	}
	return defaultValue
}
