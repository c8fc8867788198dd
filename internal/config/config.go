package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	Port           int    `toml:"port"`
	DBPath         string `toml:"db"`
	DownloadDir    string `toml:"download_dir"`
	LogLevel       string `toml:"log_level"`
	RecoverOnStart bool   `toml:"recover_on_start"`

	Worker WorkerConfig `toml:"worker"`
	YtDlp  YtDlpConfig  `toml:"ytdlp"`
	Client ClientConfig `toml:"client"`

	// Path is the config file that was read, empty if none.
	Path string `toml:"-"`
	// Args are the positional arguments left after flag parsing.
	Args []string `toml:"-"`
}

// WorkerConfig holds queue worker timing.
type WorkerConfig struct {
	ActiveInterval time.Duration `toml:"active_interval"`
	IdleInterval   time.Duration `toml:"idle_interval"`
	JobDelay       time.Duration `toml:"job_delay"`
	ErrorBackoff   time.Duration `toml:"error_backoff"`
	StaleAfter     time.Duration `toml:"stale_after"` // 0 disables
}

// YtDlpConfig configures the extraction tool.
type YtDlpConfig struct {
	Binary          string        `toml:"binary"`
	AudioFormat     string        `toml:"audio_format"`
	AudioQuality    string        `toml:"audio_quality"`
	MetadataTimeout time.Duration `toml:"metadata_timeout"`
	ExtraArgs       []string      `toml:"extra_args"`
}

// ClientConfig configures front-ends that submit and wait.
type ClientConfig struct {
	ServiceURL   string        `toml:"service_url"`
	PollInterval time.Duration `toml:"poll_interval"`
	WaitTimeout  time.Duration `toml:"wait_timeout"`
}

const (
	DefaultPort     = 3001
	DefaultLogLevel = "info"
)

// DefaultDBPath returns the default database path using XDG_CACHE_HOME.
func DefaultDBPath() string {
	cacheDir := os.Getenv("XDG_CACHE_HOME")
	if cacheDir == "" {
		home, _ := os.UserHomeDir()
		cacheDir = filepath.Join(home, ".cache")
	}
	return filepath.Join(cacheDir, "mediaq", "jobs.db")
}

// DefaultConfigPath returns the default config file path using XDG_CONFIG_HOME.
func DefaultConfigPath() string {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		home, _ := os.UserHomeDir()
		configDir = filepath.Join(home, ".config")
	}
	return filepath.Join(configDir, "mediaq", "config.toml")
}

// DefaultDownloadDir returns the default download directory.
func DefaultDownloadDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, "Downloads", "mediaq")
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		Port:           DefaultPort,
		DBPath:         DefaultDBPath(),
		DownloadDir:    DefaultDownloadDir(),
		LogLevel:       DefaultLogLevel,
		RecoverOnStart: true,
		Worker: WorkerConfig{
			ActiveInterval: 5 * time.Second,
			IdleInterval:   10 * time.Second,
			JobDelay:       2 * time.Second,
			ErrorBackoff:   10 * time.Second,
		},
		YtDlp: YtDlpConfig{
			Binary:          "yt-dlp",
			AudioFormat:     "mp3",
			AudioQuality:    "192",
			MetadataTimeout: 30 * time.Second,
		},
		Client: ClientConfig{
			ServiceURL:   fmt.Sprintf("http://localhost:%d", DefaultPort),
			PollInterval: 5 * time.Second,
			WaitTimeout:  300 * time.Second,
		},
	}
}

// LoadDotEnv loads variables from .env files into the process environment
// without overriding variables that are already set. Missing files are
// ignored. With no paths it reads ./.env.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// Load builds Config from defaults, the TOML config file, environment
// variables and flags, in increasing precedence. Callers may register their
// own flags on fset before calling Load.
func Load(fset *flag.FlagSet, args []string) (*Config, error) {
	cfg := Default()

	configPath := fset.String("config", "", "TOML config file (default $XDG_CONFIG_HOME/mediaq/config.toml)")
	fset.Int("port", cfg.Port, "HTTP server port")
	fset.String("db", cfg.DBPath, "SQLite database path")
	fset.String("download-dir", cfg.DownloadDir, "Directory for finished downloads")
	fset.String("log-level", cfg.LogLevel, "Log level: debug, info, warn or error")
	fset.Bool("recover-on-start", cfg.RecoverOnStart, "Reset downloads left in progress by a previous run")
	fset.Duration("stale-after", cfg.Worker.StaleAfter, "Reset downloads running longer than this (0 disables)")
	fset.String("ytdlp", cfg.YtDlp.Binary, "yt-dlp binary")
	fset.String("service-url", cfg.Client.ServiceURL, "Queue service base URL")
	fset.Duration("poll-interval", cfg.Client.PollInterval, "Status polling interval while waiting")
	fset.Duration("wait-timeout", cfg.Client.WaitTimeout, "Maximum time to wait for a download")

	if err := fset.Parse(args); err != nil {
		return nil, err
	}

	if err := cfg.loadFile(*configPath); err != nil {
		return nil, err
	}
	if err := cfg.applyEnv(os.Getenv); err != nil {
		return nil, err
	}

	fset.Visit(cfg.applyFlag)

	cfg.Args = fset.Args()
	applyDefaults(cfg)
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadFile decodes the config file over cfg. An explicitly named file must
// exist; the default location is optional.
func (cfg *Config) loadFile(path string) error {
	explicit := true
	if path == "" {
		path = os.Getenv("MEDIAQ_CONFIG")
	}
	if path == "" {
		path = DefaultConfigPath()
		explicit = false
	}

	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}

	md, err := toml.Decode(os.ExpandEnv(string(data)), cfg)
	if err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return fmt.Errorf("parse config %s: unknown keys: %s", path, strings.Join(keys, ", "))
	}
	cfg.Path = path
	return nil
}

// applyEnv applies environment overrides. The first non-empty variable in
// each group wins.
func (cfg *Config) applyEnv(getenv func(string) string) error {
	first := func(keys ...string) string {
		for _, k := range keys {
			if v := getenv(k); v != "" {
				return v
			}
		}
		return ""
	}

	if port := first("MEDIAQ_PORT", "PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("invalid port %q: %w", port, err)
		}
		cfg.Port = p
	}
	if db := first("MEDIAQ_DB"); db != "" {
		cfg.DBPath = db
	}
	if dir := first("MEDIAQ_DOWNLOAD_DIR", "DOWNLOAD_PATH"); dir != "" {
		cfg.DownloadDir = dir
	}
	if level := first("MEDIAQ_LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}
	if u := first("MEDIAQ_SERVICE_URL"); u != "" {
		cfg.Client.ServiceURL = u
	}
	return nil
}

// applyFlag copies an explicitly set flag into cfg. Flags registered by
// the caller are ignored.
func (cfg *Config) applyFlag(f *flag.Flag) {
	getter, ok := f.Value.(flag.Getter)
	if !ok {
		return
	}
	v := getter.Get()
	switch f.Name {
	case "port":
		cfg.Port = v.(int)
	case "db":
		cfg.DBPath = v.(string)
	case "download-dir":
		cfg.DownloadDir = v.(string)
	case "log-level":
		cfg.LogLevel = v.(string)
	case "recover-on-start":
		cfg.RecoverOnStart = v.(bool)
	case "stale-after":
		cfg.Worker.StaleAfter = v.(time.Duration)
	case "ytdlp":
		cfg.YtDlp.Binary = v.(string)
	case "service-url":
		cfg.Client.ServiceURL = v.(string)
	case "poll-interval":
		cfg.Client.PollInterval = v.(time.Duration)
	case "wait-timeout":
		cfg.Client.WaitTimeout = v.(time.Duration)
	}
}

// applyDefaults fills zero values a config file may have cleared.
func applyDefaults(cfg *Config) {
	def := Default()
	if cfg.DBPath == "" {
		cfg.DBPath = def.DBPath
	}
	if cfg.DownloadDir == "" {
		cfg.DownloadDir = def.DownloadDir
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	if cfg.Worker.ActiveInterval <= 0 {
		cfg.Worker.ActiveInterval = def.Worker.ActiveInterval
	}
	if cfg.Worker.IdleInterval <= 0 {
		cfg.Worker.IdleInterval = def.Worker.IdleInterval
	}
	if cfg.Worker.JobDelay <= 0 {
		cfg.Worker.JobDelay = def.Worker.JobDelay
	}
	if cfg.Worker.ErrorBackoff <= 0 {
		cfg.Worker.ErrorBackoff = def.Worker.ErrorBackoff
	}
	if cfg.YtDlp.Binary == "" {
		cfg.YtDlp.Binary = def.YtDlp.Binary
	}
	if cfg.YtDlp.AudioFormat == "" {
		cfg.YtDlp.AudioFormat = def.YtDlp.AudioFormat
	}
	if cfg.YtDlp.AudioQuality == "" {
		cfg.YtDlp.AudioQuality = def.YtDlp.AudioQuality
	}
	if cfg.YtDlp.MetadataTimeout <= 0 {
		cfg.YtDlp.MetadataTimeout = def.YtDlp.MetadataTimeout
	}
	if cfg.Client.ServiceURL == "" {
		cfg.Client.ServiceURL = def.Client.ServiceURL
	}
	if cfg.Client.PollInterval <= 0 {
		cfg.Client.PollInterval = def.Client.PollInterval
	}
	if cfg.Client.WaitTimeout <= 0 {
		cfg.Client.WaitTimeout = def.Client.WaitTimeout
	}
}

func validate(cfg *Config) error {
	if cfg.Port < 1 || cfg.Port > 65535 {
		return fmt.Errorf("port out of range: %d", cfg.Port)
	}
	if _, err := ParseLevel(cfg.LogLevel); err != nil {
		return err
	}
	if cfg.Worker.StaleAfter < 0 {
		return fmt.Errorf("stale_after must not be negative: %s", cfg.Worker.StaleAfter)
	}
	u, err := url.Parse(cfg.Client.ServiceURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid service_url %q", cfg.Client.ServiceURL)
	}
	return nil
}

// Addr returns the HTTP listen address.
func (cfg *Config) Addr() string {
	return fmt.Sprintf(":%d", cfg.Port)
}

// ParseLevel parses debug, info, warn or error.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log level %q", s)
	}
	return level, nil
}

// NewLogger builds the process logger writing text records to w.
func (cfg *Config) NewLogger(w io.Writer) *slog.Logger {
	level, err := ParseLevel(cfg.LogLevel)
	if err != nil {
		level = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}
