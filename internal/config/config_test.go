package config

import (
	"bytes"
	"flag"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// isolate points config discovery at an empty temp dir and clears overrides.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	t.Setenv("XDG_CACHE_HOME", filepath.Join(dir, "cache"))
	for _, k := range []string{
		"MEDIAQ_CONFIG", "MEDIAQ_PORT", "PORT", "MEDIAQ_DB", "MEDIAQ_DOWNLOAD_DIR",
		"DOWNLOAD_PATH", "MEDIAQ_LOG_LEVEL", "MEDIAQ_SERVICE_URL",
	} {
		t.Setenv(k, "")
	}
	return dir
}

func load(t *testing.T, args ...string) (*Config, error) {
	t.Helper()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return Load(fs, args)
}

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaultDBPath(t *testing.T) {
	// Test with XDG_CACHE_HOME set
	t.Run("with XDG_CACHE_HOME", func(t *testing.T) {
		t.Setenv("XDG_CACHE_HOME", "/custom/cache")
		path := DefaultDBPath()

		expected := filepath.Join("/custom/cache", "mediaq", "jobs.db")
		if path != expected {
			t.Errorf("DefaultDBPath() = %q, want %q", path, expected)
		}
	})

	// Test without XDG_CACHE_HOME
	t.Run("without XDG_CACHE_HOME", func(t *testing.T) {
		t.Setenv("XDG_CACHE_HOME", "")
		path := DefaultDBPath()

		if !strings.HasSuffix(path, filepath.Join(".cache", "mediaq", "jobs.db")) {
			t.Errorf("DefaultDBPath() = %q, want suffix .cache/mediaq/jobs.db", path)
		}
	})
}

func TestDefaultConfigPath(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/custom/config")
	if got := DefaultConfigPath(); got != filepath.Join("/custom/config", "mediaq", "config.toml") {
		t.Errorf("DefaultConfigPath() = %q", got)
	}
}

func TestLoad_Defaults(t *testing.T) {
	dir := isolate(t)

	cfg, err := load(t)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Port != 3001 {
		t.Errorf("Port = %d, want 3001", cfg.Port)
	}
	if cfg.DBPath != filepath.Join(dir, "cache", "mediaq", "jobs.db") {
		t.Errorf("DBPath = %q", cfg.DBPath)
	}
	if !cfg.RecoverOnStart {
		t.Error("RecoverOnStart = false, want true")
	}
	if cfg.Worker.ActiveInterval != 5*time.Second || cfg.Worker.IdleInterval != 10*time.Second ||
		cfg.Worker.JobDelay != 2*time.Second || cfg.Worker.ErrorBackoff != 10*time.Second {
		t.Errorf("Worker = %+v", cfg.Worker)
	}
	if cfg.Worker.StaleAfter != 0 {
		t.Errorf("StaleAfter = %v, want 0", cfg.Worker.StaleAfter)
	}
	if cfg.YtDlp.AudioFormat != "mp3" || cfg.YtDlp.AudioQuality != "192" {
		t.Errorf("YtDlp = %+v", cfg.YtDlp)
	}
	if cfg.Client.PollInterval != 5*time.Second || cfg.Client.WaitTimeout != 300*time.Second {
		t.Errorf("Client = %+v", cfg.Client)
	}
	if cfg.Client.ServiceURL != "http://localhost:3001" {
		t.Errorf("ServiceURL = %q", cfg.Client.ServiceURL)
	}
	if cfg.Path != "" {
		t.Errorf("Path = %q, want empty without a config file", cfg.Path)
	}
}

func TestLoad_File(t *testing.T) {
	dir := isolate(t)
	t.Setenv("MEDIAQ_TEST_BIN", "/opt/bin/yt-dlp")
	path := writeConfig(t, dir, `
port = 8080
download_dir = "/srv/media"
log_level = "debug"
recover_on_start = false

[worker]
idle_interval = "30s"
stale_after = "2h"

[ytdlp]
binary = "${MEDIAQ_TEST_BIN}"
audio_format = "opus"
extra_args = ["--cookies", "/etc/cookies.txt"]

[client]
wait_timeout = "10m"
`)

	cfg, err := load(t, "-config", path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Port != 8080 || cfg.DownloadDir != "/srv/media" || cfg.LogLevel != "debug" {
		t.Errorf("top level = %d %q %q", cfg.Port, cfg.DownloadDir, cfg.LogLevel)
	}
	if cfg.RecoverOnStart {
		t.Error("RecoverOnStart = true, want false from file")
	}
	if cfg.Worker.IdleInterval != 30*time.Second || cfg.Worker.StaleAfter != 2*time.Hour {
		t.Errorf("Worker = %+v", cfg.Worker)
	}
	if cfg.Worker.ActiveInterval != 5*time.Second {
		t.Errorf("ActiveInterval = %v, want default kept", cfg.Worker.ActiveInterval)
	}
	if cfg.YtDlp.Binary != "/opt/bin/yt-dlp" {
		t.Errorf("Binary = %q, want env-expanded value", cfg.YtDlp.Binary)
	}
	if cfg.YtDlp.AudioFormat != "opus" || cfg.YtDlp.AudioQuality != "192" {
		t.Errorf("YtDlp = %+v", cfg.YtDlp)
	}
	if len(cfg.YtDlp.ExtraArgs) != 2 {
		t.Errorf("ExtraArgs = %v", cfg.YtDlp.ExtraArgs)
	}
	if cfg.Client.WaitTimeout != 10*time.Minute {
		t.Errorf("WaitTimeout = %v", cfg.Client.WaitTimeout)
	}
	if cfg.Path != path {
		t.Errorf("Path = %q, want %q", cfg.Path, path)
	}
}

func TestLoad_DefaultFileLocation(t *testing.T) {
	dir := isolate(t)
	os.MkdirAll(filepath.Join(dir, "mediaq"), 0755)
	os.WriteFile(filepath.Join(dir, "mediaq", "config.toml"), []byte("port = 9000\n"), 0644)

	cfg, err := load(t)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Port != 9000 {
		t.Errorf("Port = %d, want 9000 from default config file", cfg.Port)
	}
}

func TestLoad_FileErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"syntax", "port = \n"},
		{"unknown key", "prot = 8080\n"},
		{"bad duration", "[worker]\nidle_interval = \"soon\"\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := isolate(t)
			path := writeConfig(t, dir, tt.body)
			if _, err := load(t, "-config", path); err == nil {
				t.Error("Load() error = nil, want parse error")
			}
		})
	}

	t.Run("missing explicit file", func(t *testing.T) {
		dir := isolate(t)
		if _, err := load(t, "-config", filepath.Join(dir, "nope.toml")); err == nil {
			t.Error("Load() error = nil, want read error")
		}
	})

	t.Run("missing file from env", func(t *testing.T) {
		dir := isolate(t)
		t.Setenv("MEDIAQ_CONFIG", filepath.Join(dir, "nope.toml"))
		if _, err := load(t); err == nil {
			t.Error("Load() error = nil, want read error")
		}
	})
}

func TestLoad_EnvOverrides(t *testing.T) {
	dir := isolate(t)
	path := writeConfig(t, dir, "port = 8080\ndownload_dir = \"/from/file\"\n")
	t.Setenv("MEDIAQ_CONFIG", path)
	t.Setenv("PORT", "7000")
	t.Setenv("DOWNLOAD_PATH", "/from/env")
	t.Setenv("MEDIAQ_DB", "/tmp/q.db")
	t.Setenv("MEDIAQ_LOG_LEVEL", "warn")
	t.Setenv("MEDIAQ_SERVICE_URL", "http://queue:3001")

	cfg, err := load(t)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Port != 7000 {
		t.Errorf("Port = %d, want 7000 from PORT", cfg.Port)
	}
	if cfg.DownloadDir != "/from/env" {
		t.Errorf("DownloadDir = %q", cfg.DownloadDir)
	}
	if cfg.DBPath != "/tmp/q.db" || cfg.LogLevel != "warn" || cfg.Client.ServiceURL != "http://queue:3001" {
		t.Errorf("cfg = %+v", cfg)
	}

	t.Setenv("MEDIAQ_PORT", "7100")
	cfg, _ = load(t)
	if cfg.Port != 7100 {
		t.Errorf("Port = %d, want MEDIAQ_PORT to win over PORT", cfg.Port)
	}
}

func TestLoad_FlagsWin(t *testing.T) {
	isolate(t)
	t.Setenv("MEDIAQ_PORT", "7000")

	cfg, err := load(t,
		"-port", "9999",
		"-recover-on-start=false",
		"-stale-after", "45m",
		"-wait-timeout", "1m",
		"-ytdlp", "/usr/local/bin/yt-dlp",
		"https://youtu.be/abc123",
	)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Port != 9999 {
		t.Errorf("Port = %d, want flag value 9999", cfg.Port)
	}
	if cfg.RecoverOnStart {
		t.Error("RecoverOnStart = true, want false")
	}
	if cfg.Worker.StaleAfter != 45*time.Minute || cfg.Client.WaitTimeout != time.Minute {
		t.Errorf("durations = %v %v", cfg.Worker.StaleAfter, cfg.Client.WaitTimeout)
	}
	if cfg.YtDlp.Binary != "/usr/local/bin/yt-dlp" {
		t.Errorf("Binary = %q", cfg.YtDlp.Binary)
	}
	if len(cfg.Args) != 1 || cfg.Args[0] != "https://youtu.be/abc123" {
		t.Errorf("Args = %v", cfg.Args)
	}
}

func TestLoad_CallerFlags(t *testing.T) {
	isolate(t)
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	once := fs.Bool("once", false, "")

	if _, err := Load(fs, []string{"-once"}); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !*once {
		t.Error("caller flag not parsed")
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		args []string
		env  map[string]string
	}{
		{"bad env port", nil, map[string]string{"MEDIAQ_PORT": "http"}},
		{"port range", []string{"-port", "70000"}, nil},
		{"log level", []string{"-log-level", "loud"}, nil},
		{"negative stale", []string{"-stale-after", "-1m"}, nil},
		{"service url", []string{"-service-url", "localhost:3001"}, nil},
		{"unknown flag", []string{"-bogus"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			isolate(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if _, err := load(t, tt.args...); err == nil {
				t.Error("Load() error = nil, want error")
			}
		})
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	os.WriteFile(path, []byte("MEDIAQ_DOTENV_A=from-file\nMEDIAQ_DOTENV_B=from-file\n"), 0644)

	t.Setenv("MEDIAQ_DOTENV_B", "from-env")
	t.Cleanup(func() { os.Unsetenv("MEDIAQ_DOTENV_A") })

	if err := LoadDotEnv(path, filepath.Join(dir, "missing.env")); err != nil {
		t.Fatalf("LoadDotEnv() error = %v", err)
	}
	if got := os.Getenv("MEDIAQ_DOTENV_A"); got != "from-file" {
		t.Errorf("A = %q, want from-file", got)
	}
	if got := os.Getenv("MEDIAQ_DOTENV_B"); got != "from-env" {
		t.Errorf("B = %q, want existing env kept", got)
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	cfg := &Config{LogLevel: "warn"}
	log := cfg.NewLogger(&buf)

	log.Info("hidden")
	log.Warn("shown", "job_id", 7)

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info record logged at warn level: %s", out)
	}
	if !strings.Contains(out, "shown") || !strings.Contains(out, "job_id=7") {
		t.Errorf("output = %q", out)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if err != nil || got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, %v; want %v", tt.in, got, err, tt.want)
		}
	}
}
