package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// cliWithPath returns a CLI struct pointing at the given config file.
func cliWithPath(path string) *CLI {
	return &CLI{Config: path}
}

// writeConfig writes data to a config.toml in a temp dir and returns its path.
func writeConfig(t *testing.T, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "quik.toml")
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	path := writeConfig(t, `
[server]
host = "127.0.0.1"
port = 9000

[backend]
host = "127.0.0.1"
port = 9001
connect_timeout_seconds = 2
read_timeout_seconds = 30
command = ["python", "manage.py", "runserver", "127.0.0.1:9001"]

[inject]
max_buffer_bytes = 1048576
events_path = "/__dev/events"

[events]
keepalive_seconds = 5
write_timeout_ms = 250

[watch]
enabled = true
templates = ["templates"]
static = ["static"]
debounce_ms = 100

[log]
level = "debug"
format = "json"
`)

	cfg, err := Load(cliWithPath(path))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Addr() != "127.0.0.1:9000" {
		t.Errorf("Server.Addr() = %q, want %q", cfg.Server.Addr(), "127.0.0.1:9000")
	}
	if cfg.Backend.Addr() != "127.0.0.1:9001" {
		t.Errorf("Backend.Addr() = %q, want %q", cfg.Backend.Addr(), "127.0.0.1:9001")
	}
	if cfg.Backend.ConnectTimeout() != 2*time.Second {
		t.Errorf("Backend.ConnectTimeout() = %v, want 2s", cfg.Backend.ConnectTimeout())
	}
	if len(cfg.Backend.Command) != 4 {
		t.Errorf("Backend.Command = %v, want 4 elements", cfg.Backend.Command)
	}
	if cfg.Inject.MaxBufferBytes != 1048576 {
		t.Errorf("Inject.MaxBufferBytes = %d, want %d", cfg.Inject.MaxBufferBytes, 1048576)
	}
	if cfg.Inject.EventsPath != "/__dev/events" {
		t.Errorf("Inject.EventsPath = %q, want %q", cfg.Inject.EventsPath, "/__dev/events")
	}
	if cfg.Events.WriteTimeout() != 250*time.Millisecond {
		t.Errorf("Events.WriteTimeout() = %v, want 250ms", cfg.Events.WriteTimeout())
	}
	if !cfg.Watch.Enabled || len(cfg.Watch.Templates) != 1 || len(cfg.Watch.Static) != 1 {
		t.Errorf("Watch = %+v, want enabled with one template and one static dir", cfg.Watch)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "debug")
	}
	if cfg.FilePath() != path {
		t.Errorf("FilePath() = %q, want %q", cfg.FilePath(), path)
	}
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, "")

	cfg, err := Load(cliWithPath(path))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("default Server.Host = %q, want %q", cfg.Server.Host, "127.0.0.1")
	}
	if cfg.Server.Port != 8000 {
		t.Errorf("default Server.Port = %d, want %d", cfg.Server.Port, 8000)
	}
	if cfg.Backend.Port != 8001 {
		t.Errorf("default Backend.Port = %d, want %d", cfg.Backend.Port, 8001)
	}
	if cfg.Inject.MaxBufferBytes != 10*1024*1024 {
		t.Errorf("default Inject.MaxBufferBytes = %d, want %d", cfg.Inject.MaxBufferBytes, 10*1024*1024)
	}
	if cfg.Inject.EventsPath != DefaultEventsPath {
		t.Errorf("default Inject.EventsPath = %q, want %q", cfg.Inject.EventsPath, DefaultEventsPath)
	}
	if cfg.Events.KeepAlive() != 15*time.Second {
		t.Errorf("default Events.KeepAlive() = %v, want 15s", cfg.Events.KeepAlive())
	}
	if cfg.Events.WriteTimeout() != 2*time.Second {
		t.Errorf("default Events.WriteTimeout() = %v, want 2s", cfg.Events.WriteTimeout())
	}
	if cfg.Watch.DebounceMs != 500 {
		t.Errorf("default Watch.DebounceMs = %d, want 500", cfg.Watch.DebounceMs)
	}
	if cfg.Admin.Addr() != "127.0.0.1:8002" {
		t.Errorf("default Admin.Addr() = %q, want %q", cfg.Admin.Addr(), "127.0.0.1:8002")
	}
	if cfg.Log.Level != "info" {
		t.Errorf("default Log.Level = %q, want %q", cfg.Log.Level, "info")
	}
	if cfg.Log.Format != "text" {
		t.Errorf("default Log.Format = %q, want %q", cfg.Log.Format, "text")
	}
	if cfg.Admin.Enabled {
		t.Error("Admin.Enabled = true, want false when a config file leaves it unset")
	}
}

func TestLoad_NoConfigFileUsesDefaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := Load(&CLI{})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.FilePath() != "" {
		t.Errorf("FilePath() = %q, want empty", cfg.FilePath())
	}
	if !cfg.Admin.Enabled || !cfg.Metrics.Enabled {
		t.Error("expected admin API and metrics enabled without a config file")
	}
	if cfg.Server.Port != 8000 {
		t.Errorf("Server.Port = %d, want 8000", cfg.Server.Port)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(cliWithPath("/nonexistent/quik.toml"))
	if err == nil {
		t.Fatal("Load() expected error for missing explicit file, got nil")
	}
}

func TestLoad_InvalidTOML(t *testing.T) {
	path := writeConfig(t, "[server\nport = ")

	_, err := Load(cliWithPath(path))
	if err == nil {
		t.Fatal("Load() expected parse error, got nil")
	}
	if !strings.Contains(err.Error(), "parse") {
		t.Errorf("error = %q, want mention of parse", err)
	}
}

func TestLoad_CLIOverrides(t *testing.T) {
	path := writeConfig(t, `
[server]
host = "0.0.0.0"
port = 8000

[backend]
port = 8001

[log]
level = "info"
`)

	cli := &CLI{
		Config:      path,
		Host:        "127.0.0.1",
		Port:        3000,
		BackendPort: 3001,
		LogLevel:    "debug",
		Watch:       []string{"app/templates"},
		Command:     []string{"npm", "run", "dev"},
	}

	cfg, err := Load(cli)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Server.Host = %q, want %q (CLI override)", cfg.Server.Host, "127.0.0.1")
	}
	if cfg.Server.Port != 3000 {
		t.Errorf("Server.Port = %d, want %d (CLI override)", cfg.Server.Port, 3000)
	}
	if cfg.Backend.Port != 3001 {
		t.Errorf("Backend.Port = %d, want %d (CLI override)", cfg.Backend.Port, 3001)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want %q (CLI override)", cfg.Log.Level, "debug")
	}
	if !cfg.Watch.Enabled || len(cfg.Watch.Templates) != 1 || cfg.Watch.Templates[0] != "app/templates" {
		t.Errorf("Watch = %+v, want enabled with app/templates (CLI override)", cfg.Watch)
	}
	if strings.Join(cfg.Backend.Command, " ") != "npm run dev" {
		t.Errorf("Backend.Command = %v, want [npm run dev] (CLI override)", cfg.Backend.Command)
	}
}

func TestLoad_ValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr string
	}{
		{"negative port", "[server]\nport = -1\n", "server.port"},
		{"port too large", "[backend]\nport = 70000\n", "backend.port"},
		{"same public and backend port", "[server]\nport = 9000\n[backend]\nport = 9000\n", "must differ"},
		{"negative buffer", "[inject]\nmax_buffer_bytes = -1\n", "max_buffer_bytes"},
		{"relative events path", "[inject]\nevents_path = \"events\"\n", "events_path"},
		{"events path with query", "[inject]\nevents_path = \"/e?x=1\"\n", "events_path"},
		{"negative connect timeout", "[backend]\nconnect_timeout_seconds = -5\n", "connect_timeout_seconds"},
		{"negative keepalive", "[events]\nkeepalive_seconds = -1\n", "keepalive_seconds"},
		{"negative close grace", "[websocket]\nclose_grace_ms = -1\n", "close_grace_ms"},
		{"negative debounce", "[watch]\ndebounce_ms = -1\n", "debounce_ms"},
		{"invalid log level", "[log]\nlevel = \"verbose\"\n", "log.level"},
		{"invalid log format", "[log]\nformat = \"xml\"\n", "log.format"},
		{"rate limit without rps", "[admin.rate_limit]\nenabled = true\nrequests_per_second = 0\n", "requests_per_second"},
		{"explicit port on backend default", "[server]\nport = 8001\n[backend]\nport = 8001\n", "must differ"},
		{"admin on public port", "[admin]\nenabled = true\nport = 8000\n", "admin.port"},
		{"admin on backend port", "[admin]\nenabled = true\nport = 8001\n", "admin.port"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(cliWithPath(writeConfig(t, tt.data)))
			if err == nil {
				t.Fatal("Load() expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_PortCollisions(t *testing.T) {
	tests := []struct {
		name        string
		cli         CLI
		wantServer  int
		wantBackend int
		wantErr     string
	}{
		{"public port on backend default", CLI{Port: 8001}, 8001, 8000, ""},
		{"backend port on public default", CLI{BackendPort: 8000}, 8001, 8000, ""},
		{"both explicit and equal", CLI{Port: 9000, BackendPort: 9000}, 0, 0, "must differ"},
		{"public port on admin default", CLI{Port: 8002}, 0, 0, "admin.port"},
		{"no collision", CLI{Port: 3000}, 3000, 8001, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chdir(t, t.TempDir())

			cfg, err := Load(&tt.cli)
			if tt.wantErr != "" {
				if err == nil {
					t.Fatal("Load() expected error, got nil")
				}
				if !strings.Contains(err.Error(), tt.wantErr) {
					t.Errorf("error = %q, want mention of %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			if cfg.Server.Port != tt.wantServer {
				t.Errorf("Server.Port = %d, want %d", cfg.Server.Port, tt.wantServer)
			}
			if cfg.Backend.Port != tt.wantBackend {
				t.Errorf("Backend.Port = %d, want %d", cfg.Backend.Port, tt.wantBackend)
			}
		})
	}
}

func TestLoad_RateLimitConfig_Enabled(t *testing.T) {
	path := writeConfig(t, `
[admin.rate_limit]
enabled = true
requests_per_second = 50.0
`)

	cfg, err := Load(cliWithPath(path))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !cfg.Admin.RateLimit.Enabled {
		t.Error("expected RateLimit.Enabled = true")
	}
	if cfg.Admin.RateLimit.RequestsPerSecond != 50.0 {
		t.Errorf("RateLimit.RequestsPerSecond = %v, want 50.0", cfg.Admin.RateLimit.RequestsPerSecond)
	}
}

func TestFindConfigInPaths_Found(t *testing.T) {
	path := writeConfig(t, "[server]\nport = 8000\n")

	got := findConfigInPaths([]string{path})
	if got != path {
		t.Errorf("findConfigInPaths() = %q, want %q", got, path)
	}
}

func TestFindConfigInPaths_NotFound(t *testing.T) {
	got := findConfigInPaths([]string{"/nonexistent/a.toml", "/nonexistent/b.toml"})
	if got != "" {
		t.Errorf("findConfigInPaths() = %q, want empty", got)
	}
}

func TestFindConfigInPaths_Priority(t *testing.T) {
	path1 := writeConfig(t, "")
	path2 := writeConfig(t, "")

	got := findConfigInPaths([]string{path1, path2})
	if got != path1 {
		t.Errorf("findConfigInPaths() = %q, want first match %q", got, path1)
	}
}

func TestLoad_MetricsPathDefault(t *testing.T) {
	path := writeConfig(t, "[metrics]\nenabled = true\n")

	cfg, err := Load(cliWithPath(path))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Metrics.Path != "/metrics" {
		t.Errorf("Metrics.Path = %q, want %q", cfg.Metrics.Path, "/metrics")
	}
}

func TestLoad_MetricsPathConflictsWithAdminRoute(t *testing.T) {
	tests := []struct {
		name string
		path string
	}{
		{"healthz", "/healthz"},
		{"status", "/status"},
		{"reload", "/reload"},
		{"reload sub", "/reload/metrics"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, "[metrics]\nenabled = true\npath = \""+tt.path+"\"\n")

			_, err := Load(cliWithPath(path))
			if err == nil {
				t.Fatalf("Load() expected error for metrics.path=%q conflicting with route, got nil", tt.path)
			}
			if !strings.Contains(err.Error(), "conflicts") {
				t.Errorf("error = %q, want mention of conflict", err)
			}
		})
	}
}

func TestLoad_MetricsDisabledSkipsPathValidation(t *testing.T) {
	path := writeConfig(t, "[metrics]\nenabled = false\npath = \"bad-no-slash\"\n")

	if _, err := Load(cliWithPath(path)); err != nil {
		t.Fatalf("Load() error = %v; disabled metrics should skip path validation", err)
	}
}

func TestServerConfig_Addr(t *testing.T) {
	tests := []struct {
		host string
		port int
		want string
	}{
		{"127.0.0.1", 3000, "127.0.0.1:3000"},
		{"::1", 8000, "[::1]:8000"},
	}
	for _, tt := range tests {
		sc := &ServerConfig{Host: tt.host, Port: tt.port}
		if got := sc.Addr(); got != tt.want {
			t.Errorf("Addr() = %q, want %q", got, tt.want)
		}
	}
}

// chdir changes the working directory for the duration of the test
// (stand-in for testing.T.Chdir, which requires Go 1.24).
func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("Chdir: %v", err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(old); err != nil {
			t.Errorf("restore working directory: %v", err)
		}
	})
}
