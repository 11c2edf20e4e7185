package envconfig

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/BurntSushi/toml"
)

// Config represents the TOML configuration file structure.
type Config struct {
	Scheduler struct {
		PageSize           int `toml:"page_size"`
		TokenBudget        int `toml:"token_budget"`
		ChunkCap           int `toml:"chunk_cap"`
		MaxRunningRequests int `toml:"max_running_requests"`
	} `toml:"scheduler"`

	Shadow struct {
		Enabled    bool   `toml:"enabled"`
		EveryN     int    `toml:"every_n"`
		ReportPath string `toml:"report_path"`
		MaxDiffs   int    `toml:"max_diffs"`
		Backend    string `toml:"backend_mode"`
	} `toml:"shadow"`

	Logging struct {
		Debug bool `toml:"debug"`
	} `toml:"logging"`

	Transport struct {
		Host      string `toml:"host"`
		WorkerURL string `toml:"worker_url"`
	} `toml:"transport"`
}

var (
	configOnce sync.Once
	config     *Config
	configPath string
)

// GetConfigPaths returns the candidate config file locations for the
// current OS, in precedence order.
func GetConfigPaths() []string {
	var paths []string

	switch runtime.GOOS {
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			paths = append(paths, filepath.Join(appData, "cpucore", "config.toml"))
		}
	case "darwin":
		if home, err := os.UserHomeDir(); err == nil {
			paths = append(paths,
				filepath.Join(home, "Library", "Application Support", "cpucore", "config.toml"),
				filepath.Join(home, ".config", "cpucore", "config.toml"),
			)
		}
	default:
		if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
			paths = append(paths, filepath.Join(xdgConfig, "cpucore", "config.toml"))
		}
		if home, err := os.UserHomeDir(); err == nil {
			paths = append(paths, filepath.Join(home, ".config", "cpucore", "config.toml"))
		}
		paths = append(paths, "/etc/cpucore/config.toml")
	}

	return paths
}

func loadConfig() (*Config, string, error) {
	for _, path := range GetConfigPaths() {
		if _, err := os.Stat(path); err == nil {
			var cfg Config
			if _, err := toml.DecodeFile(path, &cfg); err != nil {
				return nil, "", fmt.Errorf("error parsing config file %s: %w", path, err)
			}
			return &cfg, path, nil
		}
	}
	return nil, "", nil
}

// GetConfigValue returns the config-file value for a recognized
// environment-variable key, or "" if no file is present or the key
// is not set in it.
func GetConfigValue(key string) string {
	configOnce.Do(func() {
		var err error
		config, configPath, err = loadConfig()
		if err != nil {
			slog.Warn("failed to load config file", "error", err)
		} else if config != nil {
			slog.Debug("loaded config file", "path", configPath)
		}
	})

	if config == nil {
		return ""
	}

	switch key {
	case "CPUCORE_PAGE_SIZE":
		if config.Scheduler.PageSize > 0 {
			return fmt.Sprintf("%d", config.Scheduler.PageSize)
		}
	case "CPUCORE_TOKEN_BUDGET":
		if config.Scheduler.TokenBudget > 0 {
			return fmt.Sprintf("%d", config.Scheduler.TokenBudget)
		}
	case "CPUCORE_CHUNK_CAP":
		if config.Scheduler.ChunkCap > 0 {
			return fmt.Sprintf("%d", config.Scheduler.ChunkCap)
		}
	case "CPUCORE_MAX_RUNNING_REQUESTS":
		if config.Scheduler.MaxRunningRequests > 0 {
			return fmt.Sprintf("%d", config.Scheduler.MaxRunningRequests)
		}
	case "CPUCORE_SHADOW_ENABLED":
		return fmt.Sprintf("%t", config.Shadow.Enabled)
	case "CPUCORE_SHADOW_EVERY_N":
		if config.Shadow.EveryN > 0 {
			return fmt.Sprintf("%d", config.Shadow.EveryN)
		}
	case "CPUCORE_SHADOW_REPORT_PATH":
		return config.Shadow.ReportPath
	case "CPUCORE_SHADOW_MAX_DIFFS":
		if config.Shadow.MaxDiffs > 0 {
			return fmt.Sprintf("%d", config.Shadow.MaxDiffs)
		}
	case "CPUCORE_BACKEND_MODE":
		return config.Shadow.Backend
	case "CPUCORE_DEBUG":
		return fmt.Sprintf("%t", config.Logging.Debug)
	case "CPUCORE_HOST":
		return config.Transport.Host
	case "CPUCORE_WORKER_URL":
		return config.Transport.WorkerURL
	}

	return ""
}

// GenerateExampleConfig returns a commented example TOML file.
func GenerateExampleConfig() string {
	return `# cpucore configuration file

[scheduler]
# Tokens per KV block (default 1)
page_size = 1
# Maximum slots emitted per scheduler step
token_budget = 512
# Maximum prefill slots admitted per request per step (0 = unbounded)
chunk_cap = 0
# Maximum concurrently admitted requests
max_running_requests = 64

[shadow]
# Run the shadow batch builder alongside the primary
enabled = false
# Run the shadow builder once every N steps
every_n = 1
# File to append JSONL shadow divergence records to
report_path = ""
# Maximum divergence records retained in memory
max_diffs = 100
# reference | alternate | shadow
backend_mode = "reference"

[logging]
debug = false

[transport]
# Address the control core's own HTTP surface binds to
host = "127.0.0.1:11535"
# GPU worker step endpoint URL
worker_url = "http://127.0.0.1:9009/step"
`
}
