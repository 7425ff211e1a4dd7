package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ggonzalez94/txflow/internal/logging"
	"github.com/ggonzalez94/txflow/internal/registry"
	"gopkg.in/yaml.v3"
)

const envRPCURLPrefix = "TXFLOW_RPC_URL_"

type GlobalFlags struct {
	ConfigPath   string
	JSON         bool
	Plain        bool
	Select       string
	ResultsOnly  bool
	Timeout      string
	Retries      int
	PollInterval string
	LogLevel     string
	NoCache      bool
}

// ChainOverride replaces the built-in network table entry for one chain.
type ChainOverride struct {
	RPCURL         string
	SafeServiceURL string
	Simulation     *bool
}

type Settings struct {
	OutputMode      string
	SelectFields    []string
	ResultsOnly     bool
	Timeout         time.Duration
	Retries         int
	PollInterval    time.Duration
	LogLevel        string
	LogDir          string
	CacheEnabled    bool
	CachePath       string
	CacheLockPath   string
	ReceiptTTL      time.Duration
	HistoryPath     string
	HistoryLockPath string
	TelemetryURL    string
	Chains          map[int64]ChainOverride
}

type fileConfig struct {
	Output       string `yaml:"output"`
	Timeout      string `yaml:"timeout"`
	Retries      *int   `yaml:"retries"`
	PollInterval string `yaml:"poll_interval"`
	Log          struct {
		Level string `yaml:"level"`
		Dir   string `yaml:"dir"`
	} `yaml:"log"`
	Cache struct {
		Enabled    *bool  `yaml:"enabled"`
		Path       string `yaml:"path"`
		LockPath   string `yaml:"lock_path"`
		ReceiptTTL string `yaml:"receipt_ttl"`
	} `yaml:"cache"`
	History struct {
		Path     string `yaml:"path"`
		LockPath string `yaml:"lock_path"`
	} `yaml:"history"`
	Telemetry struct {
		URL    string `yaml:"url"`
		URLEnv string `yaml:"url_env"`
	} `yaml:"telemetry"`
	Chains map[int64]struct {
		RPCURL         string `yaml:"rpc_url"`
		RPCURLEnv      string `yaml:"rpc_url_env"`
		SafeServiceURL string `yaml:"safe_service_url"`
		Simulation     *bool  `yaml:"simulation"`
	} `yaml:"chains"`
}

func Load(flags GlobalFlags) (Settings, error) {
	settings, err := defaultSettings()
	if err != nil {
		return Settings{}, err
	}

	cfgPath, err := resolveConfigPath(flags.ConfigPath)
	if err != nil {
		return Settings{}, err
	}

	if err := applyFileConfig(cfgPath, &settings); err != nil {
		return Settings{}, err
	}

	applyEnv(&settings)

	if err := applyFlags(flags, &settings); err != nil {
		return Settings{}, err
	}

	if settings.OutputMode == "" {
		settings.OutputMode = "json"
	}
	if settings.Timeout <= 0 {
		settings.Timeout = 10 * time.Second
	}
	if settings.Retries < 0 {
		settings.Retries = 0
	}
	if settings.PollInterval <= 0 {
		settings.PollInterval = 2 * time.Second
	}
	if !logging.ValidLevel(settings.LogLevel) {
		return Settings{}, fmt.Errorf("log level must be one of debug, info, warn, error")
	}

	return settings, nil
}

// RPCURL resolves the endpoint for chainID, preferring configured overrides.
func (s Settings) RPCURL(chainID int64) (string, error) {
	return registry.ResolveRPCURL(s.Chains[chainID].RPCURL, chainID)
}

func (s Settings) SafeServiceURL(chainID int64) (string, error) {
	return registry.ResolveSafeServiceURL(s.Chains[chainID].SafeServiceURL, chainID)
}

func (s Settings) SimulationSupported(chainID int64) bool {
	if override := s.Chains[chainID].Simulation; override != nil {
		return *override
	}
	return registry.SimulationSupported(chainID)
}

func defaultSettings() (Settings, error) {
	dir, err := defaultStateDir()
	if err != nil {
		return Settings{}, err
	}
	return Settings{
		OutputMode:      "json",
		Timeout:         10 * time.Second,
		Retries:         2,
		PollInterval:    2 * time.Second,
		LogLevel:        "info",
		LogDir:          filepath.Join(dir, "logs"),
		CacheEnabled:    true,
		CachePath:       filepath.Join(dir, "cache.db"),
		CacheLockPath:   filepath.Join(dir, "cache.lock"),
		ReceiptTTL:      24 * time.Hour,
		HistoryPath:     filepath.Join(dir, "history.db"),
		HistoryLockPath: filepath.Join(dir, "history.lock"),
		Chains:          map[int64]ChainOverride{},
	}, nil
}

func resolveConfigPath(input string) (string, error) {
	if strings.TrimSpace(input) != "" {
		return input, nil
	}
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "txflow", "config.yaml"), nil
}

func defaultStateDir() (string, error) {
	base := os.Getenv("XDG_CACHE_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".cache")
	}
	return filepath.Join(base, "txflow"), nil
}

func applyFileConfig(path string, settings *Settings) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}

	var cfg fileConfig
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}

	if cfg.Output != "" {
		settings.OutputMode = strings.ToLower(cfg.Output)
	}
	if cfg.Timeout != "" {
		d, err := time.ParseDuration(cfg.Timeout)
		if err != nil {
			return fmt.Errorf("config timeout: %w", err)
		}
		settings.Timeout = d
	}
	if cfg.Retries != nil {
		settings.Retries = *cfg.Retries
	}
	if cfg.PollInterval != "" {
		d, err := time.ParseDuration(cfg.PollInterval)
		if err != nil {
			return fmt.Errorf("config poll_interval: %w", err)
		}
		settings.PollInterval = d
	}
	if cfg.Log.Level != "" {
		settings.LogLevel = cfg.Log.Level
	}
	if cfg.Log.Dir != "" {
		settings.LogDir = cfg.Log.Dir
	}
	if cfg.Cache.Enabled != nil {
		settings.CacheEnabled = *cfg.Cache.Enabled
	}
	if cfg.Cache.Path != "" {
		settings.CachePath = cfg.Cache.Path
	}
	if cfg.Cache.LockPath != "" {
		settings.CacheLockPath = cfg.Cache.LockPath
	}
	if cfg.Cache.ReceiptTTL != "" {
		d, err := time.ParseDuration(cfg.Cache.ReceiptTTL)
		if err != nil {
			return fmt.Errorf("config cache.receipt_ttl: %w", err)
		}
		settings.ReceiptTTL = d
	}
	if cfg.History.Path != "" {
		settings.HistoryPath = cfg.History.Path
	}
	if cfg.History.LockPath != "" {
		settings.HistoryLockPath = cfg.History.LockPath
	}
	if cfg.Telemetry.URL != "" {
		settings.TelemetryURL = cfg.Telemetry.URL
	}
	if cfg.Telemetry.URLEnv != "" {
		settings.TelemetryURL = os.Getenv(cfg.Telemetry.URLEnv)
	}
	for chainID, chain := range cfg.Chains {
		override := settings.Chains[chainID]
		if chain.RPCURL != "" {
			override.RPCURL = chain.RPCURL
		}
		if chain.RPCURLEnv != "" {
			override.RPCURL = os.Getenv(chain.RPCURLEnv)
		}
		if chain.SafeServiceURL != "" {
			override.SafeServiceURL = chain.SafeServiceURL
		}
		if chain.Simulation != nil {
			v := *chain.Simulation
			override.Simulation = &v
		}
		settings.Chains[chainID] = override
	}

	return nil
}

func applyEnv(settings *Settings) {
	if v := os.Getenv("TXFLOW_OUTPUT"); v != "" {
		settings.OutputMode = strings.ToLower(v)
	}
	if v := os.Getenv("TXFLOW_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			settings.Timeout = d
		}
	}
	if v := os.Getenv("TXFLOW_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			settings.Retries = n
		}
	}
	if v := os.Getenv("TXFLOW_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			settings.PollInterval = d
		}
	}
	if v := os.Getenv("TXFLOW_LOG_LEVEL"); v != "" {
		settings.LogLevel = v
	}
	if v := os.Getenv("TXFLOW_LOG_DIR"); v != "" {
		settings.LogDir = v
	}
	if v := os.Getenv("TXFLOW_NO_CACHE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			settings.CacheEnabled = !b
		}
	}
	if v := os.Getenv("TXFLOW_CACHE_PATH"); v != "" {
		settings.CachePath = v
	}
	if v := os.Getenv("TXFLOW_CACHE_LOCK_PATH"); v != "" {
		settings.CacheLockPath = v
	}
	if v := os.Getenv("TXFLOW_HISTORY_PATH"); v != "" {
		settings.HistoryPath = v
	}
	if v := os.Getenv("TXFLOW_HISTORY_LOCK_PATH"); v != "" {
		settings.HistoryLockPath = v
	}
	if v := os.Getenv("TXFLOW_TELEMETRY_URL"); v != "" {
		settings.TelemetryURL = v
	}
	// TXFLOW_RPC_URL_<chain id> overrides the endpoint for one chain.
	for _, kv := range os.Environ() {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || value == "" || !strings.HasPrefix(key, envRPCURLPrefix) {
			continue
		}
		chainID, err := strconv.ParseInt(strings.TrimPrefix(key, envRPCURLPrefix), 10, 64)
		if err != nil || chainID <= 0 {
			continue
		}
		override := settings.Chains[chainID]
		override.RPCURL = value
		settings.Chains[chainID] = override
	}
}

func applyFlags(flags GlobalFlags, settings *Settings) error {
	if flags.JSON && flags.Plain {
		return fmt.Errorf("cannot use --json and --plain together")
	}
	if flags.JSON {
		settings.OutputMode = "json"
	}
	if flags.Plain {
		settings.OutputMode = "plain"
	}
	if strings.TrimSpace(flags.Select) != "" {
		parts := strings.Split(flags.Select, ",")
		fields := make([]string, 0, len(parts))
		for _, part := range parts {
			f := strings.TrimSpace(part)
			if f != "" {
				fields = append(fields, f)
			}
		}
		settings.SelectFields = fields
	}
	settings.ResultsOnly = flags.ResultsOnly

	if flags.Timeout != "" {
		d, err := time.ParseDuration(flags.Timeout)
		if err != nil {
			return fmt.Errorf("parse --timeout: %w", err)
		}
		settings.Timeout = d
	}
	if flags.Retries >= 0 {
		settings.Retries = flags.Retries
	}
	if flags.PollInterval != "" {
		d, err := time.ParseDuration(flags.PollInterval)
		if err != nil {
			return fmt.Errorf("parse --poll-interval: %w", err)
		}
		settings.PollInterval = d
	}
	if flags.LogLevel != "" {
		settings.LogLevel = flags.LogLevel
	}
	if flags.NoCache {
		settings.CacheEnabled = false
	}

	if settings.OutputMode != "json" && settings.OutputMode != "plain" {
		return fmt.Errorf("output must be json or plain")
	}

	return nil
}
