package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config holds the daemon configuration. Secrets (platform PAT, AAD app
// credentials, analyzer API key, webhook signing secret) are never read
// from this struct's TOML source; they come from environment variables at
// bootstrap, kept separate from the non-secret operational settings here.
type Config struct {
	ServerAddr        string `toml:"server_addr"`
	MaxWorkers        int    `toml:"max_workers"`
	JobTimeoutMinutes int    `toml:"job_timeout_minutes"`
	WorkerDeadlineMin int    `toml:"worker_deadline_minutes"`

	// Platform Client (C1)
	Organization    string `toml:"organization"`
	Project         string `toml:"project"`
	AuthMode        string `toml:"auth_mode"` // "pat" or "aad"
	PlatformBaseURL string `toml:"platform_base_url"`

	// Analyzer (registry key of the external analyzer backend to use)
	DefaultAnalyzer string `toml:"default_analyzer"`

	// Rule Plugin Table (C11)
	PluginTablePath string `toml:"plugin_table_path"`

	// Resilience Kit (C8) defaults; per-dependency presets may still
	// override these at construction time.
	SemaphoreSize int `toml:"semaphore_size"`
}

// RepoConfig holds per-repo overrides.
type RepoConfig struct {
	DefaultAnalyzer   string `toml:"default_analyzer"`
	ReviewGuidelines  string `toml:"review_guidelines"`
	JobTimeoutMinutes int    `toml:"job_timeout_minutes"`
	PluginTablePath   string `toml:"plugin_table_path"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		ServerAddr:        "127.0.0.1:7373",
		MaxWorkers:        3,
		JobTimeoutMinutes: 10,
		WorkerDeadlineMin: 10,
		AuthMode:          "pat",
		PlatformBaseURL:   "https://dev.azure.com",
		DefaultAnalyzer:   "acp",
		PluginTablePath:   "plugins.yaml",
		SemaphoreSize:     8,
	}
}

// DataDir returns the daemon's data directory. Uses PRREVIEW_DATA_DIR env
// var if set, otherwise ~/.prreview.
func DataDir() string {
	if dir := os.Getenv("PRREVIEW_DATA_DIR"); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".prreview")
}

// GlobalConfigPath returns the path to the global config file.
func GlobalConfigPath() string {
	return filepath.Join(DataDir(), "config.toml")
}

// EventLogPath returns the path to the daemon's structured event log file.
func EventLogPath() string {
	return filepath.Join(DataDir(), "events.jsonl")
}

// LoadGlobal loads the global configuration from the default path.
func LoadGlobal() (*Config, error) {
	return LoadGlobalFrom(GlobalConfigPath())
}

// LoadGlobalFrom loads the global configuration from a specific path.
func LoadGlobalFrom(path string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadRepoConfig loads per-repo config from .prreview.toml.
func LoadRepoConfig(repoPath string) (*RepoConfig, error) {
	path := filepath.Join(repoPath, ".prreview.toml")
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil // No repo config
	}

	var cfg RepoConfig
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// ResolveAnalyzer determines which analyzer backend to use based on config
// priority:
// 1. Explicit parameter (if non-empty)
// 2. Per-repo config
// 3. Global config
// 4. Default ("acp")
func ResolveAnalyzer(explicit string, repoPath string, globalCfg *Config) string {
	if explicit != "" {
		return explicit
	}

	if repoCfg, err := LoadRepoConfig(repoPath); err == nil && repoCfg != nil && repoCfg.DefaultAnalyzer != "" {
		return repoCfg.DefaultAnalyzer
	}

	if globalCfg != nil && globalCfg.DefaultAnalyzer != "" {
		return globalCfg.DefaultAnalyzer
	}

	return "acp"
}

// ResolveJobTimeout determines job timeout based on config priority:
// 1. Per-repo config (if set and > 0)
// 2. Global config (if set and > 0)
// 3. Default (10 minutes, matching the Orchestrator's spawn deadline)
func ResolveJobTimeout(repoPath string, globalCfg *Config) int {
	if repoCfg, err := LoadRepoConfig(repoPath); err == nil && repoCfg != nil && repoCfg.JobTimeoutMinutes > 0 {
		return repoCfg.JobTimeoutMinutes
	}

	if globalCfg != nil && globalCfg.JobTimeoutMinutes > 0 {
		return globalCfg.JobTimeoutMinutes
	}

	return 10
}

// ResolvePluginTablePath determines the rule plugin table path based on
// config priority: per-repo, then global, then the default relative path.
func ResolvePluginTablePath(repoPath string, globalCfg *Config) string {
	if repoCfg, err := LoadRepoConfig(repoPath); err == nil && repoCfg != nil && repoCfg.PluginTablePath != "" {
		return repoCfg.PluginTablePath
	}

	if globalCfg != nil && globalCfg.PluginTablePath != "" {
		return globalCfg.PluginTablePath
	}

	return "plugins.yaml"
}

// SaveGlobal saves the global configuration.
func SaveGlobal(cfg *Config) error {
	path := GlobalConfigPath()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}
