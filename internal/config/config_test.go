package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.ServerAddr != "127.0.0.1:7373" {
		t.Errorf("Expected ServerAddr '127.0.0.1:7373', got '%s'", cfg.ServerAddr)
	}
	if cfg.MaxWorkers != 3 {
		t.Errorf("Expected MaxWorkers 3, got %d", cfg.MaxWorkers)
	}
	if cfg.DefaultAnalyzer != "acp" {
		t.Errorf("Expected DefaultAnalyzer 'acp', got '%s'", cfg.DefaultAnalyzer)
	}
	if cfg.AuthMode != "pat" {
		t.Errorf("Expected AuthMode 'pat', got '%s'", cfg.AuthMode)
	}
}

func TestDataDir(t *testing.T) {
	t.Run("default uses home directory", func(t *testing.T) {
		origEnv := os.Getenv("PRREVIEW_DATA_DIR")
		os.Unsetenv("PRREVIEW_DATA_DIR")
		defer func() {
			if origEnv != "" {
				os.Setenv("PRREVIEW_DATA_DIR", origEnv)
			}
		}()

		dir := DataDir()
		home, _ := os.UserHomeDir()
		expected := filepath.Join(home, ".prreview")
		if dir != expected {
			t.Errorf("Expected %s, got %s", expected, dir)
		}
	})

	t.Run("env var overrides default", func(t *testing.T) {
		origEnv := os.Getenv("PRREVIEW_DATA_DIR")
		os.Setenv("PRREVIEW_DATA_DIR", "/custom/data/dir")
		defer func() {
			if origEnv != "" {
				os.Setenv("PRREVIEW_DATA_DIR", origEnv)
			} else {
				os.Unsetenv("PRREVIEW_DATA_DIR")
			}
		}()

		dir := DataDir()
		if dir != "/custom/data/dir" {
			t.Errorf("Expected /custom/data/dir, got %s", dir)
		}
	})

	t.Run("GlobalConfigPath uses DataDir", func(t *testing.T) {
		origEnv := os.Getenv("PRREVIEW_DATA_DIR")
		testDir := filepath.Join(os.TempDir(), "prreview-test")
		os.Setenv("PRREVIEW_DATA_DIR", testDir)
		defer func() {
			if origEnv != "" {
				os.Setenv("PRREVIEW_DATA_DIR", origEnv)
			} else {
				os.Unsetenv("PRREVIEW_DATA_DIR")
			}
		}()

		path := GlobalConfigPath()
		expected := filepath.Join(testDir, "config.toml")
		if path != expected {
			t.Errorf("Expected %s, got %s", expected, path)
		}
	})
}

func TestResolveAnalyzer(t *testing.T) {
	cfg := DefaultConfig()
	tmpDir := t.TempDir()

	// Explicit analyzer takes precedence
	analyzer := ResolveAnalyzer("claude-acp", tmpDir, cfg)
	if analyzer != "claude-acp" {
		t.Errorf("Expected 'claude-acp', got '%s'", analyzer)
	}

	// Empty explicit falls back to global config
	analyzer = ResolveAnalyzer("", tmpDir, cfg)
	if analyzer != "acp" {
		t.Errorf("Expected 'acp' (from global), got '%s'", analyzer)
	}

	// Per-repo config
	repoConfig := filepath.Join(tmpDir, ".prreview.toml")
	os.WriteFile(repoConfig, []byte(`default_analyzer = "claude-acp"`), 0644)

	analyzer = ResolveAnalyzer("", tmpDir, cfg)
	if analyzer != "claude-acp" {
		t.Errorf("Expected 'claude-acp' (from repo config), got '%s'", analyzer)
	}

	// Explicit still takes precedence over repo config
	analyzer = ResolveAnalyzer("acp", tmpDir, cfg)
	if analyzer != "acp" {
		t.Errorf("Expected 'acp' (explicit), got '%s'", analyzer)
	}
}

func TestSaveAndLoadGlobal(t *testing.T) {
	tmpHome := t.TempDir()
	origEnv := os.Getenv("PRREVIEW_DATA_DIR")
	os.Setenv("PRREVIEW_DATA_DIR", tmpHome)
	defer func() {
		if origEnv != "" {
			os.Setenv("PRREVIEW_DATA_DIR", origEnv)
		} else {
			os.Unsetenv("PRREVIEW_DATA_DIR")
		}
	}()

	cfg := DefaultConfig()
	cfg.DefaultAnalyzer = "claude-acp"
	cfg.MaxWorkers = 16

	if err := SaveGlobal(cfg); err != nil {
		t.Fatalf("SaveGlobal failed: %v", err)
	}

	loaded, err := LoadGlobal()
	if err != nil {
		t.Fatalf("LoadGlobal failed: %v", err)
	}

	if loaded.DefaultAnalyzer != "claude-acp" {
		t.Errorf("Expected DefaultAnalyzer 'claude-acp', got '%s'", loaded.DefaultAnalyzer)
	}
	if loaded.MaxWorkers != 16 {
		t.Errorf("Expected MaxWorkers 16, got %d", loaded.MaxWorkers)
	}
}

func TestLoadRepoConfigWithGuidelines(t *testing.T) {
	tmpDir := t.TempDir()

	configContent := `
default_analyzer = "claude-acp"
review_guidelines = """
Flag any SQL built via string concatenation.
Prefer composition over inheritance.
All public APIs must have documentation comments.
"""
`
	repoConfig := filepath.Join(tmpDir, ".prreview.toml")
	if err := os.WriteFile(repoConfig, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	cfg, err := LoadRepoConfig(tmpDir)
	if err != nil {
		t.Fatalf("LoadRepoConfig failed: %v", err)
	}
	if cfg == nil {
		t.Fatal("Expected non-nil config")
	}
	if cfg.DefaultAnalyzer != "claude-acp" {
		t.Errorf("Expected analyzer 'claude-acp', got '%s'", cfg.DefaultAnalyzer)
	}
	if cfg.ReviewGuidelines == "" {
		t.Error("Expected non-empty guidelines")
	}
}

func TestLoadRepoConfigMissing(t *testing.T) {
	tmpDir := t.TempDir()

	cfg, err := LoadRepoConfig(tmpDir)
	if err != nil {
		t.Fatalf("LoadRepoConfig failed: %v", err)
	}
	if cfg != nil {
		t.Error("Expected nil config when file doesn't exist")
	}
}

func TestResolveJobTimeout(t *testing.T) {
	t.Run("default when no config", func(t *testing.T) {
		tmpDir := t.TempDir()
		timeout := ResolveJobTimeout(tmpDir, nil)
		if timeout != 10 {
			t.Errorf("Expected default timeout 10, got %d", timeout)
		}
	})

	t.Run("default when global config has zero", func(t *testing.T) {
		tmpDir := t.TempDir()
		cfg := &Config{JobTimeoutMinutes: 0}
		timeout := ResolveJobTimeout(tmpDir, cfg)
		if timeout != 10 {
			t.Errorf("Expected default timeout 10 when global is 0, got %d", timeout)
		}
	})

	t.Run("negative global config falls through to default", func(t *testing.T) {
		tmpDir := t.TempDir()
		cfg := &Config{JobTimeoutMinutes: -10}
		timeout := ResolveJobTimeout(tmpDir, cfg)
		if timeout != 10 {
			t.Errorf("Expected default timeout 10 when global is negative, got %d", timeout)
		}
	})

	t.Run("global config takes precedence over default", func(t *testing.T) {
		tmpDir := t.TempDir()
		cfg := &Config{JobTimeoutMinutes: 45}
		timeout := ResolveJobTimeout(tmpDir, cfg)
		if timeout != 45 {
			t.Errorf("Expected timeout 45 from global config, got %d", timeout)
		}
	})

	t.Run("repo config takes precedence over global", func(t *testing.T) {
		tmpDir := t.TempDir()
		repoConfig := filepath.Join(tmpDir, ".prreview.toml")
		if err := os.WriteFile(repoConfig, []byte(`job_timeout_minutes = 15`), 0644); err != nil {
			t.Fatalf("Failed to write repo config: %v", err)
		}

		cfg := &Config{JobTimeoutMinutes: 45}
		timeout := ResolveJobTimeout(tmpDir, cfg)
		if timeout != 15 {
			t.Errorf("Expected timeout 15 from repo config, got %d", timeout)
		}
	})

	t.Run("repo config zero falls through to global", func(t *testing.T) {
		tmpDir := t.TempDir()
		repoConfig := filepath.Join(tmpDir, ".prreview.toml")
		if err := os.WriteFile(repoConfig, []byte(`job_timeout_minutes = 0`), 0644); err != nil {
			t.Fatalf("Failed to write repo config: %v", err)
		}

		cfg := &Config{JobTimeoutMinutes: 45}
		timeout := ResolveJobTimeout(tmpDir, cfg)
		if timeout != 45 {
			t.Errorf("Expected timeout 45 from global (repo is 0), got %d", timeout)
		}
	})

	t.Run("malformed repo config falls through to global", func(t *testing.T) {
		tmpDir := t.TempDir()
		repoConfig := filepath.Join(tmpDir, ".prreview.toml")
		if err := os.WriteFile(repoConfig, []byte(`this is not valid toml {{{`), 0644); err != nil {
			t.Fatalf("Failed to write repo config: %v", err)
		}

		cfg := &Config{JobTimeoutMinutes: 45}
		timeout := ResolveJobTimeout(tmpDir, cfg)
		if timeout != 45 {
			t.Errorf("Expected timeout 45 from global (repo config malformed), got %d", timeout)
		}
	})
}

func TestResolvePluginTablePath(t *testing.T) {
	t.Run("default when nothing set", func(t *testing.T) {
		tmpDir := t.TempDir()
		path := ResolvePluginTablePath(tmpDir, nil)
		if path != "plugins.yaml" {
			t.Errorf("Expected default 'plugins.yaml', got '%s'", path)
		}
	})

	t.Run("global config overrides default", func(t *testing.T) {
		tmpDir := t.TempDir()
		cfg := &Config{PluginTablePath: "/etc/prreview/rules.yaml"}
		path := ResolvePluginTablePath(tmpDir, cfg)
		if path != "/etc/prreview/rules.yaml" {
			t.Errorf("Expected global override, got '%s'", path)
		}
	})

	t.Run("repo config overrides global", func(t *testing.T) {
		tmpDir := t.TempDir()
		repoConfig := filepath.Join(tmpDir, ".prreview.toml")
		if err := os.WriteFile(repoConfig, []byte(`plugin_table_path = "repo-rules.yaml"`), 0644); err != nil {
			t.Fatalf("Failed to write repo config: %v", err)
		}
		cfg := &Config{PluginTablePath: "/etc/prreview/rules.yaml"}
		path := ResolvePluginTablePath(tmpDir, cfg)
		if path != "repo-rules.yaml" {
			t.Errorf("Expected repo override, got '%s'", path)
		}
	})
}
