package main

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"text/tabwriter"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"github.com/adorevd/prreview/internal/config"
)

// configCmd manages the daemon's global config.toml directly on disk. The
// CLI and the daemon share one file (config.GlobalConfigPath()); the daemon
// picks up changes via its fsnotify-driven config watcher, so there is no
// separate admin HTTP endpoint for this.
func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Get and set the daemon's global configuration",
	}
	cmd.AddCommand(configGetCmd())
	cmd.AddCommand(configSetCmd())
	cmd.AddCommand(configListCmd())
	return cmd
}

func configGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Get a configuration value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := args[0]
			if !config.IsValidKey(key) {
				return fmt.Errorf("unknown config key: %q", key)
			}

			cfg, err := config.LoadGlobal()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if !config.IsConfigValueSet(cfg, key) {
				return fmt.Errorf("key %q is not set", key)
			}
			val, err := config.GetConfigValue(cfg, key)
			if err != nil {
				return err
			}
			if config.IsSensitiveKey(key) {
				val = config.MaskValue(val)
			}
			fmt.Println(val)
			return nil
		},
	}
}

func configSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Set a configuration value",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return setConfigKey(config.GlobalConfigPath(), args[0], args[1])
		},
	}
}

func configListCmd() *cobra.Command {
	var showOrigin bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List configuration values",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadGlobal()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			if !showOrigin {
				for _, kv := range config.ListConfigKeys(cfg) {
					val := kv.Value
					if config.IsSensitiveKey(kv.Key) {
						val = config.MaskValue(val)
					}
					fmt.Printf("%s=%s\n", kv.Key, val)
				}
				return nil
			}

			rawGlobal, err := config.LoadRawGlobal()
			if err != nil {
				return fmt.Errorf("load raw config: %w", err)
			}
			kvos := config.MergedConfigWithOrigin(cfg, nil, rawGlobal, nil)
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			for _, kvo := range kvos {
				val := kvo.Value
				if config.IsSensitiveKey(kvo.Key) {
					val = config.MaskValue(val)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", kvo.Origin, kvo.Key, val)
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&showOrigin, "show-origin", false, "show whether each value is default or explicitly set")
	return cmd
}

// setConfigKey sets a key in the global config TOML using raw map
// manipulation, so fields the operator never touched don't get written out
// with their zero/default values.
func setConfigKey(path, key, value string) error {
	raw := make(map[string]interface{})
	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, &raw); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
	}

	validation := &config.Config{}
	if err := config.SetConfigValue(validation, key, value); err != nil {
		return fmt.Errorf("unknown config key: %q", key)
	}

	setRawMapKey(raw, key, coerceValue(validation, key, value))

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	var mode os.FileMode = 0644
	if info, err := os.Stat(path); err == nil {
		mode = info.Mode()
	}

	f, err := os.CreateTemp(filepath.Dir(path), ".prreview-config-*.toml")
	if err != nil {
		return err
	}
	tmpPath := f.Name()
	defer os.Remove(tmpPath)

	if err := toml.NewEncoder(f).Encode(raw); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpPath, mode); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}

func setRawMapKey(m map[string]interface{}, key string, value interface{}) {
	parts := strings.Split(key, ".")
	if len(parts) == 1 {
		m[parts[0]] = value
		return
	}

	current := m
	for _, part := range parts[:len(parts)-1] {
		sub, ok := current[part]
		if ok {
			if subMap, ok := sub.(map[string]interface{}); ok {
				current = subMap
				continue
			}
		}
		newMap := make(map[string]interface{})
		current[part] = newMap
		current = newMap
	}
	current[parts[len(parts)-1]] = value
}

// coerceValue uses the already-validated config struct to pick the TOML type
// the raw map should carry for key, instead of always writing a string.
func coerceValue(validated *config.Config, key, rawVal string) interface{} {
	field, err := config.FindFieldByTOMLKey(reflect.ValueOf(validated).Elem(), key)
	if err != nil {
		return rawVal
	}

	switch field.Kind() {
	case reflect.Bool:
		return field.Bool()
	case reflect.Int, reflect.Int64:
		return field.Int()
	default:
		return rawVal
	}
}
