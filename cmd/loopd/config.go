package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.yaml.in/yaml/v3"

	"github.com/ShayCichocki/loopd/internal/config"
)

var configProject bool

var configCmd = &cobra.Command{
	Use:   "config [key] [value]",
	Short: "Manage configuration",
	Long: `View or modify loopd configuration.

Without arguments, displays the effective configuration.
With one argument (key), displays the value for that key.
With two arguments (key value), sets the configuration value.

Configuration is stored at ~/.config/loopd/config.yaml
Project-specific overrides can be placed in .loopd.yaml (--project).
Environment variables prefixed with LOOPD_ override both.`,
	Args: cobra.MaximumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		switch len(args) {
		case 0:
			out, err := config.Render(cfg)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		case 1:
			value, err := getConfigValue(cfg, args[0])
			if err != nil {
				return err
			}
			fmt.Println(value)
			return nil
		default:
			return setConfigKey(args[0], args[1])
		}
	},
}

var configKeysCmd = &cobra.Command{
	Use:   "keys",
	Short: "List the configuration keys",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		for _, k := range config.Keys() {
			fmt.Println(k)
		}
	},
}

func init() {
	configCmd.Flags().BoolVar(&configProject, "project", false, "Write to the project .loopd.yaml instead of the user config")
	configCmd.AddCommand(configKeysCmd)
}

// setConfigKey persists key=value into the user or project config file.
func setConfigKey(key, value string) error {
	path := config.GetUserConfigPath()
	if configProject {
		path = config.GetProjectConfigPath()
		if path == "" {
			path = config.ProjectConfigName
		}
	}
	if err := config.SetValue(path, key, value); err != nil {
		return err
	}
	if strings.EqualFold(key, "anthropic.api_key") {
		value = config.MaskAPIKey(value)
	}
	fmt.Printf("Set %s = %s (%s)\n", key, value, path)
	return nil
}

// getConfigValue looks up a dot-notation key in the rendered config.
func getConfigValue(c *config.Config, key string) (string, error) {
	out, err := config.Render(c)
	if err != nil {
		return "", err
	}
	var node any
	if err := yaml.Unmarshal(out, &node); err != nil {
		return "", err
	}
	for _, part := range strings.Split(strings.ToLower(key), ".") {
		m, ok := node.(map[string]any)
		if !ok {
			return "", fmt.Errorf("unknown configuration key: %s", key)
		}
		if node, ok = m[part]; !ok {
			return "", fmt.Errorf("unknown configuration key: %s", key)
		}
	}
	switch v := node.(type) {
	case nil:
		return "", nil
	case map[string]any, []any:
		b, err := yaml.Marshal(v)
		if err != nil {
			return "", err
		}
		return strings.TrimRight(string(b), "\n"), nil
	default:
		return fmt.Sprint(v), nil
	}
}
