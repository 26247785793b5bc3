package main

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"github.com/tonimelisma/settingsengine/internal/engineconfig"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show the resolved engine configuration",
	}

	cmd.Annotations = map[string]string{skipEngineAnnotation: "true"}

	cmd.RunE = func(cmd *cobra.Command, _ []string) error {
		logger := buildLogger(nil)

		cfgPath := flagConfigPath
		if cfgPath == "" {
			cfgPath = engineconfig.DefaultConfigPath()
		}

		cfg, err := engineconfig.LoadOrDefault(cfgPath, logger)
		if err != nil {
			return fmt.Errorf("loading engine config: %w", err)
		}

		enc := toml.NewEncoder(os.Stdout)

		return enc.Encode(cfg)
	}

	return cmd
}
