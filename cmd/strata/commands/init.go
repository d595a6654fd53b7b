package commands

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/stratalabel/strata/pkg/config"
	"github.com/stratalabel/strata/pkg/stores"
)

func newInitCommand(flags *globalFlags) *cobra.Command {
	var (
		dbPath string
		force  bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a SQLite workspace",
		Long: `Create and migrate a SQLite database holding documents, run history and run
locks, and write a strata.yaml pointing at it.

An existing strata.yaml is kept unless --force is given.`,
		Example: `  # Initialize in the current directory
  strata init

  # Custom database path
  strata init --db data/labels.db`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			cfgPath := flags.configPath
			if cfgPath == "" {
				cfgPath = config.DefaultAppConfigFile
			}

			log.Info().Str("db", dbPath).Str("config", cfgPath).Msg("Initializing workspace")

			if dir := filepath.Dir(dbPath); dir != "." {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return fmt.Errorf("failed to create %s: %w", dir, err)
				}
			}

			store, err := stores.OpenSQLite(ctx, dbPath)
			if err != nil {
				return fmt.Errorf("failed to initialize database: %w", err)
			}
			if err := store.Close(); err != nil {
				return fmt.Errorf("failed to close database: %w", err)
			}
			fmt.Fprintf(out, "✓ Database ready: %s\n", dbPath)

			_, err = os.Stat(cfgPath)
			switch {
			case err == nil && !force:
				fmt.Fprintf(out, "• Keeping existing %s\n", cfgPath)
				return nil
			case err != nil && !errors.Is(err, os.ErrNotExist):
				return fmt.Errorf("failed to stat %s: %w", cfgPath, err)
			}

			cfg := config.DefaultAppConfig()
			cfg.Store = "sqlite://" + dbPath
			content, err := yaml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("failed to encode config: %w", err)
			}
			if err := os.WriteFile(cfgPath, content, 0o644); err != nil {
				return fmt.Errorf("failed to write config: %w", err)
			}
			fmt.Fprintf(out, "✓ Config written: %s\n", cfgPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", "strata.db", "SQLite database path")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")

	return cmd
}
