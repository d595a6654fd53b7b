package commands

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/stratalabel/strata/pkg/config"
	"github.com/stratalabel/strata/pkg/policy"
)

var validateExts = []string{".yaml", ".yml", ".cue", ".rego"}

func newValidateCommand(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate PATH...",
		Short: "Validate quota files and guard policies",
		Long: `Validate quota files and Rego guard policies without touching a store.

Quota files (.yaml, .yml, .cue) are checked against the quota schema, their
struct constraints and the table rules: fractions in range and summing to at
most one within tolerance, non-negative counts, no duplicate values or
partitions, and well-formed derived rules. Policies (.rego) must compile.

Directories are scanned for files with these extensions.`,
		Example: `  # Validate one quota file
  strata validate quotas/stage.yaml

  # Validate every quota file and policy in a directory
  strata validate quotas/ policies/`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			files, err := expandPaths(args)
			if err != nil {
				return validationExit(err)
			}

			loader := config.NewLoader()
			out := cmd.OutOrStdout()
			var errs []error
			for _, file := range files {
				if err := validateFile(cmd, loader, file); err != nil {
					fmt.Fprintf(out, "✗ %s\n  %v\n", file, err)
					errs = append(errs, err)
					continue
				}
				fmt.Fprintf(out, "✓ %s\n", file)
			}

			log.Debug().Int("files", len(files)).Int("invalid", len(errs)).Msg("Validation finished")
			if len(errs) > 0 {
				return &ExitError{Code: 2, Err: fmt.Errorf("%d of %d files invalid: %w", len(errs), len(files), errors.Join(errs...))}
			}
			return nil
		},
	}

	return cmd
}

func validateFile(cmd *cobra.Command, loader *config.Loader, file string) error {
	if filepath.Ext(file) == ".rego" {
		guard, err := policy.NewEngine(nil)
		if err != nil {
			return err
		}
		return guard.LoadPolicies(cmd.Context(), file)
	}
	_, err := loader.LoadQuota(file)
	return err
}

// expandPaths replaces directories with the files they contain that have a
// validated extension.
func expandPaths(paths []string) ([]string, error) {
	var files []string
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("failed to stat %s: %w", path, err)
		}
		if !info.IsDir() {
			files = append(files, path)
			continue
		}
		entries, err := os.ReadDir(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read directory %s: %w", path, err)
		}
		for _, entry := range entries {
			if !entry.IsDir() && slices.Contains(validateExts, filepath.Ext(entry.Name())) {
				files = append(files, filepath.Join(path, entry.Name()))
			}
		}
	}
	return files, nil
}
