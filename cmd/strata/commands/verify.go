package commands

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/stratalabel/strata/pkg/engine"
)

// watchDebounce coalesces the burst of events an editor save produces.
const watchDebounce = 500 * time.Millisecond

func newVerifyCommand(flags *globalFlags) *cobra.Command {
	rf := &runFlags{}
	var watch bool

	cmd := &cobra.Command{
		Use:   "verify [QUOTA]",
		Short: "Compare current labels against a quota table",
		Long: `Count the label values of every partition and compare them to the table's
normalized targets. Derived fields are checked against their rules.

A cell short of its target counts as shortfall only when its partition has no
unlabeled records left; any other deviation is drift. The exit code is 0 when
every cell matches, 1 for shortfall only, and 2 for drift or derived field
mismatches.

With --watch the report is recomputed whenever the quota file changes, until
interrupted.`,
		Example: `  # Verify once
  strata verify -q quotas/stage.yaml

  # Re-verify on every edit of the quota file
  strata verify -q quotas/stage.yaml --watch`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			path := rf.quotaPath(args)

			quota, err := loadQuota(path)
			if err != nil {
				return err
			}

			env, err := openEnv(ctx, flags)
			if err != nil {
				return err
			}
			defer func() { _ = env.Close(ctx) }()

			verify := func() (engine.RunState, error) {
				if quota == nil {
					if quota, err = loadQuota(path); err != nil {
						return engine.StateFailed, err
					}
				}
				defer func() { quota = nil }()

				report, err := env.runner(quota).Verify(ctx, quota.Table)
				if err != nil {
					return engine.StateFailed, validationExit(err)
				}
				if err := renderReport(cmd.OutOrStdout(), flags.jsonOutput, report); err != nil {
					return engine.StateFailed, err
				}
				return report.Outcome, nil
			}

			if !watch {
				state, err := verify()
				if err != nil {
					return err
				}
				return stateExit(state)
			}
			return watchQuota(ctx, path, verify)
		},
	}

	rf.bindQuota(cmd)
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "re-verify when the quota file changes")

	return cmd
}

func renderReport(w io.Writer, jsonOutput bool, report *engine.Report) error {
	if jsonOutput {
		return writeJSON(w, report)
	}
	printReport(w, report)
	return nil
}

// watchQuota runs verify now and after every change to path until ctx is
// done. The outcome of the last verification sets the exit code.
func watchQuota(ctx context.Context, path string, verify func() (engine.RunState, error)) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve quota path: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	// Editors replace files on save, so watch the directory.
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}

	last, err := verify()
	if err != nil {
		log.Error().Err(err).Msg("Verification failed")
	}
	log.Info().Str("quota", abs).Msg("Watching quota file for changes")

	var debounce <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return stateExit(last)

		case event, ok := <-watcher.Events:
			if !ok {
				return stateExit(last)
			}
			if filepath.Clean(event.Name) != abs || event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			log.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("Quota file changed")
			debounce = time.After(watchDebounce)

		case <-debounce:
			debounce = nil
			state, err := verify()
			if err != nil {
				log.Error().Err(err).Msg("Verification failed")
				continue
			}
			last = state
			log.Info().Str("outcome", string(state)).Msg("Re-verified quota")

		case err, ok := <-watcher.Errors:
			if !ok {
				return stateExit(last)
			}
			log.Warn().Err(err).Msg("Watcher error")
		}
	}
}
