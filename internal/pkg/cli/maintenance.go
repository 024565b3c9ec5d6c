package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"tablegate/internal/pkg/logger"
	"tablegate/internal/pkg/store"
	"tablegate/internal/pkg/taskcache"
)

var (
	sweepMaxAge     time.Duration
	invalidateScope string
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Remove cache records older than --max-age",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		maxAge := sweepMaxAge
		if maxAge <= 0 {
			return fmt.Errorf("--max-age must be positive, got %s", maxAge)
		}
		return withCache(cmd, func(cache *taskcache.Cache) error {
			removed, err := cache.SweepExpired(cmd.Context(), maxAge)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d record(s)\n", removed)
			return nil
		})
	},
}

var invalidateCmd = &cobra.Command{
	Use:   "invalidate",
	Short: "Remove every cache record of a scope",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCache(cmd, func(cache *taskcache.Cache) error {
			removed, err := cache.Invalidate(cmd.Context(), invalidateScope)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d record(s) from scope %s\n", removed, invalidateScope)
			return nil
		})
	},
}

func init() {
	sweepCmd.Flags().DurationVar(&sweepMaxAge, "max-age", 24*time.Hour, "Records older than this are removed")
	invalidateCmd.Flags().StringVar(&invalidateScope, "scope", "", "Scope to clear (required)")
	_ = invalidateCmd.MarkFlagRequired("scope")
	rootCmd.AddCommand(sweepCmd, invalidateCmd)
}

// withCache opens the configured store for the duration of fn.
func withCache(cmd *cobra.Command, fn func(*taskcache.Cache) error) error {
	cfg, err := setup("stderr")
	if err != nil {
		return err
	}
	defer logger.Log.Sync()

	backing, err := store.Open(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer backing.Close()

	return fn(taskcache.New(backing))
}
