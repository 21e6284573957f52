package main

import (
	"context"
	"time"

	"vlyne/internal/lockfile"
	"vlyne/internal/logger"

	"github.com/spf13/cobra"
)

var flagRestoreForce bool

var restoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Restore the system proxy saved before the last connect",
	Run: func(cmd *cobra.Command, args []string) {
		if pid := lockfile.Holder(cfg.Paths.LockFile); pid != 0 && !flagRestoreForce {
			logger.Log.Fatalf("❌ vlyne is connected (pid %d); disconnect it first or pass --force", pid)
		}

		m := proxyManager()
		if !m.HasBackup() {
			logger.Log.Info("No system proxy backup, nothing to restore.")
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, err := m.RestoreOnStartup(ctx); err != nil {
			logger.Log.Fatalf("Failed to restore system proxy: %v", err)
		}
		logger.Log.Info("✅ System proxy restored")
	},
}

func init() {
	restoreCmd.Flags().BoolVar(&flagRestoreForce, "force", false, "Restore even while another instance is connected")
	rootCmd.AddCommand(restoreCmd)
}
