package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"vlyne/internal/config"
	"vlyne/internal/db"
	"vlyne/internal/lockfile"
	"vlyne/internal/logger"
	"vlyne/internal/sysproxy"

	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

var (
	cfgFile string
	verbose bool
	logFile string

	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "vlyne",
	Short: "Proxy profile manager and xray-core connection controller",
	Long: `vlyne imports vless/vmess/trojan/ss links and subscriptions, compiles them into
xray-core configs, runs the engine and keeps the system proxy in step with it.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logger.Init(verbose, logFile)

		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			logger.Log.Fatalf("Error loading config: %v", err)
		}
		if err := cfg.EnsureDirs(); err != nil {
			logger.Log.Fatalf("Error preparing data dirs: %v", err)
		}

		// A live instance owns the current backup; only recover after a crash.
		if cmd.Name() != restoreCmd.Name() && lockfile.Holder(cfg.Paths.LockFile) == 0 {
			recoverSystemProxy()
		}
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Sync()
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is "+config.DefaultPath()+")")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "Write logs to file instead of stdout (overwrites file)")
}

func proxyManager() *sysproxy.Manager {
	return sysproxy.NewManager(sysproxy.Native(), cfg.Paths.ProxyBackup)
}

func recoverSystemProxy() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	restored, err := proxyManager().RestoreOnStartup(ctx)
	if err != nil {
		logger.Log.Warnf("Failed to restore system proxy from backup: %v", err)
		return
	}
	if restored {
		logger.Log.Info("♻️  Restored system proxy left over from a previous session")
	}
}

func openDB() *gorm.DB {
	database, err := db.Connect(cfg.Database.Path)
	if err != nil {
		logger.Log.Fatalf("Error connecting to DB: %v", err)
	}
	if err := db.Migrate(database); err != nil {
		logger.Log.Fatalf("Error migrating DB: %v", err)
	}
	return database
}
