package main

import (
	"context"
	"errors"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"vlyne/internal/connection"
	"vlyne/internal/db"
	"vlyne/internal/lockfile"
	"vlyne/internal/logger"
	"vlyne/internal/tester"
	"vlyne/internal/xray"

	"github.com/spf13/cobra"
)

var (
	flagNoProxy bool
	flagVerify  bool
)

var connectCmd = &cobra.Command{
	Use:   "connect <profile>",
	Short: "Run xray-core for a profile until interrupted",
	Long: `Compiles the profile, starts the xray engine and points the system proxy at its HTTP inbound.
Stops on Ctrl+C, SIGTERM or when the engine exits, restoring the previous system proxy.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		lock, err := lockfile.Acquire(cfg.Paths.LockFile)
		if err != nil {
			if errors.Is(err, lockfile.ErrLocked) {
				logger.Log.Fatalf("❌ Already connected: %v", err)
			}
			logger.Log.Fatalf("Error taking instance lock: %v", err)
		}
		defer lock.Release()

		database := openDB()
		p, err := db.FindProfile(database, args[0])
		db.Close(database)
		if err != nil {
			logger.Log.Fatalf("%v", err)
		}

		settings := cfg.Settings
		if flagNoProxy {
			settings.General.AutoEnableProxy = false
		}

		orch := connection.New(xray.NewSupervisor(), proxyManager(), connection.Options{
			EnginePath: cfg.Engine.Path,
			ConfigPath: cfg.Paths.ConfigFile,
			Preflight:  xray.Check,
		})
		events, unsubscribe := orch.Subscribe(64)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		res, err := orch.Start(ctx, p, settings)
		if err != nil {
			unsubscribe()
			quit(orch)
			lock.Release()
			logger.Log.Fatalf("❌ Failed to connect: %v", err)
		}
		if res.Warning != "" {
			logger.Log.Warnf("⚠️  System proxy not set: %s", res.Warning)
		}

		logger.Log.Infof("🚀 SOCKS5 127.0.0.1:%d | HTTP 127.0.0.1:%d", settings.Inbound.SocksPort, settings.Inbound.HTTPPort)
		if flagVerify {
			go verifyTunnel(ctx, settings.Inbound.SocksPort)
		}

	wait:
		for {
			select {
			case <-ctx.Done():
				logger.Log.Info("Interrupted, disconnecting...")
				break wait
			case ev, ok := <-events:
				if !ok {
					break wait
				}
				if ev.Kind == connection.EventStopped {
					logStop(ev.Stop)
					break wait
				}
			}
		}

		unsubscribe()
		quit(orch)
	},
}

func quit(orch *connection.Orchestrator) {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Engine.StopTimeout+5*time.Second)
	defer cancel()
	if err := orch.Quit(ctx); err != nil {
		logger.Log.Errorf("Error during shutdown: %v", err)
	}
	logger.Log.Info("👋 Disconnected")
}

func logStop(info connection.StopInfo) {
	switch {
	case info.Reason != connection.ReasonProcessExit:
		logger.Log.Infof("Connection stopped (%s)", info.Reason)
	case info.Signal != "":
		logger.Log.Errorf("❌ Engine killed by signal %s", info.Signal)
	case info.Code != nil && *info.Code != 0:
		logger.Log.Errorf("❌ Engine exited with code %d", *info.Code)
	default:
		logger.Log.Warn("Engine exited")
	}
}

// verifyTunnel waits for the SOCKS inbound to come up and fetches the check
// URL through it.
func verifyTunnel(ctx context.Context, socksPort int) {
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(socksPort))

	deadline := time.Now().Add(5 * time.Second)
	for tester.Ping(ctx, "127.0.0.1", socksPort, 500*time.Millisecond) < 0 {
		if ctx.Err() != nil || time.Now().After(deadline) {
			logger.Log.Warnf("⚠️  SOCKS inbound %s did not come up", addr)
			return
		}
		time.Sleep(200 * time.Millisecond)
	}

	d, err := tester.CheckTunnel(ctx, addr, cfg.Tester.CheckURL, cfg.Tester.RealDelayTimeout)
	if err != nil {
		logger.Log.Warnf("⚠️  Tunnel check failed: %v", err)
		return
	}
	logger.Log.Infof("✅ Tunnel verified, %s answered in %dms", cfg.Tester.CheckURL, d.Milliseconds())
}

func init() {
	connectCmd.Flags().BoolVar(&flagNoProxy, "no-proxy", false, "Do not touch the system proxy")
	connectCmd.Flags().BoolVar(&flagVerify, "verify", false, "Fetch the check URL through the tunnel once it is up")
	rootCmd.AddCommand(connectCmd)
}
