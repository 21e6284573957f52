package main

import (
	"fmt"
	"os"
	"os/signal"
	"sort"
	"sync/atomic"
	"text/tabwriter"

	"vlyne/internal/db"
	"vlyne/internal/logger"
	"vlyne/internal/metrics"
	"vlyne/internal/tester"
	"vlyne/internal/xray/parser"

	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

var (
	flagPingAll     bool
	flagPingReal    bool
	flagPingWorkers int
)

var pingCmd = &cobra.Command{
	Use:   "ping [profiles...]",
	Short: "Measure profile latency",
	Long: `Measures TCP connect time to each server, or with --real an HTTP round trip through the
profile using a throwaway in-process xray-core. Without arguments every stored profile is tested.`,
	Run: func(cmd *cobra.Command, args []string) {
		database := openDB()
		defer db.Close(database)

		profiles := selectProfiles(database, args)
		if len(profiles) == 0 {
			fmt.Println("No profiles to test.")
			return
		}

		workers := cfg.Tester.WorkerCount
		if flagPingWorkers > 0 {
			workers = flagPingWorkers
		}
		probe, timeout := tester.TCPProbe(cfg.Tester.PingTimeout), cfg.Tester.PingTimeout
		if flagPingReal {
			timeout = cfg.Tester.RealDelayTimeout
			probe = tester.RealProbe(cfg.Settings, cfg.Tester.CheckURL, timeout)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		logger.Log.Infof("📡 Testing %d profiles with %d workers...", len(profiles), workers)
		mc := metrics.New()
		bar := newBar(len(profiles), "Testing...")
		var alive atomic.Int32
		err := tester.ProbeAll(ctx, profiles, workers, probe, mc, func(p *parser.Profile) {
			if p.Latency >= 0 {
				bar.Describe(fmt.Sprintf("[cyan]Alive: %d[reset]", alive.Add(1)))
			}
			bar.Add(1)
		})
		bar.Finish()
		if err != nil {
			logger.Log.Warnf("Testing interrupted: %v", err)
		}

		// Profiles an interrupted run never reached keep their previous result.
		if err := db.UpdateLatency(database, profiles); err != nil {
			logger.Log.Errorf("Error saving latency: %v", err)
		}

		printLatencyTable(profiles)
		mc.PrintReport(os.Stdout, timeout)
	},
}

func selectProfiles(database *gorm.DB, args []string) []*parser.Profile {
	if flagPingAll || len(args) == 0 {
		rows, err := db.ListProfiles(database)
		if err != nil {
			logger.Log.Fatalf("Error listing profiles: %v", err)
		}
		profiles, skipped := db.LoadProfiles(rows)
		if len(skipped) > 0 {
			logger.Log.Warnf("Skipping %d stored profiles that no longer parse", len(skipped))
		}
		return profiles
	}

	var profiles []*parser.Profile
	for _, ref := range args {
		p, err := db.FindProfile(database, ref)
		if err != nil {
			logger.Log.Fatalf("%v", err)
		}
		profiles = append(profiles, p)
	}
	return profiles
}

// printLatencyTable lists the fastest first, failures last.
func printLatencyTable(profiles []*parser.Profile) {
	sorted := append([]*parser.Profile(nil), profiles...)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i].Latency, sorted[j].Latency
		if (a > 0) != (b > 0) {
			return a > 0
		}
		return a < b
	})

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tADDRESS\tLATENCY")
	for _, p := range sorted {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", shortID(p.ID), p.Name, hostPort(p.Address, p.Port), formatLatency(p.Latency))
	}
	w.Flush()
}

func init() {
	pingCmd.Flags().BoolVar(&flagPingAll, "all", false, "Test every stored profile")
	pingCmd.Flags().BoolVar(&flagPingReal, "real", false, "Measure an HTTP request through the tunnel instead of a TCP connect")
	pingCmd.Flags().IntVar(&flagPingWorkers, "workers", 0, "Override worker count")
	rootCmd.AddCommand(pingCmd)
}
