package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"text/tabwriter"

	"vlyne/internal/db"
	"vlyne/internal/geoip"
	"vlyne/internal/logger"

	"github.com/spf13/cobra"
)

var flagListGeo bool

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List stored profiles",
	Run: func(cmd *cobra.Command, args []string) {
		database := openDB()
		defer db.Close(database)

		rows, err := db.ListProfiles(database)
		if err != nil {
			logger.Log.Fatalf("Error listing profiles: %v", err)
		}
		if len(rows) == 0 {
			fmt.Println("No profiles. Add some with `vlyne import` or `vlyne sub add`.")
			return
		}

		if flagListGeo {
			if err := geoip.Init(cfg.Tester.GeoIPASNPath, cfg.Tester.GeoIPCountryPath); err != nil {
				logger.Log.Fatalf("Failed to init GeoIP: %v", err)
			}
			defer geoip.Close()
			if !geoip.Enabled() {
				logger.Log.Warn("No GeoIP country database configured (tester.geoip_country_path).")
			}
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		header := "ID\tNAME\tTYPE\tADDRESS\tLATENCY\tSOURCE"
		if flagListGeo {
			header += "\tGEO"
		}
		fmt.Fprintln(w, header)

		for _, r := range rows {
			source := r.SubscriptionName
			if source == "" {
				source = "manual"
			}
			line := fmt.Sprintf("%s\t%s\t%s\t%s\t%s\t%s",
				shortID(r.ID), r.Name, r.Protocol, hostPort(r.Address, r.Port), formatLatency(r.Latency), source)
			if flagListGeo {
				geo := geoip.Lookup(context.Background(), r.Address)
				line += fmt.Sprintf("\t%s %s", geoip.Flag(geo.Country), geo.Country)
			}
			fmt.Fprintln(w, line)
		}
		w.Flush()
	},
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func hostPort(addr, port string) string {
	return net.JoinHostPort(addr, port)
}

func formatLatency(ms int64) string {
	switch {
	case ms == 0:
		return "-"
	case ms < 0:
		return "timeout"
	default:
		return fmt.Sprintf("%dms", ms)
	}
}

func init() {
	listCmd.Flags().BoolVar(&flagListGeo, "geo", false, "Show the server country from the GeoIP database")
	rootCmd.AddCommand(listCmd)
}
