package main

import (
	"fmt"
	"os"
	"os/exec"
	"sort"
	"text/tabwriter"

	"vlyne/internal/db"
	"vlyne/internal/lockfile"
	"vlyne/internal/model"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show connection, system proxy and database status",
	Run: func(cmd *cobra.Command, args []string) {
		database := openDB()
		defer db.Close(database)

		var totalProfiles, totalSubs, alive int64
		database.Model(&model.Profile{}).Count(&totalProfiles)
		database.Model(&model.Subscription{}).Count(&totalSubs)
		database.Model(&model.Profile{}).Where("latency > 0").Count(&alive)

		type protoStat struct {
			Protocol string
			Count    int
		}
		var protos []protoStat
		database.Model(&model.Profile{}).
			Select("protocol, count(*) as count").
			Group("protocol").
			Scan(&protos)
		sort.Slice(protos, func(i, j int) bool { return protos[i].Protocol < protos[j].Protocol })

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)

		fmt.Println("\n📊 \033[1mVLYNE STATUS\033[0m")
		fmt.Println("────────────────────────────────────────")

		fmt.Fprintln(w, "\033[1;36m[ CONNECTION ]\033[0m\t")
		switch pid := lockfile.Holder(cfg.Paths.LockFile); {
		case pid > 0:
			fmt.Fprintf(w, "  State:\tconnected (pid %d)\n", pid)
		case pid < 0:
			fmt.Fprintln(w, "  State:\tconnected")
		default:
			fmt.Fprintln(w, "  State:\tidle")
		}
		if proxyManager().HasBackup() {
			fmt.Fprintf(w, "  Proxy Backup:\t%s\n", cfg.Paths.ProxyBackup)
		} else {
			fmt.Fprintln(w, "  Proxy Backup:\tnone")
		}
		if path, err := exec.LookPath(cfg.Engine.Path); err == nil {
			fmt.Fprintf(w, "  Engine:\t%s\n", path)
		} else {
			fmt.Fprintf(w, "  Engine:\t%s (not found)\n", cfg.Engine.Path)
		}
		fmt.Fprintf(w, "  Inbounds:\tsocks %d, http %d\n", cfg.Settings.Inbound.SocksPort, cfg.Settings.Inbound.HTTPPort)
		fmt.Fprintf(w, "  Routing:\t%s\n", cfg.Settings.Routing.Mode)
		fmt.Fprintln(w, "\t")

		fmt.Fprintln(w, "\033[1;36m[ DATABASE ]\033[0m\t")
		fmt.Fprintf(w, "  Path:\t%s\n", cfg.Database.Path)
		fmt.Fprintf(w, "  Size:\t%s\n", formatBytes(getFileSize(cfg.Database.Path)))
		if walSize := getFileSize(cfg.Database.Path + "-wal"); walSize > 0 {
			fmt.Fprintf(w, "  WAL Size:\t%s (pending checkpoint)\n", formatBytes(walSize))
		}
		fmt.Fprintf(w, "  Subscriptions:\t%d\n", totalSubs)
		fmt.Fprintf(w, "  Profiles:\t%d (%d reachable at last ping)\n", totalProfiles, alive)
		fmt.Fprintln(w, "\t")

		fmt.Fprintln(w, "\033[1;36m[ INVENTORY ]\033[0m\t")
		if len(protos) == 0 {
			fmt.Fprintln(w, "  (No profiles)")
		}
		for _, p := range protos {
			fmt.Fprintf(w, "  %s:\t%d\n", p.Protocol, p.Count)
		}

		w.Flush()
		fmt.Println("")
	},
}

func getFileSize(path string) int64 {
	fi, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return fi.Size()
}

func formatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(b)/float64(div), "KMGTPE"[exp])
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
