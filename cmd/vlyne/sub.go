package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"vlyne/internal/db"
	"vlyne/internal/logger"
	"vlyne/internal/model"
	"vlyne/internal/subscription"

	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

var (
	flagSubName      string
	flagSubNoUpdate  bool
	flagSubViaTunnel bool
)

var subCmd = &cobra.Command{
	Use:     "sub",
	Aliases: []string{"subscription"},
	Short:   "Manage subscriptions",
}

var subAddCmd = &cobra.Command{
	Use:   "add <url>",
	Short: "Add a subscription and fetch it",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		database := openDB()
		defer db.Close(database)

		sub := &model.Subscription{Name: flagSubName, URL: args[0]}
		if sub.Name == "" {
			sub.Name = args[0]
		}
		if err := db.SaveSubscription(database, sub); err != nil {
			logger.Log.Fatalf("Error adding subscription: %v", err)
		}
		logger.Log.Infof("➕ Added subscription %s (%s)", sub.Name, shortID(sub.ID))

		if flagSubNoUpdate {
			return
		}
		if err := refreshSubscription(cmd.Context(), database, newGetter(), sub); err != nil {
			logger.Log.Errorf("%v", err)
		}
	},
}

var subUpdateCmd = &cobra.Command{
	Use:   "update [subscriptions...]",
	Short: "Refresh subscriptions (all when none are named)",
	Run: func(cmd *cobra.Command, args []string) {
		database := openDB()
		defer db.Close(database)

		var subs []*model.Subscription
		if len(args) == 0 {
			all, err := db.ListSubscriptions(database)
			if err != nil {
				logger.Log.Fatalf("Error listing subscriptions: %v", err)
			}
			for i := range all {
				subs = append(subs, &all[i])
			}
		} else {
			for _, ref := range args {
				sub, err := db.FindSubscription(database, ref)
				if err != nil {
					logger.Log.Fatalf("%v", err)
				}
				subs = append(subs, sub)
			}
		}
		if len(subs) == 0 {
			fmt.Println("No subscriptions. Add one with `vlyne sub add <url>`.")
			return
		}

		getter := newGetter()
		bar := newBar(len(subs), "Updating...")
		failed := 0
		for _, sub := range subs {
			bar.Describe("[cyan]" + sub.Name + "[reset]")
			if err := refreshSubscription(cmd.Context(), database, getter, sub); err != nil {
				failed++
				logger.Log.Errorf("%v", err)
			}
			bar.Add(1)
		}
		bar.Finish()

		if failed > 0 {
			logger.Log.Warnf("⚠️  %d of %d subscriptions failed to update.", failed, len(subs))
			return
		}
		logger.Log.Infof("✅ Updated %d subscriptions.", len(subs))
	},
}

var subListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List subscriptions",
	Run: func(cmd *cobra.Command, args []string) {
		database := openDB()
		defer db.Close(database)

		subs, err := db.ListSubscriptions(database)
		if err != nil {
			logger.Log.Fatalf("Error listing subscriptions: %v", err)
		}
		if len(subs) == 0 {
			fmt.Println("No subscriptions.")
			return
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tPROFILES\tUPDATED\tTRAFFIC\tEXPIRES\tURL")
		for _, s := range subs {
			var count int64
			database.Model(&model.Profile{}).Where("subscription_id = ?", s.ID).Count(&count)
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\t%s\n",
				shortID(s.ID), s.Name, count, formatTime(s.LastUpdate), formatTraffic(s), formatExpire(s.Expire), s.URL)
		}
		w.Flush()
	},
}

var subRemoveCmd = &cobra.Command{
	Use:     "remove <subscription>",
	Aliases: []string{"rm"},
	Short:   "Remove a subscription and its profiles",
	Args:    cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		database := openDB()
		defer db.Close(database)

		sub, err := db.FindSubscription(database, args[0])
		if err != nil {
			logger.Log.Fatalf("%v", err)
		}
		if err := db.DeleteSubscription(database, sub.ID); err != nil {
			logger.Log.Fatalf("Error removing subscription: %v", err)
		}
		logger.Log.Infof("🗑️  Removed subscription %s and its profiles", sub.Name)
	},
}

func newGetter() *subscription.HTTPGetter {
	g := &subscription.HTTPGetter{
		Timeout:   cfg.Subscription.Timeout,
		UserAgent: cfg.Subscription.UserAgent,
	}
	if flagSubViaTunnel {
		g.ProxyURL = "http://127.0.0.1:" + strconv.Itoa(cfg.Settings.Inbound.HTTPPort)
	}
	return g
}

// refreshSubscription fetches sub and replaces its stored profiles. A fetch
// that yields nothing keeps the previous set.
func refreshSubscription(ctx context.Context, database *gorm.DB, getter subscription.Getter, sub *model.Subscription) error {
	res, err := subscription.Fetch(ctx, getter, subscription.Source{ID: sub.ID, Name: sub.Name, URL: sub.URL})
	if err != nil {
		return fmt.Errorf("subscription %s: %w", sub.Name, err)
	}
	if len(res.Profiles) == 0 {
		return fmt.Errorf("subscription %s returned no usable profiles (%d skipped)", sub.Name, res.Skipped)
	}

	if res.Name != "" && (sub.Name == "" || sub.Name == sub.URL) {
		sub.Name = res.Name
	}
	sub.Upload = res.UserInfo.Upload
	sub.Download = res.UserInfo.Download
	sub.Total = res.UserInfo.Total
	sub.Expire = res.UserInfo.Expire

	added, err := db.ReplaceSubscriptionProfiles(database, sub, res.Profiles)
	if err != nil {
		return err
	}
	logger.Log.Debugf("Subscription %s: stored %d profiles (%d skipped)", sub.Name, added, res.Skipped)
	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Local().Format("2006-01-02 15:04")
}

func formatTraffic(s model.Subscription) string {
	used := s.Upload + s.Download
	if s.Total == 0 {
		if used == 0 {
			return "-"
		}
		return formatBytes(used)
	}
	return formatBytes(used) + " / " + formatBytes(s.Total)
}

func formatExpire(unix int64) string {
	if unix <= 0 {
		return "-"
	}
	return time.Unix(unix, 0).Local().Format("2006-01-02")
}

func init() {
	subAddCmd.Flags().StringVar(&flagSubName, "name", "", "Display name (defaults to the name the server declares)")
	subAddCmd.Flags().BoolVar(&flagSubNoUpdate, "no-update", false, "Only register the URL, do not fetch it now")
	subCmd.PersistentFlags().BoolVar(&flagSubViaTunnel, "via-tunnel", false, "Fetch through the running tunnel's HTTP inbound")

	subCmd.AddCommand(subAddCmd, subUpdateCmd, subListCmd, subRemoveCmd)
	rootCmd.AddCommand(subCmd)
}
