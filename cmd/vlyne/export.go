package main

import (
	"fmt"

	"vlyne/internal/db"
	"vlyne/internal/logger"
	"vlyne/internal/model"
	"vlyne/internal/subscription"

	"github.com/spf13/cobra"
)

var (
	flagExportSub    string
	flagExportBase64 bool
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Print stored profiles as a subscription body",
	Run: func(cmd *cobra.Command, args []string) {
		database := openDB()
		defer db.Close(database)

		var (
			rows []model.Profile
			err  error
		)
		if flagExportSub != "" {
			sub, ferr := db.FindSubscription(database, flagExportSub)
			if ferr != nil {
				logger.Log.Fatalf("%v", ferr)
			}
			rows, err = db.SubscriptionProfiles(database, sub.ID)
		} else {
			rows, err = db.ListProfiles(database)
		}
		if err != nil {
			logger.Log.Fatalf("Error listing profiles: %v", err)
		}

		profiles, skipped := db.LoadProfiles(rows)
		if len(skipped) > 0 {
			logger.Log.Warnf("Dropped %d stored profiles that no longer parse", len(skipped))
		}
		if len(profiles) == 0 {
			logger.Log.Warn("Nothing to export.")
			return
		}
		fmt.Println(subscription.Encode(profiles, flagExportBase64))
	},
}

func init() {
	exportCmd.Flags().StringVar(&flagExportSub, "subscription", "", "Only export profiles of this subscription")
	exportCmd.Flags().BoolVar(&flagExportBase64, "base64", false, "Base64 encode the output")
	rootCmd.AddCommand(exportCmd)
}
