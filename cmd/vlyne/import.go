package main

import (
	"io"
	"os"
	"strings"

	"vlyne/internal/db"
	"vlyne/internal/logger"
	"vlyne/internal/subscription"
	"vlyne/internal/xray/parser"

	"github.com/spf13/cobra"
)

var importCmd = &cobra.Command{
	Use:   "import [links...|-]",
	Short: "Import share links",
	Long: `Parses vless://, vmess://, trojan:// and ss:// links and stores them as manual profiles.
With no arguments, or "-", links are read from stdin. A pasted base64 subscription body is accepted too.`,
	Run: func(cmd *cobra.Command, args []string) {
		text := strings.Join(args, "\n")
		if len(args) == 0 || (len(args) == 1 && args[0] == "-") {
			data, err := io.ReadAll(os.Stdin)
			if err != nil {
				logger.Log.Fatalf("Failed to read stdin: %v", err)
			}
			text = string(data)
		}

		var profiles []*parser.Profile
		skipped := 0
		for _, line := range subscription.SplitLinks(subscription.DecodeBody([]byte(text))) {
			p, err := parser.Parse(line)
			if err != nil {
				skipped++
				logger.Log.Warnf("Skipping invalid link: %v", err)
				continue
			}
			profiles = append(profiles, p)
		}

		if len(profiles) == 0 {
			logger.Log.Fatalf("❌ No valid links found (%d skipped).", skipped)
		}

		database := openDB()
		defer db.Close(database)

		added, err := db.SaveProfiles(database, profiles)
		if err != nil {
			logger.Log.Fatalf("Error saving profiles: %v", err)
		}
		logger.Log.Infof("✅ Imported %d profiles (%d duplicates, %d invalid).", added, int64(len(profiles))-added, skipped)
	},
}

func init() {
	rootCmd.AddCommand(importCmd)
}
