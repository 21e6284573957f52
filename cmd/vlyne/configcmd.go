package main

import (
	"fmt"
	"os"

	"vlyne/internal/db"
	"vlyne/internal/logger"
	"vlyne/internal/xray"

	"github.com/spf13/cobra"
)

var (
	flagConfigCheck bool
	flagConfigOut   string
)

var configCmd = &cobra.Command{
	Use:   "config <profile>",
	Short: "Print the xray-core config compiled for a profile",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		database := openDB()
		p, err := db.FindProfile(database, args[0])
		db.Close(database)
		if err != nil {
			logger.Log.Fatalf("%v", err)
		}

		doc, err := xray.Compile(p, cfg.Settings)
		if err != nil {
			logger.Log.Fatalf("Error compiling %s: %v", p.Name, err)
		}
		data, err := doc.Marshal()
		if err != nil {
			logger.Log.Fatalf("Error encoding config: %v", err)
		}

		if flagConfigCheck {
			if err := xray.Check(data); err != nil {
				logger.Log.Fatalf("❌ xray-core rejected the config: %v", err)
			}
			logger.Log.Info("✅ xray-core accepts the config")
		}

		if flagConfigOut != "" {
			if err := os.WriteFile(flagConfigOut, data, 0o644); err != nil {
				logger.Log.Fatalf("Error writing %s: %v", flagConfigOut, err)
			}
			logger.Log.Infof("Wrote %s", flagConfigOut)
			return
		}
		fmt.Println(string(data))
	},
}

func init() {
	configCmd.Flags().BoolVar(&flagConfigCheck, "check", false, "Validate the document with the linked xray-core")
	configCmd.Flags().StringVarP(&flagConfigOut, "out", "o", "", "Write to a file instead of stdout")
	rootCmd.AddCommand(configCmd)
}
