package main

import (
	"vlyne/internal/db"
	"vlyne/internal/logger"

	"github.com/spf13/cobra"
)

var removeCmd = &cobra.Command{
	Use:     "remove <profile>",
	Aliases: []string{"rm"},
	Short:   "Remove a stored profile by id, id prefix or name",
	Args:    cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		database := openDB()
		defer db.Close(database)

		p, err := db.FindProfile(database, args[0])
		if err != nil {
			logger.Log.Fatalf("%v", err)
		}
		if err := db.DeleteProfile(database, p.ID); err != nil {
			logger.Log.Fatalf("Error removing profile: %v", err)
		}
		logger.Log.Infof("🗑️  Removed %s (%s)", p.Name, shortID(p.ID))
	},
}

func init() {
	rootCmd.AddCommand(removeCmd)
}
