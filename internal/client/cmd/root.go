package cmd

import (
	"log"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:  `mesh-it`,
	Long: `mesh-it forms a full mesh of direct encrypted connections between peers in a room`,
	Run: func(cmd *cobra.Command, args []string) {
		log.Println("mesh-it forms a full mesh of direct encrypted connections between peers in a room")
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(joinCmd)
}
