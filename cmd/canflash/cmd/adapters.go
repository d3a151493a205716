package cmd

import (
	"log"

	"github.com/spf13/cobra"

	"github.com/ecutools/canflash/adapter"
)

var adaptersCmd = &cobra.Command{
	Use:   "adapters",
	Short: "list supported adapters",
	Run: func(cmd *cobra.Command, args []string) {
		for _, name := range adapter.List() {
			log.Println(name)
		}
	},
}

func init() {
	rootCmd.AddCommand(adaptersCmd)
}
