package cmd

import (
	"log"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ecutools/canflash/pkg/uds"
)

var unlockCmd = &cobra.Command{
	Use:   "unlock",
	Short: "perform security access at the given level",
	RunE: func(cmd *cobra.Command, args []string) error {
		level, _ := cmd.Flags().GetUint8("level")
		budget, _ := cmd.Flags().GetInt("try")
		c, cfg, closeFn, err := initClient(cmd)
		if err != nil {
			return err
		}
		defer closeFn()
		ctx := cmd.Context()
		if err := connect(ctx, c); err != nil {
			return err
		}

		reg := newRegistry(cfg)
		if _, known := reg.Lookup(cfg.kind(), uds.SecurityLevel(level)); !known && budget > 0 {
			log.Printf("no algorithm for %s level %d, trying %d known shapes", cfg.ECU, level, budget)
			attempts, err := reg.TryUnlock(ctx, c, cfg.kind(), uds.SecurityLevel(level), budget)
			if err != nil {
				return err
			}
			log.Println(color.GreenString("unlocked after %d attempts 🥳", attempts))
			return nil
		}
		if err := reg.Unlock(ctx, c, cfg.kind(), uds.SecurityLevel(level)); err != nil {
			return err
		}
		log.Println(color.GreenString("security access granted 🥳"))
		return nil
	},
}

func init() {
	unlockCmd.Flags().Uint8("level", 1, "security level to unlock")
	unlockCmd.Flags().Int("try", 0, "attempt budget for unknown algorithms, 0 = off")
	rootCmd.AddCommand(unlockCmd)
}
