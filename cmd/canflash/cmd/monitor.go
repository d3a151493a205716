package cmd

import (
	"log"

	"github.com/spf13/cobra"

	"github.com/ecutools/canflash"
	"github.com/ecutools/canflash/adapter"
)

// monitorCmd subscribes without identifiers so every frame on the bus is
// delivered, not just the configured diagnostic pair.
var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "print every frame seen on the bus",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		debug, _ := cmd.Flags().GetBool(flagDebug)
		dev, err := adapter.New(cfg.Adapter, &canflash.AdapterConfig{
			Port:         cfg.Port,
			PortBaudrate: cfg.Baudrate,
			CANRate:      cfg.CANRate,
			Debug:        debug,
			OnError: func(err error) {
				log.Println(err)
			},
		})
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		c, err := canflash.NewClient(ctx, dev)
		if err != nil {
			return err
		}
		defer c.Close()

		sub := c.Subscribe(ctx)
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return nil
			case frame := <-sub.Chan():
				log.Println(frame.ColorString())
			}
		}
	},
}

func init() {
	rootCmd.AddCommand(monitorCmd)
}
