package cmd

import (
	"log"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ecutools/canflash/pkg/uds"
)

var dtcCmd = &cobra.Command{
	Use:   "dtc",
	Short: "diagnostic trouble codes",
}

var dtcReadCmd = &cobra.Command{
	Use:   "read",
	Short: "read stored trouble codes",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, _, closeFn, err := initClient(cmd)
		if err != nil {
			return err
		}
		defer closeFn()
		ctx := cmd.Context()
		if err := connect(ctx, c); err != nil {
			return err
		}
		raw, err := c.ReadDTCInformation(ctx, uds.ReportDTCByStatusMask)
		if err != nil {
			return err
		}
		dtcs := uds.DecodeDTCs(raw)
		if len(dtcs) == 0 {
			log.Println(color.GreenString("no trouble codes stored"))
			return nil
		}
		for _, d := range dtcs {
			// bit 0 of the status byte marks an active failure
			if d.Status&0x01 != 0 {
				log.Println(color.RedString("%s", d))
			} else {
				log.Println(color.YellowString("%s", d))
			}
		}
		return nil
	},
}

var dtcClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "erase all stored trouble codes",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !yesNo("Erase all stored trouble codes?") {
			return nil
		}
		c, _, closeFn, err := initClient(cmd)
		if err != nil {
			return err
		}
		defer closeFn()
		ctx := cmd.Context()
		if err := connect(ctx, c); err != nil {
			return err
		}
		if err := c.ClearDiagnosticInformation(ctx); err != nil {
			return err
		}
		log.Println("trouble codes cleared")
		return nil
	},
}

func init() {
	dtcCmd.AddCommand(dtcReadCmd)
	dtcCmd.AddCommand(dtcClearCmd)
	rootCmd.AddCommand(dtcCmd)
}
