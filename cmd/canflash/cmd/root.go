package cmd

import (
	"context"
	"log"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:          "canflash",
	Short:        "ECU diagnostic and reprogramming tool",
	Long: `Talk UDS over ISO-TP to an ECU: read identification and trouble codes,
unlock security access, dump and flash memory, and build or live-apply
calibration patches.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags
// appropriately. Called once from main.
func Execute(ctx context.Context) {
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

const (
	flagConfig   = "config"
	flagAdapter  = "adapter"
	flagPort     = "port"
	flagBaudrate = "baudrate"
	flagCANRate  = "canrate"
	flagTxID     = "txid"
	flagRxID     = "rxid"
	flagECU      = "ecu"
	flagDebug    = "debug"
)

func init() {
	log.SetFlags(log.Lshortfile | log.LstdFlags)

	pf := rootCmd.PersistentFlags()
	pf.StringP(flagConfig, "c", "", "yaml config file")
	pf.StringP(flagAdapter, "a", "SLCan", "adapter to use")
	pf.StringP(flagPort, "p", "*", "com-port, * = print available")
	pf.IntP(flagBaudrate, "b", 115200, "baudrate")
	pf.Float64P(flagCANRate, "r", 500, "CAN bitrate in kbit/s")
	pf.Uint32(flagTxID, 0x7E0, "tester transmit identifier")
	pf.Uint32(flagRxID, 0x7E8, "ECU response identifier")
	pf.StringP(flagECU, "e", "T7", "ECU kind (T5, T7, T8)")
	pf.BoolP(flagDebug, "d", false, "debug mode")
}
