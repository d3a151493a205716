package cmd

import (
	"log"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	ansi "github.com/k0kubun/go-ansi"
	"github.com/spf13/cobra"

	"github.com/ecutools/canflash/pkg/flasher"
)

var flashCmd = &cobra.Command{
	Use:   "flash <filename>",
	Short: "write a binary image to the ECU",
	Long: `Write a binary image to the ECU.

Enters the programming session, unlocks security access, transfers the image
block by block, verifies the written range and resets the ECU. A rejected
block aborts the whole transfer; restart to retry.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		address, _ := cmd.Flags().GetUint32("address")
		blockSize, _ := cmd.Flags().GetInt("blocksize")
		filename := args[0]
		image, err := os.ReadFile(filename)
		if err != nil {
			return err
		}
		log.Printf("loaded %d bytes from %s", len(image), filepath.Base(filename))

		if !yesNo("Flash " + filepath.Base(filename) + "?") {
			return nil
		}
		if !yesNo("Are you sure?") {
			return nil
		}

		c, cfg, closeFn, err := initClient(cmd)
		if err != nil {
			return err
		}
		defer closeFn()
		ctx := cmd.Context()
		if err := connect(ctx, c); err != nil {
			return err
		}
		stop := c.StartTesterPresent(ctx, testerPresentInterval)
		defer stop()

		f := flasher.New(c, newRegistry(cfg), cfg.kind(),
			flasher.WithProgress(ansi.NewAnsiStdout()))
		if err := f.Flash(ctx, image, address, blockSize); err != nil {
			log.Println(color.RedString("flash failed in state %s: %v", f.State(), err))
			f.Abort(ctx)
			return err
		}
		log.Println(color.GreenString("flash completed and verified 🥳🎉"))
		return nil
	},
}

func init() {
	flashCmd.Flags().Uint32("address", 0, "target start address")
	flashCmd.Flags().Int("blocksize", 128, "bytes per transfer block")
	rootCmd.AddCommand(flashCmd)
}
