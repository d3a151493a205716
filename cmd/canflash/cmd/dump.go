package cmd

import (
	"log"
	"os"
	"path/filepath"

	ansi "github.com/k0kubun/go-ansi"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/ecutools/canflash/pkg/uds"
)

const dumpChunk = 128

var dumpCmd = &cobra.Command{
	Use:   "dump <filename>",
	Short: "read a memory range from the ECU into a file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		address, _ := cmd.Flags().GetUint32("address")
		length, _ := cmd.Flags().GetUint32("length")
		filename := args[0]
		if _, err := os.Stat(filename); err == nil {
			if !yesNo(filepath.Base(filename) + " exists, overwrite?") {
				return nil
			}
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
		level, _ := cmd.Flags().GetUint8("level")
		if level > 0 {
			if err := newRegistry(cfg).Unlock(ctx, c, cfg.kind(), uds.SecurityLevel(level)); err != nil {
				return err
			}
		}
		stop := c.StartTesterPresent(ctx, testerPresentInterval)
		defer stop()

		bar := progressbar.NewOptions(int(length),
			progressbar.OptionSetWriter(ansi.NewAnsiStdout()),
			progressbar.OptionSetDescription("dumping"),
			progressbar.OptionShowBytes(true),
			progressbar.OptionSetWidth(25),
		)
		out := make([]byte, 0, length)
		for off := uint32(0); off < length; off += dumpChunk {
			n := uint32(dumpChunk)
			if off+n > length {
				n = length - off
			}
			chunk, err := c.ReadMemoryByAddress(ctx, address+off, uint16(n))
			if err != nil {
				return err
			}
			out = append(out, chunk...)
			_ = bar.Add(len(chunk))
		}
		if err := os.WriteFile(filename, out, 0o644); err != nil {
			return err
		}
		log.Printf("wrote %d bytes to %s", len(out), filepath.Base(filename))
		return nil
	},
}

func init() {
	dumpCmd.Flags().Uint32("address", 0, "start address")
	dumpCmd.Flags().Uint32("length", 0x40000, "number of bytes to read")
	dumpCmd.Flags().Uint8("level", 0, "unlock this security level first, 0 = skip")
	rootCmd.AddCommand(dumpCmd)
}
