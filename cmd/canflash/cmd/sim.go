package cmd

import (
	"log"
	"math/rand"

	"github.com/fatih/color"
	ansi "github.com/k0kubun/go-ansi"
	"github.com/spf13/cobra"

	"github.com/ecutools/canflash"
	"github.com/ecutools/canflash/adapter"
	"github.com/ecutools/canflash/pkg/ecusim"
	"github.com/ecutools/canflash/pkg/flasher"
	"github.com/ecutools/canflash/pkg/isotp"
	"github.com/ecutools/canflash/pkg/security"
	"github.com/ecutools/canflash/pkg/uds"
)

// simCmd runs the whole stack against an in-process ECU, no hardware needed.
// Handy for demos and for sanity-checking a setup before touching a car.
var simCmd = &cobra.Command{
	Use:   "sim",
	Short: "flash a random image into a simulated ECU",
	RunE: func(cmd *cobra.Command, args []string) error {
		size, _ := cmd.Flags().GetInt("size")

		bootKey := func(seed []byte) []byte {
			key, err := (security.ShiftXorSub{XOR: 0x4081, Sub: 0x1F6F}).ComputeKey(seed)
			if err != nil {
				panic(err)
			}
			return key
		}
		ecu := ecusim.New(0x7E0, 0x7E8,
			ecusim.WithMemory(0, make([]byte, size)),
			ecusim.WithWriteSecurityLevel(2),
			ecusim.WithKeyFunc(bootKey),
			ecusim.WithDID(0xF190, []byte("YS3FB45S231234567")),
		)
		dev := adapter.NewVirtual(&canflash.AdapterConfig{}, ecu.Responder())
		c, err := canflash.NewClient(cmd.Context(), dev)
		if err != nil {
			return err
		}
		defer c.Close()
		client := uds.New(isotp.New(c, isotp.Session{TxID: 0x7E0, RxID: 0x7E8}))

		ctx := cmd.Context()
		if err := connect(ctx, client); err != nil {
			return err
		}
		vin, err := client.ReadDataByIdentifier(ctx, 0xF190)
		if err != nil {
			return err
		}
		log.Printf("%s %s", color.CyanString("VIN:"), vin)

		image := make([]byte, size)
		rand.Read(image)
		f := flasher.New(client, security.NewRegistry(), security.KindTrionic7,
			flasher.WithProgress(ansi.NewAnsiStdout()))
		if err := f.Flash(ctx, image, 0, 128); err != nil {
			f.Abort(ctx)
			return err
		}
		log.Println(color.GreenString("simulated flash completed and verified 🥳🎉"))
		return nil
	},
}

func init() {
	simCmd.Flags().Int("size", 0x4000, "simulated flash size in bytes")
	rootCmd.AddCommand(simCmd)
}
