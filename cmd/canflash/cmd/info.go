package cmd

import (
	"context"
	"log"

	"github.com/avast/retry-go"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ecutools/canflash/pkg/uds"
)

var identificationDIDs = []struct {
	name string
	id   uint16
	bcd  bool
}{
	{"VIN", 0xF190, false},
	{"Hardware part number", 0xF191, false},
	{"Software version", 0xF195, false},
	{"Programming date", 0xF199, true},
	{"Tester fingerprint", 0xF198, false},
}

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "read ECU identification",
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
		for _, d := range identificationDIDs {
			value, err := c.ReadDataByIdentifier(ctx, d.id)
			if uds.IsNegative(err, uds.NRCRequestOutOfRange) {
				continue
			}
			if err != nil {
				return err
			}
			text := printable(value)
			if d.bcd {
				if date, err := uds.DecodeBCDDate(value); err == nil {
					text = date
				} else {
					text = uds.DecodeBCD(value)
				}
			}
			log.Printf("%s %s", color.CyanString("%-22s", d.name+":"), text)
		}
		return nil
	},
}

// connect wakes the ECU up into an extended session; sleepy gateways drop
// the first request so a few attempts are allowed.
func connect(ctx context.Context, c *uds.Client) error {
	return retry.Do(
		func() error {
			return c.DiagnosticSessionControl(ctx, uds.SessionExtended)
		},
		retry.Context(ctx),
		retry.Attempts(5),
		retry.OnRetry(func(n uint, err error) {
			log.Printf("#%d: %s", n, err.Error())
		}),
	)
}

func printable(data []byte) string {
	out := make([]byte, len(data))
	for i, b := range data {
		if b < 0x20 || b > 0x7E {
			b = '.'
		}
		out[i] = b
	}
	return string(out)
}

func init() {
	rootCmd.AddCommand(infoCmd)
}
