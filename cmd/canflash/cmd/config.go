package cmd

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ecutools/canflash"
	"github.com/ecutools/canflash/adapter"
	"github.com/ecutools/canflash/pkg/isotp"
	"github.com/ecutools/canflash/pkg/patch"
	"github.com/ecutools/canflash/pkg/security"
	"github.com/ecutools/canflash/pkg/uds"
)

// keep-alive cadence while an elevated session is held open
const testerPresentInterval = 2 * time.Second

// Config mirrors the yaml file. Values left empty in the file fall back to
// the command line flags.
type Config struct {
	Adapter  string                 `yaml:"adapter"`
	Port     string                 `yaml:"port"`
	Baudrate int                    `yaml:"baudrate"`
	CANRate  float64                `yaml:"canrate"`
	TxID     uint32                 `yaml:"txid"`
	RxID     uint32                 `yaml:"rxid"`
	ECU      string                 `yaml:"ecu"`
	VIN      string                 `yaml:"vin"`
	Regions  []RegionConfig         `yaml:"regions"`
	Limits   map[string]LimitConfig `yaml:"limits"`
}

type RegionConfig struct {
	Name        string `yaml:"name"`
	Base        uint32 `yaml:"base"`
	Length      uint32 `yaml:"length"`
	Description string `yaml:"description"`
	MinLevel    uint8  `yaml:"min_level"`
	Writable    bool   `yaml:"writable"`
}

type LimitConfig struct {
	Min byte `yaml:"min"`
	Max byte `yaml:"max"`
}

func loadConfig(cmd *cobra.Command) (*Config, error) {
	cfg := &Config{}
	if path, _ := cmd.Flags().GetString(flagConfig); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	if cfg.Adapter == "" {
		cfg.Adapter, _ = cmd.Flags().GetString(flagAdapter)
	}
	if cfg.Port == "" {
		cfg.Port, _ = cmd.Flags().GetString(flagPort)
	}
	if cfg.Baudrate == 0 {
		cfg.Baudrate, _ = cmd.Flags().GetInt(flagBaudrate)
	}
	if cfg.CANRate == 0 {
		cfg.CANRate, _ = cmd.Flags().GetFloat64(flagCANRate)
	}
	if cfg.TxID == 0 {
		cfg.TxID, _ = cmd.Flags().GetUint32(flagTxID)
	}
	if cfg.RxID == 0 {
		cfg.RxID, _ = cmd.Flags().GetUint32(flagRxID)
	}
	if cfg.ECU == "" {
		cfg.ECU, _ = cmd.Flags().GetString(flagECU)
	}
	return cfg, nil
}

func (c *Config) kind() security.ECUKind {
	return security.ECUKind(c.ECU)
}

func (c *Config) regions() []patch.MemoryRegion {
	out := make([]patch.MemoryRegion, 0, len(c.Regions))
	for _, r := range c.Regions {
		out = append(out, patch.MemoryRegion{
			Name:        r.Name,
			Base:        r.Base,
			Length:      r.Length,
			Description: r.Description,
			MinLevel:    uds.SecurityLevel(r.MinLevel),
			Writable:    r.Writable,
		})
	}
	return out
}

func (c *Config) limits() patch.SafetyLimits {
	out := make(patch.SafetyLimits, len(c.Limits))
	for category, l := range c.Limits {
		out[patch.Category(category)] = patch.Limit{Min: l.Min, Max: l.Max}
	}
	return out
}

// newRegistry preloads the stock algorithms; a configured VIN additionally
// binds the blowfish transform to level 3.
func newRegistry(cfg *Config) *security.Registry {
	r := security.NewRegistry()
	if cfg.VIN != "" {
		r.Register(cfg.kind(), uds.Level3, security.VINDerived{VIN: cfg.VIN})
	}
	return r
}

// initClient opens the configured adapter and stacks the segmented transport
// and diagnostic client on top of it.
func initClient(cmd *cobra.Command) (*uds.Client, *Config, func(), error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, nil, err
	}
	debug, _ := cmd.Flags().GetBool(flagDebug)
	dev, err := adapter.New(cfg.Adapter, &canflash.AdapterConfig{
		Port:         cfg.Port,
		PortBaudrate: cfg.Baudrate,
		CANRate:      cfg.CANRate,
		CANFilter:    []uint32{cfg.RxID},
		Debug:        debug,
		OnError: func(err error) {
			log.Println(err)
		},
	})
	if err != nil {
		return nil, nil, nil, err
	}
	c, err := canflash.NewClient(cmd.Context(), dev)
	if err != nil {
		return nil, nil, nil, err
	}
	tp := isotp.New(c, isotp.Session{TxID: cfg.TxID, RxID: cfg.RxID}, isotp.WithPadding(0x00))
	return uds.New(tp), cfg, func() { c.Close() }, nil
}

func yesNo(label string) bool {
	prompt := promptui.Select{
		Label:    label + " [Yes/No]",
		HideHelp: true,
		Items:    []string{"Yes", "No"},
	}
	_, result, err := prompt.Run()
	if err != nil {
		log.Fatalf("prompt failed: %v", err)
	}
	return result == "Yes"
}
