package cmd

import (
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ecutools/canflash/pkg/patch"
	"github.com/ecutools/canflash/pkg/uds"
)

var patchCmd = &cobra.Command{
	Use:   "patch",
	Short: "build and trial calibration patches",
}

// ChangeConfig is one map change in the yaml patch description; byte values
// are hex strings.
type ChangeConfig struct {
	Address  uint32 `yaml:"address"`
	Original string `yaml:"original"`
	New      string `yaml:"new"`
	Category string `yaml:"category"`
}

type ChecksumConfig struct {
	Name        string `yaml:"name"`
	Kind        string `yaml:"kind"`
	RangeStart  uint32 `yaml:"range_start"`
	RangeLength uint32 `yaml:"range_length"`
	Store       uint32 `yaml:"store"`
	Poly        uint32 `yaml:"poly"`
	Init        uint32 `yaml:"init"`
	XorOut      uint32 `yaml:"xor_out"`
}

type PatchFile struct {
	Changes   []ChangeConfig   `yaml:"changes"`
	Checksums []ChecksumConfig `yaml:"checksums"`
}

func loadPatchFile(path string) (*PatchFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	pf := &PatchFile{}
	if err := yaml.Unmarshal(data, pf); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return pf, nil
}

func (pf *PatchFile) changes() ([]patch.MapChange, error) {
	out := make([]patch.MapChange, 0, len(pf.Changes))
	for i, ch := range pf.Changes {
		newBytes, err := hex.DecodeString(ch.New)
		if err != nil {
			return nil, fmt.Errorf("change %d: new: %w", i, err)
		}
		var original []byte
		if ch.Original != "" {
			if original, err = hex.DecodeString(ch.Original); err != nil {
				return nil, fmt.Errorf("change %d: original: %w", i, err)
			}
		}
		out = append(out, patch.MapChange{
			Address:  ch.Address,
			Original: original,
			New:      newBytes,
			Category: patch.Category(ch.Category),
		})
	}
	return out, nil
}

func (pf *PatchFile) descriptors() ([]patch.ChecksumDescriptor, error) {
	out := make([]patch.ChecksumDescriptor, 0, len(pf.Checksums))
	for _, cs := range pf.Checksums {
		var kind patch.ChecksumKind
		switch strings.ToLower(cs.Kind) {
		case "additive16", "additive":
			kind = patch.ChecksumAdditive16
		case "crc16":
			kind = patch.ChecksumCRC16
		case "crc32":
			kind = patch.ChecksumCRC32
		default:
			return nil, fmt.Errorf("checksum %s: unknown kind %q", cs.Name, cs.Kind)
		}
		out = append(out, patch.ChecksumDescriptor{
			Name:         cs.Name,
			Kind:         kind,
			RangeStart:   cs.RangeStart,
			RangeLength:  cs.RangeLength,
			StoreAddress: cs.Store,
			Poly:         cs.Poly,
			Init:         cs.Init,
			XorOut:       cs.XorOut,
		})
	}
	return out, nil
}

var patchBuildCmd = &cobra.Command{
	Use:   "build <base.bin> <patch.yaml> <out.bin>",
	Short: "apply a patch description to an image and fix its checksums",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		base, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		pf, err := loadPatchFile(args[1])
		if err != nil {
			return err
		}
		changes, err := pf.changes()
		if err != nil {
			return err
		}
		descriptors, err := pf.descriptors()
		if err != nil {
			return err
		}

		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		result, err := patch.BuildPatch(base, changes, descriptors)
		if err != nil {
			return err
		}
		v := patch.Validate(result, cfg.limits())
		for _, violation := range v.Violations {
			log.Println(color.RedString("%s", violation))
		}
		log.Printf("risk score %.2f, %d checksums recomputed: %v", v.RiskScore, len(result.Recomputed), result.Recomputed)
		force, _ := cmd.Flags().GetBool("force")
		if !v.Valid && !force {
			return fmt.Errorf("patch violates safety limits, use --force to write anyway")
		}
		if err := os.WriteFile(args[2], result.Image, 0o644); err != nil {
			return err
		}
		log.Printf("wrote %d bytes to %s", len(result.Image), args[2])
		return nil
	},
}

var patchLiveCmd = &cobra.Command{
	Use:   "live <patch.yaml>",
	Short: "trial a patch in ECU memory with automatic revert",
	Long: `Write the patch straight into the running ECU and keep it only after
confirmation. Without confirmation the original bytes are restored when the
timeout expires.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		timeout, _ := cmd.Flags().GetDuration("timeout")
		level, _ := cmd.Flags().GetUint8("level")
		pf, err := loadPatchFile(args[0])
		if err != nil {
			return err
		}
		changes, err := pf.changes()
		if err != nil {
			return err
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
		if level > 0 {
			if err := newRegistry(cfg).Unlock(ctx, c, cfg.kind(), uds.SecurityLevel(level)); err != nil {
				return err
			}
		}
		stop := c.StartTesterPresent(ctx, testerPresentInterval)
		defer stop()

		applier := patch.NewApplier(c, cfg.regions())
		session, err := applier.Apply(ctx, changes, timeout)
		if err != nil {
			return err
		}
		log.Printf("%d changes applied, auto-revert in %s", len(session.Applied()), timeout)

		if yesNo("Keep the applied changes?") {
			if err := session.Confirm(); err != nil {
				return err
			}
			log.Println(color.GreenString("changes confirmed"))
			return nil
		}
		if err := session.Revert(ctx); err != nil && err != patch.ErrSessionDone {
			return err
		}
		log.Println("changes reverted")
		return nil
	},
}

func init() {
	patchBuildCmd.Flags().Bool("force", false, "write the output even when safety limits are violated")
	patchLiveCmd.Flags().Duration("timeout", 30*time.Second, "automatic revert deadline")
	patchLiveCmd.Flags().Uint8("level", 1, "unlock this security level first, 0 = skip")
	patchCmd.AddCommand(patchBuildCmd)
	patchCmd.AddCommand(patchLiveCmd)
	rootCmd.AddCommand(patchCmd)
}
