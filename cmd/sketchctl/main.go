// Command sketchctl works with serialized sketch buffers offline: inspect,
// count, merge and union files, run the accuracy benchmark and print the
// effective service configuration.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/fidde/cardinality_sketch/pkg/hyperloglog"
)

var version = "dev"

// sketchFlags are shared by every command that decodes buffers.
type sketchFlags struct {
	variant string
	hash    string
}

func (f *sketchFlags) config() (hyperloglog.Config, error) {
	v, err := hyperloglog.ParseVariant(f.variant)
	if err != nil {
		return hyperloglog.Config{}, err
	}
	hash, err := hyperloglog.LookupHash(f.hash, v)
	if err != nil {
		return hyperloglog.Config{}, err
	}
	cfg := hyperloglog.DefaultConfig(v)
	cfg.Precision = 0 // taken from the buffer
	cfg.Hash = hash
	return cfg, nil
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &sketchFlags{}
	var noColor bool

	root := &cobra.Command{
		Use:           "sketchctl",
		Short:         "Inspect and combine serialized HyperLogLog sketches",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			if noColor {
				color.NoColor = true
			}
		},
	}

	root.PersistentFlags().StringVar(&flags.variant, "variant", "plusplus", "sketch variant of the buffers (classic, plusplus)")
	root.PersistentFlags().StringVar(&flags.hash, "hash", "", "hash function the buffers were built with (default: variant default)")
	root.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	root.AddCommand(
		inspectCmd(flags),
		countCmd(flags),
		mergeCmd(flags),
		unionCmd(flags),
		benchCmd(),
		configCmd(),
	)
	return root
}

// readInput reads a file, or stdin when path is "-".
func readInput(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return data, nil
}

func loadSketch(cmd *cobra.Command, flags *sketchFlags, path string) (*hyperloglog.HyperLogLog, error) {
	cfg, err := flags.config()
	if err != nil {
		return nil, err
	}
	data, err := readInput(cmd, path)
	if err != nil {
		return nil, err
	}
	h, err := hyperloglog.FromBytes(cfg, data)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	return h, nil
}

func loadSketches(cmd *cobra.Command, flags *sketchFlags, paths []string) ([]*hyperloglog.HyperLogLog, error) {
	out := make([]*hyperloglog.HyperLogLog, 0, len(paths))
	for _, p := range paths {
		h, err := loadSketch(cmd, flags, p)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, nil
}

func writeSketch(path string, h *hyperloglog.HyperLogLog) error {
	data, err := h.MarshalBinary()
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}
