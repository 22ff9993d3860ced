package main

import (
	"fmt"
	"math"
	"math/big"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/fidde/cardinality_sketch/pkg/hyperloglog"
)

func inspectCmd(flags *sketchFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <file>...",
		Short: "Show precision, size and estimates of sketch files",
		Long: `Show precision, size and estimates of sketch files.

Examples:
  sketchctl inspect users.hll
  sketchctl --variant classic --hash murmur3 inspect a.hll b.hll
  curl -s localhost:8080/api/v1/sketches/users/raw | sketchctl inspect -
`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tbl := table.NewWriter()
			tbl.SetStyle(table.StyleLight)
			tbl.AppendHeader(table.Row{"File", "Variant", "P", "Registers", "Used", "Size", "Distinct", "Weighted"})

			for _, path := range args {
				h, err := loadSketch(cmd, flags, path)
				if err != nil {
					return err
				}
				weighted := "-"
				if h.Variant() == hyperloglog.PlusPlus {
					weighted = humanize.CommafWithDigits(h.CountWeighted(), 1)
				}
				tbl.AppendRow(table.Row{
					path,
					h.Variant(),
					h.Precision(),
					humanize.Comma(int64(h.M())),
					usedRegisters(h),
					humanize.Bytes(uint64(h.ByteSize())),
					comma(h.Count()),
					weighted,
				})
			}

			fmt.Fprintln(cmd.OutOrStdout(), tbl.Render())
			return nil
		},
	}
}

// comma formats n with thousands separators; saturated sketches count
// math.MaxUint64, which does not fit humanize.Comma's int64.
func comma(n uint64) string {
	if n <= math.MaxInt64 {
		return humanize.Comma(int64(n))
	}
	return humanize.BigComma(new(big.Int).SetUint64(n))
}

func usedRegisters(h *hyperloglog.HyperLogLog) int {
	n := 0
	for _, r := range h.Registers() {
		if r != 0 {
			n++
		}
	}
	return n
}

func countCmd(flags *sketchFlags) *cobra.Command {
	var weighted bool

	cmd := &cobra.Command{
		Use:   "count <file>",
		Short: "Print the estimated cardinality of a sketch file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := loadSketch(cmd, flags, args[0])
			if err != nil {
				return err
			}
			if weighted {
				if h.Variant() != hyperloglog.PlusPlus {
					return hyperloglog.ErrWeightedUnsupported
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%.2f\n", h.CountWeighted())
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), h.Count())
			return nil
		},
	}

	cmd.Flags().BoolVarP(&weighted, "weighted", "w", false, "estimate the sum of weights instead of the distinct count")
	return cmd
}

func mergeCmd(flags *sketchFlags) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "merge <dst> <src>...",
		Short: "Merge source sketches into the destination file",
		Long: `Merge source sketches into the destination file. The destination is
rewritten in place unless --output is given.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			sketches, err := loadSketches(cmd, flags, args)
			if err != nil {
				return err
			}
			dst := sketches[0]
			for i, src := range sketches[1:] {
				if err := dst.Merge(src); err != nil {
					return fmt.Errorf("merging %s: %w", args[i+1], err)
				}
			}

			target := args[0]
			if output != "" {
				target = output
			}
			if target == "-" {
				return fmt.Errorf("cannot write merged sketch to stdin; use --output")
			}
			if err := writeSketch(target, dst); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "merged %d sketches into %s (estimate %s)\n",
				len(args)-1, target, comma(dst.Count()))
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "write the result here instead of the destination")
	return cmd
}

func unionCmd(flags *sketchFlags) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "union <file>...",
		Short: "Estimate the cardinality of the union of sketch files",
		Long: `Estimate the cardinality of the union of sketch files without modifying
them. With --output the union sketch is written to a new file.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sketches, err := loadSketches(cmd, flags, args)
			if err != nil {
				return err
			}
			u, err := hyperloglog.Union(sketches...)
			if err != nil {
				return err
			}
			if output != "" {
				if err := writeSketch(output, u); err != nil {
					return err
				}
			}
			fmt.Fprintln(cmd.OutOrStdout(), u.Count())
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "also write the union sketch to this file")
	return cmd
}
