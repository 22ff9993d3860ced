package main

import (
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/fidde/cardinality_sketch/pkg/hyperloglog"
)

type benchOptions struct {
	size       int
	seed       uint64
	minP, maxP uint8
	weightLow  float64
	weightHigh float64
}

// benchResult is the accuracy of one precision.
type benchResult struct {
	P          uint8
	Distinct   int
	Unweighted float64
	Weighted   float64
	Duration   time.Duration
}

// expectedError is the HLL standard error 1.04/sqrt(m).
func expectedError(p uint8) float64 {
	return 1.04 / math.Sqrt(float64(uint32(1)<<p))
}

func benchValue(i int) []byte {
	s := strconv.Itoa(i)
	return []byte("a-" + s + "-" + s)
}

// runAccuracy draws size values uniformly from [1, size] (so roughly 63% are
// distinct) and reports the relative error of both estimation modes. Each
// distinct value keeps the first weight drawn for it.
func runAccuracy(opts benchOptions, p uint8) (benchResult, error) {
	start := time.Now()

	plain, err := hyperloglog.NewPlusPlus(p)
	if err != nil {
		return benchResult{}, err
	}
	weighted, err := hyperloglog.NewPlusPlus(p)
	if err != nil {
		return benchResult{}, err
	}

	rng := rand.New(rand.NewPCG(opts.seed, uint64(p)))
	weights := make(map[int]float64, opts.size)

	for range opts.size {
		n := rng.IntN(opts.size) + 1
		v := benchValue(n)

		w, ok := weights[n]
		if !ok {
			u := opts.weightLow + rng.Float64()*(opts.weightHigh-opts.weightLow)
			w = u * u
			weights[n] = w
		}

		plain.Update(v)
		if err := weighted.UpdateWeighted(v, w); err != nil {
			return benchResult{}, err
		}
	}

	var total float64
	for _, w := range weights {
		total += w
	}
	distinct := float64(len(weights))

	return benchResult{
		P:          p,
		Distinct:   len(weights),
		Unweighted: math.Abs(distinct-plain.Estimate(hyperloglog.Distinct)) / distinct,
		Weighted:   math.Abs(total-weighted.Estimate(hyperloglog.Weighted)) / total,
		Duration:   time.Since(start),
	}, nil
}

func runBench(opts benchOptions) ([]benchResult, error) {
	if opts.size <= 0 {
		return nil, fmt.Errorf("size must be positive, got %d", opts.size)
	}
	if opts.minP > opts.maxP {
		return nil, fmt.Errorf("min-p %d is above max-p %d", opts.minP, opts.maxP)
	}
	if opts.weightLow <= 0 || opts.weightHigh < opts.weightLow {
		return nil, fmt.Errorf("invalid weight range [%v, %v]", opts.weightLow, opts.weightHigh)
	}

	results := make([]benchResult, 0, int(opts.maxP-opts.minP)+1)
	for p := opts.minP; p <= opts.maxP; p++ {
		r, err := runAccuracy(opts, p)
		if err != nil {
			return nil, fmt.Errorf("p=%d: %w", p, err)
		}
		results = append(results, r)
	}
	return results, nil
}

// colorError paints an error rate by how it compares to the expected
// standard error of the precision.
func colorError(rate float64, p uint8) string {
	s := fmt.Sprintf("%.4f", rate)
	expected := expectedError(p)
	switch {
	case rate <= expected:
		return color.GreenString(s)
	case rate <= 3*expected:
		return color.YellowString(s)
	default:
		return color.RedString(s)
	}
}

func renderBench(w io.Writer, opts benchOptions, results []benchResult) {
	tbl := table.NewWriter()
	tbl.SetStyle(table.StyleLight)
	tbl.AppendHeader(table.Row{"P", "Registers", "Expected", "Unweighted err", "Weighted err", "Time"})

	for _, r := range results {
		tbl.AppendRow(table.Row{
			r.P,
			humanize.Comma(int64(1) << r.P),
			fmt.Sprintf("%.4f", expectedError(r.P)),
			colorError(r.Unweighted, r.P),
			colorError(r.Weighted, r.P),
			r.Duration.Round(time.Millisecond),
		})
	}

	distinct := 0
	if len(results) > 0 {
		distinct = results[0].Distinct
	}
	tbl.AppendFooter(table.Row{"", "", "", fmt.Sprintf("%s updates", humanize.Comma(int64(opts.size))),
		fmt.Sprintf("%s distinct", humanize.Comma(int64(distinct))), ""})

	fmt.Fprintln(w, tbl.Render())
}

func benchCmd() *cobra.Command {
	opts := benchOptions{}
	var minP, maxP uint8

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Measure estimation error across precisions",
		Long: `Measure the relative error of distinct and weighted estimation of the
plusplus variant for each precision in [min-p, max-p]. Weights are the square
of a value drawn uniformly from [weight-low, weight-high].`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts.minP, opts.maxP = minP, maxP
			results, err := runBench(opts)
			if err != nil {
				return err
			}
			renderBench(cmd.OutOrStdout(), opts, results)
			return nil
		},
	}

	cmd.Flags().IntVar(&opts.size, "size", 500000, "number of updates per precision")
	cmd.Flags().Uint64Var(&opts.seed, "seed", 1, "random seed")
	cmd.Flags().Uint8Var(&minP, "min-p", 4, "smallest precision")
	cmd.Flags().Uint8Var(&maxP, "max-p", 16, "largest precision")
	cmd.Flags().Float64Var(&opts.weightLow, "weight-low", 0.1, "lower bound of the weight root")
	cmd.Flags().Float64Var(&opts.weightHigh, "weight-high", 15, "upper bound of the weight root")
	return cmd
}
