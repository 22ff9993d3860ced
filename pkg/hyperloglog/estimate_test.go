package hyperloglog

import (
	"fmt"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func relativeError(estimate uint64, actual int) float64 {
	return math.Abs(float64(estimate)-float64(actual)) / float64(actual)
}

func TestAlpha(t *testing.T) {
	assert.Equal(t, 0.673, alpha(16))
	assert.Equal(t, 0.697, alpha(32))
	assert.Equal(t, 0.709, alpha(64))
	assert.InDelta(t, 0.7213/(1+1.079/16384), alpha(16384), 1e-12)
}

func TestEmptyCount(t *testing.T) {
	for _, v := range []Variant{Classic, PlusPlus} {
		h, err := NewWithConfig(DefaultConfig(v))
		require.NoError(t, err)
		assert.Equal(t, uint64(0), h.Count(), v.String())
		assert.Zero(t, h.CountWeighted(), v.String())
	}
}

func TestAddAndCount(t *testing.T) {
	tests := []struct {
		name        string
		count       int
		maxErrorPct float64
	}{
		{"100 unique", 100, 10.0}, // Small counts have higher relative error
		{"1000 unique", 1000, 5.0},
		{"10000 unique", 10000, 5.0},
		{"100000 unique", 100000, 5.0},
		{"1000000 unique", 1000000, 10.0},
	}

	for _, v := range []Variant{Classic, PlusPlus} {
		for _, tt := range tests {
			t.Run(v.String()+"/"+tt.name, func(t *testing.T) {
				if testing.Short() && tt.count > 100000 {
					t.Skip("skipping large cardinality in short mode")
				}
				hll, err := NewWithConfig(DefaultConfig(v))
				require.NoError(t, err)

				for i := 0; i < tt.count; i++ {
					hll.Add(fmt.Sprintf("value_%d", i))
				}

				estimate := hll.Count()
				errorPct := relativeError(estimate, tt.count) * 100

				t.Logf("Actual: %d, Estimate: %d, Error: %.2f%%", tt.count, estimate, errorPct)

				if errorPct > tt.maxErrorPct {
					t.Errorf("Error %.2f%% exceeds maximum %.2f%%", errorPct, tt.maxErrorPct)
				}
			})
		}
	}
}

// TestPrecisionSweep checks the error against a multiple of the theoretical
// standard error 1.04/sqrt(m) across precisions.
func TestPrecisionSweep(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping precision sweep in short mode")
	}

	const n = 100000
	for _, v := range []Variant{Classic, PlusPlus} {
		for p := uint8(10); p <= 16; p++ {
			t.Run(fmt.Sprintf("%s/p%d", v, p), func(t *testing.T) {
				cfg := DefaultConfig(v)
				cfg.Precision = p
				hll, err := NewWithConfig(cfg)
				require.NoError(t, err)

				for i := 0; i < n; i++ {
					hll.Add(fmt.Sprintf("sweep_%d", i))
				}

				stdErr := 1.04 / math.Sqrt(float64(hll.M()))
				limit := math.Max(5*stdErr, 0.05)
				got := relativeError(hll.Count(), n)
				t.Logf("p=%d m=%d estimate=%d error=%.3f%% limit=%.3f%%", p, hll.M(), hll.Count(), got*100, limit*100)
				assert.LessOrEqual(t, got, limit)
			})
		}
	}
}

func TestClassicSmallRange(t *testing.T) {
	regs := make([]uint8, 16)
	regs[0], regs[1], regs[2] = 1, 2, 1
	h, err := FromRegisters(Config{Variant: Classic}, regs)
	require.NoError(t, err)

	// raw estimate is far below 2.5m, so linear counting applies
	assert.InDelta(t, 16*math.Log(16.0/13.0), h.Estimate(Distinct), 1e-9)
}

func TestClassicNoZerosFallsThrough(t *testing.T) {
	regs := make([]uint8, 16)
	for i := range regs {
		regs[i] = 1
	}
	h, err := FromRegisters(Config{Variant: Classic}, regs)
	require.NoError(t, err)

	raw := 0.673 * 16 * 16 / (16 * 0.5)
	assert.InDelta(t, raw, h.Estimate(Distinct), 1e-9)
}

func TestClassicLargeRangeCorrection(t *testing.T) {
	regs := make([]uint8, 16)
	for i := range regs {
		regs[i] = 25
	}
	h, err := FromRegisters(Config{Variant: Classic}, regs)
	require.NoError(t, err)

	raw := 0.673 * 16 * math.Exp2(25)
	require.Greater(t, raw, math.Exp2(32)/30)

	want := -math.Exp2(32) * math.Log(1-raw/math.Exp2(32))
	assert.InDelta(t, want, h.Estimate(Distinct), 1)
	assert.Greater(t, h.Estimate(Distinct), raw)
}

func TestClassicSaturatedIsFinite(t *testing.T) {
	for p := uint8(4); p <= 16; p++ {
		regs := make([]uint8, 1<<p)
		for i := range regs {
			regs[i] = 32 - p
		}
		h, err := FromRegisters(Config{Variant: Classic}, regs)
		require.NoError(t, err)
		est := h.Estimate(Distinct)
		assert.False(t, math.IsNaN(est) || math.IsInf(est, 0), "p=%d estimate %v", p, est)
	}
}

func TestPlusPlusLinearCountingThreshold(t *testing.T) {
	h, err := NewPlusPlus(14)
	require.NoError(t, err)
	for i := 0; i < 5000; i++ {
		h.Add(fmt.Sprintf("lc_%d", i))
	}

	hist := h.histogram()
	m := float64(h.M())
	lc := linearCounting(m, float64(hist[0]))
	require.LessOrEqual(t, lc, linearCountingThreshold[14-minPrecision])
	assert.Equal(t, lc, h.Estimate(Distinct))
}

func TestPlusPlusSaturated(t *testing.T) {
	regs := make([]uint8, 16)
	for i := range regs {
		regs[i] = 60
	}
	h, err := FromRegisters(Config{Variant: PlusPlus}, regs)
	require.NoError(t, err)
	assert.True(t, math.IsInf(h.Estimate(Distinct), 1))
	assert.Equal(t, uint64(math.MaxUint64), h.Count())
	assert.True(t, math.IsInf(h.Estimate(Weighted), 1))
	assert.Equal(t, MaxEstimate, h.CountWeighted())
}

func TestSigmaTau(t *testing.T) {
	assert.True(t, math.IsInf(sigma(1), 1))
	assert.Zero(t, sigma(0))
	assert.Zero(t, tau(0))
	assert.Zero(t, tau(1))
	assert.Greater(t, tau(0.5), 0.0)
	// sigma(x) = x + sum_k x^(2^k) 2^(k-1)
	assert.InDelta(t, 0.5+0.25+2*0.0625+4*math.Pow(0.5, 8)+8*math.Pow(0.5, 16), sigma(0.5), 1e-6)
}

func TestWeightedAccuracy(t *testing.T) {
	tests := []struct {
		name  string
		n     int
		scale float64
		// weight draws one weight per element
		weight func(*rand.Rand) float64
	}{
		{
			name:   "log-uniform weights",
			n:      20000,
			weight: func(r *rand.Rand) float64 { return math.Exp2(r.Float64()*8 - 2) },
		},
		{
			name:   "unit weights with unit scale",
			n:      50000,
			scale:  1,
			weight: func(*rand.Rand) float64 { return 1 },
		},
		{
			name:   "power of two weights with unit scale",
			n:      30000,
			scale:  1,
			weight: func(r *rand.Rand) float64 { return math.Exp2(float64(r.Intn(10) - 3)) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, err := NewWithConfig(Config{Precision: 14, Variant: PlusPlus, WeightedScale: tt.scale})
			require.NoError(t, err)

			rng := rand.New(rand.NewSource(42))
			total := 0.0
			for i := 0; i < tt.n; i++ {
				w := tt.weight(rng)
				total += w
				require.NoError(t, h.UpdateWeighted([]byte(fmt.Sprintf("weighted_%d", i)), w))
			}

			got := h.CountWeighted()
			relErr := math.Abs(got-total) / total
			t.Logf("true=%.1f estimate=%.1f error=%.2f%%", total, got, relErr*100)
			assert.Less(t, relErr, 0.05)
		})
	}
}

// Same stream shape as sketchctl bench: size draws from [1, size], each
// distinct value keeps the square of a uniform(0.1, 15) weight.
func TestWeightedAccuracyAcrossPrecisions(t *testing.T) {
	const size = 100000

	for p := uint8(10); p <= 16; p += 2 {
		for seed := int64(1); seed <= 3; seed++ {
			t.Run(fmt.Sprintf("p=%d/seed=%d", p, seed), func(t *testing.T) {
				weighted, err := NewPlusPlus(p)
				require.NoError(t, err)
				plain, err := NewPlusPlus(p)
				require.NoError(t, err)

				rng := rand.New(rand.NewSource(seed))
				weights := make(map[int]float64, size)
				for i := 0; i < size; i++ {
					n := rng.Intn(size) + 1
					w, ok := weights[n]
					if !ok {
						u := 0.1 + rng.Float64()*14.9
						w = u * u
						weights[n] = w
					}
					v := []byte(fmt.Sprintf("a-%d-%d", n, n))
					plain.Update(v)
					require.NoError(t, weighted.UpdateWeighted(v, w))
				}

				total := 0.0
				for _, w := range weights {
					total += w
				}

				weightedErr := math.Abs(weighted.CountWeighted()-total) / total
				plainErr := relativeError(plain.Count(), len(weights))
				t.Logf("weighted error=%.2f%% distinct error=%.2f%%", weightedErr*100, plainErr*100)

				// Flooring log2(w) leaves a bias of a few percent that depends on
				// how weights spread inside each octave; the rest is the
				// usual 1.04/sqrt(m) noise.
				stdErr := 1.04 / math.Sqrt(float64(uint32(1)<<p))
				assert.Less(t, weightedErr, 3*stdErr+0.035)
			})
		}
	}
}

func TestWeightedEstimateGrowsWithWeight(t *testing.T) {
	light, err := NewPlusPlus(12)
	require.NoError(t, err)
	heavy, err := NewPlusPlus(12)
	require.NoError(t, err)

	for i := 0; i < 5000; i++ {
		v := []byte(fmt.Sprintf("item_%d", i))
		require.NoError(t, light.UpdateWeighted(v, 1))
		require.NoError(t, heavy.UpdateWeighted(v, 16))
	}

	// A weight of 16 lifts every occupied register by exactly four levels.
	ratio := heavy.CountWeighted() / light.CountWeighted()
	assert.InDelta(t, 16, ratio, 0.5)
}

func TestWeightedEstimateSmallStreams(t *testing.T) {
	for _, n := range []int{1, 10, 100} {
		h, err := NewWithConfig(Config{Precision: 10, Variant: PlusPlus, WeightedScale: 1})
		require.NoError(t, err)
		for i := 0; i < n; i++ {
			require.NoError(t, h.UpdateWeighted([]byte(fmt.Sprintf("small_%d", i)), 1))
		}
		assert.InDelta(t, float64(n), h.CountWeighted(), math.Max(1, 0.1*float64(n)), "n=%d", n)
	}
}

func TestWeightedLevelsPickUnbiasedLevel(t *testing.T) {
	// Sparse sketch with one dominant weight class: low levels undercount the
	// heavy elements and must be skipped.
	h, err := NewWithConfig(Config{Precision: 16, Variant: PlusPlus, WeightedScale: 1})
	require.NoError(t, err)

	total := 0.0
	for i := 0; i < 20000; i++ {
		w := 1.0
		if i%4 == 0 {
			w = 128
		}
		total += w
		require.NoError(t, h.UpdateWeighted([]byte(fmt.Sprintf("sparse_%d", i)), w))
	}

	levels := weightedLevels(h.histogram(), float64(h.M()))
	require.NotEmpty(t, levels)
	assert.Less(t, levels[0].mass, 0.5*total, "level 1 caps heavy elements")

	got := h.CountWeighted()
	assert.InDelta(t, total, got, 0.05*total)
}

func BenchmarkCount(b *testing.B) {
	for _, v := range []Variant{Classic, PlusPlus} {
		b.Run(v.String(), func(b *testing.B) {
			hll, _ := NewWithConfig(DefaultConfig(v))
			for i := 0; i < 10000; i++ {
				hll.Add(fmt.Sprintf("value_%d", i))
			}

			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				_ = hll.Count()
			}
		})
	}
}
