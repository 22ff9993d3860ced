package hyperloglog

import "math"

// EstimateMode selects what Estimate approximates.
type EstimateMode uint8

const (
	// Distinct estimates the number of distinct elements.
	Distinct EstimateMode = iota

	// Weighted estimates the sum of weights of distinct elements. PlusPlus only.
	Weighted
)

var twoTo32 = math.Exp2(32)

// MaxEstimate caps Count and CountWeighted. A saturated sketch, with every
// register at its maximum rank, estimates +Inf in Estimate.
const MaxEstimate float64 = math.MaxUint64

// alphaInf is the asymptotic bias correction 1/(2 ln 2).
var alphaInf = 0.5 / math.Ln2

// linearCountingThreshold holds the HLL++ empirical switch-over points for
// p = 4..18, below which linear counting beats the raw estimate.
var linearCountingThreshold = [...]float64{
	10, 20, 40, 80, 220, 400, 900, 1800, 3100, 6500, 11500, 20000, 50000, 120000, 350000,
}

// Count returns the estimated cardinality, capped at math.MaxUint64.
func (h *HyperLogLog) Count() uint64 {
	est := math.Round(h.Estimate(Distinct))
	if est >= MaxEstimate {
		return math.MaxUint64
	}
	return uint64(est)
}

// CountWeighted returns the estimated sum of weights, capped at MaxEstimate.
// It returns 0 for Classic sketches, which cannot record weights.
func (h *HyperLogLog) CountWeighted() float64 {
	return min(h.Estimate(Weighted), MaxEstimate)
}

// Estimate returns the unrounded estimate for the given mode. It only reads
// the registers and may run concurrently with other readers.
func (h *HyperLogLog) Estimate(mode EstimateMode) float64 {
	if mode == Weighted {
		if h.cfg.Variant != PlusPlus {
			return 0
		}
		return h.weightedEstimate()
	}

	if h.cfg.Variant == PlusPlus {
		return h.plusPlusEstimate()
	}
	return h.classicEstimate()
}

// classicEstimate applies the small-range, raw and large-range regimes.
func (h *HyperLogLog) classicEstimate() float64 {
	// Calculate raw estimate using harmonic mean
	sum := 0.0
	zeros := 0

	for _, val := range h.registers {
		sum += math.Exp2(-float64(val))
		if val == 0 {
			zeros++
		}
	}

	m := float64(h.m)
	estimate := h.alpha * m * m / sum

	if estimate <= 2.5*m {
		// Small range correction
		if zeros != 0 {
			return linearCounting(m, float64(zeros))
		}
		return estimate
	}

	if estimate > twoTo32/30 {
		// Large range correction
		return -twoTo32 * math.Log(1-estimate/twoTo32)
	}

	return estimate
}

// plusPlusEstimate uses linear counting below the empirical threshold and
// Ertl's improved raw estimator elsewhere.
func (h *HyperLogLog) plusPlusEstimate() float64 {
	hist := h.histogram()
	m := float64(h.m)

	if zeros := hist[0]; zeros > 0 {
		lc := linearCounting(m, float64(zeros))
		if lc <= linearCountingThreshold[h.precision-minPrecision] {
			return lc
		}
	}

	return improvedEstimate(hist, m)
}

// weightedEstimate reads the registers as a plain sketch shifted down by k-1
// levels: registers below level k count as empty and the others lose k-1
// ranks. Once k passes the largest weight shift, the shifted sketch sees a
// cardinality of mass/2^(k-1), where mass sums 2^floor(log2 w) over distinct
// elements. Lower levels keep more registers in play but undercount elements
// heavier than 2^(k-1), so the lowest level that agrees with every
// well-supported higher level is used.
func (h *HyperLogLog) weightedEstimate() float64 {
	hist := h.histogram()
	if hist[0] == h.m {
		return 0
	}

	levels := weightedLevels(hist, float64(h.m))
	if len(levels) == 0 {
		return 0
	}
	if math.IsInf(levels[0].mass, 1) {
		return math.Inf(1)
	}

	for _, cand := range levels {
		if consistentLevel(cand, levels) {
			return cand.mass * h.cfg.WeightedScale
		}
	}
	return levels[0].mass * h.cfg.WeightedScale
}

const (
	// weightedAgreement is how many standard deviations a level may differ
	// from a higher one before it is considered biased.
	weightedAgreement = 3.0

	// weightedMinSupport is the shifted cardinality a level needs before it
	// is trusted as a reference for lower levels.
	weightedMinSupport = 64.0
)

// levelEstimate is the weighted mass seen through one register level.
type levelEstimate struct {
	mass   float64
	n      float64 // shifted cardinality
	stddev float64
}

// weightedLevels estimates the mass at every level k >= 1 that still has
// registers at or above it.
func weightedLevels(hist []uint32, m float64) []levelEstimate {
	levels := make([]levelEstimate, 0, len(hist)-1)
	shifted := make([]uint32, len(hist))

	var below uint32
	for k := 1; k < len(hist); k++ {
		below += hist[k-1]
		if float64(below) == m {
			break
		}

		shifted = shifted[:len(hist)-k+1]
		shifted[0] = below
		copy(shifted[1:], hist[k:])

		n := improvedEstimate(shifted, m)
		mass := n * math.Exp2(float64(k-1))
		levels = append(levels, levelEstimate{
			mass:   mass,
			n:      n,
			stddev: mass * math.Sqrt(1.04*1.04/m+1/n),
		})
	}
	return levels
}

// consistentLevel reports whether cand agrees with every level that has a
// smaller but still well-supported shifted cardinality.
func consistentLevel(cand levelEstimate, levels []levelEstimate) bool {
	for _, ref := range levels {
		if ref.n < weightedMinSupport || ref.n >= cand.n {
			continue
		}
		if math.Abs(cand.mass-ref.mass) > weightedAgreement*ref.stddev {
			return false
		}
	}
	return true
}

// histogram counts registers per value; its length is maxRank()+1.
func (h *HyperLogLog) histogram() []uint32 {
	hist := make([]uint32, int(h.maxRank())+1)
	for _, r := range h.registers {
		hist[r]++
	}
	return hist
}

// alpha returns the bias correction constant for m registers.
func alpha(m uint32) float64 {
	switch m {
	case 16:
		return 0.673
	case 32:
		return 0.697
	case 64:
		return 0.709
	default:
		return 0.7213 / (1 + 1.079/float64(m))
	}
}

func linearCounting(m, zeros float64) float64 {
	return m * math.Log(m/zeros)
}

// improvedEstimate is Ertl's estimator ("New cardinality estimation algorithms
// for HyperLogLog sketches", 2017). The top bucket holds saturated registers.
func improvedEstimate(hist []uint32, m float64) float64 {
	q := len(hist) - 1

	z := m * tau(1-float64(hist[q])/m)
	for k := q - 1; k >= 1; k-- {
		z = 0.5 * (z + float64(hist[k]))
	}
	z += m * sigma(float64(hist[0])/m)
	if z == 0 {
		// every register saturated
		return math.Inf(1)
	}

	return alphaInf * m * m / z
}

func sigma(x float64) float64 {
	if x == 1 {
		return math.Inf(1)
	}
	y := 1.0
	z := x
	for {
		x *= x
		prev := z
		z += x * y
		y += y
		if prev == z {
			return z
		}
	}
}

func tau(x float64) float64 {
	if x == 0 || x == 1 {
		return 0
	}
	y := 1.0
	z := 1 - x
	for {
		x = math.Sqrt(x)
		prev := z
		y *= 0.5
		z -= (1 - x) * (1 - x) * y
		if prev == z {
			return z / 3
		}
	}
}
