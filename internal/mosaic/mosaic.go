// Package mosaic combines overlapping warped single-band rasters into
// one raster under a pixel-selection rule. The output grid uses the
// union envelope of the inputs at the coarsest input resolution; a pixel
// is nodata exactly when no input covers it with valid data.
package mosaic

import (
	"fmt"
	"strings"
)

// MergeNoData is the sentinel written into merged rasters.
const MergeNoData = -9999999.0

// Method selects how overlapping pixels resolve.
type Method int

const (
	First Method = iota
	Last
	Min
	Max
	Mean
)

// ParseMethod accepts both the short rule names and the catalog's
// selection-method identifiers.
func ParseMethod(s string) (Method, error) {
	switch strings.ToLower(s) {
	case "first", "firstmethod":
		return First, nil
	case "last", "lastmethod":
		return Last, nil
	case "min", "lowestmethod":
		return Min, nil
	case "max", "highestmethod":
		return Max, nil
	case "mean", "meanmethod":
		return Mean, nil
	default:
		return 0, fmt.Errorf("unknown pixel selection method %q", s)
	}
}

// String returns the short rule name.
func (m Method) String() string {
	switch m {
	case First:
		return "first"
	case Last:
		return "last"
	case Min:
		return "min"
	case Max:
		return "max"
	case Mean:
		return "mean"
	default:
		return "first"
	}
}

// SelectionName returns the catalog identifier for the method.
func (m Method) SelectionName() string {
	switch m {
	case First:
		return "FirstMethod"
	case Last:
		return "LastMethod"
	case Min:
		return "LowestMethod"
	case Max:
		return "HighestMethod"
	case Mean:
		return "MeanMethod"
	default:
		return "FirstMethod"
	}
}

// rule applies one source block onto the destination block. Masks are
// true where the corresponding pixel holds valid data; the rule updates
// dst and dstMask in place.
type rule interface {
	apply(dst, src []float32, dstMask, srcMask []bool)
}

// firstRule keeps the earliest valid pixel.
type firstRule struct{}

func (firstRule) apply(dst, src []float32, dstMask, srcMask []bool) {
	for i := range dst {
		if !dstMask[i] && srcMask[i] {
			dst[i] = src[i]
			dstMask[i] = true
		}
	}
}

// lastRule keeps the latest valid pixel.
type lastRule struct{}

func (lastRule) apply(dst, src []float32, dstMask, srcMask []bool) {
	for i := range dst {
		if srcMask[i] {
			dst[i] = src[i]
			dstMask[i] = true
		}
	}
}

// minRule keeps the elementwise minimum over valid pixels.
type minRule struct{}

func (minRule) apply(dst, src []float32, dstMask, srcMask []bool) {
	for i := range dst {
		switch {
		case dstMask[i] && srcMask[i]:
			if src[i] < dst[i] {
				dst[i] = src[i]
			}
		case srcMask[i]:
			dst[i] = src[i]
			dstMask[i] = true
		}
	}
}

// maxRule keeps the elementwise maximum over valid pixels.
type maxRule struct{}

func (maxRule) apply(dst, src []float32, dstMask, srcMask []bool) {
	for i := range dst {
		switch {
		case dstMask[i] && srcMask[i]:
			if src[i] > dst[i] {
				dst[i] = src[i]
			}
		case srcMask[i]:
			dst[i] = src[i]
			dstMask[i] = true
		}
	}
}

// meanRule accumulates SUM and COUNT; the quotient is emitted after all
// inputs are processed. The count is bounded by the number of inputs so
// a misbehaving window mapping can never overflow the average.
type meanRule struct {
	sum    []float32
	count  []float32
	bound  float32
	offset func(i int) int // maps block index to mosaic index
}

func (r *meanRule) apply(dst, src []float32, dstMask, srcMask []bool) {
	for i := range dst {
		if !srcMask[i] {
			continue
		}
		gi := r.offset(i)
		if r.count[gi] >= r.bound {
			continue
		}
		r.sum[gi] += src[i]
		r.count[gi]++
		dstMask[i] = true
	}
}

// Apply resolves one block of overlapping pixels under a non-mean rule;
// the serving path uses it for read-through mosaics. Mean needs the
// SUM/COUNT accumulators and is handled by AccumulateMean.
func Apply(m Method, dst, src []float32, dstMask, srcMask []bool) {
	ruleFor(m).apply(dst, src, dstMask, srcMask)
}

// AccumulateMean folds one source block into SUM and COUNT buffers,
// bounding the count so the average stays stable.
func AccumulateMean(sum, count []float32, src []float32, srcMask []bool, bound float32) {
	for i := range src {
		if !srcMask[i] || count[i] >= bound {
			continue
		}
		sum[i] += src[i]
		count[i]++
	}
}

func ruleFor(m Method) rule {
	switch m {
	case Last:
		return lastRule{}
	case Min:
		return minRule{}
	case Max:
		return maxRule{}
	default:
		return firstRule{}
	}
}
