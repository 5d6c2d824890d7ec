package geotiff

import (
	"fmt"
	"image"
	"math"
	"sort"

	"github.com/disintegration/imaging"
)

// Resampling names the interpolation used for windowed reads.
type Resampling int

const (
	ResamplingNearest Resampling = iota
	ResamplingBilinear
	ResamplingCubic
	ResamplingCubicSpline
	ResamplingLanczos
	ResamplingAverage
	ResamplingMin
	ResamplingMax
	ResamplingMed
)

// ParseResampling converts a method name to a Resampling constant.
func ParseResampling(s string) (Resampling, error) {
	switch s {
	case "nearest":
		return ResamplingNearest, nil
	case "bilinear":
		return ResamplingBilinear, nil
	case "cubic":
		return ResamplingCubic, nil
	case "cubicspline":
		return ResamplingCubicSpline, nil
	case "lanczos":
		return ResamplingLanczos, nil
	case "average":
		return ResamplingAverage, nil
	case "min":
		return ResamplingMin, nil
	case "max":
		return ResamplingMax, nil
	case "med":
		return ResamplingMed, nil
	default:
		return 0, fmt.Errorf("unknown resampling method %q", s)
	}
}

// String returns the method name.
func (r Resampling) String() string {
	switch r {
	case ResamplingNearest:
		return "nearest"
	case ResamplingBilinear:
		return "bilinear"
	case ResamplingCubic:
		return "cubic"
	case ResamplingCubicSpline:
		return "cubicspline"
	case ResamplingLanczos:
		return "lanczos"
	case ResamplingAverage:
		return "average"
	case ResamplingMin:
		return "min"
	case ResamplingMax:
		return "max"
	case ResamplingMed:
		return "med"
	default:
		return "nearest"
	}
}

// QuerysizeFactor returns the oversampling factor applied to window reads
// so downsampling keeps enough detail: 1 for nearest, 2 for bilinear and
// 4 for the wider kernels.
func (r Resampling) QuerysizeFactor() int {
	switch r {
	case ResamplingNearest:
		return 1
	case ResamplingBilinear:
		return 2
	default:
		return 4
	}
}

// filter maps a method to an imaging kernel; the order-statistic methods
// have no kernel and are handled by reduce functions.
func (r Resampling) filter() (imaging.ResampleFilter, bool) {
	switch r {
	case ResamplingNearest:
		return imaging.NearestNeighbor, true
	case ResamplingBilinear:
		return imaging.Linear, true
	case ResamplingCubic:
		return imaging.CatmullRom, true
	case ResamplingCubicSpline:
		return imaging.BSpline, true
	case ResamplingLanczos:
		return imaging.Lanczos, true
	case ResamplingAverage:
		return imaging.Box, true
	default:
		return imaging.ResampleFilter{}, false
	}
}

// resizeNRGBA resamples an image to the target dimensions.
func resizeNRGBA(img *image.NRGBA, outW, outH int, method Resampling) *image.NRGBA {
	if img.Rect.Dx() == outW && img.Rect.Dy() == outH {
		return img
	}
	if f, ok := method.filter(); ok {
		return imaging.Resize(img, outW, outH, f)
	}
	return reduceNRGBA(img, outW, outH, method)
}

// reduceNRGBA implements the min/max/med order statistics per channel.
func reduceNRGBA(img *image.NRGBA, outW, outH int, method Resampling) *image.NRGBA {
	srcW := img.Rect.Dx()
	srcH := img.Rect.Dy()
	out := image.NewNRGBA(image.Rect(0, 0, outW, outH))

	for oy := 0; oy < outH; oy++ {
		sy0 := oy * srcH / outH
		sy1 := maxInt((oy+1)*srcH/outH, sy0+1)
		for ox := 0; ox < outW; ox++ {
			sx0 := ox * srcW / outW
			sx1 := maxInt((ox+1)*srcW/outW, sx0+1)

			var chans [4][]float64
			for sy := sy0; sy < sy1 && sy < srcH; sy++ {
				for sx := sx0; sx < sx1 && sx < srcW; sx++ {
					off := img.PixOffset(sx, sy)
					for c := 0; c < 4; c++ {
						chans[c] = append(chans[c], float64(img.Pix[off+c]))
					}
				}
			}
			off := out.PixOffset(ox, oy)
			for c := 0; c < 4; c++ {
				out.Pix[off+c] = uint8(orderStatistic(chans[c], method))
			}
		}
	}
	return out
}

// resizeFloat resamples a float window, keeping nodata pixels out of the
// interpolation. The wide kernels fall back to bilinear on float data.
func resizeFloat(src []float64, srcW, srcH, outW, outH int, method Resampling, nodata float64) []float64 {
	if srcW == outW && srcH == outH {
		return src
	}

	out := make([]float64, outW*outH)
	isNodata := func(v float64) bool {
		return math.IsNaN(v) || v == nodata
	}

	switch method {
	case ResamplingNearest:
		for oy := 0; oy < outH; oy++ {
			sy := minInt(oy*srcH/outH, srcH-1)
			for ox := 0; ox < outW; ox++ {
				sx := minInt(ox*srcW/outW, srcW-1)
				out[oy*outW+ox] = src[sy*srcW+sx]
			}
		}

	case ResamplingAverage:
		for oy := 0; oy < outH; oy++ {
			sy0 := oy * srcH / outH
			sy1 := maxInt((oy+1)*srcH/outH, sy0+1)
			for ox := 0; ox < outW; ox++ {
				sx0 := ox * srcW / outW
				sx1 := maxInt((ox+1)*srcW/outW, sx0+1)
				sum, n := 0.0, 0
				for sy := sy0; sy < sy1 && sy < srcH; sy++ {
					for sx := sx0; sx < sx1 && sx < srcW; sx++ {
						if v := src[sy*srcW+sx]; !isNodata(v) {
							sum += v
							n++
						}
					}
				}
				if n > 0 {
					out[oy*outW+ox] = sum / float64(n)
				} else {
					out[oy*outW+ox] = nodata
				}
			}
		}

	case ResamplingMin, ResamplingMax, ResamplingMed:
		for oy := 0; oy < outH; oy++ {
			sy0 := oy * srcH / outH
			sy1 := maxInt((oy+1)*srcH/outH, sy0+1)
			for ox := 0; ox < outW; ox++ {
				sx0 := ox * srcW / outW
				sx1 := maxInt((ox+1)*srcW/outW, sx0+1)
				var vals []float64
				for sy := sy0; sy < sy1 && sy < srcH; sy++ {
					for sx := sx0; sx < sx1 && sx < srcW; sx++ {
						if v := src[sy*srcW+sx]; !isNodata(v) {
							vals = append(vals, v)
						}
					}
				}
				if len(vals) > 0 {
					out[oy*outW+ox] = orderStatistic(vals, method)
				} else {
					out[oy*outW+ox] = nodata
				}
			}
		}

	default:
		// Bilinear, and the fallback for cubic/cubicspline/lanczos on
		// scalar data: mixing across a nodata edge would smear the
		// sentinel into valid values.
		for oy := 0; oy < outH; oy++ {
			fy := (float64(oy)+0.5)*float64(srcH)/float64(outH) - 0.5
			y0 := int(math.Floor(fy))
			y1 := y0 + 1
			dy := fy - float64(y0)
			y0 = clampInt(y0, 0, srcH-1)
			y1 = clampInt(y1, 0, srcH-1)
			for ox := 0; ox < outW; ox++ {
				fx := (float64(ox)+0.5)*float64(srcW)/float64(outW) - 0.5
				x0 := int(math.Floor(fx))
				x1 := x0 + 1
				dx := fx - float64(x0)
				x0 = clampInt(x0, 0, srcW-1)
				x1 = clampInt(x1, 0, srcW-1)

				v00 := src[y0*srcW+x0]
				v10 := src[y0*srcW+x1]
				v01 := src[y1*srcW+x0]
				v11 := src[y1*srcW+x1]

				if isNodata(v00) || isNodata(v10) || isNodata(v01) || isNodata(v11) {
					// Nearest fallback at nodata edges.
					sx := clampInt(int(math.Round(fx)), 0, srcW-1)
					sy := clampInt(int(math.Round(fy)), 0, srcH-1)
					out[oy*outW+ox] = src[sy*srcW+sx]
					continue
				}
				top := v00*(1-dx) + v10*dx
				bot := v01*(1-dx) + v11*dx
				out[oy*outW+ox] = top*(1-dy) + bot*dy
			}
		}
	}
	return out
}

func orderStatistic(vals []float64, method Resampling) float64 {
	if len(vals) == 0 {
		return 0
	}
	switch method {
	case ResamplingMin:
		m := vals[0]
		for _, v := range vals[1:] {
			if v < m {
				m = v
			}
		}
		return m
	case ResamplingMax:
		m := vals[0]
		for _, v := range vals[1:] {
			if v > m {
				m = v
			}
		}
		return m
	default: // median
		sorted := append([]float64(nil), vals...)
		sort.Float64s(sorted)
		return sorted[len(sorted)/2]
	}
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
