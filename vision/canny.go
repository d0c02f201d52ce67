package vision

import (
	"fmt"
	"math"
)

// CannyOptions tunes edge detection. Thresholds are fractions: the high
// threshold of the strongest gradient, the low threshold of the high one.
type CannyOptions struct {
	HighThreshold float32
	LowThreshold  float32
	Weak          float32
	Strong        float32
	Inverse       bool
}

// DefaultCannyOptions matches the preprocessing stable-diffusion.cpp applies
// before a canny control network.
func DefaultCannyOptions() CannyOptions {
	return CannyOptions{
		HighThreshold: 0.08,
		LowThreshold:  0.08,
		Weak:          0.8,
		Strong:        1.0,
	}
}

// Canny replaces a packed RGB buffer with its edge map, written back as
// packed RGB so it can be used directly as a control image.
func Canny(pix []byte, width, height int, opts CannyOptions) ([]byte, error) {
	if width <= 0 || height <= 0 || len(pix) < width*height*3 {
		return nil, fmt.Errorf("%w: %dx%d with %d bytes", ErrInvalidDimensions, width, height, len(pix))
	}

	gray := grayscale(pix, width, height)
	gray = convolve(gray, width, height, gaussianKernel(5, 1.4))

	gx := convolve(gray, width, height, sobelX)
	gy := convolve(gray, width, height, sobelY)
	mag := make([]float32, len(gray))
	theta := make([]float32, len(gray))
	for i := range gray {
		mag[i] = float32(math.Hypot(float64(gx[i]), float64(gy[i])))
		theta[i] = float32(math.Atan2(float64(gy[i]), float64(gx[i])))
	}
	normalize(mag)

	edges := nonMaxSuppression(mag, theta, width, height)
	threshold(edges, width, height, opts)
	hysteresis(edges, width, height, opts)

	out := make([]byte, width*height*3)
	for i, v := range edges {
		if opts.Inverse {
			v = 1 - v
		}
		b := byte(clamp01(v) * 255)
		out[i*3], out[i*3+1], out[i*3+2] = b, b, b
	}
	return out, nil
}

var (
	sobelX = [][]float32{{-1, 0, 1}, {-2, 0, 2}, {-1, 0, 1}}
	sobelY = [][]float32{{1, 2, 1}, {0, 0, 0}, {-1, -2, -1}}
)

func grayscale(pix []byte, width, height int) []float32 {
	out := make([]float32, width*height)
	for i := range out {
		r := float32(pix[i*3]) / 255
		g := float32(pix[i*3+1]) / 255
		b := float32(pix[i*3+2]) / 255
		out[i] = 0.2989*r + 0.5870*g + 0.1140*b
	}
	return out
}

func gaussianKernel(size int, sigma float64) [][]float32 {
	k := make([][]float32, size)
	half := size / 2
	norm := 1 / (2 * math.Pi * sigma * sigma)
	for y := 0; y < size; y++ {
		k[y] = make([]float32, size)
		for x := 0; x < size; x++ {
			dx, dy := float64(x-half), float64(y-half)
			k[y][x] = float32(norm * math.Exp(-(dx*dx+dy*dy)/(2*sigma*sigma)))
		}
	}
	return k
}

// convolve applies kernel with edge pixels clamped.
func convolve(src []float32, width, height int, kernel [][]float32) []float32 {
	out := make([]float32, len(src))
	half := len(kernel) / 2
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			var sum float32
			for ky, row := range kernel {
				sy := clampInt(y+ky-half, 0, height-1)
				for kx, w := range row {
					sx := clampInt(x+kx-half, 0, width-1)
					sum += src[sy*width+sx] * w
				}
			}
			out[y*width+x] = sum
		}
	}
	return out
}

func normalize(v []float32) {
	var hi float32
	for _, x := range v {
		if x > hi {
			hi = x
		}
	}
	if hi == 0 {
		return
	}
	for i := range v {
		v[i] /= hi
	}
}

func nonMaxSuppression(mag, theta []float32, width, height int) []float32 {
	out := make([]float32, len(mag))
	for y := 1; y < height-1; y++ {
		for x := 1; x < width-1; x++ {
			i := y*width + x
			angle := float64(theta[i]) * 180 / math.Pi
			if angle < 0 {
				angle += 180
			}

			var q, r float32
			switch {
			case angle < 22.5 || angle >= 157.5:
				q, r = mag[i+1], mag[i-1]
			case angle < 67.5:
				q, r = mag[i+width-1], mag[i-width+1]
			case angle < 112.5:
				q, r = mag[i+width], mag[i-width]
			default:
				q, r = mag[i-width-1], mag[i+width+1]
			}
			if mag[i] >= q && mag[i] >= r {
				out[i] = mag[i]
			}
		}
	}
	return out
}

func threshold(v []float32, width, height int, opts CannyOptions) {
	var hi float32
	for _, x := range v {
		if x > hi {
			hi = x
		}
	}
	high := hi * opts.HighThreshold
	low := high * opts.LowThreshold
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			i := y*width + x
			switch {
			case v[i] == 0 || x == 0 || y == 0 || x == width-1 || y == height-1:
				v[i] = 0
			case v[i] >= high:
				v[i] = opts.Strong
			case v[i] >= low:
				v[i] = opts.Weak
			default:
				v[i] = 0
			}
		}
	}
}

// hysteresis promotes weak pixels touching a strong one and drops the rest.
func hysteresis(v []float32, width, height int, opts CannyOptions) {
	for y := 1; y < height-1; y++ {
		for x := 1; x < width-1; x++ {
			i := y*width + x
			if v[i] != opts.Weak {
				continue
			}
			v[i] = 0
			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					if v[i+dy*width+dx] == opts.Strong {
						v[i] = opts.Strong
					}
				}
			}
		}
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

func clamp01(v float32) float32 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
