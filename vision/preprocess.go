package vision

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// Image preprocessing errors
var (
	ErrInvalidImage      = errors.New("vision: invalid image data")
	ErrInvalidDimensions = errors.New("vision: invalid dimensions")
	ErrEmptyImage        = errors.New("vision: empty image data")
)

// DecodeImage decodes image data from common formats (PNG, JPEG, GIF, WebP).
// This is a pure function with no side effects.
func DecodeImage(data []byte) (image.Image, error) {
	if len(data) == 0 {
		return nil, ErrEmptyImage
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}

	return img, nil
}

// ImageSize reads the dimensions from the image header without decoding
// the pixels.
func ImageSize(data []byte) (width, height int, err error) {
	if len(data) == 0 {
		return 0, 0, ErrEmptyImage
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	return cfg.Width, cfg.Height, nil
}

// Resize scales img to exactly width x height using high-quality scaling.
// The aspect ratio is not preserved; generation requests fix the output size.
func Resize(img image.Image, width, height int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	if img.Bounds().Dx() == width && img.Bounds().Dy() == height {
		draw.Draw(dst, dst.Bounds(), img, img.Bounds().Min, draw.Src)
		return dst
	}
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
	return dst
}

// PackRGB flattens img into row-major RGB bytes, dropping alpha.
// Transparent regions are composited over black.
func PackRGB(img *image.RGBA) []byte {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	out := make([]byte, w*h*3)
	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+w*4]
		for x := 0; x < w; x++ {
			o := (y*w + x) * 3
			out[o] = row[x*4]
			out[o+1] = row[x*4+1]
			out[o+2] = row[x*4+2]
		}
	}
	return out
}

// ToRGB decodes an uploaded image and returns it as packed RGB at the
// requested size, the layout the diffusion engine takes for init and
// control images.
func ToRGB(data []byte, width, height int) ([]byte, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: %dx%d", ErrInvalidDimensions, width, height)
	}
	img, err := DecodeImage(data)
	if err != nil {
		return nil, err
	}
	if img.Bounds().Empty() {
		return nil, ErrEmptyImage
	}
	return PackRGB(Resize(img, width, height)), nil
}
