package vision

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"
)

// createTestImage creates a simple test image with known pixel values
func createTestImage(width, height int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, width, height))

	// Fill with a gradient pattern for testing
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r := uint8((x * 255) / width)
			g := uint8((y * 255) / height)
			b := uint8(128)
			img.Set(x, y, color.RGBA{r, g, b, 255})
		}
	}

	return img
}

// encodePNG encodes an image to PNG bytes
func encodePNG(img image.Image) []byte {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

func encodeJPEG(img image.Image) []byte {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

func TestDecodeImage(t *testing.T) {
	tests := []struct {
		name    string
		data    []byte
		errType error
	}{
		{name: "empty data", data: []byte{}, errType: ErrEmptyImage},
		{name: "invalid data", data: []byte{0x00, 0x01, 0x02}, errType: ErrInvalidImage},
		{name: "valid PNG", data: encodePNG(createTestImage(10, 10))},
		{name: "valid JPEG", data: encodeJPEG(createTestImage(10, 10))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			img, err := DecodeImage(tt.data)
			if tt.errType != nil {
				if !errors.Is(err, tt.errType) {
					t.Errorf("DecodeImage() error = %v, want %v", err, tt.errType)
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodeImage() unexpected error: %v", err)
			}
			if img == nil {
				t.Error("DecodeImage() returned nil image")
			}
		})
	}
}

func TestResize(t *testing.T) {
	tests := []struct {
		name           string
		inputW, inputH int
		outW, outH     int
	}{
		{"same size", 64, 64, 64, 64},
		{"upscale", 32, 16, 128, 64},
		{"downscale and stretch", 200, 100, 64, 64},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := Resize(createTestImage(tt.inputW, tt.inputH), tt.outW, tt.outH)
			if b := out.Bounds(); b.Dx() != tt.outW || b.Dy() != tt.outH {
				t.Errorf("Resize() size = %dx%d, want %dx%d", b.Dx(), b.Dy(), tt.outW, tt.outH)
			}
		})
	}
}

func TestPackRGB(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 2, 1))
	img.Set(0, 0, color.RGBA{1, 2, 3, 255})
	img.Set(1, 0, color.RGBA{4, 5, 6, 255})

	got := PackRGB(img)
	want := []byte{1, 2, 3, 4, 5, 6}
	if !bytes.Equal(got, want) {
		t.Errorf("PackRGB() = %v, want %v", got, want)
	}
}

func TestToRGB(t *testing.T) {
	data := encodePNG(createTestImage(40, 30))

	pix, err := ToRGB(data, 64, 48)
	if err != nil {
		t.Fatalf("ToRGB() error: %v", err)
	}
	if len(pix) != 64*48*3 {
		t.Errorf("len = %d, want %d", len(pix), 64*48*3)
	}
	// Blue channel of the gradient is constant.
	if b := pix[2]; b < 120 || b > 136 {
		t.Errorf("blue channel = %d, want about 128", b)
	}
}

func TestToRGB_InvalidInput(t *testing.T) {
	tests := []struct {
		name          string
		data          []byte
		width, height int
		want          error
	}{
		{"empty", nil, 64, 64, ErrEmptyImage},
		{"garbage", []byte("not an image"), 64, 64, ErrInvalidImage},
		{"zero width", encodePNG(createTestImage(4, 4)), 0, 64, ErrInvalidDimensions},
		{"negative height", encodePNG(createTestImage(4, 4)), 64, -1, ErrInvalidDimensions},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ToRGB(tt.data, tt.width, tt.height); !errors.Is(err, tt.want) {
				t.Errorf("ToRGB() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func BenchmarkToRGB512(b *testing.B) {
	data := encodePNG(createTestImage(640, 480))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := ToRGB(data, 512, 512); err != nil {
			b.Fatal(err)
		}
	}
}

func TestImageSize(t *testing.T) {
	w, h, err := ImageSize(encodeJPEG(createTestImage(48, 24)))
	if err != nil {
		t.Fatalf("ImageSize() error: %v", err)
	}
	if w != 48 || h != 24 {
		t.Errorf("ImageSize() = %dx%d, want 48x24", w, h)
	}

	if _, _, err := ImageSize(nil); !errors.Is(err, ErrEmptyImage) {
		t.Errorf("ImageSize(nil) error = %v, want ErrEmptyImage", err)
	}
	if _, _, err := ImageSize([]byte("not an image")); !errors.Is(err, ErrInvalidImage) {
		t.Errorf("ImageSize(garbage) error = %v, want ErrInvalidImage", err)
	}
}
