package sdruntime

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"image"
	"image/png"
)

// ProvenanceText is embedded in every encoded image.
const ProvenanceText = "Generated by: llama-box"

// ProvenanceKeyword is the PNG tEXt keyword that carries ProvenanceText,
// the key stable-diffusion.cpp writes generation metadata under.
const ProvenanceKeyword = "parameters"

var pngSignature = []byte("\x89PNG\r\n\x1a\n")

// Encoder turns a raw pixel buffer into a deliverable artifact.
type Encoder interface {
	Encode(img *Image) ([]byte, error)
}

// PNGEncoder writes lossless PNG with an optional tEXt chunk.
type PNGEncoder struct {
	// Text is stored under ProvenanceKeyword. Empty omits the chunk.
	Text string
}

// Encode implements Encoder. Buffers with 1, 3 or 4 channels are accepted.
func (e PNGEncoder) Encode(img *Image) ([]byte, error) {
	src, err := ToGoImage(img)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: png.DefaultCompression}
	if err := enc.Encode(&buf, src); err != nil {
		return nil, err
	}
	if e.Text == "" {
		return buf.Bytes(), nil
	}
	return insertTextChunk(buf.Bytes(), ProvenanceKeyword, e.Text)
}

// ToGoImage views a packed engine buffer as an image.Image without
// copying when the layout allows it.
func ToGoImage(img *Image) (image.Image, error) {
	if !img.Valid() {
		return nil, errors.New("image buffer is empty or truncated")
	}
	rect := image.Rect(0, 0, img.Width, img.Height)
	switch img.Channel {
	case 1:
		return &image.Gray{Pix: img.Pix, Stride: img.Width, Rect: rect}, nil
	case 4:
		return &image.NRGBA{Pix: img.Pix, Stride: img.Width * 4, Rect: rect}, nil
	case 3:
		out := image.NewNRGBA(rect)
		for i, j := 0, 0; i < img.Width*img.Height*3; i, j = i+3, j+4 {
			out.Pix[j] = img.Pix[i]
			out.Pix[j+1] = img.Pix[i+1]
			out.Pix[j+2] = img.Pix[i+2]
			out.Pix[j+3] = 0xff
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported channel count %d", img.Channel)
	}
}

// insertTextChunk places a tEXt chunk directly after IHDR.
func insertTextChunk(data []byte, keyword, text string) ([]byte, error) {
	// signature(8) + IHDR length(4) + type(4) + body(13) + crc(4)
	const ihdrEnd = 8 + 4 + 4 + 13 + 4
	if len(data) < ihdrEnd || !bytes.Equal(data[:8], pngSignature) || string(data[12:16]) != "IHDR" {
		return nil, errors.New("encoder output is not a PNG stream")
	}

	body := make([]byte, 0, len(keyword)+1+len(text))
	body = append(body, keyword...)
	body = append(body, 0)
	body = append(body, text...)

	out := make([]byte, 0, len(data)+12+len(body))
	out = append(out, data[:ihdrEnd]...)
	out = appendChunk(out, "tEXt", body)
	out = append(out, data[ihdrEnd:]...)
	return out, nil
}

func appendChunk(dst []byte, typ string, body []byte) []byte {
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(body)))
	dst = append(dst, n[:]...)

	start := len(dst)
	dst = append(dst, typ...)
	dst = append(dst, body...)
	binary.BigEndian.PutUint32(n[:], crc32.ChecksumIEEE(dst[start:]))
	return append(dst, n[:]...)
}

// PNGTextChunks returns the keyword/text pairs of every tEXt chunk in a
// PNG stream.
func PNGTextChunks(data []byte) (map[string]string, error) {
	if len(data) < 8 || !bytes.Equal(data[:8], pngSignature) {
		return nil, errors.New("not a PNG stream")
	}
	out := make(map[string]string)
	for p := 8; p+8 <= len(data); {
		n := int(binary.BigEndian.Uint32(data[p:]))
		typ := string(data[p+4 : p+8])
		if p+12+n > len(data) {
			return nil, fmt.Errorf("chunk %s overruns stream", typ)
		}
		if typ == "tEXt" {
			body := data[p+8 : p+8+n]
			if i := bytes.IndexByte(body, 0); i > 0 {
				out[string(body[:i])] = string(body[i+1:])
			}
		}
		if typ == "IEND" {
			break
		}
		p += 12 + n
	}
	return out, nil
}
