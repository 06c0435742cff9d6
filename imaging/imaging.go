// Package imaging turns a downloaded profile picture into an inline data URI.
package imaging

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"net/http"
	"strings"

	"github.com/gen2brain/webp"
	"golang.org/x/image/draw"
)

const (
	webpQuality = 85

	// MaxPixels bounds the declared dimensions of an image before decoding.
	MaxPixels = 4096 * 4096
)

var (
	// ErrNotImage is returned when the payload is neither decodable nor typed as an image.
	ErrNotImage = errors.New("imaging: payload is not an image")
	// ErrTooLarge is returned when an image declares more than MaxPixels.
	ErrTooLarge = errors.New("imaging: image dimensions too large")
)

// Thumbnail center-crops img to a square and scales it to size x size.
func Thumbnail(img image.Image, size int) *image.RGBA {
	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()
	minDim := width
	if height < width {
		minDim = height
	}

	x0 := bounds.Min.X + (width-minDim)/2
	y0 := bounds.Min.Y + (height-minDim)/2
	cropRect := image.Rect(x0, y0, x0+minDim, y0+minDim)
	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, cropRect, draw.Over, nil)
	return dst
}

// EncodeWebP re-encodes data as a square WebP thumbnail.
func EncodeWebP(data []byte, size int) ([]byte, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image config: %w", err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || int64(cfg.Width)*int64(cfg.Height) > MaxPixels {
		return nil, fmt.Errorf("%w: %dx%d", ErrTooLarge, cfg.Width, cfg.Height)
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}

	var buf bytes.Buffer
	if err := webp.Encode(&buf, Thumbnail(img, size), webp.Options{Lossless: false, Quality: webpQuality}); err != nil {
		return nil, fmt.Errorf("encode webp: %w", err)
	}
	return buf.Bytes(), nil
}

// DataURI returns data as a base64 data URI of the given content type.
func DataURI(contentType string, data []byte) string {
	return "data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// Inline produces a displayable data URI for a fetched image. Decodable
// images become a WebP thumbnail; anything else typed as an image is
// embedded unchanged. Images larger than MaxPixels are rejected.
func Inline(contentType string, data []byte, size int) (string, error) {
	if len(data) == 0 {
		return "", ErrNotImage
	}
	encoded, err := EncodeWebP(data, size)
	if err == nil {
		return DataURI("image/webp", encoded), nil
	}
	if errors.Is(err, ErrTooLarge) {
		return "", err
	}

	contentType = mediaType(contentType)
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = mediaType(http.DetectContentType(data))
	}
	if !strings.HasPrefix(contentType, "image/") {
		return "", ErrNotImage
	}
	return DataURI(contentType, data), nil
}

func mediaType(contentType string) string {
	if i := strings.IndexByte(contentType, ';'); i >= 0 {
		contentType = contentType[:i]
	}
	return strings.ToLower(strings.TrimSpace(contentType))
}
