package app

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"net/http"

	"golang.org/x/image/draw"
	"golang.org/x/image/webp"

	"modmaster/pkg/domain"
)

const (
	defaultMaxUploadBytes    = 10 << 20
	defaultImageMaxDimension = 1920
	defaultImageJPEGQuality  = 85

	// maxImagePixels bounds the decoded raster; a small compressed upload can
	// still declare dimensions whose RGBA buffer would exhaust memory.
	maxImagePixels = 50_000_000

	normalizedContentType = "image/jpeg"
)

type normalizedImage struct {
	data []byte
	info domain.ImageInfo
}

// normalizeImage decodes a jpeg/png/webp upload, scales it so the longest edge
// is at most maxDim and re-encodes it as JPEG.
func normalizeImage(raw []byte, maxBytes int64, maxDim, quality int) (normalizedImage, error) {
	if len(raw) == 0 {
		return normalizedImage{}, ErrImageRequired
	}
	if maxBytes > 0 && int64(len(raw)) > maxBytes {
		return normalizedImage{}, ErrImageTooLarge
	}
	contentType := http.DetectContentType(raw)
	src, err := decodeImage(raw, contentType)
	if err != nil {
		return normalizedImage{}, err
	}
	bounds := src.Bounds()
	width, height := scaledSize(bounds.Dx(), bounds.Dy(), maxDim)

	// JPEG has no alpha channel; composite onto white.
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(dst, dst.Bounds(), image.White, image.Point{}, draw.Src)
	if width == bounds.Dx() && height == bounds.Dy() {
		draw.Draw(dst, dst.Bounds(), src, bounds.Min, draw.Over)
	} else {
		draw.CatmullRom.Scale(dst, dst.Bounds(), src, bounds, draw.Over, nil)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: quality}); err != nil {
		return normalizedImage{}, fmt.Errorf("encode jpeg: %w", err)
	}
	return normalizedImage{
		data: buf.Bytes(),
		info: domain.ImageInfo{
			OriginalSizeBytes: int64(len(raw)),
			OriginalWidth:     bounds.Dx(),
			OriginalHeight:    bounds.Dy(),
			OriginalType:      contentType,
			SizeBytes:         int64(buf.Len()),
			Width:             width,
			Height:            height,
			ContentType:       normalizedContentType,
		},
	}, nil
}

func decodeImage(raw []byte, contentType string) (image.Image, error) {
	var (
		decodeConfig func(io.Reader) (image.Config, error)
		decode       func(io.Reader) (image.Image, error)
	)
	switch contentType {
	case "image/jpeg":
		decodeConfig, decode = jpeg.DecodeConfig, jpeg.Decode
	case "image/png":
		decodeConfig, decode = png.DecodeConfig, png.Decode
	case "image/webp":
		decodeConfig, decode = webp.DecodeConfig, webp.Decode
	default:
		return nil, ErrImageUnsupported
	}

	// Header dimensions are checked before any pixel buffer is allocated.
	cfg, err := decodeConfig(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrImageUndecodable, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, ErrImageUndecodable
	}
	if int64(cfg.Width)*int64(cfg.Height) > maxImagePixels {
		return nil, fmt.Errorf("%w: %dx%d", ErrImageTooManyPixels, cfg.Width, cfg.Height)
	}

	img, err := decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrImageUndecodable, err)
	}
	if b := img.Bounds(); b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, ErrImageUndecodable
	}
	return img, nil
}

func scaledSize(width, height, maxDim int) (int, int) {
	if maxDim <= 0 || (width <= maxDim && height <= maxDim) {
		return width, height
	}
	if width >= height {
		h := height * maxDim / width
		return maxDim, max(h, 1)
	}
	w := width * maxDim / height
	return max(w, 1), maxDim
}
