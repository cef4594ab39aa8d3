package app

import (
	"bytes"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"image/jpeg"
	"testing"
)

func TestNormalizeImageDownscalesLongestEdge(t *testing.T) {
	raw := testImage(t, 400, 100)
	img, err := normalizeImage(raw, 0, 200, 85)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if img.info.Width != 200 || img.info.Height != 50 {
		t.Fatalf("unexpected dimensions %dx%d", img.info.Width, img.info.Height)
	}
	if img.info.OriginalWidth != 400 || img.info.OriginalType != "image/png" || img.info.ContentType != "image/jpeg" {
		t.Fatalf("unexpected info: %+v", img.info)
	}
	decoded, err := jpeg.Decode(bytes.NewReader(img.data))
	if err != nil {
		t.Fatalf("output is not jpeg: %v", err)
	}
	if b := decoded.Bounds(); b.Dx() != 200 || b.Dy() != 50 {
		t.Fatalf("unexpected encoded bounds %v", b)
	}
	if img.info.SizeBytes != int64(len(img.data)) {
		t.Fatalf("size mismatch")
	}
}

func TestNormalizeImageKeepsSmallImages(t *testing.T) {
	img, err := normalizeImage(testImage(t, 30, 60), 0, 1920, 85)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if img.info.Width != 30 || img.info.Height != 60 {
		t.Fatalf("unexpected dimensions %dx%d", img.info.Width, img.info.Height)
	}
}

func TestNormalizeImageRejectsOversizedUpload(t *testing.T) {
	raw := testImage(t, 32, 32)
	if _, err := normalizeImage(raw, int64(len(raw)-1), 1920, 85); !errors.Is(err, ErrImageTooLarge) {
		t.Fatalf("expected too large, got %v", err)
	}
}

func TestScaledSize(t *testing.T) {
	tests := []struct {
		w, h, max    int
		wantW, wantH int
	}{
		{w: 3840, h: 2160, max: 1920, wantW: 1920, wantH: 1080},
		{w: 1000, h: 4000, max: 1920, wantW: 480, wantH: 1920},
		{w: 5000, h: 1, max: 100, wantW: 100, wantH: 1},
		{w: 800, h: 600, max: 0, wantW: 800, wantH: 600},
	}
	for _, tt := range tests {
		w, h := scaledSize(tt.w, tt.h, tt.max)
		if w != tt.wantW || h != tt.wantH {
			t.Fatalf("scaledSize(%d,%d,%d) = %dx%d, want %dx%d", tt.w, tt.h, tt.max, w, h, tt.wantW, tt.wantH)
		}
	}
}

// oversizedPNG returns a valid PNG whose header declares width x height while
// carrying a single pixel of data.
func oversizedPNG(t *testing.T, width, height uint32) []byte {
	t.Helper()
	raw := testImage(t, 1, 1)
	// IHDR is the first chunk: length(4) type(4) at offset 8, data at 16.
	if string(raw[12:16]) != "IHDR" {
		t.Fatalf("unexpected png layout")
	}
	binary.BigEndian.PutUint32(raw[16:20], width)
	binary.BigEndian.PutUint32(raw[20:24], height)
	binary.BigEndian.PutUint32(raw[29:33], crc32.ChecksumIEEE(raw[12:29]))
	return raw
}

func TestNormalizeImageRejectsPixelBomb(t *testing.T) {
	raw := oversizedPNG(t, 20000, 20000)
	if len(raw) > 1024 {
		t.Fatalf("fixture should be tiny, got %d bytes", len(raw))
	}
	_, err := normalizeImage(raw, defaultMaxUploadBytes, 1920, 85)
	if !errors.Is(err, ErrImageTooManyPixels) || !errors.Is(err, ErrImageTooLarge) || !errors.Is(err, ErrValidation) {
		t.Fatalf("expected pixel limit rejection, got %v", err)
	}
}

func TestDecodeImageRejectsDeclaredDimensionsOverLimit(t *testing.T) {
	tests := []struct {
		name          string
		width, height uint32
		wantErr       error
	}{
		{name: "within limit", width: 1, height: 1},
		{name: "wide strip", width: 1 << 30, height: 1, wantErr: ErrImageTooManyPixels},
		{name: "square", width: 8000, height: 8000, wantErr: ErrImageTooManyPixels},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := decodeImage(oversizedPNG(t, tt.width, tt.height), "image/png")
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("decode: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}
