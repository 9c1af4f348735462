package services

import (
	"bytes"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

type ImageInfo struct {
	Format string
	Width  int
	Height int
}

// ValidateImage decodes only the image header. Decoder errors are reported
// as invalid, never returned. Zero-sized dimensions count as invalid.
func ValidateImage(data []byte) (ImageInfo, bool) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return ImageInfo{}, false
	}
	info := ImageInfo{Format: format, Width: cfg.Width, Height: cfg.Height}
	return info, info.Width > 0 && info.Height > 0
}
