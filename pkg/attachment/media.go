package attachment

import (
	"bytes"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// Sniff returns the MIME type to upload data with. The declared type wins
// unless it's missing, generic, or contradicts image magic bytes.
func Sniff(data []byte, declared string) string {
	declared = stripParams(declared)
	detected := stripParams(mimetype.Detect(data).String())
	switch {
	case declared == "" || declared == defaultMIME:
		if detected == "" {
			return defaultMIME
		}
		return detected
	case strings.HasPrefix(detected, "image/") && declared != detected:
		// Clients often label HEIC/WebP/PNG screenshots as image/jpeg.
		return detected
	default:
		return declared
	}
}

func stripParams(mime string) string {
	mime, _, _ = strings.Cut(mime, ";")
	return strings.ToLower(strings.TrimSpace(mime))
}

type ImageInfo struct {
	Width  int
	Height int
	Format string
}

// ProbeImage reads image dimensions without decoding the pixel data.
func ProbeImage(data []byte) (ImageInfo, bool) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return ImageInfo{}, false
	}
	return ImageInfo{Width: cfg.Width, Height: cfg.Height, Format: format}, true
}
