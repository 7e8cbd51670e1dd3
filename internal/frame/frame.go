// Package frame decodes still images into the raw byte layout the external
// encoder consumes: packed 24-bit BGR, one frame = width*height*3 bytes.
package frame

import (
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"

	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
)

// supportedExts is the allow-list of image extensions, lowercase.
var supportedExts = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".bmp":  true,
}

// Supported reports whether the filename has a supported image extension
// (case-insensitive).
func Supported(filename string) bool {
	return supportedExts[strings.ToLower(filepath.Ext(filename))]
}

// Size returns the raw frame buffer size in bytes for a resolution.
func Size(width, height int) int {
	return width * height * 3
}

// Decode reads an image file and converts it to a packed BGR24 buffer of
// exactly Size(width, height) bytes.
//
// Images are assumed pre-validated to the task's exact resolution at upload
// time; a dimension mismatch is reported as an error rather than resized.
func Decode(path string, width, height int) ([]byte, error) {
	if !Supported(path) {
		return nil, fmt.Errorf("unsupported image extension: %s", filepath.Ext(path))
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image %s: %w", filepath.Base(path), err)
	}

	bounds := img.Bounds()
	if bounds.Dx() != width || bounds.Dy() != height {
		return nil, fmt.Errorf("image %s is %dx%d, task expects %dx%d",
			filepath.Base(path), bounds.Dx(), bounds.Dy(), width, height)
	}

	buf := make([]byte, Size(width, height))
	i := 0
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, _ := img.At(x, y).RGBA()
			buf[i+0] = byte(b >> 8)
			buf[i+1] = byte(g >> 8)
			buf[i+2] = byte(r >> 8)
			i += 3
		}
	}
	return buf, nil
}

// Dimensions reads only the image header and returns its resolution.
// Used by the upload path to validate files against the task resolution
// without decoding full pixel data.
func Dimensions(path string) (width, height int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to open image: %w", err)
	}
	defer f.Close()

	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read image header: %w", err)
	}
	return cfg.Width, cfg.Height, nil
}
