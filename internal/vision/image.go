// Package vision loads the images that are sent to the model next to a question.
package vision

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"os"

	"github.com/gabriel-vasile/mimetype"
	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// ImageLoadError reports an image file that is missing or cannot be decoded.
type ImageLoadError struct {
	Path string
	Err  error
}

func (e *ImageLoadError) Error() string {
	return fmt.Sprintf("load image %q: %v", e.Path, e.Err)
}

func (e *ImageLoadError) Unwrap() error {
	return e.Err
}

var ErrEmptyPath = errors.New("image template rendered an empty path")

// Image is a decoded and validated image file.
type Image struct {
	Path   string
	MIME   string
	Format string
	Width  int
	Height int
	// Data holds the bytes sent to the model, either the original file or a downscaled PNG.
	Data []byte
}

// Base64 returns the image bytes encoded with standard base64.
func (img *Image) Base64() string {
	return base64.StdEncoding.EncodeToString(img.Data)
}

// DataURI returns the image as a data URI.
func (img *Image) DataURI() string {
	return "data:" + img.MIME + ";base64," + img.Base64()
}

type Options struct {
	// MaxDimension bounds the width and height of the image sent to the model. 0 disables downscaling.
	MaxDimension int
}

// Open reads and decodes the image at path.
func Open(path string, opts Options) (*Image, error) {
	if path == "" {
		return nil, &ImageLoadError{Path: path, Err: ErrEmptyPath}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ImageLoadError{Path: path, Err: err}
	}

	decoded, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, &ImageLoadError{Path: path, Err: fmt.Errorf("image.Decode > %w", err)}
	}

	bounds := decoded.Bounds()
	img := &Image{
		Path:   path,
		MIME:   mimetype.Detect(data).String(),
		Format: format,
		Width:  bounds.Dx(),
		Height: bounds.Dy(),
		Data:   data,
	}

	if opts.MaxDimension > 0 && (img.Width > opts.MaxDimension || img.Height > opts.MaxDimension) {
		if err := img.downscale(decoded, opts.MaxDimension); err != nil {
			return nil, &ImageLoadError{Path: path, Err: err}
		}
	}
	return img, nil
}

func (img *Image) downscale(decoded image.Image, maxDimension int) error {
	width, height := fitWithin(img.Width, img.Height, maxDimension)

	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.CatmullRom.Scale(dst, dst.Bounds(), decoded, decoded.Bounds(), draw.Over, nil)

	var buf bytes.Buffer
	if err := png.Encode(&buf, dst); err != nil {
		return fmt.Errorf("png.Encode > %w", err)
	}

	img.Data = buf.Bytes()
	img.MIME = "image/png"
	img.Width = width
	img.Height = height
	return nil
}

// fitWithin scales width and height so the longer side equals maxDimension, keeping the aspect ratio.
func fitWithin(width, height, maxDimension int) (int, int) {
	if width >= height {
		return maxDimension, max(1, height*maxDimension/width)
	}
	return max(1, width*maxDimension/height), maxDimension
}
