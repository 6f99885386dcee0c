// Package transform decodes, validates and re-encodes images. All functions are pure.
package transform

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"path"
	"strings"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"image-upload-pipeline/internal/models"
)

// Format is the decoder name reported by image.DecodeConfig.
type Format string

const (
	FormatJPEG Format = "jpeg"
	FormatPNG  Format = "png"
	FormatWEBP Format = "webp"
	FormatGIF  Format = "gif"
)

var (
	ErrDecode            = fmt.Errorf("%w: invalid image file", models.ErrTransform)
	ErrUnsupportedFormat = fmt.Errorf("%w: unsupported image format", models.ErrTransform)
	ErrTooLarge          = fmt.Errorf("%w: image too large", models.ErrValidation)
)

// Info describes a validated image header.
type Info struct {
	Format Format
	Width  int
	Height int
}

// Supported reports whether f is one of the accepted input formats.
func Supported(f Format) bool {
	switch f {
	case FormatJPEG, FormatPNG, FormatWEBP, FormatGIF:
		return true
	}
	return false
}

// Validate checks size and header without decoding pixel data. maxBytes <= 0 disables the size check.
func Validate(data []byte, maxBytes int64) (Info, error) {
	if maxBytes > 0 && int64(len(data)) > maxBytes {
		return Info{}, fmt.Errorf("%w: %d bytes exceeds %d", ErrTooLarge, len(data), maxBytes)
	}
	cfg, name, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return Info{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	f := Format(name)
	if !Supported(f) {
		return Info{}, fmt.Errorf("%w: %s", ErrUnsupportedFormat, name)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return Info{}, fmt.Errorf("%w: empty dimensions %dx%d", ErrDecode, cfg.Width, cfg.Height)
	}
	return Info{Format: f, Width: cfg.Width, Height: cfg.Height}, nil
}

// Decode fully decodes data, applying EXIF orientation. GIFs yield their first frame.
func Decode(data []byte) (image.Image, Format, error) {
	info, err := Validate(data, 0)
	if err != nil {
		return nil, "", err
	}
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return img, info.Format, nil
}

// Resize scales img to fit inside maxW x maxH preserving aspect ratio. The scale factor is
// min(maxW/w, maxH/h) floored to whole pixels, and images already inside the box are not enlarged.
func Resize(img image.Image, maxW, maxH int) image.Image {
	w, h := fitSize(img.Bounds().Dx(), img.Bounds().Dy(), maxW, maxH)
	if w == img.Bounds().Dx() && h == img.Bounds().Dy() {
		return imaging.Clone(img)
	}
	return imaging.Resize(img, w, h, imaging.Lanczos)
}

// Thumbnail fits img inside maxW x maxH then center-crops to a square. Margins are truncated,
// so on odd deltas the extra pixel is cut from the right or bottom edge.
func Thumbnail(img image.Image, maxW, maxH int) image.Image {
	fit := Resize(img, maxW, maxH)
	w, h := fit.Bounds().Dx(), fit.Bounds().Dy()
	if w == h {
		return fit
	}
	side := min(w, h)
	left := (w - side) / 2
	top := (h - side) / 2
	return imaging.Crop(fit, image.Rect(left, top, left+side, top+side))
}

// fitSize computes target dimensions with integer math so the constrained axis hits the box exactly.
func fitSize(w, h, maxW, maxH int) (int, int) {
	if w <= 0 || h <= 0 || maxW <= 0 || maxH <= 0 {
		return w, h
	}
	if w <= maxW && h <= maxH {
		return w, h
	}
	var nw, nh int
	if maxW*h <= maxH*w {
		nw, nh = maxW, h*maxW/w
	} else {
		nw, nh = w*maxH/h, maxH
	}
	return max(nw, 1), max(nh, 1)
}

// Compress re-encodes img in format. JPEG uses quality; PNG uses best compression and GIF a full
// palette, both ignoring quality. There is no WEBP encoder, so WEBP sources are written as JPEG.
// JPEG and GIF output of an image with transparency is flattened onto white first, since the
// GIF quantizer has no transparent palette entry.
// It returns the encoded bytes and the format actually written.
func Compress(img image.Image, format Format, quality int) ([]byte, Format, error) {
	if quality < 1 || quality > 100 {
		quality = 85
	}
	buf := &bytes.Buffer{}
	var err error
	out := format
	switch format {
	case FormatPNG:
		err = imaging.Encode(buf, img, imaging.PNG, imaging.PNGCompressionLevel(png.BestCompression))
	case FormatGIF:
		err = imaging.Encode(buf, flatten(img), imaging.GIF, imaging.GIFNumColors(256))
	case FormatJPEG, FormatWEBP:
		out = FormatJPEG
		err = imaging.Encode(buf, flatten(img), imaging.JPEG, imaging.JPEGQuality(quality))
	default:
		return nil, "", fmt.Errorf("%w: cannot encode %s", ErrUnsupportedFormat, format)
	}
	if err != nil {
		return nil, "", fmt.Errorf("%w: encode %s: %v", models.ErrTransform, out, err)
	}
	return buf.Bytes(), out, nil
}

// flatten composites img over an opaque white canvas.
func flatten(img image.Image) image.Image {
	if o, ok := img.(interface{ Opaque() bool }); ok && o.Opaque() {
		return img
	}
	b := img.Bounds()
	bg := imaging.New(b.Dx(), b.Dy(), color.White)
	return imaging.Overlay(bg, img, image.Pt(0, 0), 1.0)
}

// FormatFromMIME maps an upload content type to a Format. Unknown types return "".
func FormatFromMIME(mime string) Format {
	switch strings.ToLower(strings.TrimSpace(mime)) {
	case "image/jpeg", "image/jpg":
		return FormatJPEG
	case "image/png":
		return FormatPNG
	case "image/webp":
		return FormatWEBP
	case "image/gif":
		return FormatGIF
	}
	return ""
}

// MIMEType returns the content type for f.
func MIMEType(f Format) string {
	switch f {
	case FormatPNG:
		return "image/png"
	case FormatWEBP:
		return "image/webp"
	case FormatGIF:
		return "image/gif"
	default:
		return "image/jpeg"
	}
}

// Extension picks the file extension for an encoded derivative. The original file's extension is
// kept when it already names the encoded format.
func Extension(f Format, originalFilename string) string {
	ext := strings.TrimPrefix(strings.ToLower(path.Ext(originalFilename)), ".")
	switch f {
	case FormatJPEG:
		if ext == "jpg" || ext == "jpeg" {
			return ext
		}
		return "jpg"
	case FormatPNG:
		return "png"
	case FormatGIF:
		return "gif"
	case FormatWEBP:
		return "webp"
	}
	return ext
}
