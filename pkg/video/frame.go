// Package video holds the RGB frame type produced by renderers and consumed
// by transports and the recorder.
package video

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	_ "image/png" // registers the PNG decoder used by Decode
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// Frame is a packed 24-bit RGB image, row-major, 3 bytes per pixel.
type Frame struct {
	Width  int
	Height int
	Pix    []byte
}

// NewFrame allocates a black frame.
func NewFrame(width, height int) Frame {
	return Frame{Width: width, Height: height, Pix: make([]byte, width*height*3)}
}

// Solid returns a frame filled with one colour.
func Solid(width, height int, c color.RGBA) Frame {
	f := NewFrame(width, height)
	for i := 0; i+2 < len(f.Pix); i += 3 {
		f.Pix[i], f.Pix[i+1], f.Pix[i+2] = c.R, c.G, c.B
	}
	return f
}

// IsZero reports whether f holds no pixels.
func (f Frame) IsZero() bool { return len(f.Pix) == 0 }

// Validate checks that Pix matches the declared dimensions.
func (f Frame) Validate() error {
	if f.Width <= 0 || f.Height <= 0 {
		return fmt.Errorf("video: invalid frame size %dx%d", f.Width, f.Height)
	}
	if len(f.Pix) != f.Width*f.Height*3 {
		return fmt.Errorf("video: frame %dx%d has %d bytes, want %d", f.Width, f.Height, len(f.Pix), f.Width*f.Height*3)
	}
	return nil
}

// FromImage converts any image to a packed RGB frame.
func FromImage(img image.Image) Frame {
	b := img.Bounds()
	rgba, ok := img.(*image.RGBA)
	if !ok || b.Min != (image.Point{}) {
		rgba = image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
		draw.Draw(rgba, rgba.Bounds(), img, b.Min, draw.Src)
	}
	f := NewFrame(b.Dx(), b.Dy())
	for y := range f.Height {
		row := rgba.Pix[y*rgba.Stride:]
		for x := range f.Width {
			si, di := x*4, (y*f.Width+x)*3
			f.Pix[di], f.Pix[di+1], f.Pix[di+2] = row[si], row[si+1], row[si+2]
		}
	}
	return f
}

// Image returns f as an [*image.RGBA].
func (f Frame) Image() *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, f.Width, f.Height))
	for i, j := 0, 0; i+2 < len(f.Pix) && j+3 < len(img.Pix); i, j = i+3, j+4 {
		img.Pix[j], img.Pix[j+1], img.Pix[j+2], img.Pix[j+3] = f.Pix[i], f.Pix[i+1], f.Pix[i+2], 0xff
	}
	return img
}

// EncodeJPEG writes f as a baseline JPEG.
func (f Frame) EncodeJPEG(w io.Writer, quality int) error {
	if err := f.Validate(); err != nil {
		return err
	}
	return jpeg.Encode(w, f.Image(), &jpeg.Options{Quality: quality})
}

// JPEG returns f encoded as JPEG bytes.
func (f Frame) JPEG(quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := f.EncodeJPEG(&buf, quality); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode reads a PNG or JPEG image into a frame.
func Decode(r io.Reader) (Frame, error) {
	img, _, err := image.Decode(r)
	if err != nil {
		return Frame{}, fmt.Errorf("video: decode: %w", err)
	}
	return FromImage(img), nil
}

// ErrEmptySequence is returned by [LoadSequence] when a directory holds no
// decodable images.
var ErrEmptySequence = errors.New("video: no images in sequence directory")

// LoadSequence decodes every .png, .jpg and .jpeg file in dir, sorted by file
// name. All frames must share the dimensions of the first one.
func LoadSequence(dir string) ([]Frame, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("video: load sequence %q: %w", dir, err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".png", ".jpg", ".jpeg":
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmptySequence, dir)
	}
	slices.SortFunc(names, compareNatural)

	frames := make([]Frame, 0, len(names))
	for _, name := range names {
		f, err := loadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		if len(frames) > 0 && (f.Width != frames[0].Width || f.Height != frames[0].Height) {
			return nil, fmt.Errorf("video: %s is %dx%d, sequence is %dx%d", name, f.Width, f.Height, frames[0].Width, frames[0].Height)
		}
		frames = append(frames, f)
	}
	return frames, nil
}

func loadFile(path string) (Frame, error) {
	fh, err := os.Open(path)
	if err != nil {
		return Frame{}, fmt.Errorf("video: open %q: %w", path, err)
	}
	defer fh.Close()
	f, err := Decode(fh)
	if err != nil {
		return Frame{}, fmt.Errorf("video: %s: %w", filepath.Base(path), err)
	}
	return f, nil
}

// compareNatural orders "2.png" before "10.png". Names whose stems are not
// both integers fall back to byte order.
func compareNatural(a, b string) int {
	na, okA := numericStem(a)
	nb, okB := numericStem(b)
	if okA && okB && na != nb {
		if na < nb {
			return -1
		}
		return 1
	}
	return strings.Compare(a, b)
}

func numericStem(name string) (int, bool) {
	stem := strings.TrimSuffix(name, filepath.Ext(name))
	if stem == "" || len(stem) > 9 {
		return 0, false
	}
	n := 0
	for _, r := range stem {
		if r < '0' || r > '9' {
			return 0, false
		}
		n = n*10 + int(r-'0')
	}
	return n, true
}
