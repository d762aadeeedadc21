// Package imgdec turns received page images into rows of 8-bit samples.
package imgdec

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
	"io"

	_ "golang.org/x/image/tiff"
)

// ErrRowSize is returned when the row buffer is too small.
var ErrRowSize = errors.New("row buffer too small")

// Decoder yields the rows of one decoded page, top to bottom. Gray
// images produce one byte per pixel, everything else three (RGB).
type Decoder struct {
	img      image.Image
	format   string
	bounds   image.Rectangle
	channels int
	row      int
}

// Decode decodes a JPEG, PNG or TIFF page.
func Decode(data []byte) (*Decoder, error) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	d := &Decoder{
		img:      img,
		format:   format,
		bounds:   img.Bounds(),
		channels: 3,
	}
	if isGray(img) {
		d.channels = 1
	}
	return d, nil
}

func isGray(img image.Image) bool {
	switch m := img.(type) {
	case *image.Gray, *image.Gray16:
		return true
	case *image.Paletted:
		for _, c := range m.Palette {
			r, g, b, _ := c.RGBA()
			if r != g || g != b {
				return false
			}
		}
		return true
	}
	return false
}

// Format returns the name of the detected image format.
func (d *Decoder) Format() string { return d.format }

// Width returns the image width in pixels.
func (d *Decoder) Width() int { return d.bounds.Dx() }

// Height returns the image height in pixels.
func (d *Decoder) Height() int { return d.bounds.Dy() }

// Channels returns 1 for gray images and 3 for color ones.
func (d *Decoder) Channels() int { return d.channels }

// RowBytes returns the size of one row.
func (d *Decoder) RowBytes() int { return d.Width() * d.channels }

// ReadRow fills dst with the next row. It returns io.EOF once every row
// has been read.
func (d *Decoder) ReadRow(dst []byte) error {
	if d.row >= d.Height() {
		return io.EOF
	}
	if len(dst) < d.RowBytes() {
		return ErrRowSize
	}

	y := d.bounds.Min.Y + d.row
	d.row++

	x0, w := d.bounds.Min.X, d.Width()
	switch m := d.img.(type) {
	case *image.Gray:
		off := m.PixOffset(x0, y)
		copy(dst, m.Pix[off:off+w])
	case *image.RGBA:
		off := m.PixOffset(x0, y)
		for x := range w {
			copy(dst[x*3:x*3+3], m.Pix[off+x*4:off+x*4+3])
		}
	case *image.YCbCr:
		for x := range w {
			yi, ci := m.YOffset(x0+x, y), m.COffset(x0+x, y)
			dst[x*3], dst[x*3+1], dst[x*3+2] = color.YCbCrToRGB(m.Y[yi], m.Cb[ci], m.Cr[ci])
		}
	default:
		if d.channels == 1 {
			for x := range w {
				dst[x] = color.GrayModel.Convert(m.At(x0+x, y)).(color.Gray).Y
			}
			break
		}
		for x := range w {
			r, g, b, _ := m.At(x0+x, y).RGBA()
			dst[x*3], dst[x*3+1], dst[x*3+2] = byte(r>>8), byte(g>>8), byte(b>>8)
		}
	}
	return nil
}
