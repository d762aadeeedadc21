package scanner

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"

	"github.com/mzyy94/airscan/internal/device"
	"github.com/mzyy94/airscan/internal/proto"
)

// Page is one scanned page.
type Page struct {
	Image      image.Image
	Mode       proto.ColorMode
	Resolution int // dots per inch
}

// lineReader adapts Device.Read to io.Reader.
type lineReader struct {
	ctx context.Context
	d   *device.Device
}

func (r lineReader) Read(p []byte) (int, error) { return r.d.Read(r.ctx, p) }

// ReadPage reads the page opened by the last Start into an image.
func ReadPage(ctx context.Context, d *device.Device) (Page, error) {
	p := d.Params()
	pg := Page{Mode: p.ColorMode, Resolution: d.Options().Resolution}
	rect := image.Rect(0, 0, p.PixelsPerLine, p.Lines)

	var (
		gray *image.Gray
		rgba *image.RGBA
	)
	if p.ColorMode == proto.ColorModeRGB {
		rgba = image.NewRGBA(rect)
		pg.Image = rgba
	} else {
		gray = image.NewGray(rect)
		pg.Image = gray
	}

	r := lineReader{ctx, d}
	line := make([]byte, p.BytesPerLine)
	for y := range p.Lines {
		if _, err := io.ReadFull(r, line); err != nil {
			return pg, fmt.Errorf("read line %d: %w", y, err)
		}
		switch p.ColorMode {
		case proto.ColorModeRGB:
			row := rgba.Pix[y*rgba.Stride:]
			for x := range p.PixelsPerLine {
				copy(row[x*4:x*4+3], line[x*3:x*3+3])
				row[x*4+3] = 0xff
			}
		case proto.ColorModeGray:
			copy(gray.Pix[y*gray.Stride:], line)
		case proto.ColorModeBW1:
			row := gray.Pix[y*gray.Stride:]
			for x := range p.PixelsPerLine {
				if line[x/8]&(0x80>>(x%8)) == 0 {
					row[x] = 0xff
				}
			}
		}
	}

	// the end of page must be consumed before the next Start
	if n, err := r.Read(line); n != 0 || err != io.EOF {
		if err == nil {
			err = errors.New("page longer than announced")
		}
		return pg, fmt.Errorf("end of page: %w", err)
	}
	return pg, nil
}

// ScanBatch applies opts to d and scans until the source runs dry: one
// page for the flatbed, every page in the feeder for an ADF source.
func ScanBatch(ctx context.Context, d *device.Device, opts device.Options) ([]Page, error) {
	opts, err := d.SetOptions(opts)
	if err != nil {
		return nil, fmt.Errorf("set options: %w", err)
	}

	var pages []Page
	for {
		err := d.Start(ctx)
		if errors.Is(err, proto.StatusNoDocs) && len(pages) > 0 {
			break
		}
		if err != nil {
			return pages, fmt.Errorf("page %d: %w", len(pages)+1, err)
		}
		pg, err := ReadPage(ctx, d)
		if err != nil {
			return pages, fmt.Errorf("page %d: %w", len(pages)+1, err)
		}
		pages = append(pages, pg)
		if !opts.Source.IsADF() {
			break
		}
	}
	if err := d.WaitDone(ctx); err != nil {
		return pages, err
	}
	return pages, nil
}
