package device

import (
	"context"
	"fmt"
	"io"

	"github.com/mzyy94/airscan/internal/imgdec"
	"github.com/mzyy94/airscan/internal/proto"
)

// pageGeom is the image a job asked for and how to cut it out of what the
// device sends. Skips are in image pixels.
type pageGeom struct {
	mode         proto.ColorMode
	wid, hei     int
	skipX, skipY int
}

// page produces the output lines of one received image. Rows the device
// sent beyond the requested window are dropped; missing ones are padded
// with white.
type page struct {
	dec  *imgdec.Decoder
	geom pageGeom

	row     []byte // decoder row
	gray    []byte // line art before packing
	line    []byte
	out     []byte // unread part of line
	lines   int
	skipped bool
}

func newPage(data []byte, g pageGeom) (*page, error) {
	dec, err := imgdec.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", proto.StatusIOError, err)
	}
	want := 1
	if g.mode == proto.ColorModeRGB {
		want = 3
	}
	if dec.Channels() != want {
		return nil, fmt.Errorf("%w: %d-channel %s image for %s scan",
			proto.StatusIOError, dec.Channels(), dec.Format(), g.mode)
	}

	p := &page{
		dec:  dec,
		geom: g,
		row:  make([]byte, dec.RowBytes()),
		line: make([]byte, bytesPerLine(g.mode, g.wid)),
	}
	if g.mode == proto.ColorModeBW1 {
		p.gray = make([]byte, g.wid)
	}
	return p, nil
}

func (p *page) nextLine() {
	if !p.skipped {
		for range p.geom.skipY {
			if p.dec.ReadRow(p.row) != nil {
				break
			}
		}
		p.skipped = true
	}

	dst := p.line
	if p.geom.mode == proto.ColorModeBW1 {
		dst = p.gray
	}
	n := 0
	if p.dec.ReadRow(p.row) == nil {
		if off := p.geom.skipX * p.dec.Channels(); off < len(p.row) {
			n = copy(dst, p.row[off:])
		}
	}
	for i := n; i < len(dst); i++ {
		dst[i] = 0xff
	}
	if p.geom.mode == proto.ColorModeBW1 {
		packBits(p.line, p.gray)
	}

	p.out = p.line
	p.lines++
}

// packBits packs 8-bit gray samples into 1 bit per pixel, 1 being black.
func packBits(dst, gray []byte) {
	clear(dst)
	for x, v := range gray {
		if v < 0x80 {
			dst[x/8] |= 0x80 >> (x % 8)
		}
	}
}

// read copies as many bytes of the remaining lines into buf as fit. It
// returns 0 once the last line has been read.
func (p *page) read(buf []byte) int {
	n := 0
	for n < len(buf) {
		if len(p.out) == 0 {
			if p.lines >= p.geom.hei {
				break
			}
			p.nextLine()
		}
		c := copy(buf[n:], p.out)
		p.out = p.out[c:]
		n += c
	}
	return n
}

// openPage takes the next received image off the queue and sets up its
// decoder. The global lock is released while decoding.
func (d *Device) openPage() error {
	j := &d.job
	data := j.images[0]
	j.images[0] = nil
	j.images = j.images[1:]
	j.delivered++
	if len(j.images) == 0 && j.state.working() {
		d.readEv.Reset()
	}
	g := j.geom

	d.loop.Unlock()
	pg, err := newPage(data, g)
	d.loop.Lock()

	switch {
	case d.closed:
		return ErrClosed
	case d.job.status == proto.StatusCancelled:
		return proto.StatusCancelled
	case err != nil:
		d.log.Warn("page decode failed", "page", j.delivered, "err", err)
		d.eof = true
		return err
	}
	d.page = pg
	return nil
}

// currentPage returns the page being read, opening the next received one
// and waiting for it if needed. The global lock must be held.
func (d *Device) currentPage(ctx context.Context) (*page, error) {
	for {
		j := &d.job
		switch {
		case d.closed:
			return nil, ErrClosed
		case j.status == proto.StatusCancelled:
			d.page = nil
			return nil, proto.StatusCancelled
		case d.page != nil:
			return d.page, nil
		case d.eof:
			return nil, io.EOF
		case len(j.images) > 0:
			if err := d.openPage(); err != nil {
				return nil, err
			}
			continue
		case !j.state.working():
			if err := jobError(j.status, j.err); err != nil {
				return nil, err
			}
			return nil, io.EOF
		}

		d.readEv.Reset()
		d.loop.Unlock()
		err := d.readEv.Wait(ctx)
		d.loop.Lock()
		if err != nil {
			return nil, err
		}
	}
}

// Read reads image lines of the current page into buf. It blocks until
// the page has arrived. After the last line of the page it returns
// 0, io.EOF; call Start to move on to the next page.
func (d *Device) Read(ctx context.Context, buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}

	d.loop.Lock()
	pg, err := d.currentPage(ctx)
	d.loop.Unlock()
	if err != nil {
		return 0, err
	}

	n := pg.read(buf)
	if n == 0 {
		d.loop.Lock()
		if d.page == pg {
			d.page = nil
			d.eof = true
		}
		d.loop.Unlock()
		return 0, io.EOF
	}
	return n, nil
}
