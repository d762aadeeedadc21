package scanner

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"

	"github.com/go-pdf/fpdf"

	"github.com/mzyy94/airscan/internal/proto"
)

// JPEGQuality is used for color and grayscale pages embedded in PDFs.
const JPEGQuality = 90

// WritePDF combines scanned pages into a single PDF file.
func WritePDF(pages []Page, outputPath string) error {
	data, err := GeneratePDF(pages)
	if err != nil {
		return err
	}
	return os.WriteFile(outputPath, data, 0644)
}

// GeneratePDF combines scanned pages into a PDF in memory. Each PDF page
// has the physical size of the scan. Line art pages are embedded as 1-bit
// paletted PNG, everything else as JPEG.
func GeneratePDF(pages []Page) ([]byte, error) {
	if len(pages) == 0 {
		return nil, fmt.Errorf("no pages to write")
	}

	pdf := fpdf.New("P", "mm", "", "")
	pdf.SetAutoPageBreak(false, 0)

	for i, p := range pages {
		dpi := p.Resolution
		if dpi <= 0 {
			dpi = 300
		}
		b := p.Image.Bounds()
		widthMM := proto.PxToMM(b.Dx(), dpi)
		heightMM := proto.PxToMM(b.Dy(), dpi)
		pdf.AddPageFormat("P", fpdf.SizeType{Wd: widthMM, Ht: heightMM})

		var (
			buf bytes.Buffer
			typ string
		)
		if p.Mode == proto.ColorModeBW1 {
			typ = "PNG"
			if err := png.Encode(&buf, toBitonal(p.Image)); err != nil {
				return nil, fmt.Errorf("encode page %d PNG: %w", i+1, err)
			}
		} else {
			typ = "JPEG"
			if err := jpeg.Encode(&buf, p.Image, &jpeg.Options{Quality: JPEGQuality}); err != nil {
				return nil, fmt.Errorf("encode page %d JPEG: %w", i+1, err)
			}
		}

		name := fmt.Sprintf("page%d", i)
		pdf.RegisterImageOptionsReader(name, fpdf.ImageOptions{ImageType: typ}, &buf)
		pdf.ImageOptions(name, 0, 0, widthMM, heightMM, false, fpdf.ImageOptions{}, 0, "")
	}

	var out bytes.Buffer
	if err := pdf.Output(&out); err != nil {
		return nil, fmt.Errorf("generate PDF: %w", err)
	}
	return out.Bytes(), nil
}

// toBitonal converts an image to a 1-bit paletted image (black & white).
func toBitonal(img image.Image) *image.Paletted {
	bounds := img.Bounds()
	palette := color.Palette{color.White, color.Black}
	dst := image.NewPaletted(bounds, palette)

	// Fast path: line art pages are *image.Gray holding 0x00 or 0xff
	if gray, ok := img.(*image.Gray); ok {
		w := bounds.Dx()
		for y := range bounds.Dy() {
			srcRow := gray.Pix[y*gray.Stride : y*gray.Stride+w]
			dstRow := dst.Pix[y*dst.Stride : y*dst.Stride+w]
			for x, v := range srcRow {
				if v < 128 {
					dstRow[x] = 1 // black
				}
			}
		}
		return dst
	}

	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, _, _, _ := img.At(x, y).RGBA()
			if r < 0x8000 {
				dst.SetColorIndex(x, y, 1)
			}
		}
	}
	return dst
}

// EncodePNG encodes one page as PNG. Line art is written 1-bit paletted.
func EncodePNG(p Page) ([]byte, error) {
	var img image.Image = p.Image
	if p.Mode == proto.ColorModeBW1 {
		img = toBitonal(p.Image)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
