package render

import (
	"bytes"
	"image"
	"image/jpeg"

	"golang.org/x/image/draw"
)

const (
	startQuality = 85
	qualityStep  = 10
	minQuality   = 45
	scaleStep    = 0.75
)

// Compress re-encodes data as JPEG when it exceeds maxBytes, stepping
// quality down first and then downscaling. It stops at the first result
// under maxBytes or after attempts tries and returns the smallest encoding
// seen, or data itself when nothing was smaller. It never fails.
func Compress(data []byte, maxBytes, attempts int) ([]byte, string) {
	if maxBytes <= 0 || len(data) <= maxBytes {
		return data, detectContentType(data)
	}
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return data, detectContentType(data)
	}

	// JPEG has no alpha; flatten onto white so transparent areas stay light.
	b := src.Bounds()
	flat := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(flat, flat.Bounds(), image.White, image.Point{}, draw.Src)
	draw.Draw(flat, flat.Bounds(), src, b.Min, draw.Over)

	best := data
	quality := startQuality
	scale := 1.0
	for i := 0; i < attempts; i++ {
		img := image.Image(flat)
		if scale < 1.0 {
			img = resize(flat, scale)
		}
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
			break
		}
		if buf.Len() < len(best) {
			best = buf.Bytes()
		}
		if len(best) <= maxBytes {
			break
		}
		if quality-qualityStep >= minQuality {
			quality -= qualityStep
		} else {
			scale *= scaleStep
		}
	}
	return best, detectContentType(best)
}

func resize(img *image.RGBA, scale float64) image.Image {
	b := img.Bounds()
	w := max(1, int(float64(b.Dx())*scale))
	h := max(1, int(float64(b.Dy())*scale))
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Over, nil)
	return dst
}
