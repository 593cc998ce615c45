package fbimage

import "image"

// RawNRGBA wraps width·height 4-byte pixels as an *image.NRGBA without
// interpreting them. Rotating such an image moves pixels byte for byte, so
// it serves any 32-bit format including BGRA.
func RawNRGBA(pix []byte, width, height int) *image.NRGBA {
	return &image.NRGBA{
		Pix:    pix[:width*height*4],
		Stride: width * 4,
		Rect:   image.Rect(0, 0, width, height),
	}
}
