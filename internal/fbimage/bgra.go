// Copyright 2018 Axel Wagner
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package fbimage provides image types over memory the display engine
// scans out: the mmapped frame buffer and ION buffers.
package fbimage

import (
	"image"
	"image/color"
)

// BGRA is a draw.Image over memory in the display engine's ARGB8888
// layout, which stores blue first. Rect is the visible window, which may
// start anywhere inside a panned virtual frame buffer.
type BGRA struct {
	Pix    []byte
	Rect   image.Rectangle
	Stride int
}

func (i *BGRA) Bounds() image.Rectangle { return i.Rect }
func (i *BGRA) ColorModel() color.Model { return color.RGBAModel }

// PixOffset is the index of the first byte of pixel (x, y) in Pix.
func (i *BGRA) PixOffset(x, y int) int {
	return (y-i.Rect.Min.Y)*i.Stride + (x-i.Rect.Min.X)*4
}

// px returns the four bytes of pixel (x, y), nil outside Rect.
func (i *BGRA) px(x, y int) []byte {
	if !(image.Point{x, y}.In(i.Rect)) {
		return nil
	}
	n := i.PixOffset(x, y)
	return i.Pix[n : n+4 : n+4]
}

func (i *BGRA) At(x, y int) color.Color { return i.RGBAAt(x, y) }

func (i *BGRA) RGBAAt(x, y int) color.RGBA {
	p := i.px(x, y)
	if p == nil {
		return color.RGBA{}
	}
	return color.RGBA{R: p[2], G: p[1], B: p[0], A: p[3]}
}

func (i *BGRA) Set(x, y int, c color.Color) {
	i.SetRGBA(x, y, color.RGBAModel.Convert(c).(color.RGBA))
}

func (i *BGRA) SetRGBA(x, y int, c color.RGBA) {
	if p := i.px(x, y); p != nil {
		p[0], p[1], p[2], p[3] = c.B, c.G, c.R, c.A
	}
}

// CopyRGBA puts src at the top left corner of the visible window,
// swapping red and blue. The status program renders into an *image.RGBA
// and calls this once per frame, so the loop works on whole rows.
func (i *BGRA) CopyRGBA(src *image.RGBA) {
	w := min(i.Rect.Dx(), src.Rect.Dx())
	h := min(i.Rect.Dy(), src.Rect.Dy())
	for y := 0; y < h; y++ {
		so := src.PixOffset(src.Rect.Min.X, src.Rect.Min.Y+y)
		do := i.PixOffset(i.Rect.Min.X, i.Rect.Min.Y+y)
		s := src.Pix[so : so+4*w]
		d := i.Pix[do : do+4*w]
		for x := 0; x < len(s); x += 4 {
			// Small cap improves performance, see https://golang.org/issue/27857
			sp := s[x : x+4 : x+4]
			dp := d[x : x+4 : x+4]
			dp[0], dp[1], dp[2], dp[3] = sp[2], sp[1], sp[0], sp[3]
		}
	}
}
