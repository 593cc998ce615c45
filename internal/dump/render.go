package dump

import (
	"fmt"
	"image"
	"image/color"
	"math"
	"sync"

	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/gomono"

	"github.com/gokrazy/sunxihwc/internal/assign"
)

// Channel colours, GPU layers are drawn in gray.
var channelColors = [...]color.NRGBA{
	{R: 0x72, G: 0x9F, B: 0xCF, A: 0xff}, // blue
	{R: 0x8A, G: 0xE2, B: 0x34, A: 0xff}, // green
	{R: 0xFC, G: 0xE9, B: 0x4F, A: 0xff}, // yellow
	{R: 0xEE, G: 0x38, B: 0xDA, A: 0xff}, // magenta
}

var (
	gpuColor = color.NRGBA{R: 0x55, G: 0x57, B: 0x53, A: 0xff}
	bgColor  = color.NRGBA{R: 50, G: 50, B: 50, A: 0xff}
)

var (
	monoOnce sync.Once
	monoFont *truetype.Font
	monoErr  error
)

func face(size float64) (font.Face, error) {
	monoOnce.Do(func() {
		monoFont, monoErr = truetype.Parse(gomono.TTF)
	})
	if monoErr != nil {
		return nil, monoErr
	}
	return truetype.NewFace(monoFont, &truetype.Options{Size: size}), nil
}

// ChannelColor returns the colour layers of channel ch are drawn in.
func ChannelColor(ch int) color.NRGBA {
	if ch < 0 {
		return gpuColor
	}
	return channelColors[ch%len(channelColors)]
}

// RenderMap draws the screen of d at width×height: every layer's frame is
// outlined, placed layers in their channel's colour and filled lightly,
// GPU layers dashed. Each outline is labelled with the layer index and
// its channel or reject reason.
func RenderMap(d *assign.Display, width, height int) (image.Image, error) {
	dc := gg.NewContext(width, height)
	dc.SetColor(bgColor)
	dc.Clear()

	sw, sh := d.Info.InitWidth, d.Info.InitHeight
	if sw <= 0 || sh <= 0 {
		sw, sh = width, height
	}
	sx := float64(width) / float64(sw)
	sy := float64(height) / float64(sh)

	size := math.Max(10, math.Floor(float64(width)/80))
	ff, err := face(size)
	if err != nil {
		return nil, err
	}
	dc.SetFontFace(ff)

	rows := Rows(d)
	for i, l := range d.List.Layers {
		if i == len(d.List.Layers)-1 && !d.UsedFB {
			// unused framebuffer target
			continue
		}
		r := l.DisplayFrame
		x, y := float64(r.Left)*sx, float64(r.Top)*sy
		w, h := float64(r.Dx())*sx, float64(r.Dy())*sy
		if w <= 0 || h <= 0 {
			continue
		}
		row := rows[i]
		c := ChannelColor(row.Channel)
		placed := i < len(d.Placements) && d.Placements[i].Placed()

		dc.DrawRectangle(x, y, w, h)
		if placed {
			dc.SetRGBA255(int(c.R), int(c.G), int(c.B), 0x30)
			dc.FillPreserve()
			dc.SetDash()
		} else {
			dc.SetDash(6, 4)
		}
		dc.SetRGB255(int(c.R), int(c.G), int(c.B))
		dc.SetLineWidth(2)
		dc.Stroke()

		label := fmt.Sprintf("#%d %s", i, row.Type)
		if placed {
			label += fmt.Sprintf(" ch%d/%d", row.Channel, row.Slot)
		} else if row.Reason != "" {
			label += " " + row.Reason
		}
		dc.DrawString(label, x+4, y+4+dc.FontHeight())
	}
	dc.SetDash()

	dc.SetRGB(1, 1, 1)
	dc.DrawString(fmt.Sprintf("disp %d  %dx%d  planes %d  fb %v  %d/%d",
		d.Index, d.Info.VarWidth, d.Info.VarHeight, d.Planes, d.UsedFB, d.Thruput(), d.Budget()),
		8, float64(height)-8)
	return dc.Image(), nil
}
