package main

import (
	"bufio"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"io"
	"log"
	"math"
	"os"
	"strings"
	"time"

	"github.com/fogleman/gg"
	"github.com/gokrazy/gokrazy"
	"github.com/gokrazy/stat/statexp"
	"github.com/golang/freetype/truetype"
	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/font/gofont/goitalic"
	"golang.org/x/image/font/gofont/gomono"
	"golang.org/x/image/font/gofont/goregular"

	"github.com/gokrazy/sunxihwc"
	"github.com/gokrazy/sunxihwc/internal/dump"
	"github.com/gokrazy/sunxihwc/internal/fbimage"
)

const lineSpacing = 1.5

// The layer map is rendered at this size and scaled into its panel.
const mapW, mapH = 960, 540

var bgcolor = color.RGBA{R: 50, G: 50, B: 50, A: 255}

var colorNameToRGBA = map[string]color.NRGBA{
	"darkgray": {R: 0x55, G: 0x57, B: 0x53},
	"red":      {R: 0xEF, G: 0x29, B: 0x29},
	"green":    {R: 0x8A, G: 0xE2, B: 0x34},
	"yellow":   {R: 0xFC, G: 0xE9, B: 0x4F},
	"blue":     {R: 0x72, G: 0x9F, B: 0xCF},
	"magenta":  {R: 0xEE, G: 0x38, B: 0xDA},
	"cyan":     {R: 0x34, G: 0xE2, B: 0xE2},
	"white":    {R: 0xEE, G: 0xEE, B: 0xEC},
}

func uptime() (string, error) {
	file, err := os.Open("/proc/uptime")
	if err != nil {
		return "", err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		parts := strings.Split(scanner.Text(), " ")
		dur, err := time.ParseDuration(parts[0] + "s")
		if err != nil {
			return "", err
		}
		return dur.Round(time.Second).String(), nil
	}
	return "", fmt.Errorf("BUG: parse /proc/uptime")
}

func scaleImage(bounds image.Rectangle, maxW, maxH int) image.Rectangle {
	imgW := bounds.Dx()
	imgH := bounds.Dy()
	ratio := float64(maxW) / float64(imgW)
	if r := float64(maxH) / float64(imgH); r < ratio {
		ratio = r
	}
	return image.Rect(0, 0, int(ratio*float64(imgW)), int(ratio*float64(imgH)))
}

func fillBackground(dc *gg.Context) {
	r, g, b, a := bgcolor.RGBA()
	dc.SetRGBA(
		float64(r)/0xffff,
		float64(g)/0xffff,
		float64(b)/0xffff,
		float64(a)/0xffff)
	dc.Clear()
}

// statusDrawer paints the composer status onto img: host and display
// details top left, the layer map of the primary display top right and
// the layer dump plus system statistics in the bottom half.
type statusDrawer struct {
	dev *sunxihwc.Device
	img draw.Image

	// All drawing goes to buffer, which is copied to img at the end.
	buffer *image.RGBA
	w, h   int

	info  *gg.Context
	title *gg.Context
	text  *gg.Context

	hostname string
	files    map[string]*os.File
	statRow  func(contents map[string][]byte) [][]string
	last     [][][]string

	lastRender, lastCopy time.Duration
	slowPathNotified     bool
}

func newStatusDrawer(img draw.Image, dev *sunxihwc.Device) (*statusDrawer, error) {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	d := &statusDrawer{
		dev:    dev,
		img:    img,
		buffer: image.NewRGBA(image.Rect(0, 0, w, h)),
		w:      w,
		h:      h,
		info:   gg.NewContext(w/2, h/2),
		title:  gg.NewContext(w/2, h/8),
		text:   gg.NewContext(w, h/2),
		files:  make(map[string]*os.File),
		last:   make([][][]string, 4),
	}

	size := 16 * math.Max(1, math.Floor(float64(w)/1024))
	for _, f := range []struct {
		ttf  []byte
		size float64
		dc   *gg.Context
	}{
		{goregular.TTF, size, d.info},
		{goitalic.TTF, 2 * size, d.title},
		{gomono.TTF, size * 3 / 4, d.text},
	} {
		font, err := truetype.Parse(f.ttf)
		if err != nil {
			return nil, err
		}
		f.dc.SetFontFace(truetype.NewFace(font, &truetype.Options{Size: f.size}))
	}

	hostname, err := os.Hostname()
	if err != nil {
		log.Print(err)
	}
	d.hostname = hostname

	modules := statexp.DefaultModules()
	for _, mod := range modules {
		// Modules implementing FileContents() get the contents of every
		// file they ask for passed to ProcessAndFormat.
		fc, ok := mod.(interface{ FileContents() []string })
		if !ok {
			continue
		}
		for _, f := range fc.FileContents() {
			if _, ok := d.files[f]; ok {
				continue
			}
			fl, err := os.Open(f)
			if err != nil {
				log.Printf("statistics unavailable: %v", err)
				continue
			}
			d.files[f] = fl
		}
	}
	d.statRow = func(contents map[string][]byte) [][]string {
		var row [][]string
		for _, mod := range modules {
			var modcols []string
			for _, col := range mod.ProcessAndFormat(contents) {
				modcols = append(modcols, col.RenderCustom(func(color, text string) string {
					return "$" + color + "$" + text
				}))
			}
			row = append(row, modcols)
		}
		return row
	}
	return d, nil
}

// Close closes the statistics files.
func (d *statusDrawer) Close() error {
	for _, f := range d.files {
		f.Close()
	}
	return nil
}

func (d *statusDrawer) readStats() (map[string][]byte, error) {
	contents := make(map[string][]byte)
	for path, fl := range d.files {
		if _, err := fl.Seek(0, io.SeekStart); err != nil {
			return nil, err
		}
		b, err := io.ReadAll(fl)
		if err != nil {
			return nil, err
		}
		contents[path] = b
	}
	return contents, nil
}

func (d *statusDrawer) infoLines() []string {
	lines := []string{
		"host “" + d.hostname + "” (" + gokrazy.Model() + ")",
		"time: " + time.Now().Format(time.RFC3339),
	}
	if up, err := uptime(); err == nil {
		lines[len(lines)-1] += ", up for " + up
	}
	if d.lastRender > 0 || d.lastCopy > 0 {
		lines[len(lines)-1] += fmt.Sprintf(", fb: draw %v, cp %v",
			d.lastRender.Round(time.Millisecond),
			d.lastCopy.Round(time.Millisecond))
	}
	lines = append(lines,
		"",
		fmt.Sprintf("session %s, %d frames committed", d.dev.Session(), d.dev.Frames()),
		"")
	for disp := sunxihwc.Primary; disp <= sunxihwc.External; disp++ {
		attr, err := d.dev.Attributes(disp)
		if err != nil {
			lines = append(lines, fmt.Sprintf("display %d: not connected", disp))
			continue
		}
		hz := 0.0
		if attr.VsyncPeriod > 0 {
			hz = 1e9 / float64(attr.VsyncPeriod)
		}
		lines = append(lines, fmt.Sprintf("display %d: %dx%d @ %.0f Hz, %d dpi",
			disp, attr.Width, attr.Height, hz, attr.DPIX/1000))
	}
	lines = append(lines, "", "Private IP addresses:")
	if addrs, err := gokrazy.PrivateInterfaceAddrs(); err == nil {
		lines = append(lines, addrs...)
	}
	return lines
}

// drawMap scales the layer map of the primary display into r.
func (d *statusDrawer) drawMap(r image.Rectangle) error {
	a := d.dev.Prepared(sunxihwc.Primary)
	if a == nil {
		return nil
	}
	m, err := dump.RenderMap(a, mapW, mapH)
	if err != nil {
		return err
	}
	dst := scaleImage(m.Bounds(), r.Dx(), r.Dy())
	dst = dst.Add(r.Min).Add(image.Point{(r.Dx() - dst.Dx()) / 2, (r.Dy() - dst.Dy()) / 2})
	xdraw.BiLinear.Scale(d.buffer, dst, m, m.Bounds(), draw.Over, nil)
	return nil
}

func (d *statusDrawer) drawText(contents map[string][]byte) {
	dc := d.text
	fillBackground(dc)
	dc.SetRGB(1, 1, 1)
	em, _ := dc.MeasureString("m")
	maxCols := int(float64(d.w-100) / em)

	y := dc.FontHeight() * 2
	for _, line := range strings.Split(d.dev.Dump(), "\n") {
		if maxCols > 0 && len(line) > maxCols {
			line = line[:maxCols]
		}
		dc.DrawString(line, 50, y)
		y += dc.FontHeight() * lineSpacing
	}

	copy(d.last, d.last[1:])
	d.last[len(d.last)-1] = d.statRow(contents)
	y += dc.FontHeight() * lineSpacing
	for _, row := range d.last {
		x := float64(50)
		for _, modcols := range row {
			for _, colored := range modcols {
				x += em
				for idx, field := range strings.Split(strings.TrimPrefix(colored, "$"), "$") {
					if idx%2 == 0 {
						col := colorNameToRGBA[field]
						dc.SetRGB255(int(col.R), int(col.G), int(col.B))
						continue
					}
					dc.DrawString(field, x, y)
					x += float64(len(field)) * em
				}
			}
			x += 3 * em
		}
		y += dc.FontHeight() * lineSpacing
	}
}

// draw1 paints one status frame.
func (d *statusDrawer) draw1(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	contents, err := d.readStats()
	if err != nil {
		return err
	}

	t1 := time.Now()
	bounds := d.buffer.Bounds()
	draw.Draw(d.buffer, bounds, &image.Uniform{bgcolor}, image.Point{}, draw.Src)

	fillBackground(d.info)
	d.info.SetRGB(1, 1, 1)
	texty := d.info.FontHeight() * 4
	for _, line := range d.infoLines() {
		d.info.DrawString(line, 50, texty)
		texty += d.info.FontHeight() * lineSpacing
	}
	draw.Draw(d.buffer, image.Rect(0, 0, d.w/2, d.h/2), d.info.Image(), image.Point{}, draw.Src)

	fillBackground(d.title)
	d.title.SetRGB(1, 1, 1)
	d.title.DrawStringAnchored("sunxi hwc", float64(d.w/4), float64(d.h/16), 0.5, 0.5)
	draw.Draw(d.buffer, image.Rect(d.w/2, 0, d.w, d.h/8), d.title.Image(), image.Point{}, draw.Src)

	if err := d.drawMap(image.Rect(d.w/2, d.h/8, d.w, d.h/2).Inset(10)); err != nil {
		return err
	}

	d.drawText(contents)
	draw.Draw(d.buffer, image.Rect(0, d.h/2, d.w, d.h), d.text.Image(), image.Point{}, draw.Src)
	d.lastRender = time.Since(t1)

	t2 := time.Now()
	dst := d.img.Bounds()
	if x, ok := d.img.(*fbimage.BGRA); ok {
		x.CopyRGBA(d.buffer)
	} else {
		if !d.slowPathNotified {
			log.Printf("framebuffer not BGRA, falling back to slow path")
			d.slowPathNotified = true
		}
		draw.Draw(d.img, dst, d.buffer, image.Point{}, draw.Src)
	}
	d.lastCopy = time.Since(t2)
	return nil
}
