// Program hwcstatus shows how the sunxi hardware composer places a scene
// on the display engine: which layers it scans out on which channel, which
// it leaves to the GPU and why, next to the display and system status.
//
// The scene is only prepared, never committed, so hwcstatus can run next
// to a window system. With -sim it runs against a simulated display
// engine, on any machine.
package main

import (
	"context"
	"flag"
	"fmt"
	"image"
	"image/png"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"runtime/pprof"
	"strings"
	"time"

	"golang.org/x/term"

	"github.com/gokrazy/sunxihwc"
	"github.com/gokrazy/sunxihwc/internal/console"
	"github.com/gokrazy/sunxihwc/internal/fb"
	"github.com/gokrazy/sunxihwc/internal/fence/fencetest"
	"github.com/gokrazy/sunxihwc/internal/sunxi/sunxitest"
)

var (
	fbDev      = flag.String("fb", "", "frame buffer device to draw the status screen on, e.g. /dev/fb0")
	pngOut     = flag.String("png", "", "write one status screen to this PNG file")
	sceneFile  = flag.String("scene", "", "JSON scene to prepare; a built-in demo scene by default")
	sim        = flag.String("sim", "", "simulate a display engine driving a WxH panel instead of opening the device")
	interval   = flag.Duration("interval", 1*time.Second, "redraw interval with -fb")
	verbose    = flag.Bool("v", false, "log composer debug messages")
	cpuprofile = flag.String("cpuprofile", "", "cpu profile")
)

// openDevice opens the composer, or a simulated one for sim ("1280x720").
func openDevice(sim string) (*sunxihwc.Device, func(), error) {
	cfg := sunxihwc.Config{DisableUevent: true}
	cleanup := func() {}
	if sim != "" {
		var w, h int
		if _, err := fmt.Sscanf(sim, "%dx%d", &w, &h); err != nil || w <= 0 || h <= 0 {
			return nil, nil, fmt.Errorf("-sim=%q: want WxH", sim)
		}
		root, err := os.MkdirTemp("", "hwcstatus")
		if err != nil {
			return nil, nil, err
		}
		cleanup = func() { os.RemoveAll(root) }
		cfg.Kernel = sunxitest.New(w, h)
		cfg.Fences = fencetest.New()
		cfg.SysfsRoot = root
	}
	dev, err := sunxihwc.Open(cfg)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return dev, func() {
		dev.Close()
		cleanup()
	}, nil
}

// prepare runs sc through the composer.
func prepare(dev *sunxihwc.Device, sc scene) error {
	var targets [][2]int
	for disp := sunxihwc.Primary; disp <= sunxihwc.External; disp++ {
		var t [2]int
		if attr, err := dev.Attributes(disp); err == nil {
			t = [2]int{attr.Width, attr.Height}
		}
		targets = append(targets, t)
	}
	lists, err := sc.lists(targets)
	if err != nil {
		return err
	}
	return dev.Prepare(lists)
}

// printDump writes the layer dump to stdout, cut to the terminal width.
func printDump(dev *sunxihwc.Device) {
	width := 0
	if fd := int(os.Stdout.Fd()); term.IsTerminal(fd) {
		if w, _, err := term.GetSize(fd); err == nil {
			width = w
		}
	}
	for _, line := range strings.Split(dev.Dump(), "\n") {
		if width > 0 && len(line) > width {
			line = line[:width]
		}
		fmt.Println(line)
	}
}

func writePNG(dev *sunxihwc.Device, path string) error {
	w, h := 1920, 1080
	if attr, err := dev.Attributes(sunxihwc.Primary); err == nil {
		w, h = attr.Width, attr.Height
	}
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	drawer, err := newStatusDrawer(img, dev)
	if err != nil {
		return err
	}
	defer drawer.Close()
	if err := drawer.draw1(context.Background()); err != nil {
		return err
	}
	out, err := os.Create(path)
	if err != nil {
		return err
	}
	defer out.Close()
	if err := png.Encode(out, img); err != nil {
		return err
	}
	return out.Close()
}

func drawFramebuffer(ctx context.Context, dev *sunxihwc.Device, sc scene) error {
	lease, err := console.LeaseForGraphics()
	if err != nil {
		return err
	}
	defer func() {
		if err := lease.Release(); err != nil {
			log.Print(err)
		}
	}()

	fbdev, err := fb.Open(*fbDev)
	if err != nil {
		return err
	}
	defer fbdev.Close()
	if info, err := fbdev.VarScreeninfo(); err == nil {
		log.Printf("framebuffer screeninfo: %+v", info)
	}
	img, err := fbdev.Image()
	if err != nil {
		return err
	}
	drawer, err := newStatusDrawer(img, dev)
	if err != nil {
		return err
	}
	defer drawer.Close()

	tick := time.NewTicker(*interval)
	defer tick.Stop()
	for {
		if lease.Visible() {
			if err := prepare(dev, sc); err != nil {
				return err
			}
			if err := drawer.draw1(ctx); err != nil {
				return err
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-lease.Redraw():
		case <-tick.C:
		}
	}
}

func hwcstatus() error {
	// Cancel the context instead of exiting the program:
	ctx, canc := signal.NotifyContext(context.Background(), os.Interrupt)
	defer canc()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	sunxihwc.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	sc, err := loadScene(*sceneFile)
	if err != nil {
		return err
	}
	dev, done, err := openDevice(*sim)
	if err != nil {
		return err
	}
	defer done()
	if err := prepare(dev, sc); err != nil {
		return err
	}

	switch {
	case *fbDev != "":
		if err := drawFramebuffer(ctx, dev, sc); err != nil && err != context.Canceled {
			return err
		}
		return nil
	case *pngOut != "":
		return writePNG(dev, *pngOut)
	}
	printDump(dev)
	return nil
}

func main() {
	flag.Parse()

	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			log.Fatal(err)
		}
		pprof.StartCPUProfile(f)
		defer pprof.StopCPUProfile()
	}

	if err := hwcstatus(); err != nil {
		log.Fatal(err)
	}
}
