package main

import (
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gokrazy/sunxihwc"
	"github.com/gokrazy/sunxihwc/internal/layer"
)

func simDevice(t *testing.T) *sunxihwc.Device {
	t.Helper()
	dev, done, err := openDevice("1920x1080")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(done)
	if err := prepare(dev, demoScene); err != nil {
		t.Fatal(err)
	}
	return dev
}

func drawToFile(dev *sunxihwc.Device, dir string, w, h int) error {
	img := image.NewRGBA(image.Rect(0, 0, w, h))

	drawer, err := newStatusDrawer(img, dev)
	if err != nil {
		return err
	}
	defer drawer.Close()
	if err := drawer.draw1(context.Background()); err != nil {
		return err
	}

	out, err := os.Create(filepath.Join(dir, fmt.Sprintf("hwcstatus-%dx%d.jpg", w, h)))
	if err != nil {
		return err
	}
	defer out.Close()
	if err := jpeg.Encode(out, img, nil); err != nil {
		return err
	}
	return out.Close()
}

func TestDraw(t *testing.T) {
	dev := simDevice(t)
	dir := t.TempDir()
	for _, resolution := range []struct {
		w, h int
	}{
		{w: 800, h: 600},
		{w: 1024, h: 768},
		{w: 1920, h: 1080}, // Full HD
		{w: 2560, h: 1440}, // typical 27 inch resolution
		{w: 3840, h: 2160}, // 4K resolution
	} {
		if err := drawToFile(dev, dir, resolution.w, resolution.h); err != nil {
			t.Fatal(err)
		}
	}
}

func TestDrawCanceled(t *testing.T) {
	dev := simDevice(t)
	drawer, err := newStatusDrawer(image.NewRGBA(image.Rect(0, 0, 640, 480)), dev)
	if err != nil {
		t.Fatal(err)
	}
	defer drawer.Close()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := drawer.draw1(ctx); err != context.Canceled {
		t.Errorf("draw1 = %v, want context.Canceled", err)
	}
}

func TestDemoScene(t *testing.T) {
	dev := simDevice(t)
	a := dev.Prepared(sunxihwc.Primary)
	if a == nil {
		t.Fatal("primary display not prepared")
	}
	ls := a.List.Layers
	if got, want := len(ls), len(demoScene.Displays[0])+1; got != want {
		t.Fatalf("%d layers, want %d", got, want)
	}
	if c := ls[3].Composition; c != sunxihwc.Framebuffer {
		t.Errorf("skipped layer composed as %v", c)
	}
	if c := ls[len(ls)-1].Composition; c != sunxihwc.FramebufferTarget {
		t.Errorf("target composed as %v", c)
	}
	if !strings.Contains(dev.Dump(), "SkipLayer") {
		t.Errorf("dump does not name the skipped layer:\n%s", dev.Dump())
	}
}

func TestLoadScene(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scene.json")
	const js = `{"displays": [[
		{"handle": 7, "format": "NV21", "size": [720, 576], "crop": [0, 0, 704, 576],
		 "frame": [0, 0, 1280, 720], "transform": 4, "alpha": 128, "blending": "coverage", "scattered": true}
	]]}`
	if err := os.WriteFile(path, []byte(js), 0644); err != nil {
		t.Fatal(err)
	}
	sc, err := loadScene(path)
	if err != nil {
		t.Fatal(err)
	}
	lists, err := sc.lists([][2]int{{1280, 720}, {0, 0}})
	if err != nil {
		t.Fatal(err)
	}
	if len(lists) != 1 || len(lists[0].Layers) != 2 {
		t.Fatalf("lists = %+v", lists)
	}
	l := lists[0].Layers[0]
	if l.Buffer.Handle != 7 || l.Buffer.Format.String() != "NV21" || l.Buffer.Contiguous {
		t.Errorf("buffer = %+v", l.Buffer)
	}
	if l.SourceCrop.Right != 704 || l.Transform != layer.Rot90 || l.PlaneAlpha != 128 || l.Blending != layer.BlendCoverage {
		t.Errorf("layer = %+v", l)
	}
	target := lists[0].Target()
	if target.Composition != sunxihwc.FramebufferTarget || target.DisplayFrame.Right != 1280 {
		t.Errorf("target = %+v", target)
	}
}

func TestSceneErrors(t *testing.T) {
	for _, sl := range []sceneLayer{
		{Format: "ARGB4444", Size: [2]int{1, 1}},
		{Format: "RGBA8888", Size: [2]int{1, 1}, Blending: "add"},
		{Format: "RGBA8888"},
	} {
		sc := scene{Displays: [][]sceneLayer{{sl}}}
		if _, err := sc.lists([][2]int{{640, 480}}); err == nil {
			t.Errorf("%+v: no error", sl)
		}
	}
	if _, err := loadScene(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("missing scene file: no error")
	}
}

func TestOpenDeviceSim(t *testing.T) {
	if _, _, err := openDevice("large"); err == nil {
		t.Error("malformed -sim accepted")
	}
	dev := simDevice(t)
	attr, err := dev.Attributes(sunxihwc.Primary)
	if err != nil {
		t.Fatal(err)
	}
	if attr.Width != 1920 || attr.Height != 1080 {
		t.Errorf("attributes = %+v", attr)
	}
}
