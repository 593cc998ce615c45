package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/gokrazy/sunxihwc"
	"github.com/gokrazy/sunxihwc/internal/format"
	"github.com/gokrazy/sunxihwc/internal/geom"
	"github.com/gokrazy/sunxihwc/internal/layer"
)

// A scene describes the layer lists of a frame. The framebuffer target is
// appended to every list.
//
//	{"displays": [[
//	  {"handle": 1, "format": "RGBX8888", "size": [1920, 1080], "frame": [0, 0, 1920, 1080]},
//	  {"handle": 2, "format": "YV12", "size": [1280, 720], "frame": [320, 180, 1600, 900]}
//	]]}
type scene struct {
	Displays [][]sceneLayer `json:"displays"`
}

type sceneLayer struct {
	Handle uint64 `json:"handle"`
	Format string `json:"format"`
	Size   [2]int `json:"size"`
	// Crop defaults to the whole buffer.
	Crop      *[4]float64 `json:"crop,omitempty"`
	Frame     [4]int      `json:"frame"`
	Transform uint32      `json:"transform,omitempty"`
	Blending  string      `json:"blending,omitempty"`
	Alpha     *uint8      `json:"alpha,omitempty"`
	Skip      bool        `json:"skip,omitempty"`
	Scattered bool        `json:"scattered,omitempty"`
}

// demoScene is shown when no scene file is given: a wallpaper, a video in
// the middle, a translucent status bar and a window the GPU has to draw.
var demoScene = scene{
	Displays: [][]sceneLayer{{
		{Handle: 1, Format: "RGBX8888", Size: [2]int{1920, 1080}, Frame: [4]int{0, 0, 1920, 1080}},
		{Handle: 2, Format: "YV12", Size: [2]int{1280, 720}, Frame: [4]int{320, 180, 1600, 900}},
		{Handle: 3, Format: "RGBA8888", Size: [2]int{1920, 48}, Frame: [4]int{0, 0, 1920, 48}, Blending: "premult"},
		{Handle: 4, Format: "RGBA8888", Size: [2]int{640, 400}, Frame: [4]int{1200, 600, 1840, 1000}, Blending: "premult", Skip: true},
	}},
}

func loadScene(path string) (scene, error) {
	if path == "" {
		return demoScene, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return scene{}, err
	}
	var sc scene
	if err := json.Unmarshal(b, &sc); err != nil {
		return scene{}, fmt.Errorf("%s: %w", path, err)
	}
	return sc, nil
}

func parseFormat(name string) (format.HAL, error) {
	for _, f := range format.Formats() {
		if f.String() == name {
			return f, nil
		}
	}
	return 0, fmt.Errorf("unknown pixel format %q", name)
}

var blendings = map[string]layer.Blending{
	"":         layer.BlendNone,
	"none":     layer.BlendNone,
	"premult":  layer.BlendPremult,
	"coverage": layer.BlendCoverage,
}

// lists turns the scene into layer lists. targets holds the screen size of
// each display, used for its framebuffer target; a display without one is
// left out.
func (sc scene) lists(targets [][2]int) ([]*sunxihwc.Display, error) {
	var out []*sunxihwc.Display
	for i, ls := range sc.Displays {
		if i >= len(targets) || targets[i][0] <= 0 || len(ls) == 0 {
			out = append(out, nil)
			continue
		}
		d := &sunxihwc.Display{RetireFence: -1, OutBufAcquireFence: -1}
		for j, sl := range ls {
			l, err := sl.layer()
			if err != nil {
				return nil, fmt.Errorf("display %d, layer %d: %w", i, j, err)
			}
			d.Layers = append(d.Layers, l)
		}
		w, h := targets[i][0], targets[i][1]
		d.Layers = append(d.Layers, &sunxihwc.Layer{
			Composition:  sunxihwc.FramebufferTarget,
			Blending:     layer.BlendPremult,
			PlaneAlpha:   0xff,
			SourceCrop:   geom.FRect{Right: float64(w), Bottom: float64(h)},
			DisplayFrame: geom.Rect{Right: w, Bottom: h},
			AcquireFence: -1,
			ReleaseFence: -1,
		})
		out = append(out, d)
	}
	return out, nil
}

func (sl sceneLayer) layer() (*sunxihwc.Layer, error) {
	f, err := parseFormat(sl.Format)
	if err != nil {
		return nil, err
	}
	blend, ok := blendings[sl.Blending]
	if !ok {
		return nil, fmt.Errorf("unknown blending %q", sl.Blending)
	}
	if sl.Size[0] <= 0 || sl.Size[1] <= 0 {
		return nil, fmt.Errorf("buffer size %dx%d", sl.Size[0], sl.Size[1])
	}
	crop := geom.FRect{Right: float64(sl.Size[0]), Bottom: float64(sl.Size[1])}
	if c := sl.Crop; c != nil {
		crop = geom.FRect{Left: c[0], Top: c[1], Right: c[2], Bottom: c[3]}
	}
	alpha := uint8(0xff)
	if sl.Alpha != nil {
		alpha = *sl.Alpha
	}
	var flags uint32
	if sl.Skip {
		flags |= layer.FlagSkip
	}
	return &sunxihwc.Layer{
		Buffer: &sunxihwc.Buffer{
			Handle:     sl.Handle,
			FD:         -1,
			Format:     f,
			Width:      sl.Size[0],
			Height:     sl.Size[1],
			Contiguous: !sl.Scattered,
		},
		Flags:        flags,
		Transform:    layer.Transform(sl.Transform),
		Blending:     blend,
		PlaneAlpha:   alpha,
		SourceCrop:   crop,
		DisplayFrame: geom.Rect{Left: sl.Frame[0], Top: sl.Frame[1], Right: sl.Frame[2], Bottom: sl.Frame[3]},
		AcquireFence: -1,
		ReleaseFence: -1,
	}, nil
}
