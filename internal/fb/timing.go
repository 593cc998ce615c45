package fb

// Timing is the panel timing derived from the variable screen info.
type Timing struct {
	Width, Height int
	// RefreshHz falls back to 60 when the driver reports no pixel clock.
	RefreshHz int
	// DPIX and DPIY are dots per inch times 1000, falling back to 160 DPI
	// when the driver reports no physical size.
	DPIX, DPIY int
}

const (
	defaultRefresh = 60
	defaultDPI     = 160000
)

// Timing computes refresh rate and density from v. The refresh rate is
// 10¹² / (vtotal · htotal · pixclock), pixclock being in picoseconds.
func (v VarScreeninfo) Timing() Timing {
	t := Timing{
		Width:     int(v.Xres),
		Height:    int(v.Yres),
		RefreshHz: defaultRefresh,
		DPIX:      defaultDPI,
		DPIY:      defaultDPI,
	}
	vtotal := uint64(v.Upper_margin + v.Lower_margin + v.Vsync_len + v.Yres)
	htotal := uint64(v.Left_margin + v.Right_margin + v.Hsync_len + v.Xres)
	if denom := vtotal * htotal * uint64(v.Pixclock); denom > 0 {
		if hz := int(1000000000000 / denom); hz > 0 {
			t.RefreshHz = hz
		}
	}
	if v.Width > 0 {
		t.DPIX = int(float64(v.Xres) * 25.4 / float64(v.Width) * 1000)
	}
	if v.Height > 0 {
		t.DPIY = int(float64(v.Yres) * 25.4 / float64(v.Height) * 1000)
	}
	return t
}
