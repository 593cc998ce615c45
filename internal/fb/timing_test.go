package fb

import "testing"

func TestTiming(t *testing.T) {
	for _, tt := range []struct {
		name  string
		vinfo VarScreeninfo
		want  Timing
	}{
		{
			name:  "no timing",
			vinfo: VarScreeninfo{Xres: 1280, Yres: 800},
			want:  Timing{Width: 1280, Height: 800, RefreshHz: 60, DPIX: 160000, DPIY: 160000},
		},
		{
			// 1280x800 with 1440x823 total at 71 MHz, a 216x135 mm panel.
			name: "panel",
			vinfo: VarScreeninfo{
				Xres: 1280, Yres: 800,
				Left_margin: 100, Right_margin: 50, Hsync_len: 10,
				Upper_margin: 15, Lower_margin: 5, Vsync_len: 3,
				Pixclock: 14084,
				Width:    216, Height: 135,
			},
			want: Timing{Width: 1280, Height: 800, RefreshHz: 59, DPIX: 150518, DPIY: 150518},
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.vinfo.Timing(); got != tt.want {
				t.Fatalf("Timing() = %+v, want %+v", got, tt.want)
			}
		})
	}
}
