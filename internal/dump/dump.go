// Package dump describes the assignment of a frame for debugging: as a
// text table per display, and as a picture of the screen with each layer
// outlined in the colour of the channel it landed on.
package dump

import (
	"fmt"
	"io"
	"math"
	"strings"
	"text/tabwriter"

	"github.com/gokrazy/sunxihwc/internal/assign"
	"github.com/gokrazy/sunxihwc/internal/frame"
	"github.com/gokrazy/sunxihwc/internal/layer"
)

// Frame is the composer state shown in the header of a dump.
type Frame struct {
	Sync     uint32
	ForceGPU bool
	Pool     frame.Stats
	// MemLimit is the bandwidth budget of all displays, Mem what the frame
	// uses.
	MemLimit int
	Mem      int
}

// Row is the description of one input layer.
type Row struct {
	Type      string
	Channel   int
	Slot      int
	Video     bool
	WScale    float64
	HScale    float64
	Alpha     uint8
	NeedSync  bool
	Handle    uint64
	Usage     uint32
	Flags     uint32
	Transform layer.Transform
	Blending  layer.Blending
	Format    string
	Crop      [4]int
	Frame     [4]int
	Reason    string
}

// Rows describes every layer of d in list order.
func Rows(d *assign.Display) []Row {
	rows := make([]Row, 0, len(d.List.Layers))
	for i, l := range d.List.Layers {
		r := Row{
			Type:      l.Composition.String(),
			Channel:   -1,
			Slot:      -1,
			Alpha:     0xff,
			Flags:     l.Flags,
			Transform: l.Transform,
			Blending:  l.Blending,
			Format:    "-",
			Crop: [4]int{
				int(math.Ceil(l.SourceCrop.Left)),
				int(math.Ceil(l.SourceCrop.Top)),
				int(math.Ceil(l.SourceCrop.Right)),
				int(math.Ceil(l.SourceCrop.Bottom)),
			},
			Frame:  [4]int{l.DisplayFrame.Left, l.DisplayFrame.Top, l.DisplayFrame.Right, l.DisplayFrame.Bottom},
			Reason: "NOT_ASSIGNED",
		}
		if b := l.Buffer; b != nil {
			r.Handle = b.Handle
			r.Usage = b.Usage
			r.Format = b.Format.String()
		}
		if i < len(d.Placements) {
			p := &d.Placements[i]
			r.NeedSync = p.NeedSync
			switch {
			case p.Placed():
				r.Reason = "ASSIGNED"
			case p.Decision != assign.Unassigned:
				r.Reason = p.Reason.String()
			}
			if ch := p.Channel; ch >= 0 && ch < len(d.Channels) {
				c := &d.Channels[ch]
				r.Channel = ch
				r.Video = c.Video
				r.WScale, r.HScale = c.WScale, c.HScale
				r.Alpha = c.PlaneAlpha
				for s, li := range c.Slots {
					if li == i {
						r.Slot = s
					}
				}
			}
		}
		rows = append(rows, r)
	}
	return rows
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func yn(b bool) string {
	if b {
		return "Y"
	}
	return "N"
}

// Write prints the header and layer table of d.
func Write(w io.Writer, f Frame, d *assign.Display) error {
	tw := tabwriter.NewWriter(w, 0, 0, 1, ' ', tabwriter.AlignRight|tabwriter.Debug)
	fmt.Fprintln(tw, "Frame\tDisp\tHW\tVsync\tFCGPU\tPool(used)\tAbandon\tTotal mem\tCur used\tDisp limit\tDisp used\tCH0\tCH1\tCH2\tCH3\tTimestamp\t")
	fmt.Fprintf(tw, "%d\t%d\t%d\t%s\t%s\t%d(%d)\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t\n",
		f.Sync,
		d.Index,
		d.Info.HW,
		yesNo(d.Info.VsyncEnabled),
		yesNo(f.ForceGPU),
		f.Pool.Managed, f.Pool.InUse,
		f.Pool.Abandoned,
		f.MemLimit,
		f.Mem,
		d.Budget(),
		d.Thruput(),
		d.Channels[0].Mem, d.Channels[1].Mem, d.Channels[2].Mem, d.Channels[3].Mem,
		d.Info.Timestamp)
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintln(w)

	tw = tabwriter.NewWriter(w, 0, 0, 1, ' ', tabwriter.Debug)
	fmt.Fprintln(tw, "Type\tCH\tSlot\tV\tSC W\tSC H\tPL\tS\tHandle\tUsage\tFlags\tTr\tBld\tFormat\tSource crop\tFrame\tReason\t")
	for _, r := range Rows(d) {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%s\t%1.2f\t%1.2f\t%02x\t%s\t%08x\t%08x\t%08x\t%02x\t%3x\t%s\t%s\t%s\t%s\t\n",
			r.Type,
			r.Channel,
			r.Slot,
			yn(r.Video),
			r.WScale,
			r.HScale,
			r.Alpha,
			yn(r.NeedSync),
			r.Handle,
			r.Usage,
			r.Flags,
			uint32(r.Transform),
			int32(r.Blending),
			r.Format,
			box(r.Crop),
			box(r.Frame),
			r.Reason)
	}
	return tw.Flush()
}

func box(b [4]int) string {
	return fmt.Sprintf("[%5d,%5d,%5d,%5d]", b[0], b[1], b[2], b[3])
}

// String returns the dump of d as text.
func String(f Frame, d *assign.Display) string {
	var sb strings.Builder
	Write(&sb, f, d)
	return sb.String()
}
