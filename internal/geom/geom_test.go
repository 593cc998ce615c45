package geom

import "testing"

func TestIntersect(t *testing.T) {
	for _, tt := range []struct {
		name string
		a, b Rect
		want Rect
		ok   bool
	}{
		{"disjoint", Rect{0, 0, 10, 10}, Rect{20, 20, 30, 30}, Rect{}, false},
		{"touching", Rect{0, 0, 10, 10}, Rect{10, 0, 20, 10}, Rect{}, false},
		{"overlap", Rect{0, 0, 10, 10}, Rect{5, 5, 15, 15}, Rect{5, 5, 10, 10}, true},
		{"contained", Rect{0, 0, 100, 100}, Rect{10, 20, 30, 40}, Rect{10, 20, 30, 40}, true},
	} {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := tt.a.Intersect(tt.b)
			if got != tt.want || ok != tt.ok {
				t.Fatalf("Intersect(%v, %v) = %v, %v; want %v, %v", tt.a, tt.b, got, ok, tt.want, tt.ok)
			}
			if got2, ok2 := tt.b.Intersect(tt.a); got2 != got || ok2 != ok {
				t.Fatalf("Intersect is not symmetric: %v vs %v", got, got2)
			}
		})
	}
}

func TestAlign(t *testing.T) {
	for _, tt := range []struct{ v, a, want int }{
		{0, 32, 0},
		{1, 32, 32},
		{1080, 32, 1088},
		{1920, 16, 1920},
		{961, 8, 968},
	} {
		if got := Align(tt.v, tt.a); got != tt.want {
			t.Errorf("Align(%d, %d) = %d, want %d", tt.v, tt.a, got, tt.want)
		}
	}
	if got := Align(uint32(4097), 4096); got != 8192 {
		t.Errorf("Align(4097, 4096) = %d, want 8192", got)
	}
}

func TestQ32(t *testing.T) {
	q := ToQ32(1920)
	if q.Int() != 1920 {
		t.Fatalf("ToQ32(1920).Int() = %d", q.Int())
	}
	if half := q + Q32One/2; half.Int() != 1920 {
		t.Fatalf("fraction changed integer part: %d", half.Int())
	}
	if got := Clamp(-3, 0, 10); got != 0 {
		t.Fatalf("Clamp(-3, 0, 10) = %d", got)
	}
	if got := Abs(-0.5); got != 0.5 {
		t.Fatalf("Abs(-0.5) = %v", got)
	}
}
