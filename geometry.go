package pdvu

import "math"

// PageGeometry is an immutable value describing a page's unscaled bounds
// plus the integer pixel rectangle, byte size, physical aspect, and
// rotation of the currently requested scaled/rotated view.
//
// Invariant: ByteSize == 3*Width*Height at all times; Width/Height/IX0..IY1
// are always consistent with the rounded Base rectangle.
type PageGeometry struct {
	BaseX0, BaseY0, BaseX1, BaseY1 float64

	IX0, IY0, IX1, IY1 int
	Width, Height      int
	ByteSize           int

	AccWidth, AccHeight float64

	Rotation int
}

// NewPageGeometry builds the base (zoom=1, rotation=0) geometry for a page
// whose unscaled bounds are given. It rounds the pixel rectangle the same
// way Scale does, so NewPageGeometry(...).Scale(1) returns a geometry equal
// to the one this constructor built.
func NewPageGeometry(x0, y0, x1, y1 float64) PageGeometry {
	g := PageGeometry{
		BaseX0: x0, BaseY0: y0, BaseX1: x1, BaseY1: y1,
		AccWidth:  x1 - x0,
		AccHeight: y1 - y0,
	}
	g.roundPixelRect()
	return g
}

func (g *PageGeometry) roundPixelRect() {
	g.IX0 = int(math.Round(g.BaseX0))
	g.IY0 = int(math.Round(g.BaseY0))
	g.IX1 = int(math.Round(g.BaseX1))
	g.IY1 = int(math.Round(g.BaseY1))
	g.Width = g.IX1 - g.IX0
	g.Height = g.IY1 - g.IY0
	if g.Width < 0 {
		g.Width = 0
	}
	if g.Height < 0 {
		g.Height = 0
	}
	g.ByteSize = 3 * g.Width * g.Height
}

// Scale returns a new geometry with the base coordinates multiplied by z;
// the pixel rectangle and byte size are recomputed from the scaled base.
// Rotation is preserved.
func (g PageGeometry) Scale(z float64) PageGeometry {
	out := g
	out.BaseX0 = g.BaseX0 * z
	out.BaseY0 = g.BaseY0 * z
	out.BaseX1 = g.BaseX1 * z
	out.BaseY1 = g.BaseY1 * z
	out.AccWidth = g.AccWidth * z
	out.AccHeight = g.AccHeight * z
	out.roundPixelRect()
	return out
}

// RotateQuarterClockwise rotates the geometry n quarter-turns clockwise.
// Odd n swaps width/height (and the accumulated aspect fields); ByteSize is
// preserved since the same number of pixels is covered either way. Rotation
// is updated modulo 360, kept non-negative.
func (g PageGeometry) RotateQuarterClockwise(n int) PageGeometry {
	out := g
	quarters := ((n % 4) + 4) % 4
	if quarters%2 == 1 {
		out.BaseX0, out.BaseY0 = g.BaseY0, g.BaseX0
		out.BaseX1, out.BaseY1 = g.BaseY1, g.BaseX1
		out.AccWidth, out.AccHeight = g.AccHeight, g.AccWidth
		out.IX0, out.IY0 = g.IY0, g.IX0
		out.IX1, out.IY1 = g.IY1, g.IX1
		out.Width, out.Height = g.Height, g.Width
	}
	out.ByteSize = g.ByteSize
	out.Rotation = ((g.Rotation + quarters*90) % 360)
	if out.Rotation < 0 {
		out.Rotation += 360
	}
	return out
}
