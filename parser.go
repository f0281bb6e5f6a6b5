package pdvu

import "errors"

var (
	// ErrBadPage is returned when a page number is out of bounds for the document.
	ErrBadPage = errors.New("pdvu: invalid page number")
	// ErrNoDisplayList is returned when the Parser capability could not build a
	// display list for a page.
	ErrNoDisplayList = errors.New("pdvu: failed to build display list")
	// ErrWriteSection is returned when the Parser capability failed to draw a
	// clipped region into the caller's buffer.
	ErrWriteSection = errors.New("pdvu: failed to write section")
)

// Rect is a float rectangle, used for the per-band clip passed to
// WriteSection. It mirrors the C layer's fz_rect
// shape: (x0,y0) top-left, (x1,y1) bottom-right.
type Rect struct {
	X0, Y0, X1, Y1 float64
}

// DisplayList is an opaque, shared-immutable per-page rasterization plan
// produced by a Parser. Multiple workers may hold the same DisplayList
// concurrently as long as each worker reads it through its own Parser
// duplicate; the pdvu core never inspects its contents.
type DisplayList any

// Parser is the external capability the render pipeline core depends on to
// turn a PDF page into pixels. It is intentionally the only seam between
// this package and an actual PDF implementation (MuPDF, or anything else);
// see mupdf_parser.go for the concrete cgo-backed implementation and
// fake_parser_test.go for the in-memory test double.
//
// A Parser is never shared between goroutines: each worker in the pool owns
// one exclusively, obtained via Duplicate.
type Parser interface {
	// NumPages returns the number of pages in the open document.
	NumPages() int

	// PageSpecs returns the unscaled geometry of a page, or false if the
	// page number is out of range.
	PageSpecs(page int) (PageGeometry, bool)

	// GetDisplayList builds (or returns a cached) display list for a page.
	GetDisplayList(page int) (DisplayList, error)

	// WriteSection draws the clipped region of a page into buf, which must
	// be exactly 3*w*h bytes, RGB, top-left origin. geom is the already
	// scaled/rotated page geometry; clip is the band's rectangle in that
	// same scaled coordinate space (see SplitBounds).
	WriteSection(w, h int, zoom float64, geom PageGeometry, dl DisplayList, buf []byte, clip Rect) error

	// Duplicate returns a deep clone of the Parser with an independent
	// parsing context. Clones never share mutable state with their
	// prototype or with each other.
	Duplicate() (Parser, error)

	// Close releases any resources the Parser owns. Duplicates and their
	// prototype are each closed independently.
	Close() error
}
