// Package geometry owns drawing-mode state over a map surface and produces
// the portable GeoJSON document a contribution carries. A capture is either
// fed an uploaded file or accumulates vertices click by click until the
// shape is finalized; the two sources are mutually exclusive for a draft.
package geometry

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

type Mode string

const (
	ModeFile Mode = "file"
	ModeDraw Mode = "draw"
)

type DrawType string

const (
	DrawLine    DrawType = "line"
	DrawPolygon DrawType = "polygon"
)

const (
	minLineVertices    = 2
	minPolygonVertices = 3
)

var (
	ErrTooFewVertices  = errors.New("too few vertices for shape")
	ErrNoGeometry      = errors.New("no geometry captured")
	ErrNotDrawing      = errors.New("no drawing in progress")
	ErrInvalidDocument = errors.New("invalid geometry document")
)

// MapSurface is the rendering collaborator. Implementations are purely
// visual; the capture never reads state back from the surface.
type MapSurface interface {
	ShowWorking(drawType DrawType, points []orb.Point)
	ShowGuide(from, to orb.Point)
	ClearGuide()
	ShowShape(doc *geojson.FeatureCollection)
	ClearShape()
	FitBounds(bound orb.Bound)
}

// NopSurface satisfies MapSurface for headless use.
type NopSurface struct{}

func (NopSurface) ShowWorking(DrawType, []orb.Point)    {}
func (NopSurface) ShowGuide(orb.Point, orb.Point)       {}
func (NopSurface) ClearGuide()                          {}
func (NopSurface) ShowShape(*geojson.FeatureCollection) {}
func (NopSurface) ClearShape()                          {}
func (NopSurface) FitBounds(orb.Bound)                  {}

// Capture is the per-draft geometry state machine.
type Capture struct {
	surface MapSurface

	mode     Mode
	drawType DrawType
	drawing  bool
	points   []orb.Point

	finalized *geojson.FeatureCollection
	fileDoc   *geojson.FeatureCollection
	dirty     bool
}

func NewCapture(surface MapSurface) *Capture {
	if surface == nil {
		surface = NopSurface{}
	}
	return &Capture{surface: surface, mode: ModeFile}
}

func (c *Capture) Mode() Mode         { return c.mode }
func (c *Capture) Dirty() bool        { return c.dirty }
func (c *Capture) Drawing() bool      { return c.drawing }
func (c *Capture) DrawType() DrawType { return c.drawType }
func (c *Capture) PointCount() int    { return len(c.points) }

// SetMode switches between file import and manual drawing. Switching to
// file discards any in-progress or finalized draw geometry; switching to
// draw discards an imported file document.
func (c *Capture) SetMode(mode Mode) {
	if mode == c.mode {
		return
	}
	c.mode = mode
	if mode == ModeFile {
		c.resetDraw()
		return
	}
	c.fileDoc = nil
}

// StartDraw arms click-to-add-vertex accumulation for a new shape. Starting
// a draw replaces any previously finalized shape.
func (c *Capture) StartDraw(drawType DrawType) {
	c.SetMode(ModeDraw)
	if c.finalized != nil {
		c.finalized = nil
		c.dirty = false
		c.surface.ClearShape()
	}
	c.drawing = true
	c.drawType = drawType
	c.points = nil
	c.surface.ShowWorking(drawType, nil)
}

// OnSurfaceClick commits one vertex. Clicks are ignored unless a draw is in
// progress; vertex accumulation has no upper bound.
func (c *Capture) OnSurfaceClick(point orb.Point) {
	if c.mode != ModeDraw || !c.drawing {
		return
	}
	c.points = append(c.points, point)
	c.surface.ShowWorking(c.drawType, c.points)
}

// OnPointerMove previews the next edge from the last committed vertex to
// the pointer. Line mode only, never persisted.
func (c *Capture) OnPointerMove(point orb.Point) {
	if !c.drawing || c.drawType != DrawLine || len(c.points) == 0 {
		c.surface.ClearGuide()
		return
	}
	c.surface.ShowGuide(c.points[len(c.points)-1], point)
}

// UndoLastPoint pops the last committed vertex; no-op on an empty sequence.
func (c *Capture) UndoLastPoint() {
	if !c.drawing || len(c.points) == 0 {
		return
	}
	c.points = c.points[:len(c.points)-1]
	c.surface.ShowWorking(c.drawType, c.points)
}

// Finalize snapshots the working vertices into an immutable shape. Below
// the minimum vertex count it fails without touching any state. Success
// marks the geometry dirty and spends the drawing: a new draw must be
// explicitly started to replace the shape.
func (c *Capture) Finalize() error {
	if !c.drawing {
		return ErrNotDrawing
	}
	min := minLineVertices
	if c.drawType == DrawPolygon {
		min = minPolygonVertices
	}
	if len(c.points) < min {
		return fmt.Errorf("%w: have %d, need %d", ErrTooFewVertices, len(c.points), min)
	}

	var geom orb.Geometry
	if c.drawType == DrawPolygon {
		ring := make(orb.Ring, 0, len(c.points)+1)
		ring = append(ring, c.points...)
		ring = append(ring, c.points[0])
		geom = orb.Polygon{ring}
	} else {
		line := make(orb.LineString, len(c.points))
		copy(line, c.points)
		geom = line
	}

	doc := geojson.NewFeatureCollection()
	doc.Append(geojson.NewFeature(geom))

	c.finalized = doc
	c.dirty = true
	c.points = nil
	c.drawing = false
	c.drawType = ""

	c.surface.ClearGuide()
	c.surface.ShowShape(doc)
	c.surface.FitBounds(geom.Bound())
	return nil
}

// Clear unconditionally returns the capture to its pristine initial state.
// It is the only operation that reverts dirty to false.
func (c *Capture) Clear() {
	c.resetDraw()
	c.fileDoc = nil
}

func (c *Capture) resetDraw() {
	c.drawing = false
	c.drawType = ""
	c.points = nil
	c.finalized = nil
	c.dirty = false
	c.surface.ClearGuide()
	c.surface.ClearShape()
}

// ImportFile consumes an uploaded GeoJSON file, normalizing it into a
// feature collection. It switches the capture to file mode.
func (c *Capture) ImportFile(data []byte) (Counts, error) {
	doc, err := Normalize(data)
	if err != nil {
		return Counts{}, err
	}
	if len(doc.Features) == 0 {
		return Counts{}, fmt.Errorf("%w: no features", ErrInvalidDocument)
	}
	c.SetMode(ModeFile)
	c.fileDoc = doc
	return CountFeatures(doc), nil
}

// LoadPortable renders an existing geometry document directly as a
// finalized, non-dirty shape, bypassing vertex accumulation. Edit mode
// uses it to preload the stored geometry.
func (c *Capture) LoadPortable(data []byte) error {
	doc, err := Normalize(data)
	if err != nil {
		return err
	}
	c.SetMode(ModeDraw)
	c.drawing = false
	c.drawType = ""
	c.points = nil
	c.finalized = doc
	c.dirty = false
	c.surface.ShowShape(doc)
	if bound, ok := documentBound(doc); ok {
		c.surface.FitBounds(bound)
	}
	return nil
}

// HasGeometry reports whether the active mode holds a usable geometry:
// an imported document in file mode, a finalized shape in draw mode.
func (c *Capture) HasGeometry() bool {
	if c.mode == ModeFile {
		return c.fileDoc != nil
	}
	return c.finalized != nil
}

// HasFinalizedDraw reports a finalized manual shape, as opposed to one
// merely in progress.
func (c *Capture) HasFinalizedDraw() bool {
	return c.finalized != nil
}

// ToPortableFormat serializes the captured geometry as a GeoJSON feature
// collection document.
func (c *Capture) ToPortableFormat() ([]byte, error) {
	doc := c.fileDoc
	if c.mode == ModeDraw {
		doc = c.finalized
	}
	if doc == nil {
		return nil, ErrNoGeometry
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal geometry document: %w", err)
	}
	return data, nil
}

// VertexCount counts the distinct vertices of the captured geometry.
// Closing points of polygon rings are not counted twice.
func (c *Capture) VertexCount() int {
	doc := c.fileDoc
	if c.mode == ModeDraw {
		doc = c.finalized
	}
	if doc == nil {
		return 0
	}
	total := 0
	for _, f := range doc.Features {
		total += vertexCount(f.Geometry)
	}
	return total
}

func vertexCount(geom orb.Geometry) int {
	switch g := geom.(type) {
	case orb.Point:
		return 1
	case orb.MultiPoint:
		return len(g)
	case orb.LineString:
		return len(g)
	case orb.MultiLineString:
		n := 0
		for _, ls := range g {
			n += len(ls)
		}
		return n
	case orb.Polygon:
		n := 0
		for _, ring := range g {
			n += ringVertexCount(ring)
		}
		return n
	case orb.MultiPolygon:
		n := 0
		for _, poly := range g {
			n += vertexCount(poly)
		}
		return n
	case orb.Collection:
		n := 0
		for _, member := range g {
			n += vertexCount(member)
		}
		return n
	}
	return 0
}

func ringVertexCount(ring orb.Ring) int {
	n := len(ring)
	if n > 1 && ring[0] == ring[n-1] {
		return n - 1
	}
	return n
}

func documentBound(doc *geojson.FeatureCollection) (orb.Bound, bool) {
	var bound orb.Bound
	found := false
	for _, f := range doc.Features {
		if f.Geometry == nil {
			continue
		}
		if !found {
			bound = f.Geometry.Bound()
			found = true
			continue
		}
		bound = bound.Union(f.Geometry.Bound())
	}
	return bound, found
}
