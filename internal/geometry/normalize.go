package geometry

import (
	"encoding/json"
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// Counts summarizes a normalized document by geometry kind, for the import
// feedback shown next to the file picker.
type Counts struct {
	Points   int
	Lines    int
	Polygons int
	Total    int
}

// Normalize accepts any valid GeoJSON value - a FeatureCollection, a bare
// Feature, or a raw geometry - and returns a FeatureCollection. MultiPoint
// geometries are split into one Point feature each so downstream styling
// treats every marker alike.
func Normalize(data []byte) (*geojson.FeatureCollection, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}

	switch head.Type {
	case "FeatureCollection":
		doc, err := geojson.UnmarshalFeatureCollection(data)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
		}
		return doc, nil
	case "Feature":
		feature, err := geojson.UnmarshalFeature(data)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
		}
		doc := geojson.NewFeatureCollection()
		if _, isMulti := feature.Geometry.(orb.MultiPoint); isMulti {
			appendNormalized(doc, feature.Geometry)
			return doc, nil
		}
		if feature.Properties == nil {
			feature.Properties = geojson.Properties{}
		}
		doc.Append(feature)
		return doc, nil
	case "Point", "LineString", "Polygon", "MultiPoint", "MultiLineString", "MultiPolygon", "GeometryCollection":
		g, err := geojson.UnmarshalGeometry(data)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
		}
		doc := geojson.NewFeatureCollection()
		appendNormalized(doc, g.Geometry())
		return doc, nil
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidDocument, head.Type)
	}
}

func appendNormalized(doc *geojson.FeatureCollection, geom orb.Geometry) {
	if geom == nil {
		return
	}
	if mp, ok := geom.(orb.MultiPoint); ok {
		for _, p := range mp {
			doc.Append(geojson.NewFeature(p))
		}
		return
	}
	doc.Append(geojson.NewFeature(geom))
}

// CountFeatures tallies the features of a normalized document.
func CountFeatures(doc *geojson.FeatureCollection) Counts {
	var counts Counts
	for _, f := range doc.Features {
		if f.Geometry == nil {
			continue
		}
		counts.Total++
		switch f.Geometry.(type) {
		case orb.Point, orb.MultiPoint:
			counts.Points++
		case orb.LineString, orb.MultiLineString:
			counts.Lines++
		case orb.Polygon, orb.MultiPolygon:
			counts.Polygons++
		}
	}
	return counts
}
