package api

import (
	"github.com/paulmach/orb/geojson"

	"github.com/kalambet/minewatch/internal/storage"
)

// FeatureCollection renders stored overlays as GeoJSON. Raster overlays
// become one rectangle feature carrying the image; polygon overlays become
// one feature per detection.
func FeatureCollection(overlays []storage.Overlay) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	for _, o := range overlays {
		if len(o.Content.Detections) == 0 {
			f := geojson.NewFeature(o.Extent.Bound().ToPolygon())
			f.ID = string(o.Handle)
			f.Properties["kind"] = string(o.Kind)
			f.Properties["opacity"] = o.Opacity
			f.Properties["image"] = o.Content.Image
			fc.Append(f)
			continue
		}
		for i, d := range o.Content.Detections {
			f := geojson.NewFeature(d.Geometry())
			f.ID = string(o.Handle)
			f.Properties["kind"] = string(o.Kind)
			f.Properties["opacity"] = o.Opacity
			f.Properties["part"] = i
			f.Properties["area_m2"] = d.AreaSquareMeters
			f.Properties["avg_confidence"] = d.AverageConfidence
			f.Properties["is_merged"] = d.IsMerged
			if d.Name != "" {
				f.Properties["name"] = d.Name
			}
			fc.Append(f)
		}
	}
	return fc
}
