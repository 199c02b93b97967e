package syncer

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// PointEWKT encodes a point as extended WKT, e.g. SRID=4326;POINT(127 37.5).
func PointEWKT(x, y float64, srid int) string {
	return fmt.Sprintf("SRID=%d;POINT(%s %s)", srid,
		strconv.FormatFloat(x, 'f', -1, 64),
		strconv.FormatFloat(y, 'f', -1, 64))
}

// ApplyGeo sets the geometry column of payload from its x/y fields. It
// returns false when the payload has no usable coordinates.
func ApplyGeo(geo *GeoSpec, payload map[string]any) (bool, error) {
	if geo == nil {
		return false, nil
	}
	rawX, okX := payload[geo.XField]
	rawY, okY := payload[geo.YField]
	if !okX && !okY {
		return false, nil
	}
	if rawX == nil || rawY == nil {
		return false, fmt.Errorf("%s/%s must both be set", geo.XField, geo.YField)
	}

	x, err := toFloat(rawX)
	if err != nil {
		return false, fmt.Errorf("%s: %w", geo.XField, err)
	}
	y, err := toFloat(rawY)
	if err != nil {
		return false, fmt.Errorf("%s: %w", geo.YField, err)
	}

	payload[geo.Field] = PointEWKT(x, y, geo.SRID)
	return true, nil
}

func toFloat(v any) (float64, error) {
	var f float64
	switch t := v.(type) {
	case float64:
		f = t
	case float32:
		f = float64(t)
	case int64:
		f = float64(t)
	case int:
		f = float64(t)
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, fmt.Errorf("not a number: %q", t)
		}
		f = parsed
	default:
		return 0, fmt.Errorf("unsupported coordinate type %T", v)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("coordinate is not finite")
	}
	return f, nil
}
