// Package geometry turns user supplied locations into the WKT area of
// interest used by catalog searches.
package geometry

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/asar-dev/asar-loader/internal/fault"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkt"
	"github.com/paulmach/orb/geojson"
)

// FromPoint returns the WKT point for a latitude/longitude pair.
func FromPoint(lat, lon float64) string {
	return wkt.MarshalString(orb.Point{lon, lat})
}

// FromBounds returns a closed WKT polygon covering the bounding box.
func FromBounds(maxLat, maxLon, minLat, minLon float64) string {
	ring := orb.Ring{
		{minLon, minLat},
		{minLon, maxLat},
		{maxLon, maxLat},
		{maxLon, minLat},
		{minLon, minLat},
	}
	return wkt.MarshalString(orb.Polygon{ring})
}

// FromGeoJSON reads a FeatureCollection, a Feature or a bare geometry and
// returns the WKT of the first geometry found.
func FromGeoJSON(r io.Reader) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("read geojson: %w", err)
	}

	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return "", fault.New(fault.CodeInvalidParameter, "invalid geojson", err)
	}

	var geom orb.Geometry
	switch head.Type {
	case "FeatureCollection":
		fc, err := geojson.UnmarshalFeatureCollection(data)
		if err != nil {
			return "", fault.New(fault.CodeInvalidParameter, "invalid geojson", err)
		}
		if len(fc.Features) == 0 {
			return "", fault.New(fault.CodeInvalidParameter, "geojson feature collection is empty", nil)
		}
		geom = fc.Features[0].Geometry
	case "Feature":
		f, err := geojson.UnmarshalFeature(data)
		if err != nil {
			return "", fault.New(fault.CodeInvalidParameter, "invalid geojson", err)
		}
		geom = f.Geometry
	default:
		g, err := geojson.UnmarshalGeometry(data)
		if err != nil {
			return "", fault.New(fault.CodeInvalidParameter, "invalid geojson", err)
		}
		geom = g.Geometry()
	}

	if geom == nil {
		return "", fault.New(fault.CodeInvalidParameter, "geojson has no geometry", nil)
	}
	if err := checkRange(geom); err != nil {
		return "", err
	}
	return wkt.MarshalString(geom), nil
}

// FromGeoJSONFile is FromGeoJSON on a file path.
func FromGeoJSONFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open geojson: %w", err)
	}
	defer f.Close()
	return FromGeoJSON(f)
}

// ParseLatLon parses "LAT,LON" and returns the WKT point.
func ParseLatLon(s string) (string, error) {
	v, err := parseFloats(s, 2)
	if err != nil {
		return "", err
	}
	lat, lon := v[0], v[1]
	if err := checkCoord(lat, lon); err != nil {
		return "", err
	}
	return FromPoint(lat, lon), nil
}

// ParseBounds parses "MAXLAT,MAXLON,MINLAT,MINLON" and returns the WKT polygon.
func ParseBounds(s string) (string, error) {
	v, err := parseFloats(s, 4)
	if err != nil {
		return "", err
	}
	maxLat, maxLon, minLat, minLon := v[0], v[1], v[2], v[3]
	if err := checkCoord(maxLat, maxLon); err != nil {
		return "", err
	}
	if err := checkCoord(minLat, minLon); err != nil {
		return "", err
	}
	if minLat >= maxLat || minLon >= maxLon {
		return "", fault.New(fault.CodeInvalidParameter,
			fmt.Sprintf("bounds %q: minimum must be below maximum", s), nil)
	}
	return FromBounds(maxLat, maxLon, minLat, minLon), nil
}

// Validate parses a WKT string. Malformed input is a query error.
func Validate(s string) (orb.Geometry, error) {
	geom, err := wkt.Unmarshal(strings.TrimSpace(s))
	if err != nil {
		return nil, fault.New(fault.CodeQuery, "malformed area of interest", err)
	}
	if err := checkRange(geom); err != nil {
		return nil, fault.New(fault.CodeQuery, fault.Message(err), nil)
	}
	return geom, nil
}

func parseFloats(s string, n int) ([]float64, error) {
	parts := strings.Split(s, ",")
	if len(parts) != n {
		return nil, fault.New(fault.CodeInvalidParameter,
			fmt.Sprintf("expected %d comma separated values, got %q", n, s), nil)
	}
	out := make([]float64, n)
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, fault.New(fault.CodeInvalidParameter,
				fmt.Sprintf("invalid coordinate %q", p), err)
		}
		out[i] = f
	}
	return out, nil
}

func checkCoord(lat, lon float64) error {
	if lat < -90 || lat > 90 {
		return fault.New(fault.CodeInvalidParameter, fmt.Sprintf("latitude %g out of range", lat), nil)
	}
	if lon < -180 || lon > 180 {
		return fault.New(fault.CodeInvalidParameter, fmt.Sprintf("longitude %g out of range", lon), nil)
	}
	return nil
}

func checkRange(geom orb.Geometry) error {
	b := geom.Bound()
	if b.IsEmpty() {
		return fault.New(fault.CodeInvalidParameter, "empty geometry", nil)
	}
	if err := checkCoord(b.Min.Lat(), b.Min.Lon()); err != nil {
		return err
	}
	return checkCoord(b.Max.Lat(), b.Max.Lon())
}
