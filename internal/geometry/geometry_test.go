package geometry

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/asar-dev/asar-loader/internal/fault"
	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromPoint(t *testing.T) {
	assert.Equal(t, "POINT(4.35 50.85)", FromPoint(50.85, 4.35))
}

func TestFromBounds(t *testing.T) {
	got := FromBounds(51, 5, 50, 4)
	assert.Equal(t, "POLYGON((4 50,4 51,5 51,5 50,4 50))", got)

	geom, err := Validate(got)
	require.NoError(t, err)
	poly, ok := geom.(orb.Polygon)
	require.True(t, ok)
	assert.True(t, poly[0].Closed())
}

func TestParseLatLon(t *testing.T) {
	got, err := ParseLatLon(" 50.85, 4.35 ")
	require.NoError(t, err)
	assert.Equal(t, "POINT(4.35 50.85)", got)

	for _, in := range []string{"50.85", "a,b", "91,0", "0,181", "1,2,3"} {
		_, err := ParseLatLon(in)
		assert.Truef(t, errors.Is(err, fault.ErrInvalidParameter), "input %q: %v", in, err)
	}
}

func TestParseBounds(t *testing.T) {
	got, err := ParseBounds("51,5,50,4")
	require.NoError(t, err)
	assert.Equal(t, FromBounds(51, 5, 50, 4), got)

	_, err = ParseBounds("50,4,51,5")
	assert.ErrorIs(t, err, fault.ErrInvalidParameter)

	_, err = ParseBounds("51,5,50")
	assert.ErrorIs(t, err, fault.ErrInvalidParameter)
}

func TestFromGeoJSON(t *testing.T) {
	polygon := `{"type":"Polygon","coordinates":[[[4,50],[4,51],[5,51],[5,50],[4,50]]]}`
	want := "POLYGON((4 50,4 51,5 51,5 50,4 50))"

	tests := []struct {
		name string
		doc  string
	}{
		{"geometry", polygon},
		{"feature", `{"type":"Feature","properties":{},"geometry":` + polygon + `}`},
		{"collection", `{"type":"FeatureCollection","features":[{"type":"Feature","properties":{},"geometry":` + polygon + `},` +
			`{"type":"Feature","properties":{},"geometry":{"type":"Point","coordinates":[0,0]}}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := FromGeoJSON(strings.NewReader(tt.doc))
			require.NoError(t, err)
			assert.Equal(t, want, got)
		})
	}
}

func TestFromGeoJSONErrors(t *testing.T) {
	for _, doc := range []string{
		`not json`,
		`{"type":"FeatureCollection","features":[]}`,
		`{"type":"Point","coordinates":[200,0]}`,
	} {
		_, err := FromGeoJSON(strings.NewReader(doc))
		assert.ErrorIs(t, err, fault.ErrInvalidParameter, doc)
	}
}

func TestFromGeoJSONFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "aoi.geojson")
	require.NoError(t, os.WriteFile(path, []byte(`{"type":"Point","coordinates":[4.35,50.85]}`), 0644))

	got, err := FromGeoJSONFile(path)
	require.NoError(t, err)
	assert.Equal(t, "POINT(4.35 50.85)", got)

	_, err = FromGeoJSONFile(filepath.Join(t.TempDir(), "missing.geojson"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	_, err := Validate("POINT(4.35 50.85)")
	assert.NoError(t, err)

	for _, in := range []string{"", "POLYGON((4 50,4 51", "CIRCLE(1 2)", "POINT(300 10)"} {
		_, err := Validate(in)
		assert.ErrorIs(t, err, fault.ErrQuery, in)
	}
}
