package catalog

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const spatialExtension = "mod_spatialite"

type fixtureProduct struct {
	id, platform, orbit, polarisation, swath string
	date                                     time.Time
	footprint                                string
}

func day(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

var fixtureProducts = []fixtureProduct{
	// Covers the Brussels test area, larger than the search box.
	{"ASA_IMP_1PNESA20080115_a", "Envisat", "Descending", "VV", "IS2", day("2008-01-15"),
		"POLYGON((3.5 49.5,3.5 51.5,5.5 51.5,5.5 49.5,3.5 49.5))"},
	{"ASA_IMS_1PNESA20080116_b", "Envisat", "Descending", "VV", "IS2", day("2008-01-16"),
		"POLYGON((3.5 49.5,3.5 51.5,5.5 51.5,5.5 49.5,3.5 49.5))"},
	// Fully inside the search box.
	{"ASA_IMP_1PNESA20080118_g", "Envisat", "Ascending", "VV", "IS2", day("2008-01-18"),
		"POLYGON((4.2 50.2,4.2 50.8,4.8 50.8,4.8 50.2,4.2 50.2))"},
	{"ASA_IMP_1PNESA20080120_d", "Envisat", "Ascending", "HH", "IS4", day("2008-01-20"),
		"POLYGON((20 10,20 11,21 11,21 10,20 10))"},
	// Degenerate footprint, area above the bound.
	{"ASA_IMP_1PNESA20080125_e", "Envisat", "Descending", "VV", "IS2", day("2008-01-25"),
		"POLYGON((0 45,0 55,10 55,10 45,0 45))"},
	// Same place, outside the January window.
	{"ASA_IMP_1PNESA20080210_f", "Envisat", "Descending", "VV", "IS2", day("2008-02-10"),
		"POLYGON((3.5 49.5,3.5 51.5,5.5 51.5,5.5 49.5,3.5 49.5))"},
	{"SAR_IMP_1PXESA19970601_c", "ERS", "Descending", "VV", "", day("1997-06-01"),
		"POLYGON((4.2 50.2,4.2 50.8,4.8 50.8,4.8 50.2,4.2 50.2))"},
}

// newSpatialCatalog writes a spatialite catalog with fixtureProducts and
// skips the test when the extension cannot be loaded.
func newSpatialCatalog(t *testing.T) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "catalog.db")
	db, err := sql.Open(driverFor(spatialExtension), path)
	require.NoError(t, err)
	defer db.Close()

	if err := db.Ping(); err != nil {
		t.Skipf("spatialite extension not available: %v", err)
	}

	stmts := []string{
		"SELECT InitSpatialMetadata(1)",
		`CREATE TABLE products (
			id TEXT PRIMARY KEY,
			date INTEGER,
			platform TEXT,
			orbit TEXT,
			polarisation TEXT,
			swath TEXT,
			url TEXT
		)`,
		"SELECT AddGeometryColumn('products', 'geom', 4326, 'POLYGON', 'XY')",
		"SELECT CreateSpatialIndex('products', 'geom')",
	}
	for _, stmt := range stmts {
		_, err := db.Exec(stmt)
		require.NoError(t, err, stmt)
	}

	for _, p := range fixtureProducts {
		_, err := db.Exec(
			`INSERT INTO products (id, date, platform, orbit, polarisation, swath, url, geom)
			 VALUES (?, ?, ?, ?, ?, ?, ?, GeomFromText(?, 4326))`,
			p.id, p.date.Unix(), p.platform, p.orbit, p.polarisation, p.swath,
			"https://esar-ds.eo.esa.int/oads/data/"+p.id+".E1", p.footprint,
		)
		require.NoError(t, err, p.id)
	}
	return path
}

// newPlainCatalog writes a products table without geometry, enough for URL
// lookups with extension loading disabled.
func newPlainCatalog(t *testing.T) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "catalog.db")
	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec(`CREATE TABLE products (id TEXT PRIMARY KEY, date INTEGER, platform TEXT,
		orbit TEXT, polarisation TEXT, swath TEXT, url TEXT)`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO products (id, date, platform, url) VALUES
		('ASA_IMP_1PNESA20080115_a', 1200355200, 'Envisat', 'https://esar-ds.eo.esa.int/oads/data/ASA_IMP_1PNESA20080115_a.E1'),
		('ASA_IMP_1PNESA20080116_x', 1200441600, 'Envisat', NULL)`)
	require.NoError(t, err)
	return path
}
