package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/asar-dev/asar-loader/internal/fault"
	"github.com/asar-dev/asar-loader/internal/geometry"
)

// DefaultLimit caps a search when Criteria.Limit is zero.
const DefaultLimit = 500

// Footprints at or above this area (square degrees) are mis-projected or
// degenerate and never returned.
const maxFootprintArea = 10

// ProductType is the three letter marker at offset 5 of a product identifier.
type ProductType string

const (
	Precision         ProductType = "IMP"
	SingleLookComplex ProductType = "IMS"
)

var (
	platforms     = []string{"ERS", "Envisat"}
	orbits        = []string{"Ascending", "Descending"}
	polarisations = []string{"VV", "VH", "HV", "HH"}
)

// ParseProductType maps user input to a product type. Empty input means
// precision images.
func ParseProductType(s string) (ProductType, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	switch {
	case v == "":
		return Precision, nil
	case v == "ims" || v == "slc",
		strings.Contains(v, "look"), strings.Contains(v, "single"), strings.Contains(v, "complex"):
		return SingleLookComplex, nil
	case v == "imp" || strings.Contains(v, "precision"):
		return Precision, nil
	}
	return "", fault.New(fault.CodeInvalidParameter,
		fmt.Sprintf("unknown product type %q (expected precision or single-look complex)", s), nil)
}

func productTypeOf(id string) ProductType {
	if len(id) < 7 {
		return ""
	}
	return ProductType(id[4:7])
}

// Criteria describes a catalog search.
type Criteria struct {
	Area         string // WKT, EPSG:4326
	Start        time.Time
	Stop         time.Time
	Platform     string
	Product      string
	Orbit        string
	Polarisation string
	Contains     bool // footprint must lie inside Area instead of intersecting it
	Limit        int
}

// query is a validated Criteria.
type query struct {
	area         string
	start, stop  int64
	product      ProductType
	platform     string
	orbit        string
	polarisation string
	contains     bool
	limit        int
}

func (c Criteria) validate() (*query, error) {
	if _, err := geometry.Validate(c.Area); err != nil {
		return nil, err
	}
	if c.Start.IsZero() || c.Stop.IsZero() {
		return nil, fault.New(fault.CodeInvalidParameter, "start and stop dates are required", nil)
	}
	if !c.Stop.After(c.Start) {
		return nil, fault.New(fault.CodeInvalidParameter, "stop date must be after start date", nil)
	}
	if c.Limit < 0 {
		return nil, fault.New(fault.CodeInvalidParameter, fmt.Sprintf("invalid limit %d", c.Limit), nil)
	}

	product, err := ParseProductType(c.Product)
	if err != nil {
		return nil, err
	}
	platform, err := checkParam("platform", c.Platform, platforms)
	if err != nil {
		return nil, err
	}
	orbit, err := checkParam("orbit", c.Orbit, orbits)
	if err != nil {
		return nil, err
	}
	polarisation, err := checkParam("polarisation", c.Polarisation, polarisations)
	if err != nil {
		return nil, err
	}

	limit := c.Limit
	if limit == 0 {
		limit = DefaultLimit
	}

	return &query{
		area:         strings.TrimSpace(c.Area),
		start:        c.Start.Unix(),
		stop:         c.Stop.Unix(),
		product:      product,
		platform:     platform,
		orbit:        orbit,
		polarisation: polarisation,
		contains:     c.Contains,
		limit:        limit,
	}, nil
}

// checkParam compares value case-insensitively against possible and returns
// the canonical spelling. Empty values are accepted.
func checkParam(name, value string, possible []string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", nil
	}
	for _, p := range possible {
		if strings.EqualFold(value, p) {
			return p, nil
		}
	}
	return "", fault.New(fault.CodeInvalidParameter,
		fmt.Sprintf("invalid %s %q (expected one of %s)", name, value, strings.Join(possible, ", ")), nil)
}

// build returns the SQL statement and its bound arguments. User input only
// ever reaches the statement as a bound argument.
func (q *query) build() (string, []any) {
	var sb strings.Builder
	args := make([]any, 0, 10)

	sb.WriteString("SELECT id, date, platform, orbit, polarisation, swath, url, AsText(geom) AS footprint ")
	sb.WriteString("FROM products ")
	if q.contains {
		sb.WriteString("WHERE Contains(GeomFromText(?, 4326), geom) ")
	} else {
		sb.WriteString("WHERE Intersects(geom, GeomFromText(?, 4326)) ")
	}
	args = append(args, q.area)

	sb.WriteString("AND Area(geom) < ? ")
	args = append(args, maxFootprintArea)

	sb.WriteString("AND date >= ? AND date < ? ")
	args = append(args, q.start, q.stop)

	sb.WriteString("AND SUBSTR(id, 5, 3) = ? ")
	args = append(args, string(q.product))

	if q.platform != "" {
		sb.WriteString("AND platform = ? COLLATE NOCASE ")
		args = append(args, q.platform)
	}
	if q.orbit != "" {
		sb.WriteString("AND orbit = ? COLLATE NOCASE ")
		args = append(args, q.orbit)
	}
	if q.polarisation != "" {
		sb.WriteString("AND polarisation = ? COLLATE NOCASE ")
		args = append(args, q.polarisation)
	}

	sb.WriteString("AND products.ROWID IN (SELECT ROWID FROM SpatialIndex ")
	sb.WriteString("WHERE f_table_name = 'products' AND search_frame = GeomFromText(?)) ")
	args = append(args, q.area)

	sb.WriteString("ORDER BY id LIMIT ?")
	args = append(args, q.limit)

	return sb.String(), args
}

// Search runs a spatial and temporal search against the store.
func (s *Store) Search(ctx context.Context, c Criteria) (ResultSet, error) {
	q, err := c.validate()
	if err != nil {
		return nil, err
	}

	stmt, args := q.build()
	var rows []row
	if err := s.db.WithContext(ctx).Raw(stmt, args...).Scan(&rows).Error; err != nil {
		return nil, fault.New(fault.CodeQuery, "catalog query failed", err)
	}

	if len(rows) > q.limit {
		rows = rows[:q.limit]
	}
	results := make(ResultSet, len(rows))
	for i, r := range rows {
		results[i] = r.record()
	}
	return results, nil
}

// LookupURL returns the archive URL of a product.
func (s *Store) LookupURL(ctx context.Context, productID string) (string, error) {
	var urls []sql.NullString
	err := s.db.WithContext(ctx).
		Raw("SELECT url FROM products WHERE id = ? LIMIT 1", productID).
		Scan(&urls).Error
	if err != nil {
		return "", fault.New(fault.CodeQuery, "catalog lookup failed", err)
	}
	if len(urls) == 0 || !urls[0].Valid || urls[0].String == "" {
		return "", fault.New(fault.CodeUnknownProduct,
			fmt.Sprintf("product %s not found in catalog", productID), nil)
	}
	return urls[0].String, nil
}
