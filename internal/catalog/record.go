package catalog

import (
	"encoding/csv"
	"encoding/json"
	"io"
	"strings"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkt"
)

// Record is one archived product.
type Record struct {
	ID           string    `json:"id"`
	Date         time.Time `json:"date"`
	Platform     string    `json:"platform"`
	Orbit        string    `json:"orbit"`
	Polarisation string    `json:"polarisation"`
	Swath        string    `json:"swath"`
	URL          string    `json:"url"`
	Footprint    string    `json:"footprint"`
}

// ProductType returns the processing level marker encoded in the identifier.
func (r Record) ProductType() ProductType {
	return productTypeOf(r.ID)
}

// Geometry parses the footprint.
func (r Record) Geometry() (orb.Geometry, error) {
	return wkt.Unmarshal(r.Footprint)
}

// row mirrors the projection selected from the products table.
type row struct {
	ID           string `gorm:"column:id"`
	Date         int64  `gorm:"column:date"`
	Platform     string `gorm:"column:platform"`
	Orbit        string `gorm:"column:orbit"`
	Polarisation string `gorm:"column:polarisation"`
	Swath        string `gorm:"column:swath"`
	URL          string `gorm:"column:url"`
	Footprint    string `gorm:"column:footprint"`
}

func (r row) record() Record {
	return Record{
		ID:           r.ID,
		Date:         time.Unix(r.Date, 0).UTC(),
		Platform:     r.Platform,
		Orbit:        r.Orbit,
		Polarisation: r.Polarisation,
		Swath:        r.Swath,
		URL:          r.URL,
		Footprint:    r.Footprint,
	}
}

// ResultSet is an ordered list of records.
type ResultSet []Record

var csvHeader = []string{"id", "date", "platform", "orbit", "polarisation", "swath", "url", "footprint"}

// IDs returns the product identifiers in result order.
func (rs ResultSet) IDs() []string {
	ids := make([]string, len(rs))
	for i, r := range rs {
		ids[i] = r.ID
	}
	return ids
}

// WriteCSV writes the result set with a header row.
func (rs ResultSet) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, r := range rs {
		rec := []string{
			r.ID,
			r.Date.Format(time.RFC3339),
			r.Platform,
			r.Orbit,
			r.Polarisation,
			r.Swath,
			r.URL,
			r.Footprint,
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteJSON writes the result set as an indented JSON array.
func (rs ResultSet) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if rs == nil {
		rs = ResultSet{}
	}
	return enc.Encode(rs)
}

// Summary returns a one line description used by the text output.
func (r Record) Summary() string {
	return strings.Join([]string{
		r.ID, r.Date.Format("2006-01-02"), r.Platform, r.Orbit, r.Polarisation, r.Swath,
	}, "\t")
}
