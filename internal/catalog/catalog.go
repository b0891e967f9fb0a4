package catalog

import (
	"context"
	"log/slog"
	"os"

	"github.com/asar-dev/asar-loader/config"
)

// Catalog opens a fresh Store for every operation and closes it on return.
type Catalog struct {
	path      string
	extension string
}

// New returns a catalog backed by the file at path. An empty extension
// skips spatial extension loading.
func New(path, extension string) *Catalog {
	return &Catalog{path: path, extension: extension}
}

// FromConfig builds a Catalog from the loaded configuration.
func FromConfig(cfg *config.Config) *Catalog {
	return New(cfg.CatalogFile(), cfg.Extension())
}

// Path returns the catalog file location.
func (c *Catalog) Path() string {
	return c.path
}

// Exists reports whether the catalog file has been downloaded.
func (c *Catalog) Exists() bool {
	info, err := os.Stat(c.path)
	return err == nil && info.Mode().IsRegular()
}

func (c *Catalog) withStore(fn func(*Store) error) error {
	store, err := Open(c.path, c.extension)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Warn("Failed to close catalog", "path", c.path, "error", err)
		}
	}()
	return fn(store)
}

// Search runs a query against a freshly opened store.
func (c *Catalog) Search(ctx context.Context, criteria Criteria) (ResultSet, error) {
	var results ResultSet
	err := c.withStore(func(s *Store) error {
		var err error
		results, err = s.Search(ctx, criteria)
		return err
	})
	return results, err
}

// LookupURL resolves a product identifier to its archive URL.
func (c *Catalog) LookupURL(ctx context.Context, productID string) (string, error) {
	var url string
	err := c.withStore(func(s *Store) error {
		var err error
		url, err = s.LookupURL(ctx, productID)
		return err
	})
	return url, err
}
