// Package catalog searches the local ERS/Envisat product catalog, a
// spatialite database holding one row per archived product.
package catalog

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"regexp"
	"sync"

	"github.com/asar-dev/asar-loader/internal/fault"
	"github.com/mattn/go-sqlite3"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	driversMu sync.Mutex
	drivers   = map[string]string{}

	unsafeDriverChars = regexp.MustCompile(`[^A-Za-z0-9_]`)
)

// driverFor returns a database/sql driver name whose connections load the
// given extension. An empty extension uses the plain sqlite3 driver.
func driverFor(extension string) string {
	if extension == "" {
		return "sqlite3"
	}

	driversMu.Lock()
	defer driversMu.Unlock()

	if name, ok := drivers[extension]; ok {
		return name
	}
	base := "sqlite3_ext_" + unsafeDriverChars.ReplaceAllString(extension, "_")
	name := base
	for i := 1; registered(name); i++ {
		name = fmt.Sprintf("%s_%d", base, i)
	}
	sql.Register(name, &sqlite3.SQLiteDriver{Extensions: []string{extension}})
	drivers[extension] = name
	return name
}

func registered(name string) bool {
	for _, v := range drivers {
		if v == name {
			return true
		}
	}
	return false
}

// Store is an open, read-only connection to a catalog file.
type Store struct {
	db   *gorm.DB
	path string
}

// Open opens the catalog at path and loads the spatial extension. A missing
// file or an extension that fails to load yields STORE_UNAVAILABLE.
func Open(path, extension string) (*Store, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fault.New(fault.CodeStoreUnavailable,
				fmt.Sprintf("catalog not found at %s, run sync first", path), err)
		}
		return nil, fault.New(fault.CodeStoreUnavailable, "stat catalog", err)
	}
	if info.IsDir() {
		return nil, fault.New(fault.CodeStoreUnavailable,
			fmt.Sprintf("catalog path %s is a directory", path), nil)
	}

	dialector := sqlite.New(sqlite.Config{
		DriverName: driverFor(extension),
		DSN:        "file:" + path + "?mode=ro",
	})
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fault.New(fault.CodeStoreUnavailable, "open catalog", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fault.New(fault.CodeStoreUnavailable, "open catalog", err)
	}
	sqlDB.SetMaxOpenConns(1)

	return &Store{db: db, path: path}, nil
}

// Path returns the catalog file path.
func (s *Store) Path() string {
	return s.path
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
