package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/asar-dev/asar-loader/internal/catalog"
	"github.com/asar-dev/asar-loader/internal/fault"
	"github.com/asar-dev/asar-loader/internal/geometry"
	"github.com/asar-dev/asar-loader/internal/scheduler"
)

const dateLayout = "2006-01-02"

func (a *app) syncCommand() *cli.Command {
	return &cli.Command{
		Name:  "sync",
		Usage: "Download the product catalog",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "overwrite",
				Usage: "Replace an existing catalog",
			},
			&cli.StringFlag{
				Name:  "schedule",
				Usage: "Keep running and refresh the catalog on this cron schedule",
			},
		},
		Action: a.runSync,
	}
}

func (a *app) runSync(ctx context.Context, cmd *cli.Command) error {
	db, hooksManager, err := a.openState()
	if err != nil {
		return err
	}
	defer closeState(db)
	defer flushHooks(hooksManager)

	syncer := catalog.NewSyncer(a.cfg.CatalogURL, a.cfg.CatalogFile(),
		catalog.WithSyncChunkSize(a.cfg.ChunkSize),
		catalog.WithS3(a.cfg.S3Region, a.cfg.S3AccessKeyID, a.cfg.S3SecretAccessKey),
	)
	sched := scheduler.New(ctx, syncer, a.cfg.CatalogURL, a.cfg.CatalogFile(), hooksManager)
	defer sched.Stop()

	spec := cmd.String("schedule")
	n, err := sched.Sync(ctx, cmd.Bool("overwrite"), byteProgress("catalog"))
	switch {
	case errors.Is(err, fault.ErrCatalogPresent) && spec != "":
		slog.Info("Catalog present, waiting for the first scheduled refresh", "path", a.cfg.CatalogFile())
	case err != nil:
		return err
	default:
		fmt.Fprintf(os.Stderr, "\nCatalog saved to %s (%d bytes)\n", a.cfg.CatalogFile(), n)
	}

	if spec == "" {
		return nil
	}
	if err := sched.Schedule(spec); err != nil {
		return err
	}
	if next := sched.NextRun(); next != nil {
		slog.Info("Next catalog refresh", "at", next.Format(time.RFC3339))
	}
	<-ctx.Done()
	slog.Info("Shutting down...")
	return nil
}

func (a *app) searchCommand() *cli.Command {
	return &cli.Command{
		Name:  "search",
		Usage: "Search the catalog for products over an area and time window",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "geojson", Usage: "Area of interest from a GeoJSON file"},
			&cli.StringFlag{Name: "latlon", Usage: "Area of interest as a point: LAT,LON"},
			&cli.StringFlag{Name: "bounds", Usage: "Area of interest as a box: MAXLAT,MAXLON,MINLAT,MINLON"},
			&cli.StringFlag{Name: "wkt", Usage: "Area of interest as WKT (EPSG:4326)"},
			&cli.StringFlag{Name: "start", Usage: "Start date (YYYY-MM-DD, inclusive)", Required: true},
			&cli.StringFlag{Name: "stop", Usage: "Stop date (YYYY-MM-DD, exclusive)", Required: true},
			&cli.StringFlag{Name: "platform", Usage: "ERS or Envisat"},
			&cli.StringFlag{Name: "product", Usage: "Precision (IMP) or single look complex (IMS)", Value: "precision"},
			&cli.StringFlag{Name: "polarisation", Usage: "VV, VH, HV or HH"},
			&cli.StringFlag{Name: "orbit", Usage: "Ascending or Descending"},
			&cli.BoolFlag{Name: "contains", Usage: "Only footprints lying inside the area of interest"},
			&cli.IntFlag{Name: "limit", Usage: "Maximum number of results", Value: catalog.DefaultLimit},
			&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Usage: "Write results to a file (.csv or .json)"},
			&cli.StringFlag{Name: "format", Usage: "Output format on stdout (text, csv or json)", Value: "text"},
		},
		Action: a.runSearch,
	}
}

func (a *app) runSearch(ctx context.Context, cmd *cli.Command) error {
	area, err := areaFromFlags(cmd)
	if err != nil {
		return err
	}
	start, err := parseDate(cmd, "start")
	if err != nil {
		return err
	}
	stop, err := parseDate(cmd, "stop")
	if err != nil {
		return err
	}
	limit, err := limitFromFlags(cmd)
	if err != nil {
		return err
	}

	results, err := catalog.FromConfig(a.cfg).Search(ctx, catalog.Criteria{
		Area:         area,
		Start:        start,
		Stop:         stop,
		Platform:     cmd.String("platform"),
		Product:      cmd.String("product"),
		Orbit:        cmd.String("orbit"),
		Polarisation: cmd.String("polarisation"),
		Contains:     cmd.Bool("contains"),
		Limit:        limit,
	})
	if err != nil {
		return err
	}
	slog.Debug("Search completed", "results", len(results))

	if output := cmd.String("output"); output != "" {
		if err := writeResultsFile(output, results); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "%d product(s) written to %s\n", len(results), output)
		return nil
	}
	return writeResults(os.Stdout, cmd.String("format"), results)
}

// areaFromFlags returns the WKT of the single area flag given.
func areaFromFlags(cmd *cli.Command) (string, error) {
	var set []string
	for _, name := range []string{"geojson", "latlon", "bounds", "wkt"} {
		if cmd.String(name) != "" {
			set = append(set, name)
		}
	}
	if len(set) != 1 {
		return "", fault.New(fault.CodeInvalidParameter,
			"exactly one of --geojson, --latlon, --bounds or --wkt is required", nil)
	}

	value := cmd.String(set[0])
	switch set[0] {
	case "geojson":
		return geometry.FromGeoJSONFile(value)
	case "latlon":
		return geometry.ParseLatLon(value)
	case "bounds":
		return geometry.ParseBounds(value)
	default:
		return value, nil
	}
}

// limitFromFlags rejects an explicit --limit below one. Criteria reads a zero
// limit as DefaultLimit, so passing 0 through would widen the search.
func limitFromFlags(cmd *cli.Command) (int, error) {
	limit := int(cmd.Int("limit"))
	if limit < 1 {
		return 0, fault.New(fault.CodeInvalidParameter, fmt.Sprintf("--limit must be at least 1, got %d", limit), nil)
	}
	return limit, nil
}

func parseDate(cmd *cli.Command, name string) (time.Time, error) {
	value := strings.TrimSpace(cmd.String(name))
	t, err := time.ParseInLocation(dateLayout, value, time.UTC)
	if err != nil {
		return time.Time{}, fault.New(fault.CodeInvalidParameter,
			fmt.Sprintf("--%s must be a date formatted YYYY-MM-DD, got %q", name, value), err)
	}
	return t, nil
}

func writeResultsFile(path string, results catalog.ResultSet) error {
	format := "csv"
	if strings.EqualFold(filepath.Ext(path), ".json") {
		format = "json"
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}
	if err := writeResults(f, format, results); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func writeResults(w io.Writer, format string, results catalog.ResultSet) error {
	switch strings.ToLower(format) {
	case "csv":
		return results.WriteCSV(w)
	case "json":
		return results.WriteJSON(w)
	case "text":
		for _, r := range results {
			if _, err := fmt.Fprintln(w, r.Summary()); err != nil {
				return err
			}
		}
		return nil
	default:
		return fault.New(fault.CodeInvalidParameter, fmt.Sprintf("unsupported output format %q", format), nil)
	}
}

// byteProgress prints a single updating line on stderr.
func byteProgress(label string) catalog.ProgressFunc {
	return func(written, total int64) {
		if total > 0 {
			fmt.Fprintf(os.Stderr, "\r%s: %s / %s (%.1f%%)", label, humanBytes(written), humanBytes(total),
				float64(written)*100/float64(total))
			return
		}
		fmt.Fprintf(os.Stderr, "\r%s: %s", label, humanBytes(written))
	}
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
