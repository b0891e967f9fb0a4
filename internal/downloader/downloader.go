// Package downloader retrieves products from the ESA archive. The archive
// answers a product request with 404 (unavailable), 202 (order queued, retry
// later) or 200 (the product itself); Download drives that protocol until
// the file is on disk or a terminal failure is reached.
package downloader

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/asar-dev/asar-loader/internal/fault"
	"github.com/asar-dev/asar-loader/internal/history"
	"github.com/asar-dev/asar-loader/internal/hooks"
)

const (
	DefaultChunkSize  = 1024 * 1024
	DefaultRetryAfter = 60 * time.Second

	maxDrain = 64 << 10
)

// URLResolver maps a product identifier to its archive URL.
type URLResolver interface {
	LookupURL(ctx context.Context, productID string) (string, error)
}

// Doer sends requests on an authenticated session.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// ProgressFunc receives a snapshot after every chunk written.
type ProgressFunc func(DownloadProgress)

// WaitFunc is called once per second while an order is queued.
type WaitFunc func(remaining, total time.Duration)

// Request describes one retrieval.
type Request struct {
	ProductID string
	OutputDir string
	Overwrite bool
	Progress  ProgressFunc
	Wait      WaitFunc
}

// Result describes a completed retrieval.
type Result struct {
	ProductID string
	Path      string
	Bytes     int64
	Checksum  string
	Polls     int
	Waited    time.Duration
}

// Downloader runs the order and transfer protocol.
type Downloader struct {
	resolver  URLResolver
	clock     Clock
	chunkSize int
	maxWait   time.Duration
	maxPolls  int
	db        *history.DB
	hooks     *hooks.Manager
	progress  *ProgressTracker
}

type Option func(*Downloader)

func WithClock(c Clock) Option {
	return func(d *Downloader) { d.clock = c }
}

func WithChunkSize(n int) Option {
	return func(d *Downloader) {
		if n > 0 {
			d.chunkSize = n
		}
	}
}

// WithMaxWait bounds the total time spent waiting on queued orders. Zero
// means no bound.
func WithMaxWait(max time.Duration) Option {
	return func(d *Downloader) { d.maxWait = max }
}

// WithMaxPolls bounds the number of queued responses accepted. Zero means no
// bound.
func WithMaxPolls(n int) Option {
	return func(d *Downloader) { d.maxPolls = n }
}

// WithHistory records every attempt in the state database.
func WithHistory(db *history.DB) Option {
	return func(d *Downloader) { d.db = db }
}

func WithHooks(m *hooks.Manager) Option {
	return func(d *Downloader) { d.hooks = m }
}

// New creates a Downloader resolving product URLs with resolver.
func New(resolver URLResolver, opts ...Option) *Downloader {
	d := &Downloader{
		resolver:  resolver,
		clock:     realClock{},
		chunkSize: DefaultChunkSize,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.progress = NewProgressTracker(d.clock.Now)
	return d
}

// ActiveDownloads returns progress for all transfers in flight.
func (d *Downloader) ActiveDownloads() []DownloadProgress {
	return d.progress.GetAll()
}

// attempt carries the state of one Download call.
type attempt struct {
	req    Request
	url    string
	polls  int
	waited time.Duration
	entry  *history.DownloadEntry
}

// Download resolves, orders and retrieves a product. Each queued response
// restarts the cycle from URL resolution after the announced wait.
func (d *Downloader) Download(ctx context.Context, session Doer, req Request) (*Result, error) {
	if req.ProductID == "" {
		return nil, fault.New(fault.CodeInvalidParameter, "product identifier is required", nil)
	}
	if req.OutputDir == "" {
		req.OutputDir = "."
	}

	a := &attempt{req: req}
	d.startEntry(a)

	for {
		productURL, err := d.resolver.LookupURL(ctx, req.ProductID)
		if err != nil {
			return nil, d.fail(a, err)
		}
		a.url = productURL

		if a.polls == 0 {
			if name := nameFromURL(productURL); name != "" {
				if err := d.checkTarget(filepath.Join(req.OutputDir, name), req.Overwrite); err != nil {
					return nil, d.fail(a, err)
				}
			}
		}

		resp, err := d.get(ctx, session, productURL)
		if err != nil {
			return nil, d.fail(a, err)
		}

		switch resp.StatusCode {
		case http.StatusOK:
			res, err := d.save(ctx, a, resp)
			if err != nil {
				return nil, d.fail(a, err)
			}
			return res, nil

		case http.StatusNotFound:
			msg := unavailableMessage(resp.Body)
			resp.Body.Close()
			return nil, d.fail(a, fault.New(fault.CodeProductUnavailable, msg, nil))

		case http.StatusAccepted:
			first := resp.Header.Get("Retry-After")
			drain(resp)
			if err := d.queued(ctx, session, a, first); err != nil {
				return nil, d.fail(a, err)
			}

		default:
			drain(resp)
			return nil, d.fail(a, fault.New(fault.CodeNetwork,
				fmt.Sprintf("unexpected archive response %s for %s", resp.Status, req.ProductID), nil))
		}
	}
}

// queued handles a 202: the real wait time is only announced on a second
// request, after which the cycle sleeps and starts over.
func (d *Downloader) queued(ctx context.Context, session Doer, a *attempt, firstRetryAfter string) error {
	a.polls++
	if d.maxPolls > 0 && a.polls > d.maxPolls {
		return fault.New(fault.CodeOrderTimeout,
			fmt.Sprintf("order for %s still queued after %d polls", a.req.ProductID, d.maxPolls), nil)
	}

	resp, err := d.get(ctx, session, a.url)
	if err != nil {
		return err
	}
	retryAfter := d.retryAfter(resp.Header.Get("Retry-After"), firstRetryAfter)
	drain(resp)

	if d.maxWait > 0 && a.waited+retryAfter > d.maxWait {
		return fault.New(fault.CodeOrderTimeout,
			fmt.Sprintf("order for %s would exceed maximum wait of %s", a.req.ProductID, d.maxWait), nil)
	}

	slog.Info("Order queued by archive", "productID", a.req.ProductID, "retryAfter", retryAfter, "poll", a.polls)
	d.updateEntry(a, func(e *history.DownloadEntry) {
		e.Status = history.DownloadStatusQueued
		e.Polls = a.polls
	})
	d.hooks.Emit(context.Background(), hooks.NewEvent(hooks.EventOrderQueued).
		WithProduct(a.req.ProductID, a.url).
		WithOrder(a.polls, retryAfter))

	if err := d.wait(ctx, retryAfter, a.req.Wait); err != nil {
		return err
	}
	a.waited += retryAfter
	d.updateEntry(a, func(e *history.DownloadEntry) {
		e.WaitedSeconds = int64(a.waited / time.Second)
	})
	return nil
}

func (d *Downloader) wait(ctx context.Context, total time.Duration, report WaitFunc) error {
	if report == nil {
		return d.clock.Sleep(ctx, total)
	}
	for remaining := total; remaining > 0; {
		step := min(time.Second, remaining)
		if err := d.clock.Sleep(ctx, step); err != nil {
			return err
		}
		remaining -= step
		report(remaining, total)
	}
	return ctx.Err()
}

// retryAfter parses the announced wait, in seconds or as an HTTP date,
// falling back to the first response's header and then to the default.
func (d *Downloader) retryAfter(values ...string) time.Duration {
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
			return time.Duration(secs) * time.Second
		}
		if t, err := http.ParseTime(v); err == nil {
			return max(t.Sub(d.clock.Now()).Round(time.Second), 0)
		}
	}
	return DefaultRetryAfter
}

func (d *Downloader) get(ctx context.Context, session Doer, target string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fault.New(fault.CodeNetwork, "build product request", err)
	}
	resp, err := session.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fault.New(fault.CodeNetwork, "request product", err)
	}
	return resp, nil
}

func (d *Downloader) checkTarget(target string, overwrite bool) error {
	if overwrite {
		return nil
	}
	if _, err := os.Stat(target); err == nil {
		return fault.New(fault.CodeFileExists,
			fmt.Sprintf("%s already exists, use overwrite to replace it", target), nil)
	}
	return nil
}

// save streams a 200 response into <name>.part and renames it once complete.
func (d *Downloader) save(ctx context.Context, a *attempt, resp *http.Response) (*Result, error) {
	defer resp.Body.Close()

	name := fileName(resp, a.url, a.req.ProductID)
	target := filepath.Join(a.req.OutputDir, name)
	if err := d.checkTarget(target, a.req.Overwrite); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(a.req.OutputDir, 0755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}

	total := max(resp.ContentLength, 0)
	now := d.clock.Now()
	d.updateEntry(a, func(e *history.DownloadEntry) {
		e.Status = history.DownloadStatusDownloading
		e.TotalBytes = total
		e.StartedAt = &now
	})
	d.hooks.Emit(context.Background(), hooks.NewEvent(hooks.EventDownloadStarted).
		WithProduct(a.req.ProductID, a.url).
		WithFile(name, total, "", ""))

	tempPath := target + ".part"
	tempFile, err := os.Create(tempPath)
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}

	d.progress.Start(a.req.ProductID, name, total)
	defer d.progress.Complete(a.req.ProductID)

	hasher := sha256.New()
	written, err := d.copy(ctx, io.MultiWriter(tempFile, hasher), resp.Body, a)
	if closeErr := tempFile.Close(); err == nil && closeErr != nil {
		err = fmt.Errorf("close temp file: %w", closeErr)
	}
	if err == nil && total > 0 && written != total {
		err = fault.New(fault.CodeNetwork,
			fmt.Sprintf("transfer truncated: got %d of %d bytes", written, total), nil)
	}
	if err == nil {
		// Another process may have created the file while we streamed.
		err = d.checkTarget(target, a.req.Overwrite)
	}
	if err != nil {
		os.Remove(tempPath)
		return nil, err
	}

	if err := os.Rename(tempPath, target); err != nil {
		os.Remove(tempPath)
		return nil, fmt.Errorf("move file into place: %w", err)
	}

	checksum := "sha256:" + hex.EncodeToString(hasher.Sum(nil))
	completedAt := d.clock.Now()
	d.updateEntry(a, func(e *history.DownloadEntry) {
		e.Status = history.DownloadStatusCompleted
		e.Progress = written
		e.LocalPath = target
		e.LocalChecksum = checksum
		e.CompletedAt = &completedAt
	})
	d.hooks.Emit(context.Background(), hooks.NewEvent(hooks.EventDownloadCompleted).
		WithProduct(a.req.ProductID, a.url).
		WithFile(name, written, checksum, target))

	slog.Info("Download completed", "productID", a.req.ProductID, "path", target, "bytes", written)
	return &Result{
		ProductID: a.req.ProductID,
		Path:      target,
		Bytes:     written,
		Checksum:  checksum,
		Polls:     a.polls,
		Waited:    a.waited,
	}, nil
}

func (d *Downloader) copy(ctx context.Context, dst io.Writer, src io.Reader, a *attempt) (int64, error) {
	buf := make([]byte, d.chunkSize)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		nr, rerr := fill(src, buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[:nr])
			written += int64(nw)
			if werr != nil {
				return written, fmt.Errorf("write file: %w", werr)
			}
			if snap := d.progress.Update(a.req.ProductID, written); snap != nil && a.req.Progress != nil {
				a.req.Progress(*snap)
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			if ctx.Err() != nil {
				return written, ctx.Err()
			}
			return written, fault.New(fault.CodeNetwork, "read product", rerr)
		}
	}
}

// fill reads into buf until it is full or src fails. Only io.EOF marks a
// clean end: a body cut short mid-chunk reports io.ErrUnexpectedEOF.
func fill(src io.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		nr, err := src.Read(buf[n:])
		n += nr
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

// fileName picks the target name: the URL's last path segment, then the
// Content-Disposition filename, then the product id.
func fileName(resp *http.Response, rawURL, productID string) string {
	if name := nameFromURL(rawURL); name != "" {
		return name
	}
	if cd := resp.Header.Get("Content-Disposition"); cd != "" {
		if _, params, err := mime.ParseMediaType(cd); err == nil {
			if name := filepath.Base(params["filename"]); name != "." && name != "/" && name != "" {
				return name
			}
		}
	}
	return filepath.Base(productID)
}

func nameFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	name := path.Base(u.Path)
	if name == "." || name == "/" {
		return ""
	}
	return name
}

// unavailableMessage returns the text of the first element whose tag
// contains "ResponseMessage".
func unavailableMessage(body io.Reader) string {
	const fallback = "product not available"

	dec := xml.NewDecoder(io.LimitReader(body, maxDrain))
	for {
		tok, err := dec.Token()
		if err != nil {
			return fallback
		}
		start, ok := tok.(xml.StartElement)
		if !ok || !strings.Contains(start.Name.Local, "ResponseMessage") {
			continue
		}
		var text string
		if err := dec.DecodeElement(&text, &start); err != nil {
			return fallback
		}
		return text
	}
}

func drain(resp *http.Response) {
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrain))
	resp.Body.Close()
}

func (d *Downloader) startEntry(a *attempt) {
	if d.db == nil {
		return
	}
	a.entry = &history.DownloadEntry{
		ProductID: a.req.ProductID,
		Status:    history.DownloadStatusPending,
	}
	if err := d.db.Create(a.entry).Error; err != nil {
		slog.Error("Failed to create download entry", "error", err)
		a.entry = nil
	}
}

func (d *Downloader) updateEntry(a *attempt, fn func(*history.DownloadEntry)) {
	if d.db == nil || a.entry == nil {
		return
	}
	a.entry.URL = a.url
	fn(a.entry)
	if err := d.db.Save(a.entry).Error; err != nil {
		slog.Error("Failed to update download entry", "error", err)
	}
}

// fail records err against the attempt and returns it unchanged.
func (d *Downloader) fail(a *attempt, err error) error {
	if errors.Is(err, context.Canceled) {
		d.updateEntry(a, func(e *history.DownloadEntry) {
			e.Status = history.DownloadStatusCancelled
		})
		d.hooks.Emit(context.Background(), hooks.NewEvent(hooks.EventDownloadCancelled).
			WithProduct(a.req.ProductID, a.url))
		slog.Warn("Download cancelled", "productID", a.req.ProductID)
		return err
	}

	code := string(fault.CodeOf(err))
	if code == "" {
		code = "DOWNLOAD_ERROR"
	}
	d.updateEntry(a, func(e *history.DownloadEntry) {
		e.Status = history.DownloadStatusFailed
		e.ErrorCode = code
		e.ErrorMessage = err.Error()
	})
	d.hooks.Emit(context.Background(), hooks.NewEvent(hooks.EventDownloadFailed).
		WithProduct(a.req.ProductID, a.url).
		WithError(code, fault.Message(err)))
	slog.Error("Download failed", "productID", a.req.ProductID, "code", code, "error", err)
	return err
}
