package downloader

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/asar-dev/asar-loader/internal/fault"
	"github.com/asar-dev/asar-loader/internal/history"
	"github.com/asar-dev/asar-loader/internal/hooks"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const productID = "ASA_IMP_1PNESA20080115_094512_000000162065_00022_30738_0000"

type mapResolver map[string]string

func (m mapResolver) LookupURL(_ context.Context, id string) (string, error) {
	if u, ok := m[id]; ok {
		return u, nil
	}
	return "", fault.New(fault.CodeUnknownProduct, "product "+id+" not found in catalog", nil)
}

type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	sleeps  []time.Duration
	onSleep func(n int)
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	n := len(c.sleeps)
	hook := c.onSleep
	c.mu.Unlock()
	if hook != nil {
		hook(n)
	}
	return ctx.Err()
}

func (c *fakeClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}

// archive serves a scripted sequence of responses, one per request.
type archive struct {
	srv   *httptest.Server
	mu    sync.Mutex
	steps []http.HandlerFunc
	calls int
}

func newArchive(t *testing.T, steps ...http.HandlerFunc) *archive {
	a := &archive{steps: steps}
	a.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		a.mu.Lock()
		i := a.calls
		a.calls++
		a.mu.Unlock()
		if i >= len(a.steps) {
			http.Error(w, "script exhausted", http.StatusTeapot)
			return
		}
		a.steps[i](w, r)
	}))
	t.Cleanup(a.srv.Close)
	return a
}

func (a *archive) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

func (a *archive) productURL() string {
	return a.srv.URL + "/oads/data/ASA_IMP_1P/" + productID + ".E1"
}

func queued(retryAfter string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if retryAfter != "" {
			w.Header().Set("Retry-After", retryAfter)
		}
		w.WriteHeader(http.StatusAccepted)
	}
}

func ready(body []byte) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		w.Write(body)
	}
}

func unavailable(xmlBody string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/xml")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(xmlBody))
	}
}

func setupHistory(t *testing.T) *history.DB {
	t.Helper()
	gormDB, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatal(err)
	}
	// :memory: databases are per connection.
	sqlDB, err := gormDB.DB()
	if err != nil {
		t.Fatal(err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	if err := gormDB.AutoMigrate(&history.DownloadEntry{}, &history.Webhook{}); err != nil {
		t.Fatal(err)
	}
	return &history.DB{DB: gormDB}
}

func TestNew(t *testing.T) {
	d := New(mapResolver{})
	if d.chunkSize != DefaultChunkSize {
		t.Errorf("chunkSize = %d, want %d", d.chunkSize, DefaultChunkSize)
	}
	if _, ok := d.clock.(realClock); !ok {
		t.Errorf("clock = %T, want realClock", d.clock)
	}

	d = New(mapResolver{}, WithChunkSize(0), WithMaxPolls(3), WithMaxWait(time.Hour))
	if d.chunkSize != DefaultChunkSize {
		t.Errorf("WithChunkSize(0) changed chunk size to %d", d.chunkSize)
	}
	if d.maxPolls != 3 || d.maxWait != time.Hour {
		t.Errorf("maxPolls = %d, maxWait = %s", d.maxPolls, d.maxWait)
	}
}

func TestDownloadReady(t *testing.T) {
	body := bytes.Repeat([]byte("ASAR"), 1000)
	a := newArchive(t, ready(body))
	clock := newFakeClock()
	d := New(mapResolver{productID: a.productURL()}, WithClock(clock), WithChunkSize(512))

	var updates []DownloadProgress
	dir := t.TempDir()
	res, err := d.Download(context.Background(), a.srv.Client(), Request{
		ProductID: productID,
		OutputDir: dir,
		Progress:  func(p DownloadProgress) { updates = append(updates, p) },
	})
	if err != nil {
		t.Fatalf("Download() error = %v", err)
	}

	wantPath := filepath.Join(dir, productID+".E1")
	if res.Path != wantPath {
		t.Errorf("Path = %q, want %q", res.Path, wantPath)
	}
	got, err := os.ReadFile(wantPath)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, body) {
		t.Error("file content mismatch")
	}
	sum := sha256.Sum256(body)
	if res.Checksum != "sha256:"+hex.EncodeToString(sum[:]) {
		t.Errorf("Checksum = %q", res.Checksum)
	}
	if res.Bytes != int64(len(body)) || res.Polls != 0 || res.Waited != 0 {
		t.Errorf("Result = %+v", res)
	}
	if _, err := os.Stat(wantPath + ".part"); !os.IsNotExist(err) {
		t.Error("temp file left behind")
	}
	if len(clock.Sleeps()) != 0 {
		t.Errorf("unexpected sleeps %v", clock.Sleeps())
	}

	if len(updates) != 8 {
		t.Fatalf("progress updates = %d, want 8", len(updates))
	}
	last := updates[len(updates)-1]
	if last.BytesWritten != int64(len(body)) || last.TotalBytes != int64(len(body)) || last.Percent() != 100 {
		t.Errorf("last progress = %+v", last)
	}
	if len(d.ActiveDownloads()) != 0 {
		t.Error("progress still tracked after completion")
	}
}

func TestDownloadQueuedThenReady(t *testing.T) {
	body := []byte("product bytes")
	a := newArchive(t,
		queued("1"), queued("30"),
		queued("1"), queued("45"),
		ready(body),
	)
	clock := newFakeClock()
	d := New(mapResolver{productID: a.productURL()}, WithClock(clock))

	res, err := d.Download(context.Background(), a.srv.Client(), Request{ProductID: productID, OutputDir: t.TempDir()})
	if err != nil {
		t.Fatalf("Download() error = %v", err)
	}

	want := []time.Duration{30 * time.Second, 45 * time.Second}
	got := clock.Sleeps()
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("sleeps = %v, want %v", got, want)
	}
	if res.Polls != 2 || res.Waited != 75*time.Second {
		t.Errorf("Polls = %d, Waited = %s", res.Polls, res.Waited)
	}
	if a.Calls() != 5 {
		t.Errorf("archive calls = %d, want 5", a.Calls())
	}
}

func TestDownloadRetryAfterFallback(t *testing.T) {
	tests := []struct {
		name  string
		first string
		want  time.Duration
	}{
		{"first response header", "20", 20 * time.Second},
		{"default", "", DefaultRetryAfter},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newArchive(t, queued(tt.first), queued(""), ready([]byte("x")))
			clock := newFakeClock()
			d := New(mapResolver{productID: a.productURL()}, WithClock(clock))

			if _, err := d.Download(context.Background(), a.srv.Client(), Request{ProductID: productID, OutputDir: t.TempDir()}); err != nil {
				t.Fatal(err)
			}
			if got := clock.Sleeps(); len(got) != 1 || got[0] != tt.want {
				t.Errorf("sleeps = %v, want [%s]", got, tt.want)
			}
		})
	}
}

func TestRetryAfterHTTPDate(t *testing.T) {
	clock := newFakeClock()
	d := New(mapResolver{}, WithClock(clock))

	date := clock.Now().Add(90 * time.Second).Format(http.TimeFormat)
	if got := d.retryAfter(date); got != 90*time.Second {
		t.Errorf("retryAfter(date) = %s, want 90s", got)
	}
	past := clock.Now().Add(-time.Hour).Format(http.TimeFormat)
	if got := d.retryAfter(past); got != 0 {
		t.Errorf("retryAfter(past) = %s, want 0", got)
	}
	if got := d.retryAfter("soon", "-5", "12"); got != 12*time.Second {
		t.Errorf("retryAfter(invalid..., 12) = %s, want 12s", got)
	}
}

func TestDownloadWaitReportsEachSecond(t *testing.T) {
	a := newArchive(t, queued(""), queued("3"), ready([]byte("x")))
	clock := newFakeClock()
	d := New(mapResolver{productID: a.productURL()}, WithClock(clock))

	var remaining []time.Duration
	_, err := d.Download(context.Background(), a.srv.Client(), Request{
		ProductID: productID,
		OutputDir: t.TempDir(),
		Wait: func(left, total time.Duration) {
			if total != 3*time.Second {
				t.Errorf("total = %s, want 3s", total)
			}
			remaining = append(remaining, left)
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if fmt.Sprint(remaining) != "[2s 1s 0s]" {
		t.Errorf("remaining = %v", remaining)
	}
	if fmt.Sprint(clock.Sleeps()) != "[1s 1s 1s]" {
		t.Errorf("sleeps = %v", clock.Sleeps())
	}
}

func TestDownloadUnavailable(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"plain", `<Response><ResponseMessage>Not found</ResponseMessage></Response>`, "Not found"},
		{"namespaced", `<?xml version="1.0"?><ns:Response xmlns:ns="urn:esa"><ns:Code>1</ns:Code><ns:ResponseMessage>Product offline</ns:ResponseMessage></ns:Response>`, "Product offline"},
		{"not xml", `oops`, "product not available"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newArchive(t, unavailable(tt.body))
			d := New(mapResolver{productID: a.productURL()}, WithClock(newFakeClock()))
			dir := t.TempDir()

			_, err := d.Download(context.Background(), a.srv.Client(), Request{ProductID: productID, OutputDir: dir})
			if !errors.Is(err, fault.ErrProductUnavailable) {
				t.Fatalf("error = %v, want ErrProductUnavailable", err)
			}
			if got := fault.Message(err); got != tt.want {
				t.Errorf("message = %q, want %q", got, tt.want)
			}
			entries, _ := os.ReadDir(dir)
			if len(entries) != 0 {
				t.Errorf("output directory not empty: %v", entries)
			}
		})
	}
}

func TestDownloadFileExists(t *testing.T) {
	a := newArchive(t, ready([]byte("new content")))
	d := New(mapResolver{productID: a.productURL()}, WithClock(newFakeClock()))

	dir := t.TempDir()
	existing := filepath.Join(dir, productID+".E1")
	if err := os.WriteFile(existing, []byte("original"), 0644); err != nil {
		t.Fatal(err)
	}

	_, err := d.Download(context.Background(), a.srv.Client(), Request{ProductID: productID, OutputDir: dir})
	if !errors.Is(err, fault.ErrFileExists) {
		t.Fatalf("error = %v, want ErrFileExists", err)
	}
	if a.Calls() != 0 {
		t.Errorf("archive calls = %d, want 0", a.Calls())
	}
	got, _ := os.ReadFile(existing)
	if string(got) != "original" {
		t.Errorf("existing file modified: %q", got)
	}
	if _, err := os.Stat(existing + ".part"); !os.IsNotExist(err) {
		t.Error("temp file created")
	}
}

func TestDownloadOverwrite(t *testing.T) {
	a := newArchive(t, ready([]byte("new content")))
	d := New(mapResolver{productID: a.productURL()}, WithClock(newFakeClock()))

	dir := t.TempDir()
	existing := filepath.Join(dir, productID+".E1")
	os.WriteFile(existing, []byte("original"), 0644)

	if _, err := d.Download(context.Background(), a.srv.Client(), Request{ProductID: productID, OutputDir: dir, Overwrite: true}); err != nil {
		t.Fatal(err)
	}
	got, _ := os.ReadFile(existing)
	if string(got) != "new content" {
		t.Errorf("content = %q, want new content", got)
	}
}

func TestDownloadContentDispositionName(t *testing.T) {
	a := newArchive(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Disposition", `attachment; filename="ASA_IMS_1PNESA.N1"`)
		w.Write([]byte("x"))
	})
	d := New(mapResolver{productID: a.srv.URL + "/?product=" + productID}, WithClock(newFakeClock()))

	res, err := d.Download(context.Background(), a.srv.Client(), Request{ProductID: productID, OutputDir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(res.Path) != "ASA_IMS_1PNESA.N1" {
		t.Errorf("Path = %q", res.Path)
	}
}

func TestDownloadUnknownProduct(t *testing.T) {
	d := New(mapResolver{}, WithClock(newFakeClock()))
	_, err := d.Download(context.Background(), http.DefaultClient, Request{ProductID: "missing", OutputDir: t.TempDir()})
	if !errors.Is(err, fault.ErrUnknownProduct) {
		t.Errorf("error = %v, want ErrUnknownProduct", err)
	}

	_, err = d.Download(context.Background(), http.DefaultClient, Request{})
	if !errors.Is(err, fault.ErrInvalidParameter) {
		t.Errorf("error = %v, want ErrInvalidParameter", err)
	}
}

func TestDownloadUnexpectedStatus(t *testing.T) {
	a := newArchive(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "maintenance", http.StatusServiceUnavailable)
	})
	d := New(mapResolver{productID: a.productURL()}, WithClock(newFakeClock()))

	_, err := d.Download(context.Background(), a.srv.Client(), Request{ProductID: productID, OutputDir: t.TempDir()})
	if !errors.Is(err, fault.ErrNetwork) {
		t.Errorf("error = %v, want ErrNetwork", err)
	}
}

func TestDownloadTransportError(t *testing.T) {
	a := newArchive(t)
	client := a.srv.Client()
	url := a.productURL()
	a.srv.Close()

	d := New(mapResolver{productID: url}, WithClock(newFakeClock()))
	_, err := d.Download(context.Background(), client, Request{ProductID: productID, OutputDir: t.TempDir()})
	if !errors.Is(err, fault.ErrNetwork) {
		t.Errorf("error = %v, want ErrNetwork", err)
	}
}

func TestDownloadTruncated(t *testing.T) {
	a := newArchive(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "100")
		w.Write([]byte("only ten b"))
	})
	d := New(mapResolver{productID: a.productURL()}, WithClock(newFakeClock()))
	dir := t.TempDir()

	_, err := d.Download(context.Background(), a.srv.Client(), Request{ProductID: productID, OutputDir: dir})
	if !errors.Is(err, fault.ErrNetwork) {
		t.Fatalf("error = %v, want ErrNetwork", err)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("partial file left behind: %v", entries)
	}
}

// A chunked response whose connection drops mid-chunk carries no
// Content-Length, so only the read error reveals the truncation.
func TestDownloadChunkedConnectionDropped(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 4096)
		conn.Read(buf)
		fmt.Fprint(conn, "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n64\r\nonly ten b")
	}()

	url := "http://" + ln.Addr().String() + "/oads/data/ASA_IMP_1P/" + productID + ".E1"
	d := New(mapResolver{productID: url}, WithClock(newFakeClock()))
	dir := t.TempDir()

	_, err = d.Download(context.Background(), http.DefaultClient, Request{ProductID: productID, OutputDir: dir})
	if !errors.Is(err, fault.ErrNetwork) {
		t.Fatalf("error = %v, want ErrNetwork", err)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("partial file left behind: %v", entries)
	}
}

func TestDownloadMaxPolls(t *testing.T) {
	steps := make([]http.HandlerFunc, 10)
	for i := range steps {
		steps[i] = queued("10")
	}
	a := newArchive(t, steps...)
	clock := newFakeClock()
	d := New(mapResolver{productID: a.productURL()}, WithClock(clock), WithMaxPolls(2))

	_, err := d.Download(context.Background(), a.srv.Client(), Request{ProductID: productID, OutputDir: t.TempDir()})
	if !errors.Is(err, fault.ErrOrderTimeout) {
		t.Fatalf("error = %v, want ErrOrderTimeout", err)
	}
	if len(clock.Sleeps()) != 2 {
		t.Errorf("sleeps = %v, want 2", clock.Sleeps())
	}
}

func TestDownloadMaxWait(t *testing.T) {
	a := newArchive(t, queued(""), queued("3600"), queued(""), queued("3600"))
	clock := newFakeClock()
	d := New(mapResolver{productID: a.productURL()}, WithClock(clock), WithMaxWait(90*time.Minute))

	_, err := d.Download(context.Background(), a.srv.Client(), Request{ProductID: productID, OutputDir: t.TempDir()})
	if !errors.Is(err, fault.ErrOrderTimeout) {
		t.Fatalf("error = %v, want ErrOrderTimeout", err)
	}
	if fmt.Sprint(clock.Sleeps()) != "[1h0m0s]" {
		t.Errorf("sleeps = %v", clock.Sleeps())
	}
}

func TestDownloadCancelledWhileQueued(t *testing.T) {
	a := newArchive(t, queued(""), queued("600"), ready([]byte("x")))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clock := newFakeClock()
	clock.onSleep = func(int) { cancel() }
	db := setupHistory(t)
	d := New(mapResolver{productID: a.productURL()}, WithClock(clock), WithHistory(db))

	_, err := d.Download(ctx, a.srv.Client(), Request{ProductID: productID, OutputDir: t.TempDir()})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	if a.Calls() != 2 {
		t.Errorf("archive calls = %d, want 2", a.Calls())
	}

	var entry history.DownloadEntry
	db.First(&entry)
	if entry.Status != history.DownloadStatusCancelled {
		t.Errorf("entry status = %q, want cancelled", entry.Status)
	}
}

func TestDownloadRecordsHistory(t *testing.T) {
	db := setupHistory(t)
	manager := hooks.New(db)
	t.Cleanup(func() { manager.Wait(context.Background()) })
	a := newArchive(t, queued(""), queued("5"), ready([]byte("payload")), unavailable(`<Response><ResponseMessage>Withdrawn</ResponseMessage></Response>`))
	d := New(mapResolver{productID: a.productURL()}, WithClock(newFakeClock()), WithHistory(db), WithHooks(manager))

	res, err := d.Download(context.Background(), a.srv.Client(), Request{ProductID: productID, OutputDir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}

	entries, err := db.ForProduct(productID)
	if err != nil || len(entries) != 1 {
		t.Fatalf("ForProduct() = %v, %v", entries, err)
	}
	e := entries[0]
	if e.Status != history.DownloadStatusCompleted || e.Polls != 1 || e.WaitedSeconds != 5 {
		t.Errorf("entry = %+v", e)
	}
	if e.LocalPath != res.Path || e.LocalChecksum != res.Checksum || e.Progress != 7 || e.URL != a.productURL() {
		t.Errorf("entry = %+v", e)
	}

	_, err = d.Download(context.Background(), a.srv.Client(), Request{ProductID: productID, OutputDir: t.TempDir()})
	if !errors.Is(err, fault.ErrProductUnavailable) {
		t.Fatalf("error = %v", err)
	}
	entries, _ = db.ForProduct(productID)
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	if entries[1].Status != history.DownloadStatusFailed || entries[1].ErrorCode != "PRODUCT_UNAVAILABLE" {
		t.Errorf("failed entry = %+v", entries[1])
	}
}

func TestDownloadEmitsEvents(t *testing.T) {
	var mu sync.Mutex
	var received []hooks.Event
	receiver := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var e hooks.Event
		json.NewDecoder(r.Body).Decode(&e)
		mu.Lock()
		received = append(received, e)
		mu.Unlock()
	}))
	defer receiver.Close()

	db := setupHistory(t)
	manager := hooks.New(db)
	if _, err := manager.CreateWebhook("all", receiver.URL, []string{"*"}); err != nil {
		t.Fatal(err)
	}

	a := newArchive(t, queued(""), queued("7"), ready([]byte("payload")))
	d := New(mapResolver{productID: a.productURL()}, WithClock(newFakeClock()), WithHooks(manager))
	if _, err := d.Download(context.Background(), a.srv.Client(), Request{ProductID: productID, OutputDir: t.TempDir()}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := manager.Wait(ctx); err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	defer mu.Unlock()
	byType := make(map[string]hooks.Event)
	for _, e := range received {
		byType[e.Type] = e
	}
	if len(received) != 3 {
		t.Fatalf("received %d events, want 3", len(received))
	}
	q, ok := byType[hooks.EventOrderQueued]
	if !ok || q.Order == nil || q.Order.Polls != 1 || q.Order.RetryAfter != 7 {
		t.Errorf("order.queued = %+v", q)
	}
	c, ok := byType[hooks.EventDownloadCompleted]
	if !ok || c.File == nil || c.File.Size != 7 || c.Product.ID != productID {
		t.Errorf("download.completed = %+v", c)
	}
	if _, ok := byType[hooks.EventDownloadStarted]; !ok {
		t.Error("download.started not delivered")
	}
}

func TestActiveDownloads(t *testing.T) {
	body := bytes.Repeat([]byte("x"), 2048)
	a := newArchive(t, ready(body))
	var during []DownloadProgress
	d := New(mapResolver{productID: a.productURL()}, WithClock(newFakeClock()), WithChunkSize(1024))
	if len(d.ActiveDownloads()) != 0 {
		t.Errorf("ActiveDownloads() = %d, want 0", len(d.ActiveDownloads()))
	}

	_, err := d.Download(context.Background(), a.srv.Client(), Request{
		ProductID: productID,
		OutputDir: t.TempDir(),
		Progress: func(DownloadProgress) {
			during = append(during, d.ActiveDownloads()...)
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(during) == 0 || during[0].ProductID != productID || during[0].TotalBytes != int64(len(body)) {
		t.Errorf("active downloads during transfer = %+v", during)
	}
	if len(d.ActiveDownloads()) != 0 {
		t.Error("transfer still listed after completion")
	}
}
