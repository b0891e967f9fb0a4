package hooks

import (
	"time"

	"github.com/google/uuid"
)

const (
	EventOrderQueued       = "order.queued"
	EventDownloadStarted   = "download.started"
	EventDownloadCompleted = "download.completed"
	EventDownloadFailed    = "download.failed"
	EventDownloadCancelled = "download.cancelled"
	EventCatalogSynced     = "catalog.synced"
	EventCatalogSyncFailed = "catalog.sync_failed"
)

// Event is the JSON payload posted to webhooks.
type Event struct {
	ID        string    `json:"id"`
	Type      string    `json:"event"`
	Timestamp time.Time `json:"timestamp"`
	Product   *Product  `json:"product,omitempty"`
	Order     *Order    `json:"order,omitempty"`
	File      *File     `json:"file,omitempty"`
	Catalog   *Catalog  `json:"catalog,omitempty"`
	Error     *Error    `json:"error,omitempty"`
}

type Product struct {
	ID  string `json:"id"`
	URL string `json:"url,omitempty"`
}

// Order describes the archive's processing queue state.
type Order struct {
	Polls      int   `json:"polls"`
	RetryAfter int64 `json:"retryAfterSeconds"`
}

type File struct {
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	Checksum string `json:"checksum,omitempty"`
	Path     string `json:"path,omitempty"`
}

type Catalog struct {
	Source string `json:"source"`
	Path   string `json:"path"`
	Bytes  int64  `json:"bytes,omitempty"`
}

type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewEvent creates an event with a fresh id and the current timestamp.
func NewEvent(eventType string) *Event {
	return &Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
	}
}

func (e *Event) WithProduct(id, url string) *Event {
	e.Product = &Product{ID: id, URL: url}
	return e
}

func (e *Event) WithOrder(polls int, retryAfter time.Duration) *Event {
	e.Order = &Order{Polls: polls, RetryAfter: int64(retryAfter / time.Second)}
	return e
}

func (e *Event) WithFile(name string, size int64, checksum, path string) *Event {
	e.File = &File{
		Name:     name,
		Size:     size,
		Checksum: checksum,
		Path:     path,
	}
	return e
}

func (e *Event) WithCatalog(source, path string, bytes int64) *Event {
	e.Catalog = &Catalog{Source: source, Path: path, Bytes: bytes}
	return e
}

func (e *Event) WithError(code, message string) *Event {
	e.Error = &Error{Code: code, Message: message}
	return e
}
