package downloader

import (
	"sync"
	"time"
)

// ProgressTracker tracks transfer progress per product.
type ProgressTracker struct {
	downloads map[string]*DownloadProgress
	mu        sync.RWMutex
	now       func() time.Time
}

// DownloadProgress represents the progress of a single transfer.
type DownloadProgress struct {
	ProductID    string    `json:"productId"`
	FileName     string    `json:"fileName"`
	BytesWritten int64     `json:"bytesWritten"`
	TotalBytes   int64     `json:"totalBytes"`
	StartedAt    time.Time `json:"startedAt"`
	Speed        float64   `json:"speed"` // bytes per second
}

func NewProgressTracker(now func() time.Time) *ProgressTracker {
	if now == nil {
		now = time.Now
	}
	return &ProgressTracker{
		downloads: make(map[string]*DownloadProgress),
		now:       now,
	}
}

// Start registers a transfer.
func (pt *ProgressTracker) Start(productID, fileName string, totalBytes int64) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	pt.downloads[productID] = &DownloadProgress{
		ProductID:  productID,
		FileName:   fileName,
		TotalBytes: totalBytes,
		StartedAt:  pt.now(),
	}
}

// Update records bytes written and returns a snapshot, or nil if the
// transfer is unknown.
func (pt *ProgressTracker) Update(productID string, bytesWritten int64) *DownloadProgress {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	p, ok := pt.downloads[productID]
	if !ok {
		return nil
	}

	p.BytesWritten = bytesWritten
	elapsed := pt.now().Sub(p.StartedAt).Seconds()
	if elapsed > 0 {
		p.Speed = float64(bytesWritten) / elapsed
	}

	snapshot := *p
	return &snapshot
}

// Complete stops tracking a transfer.
func (pt *ProgressTracker) Complete(productID string) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	delete(pt.downloads, productID)
}

func (pt *ProgressTracker) GetAll() []DownloadProgress {
	pt.mu.RLock()
	defer pt.mu.RUnlock()

	result := make([]DownloadProgress, 0, len(pt.downloads))
	for _, p := range pt.downloads {
		result = append(result, *p)
	}
	return result
}

// Percent returns the progress as a percentage, 0 when the size is unknown.
func (p *DownloadProgress) Percent() float64 {
	if p.TotalBytes <= 0 {
		return 0
	}
	return float64(p.BytesWritten) * 100 / float64(p.TotalBytes)
}

// ETA returns the estimated time remaining.
func (p *DownloadProgress) ETA() time.Duration {
	if p.Speed == 0 || p.TotalBytes <= 0 {
		return 0
	}
	remaining := p.TotalBytes - p.BytesWritten
	return time.Duration(float64(remaining) / p.Speed * float64(time.Second))
}
