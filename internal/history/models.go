package history

import "time"

// DownloadEntry records one product retrieval attempt.
type DownloadEntry struct {
	ID            uint   `gorm:"primaryKey"`
	ProductID     string `gorm:"index"`
	URL           string
	Status        string `gorm:"index"`
	Polls         int
	WaitedSeconds int64
	Progress      int64
	TotalBytes    int64
	LocalPath     string
	LocalChecksum string
	ErrorCode     string
	ErrorMessage  string
	StartedAt     *time.Time
	CompletedAt   *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

const (
	DownloadStatusPending     = "pending"
	DownloadStatusQueued      = "queued"
	DownloadStatusDownloading = "downloading"
	DownloadStatusCompleted   = "completed"
	DownloadStatusFailed      = "failed"
	DownloadStatusCancelled   = "cancelled"
)

// Finished reports whether the entry reached a terminal status.
func (e *DownloadEntry) Finished() bool {
	switch e.Status {
	case DownloadStatusCompleted, DownloadStatusFailed, DownloadStatusCancelled:
		return true
	}
	return false
}

// Webhook is an event subscription. Products holds a JSON list of product
// identifier prefixes; empty matches every product.
type Webhook struct {
	ID              uint `gorm:"primaryKey"`
	Name            string
	URL             string
	Events          string
	Products        string
	Headers         []byte
	Secret          string
	Enabled         bool `gorm:"default:true"`
	LastStatus      int
	LastError       string
	LastDeliveredAt *time.Time
	Failures        int
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type Setting struct {
	Key   string `gorm:"primaryKey"`
	Value string
}

const (
	SettingEncryptionSalt = "encryption_salt"
	SettingPassphraseHash = "passphrase_hash"
	SettingCredentials    = "sso_credentials"
)
