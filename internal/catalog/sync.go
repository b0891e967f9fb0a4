package catalog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/asar-dev/asar-loader/internal/fault"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

const defaultSyncChunkSize = 1024 * 1024

// ProgressFunc reports bytes written so far and the expected total (0 when
// unknown).
type ProgressFunc func(written, total int64)

// S3Downloader is the subset of the S3 transfer manager used by Syncer.
type S3Downloader interface {
	Download(ctx context.Context, w io.WriterAt, input *s3.GetObjectInput, optFns ...func(*manager.Downloader)) (int64, error)
}

// Syncer fetches the catalog file from an http(s):// or s3:// source.
type Syncer struct {
	source    string
	dest      string
	client    *http.Client
	chunkSize int

	s3Region    string
	s3KeyID     string
	s3Secret    string
	newS3Client func(aws.Config) S3Downloader
}

// SyncOption configures a Syncer.
type SyncOption func(*Syncer)

// WithHTTPClient sets the client used for http(s) sources.
func WithHTTPClient(c *http.Client) SyncOption {
	return func(s *Syncer) {
		s.client = c
	}
}

// WithSyncChunkSize sets the copy buffer size.
func WithSyncChunkSize(n int) SyncOption {
	return func(s *Syncer) {
		if n > 0 {
			s.chunkSize = n
		}
	}
}

// WithS3 sets the region and optional static credentials for s3:// sources.
// Without a key id the default AWS credential chain is used.
func WithS3(region, accessKeyID, secretAccessKey string) SyncOption {
	return func(s *Syncer) {
		s.s3Region = region
		s.s3KeyID = accessKeyID
		s.s3Secret = secretAccessKey
	}
}

// WithS3Downloader replaces the transfer manager factory.
func WithS3Downloader(fn func(aws.Config) S3Downloader) SyncOption {
	return func(s *Syncer) {
		s.newS3Client = fn
	}
}

// NewSyncer creates a Syncer writing source to dest.
func NewSyncer(source, dest string, opts ...SyncOption) *Syncer {
	s := &Syncer{
		source:    source,
		dest:      dest,
		client:    &http.Client{},
		chunkSize: defaultSyncChunkSize,
		newS3Client: func(cfg aws.Config) S3Downloader {
			return manager.NewDownloader(s3.NewFromConfig(cfg))
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sync downloads the catalog. An existing catalog is kept unless overwrite
// is set. The file is written under a temporary name and renamed when
// complete.
func (s *Syncer) Sync(ctx context.Context, overwrite bool, progress ProgressFunc) (int64, error) {
	if _, err := os.Stat(s.dest); err == nil && !overwrite {
		return 0, fault.New(fault.CodeCatalogPresent,
			fmt.Sprintf("catalog already present at %s", s.dest), nil)
	}

	u, err := url.Parse(s.source)
	if err != nil {
		return 0, fault.New(fault.CodeInvalidParameter, "invalid catalog source", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.dest), 0755); err != nil {
		return 0, fmt.Errorf("create catalog directory: %w", err)
	}

	tmpPath := s.dest + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}

	start := time.Now()
	var n int64
	switch u.Scheme {
	case "http", "https":
		n, err = s.fetchHTTP(ctx, f, progress)
	case "s3":
		n, err = s.fetchS3(ctx, u, f, progress)
	default:
		err = fault.New(fault.CodeInvalidParameter,
			fmt.Sprintf("unsupported catalog source scheme %q", u.Scheme), nil)
	}

	if closeErr := f.Close(); err == nil && closeErr != nil {
		err = fmt.Errorf("close temp file: %w", closeErr)
	}
	if err != nil {
		os.Remove(tmpPath)
		return 0, err
	}

	if err := os.Rename(tmpPath, s.dest); err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("rename catalog: %w", err)
	}

	slog.Info("Catalog synced", "source", s.source, "path", s.dest, "bytes", n, "duration", time.Since(start))
	return n, nil
}

func (s *Syncer) fetchHTTP(ctx context.Context, w io.Writer, progress ProgressFunc) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.source, nil)
	if err != nil {
		return 0, fault.New(fault.CodeInvalidParameter, "invalid catalog source", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, fault.New(fault.CodeNetwork, "fetch catalog", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fault.New(fault.CodeNetwork,
			fmt.Sprintf("fetch catalog: unexpected status %s", resp.Status), nil)
	}

	total := resp.ContentLength
	if total < 0 {
		total = 0
	}

	buf := make([]byte, s.chunkSize)
	var written int64
	for {
		nr, rerr := resp.Body.Read(buf)
		if nr > 0 {
			nw, werr := w.Write(buf[:nr])
			written += int64(nw)
			if werr != nil {
				return written, fmt.Errorf("write catalog: %w", werr)
			}
			if progress != nil {
				progress(written, total)
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return written, fault.New(fault.CodeNetwork, "read catalog", rerr)
		}
	}

	if total > 0 && written != total {
		return written, fault.New(fault.CodeNetwork,
			fmt.Sprintf("catalog truncated: got %d of %d bytes", written, total), nil)
	}
	return written, nil
}

func (s *Syncer) fetchS3(ctx context.Context, u *url.URL, w io.WriterAt, progress ProgressFunc) (int64, error) {
	bucket := u.Host
	key := strings.TrimPrefix(u.Path, "/")
	if bucket == "" || key == "" {
		return 0, fault.New(fault.CodeInvalidParameter,
			fmt.Sprintf("invalid s3 location %q", s.source), nil)
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(s.s3Region),
	}
	if s.s3KeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(s.s3KeyID, s.s3Secret, ""),
		))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return 0, fmt.Errorf("load aws config: %w", err)
	}

	cw := &countingWriterAt{w: w, progress: progress}
	n, err := s.newS3Client(cfg).Download(ctx, cw, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return 0, err
		}
		return 0, fault.New(fault.CodeNetwork, "fetch catalog from s3", err)
	}
	return n, nil
}

// countingWriterAt reports progress for concurrent part writes.
type countingWriterAt struct {
	w        io.WriterAt
	written  atomic.Int64
	mu       sync.Mutex
	progress ProgressFunc
}

func (c *countingWriterAt) WriteAt(p []byte, off int64) (int, error) {
	n, err := c.w.WriteAt(p, off)
	total := c.written.Add(int64(n))
	if c.progress != nil {
		c.mu.Lock()
		c.progress(total, 0)
		c.mu.Unlock()
	}
	return n, err
}
