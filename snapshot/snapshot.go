// Package snapshot exports the frame currently on screen.
//
// The exporter reads the render surface's last-rendered frame, never the
// broker, so the exported image is the one the user sees. The JPEG is handed
// to a persistence collaborator and, optionally, to an upload collaborator.
// The two run concurrently and fail independently.
package snapshot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/jpeg"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/e7canasta/orion-lens/frame"
)

// DefaultQuality is the JPEG quality of every export.
const DefaultQuality = 90

// MIMETypeJPEG is the MIME type of exported items.
const MIMETypeJPEG = "image/jpeg"

var (
	// ErrNoFrameAvailable means nothing has been rendered yet. Not retried.
	ErrNoFrameAvailable = errors.New("snapshot: no frame available")
	// ErrUploadDisabled is the UploadErr of a request asking for upload when
	// no uploader is configured.
	ErrUploadDisabled = errors.New("snapshot: upload not configured")
)

// Category is the destination folder of a persisted item.
type Category string

const (
	CategoryDownloads Category = "downloads"
	CategoryPictures  Category = "pictures"
)

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	return c == CategoryDownloads || c == CategoryPictures
}

// Item is what the persistence and upload collaborators receive.
type Item struct {
	Data     []byte
	Filename string
	MIMEType string
	Category Category
}

// Persister stores an encoded item locally.
type Persister interface {
	Persist(ctx context.Context, item Item) error
}

// Uploader sends an encoded item to a remote relay.
type Uploader interface {
	Upload(ctx context.Context, item Item) error
}

// FrameSource exposes the frame currently on screen.
type FrameSource interface {
	LastRendered() *frame.Processed
}

// Options are the export metadata chosen by the user.
type Options struct {
	Filename string   // default snapshot_<seq>_<timestamp>.jpg
	Category Category // default pictures
	Upload   bool
}

// Request is a point-in-time copy of the rendered frame plus export metadata.
type Request struct {
	ID        string
	Frame     *frame.Processed
	Filename  string
	Category  Category
	Upload    bool
	CreatedAt time.Time
}

// Result reports each destination separately.
type Result struct {
	ID         string        `json:"id"`
	Filename   string        `json:"filename"`
	Seq        uint64        `json:"seq"`
	Bytes      int           `json:"bytes"`
	Persisted  bool          `json:"persisted"`
	Uploaded   bool          `json:"uploaded"`
	PersistErr error         `json:"-"`
	UploadErr  error         `json:"-"`
	Duration   time.Duration `json:"duration_ns"`
}

// Err joins the per-destination errors.
func (r Result) Err() error {
	return errors.Join(r.PersistErr, r.UploadErr)
}

// Option configures an Exporter.
type Option func(*Exporter)

// WithUploader enables uploads.
func WithUploader(u Uploader) Option {
	return func(e *Exporter) { e.uploader = u }
}

// WithQuality overrides the JPEG quality (1..100).
func WithQuality(q int) Option {
	return func(e *Exporter) { e.quality = q }
}

// WithTimeout bounds background exports. Default 30s.
func WithTimeout(d time.Duration) Option {
	return func(e *Exporter) { e.timeout = d }
}

// WithLogger sets the logger. Default slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Exporter) {
		if l != nil {
			e.logger = l
		}
	}
}

// Exporter captures and exports snapshots.
type Exporter struct {
	src       FrameSource
	persister Persister
	uploader  Uploader
	quality   int
	timeout   time.Duration
	logger    *slog.Logger

	wg sync.WaitGroup
}

// New creates an exporter. src and persister are required.
func New(src FrameSource, persister Persister, opts ...Option) (*Exporter, error) {
	if src == nil {
		return nil, fmt.Errorf("snapshot: frame source is required")
	}
	if persister == nil {
		return nil, fmt.Errorf("snapshot: persister is required")
	}
	e := &Exporter{
		src:       src,
		persister: persister,
		quality:   DefaultQuality,
		timeout:   30 * time.Second,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.quality < 1 || e.quality > 100 {
		return nil, fmt.Errorf("snapshot: quality must be 1-100, got %d", e.quality)
	}
	if e.timeout <= 0 {
		return nil, fmt.Errorf("snapshot: timeout must be positive, got %v", e.timeout)
	}
	return e, nil
}

// Capture copies the last-rendered frame. Returns ErrNoFrameAvailable when
// nothing has been drawn yet.
func (e *Exporter) Capture(opts Options) (*Request, error) {
	f := e.src.LastRendered()
	if !f.Valid() {
		return nil, ErrNoFrameAvailable
	}

	now := time.Now()
	req := &Request{
		ID:        uuid.NewString(),
		Frame:     f.Clone(),
		Filename:  opts.Filename,
		Category:  opts.Category,
		Upload:    opts.Upload,
		CreatedAt: now,
	}
	if req.Filename == "" {
		req.Filename = DefaultFilename(f.Seq, now)
	}
	if req.Category == "" {
		req.Category = CategoryPictures
	}
	return req, nil
}

// Export encodes req and hands it to the collaborators concurrently.
func (e *Exporter) Export(ctx context.Context, req *Request) Result {
	start := time.Now()
	res := Result{ID: req.ID, Filename: req.Filename, Seq: req.Frame.Seq}

	data, err := Encode(req.Frame, e.quality)
	if err != nil {
		res.PersistErr = err
		if req.Upload {
			res.UploadErr = err
		}
		res.Duration = time.Since(start)
		return res
	}
	res.Bytes = len(data)

	item := Item{Data: data, Filename: req.Filename, MIMEType: MIMETypeJPEG, Category: req.Category}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := e.persister.Persist(ctx, item); err != nil {
			res.PersistErr = fmt.Errorf("snapshot: persist %s: %w", item.Filename, err)
			return
		}
		res.Persisted = true
	}()

	if req.Upload {
		if e.uploader == nil {
			res.UploadErr = ErrUploadDisabled
		} else {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := e.uploader.Upload(ctx, item); err != nil {
					res.UploadErr = fmt.Errorf("snapshot: upload %s: %w", item.Filename, err)
					return
				}
				res.Uploaded = true
			}()
		}
	}
	wg.Wait()
	res.Duration = time.Since(start)

	e.logger.Info("snapshot: exported",
		"id", res.ID,
		"filename", res.Filename,
		"seq", res.Seq,
		"bytes", res.Bytes,
		"persisted", res.Persisted,
		"uploaded", res.Uploaded,
		"trace_id", req.Frame.TraceID,
	)
	if res.PersistErr != nil {
		e.logger.Warn("snapshot: persist failed", "id", res.ID, "error", res.PersistErr)
	}
	if res.UploadErr != nil {
		e.logger.Warn("snapshot: upload failed", "id", res.ID, "error", res.UploadErr)
	}
	return res
}

// Snapshot is Capture followed by Export.
func (e *Exporter) Snapshot(ctx context.Context, opts Options) (Result, error) {
	req, err := e.Capture(opts)
	if err != nil {
		return Result{}, err
	}
	return e.Export(ctx, req), nil
}

// SnapshotAsync captures synchronously and exports in the background.
// done, if non-nil, receives the result from the export goroutine.
func (e *Exporter) SnapshotAsync(opts Options, done func(Result)) (string, error) {
	req, err := e.Capture(opts)
	if err != nil {
		return "", err
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
		defer cancel()
		res := e.Export(ctx, req)
		if done != nil {
			done(res)
		}
	}()
	return req.ID, nil
}

// Wait blocks until every background export has finished.
func (e *Exporter) Wait() {
	e.wg.Wait()
}

// Encode compresses f as JPEG.
func Encode(f *frame.Processed, quality int) ([]byte, error) {
	if !f.Valid() {
		return nil, fmt.Errorf("snapshot: invalid frame")
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, f.RGBA(), &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("snapshot: encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// DefaultFilename is snapshot_<seq>_<YYYYMMDD_HHMMSS>.jpg.
func DefaultFilename(seq uint64, t time.Time) string {
	return fmt.Sprintf("snapshot_%d_%s.jpg", seq, t.Format("20060102_150405"))
}
