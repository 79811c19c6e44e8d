package snapshot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/e7canasta/orion-lens/internal/atomicfile"
)

// ErrInvalidItem is returned for unknown categories or unusable filenames.
var ErrInvalidItem = errors.New("snapshot: invalid item")

// DirStore persists items as <base>/<category>/<filename>. An existing name
// gets a numeric suffix: edges_output.jpg, edges_output_1.jpg, ...
type DirStore struct {
	base   string
	logger *slog.Logger

	mu       sync.Mutex // serializes name selection and rename
	lastPath string
}

// NewDirStore creates the category directories under base.
func NewDirStore(base string, logger *slog.Logger) (*DirStore, error) {
	if base == "" {
		return nil, fmt.Errorf("snapshot: store base directory is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	for _, c := range []Category{CategoryDownloads, CategoryPictures} {
		if err := os.MkdirAll(filepath.Join(base, string(c)), 0o755); err != nil {
			return nil, fmt.Errorf("snapshot: create %s dir: %w", c, err)
		}
	}
	return &DirStore{base: base, logger: logger}, nil
}

// Persist implements Persister.
func (s *DirStore) Persist(ctx context.Context, item Item) error {
	_, err := s.Save(ctx, item)
	return err
}

// Save persists item and returns the path written.
func (s *DirStore) Save(ctx context.Context, item Item) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if !item.Category.Valid() {
		return "", fmt.Errorf("%w: category %q", ErrInvalidItem, item.Category)
	}
	name := filepath.Base(item.Filename)
	if name == "." || name == ".." || name == string(filepath.Separator) || strings.HasPrefix(name, ".") {
		return "", fmt.Errorf("%w: filename %q", ErrInvalidItem, item.Filename)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Join(s.base, string(item.Category))
	path := uniquePath(dir, name)
	if _, err := atomicfile.Write(path, bytes.NewReader(item.Data), 0o644); err != nil {
		return "", fmt.Errorf("snapshot: store: %w", err)
	}
	s.lastPath = path

	s.logger.Debug("snapshot: item stored",
		"path", path,
		"bytes", len(item.Data),
		"mime", item.MIMEType,
	)
	return path, nil
}

// LastPath returns the most recently written path.
func (s *DirStore) LastPath() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastPath
}

func uniquePath(dir, name string) string {
	path := filepath.Join(dir, name)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return path
	}
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for i := 1; ; i++ {
		path = filepath.Join(dir, fmt.Sprintf("%s_%d%s", stem, i, ext))
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			return path
		}
	}
}
