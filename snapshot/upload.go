package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"time"
)

// UploadField is the multipart field the relay reads.
const UploadField = "frame"

// ErrUploadRejected is returned when the relay answers with ok=false or a
// non-2xx status.
var ErrUploadRejected = errors.New("snapshot: upload rejected")

// HTTPUploader posts items to a relay's /upload endpoint.
type HTTPUploader struct {
	url     string
	client  *http.Client
	timeout time.Duration
	logger  *slog.Logger
}

// NewHTTPUploader creates an uploader for url. timeout bounds each request.
func NewHTTPUploader(url string, timeout time.Duration, logger *slog.Logger) (*HTTPUploader, error) {
	if url == "" {
		return nil, fmt.Errorf("snapshot: upload url is required")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPUploader{
		url:     url,
		client:  &http.Client{},
		timeout: timeout,
		logger:  logger,
	}, nil
}

type relayResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

// Upload implements Uploader.
func (u *HTTPUploader) Upload(ctx context.Context, item Item) error {
	body, contentType, err := multipartBody(item)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, u.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.url, body)
	if err != nil {
		return fmt.Errorf("snapshot: build upload request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := u.client.Do(req)
	if err != nil {
		return fmt.Errorf("snapshot: upload to %s: %w", u.url, err)
	}
	defer resp.Body.Close()

	var rr relayResponse
	decodeErr := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&rr)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: status %d: %s", ErrUploadRejected, resp.StatusCode, rr.Error)
	}
	if decodeErr != nil {
		return fmt.Errorf("snapshot: decode relay response: %w", decodeErr)
	}
	if !rr.OK {
		return fmt.Errorf("%w: %s", ErrUploadRejected, rr.Error)
	}

	u.logger.Debug("snapshot: uploaded", "url", u.url, "filename", item.Filename, "bytes", len(item.Data))
	return nil
}

func multipartBody(item Item) (*bytes.Buffer, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, UploadField, item.Filename))
	h.Set("Content-Type", item.MIMEType)
	part, err := mw.CreatePart(h)
	if err != nil {
		return nil, "", fmt.Errorf("snapshot: create multipart part: %w", err)
	}
	if _, err := part.Write(item.Data); err != nil {
		return nil, "", fmt.Errorf("snapshot: write multipart part: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("snapshot: close multipart: %w", err)
	}
	return &buf, mw.FormDataContentType(), nil
}
