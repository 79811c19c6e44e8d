package relay

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func newTestServer(t *testing.T, cfg Config) (*Server, *httptest.Server) {
	t.Helper()
	if cfg.UploadDir == "" {
		cfg.UploadDir = filepath.Join(t.TempDir(), "uploads")
	}
	s, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts
}

func postFrame(t *testing.T, url, field string, data []byte) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile(field, "frame.jpg")
	if err != nil {
		t.Fatal(err)
	}
	part.Write(data)
	mw.Close()

	resp, err := http.Post(url+"/upload", mw.FormDataContentType(), &buf)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestUploadThenFetch(t *testing.T) {
	s, ts := newTestServer(t, Config{})

	// Nothing stored yet.
	resp, err := http.Get(ts.URL + "/latest_meta")
	if err != nil {
		t.Fatal(err)
	}
	var meta Meta
	decode(t, resp, &meta)
	if meta.Exists {
		t.Fatal("meta.Exists = true before any upload")
	}
	resp, _ = http.Get(ts.URL + "/latest_frame.jpg")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("latest before upload = %d, want 404", resp.StatusCode)
	}

	// Two uploads: last write wins.
	for _, body := range [][]byte{[]byte("first"), []byte("second-frame")} {
		resp := postFrame(t, ts.URL, UploadField, body)
		var out map[string]any
		decode(t, resp, &out)
		if resp.StatusCode != http.StatusOK || out["ok"] != true {
			t.Fatalf("upload status=%d body=%v", resp.StatusCode, out)
		}
	}

	resp, _ = http.Get(ts.URL + "/latest_frame.jpg")
	got, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(got) != "second-frame" {
		t.Errorf("latest = %q, want second-frame", got)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "image/jpeg" {
		t.Errorf("Content-Type = %q", ct)
	}

	resp, _ = http.Get(ts.URL + "/latest_meta")
	decode(t, resp, &meta)
	if !meta.Exists || meta.Bytes != int64(len("second-frame")) || meta.Modified == 0 {
		t.Errorf("meta = %+v", meta)
	}

	if _, err := os.Stat(s.LatestPath()); err != nil {
		t.Errorf("stored file missing: %v", err)
	}
	t.Logf("✅ Upload/fetch round trip, meta=%+v", meta)
}

func TestUploadErrors(t *testing.T) {
	_, ts := newTestServer(t, Config{MaxUploadBytes: 1024})

	resp := postFrame(t, ts.URL, "image", []byte("x"))
	var out map[string]any
	decode(t, resp, &out)
	if resp.StatusCode != http.StatusBadRequest || out["ok"] != false {
		t.Errorf("wrong field: status=%d body=%v", resp.StatusCode, out)
	}

	resp = postFrame(t, ts.URL, UploadField, bytes.Repeat([]byte("x"), 4096))
	resp.Body.Close()
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Errorf("oversized upload status = %d, want 413", resp.StatusCode)
	}

	resp, _ = http.Get(ts.URL + "/upload")
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("GET /upload status = %d, want 405", resp.StatusCode)
	}
}

func TestNoCacheHeaders(t *testing.T) {
	_, ts := newTestServer(t, Config{})

	for _, path := range []string{"/latest_meta", "/latest_frame.jpg"} {
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if cc := resp.Header.Get("Cache-Control"); cc != "no-store, no-cache, must-revalidate, max-age=0" {
			t.Errorf("%s Cache-Control = %q", path, cc)
		}
		if resp.Header.Get("Pragma") != "no-cache" || resp.Header.Get("Expires") != "0" {
			t.Errorf("%s missing Pragma/Expires", path)
		}
	}
}

func TestStaticDir(t *testing.T) {
	static := t.TempDir()
	if err := os.WriteFile(filepath.Join(static, "index.html"), []byte("<h1>live</h1>"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, ts := newTestServer(t, Config{StaticDir: static})

	resp, err := http.Get(ts.URL + "/")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "<h1>live</h1>" {
		t.Errorf("static index = %q", body)
	}

	if _, err := New(Config{UploadDir: t.TempDir(), StaticDir: filepath.Join(static, "missing")}, nil); err == nil {
		t.Error("New() accepted a missing static dir")
	}
}
