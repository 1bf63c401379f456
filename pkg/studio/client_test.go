package studio

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/livepeer/brewdream/pkg/recorder"
)

type fakeStudio struct {
	mu       sync.Mutex
	server   *httptest.Server
	uploaded []byte
	polls    int
	statuses []string
}

func newFakeStudio(t *testing.T, statuses ...string) *fakeStudio {
	t.Helper()

	f := &fakeStudio{statuses: statuses}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/asset/request-upload", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-key" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = io.WriteString(w, `{"errors":["invalid api key"]}`)
			return
		}

		var req uploadRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		_ = json.NewEncoder(w).Encode(map[string]any{
			"url":   f.server.URL + "/upload/direct",
			"asset": map[string]string{"id": "asset-1", "playbackId": "pb-1"},
		})
	})
	mux.HandleFunc("PUT /upload/direct", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)

		f.mu.Lock()
		f.uploaded = body
		f.mu.Unlock()

		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /api/asset/asset-1", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		status := f.statuses[min(f.polls, len(f.statuses)-1)]
		f.polls++
		f.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, status)
	})

	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)

	return f
}

func (f *fakeStudio) client(key string) *Client {
	return New(Options{
		BaseURL:         f.server.URL,
		APIKey:          key,
		PollInterval:    time.Millisecond,
		PollMaxInterval: 2 * time.Millisecond,
	})
}

func TestUpload_waitsForProcessing(t *testing.T) {
	f := newFakeStudio(t,
		`{"id":"asset-1","status":{"phase":"waiting"}}`,
		`{"id":"asset-1","status":{"phase":"processing","progress":0.3}}`,
		`{"id":"asset-1","status":{"phase":"processing","progress":0.2}}`,
		`{"id":"asset-1","playbackId":"pb-1","downloadUrl":"https://cdn.example/asset-1.mp4","status":{"phase":"ready","progress":1}}`,
	)

	var events []recorder.Progress
	clip := recorder.Clip{Name: "clip.ivf", ContentType: "video/x-ivf", Data: bytes.Repeat([]byte{7}, 64*1024)}

	asset, err := f.client("test-key").UploadClip(context.Background(), clip, func(p recorder.Progress) {
		events = append(events, p)
	})
	if err != nil {
		t.Fatal(err)
	}

	if asset.ID != "asset-1" || asset.PlaybackID != "pb-1" || asset.DownloadURL == "" {
		t.Errorf("asset = %+v", asset)
	}
	if !bytes.Equal(f.uploaded, clip.Data) {
		t.Errorf("uploaded %d bytes, want %d", len(f.uploaded), len(clip.Data))
	}

	var sawUploadDone bool
	processing := 0
	for _, e := range events {
		switch e.Phase {
		case recorder.PhaseUploading:
			if e.Progress == 1 {
				sawUploadDone = true
			}
			if processing > 0 {
				t.Error("uploading progress after processing started")
			}
		case recorder.PhaseProcessing:
			processing++
		}
	}

	if !sawUploadDone {
		t.Error("no complete upload progress event")
	}
	if processing != 3 {
		t.Errorf("processing events = %d, want 3", processing)
	}
}

func TestUpload_assetFailed(t *testing.T) {
	f := newFakeStudio(t, `{"id":"asset-1","status":{"phase":"failed","errorMessage":"unsupported codec"}}`)

	_, err := f.client("test-key").UploadClip(context.Background(), recorder.Clip{Name: "clip.ivf", Data: []byte("DKIF")}, nil)
	if !errors.Is(err, ErrAssetFailed) {
		t.Fatalf("Upload() = %v, want ErrAssetFailed", err)
	}
	if !strings.Contains(err.Error(), "unsupported codec") {
		t.Errorf("error %q lacks the reported reason", err)
	}
	if f.polls != 1 {
		t.Errorf("polls = %d, want 1 for a failed asset", f.polls)
	}
}

func TestUpload_rejected(t *testing.T) {
	f := newFakeStudio(t, `{}`)

	_, err := f.client("wrong-key").UploadClip(context.Background(), recorder.Clip{Name: "clip.ivf", Data: []byte("x")}, nil)

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("Upload() = %v, want *APIError", err)
	}
	if apiErr.StatusCode != http.StatusUnauthorized || apiErr.Message != "invalid api key" {
		t.Errorf("api error = %+v", apiErr)
	}
	if f.uploaded != nil {
		t.Error("body uploaded after rejected request")
	}
}

func TestUpload_requiresAPIKey(t *testing.T) {
	c := New(Options{BaseURL: "http://127.0.0.1:1"})

	if _, err := c.UploadClip(context.Background(), recorder.Clip{Name: "clip.ivf"}, nil); !errors.Is(err, ErrNoAPIKey) {
		t.Errorf("Upload() = %v, want ErrNoAPIKey", err)
	}
}

func TestProgressReader(t *testing.T) {
	var reports []float64
	r := &progressReader{
		reader: strings.NewReader("abcdefgh"),
		size:   8,
		report: func(f float64) { reports = append(reports, f) },
	}

	buf := make([]byte, 4)
	for {
		if _, err := r.Read(buf); err != nil {
			break
		}
	}

	if len(reports) != 2 || reports[0] != 0.5 || reports[1] != 1 {
		t.Errorf("reports = %v, want [0.5 1]", reports)
	}
}
