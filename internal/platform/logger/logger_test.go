package logger

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/pion/logging"
)

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]logging.LogLevel{
		"trace":    logging.LogLevelTrace,
		"DEBUG":    logging.LogLevelDebug,
		" warn ":   logging.LogLevelWarn,
		"error":    logging.LogLevelError,
		"disabled": logging.LogLevelDisabled,
		"":         logging.LogLevelInfo,
		"verbose":  logging.LogLevelInfo,
	} {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewFactoryLevel(t *testing.T) {
	var buf bytes.Buffer
	log := NewFactory("warn", &buf).NewLogger("test")

	log.Info("hidden")
	log.Warn("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info logged at warn level: %q", out)
	}
	if !strings.Contains(out, "shown") {
		t.Errorf("warn not logged: %q", out)
	}
}

func TestRequestLogger(t *testing.T) {
	var buf bytes.Buffer
	log := NewFactory("info", &buf).NewLogger("http")

	r := chi.NewRouter()
	r.Use(RequestLogger(log))
	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("brew"))
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))

	out := buf.String()
	if !strings.Contains(out, "GET /status status=418") || !strings.Contains(out, "size=4") {
		t.Errorf("unexpected log line: %q", out)
	}
}
