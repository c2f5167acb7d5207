package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func scrape(t *testing.T, m *Metrics, update func()) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler(update).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body, err := io.ReadAll(rec.Body)
	if err != nil {
		t.Fatal(err)
	}
	return string(body)
}

func assertContains(t *testing.T, body string, want ...string) {
	t.Helper()
	for _, w := range want {
		if !strings.Contains(body, w) {
			t.Errorf("exposition missing %q", w)
		}
	}
}

func TestCounters(t *testing.T) {
	t.Parallel()

	m := New()
	m.IncFrames()
	m.IncFrames()
	m.AddOutput(100)
	m.AddOutput(50)
	m.IncFrameError(KindFraming)
	m.IncFrameError(KindSPS)
	m.IncFrameError(KindSPS)
	m.AddViewerDrops(3)
	m.AddViewerDrops(0)

	assertContains(t, scrape(t, m, nil),
		"avcmux_frames_ingested_total 2",
		"avcmux_fragments_emitted_total 2",
		"avcmux_bytes_emitted_total 150",
		`avcmux_frame_errors_total{kind="framing"} 1`,
		`avcmux_frame_errors_total{kind="sps"} 2`,
		"avcmux_viewer_dropped_frames_total 3",
	)
}

func TestHandlerCallsUpdate(t *testing.T) {
	t.Parallel()

	m := New()
	called := false
	body := scrape(t, m, func() {
		called = true
		m.SetActiveStreams(4)
		m.SetActiveViewers("fmp4", 2)
	})
	if !called {
		t.Error("update callback not called")
	}
	assertContains(t, body, "avcmux_active_streams 4", `avcmux_active_viewers{mode="fmp4"} 2`)
}

func TestRequestMiddleware(t *testing.T) {
	t.Parallel()

	m := New()
	status := http.StatusOK
	h := RequestMiddleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	status = http.StatusNotFound
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	assertContains(t, scrape(t, m, nil),
		"avcmux_http_requests_total 2",
		"avcmux_http_errors_total 1",
	)
}
