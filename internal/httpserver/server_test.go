package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/chadiek/voicepipe/internal/audio"
	"github.com/chadiek/voicepipe/internal/history"
	"github.com/chadiek/voicepipe/internal/pipeline"
)

type stubStatus struct{ st pipeline.Status }

func (s stubStatus) Snapshot() pipeline.Status { return s.st }

type stubTurns struct {
	recs []history.Record
	err  error
	gotN int
}

func (s *stubTurns) Recent(ctx context.Context, n int) ([]history.Record, error) {
	s.gotN = n
	return s.recs, s.err
}

type stubAttacher struct {
	answer audio.SessionDescription
	err    error
}

func (s stubAttacher) Attach(ctx context.Context, offer audio.SessionDescription) (audio.SessionDescription, error) {
	return s.answer, s.err
}

func newTestServer(turns *stubTurns, att stubAttacher) *Server {
	return New(stubStatus{st: pipeline.Status{StateName: "LISTENING"}}, turns, att)
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(&stubTurns{}, stubAttacher{})
	r := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
}

func TestState(t *testing.T) {
	srv := newTestServer(&stubTurns{}, stubAttacher{})
	r := httptest.NewRequest(http.MethodGet, "/state", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var got map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got["state"] != "LISTENING" {
		t.Errorf("state = %v, want LISTENING", got["state"])
	}
}

func TestTurns(t *testing.T) {
	turns := &stubTurns{recs: []history.Record{{ID: "t1", Outcome: "completed"}}}
	srv := newTestServer(turns, stubAttacher{})

	r := httptest.NewRequest(http.MethodGet, "/turns?n=5", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if turns.gotN != 5 {
		t.Errorf("n = %d, want 5", turns.gotN)
	}
	var recs []history.Record
	if err := json.Unmarshal(w.Body.Bytes(), &recs); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(recs) != 1 || recs[0].ID != "t1" {
		t.Errorf("records = %+v", recs)
	}
}

func TestTurnsDefaultsAndValidation(t *testing.T) {
	turns := &stubTurns{}
	srv := newTestServer(turns, stubAttacher{})

	r := httptest.NewRequest(http.MethodGet, "/turns", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, r)
	if w.Code != http.StatusOK || turns.gotN != 20 {
		t.Errorf("default n: status=%d n=%d", w.Code, turns.gotN)
	}

	for _, q := range []string{"n=0", "n=-3", "n=smash", "n=9999"} {
		r := httptest.NewRequest(http.MethodGet, "/turns?"+q, nil)
		w := httptest.NewRecorder()
		srv.Handler().ServeHTTP(w, r)
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", q, w.Code)
		}
	}
}

func TestTurnsStoreError(t *testing.T) {
	srv := newTestServer(&stubTurns{err: errors.New("disk gone")}, stubAttacher{})
	r := httptest.NewRequest(http.MethodGet, "/turns", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, r)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}
}

func TestOffer(t *testing.T) {
	srv := newTestServer(&stubTurns{}, stubAttacher{
		answer: audio.SessionDescription{Type: "answer", SDP: "v=0"},
	})
	body := `{"type":"offer","sdp":"v=0"}`
	r := httptest.NewRequest(http.MethodPost, "/offer", strings.NewReader(body))
	r.Header.Set(echoContentType, "application/json")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	var answer audio.SessionDescription
	if err := json.Unmarshal(w.Body.Bytes(), &answer); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if answer.Type != "answer" {
		t.Errorf("answer type = %q", answer.Type)
	}
}

const echoContentType = "Content-Type"

func TestOfferRejected(t *testing.T) {
	srv := newTestServer(&stubTurns{}, stubAttacher{err: errors.New("invalid offer")})
	body := `{"type":"offer","sdp":"v=0"}`
	r := httptest.NewRequest(http.MethodPost, "/offer", strings.NewReader(body))
	r.Header.Set(echoContentType, "application/json")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, r)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}
