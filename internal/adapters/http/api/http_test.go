package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pitwall/racepulse/internal/adapters/repository"
	"github.com/pitwall/racepulse/internal/domain/model"
	"github.com/pitwall/racepulse/internal/domain/normalize"
	"github.com/pitwall/racepulse/internal/domain/session"
	"github.com/pitwall/racepulse/internal/domain/types"
	"github.com/pitwall/racepulse/pkg/logger"
	. "github.com/smartystreets/goconvey/convey"
)

func init() {
	_ = logger.Init()
}

// stubDeps is a canned-response Dependencies implementation.
type stubDeps struct {
	ingestAck  types.IngestAck
	ingestErr  error
	createInfo types.SessionInfo
	createErr  error
	transErr   error
	termErr    error
	sessions   []types.SessionInfo
	result     model.ProbabilityResult
	resultErr  error

	lastDialect string
	lastRaw     []byte
}

func (s *stubDeps) Ingest(_ context.Context, dialect string, raw []byte) (types.IngestAck, error) {
	s.lastDialect = dialect
	s.lastRaw = raw
	return s.ingestAck, s.ingestErr
}

func (s *stubDeps) CreateSession(_ context.Context, _, _ string, _ time.Time) (types.SessionInfo, error) {
	return s.createInfo, s.createErr
}

func (s *stubDeps) TransitionSession(_ context.Context, _, _ string) error { return s.transErr }
func (s *stubDeps) TerminateSession(_ context.Context, _ string) error     { return s.termErr }
func (s *stubDeps) Sessions(_ context.Context) []types.SessionInfo         { return s.sessions }

func (s *stubDeps) LatestResult(_ context.Context, _ string) (model.ProbabilityResult, error) {
	return s.result, s.resultErr
}

func (s *stubDeps) GetStats() map[string]any {
	return map[string]any{"started": true}
}

func newTestMux(deps *stubDeps) *http.ServeMux {
	mux := http.NewServeMux()
	NewServer(deps, deps).Register(context.Background(), mux)
	return mux
}

func doJSON(mux *http.ServeMux, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func errCode(rec *httptest.ResponseRecorder) string {
	var resp errorResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	return resp.Code
}

func TestHealthAndStats(t *testing.T) {
	Convey("Given the registered routes", t, func() {
		mux := newTestMux(&stubDeps{})

		Convey("Then /healthz reports ok", func() {
			rec := doJSON(mux, http.MethodGet, "/healthz", nil)
			So(rec.Code, ShouldEqual, http.StatusOK)
			So(rec.Body.String(), ShouldContainSubstring, `"ok"`)
		})

		Convey("Then /stats returns the provider's map", func() {
			rec := doJSON(mux, http.MethodGet, "/stats", nil)
			So(rec.Code, ShouldEqual, http.StatusOK)
			So(rec.Body.String(), ShouldContainSubstring, `"started":true`)
		})

		Convey("Then /metrics serves the Prometheus registry", func() {
			rec := doJSON(mux, http.MethodGet, "/metrics", nil)
			So(rec.Code, ShouldEqual, http.StatusOK)
		})
	})
}

func TestCreateSession(t *testing.T) {
	Convey("Given the sessions collection endpoint", t, func() {
		deps := &stubDeps{
			createInfo: types.SessionInfo{SessionID: "race-1", TrackID: "monza", State: "created"},
		}
		mux := newTestMux(deps)

		Convey("When a valid create request is posted", func() {
			rec := doJSON(mux, http.MethodPost, "/sessions", map[string]string{
				"session_id": "race-1",
				"track_id":   "monza",
				"start_time": "2026-08-23T14:00:00Z",
			})

			Convey("Then it returns 201 with the session info", func() {
				So(rec.Code, ShouldEqual, http.StatusCreated)
				So(rec.Body.String(), ShouldContainSubstring, `"race-1"`)
			})
		})

		Convey("When required fields are missing", func() {
			rec := doJSON(mux, http.MethodPost, "/sessions", map[string]string{"track_id": "monza"})
			So(rec.Code, ShouldEqual, http.StatusBadRequest)
			So(errCode(rec), ShouldEqual, "invalid_request")
		})

		Convey("When the start time is not RFC3339", func() {
			rec := doJSON(mux, http.MethodPost, "/sessions", map[string]string{
				"session_id": "race-1", "track_id": "monza", "start_time": "yesterday",
			})
			So(rec.Code, ShouldEqual, http.StatusBadRequest)
		})

		Convey("When the body is not JSON", func() {
			req := httptest.NewRequest(http.MethodPost, "/sessions", bytes.NewBufferString("not json"))
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, req)
			So(rec.Code, ShouldEqual, http.StatusBadRequest)
			So(errCode(rec), ShouldEqual, "invalid_json")
		})

		Convey("When the id is already active", func() {
			deps.createErr = session.ErrDuplicateSession
			rec := doJSON(mux, http.MethodPost, "/sessions", map[string]string{
				"session_id": "race-1", "track_id": "monza",
			})
			So(rec.Code, ShouldEqual, http.StatusConflict)
			So(errCode(rec), ShouldEqual, "duplicate_session")
		})

		Convey("When the collection is listed", func() {
			deps.sessions = []types.SessionInfo{{SessionID: "race-1", State: "live"}}
			rec := doJSON(mux, http.MethodGet, "/sessions", nil)
			So(rec.Code, ShouldEqual, http.StatusOK)
			So(rec.Body.String(), ShouldContainSubstring, `"live"`)
		})
	})
}

func TestSessionItemRoutes(t *testing.T) {
	Convey("Given the per-session endpoints", t, func() {
		deps := &stubDeps{
			result: model.ProbabilityResult{
				SessionID:   "race-1",
				SnapshotSeq: 42,
				Drivers:     []model.DriverProbability{{DriverID: "car-16", Win: 0.6, Predicted: 1}},
			},
		}
		mux := newTestMux(deps)

		Convey("When a transition is posted", func() {
			rec := doJSON(mux, http.MethodPost, "/sessions/race-1/transition", map[string]string{"state": "suspended"})
			So(rec.Code, ShouldEqual, http.StatusOK)
			So(rec.Body.String(), ShouldContainSubstring, `"suspended"`)
		})

		Convey("When the transition is illegal", func() {
			deps.transErr = session.ErrIllegalTransition
			rec := doJSON(mux, http.MethodPost, "/sessions/race-1/transition", map[string]string{"state": "created"})
			So(rec.Code, ShouldEqual, http.StatusConflict)
			So(errCode(rec), ShouldEqual, "illegal_transition")
		})

		Convey("When the transition state is blank", func() {
			rec := doJSON(mux, http.MethodPost, "/sessions/race-1/transition", map[string]string{})
			So(rec.Code, ShouldEqual, http.StatusBadRequest)
		})

		Convey("When a session is terminated", func() {
			rec := doJSON(mux, http.MethodDelete, "/sessions/race-1", nil)
			So(rec.Code, ShouldEqual, http.StatusNoContent)
		})

		Convey("When terminating an unknown session", func() {
			deps.termErr = session.ErrUnknownSession
			rec := doJSON(mux, http.MethodDelete, "/sessions/race-9", nil)
			So(rec.Code, ShouldEqual, http.StatusNotFound)
			So(errCode(rec), ShouldEqual, "unknown_session")
		})

		Convey("When the prediction is read", func() {
			rec := doJSON(mux, http.MethodGet, "/sessions/race-1/prediction", nil)
			So(rec.Code, ShouldEqual, http.StatusOK)
			So(rec.Body.String(), ShouldContainSubstring, `"snapshot_seq":42`)
			So(rec.Body.String(), ShouldContainSubstring, `"car-16"`)
		})

		Convey("When no result exists yet", func() {
			deps.resultErr = repository.ErrNotFound
			rec := doJSON(mux, http.MethodGet, "/sessions/race-1/prediction", nil)
			So(rec.Code, ShouldEqual, http.StatusNotFound)
			So(errCode(rec), ShouldEqual, "no_result")
		})

		Convey("When the route shape is wrong", func() {
			So(doJSON(mux, http.MethodGet, "/sessions/race-1", nil).Code, ShouldEqual, http.StatusNotFound)
			So(doJSON(mux, http.MethodPost, "/sessions/race-1/prediction", nil).Code, ShouldEqual, http.StatusNotFound)
			So(doJSON(mux, http.MethodDelete, "/sessions/race-1/extra/deep", nil).Code, ShouldEqual, http.StatusNotFound)
		})
	})
}

func TestFeedEndpoint(t *testing.T) {
	Convey("Given the feed ingest endpoint", t, func() {
		deps := &stubDeps{ingestAck: types.IngestAck{Status: "accepted"}}
		mux := newTestMux(deps)

		Convey("When a frame is posted", func() {
			rec := doJSON(mux, http.MethodPost, "/feed/race", map[string]any{"seq": 1})

			Convey("Then it is acknowledged with 202", func() {
				So(rec.Code, ShouldEqual, http.StatusAccepted)
				So(deps.lastDialect, ShouldEqual, "race")
				So(string(deps.lastRaw), ShouldContainSubstring, `"seq"`)
			})
		})

		Convey("When a duplicate is posted", func() {
			deps.ingestAck = types.IngestAck{Status: "duplicate", Duplicate: true}
			rec := doJSON(mux, http.MethodPost, "/feed/race", map[string]any{"seq": 1})
			So(rec.Code, ShouldEqual, http.StatusAccepted)
			So(rec.Body.String(), ShouldContainSubstring, `"duplicate":true`)
		})

		Convey("When the ingest queue pushes back", func() {
			deps.ingestAck = types.IngestAck{Status: "dropped", Dropped: true}
			rec := doJSON(mux, http.MethodPost, "/feed/race", map[string]any{"seq": 1})
			So(rec.Code, ShouldEqual, http.StatusTooManyRequests)
			So(errCode(rec), ShouldEqual, "backpressure")
		})

		Convey("When the payload is malformed", func() {
			deps.ingestErr = normalize.ErrMalformedEvent
			rec := doJSON(mux, http.MethodPost, "/feed/race", nil)
			So(rec.Code, ShouldEqual, http.StatusBadRequest)
			So(errCode(rec), ShouldEqual, "malformed_event")
		})

		Convey("When the dialect is unknown", func() {
			deps.ingestErr = normalize.ErrUnknownDialect
			rec := doJSON(mux, http.MethodPost, "/feed/telemetry2000", nil)
			So(rec.Code, ShouldEqual, http.StatusNotFound)
			So(errCode(rec), ShouldEqual, "unknown_dialect")
		})

		Convey("When the method or path is wrong", func() {
			So(doJSON(mux, http.MethodGet, "/feed/race", nil).Code, ShouldEqual, http.StatusNotFound)
			So(doJSON(mux, http.MethodPost, "/feed/race/extra", nil).Code, ShouldEqual, http.StatusNotFound)
		})
	})
}
