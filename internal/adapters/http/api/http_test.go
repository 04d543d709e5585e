package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/okian/pitwall/internal/adapters/http/api"
	"github.com/okian/pitwall/internal/adapters/repository"
	"github.com/okian/pitwall/internal/domain/aggregator"
	"github.com/okian/pitwall/internal/domain/identity"
	"github.com/okian/pitwall/internal/domain/model"
)

// mockDependencies implements api.Dependencies in memory.
type mockDependencies struct {
	enqueueOK bool
	enqueued  []model.SnapshotBatch

	sessions   map[string]model.RaceSession
	listErr    error
	replaced   []model.Lap
	replaceErr error

	identities map[string]model.DriverIdentity
	bound      []string

	drivers []model.BestRecord
	karts   []model.BestRecord
	topErr  error
}

func newDeps() *mockDependencies {
	return &mockDependencies{
		enqueueOK:  true,
		sessions:   map[string]model.RaceSession{},
		identities: map[string]model.DriverIdentity{},
	}
}

func (m *mockDependencies) Enqueue(_ context.Context, b model.SnapshotBatch) bool {
	if !m.enqueueOK {
		return false
	}
	m.enqueued = append(m.enqueued, b)
	return true
}

func (m *mockDependencies) Session(_ context.Context, id string) (model.RaceSession, error) {
	doc, ok := m.sessions[id]
	if !ok {
		return model.RaceSession{}, aggregator.ErrNotFound
	}
	return doc, nil
}

func (m *mockDependencies) Sessions(_ context.Context, limit int) ([]model.RaceSession, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []model.RaceSession
	for _, doc := range m.sessions {
		if len(out) == limit {
			break
		}
		out = append(out, doc)
	}
	return out, nil
}

func (m *mockDependencies) ReplaceLap(_ context.Context, id, driver string, lap model.Lap) (model.RaceSession, error) {
	if m.replaceErr != nil {
		return model.RaceSession{}, m.replaceErr
	}
	doc, ok := m.sessions[id]
	if !ok {
		return model.RaceSession{}, aggregator.ErrNotFound
	}
	if doc.Driver(driver) == nil {
		return model.RaceSession{}, aggregator.ErrDriverNotFound
	}
	m.replaced = append(m.replaced, lap)
	return doc, nil
}

func (m *mockDependencies) Identity(_ context.Context, id string) (model.DriverIdentity, error) {
	d, ok := m.identities[id]
	if !ok {
		return model.DriverIdentity{}, identity.ErrNotFound
	}
	return d, nil
}

func (m *mockDependencies) BindManually(_ context.Context, name, accountID string) (model.DriverIdentity, error) {
	if accountID == "missing" {
		return model.DriverIdentity{}, identity.ErrAccountNotFound
	}
	m.bound = append(m.bound, name+"="+accountID)
	return model.DriverIdentity{ID: "id-1", PrimaryName: name, AccountID: accountID, ManuallyVerified: true}, nil
}

func (m *mockDependencies) top(records []model.BestRecord, n int) ([]model.BestRecord, error) {
	if m.topErr != nil {
		return nil, m.topErr
	}
	if n < 1 {
		return nil, repository.ErrInvalidLimit
	}
	if n > len(records) {
		return records, nil
	}
	return records[:n], nil
}

func (m *mockDependencies) TopDrivers(_ context.Context, n int) ([]model.BestRecord, error) {
	return m.top(m.drivers, n)
}

func (m *mockDependencies) TopKarts(_ context.Context, n int) ([]model.BestRecord, error) {
	return m.top(m.karts, n)
}

func (m *mockDependencies) DriverRecord(_ context.Context, name string) (model.BestRecord, error) {
	for _, r := range m.drivers {
		if r.Key == name {
			return r, nil
		}
	}
	return model.BestRecord{}, repository.ErrNotFound
}

func (m *mockDependencies) KartRecord(_ context.Context, kart string) (model.BestRecord, error) {
	for _, r := range m.karts {
		if r.Key == kart {
			return r, nil
		}
	}
	return model.BestRecord{}, repository.ErrNotFound
}

func (m *mockDependencies) GetStats(context.Context) map[string]any {
	return map[string]any{"started": true, "queueLength": 3}
}

func newMux(deps api.Dependencies) *http.ServeMux {
	mux := http.NewServeMux()
	api.NewServer(deps).Register(context.Background(), mux)
	return mux
}

func do(mux http.Handler, method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	return w
}

func errorCode(w *httptest.ResponseRecorder) string {
	var body struct {
		Code string `json:"code"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &body)
	return body.Code
}

const validBatch = `{
	"sessionName": "Carrera 1",
	"timestamp": "2026-03-14T18:00:00Z",
	"drivers": [
		{"name": "Juan Perez", "position": 1, "kart": 7, "lapCount": 4, "bestTime": 41230, "lastTime": 41230, "avgTime": 41800, "gap": "-"},
		{"name": "Ana", "position": 2, "kart": "12", "lapCount": 4, "bestTime": "41.9", "lastTime": "42.1", "avgTime": "42.3", "gap": "+0.7"}
	]
}`

func TestServer_Register(t *testing.T) {
	Convey("Given a new API server", t, func() {
		deps := newDeps()
		mux := newMux(deps)

		Convey("Then the health endpoint serves Prometheus metrics", func() {
			w := do(mux, http.MethodGet, "/healthz", "")
			So(w.Code, ShouldEqual, http.StatusOK)
			So(w.Body.String(), ShouldContainSubstring, "pitwall_laps_recorded_total")
		})

		Convey("Then the stats endpoint serves JSON", func() {
			w := do(mux, http.MethodGet, "/stats", "")
			So(w.Code, ShouldEqual, http.StatusOK)
			var stats map[string]any
			So(json.Unmarshal(w.Body.Bytes(), &stats), ShouldBeNil)
			So(stats["started"], ShouldEqual, true)
		})

		Convey("Then the dashboard serves HTML", func() {
			w := do(mux, http.MethodGet, "/dashboard", "")
			So(w.Code, ShouldEqual, http.StatusOK)
			So(w.Header().Get("Content-Type"), ShouldContainSubstring, "text/html")
			So(w.Body.String(), ShouldContainSubstring, "/records/drivers")
		})

		Convey("Then a wrong method is refused", func() {
			w := do(mux, http.MethodGet, "/snapshots", "")
			So(w.Code, ShouldEqual, http.StatusMethodNotAllowed)
		})
	})
}

func TestSnapshotsHandler(t *testing.T) {
	Convey("Given a snapshots handler", t, func() {
		deps := newDeps()
		mux := newMux(deps)

		Convey("When posting a valid batch", func() {
			w := do(mux, http.MethodPost, "/snapshots", validBatch)

			Convey("Then it is accepted and enqueued", func() {
				So(w.Code, ShouldEqual, http.StatusAccepted)
				So(len(deps.enqueued), ShouldEqual, 1)
				b := deps.enqueued[0]
				So(b.SessionName, ShouldEqual, "Carrera 1")
				So(len(b.Snapshots), ShouldEqual, 2)
				So(b.Snapshots[0].Kart, ShouldEqual, "7")
				So(b.Snapshots[1].LastTime, ShouldEqual, 42100)
			})
		})

		Convey("When some entries are malformed", func() {
			body := `{"sessionName": "Carrera 1", "drivers": [
				{"name": "Ana", "position": 1, "lapCount": 2},
				{"name": "  ", "position": 2, "lapCount": 2}
			]}`
			w := do(mux, http.MethodPost, "/snapshots", body)

			Convey("Then the rest of the batch proceeds and the rejects are reported", func() {
				So(w.Code, ShouldEqual, http.StatusAccepted)
				var resp struct {
					Accepted int `json:"accepted"`
					Rejected []struct {
						Index  int    `json:"index"`
						Reason string `json:"reason"`
					} `json:"rejected"`
				}
				So(json.Unmarshal(w.Body.Bytes(), &resp), ShouldBeNil)
				So(resp.Accepted, ShouldEqual, 1)
				So(len(resp.Rejected), ShouldEqual, 1)
				So(resp.Rejected[0].Index, ShouldEqual, 1)
				So(resp.Rejected[0].Reason, ShouldEqual, "blank_name")
			})
		})

		Convey("When every entry is malformed", func() {
			w := do(mux, http.MethodPost, "/snapshots", `{"sessionName": "Carrera 1", "drivers": [{"name": ""}]}`)
			So(w.Code, ShouldEqual, http.StatusBadRequest)
			So(len(deps.enqueued), ShouldEqual, 0)
		})

		Convey("When the body is not JSON", func() {
			w := do(mux, http.MethodPost, "/snapshots", `{not json`)
			So(w.Code, ShouldEqual, http.StatusBadRequest)
			So(errorCode(w), ShouldEqual, "bad_request")
		})

		Convey("When the session name is missing", func() {
			w := do(mux, http.MethodPost, "/snapshots", `{"drivers": []}`)
			So(w.Code, ShouldEqual, http.StatusBadRequest)
		})

		Convey("When the queue is full", func() {
			deps.enqueueOK = false
			w := do(mux, http.MethodPost, "/snapshots", validBatch)

			Convey("Then it returns too many requests", func() {
				So(w.Code, ShouldEqual, http.StatusTooManyRequests)
				So(errorCode(w), ShouldEqual, "backpressure")
			})
		})
	})
}

func TestSessionsHandler(t *testing.T) {
	Convey("Given a stored session", t, func() {
		deps := newDeps()
		deps.sessions["carrera-1-20260314"] = model.RaceSession{
			SessionID:   "carrera-1-20260314",
			SessionName: "Carrera 1",
			Drivers:     []model.DriverInRace{{DriverName: "Ana", Laps: []model.Lap{{LapNumber: 1, Time: 42000}}}},
			TotalLaps:   1,
		}
		mux := newMux(deps)

		Convey("When fetching it by id", func() {
			w := do(mux, http.MethodGet, "/sessions/carrera-1-20260314", "")
			So(w.Code, ShouldEqual, http.StatusOK)
			var doc model.RaceSession
			So(json.Unmarshal(w.Body.Bytes(), &doc), ShouldBeNil)
			So(doc.SessionName, ShouldEqual, "Carrera 1")
			So(doc.TotalLaps, ShouldEqual, 1)
		})

		Convey("When fetching an unknown id", func() {
			w := do(mux, http.MethodGet, "/sessions/nope", "")
			So(w.Code, ShouldEqual, http.StatusNotFound)
			So(errorCode(w), ShouldEqual, "not_found")
		})

		Convey("When listing sessions", func() {
			w := do(mux, http.MethodGet, "/sessions?limit=5", "")
			So(w.Code, ShouldEqual, http.StatusOK)
			var docs []model.RaceSession
			So(json.Unmarshal(w.Body.Bytes(), &docs), ShouldBeNil)
			So(len(docs), ShouldEqual, 1)

			So(do(mux, http.MethodGet, "/sessions?limit=zero", "").Code, ShouldEqual, http.StatusBadRequest)
		})

		Convey("When the store cannot list", func() {
			deps.listErr = errors.ErrUnsupported
			So(do(mux, http.MethodGet, "/sessions", "").Code, ShouldEqual, http.StatusNotImplemented)
		})

		Convey("When correcting a lap", func() {
			w := do(mux, http.MethodPut, "/sessions/carrera-1-20260314/drivers/Ana/laps/1",
				`{"time": 41000, "position": 1, "timestamp": "2026-03-14T18:01:00Z"}`)

			Convey("Then the lap is replaced", func() {
				So(w.Code, ShouldEqual, http.StatusOK)
				So(len(deps.replaced), ShouldEqual, 1)
				So(deps.replaced[0].LapNumber, ShouldEqual, 1)
				So(deps.replaced[0].Time, ShouldEqual, 41000)
				So(deps.replaced[0].Timestamp.Equal(time.Date(2026, 3, 14, 18, 1, 0, 0, time.UTC)), ShouldBeTrue)
			})
		})

		Convey("When the correction is invalid", func() {
			So(do(mux, http.MethodPut, "/sessions/carrera-1-20260314/drivers/Ana/laps/0", `{"time": 41000}`).Code,
				ShouldEqual, http.StatusBadRequest)
			So(do(mux, http.MethodPut, "/sessions/carrera-1-20260314/drivers/Ana/laps/1", `{"time": 0}`).Code,
				ShouldEqual, http.StatusBadRequest)
			So(do(mux, http.MethodPut, "/sessions/carrera-1-20260314/drivers/Bob/laps/1", `{"time": 41000}`).Code,
				ShouldEqual, http.StatusNotFound)
		})

		Convey("When the store keeps conflicting", func() {
			deps.replaceErr = fmt.Errorf("%w: busy", aggregator.ErrRetriesExhausted)
			w := do(mux, http.MethodPut, "/sessions/carrera-1-20260314/drivers/Ana/laps/1", `{"time": 41000}`)
			So(w.Code, ShouldEqual, http.StatusServiceUnavailable)
			So(errorCode(w), ShouldEqual, "retry_later")
		})
	})
}

func TestIdentityHandler(t *testing.T) {
	Convey("Given an identity handler", t, func() {
		deps := newDeps()
		deps.identities["id-9"] = model.DriverIdentity{ID: "id-9", PrimaryName: "Diego Soto", LinkingStatus: model.LinkLinked}
		mux := newMux(deps)

		Convey("When fetching a known identity", func() {
			w := do(mux, http.MethodGet, "/identities/id-9", "")
			So(w.Code, ShouldEqual, http.StatusOK)
			So(w.Body.String(), ShouldContainSubstring, `"primaryName":"Diego Soto"`)
		})

		Convey("When fetching an unknown identity", func() {
			So(do(mux, http.MethodGet, "/identities/id-0", "").Code, ShouldEqual, http.StatusNotFound)
		})

		Convey("When binding a name to an account", func() {
			w := do(mux, http.MethodPost, "/identities/bind", `{"displayName": "Diego", "accountId": "acc-1"}`)
			So(w.Code, ShouldEqual, http.StatusOK)
			So(deps.bound, ShouldResemble, []string{"Diego=acc-1"})
		})

		Convey("When the bind request is incomplete or the account is unknown", func() {
			So(do(mux, http.MethodPost, "/identities/bind", `{"displayName": "Diego"}`).Code, ShouldEqual, http.StatusBadRequest)
			So(do(mux, http.MethodPost, "/identities/bind", `{"displayName": "Diego", "accountId": "missing"}`).Code,
				ShouldEqual, http.StatusNotFound)
		})
	})
}

func TestRecordsHandler(t *testing.T) {
	Convey("Given a records handler", t, func() {
		deps := newDeps()
		deps.drivers = []model.BestRecord{
			{Rank: 1, Key: "Luis", Time: 41000, DriverName: "Luis", KartNumber: "7"},
			{Rank: 2, Key: "Ana", Time: 42000, DriverName: "Ana", KartNumber: "12"},
		}
		deps.karts = []model.BestRecord{{Rank: 1, Key: "7", Time: 41000, DriverName: "Luis", KartNumber: "7"}}
		mux := newMux(deps)

		Convey("When requesting the top drivers", func() {
			w := do(mux, http.MethodGet, "/records/drivers?limit=1", "")
			So(w.Code, ShouldEqual, http.StatusOK)
			var records []model.BestRecord
			So(json.Unmarshal(w.Body.Bytes(), &records), ShouldBeNil)
			So(len(records), ShouldEqual, 1)
			So(records[0].Key, ShouldEqual, "Luis")
		})

		Convey("When no limit is given the default applies", func() {
			w := do(mux, http.MethodGet, "/records/karts", "")
			So(w.Code, ShouldEqual, http.StatusOK)
			So(w.Body.String(), ShouldContainSubstring, `"kartNumber":"7"`)
		})

		Convey("When the limit is invalid", func() {
			So(do(mux, http.MethodGet, "/records/drivers?limit=abc", "").Code, ShouldEqual, http.StatusBadRequest)
			So(do(mux, http.MethodGet, "/records/drivers?limit=0", "").Code, ShouldEqual, http.StatusBadRequest)
		})

		Convey("When the board fails", func() {
			deps.topErr = errors.New("redis down")
			So(do(mux, http.MethodGet, "/records/drivers", "").Code, ShouldEqual, http.StatusInternalServerError)
		})

		Convey("When asking for one record", func() {
			So(do(mux, http.MethodGet, "/records/drivers/Ana", "").Code, ShouldEqual, http.StatusOK)
			So(do(mux, http.MethodGet, "/records/karts/7", "").Code, ShouldEqual, http.StatusOK)
			So(do(mux, http.MethodGet, "/records/karts/99", "").Code, ShouldEqual, http.StatusNotFound)
		})
	})
}

func TestCORS(t *testing.T) {
	Convey("Given a CORS-wrapped mux", t, func() {
		h := api.CORS([]string{"https://timing.example"}, newMux(newDeps()))

		Convey("When a preflight arrives from an allowed origin", func() {
			req := httptest.NewRequest(http.MethodOptions, "/snapshots", nil)
			req.Header.Set("Origin", "https://timing.example")
			req.Header.Set("Access-Control-Request-Method", http.MethodPost)
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)

			So(w.Header().Get("Access-Control-Allow-Origin"), ShouldEqual, "https://timing.example")
		})

		Convey("When a preflight arrives from another origin", func() {
			req := httptest.NewRequest(http.MethodOptions, "/snapshots", nil)
			req.Header.Set("Origin", "https://evil.example")
			req.Header.Set("Access-Control-Request-Method", http.MethodPost)
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)

			So(w.Header().Get("Access-Control-Allow-Origin"), ShouldBeEmpty)
		})
	})
}

func TestErrors(t *testing.T) {
	Convey("Given wrapped API errors", t, func() {
		cause := errors.New("boom")

		Convey("Then kinds and causes are both visible to errors.Is", func() {
			err := api.WrapKind("api.op", api.ErrBadRequest, cause)
			So(errors.Is(err, api.ErrBadRequest), ShouldBeTrue)
			So(errors.Is(err, cause), ShouldBeTrue)
			So(err.Error(), ShouldEqual, "api.op: bad request: boom")
		})

		Convey("Then Wrap of nil is nil", func() {
			So(api.Wrap("api.op", nil), ShouldBeNil)
		})

		Convey("Then NewKind carries only the kind", func() {
			err := api.NewKind("api.op", api.ErrBackpressure)
			So(errors.Is(err, api.ErrBackpressure), ShouldBeTrue)
			So(err.Error(), ShouldEqual, "api.op: backpressure")
		})
	})
}
