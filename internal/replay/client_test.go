package replay_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/okian/pitwall/internal/replay"
)

func TestClient(t *testing.T) {
	Convey("Given a stub service", t, func() {
		var posted []byte
		mux := http.NewServeMux()
		mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		mux.HandleFunc("POST /snapshots", func(w http.ResponseWriter, r *http.Request) {
			posted, _ = io.ReadAll(r.Body)
			w.WriteHeader(http.StatusAccepted)
		})
		mux.HandleFunc("GET /sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
			if r.PathValue("id") != "carrera-1-20260314" {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			_, _ = io.WriteString(w, `{"sessionId":"carrera-1-20260314","totalDrivers":1,"totalLaps":1,
				"drivers":[{"driverName":"Ana","laps":[{"lapNumber":1,"time":41000}]}]}`)
		})
		srv := httptest.NewServer(mux)
		defer srv.Close()

		ctx := context.Background()
		client := replay.NewClient(srv.URL+"/", time.Second)

		Convey("Health succeeds", func() {
			So(client.Health(ctx), ShouldBeNil)
		})

		Convey("Send posts the payload", func() {
			So(client.Send(ctx, "Carrera 1", []byte(`{"sessionName":"Carrera 1"}`)), ShouldBeNil)
			So(string(posted), ShouldEqual, `{"sessionName":"Carrera 1"}`)
		})

		Convey("A SinkFunc forwards key and payload", func() {
			var gotKey string
			sink := replay.SinkFunc(func(_ context.Context, key string, payload []byte) error {
				gotKey = key
				return client.Send(ctx, key, payload)
			})
			So(sink.Send(ctx, "Carrera 1", []byte(`{}`)), ShouldBeNil)
			So(gotKey, ShouldEqual, "Carrera 1")
			So(string(posted), ShouldEqual, `{}`)
		})

		Convey("Session decodes the stored document", func() {
			session, err := client.Session(ctx, "carrera-1-20260314")
			So(err, ShouldBeNil)
			So(session.Drivers, ShouldHaveLength, 1)
			So(session.Drivers[0].Laps[0].Time, ShouldEqual, 41000)
		})

		Convey("An unknown session is not found", func() {
			_, err := client.Session(ctx, "nope")
			So(errors.Is(err, replay.ErrSessionNotFound), ShouldBeTrue)
		})
	})

	Convey("Given a service that refuses or fails", t, func() {
		status := http.StatusTooManyRequests
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(status)
		}))
		defer srv.Close()
		client := replay.NewClient(srv.URL, time.Second)

		Convey("429 is backpressure", func() {
			So(errors.Is(client.Send(context.Background(), "", []byte(`{}`)), replay.ErrBackpressure), ShouldBeTrue)
		})

		Convey("500 is an unexpected status", func() {
			status = http.StatusInternalServerError
			So(errors.Is(client.Send(context.Background(), "", []byte(`{}`)), replay.ErrUnexpectedStatus), ShouldBeTrue)
			So(errors.Is(client.Health(context.Background()), replay.ErrUnexpectedStatus), ShouldBeTrue)
		})
	})

	Convey("Given nothing listening", t, func() {
		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL
		srv.Close()

		Convey("Health reports the connection error", func() {
			So(replay.NewClient(url, 200*time.Millisecond).Health(context.Background()), ShouldNotBeNil)
		})
	})
}
