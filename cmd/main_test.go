package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/smartystreets/goconvey/convey"

	"github.com/okian/pitwall/internal/config"
	"github.com/okian/pitwall/pkg/logger"
)

func init() {
	if err := logger.Init(); err != nil {
		panic(err)
	}
}

func TestConfigLoading(t *testing.T) {
	convey.Convey("Given environment overrides", t, func() {
		_ = os.Setenv("PITWALL_ADDR", ":8080")
		_ = os.Setenv("PITWALL_QUEUE_SIZE", "1000")
		_ = os.Setenv("PITWALL_WORKER_COUNT", "4")
		defer func() {
			_ = os.Unsetenv("PITWALL_ADDR")
			_ = os.Unsetenv("PITWALL_QUEUE_SIZE")
			_ = os.Unsetenv("PITWALL_WORKER_COUNT")
		}()

		convey.Convey("Then configuration should be loadable", func() {
			cfg, err := config.Load(context.Background())
			convey.So(err, convey.ShouldBeNil)
			convey.So(cfg.Addr, convey.ShouldEqual, ":8080")
			convey.So(cfg.QueueSize, convey.ShouldEqual, 1000)
			convey.So(cfg.WorkerCount, convey.ShouldEqual, 4)
		})
	})
}

func TestBuildService(t *testing.T) {
	convey.Convey("Given the default in-memory configuration", t, func() {
		ctx := context.Background()
		cfg := config.New(ctx)
		cfg.WorkerCount = 2

		svc, cleanup, err := buildService(ctx, cfg, logger.Get())
		convey.So(err, convey.ShouldBeNil)
		defer cleanup()

		convey.So(svc.Start(ctx), convey.ShouldBeNil)
		defer svc.Stop()

		handler := newHandler(ctx, svc, cfg.CORSAllowedOrigins)

		convey.Convey("When a batch is posted over HTTP", func() {
			body := `{"sessionName": "Carrera 1", "timestamp": "2026-03-14T18:00:00Z",
				"drivers": [{"name": "Ana", "position": 1, "kart": 7, "lapCount": 1, "lastTime": 42000, "bestTime": 42000}]}`
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/snapshots", strings.NewReader(body)))
			convey.So(w.Code, convey.ShouldEqual, http.StatusAccepted)

			convey.Convey("Then the session becomes readable", func() {
				code := 0
				for i := 0; i < 200 && code != http.StatusOK; i++ {
					w := httptest.NewRecorder()
					handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/sessions/carrera-1-20260314", nil))
					code = w.Code
					if code != http.StatusOK {
						time.Sleep(10 * time.Millisecond)
					}
				}
				convey.So(code, convey.ShouldEqual, http.StatusOK)
			})
		})

		convey.Convey("When the docs are requested", func() {
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/openapi.yaml", nil))
			convey.So(w.Code, convey.ShouldEqual, http.StatusOK)
		})

		convey.Convey("When the service metrics are refreshed", func() {
			convey.So(func() { updateServiceMetrics(ctx, svc) }, convey.ShouldNotPanic)
		})
	})

	convey.Convey("Given an unknown timezone", t, func() {
		ctx := context.Background()
		cfg := config.New(ctx)
		cfg.Timezone = "Mars/Olympus"

		convey.Convey("Then building the service fails", func() {
			_, _, err := buildService(ctx, cfg, logger.Get())
			convey.So(err, convey.ShouldNotBeNil)
		})
	})
}

func TestServiceMetricsUpdater(t *testing.T) {
	convey.Convey("Given a context that times out", t, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		svc, cleanup, err := buildService(ctx, config.New(ctx), logger.Get())
		convey.So(err, convey.ShouldBeNil)
		defer cleanup()

		convey.Convey("Then the updater returns once the context ends", func() {
			done := make(chan struct{})
			go func() {
				startServiceMetricsUpdater(ctx, svc)
				close(done)
			}()
			finished := false
			select {
			case <-done:
				finished = true
			case <-time.After(time.Second):
			}
			convey.So(finished, convey.ShouldBeTrue)
		})
	})
}
