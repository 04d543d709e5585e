package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	. "github.com/smartystreets/goconvey/convey"
)

func TestManagerCreation(t *testing.T) {
	Convey("Given a fresh registry", t, func() {
		registry := prometheus.NewRegistry()

		Convey("When a manager is created with custom naming", func() {
			m := NewManager(
				WithNamespace("test"),
				WithSubsystem("unit"),
				WithHistogramBuckets([]float64{1, 10, 100}),
				WithPrometheusRegistry(registry),
			)

			Convey("Then its instruments are registered under that naming", func() {
				m.lapsRecorded.Inc()
				families, err := registry.Gather()
				So(err, ShouldBeNil)

				names := map[string]bool{}
				for _, f := range families {
					names[f.GetName()] = true
				}
				So(names["test_unit_laps_recorded_total"], ShouldBeTrue)
			})
		})
	})
}

func TestRecorders(t *testing.T) {
	Convey("Given the global manager", t, func() {
		Convey("Counters advance", func() {
			before := testutil.ToFloat64(globalManager.lapsRecorded)
			RecordLapRecorded()
			RecordLapRecorded()
			So(testutil.ToFloat64(globalManager.lapsRecorded), ShouldEqual, before+2)

			dupBefore := testutil.ToFloat64(globalManager.lapsDuplicate)
			RecordLapDuplicate()
			So(testutil.ToFloat64(globalManager.lapsDuplicate), ShouldEqual, dupBefore+1)
		})

		Convey("Labelled counters track each label", func() {
			RecordIdentityResolution("registry")
			RecordIdentityResolution("registry")
			RecordIdentityResolution("fuzzy")
			So(testutil.ToFloat64(globalManager.identityResolutions.WithLabelValues("registry")), ShouldBeGreaterThanOrEqualTo, 2)
			So(testutil.ToFloat64(globalManager.identityResolutions.WithLabelValues("fuzzy")), ShouldBeGreaterThanOrEqualTo, 1)

			RecordSnapshotsReceived("http", 12)
			So(testutil.ToFloat64(globalManager.snapshotsReceived.WithLabelValues("http")), ShouldBeGreaterThanOrEqualTo, 12)
		})

		Convey("Gauges hold the last value", func() {
			UpdateQueueSize(7)
			UpdateQueueCapacity(64)
			UpdateDifferStateEntries(3)
			UpdateLeaderboardSize("karts", 5)
			So(testutil.ToFloat64(globalManager.queueSize), ShouldEqual, 7)
			So(testutil.ToFloat64(globalManager.queueCapacity), ShouldEqual, 64)
			So(testutil.ToFloat64(globalManager.differStateEntries), ShouldEqual, 3)
			So(testutil.ToFloat64(globalManager.leaderboardSize.WithLabelValues("karts")), ShouldEqual, 5)
		})

		Convey("Histograms and HTTP recorders do not panic", func() {
			So(func() {
				RecordBatchLatency(3)
				RecordPersistLatency(4)
				RecordWorkerProcessingLatency(5)
				RecordHTTPRequest("/snapshots", "POST", "202")
				RecordHTTPRequestDuration("/snapshots", "POST", "202", 1.5)
				RecordKafkaRecord("enqueued")
			}, ShouldNotPanic)
		})

		Convey("The registry is exposed", func() {
			So(GetRegistry(), ShouldNotBeNil)
		})
	})
}
