package aggregator_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/okian/pitwall/internal/adapters/sessionstore"
	"github.com/okian/pitwall/internal/domain/aggregator"
	"github.com/okian/pitwall/internal/domain/model"
	"github.com/okian/pitwall/pkg/logger"
)

func init() {
	_ = logger.Init()
}

var day = time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)

func meta() aggregator.SessionMeta {
	return aggregator.SessionMeta{SessionID: "carrera-1-20260314", Name: "Carrera 1", Type: model.SessionRace, Date: day}
}

func update(name string, laps int, last int64) aggregator.DriverUpdate {
	return aggregator.DriverUpdate{Snapshot: model.Snapshot{
		Name: name, Position: 1, Kart: "7", LapCount: laps,
		BestTime: 40000, LastTime: last, AvgTime: 41000, Gap: "-",
		ObservedAt: day.Add(time.Duration(laps) * time.Minute),
	}}
}

// flakyStore fails the first n updates with a version conflict after
// letting a competing writer bump the version.
type flakyStore struct {
	*sessionstore.InMemoryStore
	conflicts atomic.Int32
	failWith  error
	creates   atomic.Int32
	dupCreate bool
}

func (f *flakyStore) Update(ctx context.Context, s model.RaceSession, expected int64) error {
	if f.conflicts.Add(-1) >= 0 {
		return aggregator.ErrVersionConflict
	}
	if f.failWith != nil {
		return f.failWith
	}
	return f.InMemoryStore.Update(ctx, s, expected)
}

func (f *flakyStore) Create(ctx context.Context, s model.RaceSession) error {
	if f.creates.Add(1) == 1 && f.dupCreate {
		// Another writer wins the creation with its own driver.
		other := s.Clone()
		other.Drivers = []model.DriverInRace{{DriverName: "Luis", FinalPosition: 2, Laps: []model.Lap{{LapNumber: 1, Time: 42000}}}}
		other.TotalDrivers, other.TotalLaps = 1, 1
		_ = f.InMemoryStore.Create(ctx, other)
		return aggregator.ErrDuplicate
	}
	return f.InMemoryStore.Create(ctx, s)
}

func TestAppendLap(t *testing.T) {
	Convey("Given an aggregator over an empty store", t, func() {
		ctx := context.Background()
		store := sessionstore.NewInMemory()
		agg := aggregator.New(store, aggregator.WithRetry(3, time.Millisecond))

		Convey("The first lap creates the session", func() {
			upd := update("Juan Perez", 1, 42000)
			res, err := agg.AppendLap(ctx, meta(), upd, upd.Snapshot.Lap())
			So(err, ShouldBeNil)
			So(res.Appended, ShouldBeTrue)
			So(res.Created, ShouldBeTrue)
			So(res.Attempts, ShouldEqual, 1)

			doc, err := agg.Session(ctx, "carrera-1-20260314")
			So(err, ShouldBeNil)
			So(doc.SessionName, ShouldEqual, "Carrera 1")
			So(doc.SessionType, ShouldEqual, model.SessionRace)
			So(doc.Version, ShouldEqual, 1)
			So(doc.TotalDrivers, ShouldEqual, 1)
			So(doc.TotalLaps, ShouldEqual, 1)
			So(doc.Processed, ShouldBeFalse)
			So(doc.Drivers[0].Laps[0].Time, ShouldEqual, 42000)
		})

		Convey("Redelivering the same lap appends nothing", func() {
			upd := update("Juan Perez", 4, 41230)
			_, err := agg.AppendLap(ctx, meta(), upd, upd.Snapshot.Lap())
			So(err, ShouldBeNil)

			res, err := agg.AppendLap(ctx, meta(), upd, upd.Snapshot.Lap())
			So(err, ShouldBeNil)
			So(res.Duplicate, ShouldBeTrue)
			So(res.Appended, ShouldBeFalse)

			doc, _ := agg.Session(ctx, "carrera-1-20260314")
			So(len(doc.Drivers[0].Laps), ShouldEqual, 1)
			So(doc.Version, ShouldEqual, 1)
		})

		Convey("Laps stay sorted and the summary follows the snapshot", func() {
			for _, n := range []int{3, 1, 2} {
				upd := update("Ana", n, int64(40000+n))
				upd.Snapshot.Position = 4 - n
				_, err := agg.AppendLap(ctx, meta(), upd, upd.Snapshot.Lap())
				So(err, ShouldBeNil)
			}

			doc, _ := agg.Session(ctx, "carrera-1-20260314")
			d := doc.Driver("Ana")
			So([]int{d.Laps[0].LapNumber, d.Laps[1].LapNumber, d.Laps[2].LapNumber}, ShouldResemble, []int{1, 2, 3})
			// last delivered snapshot was lap 2 at position 2
			So(d.LastTime, ShouldEqual, 40002)
			So(d.FinalPosition, ShouldEqual, 2)
			So(d.BestPosition, ShouldEqual, 1)
			So(d.AverageTime, ShouldEqual, 41000)
			So(doc.TotalLaps, ShouldEqual, 3)
		})

		Convey("Totals cover every driver", func() {
			a := update("Ana", 5, 40000)
			l := update("Luis", 2, 43000)
			l.Snapshot.Position = 2
			_, _ = agg.AppendLap(ctx, meta(), a, a.Snapshot.Lap())
			_, _ = agg.AppendLap(ctx, meta(), l, l.Snapshot.Lap())

			doc, _ := agg.Session(ctx, "carrera-1-20260314")
			So(doc.TotalDrivers, ShouldEqual, 2)
			So(doc.TotalLaps, ShouldEqual, 5)
			So(doc.Drivers[0].DriverName, ShouldEqual, "Ana")
		})

		Convey("Identity details are attached to the driver", func() {
			upd := update("Ana", 1, 40000)
			upd.IdentityID, upd.Confidence = "id-1", model.ConfidenceHigh
			_, _ = agg.AppendLap(ctx, meta(), upd, upd.Snapshot.Lap())

			doc, _ := agg.Session(ctx, "carrera-1-20260314")
			So(doc.Drivers[0].IdentityID, ShouldEqual, "id-1")
			So(doc.Drivers[0].Confidence, ShouldEqual, model.ConfidenceHigh)
		})

		Convey("Lap zero is rejected", func() {
			upd := update("Ana", 0, 0)
			_, err := agg.AppendLap(ctx, meta(), upd, upd.Snapshot.Lap())
			So(err, ShouldEqual, aggregator.ErrInvalidLap)
		})
	})
}

func TestAppendLapConcurrency(t *testing.T) {
	Convey("Given one version conflict on the first save", t, func() {
		ctx := context.Background()
		store := &flakyStore{InMemoryStore: sessionstore.NewInMemory()}
		agg := aggregator.New(store, aggregator.WithRetry(3, time.Millisecond))

		first := update("Juan Perez", 3, 41000)
		_, err := agg.AppendLap(ctx, meta(), first, first.Snapshot.Lap())
		So(err, ShouldBeNil)

		store.conflicts.Store(1)
		upd := update("Juan Perez", 4, 41230)
		res, err := agg.AppendLap(ctx, meta(), upd, upd.Snapshot.Lap())

		Convey("The append succeeds on the second attempt with the lap once", func() {
			So(err, ShouldBeNil)
			So(res.Appended, ShouldBeTrue)
			So(res.Attempts, ShouldEqual, 2)

			doc, _ := agg.Session(ctx, "carrera-1-20260314")
			count := 0
			for _, l := range doc.Driver("Juan Perez").Laps {
				if l.LapNumber == 4 {
					count++
				}
			}
			So(count, ShouldEqual, 1)
		})
	})

	Convey("Given conflicts on every attempt", t, func() {
		ctx := context.Background()
		store := &flakyStore{InMemoryStore: sessionstore.NewInMemory()}
		agg := aggregator.New(store, aggregator.WithRetry(3, time.Millisecond))
		first := update("Ana", 1, 41000)
		_, _ = agg.AppendLap(ctx, meta(), first, first.Snapshot.Lap())

		store.conflicts.Store(100)
		upd := update("Ana", 2, 41000)
		res, err := agg.AppendLap(ctx, meta(), upd, upd.Snapshot.Lap())

		Convey("A retryable error surfaces after the ceiling", func() {
			So(errors.Is(err, aggregator.ErrRetriesExhausted), ShouldBeTrue)
			So(errors.Is(err, aggregator.ErrVersionConflict), ShouldBeTrue)
			So(res.Attempts, ShouldEqual, 3)
		})
	})

	Convey("Given a store that is unreachable", t, func() {
		ctx := context.Background()
		boom := errors.New("connection refused")
		store := &flakyStore{InMemoryStore: sessionstore.NewInMemory(), failWith: boom}
		agg := aggregator.New(store, aggregator.WithRetry(3, time.Millisecond))
		first := update("Ana", 1, 41000)
		_, _ = agg.AppendLap(ctx, meta(), first, first.Snapshot.Lap())

		upd := update("Ana", 2, 41000)
		res, err := agg.AppendLap(ctx, meta(), upd, upd.Snapshot.Lap())

		Convey("The infrastructure error propagates without retries", func() {
			So(errors.Is(err, boom), ShouldBeTrue)
			So(errors.Is(err, aggregator.ErrRetriesExhausted), ShouldBeFalse)
			So(res.Attempts, ShouldEqual, 1)
		})
	})

	Convey("Given another writer creates the session first", t, func() {
		ctx := context.Background()
		store := &flakyStore{InMemoryStore: sessionstore.NewInMemory(), dupCreate: true}
		agg := aggregator.New(store, aggregator.WithRetry(3, time.Millisecond))

		upd := update("Ana", 1, 40000)
		res, err := agg.AppendLap(ctx, meta(), upd, upd.Snapshot.Lap())

		Convey("The race is benign and both drivers end up stored", func() {
			So(err, ShouldBeNil)
			So(res.BenignRace, ShouldBeTrue)
			So(res.Created, ShouldBeFalse)
			So(res.Appended, ShouldBeTrue)

			doc, _ := agg.Session(ctx, "carrera-1-20260314")
			So(doc.TotalDrivers, ShouldEqual, 2)
			So(doc.Driver("Ana"), ShouldNotBeNil)
			So(doc.Driver("Luis"), ShouldNotBeNil)
		})
	})

	Convey("Given concurrent writers for different drivers of one session", t, func() {
		ctx := context.Background()
		store := sessionstore.NewInMemory()
		agg := aggregator.New(store, aggregator.WithRetry(50, time.Millisecond))

		var wg sync.WaitGroup
		errs := make(chan error, 64)
		for d := 0; d < 4; d++ {
			wg.Add(1)
			go func(d int) {
				defer wg.Done()
				for lap := 1; lap <= 5; lap++ {
					upd := update(fmt.Sprintf("driver-%d", d), lap, int64(40000+lap))
					if _, err := agg.AppendLap(ctx, meta(), upd, upd.Snapshot.Lap()); err != nil {
						errs <- err
					}
				}
			}(d)
		}
		wg.Wait()
		close(errs)

		Convey("Every lap of every driver is stored exactly once", func() {
			for err := range errs {
				So(err, ShouldBeNil)
			}
			doc, err := agg.Session(ctx, "carrera-1-20260314")
			So(err, ShouldBeNil)
			So(doc.TotalDrivers, ShouldEqual, 4)
			So(doc.TotalLaps, ShouldEqual, 5)
			for _, d := range doc.Drivers {
				So(len(d.Laps), ShouldEqual, 5)
				for i := 1; i < len(d.Laps); i++ {
					So(d.Laps[i].LapNumber, ShouldBeGreaterThan, d.Laps[i-1].LapNumber)
				}
			}
		})
	})
}

func TestReplaceLap(t *testing.T) {
	Convey("Given a session with three laps for a driver", t, func() {
		ctx := context.Background()
		store := sessionstore.NewInMemory()
		agg := aggregator.New(store, aggregator.WithRetry(3, time.Millisecond))
		for n := 1; n <= 3; n++ {
			upd := update("Ana", n, int64(40000+n))
			_, _ = agg.AppendLap(ctx, meta(), upd, upd.Snapshot.Lap())
		}

		Convey("A correction replaces the whole lap", func() {
			_, err := agg.ReplaceLap(ctx, "carrera-1-20260314", "Ana", model.Lap{LapNumber: 2, Time: 39999, Position: 1, GapToLeader: "-"})
			So(err, ShouldBeNil)

			doc, _ := agg.Session(ctx, "carrera-1-20260314")
			d := doc.Driver("Ana")
			So(len(d.Laps), ShouldEqual, 3)
			So(d.Laps[1].LapNumber, ShouldEqual, 2)
			So(d.Laps[1].Time, ShouldEqual, 39999)
			So(d.Laps[1].Timestamp.IsZero(), ShouldBeTrue)
		})

		Convey("Unknown drivers and sessions are reported", func() {
			_, err := agg.ReplaceLap(ctx, "carrera-1-20260314", "Nobody", model.Lap{LapNumber: 1, Time: 1})
			So(err, ShouldEqual, aggregator.ErrDriverNotFound)

			_, err = agg.ReplaceLap(ctx, "missing", "Ana", model.Lap{LapNumber: 1, Time: 1})
			So(errors.Is(err, aggregator.ErrNotFound), ShouldBeTrue)
		})
	})
}

func TestUpdateSummary(t *testing.T) {
	Convey("Given a session where Ana is leading on lap 3", t, func() {
		ctx := context.Background()
		store := &flakyStore{InMemoryStore: sessionstore.NewInMemory()}
		agg := aggregator.New(store, aggregator.WithRetry(3, time.Millisecond))
		for n := 1; n <= 3; n++ {
			upd := update("Ana", n, int64(40000+n))
			upd.Snapshot.Position = 5
			_, err := agg.AppendLap(ctx, meta(), upd, upd.Snapshot.Lap())
			So(err, ShouldBeNil)
		}

		Convey("A position change without a lap reaches the document", func() {
			store.conflicts.Store(1)
			upd := update("Ana", 3, 40003)
			upd.Snapshot.Position, upd.Snapshot.Gap = 1, "+0.412"
			res, err := agg.UpdateSummary(ctx, meta(), upd)
			So(err, ShouldBeNil)
			So(res.Updated, ShouldBeTrue)
			So(res.Appended, ShouldBeFalse)
			So(res.Attempts, ShouldEqual, 2)

			doc, _ := agg.Session(ctx, "carrera-1-20260314")
			d := doc.Driver("Ana")
			So(d.FinalPosition, ShouldEqual, 1)
			So(d.BestPosition, ShouldEqual, 1)
			So(d.GapToLeader, ShouldEqual, "+0.412")
			So(len(d.Laps), ShouldEqual, 3)
			So(doc.TotalLaps, ShouldEqual, 3)

			Convey("and repeating it writes nothing", func() {
				version := doc.Version
				res, err := agg.UpdateSummary(ctx, meta(), upd)
				So(err, ShouldBeNil)
				So(res.Updated, ShouldBeFalse)
				again, _ := agg.Session(ctx, "carrera-1-20260314")
				So(again.Version, ShouldEqual, version)
			})
		})

		Convey("A driver without laps is added to the classification", func() {
			upd := update("Luis", 0, 0)
			upd.Snapshot.Position = 2
			res, err := agg.UpdateSummary(ctx, meta(), upd)
			So(err, ShouldBeNil)
			So(res.Updated, ShouldBeTrue)

			doc, _ := agg.Session(ctx, "carrera-1-20260314")
			So(doc.TotalDrivers, ShouldEqual, 2)
			So(doc.TotalLaps, ShouldEqual, 3)
			luis := doc.Driver("Luis")
			So(luis, ShouldNotBeNil)
			So(luis.Laps, ShouldBeEmpty)
			So(doc.Drivers[0].DriverName, ShouldEqual, "Luis")
		})
	})

	Convey("Given no session yet", t, func() {
		ctx := context.Background()
		agg := aggregator.New(sessionstore.NewInMemory(), aggregator.WithRetry(3, time.Millisecond))

		Convey("A summary creates it", func() {
			res, err := agg.UpdateSummary(ctx, meta(), update("Ana", 0, 0))
			So(err, ShouldBeNil)
			So(res.Created, ShouldBeTrue)

			doc, err := agg.Session(ctx, "carrera-1-20260314")
			So(err, ShouldBeNil)
			So(doc.Version, ShouldEqual, 1)
			So(doc.TotalLaps, ShouldEqual, 0)
		})
	})
}
