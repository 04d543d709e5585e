package model_test

import (
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/okian/pitwall/internal/domain/model"
)

func TestSessionID(t *testing.T) {
	Convey("Given a session name and an observation time", t, func() {
		madrid, err := time.LoadLocation("Europe/Madrid")
		So(err, ShouldBeNil)
		at := time.Date(2026, 3, 14, 18, 30, 0, 0, madrid)

		Convey("The id is slug plus calendar date", func() {
			So(model.SessionID("Carrera Final 1", at, madrid), ShouldEqual, "carrera-final-1-20260314")
		})

		Convey("Accents and punctuation are folded", func() {
			So(model.SessionID("  Clasificación  (Adultos)!", at, madrid), ShouldEqual, "clasificacion-adultos-20260314")
		})

		Convey("Re-deliveries on the same day converge", func() {
			later := at.Add(3 * time.Hour)
			So(model.SessionID("Carrera Final 1", later, madrid), ShouldEqual, model.SessionID("Carrera Final 1", at, madrid))
		})

		Convey("The date is taken in the venue time zone", func() {
			// 23:30 UTC on the 14th is already the 15th in Madrid.
			utc := time.Date(2026, 3, 14, 23, 30, 0, 0, time.UTC)
			So(model.SessionID("Heat", utc, madrid), ShouldEqual, "heat-20260315")
			So(model.SessionID("Heat", utc, time.UTC), ShouldEqual, "heat-20260314")
		})

		Convey("A name without alphanumerics still yields an id", func() {
			So(model.SessionID("***", at, nil), ShouldEqual, "session-20260314")
		})
	})
}

func TestClassifySession(t *testing.T) {
	Convey("Session types are derived from names", t, func() {
		So(model.ClassifySession("Clasificación Adultos"), ShouldEqual, model.SessionClassification)
		So(model.ClassifySession("Qualifying"), ShouldEqual, model.SessionClassification)
		So(model.ClassifySession("Carrera 2"), ShouldEqual, model.SessionRace)
		So(model.ClassifySession("GRAND FINAL"), ShouldEqual, model.SessionRace)
		So(model.ClassifySession("Práctica libre"), ShouldEqual, model.SessionPractice)
		So(model.ClassifySession("Tanda 14"), ShouldEqual, model.SessionOther)
		So(model.SessionType("bogus").Valid(), ShouldBeFalse)
		So(model.SessionRace.Valid(), ShouldBeTrue)
	})
}

func TestSnapshotLap(t *testing.T) {
	Convey("Given a snapshot that completed a lap", t, func() {
		at := time.Date(2026, 3, 14, 18, 0, 0, 0, time.UTC)
		s := model.Snapshot{Name: "Juan Perez", Position: 2, Kart: "7", LapCount: 4, BestTime: 41000, LastTime: 41230, Gap: "+0.4", ObservedAt: at}

		Convey("The lap mirrors the snapshot", func() {
			lap := s.Lap()
			So(lap.LapNumber, ShouldEqual, 4)
			So(lap.Time, ShouldEqual, 41230)
			So(lap.Position, ShouldEqual, 2)
			So(lap.GapToLeader, ShouldEqual, "+0.4")
			So(lap.Timestamp, ShouldEqual, at)
			So(lap.IsPersonalBest, ShouldBeFalse)
		})

		Convey("A last time equal to the best is a personal best", func() {
			s.LastTime = 41000
			So(s.Lap().IsPersonalBest, ShouldBeTrue)
		})
	})
}

func TestRaceSessionHelpers(t *testing.T) {
	Convey("Given a session with one driver", t, func() {
		s := model.RaceSession{Drivers: []model.DriverInRace{{
			DriverName: "Ana",
			Laps:       []model.Lap{{LapNumber: 3}, {LapNumber: 1}},
		}}}

		Convey("Drivers are found by display name", func() {
			So(s.Driver("Ana"), ShouldNotBeNil)
			So(s.Driver("Luis"), ShouldBeNil)
		})

		Convey("Laps sort by number and report the maximum", func() {
			d := s.Driver("Ana")
			d.SortLaps()
			So(d.Laps[0].LapNumber, ShouldEqual, 1)
			So(d.MaxLap(), ShouldEqual, 3)
			So(d.HasLap(3), ShouldBeTrue)
			So(d.HasLap(2), ShouldBeFalse)
		})

		Convey("Clones do not share lap slices", func() {
			c := s.Clone()
			c.Drivers[0].Laps[0].LapNumber = 99
			So(s.Drivers[0].Laps[0].LapNumber, ShouldEqual, 3)
		})
	})
}

func TestMatchSourceTier(t *testing.T) {
	Convey("Match sources map to confidence tiers", t, func() {
		So(model.SourceManual.Tier(), ShouldEqual, model.ConfidenceHigh)
		So(model.SourceExternalID.Tier(), ShouldEqual, model.ConfidenceHigh)
		So(model.SourceRegistry.Tier(), ShouldEqual, model.ConfidenceHigh)
		So(model.SourceFuzzy.Tier(), ShouldEqual, model.ConfidenceMedium)
		So(model.SourceFallback.Tier(), ShouldEqual, model.ConfidenceLow)
	})
}
