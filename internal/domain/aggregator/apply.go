package aggregator

import (
	"sort"
	"time"

	"github.com/okian/pitwall/internal/domain/model"
)

// DriverUpdate carries the snapshot that produced a lap plus whatever the
// resolver already knows about the driver.
type DriverUpdate struct {
	Snapshot   model.Snapshot
	IdentityID string
	Confidence model.ConfidenceTier
}

// SessionMeta describes the session a lap belongs to.
type SessionMeta struct {
	SessionID string
	Name      string
	Type      model.SessionType
	Date      time.Time
}

func newSession(meta SessionMeta, now time.Time) model.RaceSession {
	return model.RaceSession{
		SessionID:   meta.SessionID,
		SessionName: meta.Name,
		SessionType: meta.Type,
		SessionDate: meta.Date,
		Drivers:     []model.DriverInRace{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// applyLap appends lap to the driver's history inside doc and refreshes the
// driver's summary from the snapshot. It reports false, leaving doc
// untouched, when the lap number is already held.
func applyLap(doc *model.RaceSession, upd DriverUpdate, lap model.Lap) bool {
	d := doc.Driver(upd.Snapshot.Name)
	if d != nil && d.HasLap(lap.LapNumber) {
		return false
	}
	if d == nil {
		doc.Drivers = append(doc.Drivers, model.DriverInRace{DriverName: upd.Snapshot.Name, Laps: []model.Lap{}})
		d = &doc.Drivers[len(doc.Drivers)-1]
	}
	d.Laps = append(d.Laps, lap)
	d.SortLaps()
	applySummary(d, upd)
	return true
}

// applySummaryOnly refreshes the driver's summary without touching its laps,
// adding the driver when absent. It reports whether doc changed.
func applySummaryOnly(doc *model.RaceSession, upd DriverUpdate) bool {
	d := doc.Driver(upd.Snapshot.Name)
	if d == nil {
		doc.Drivers = append(doc.Drivers, model.DriverInRace{DriverName: upd.Snapshot.Name, Laps: []model.Lap{}})
		applySummary(&doc.Drivers[len(doc.Drivers)-1], upd)
		return true
	}
	before := summaryOf(d)
	applySummary(d, upd)
	return summaryOf(d) != before
}

type driverSummary struct {
	kart, gap, identityID   string
	final, best             int
	bestTime, last, average int64
	confidence              model.ConfidenceTier
}

func summaryOf(d *model.DriverInRace) driverSummary {
	return driverSummary{
		kart:       d.KartNumber,
		gap:        d.GapToLeader,
		identityID: d.IdentityID,
		final:      d.FinalPosition,
		best:       d.BestPosition,
		bestTime:   d.BestTime,
		last:       d.LastTime,
		average:    d.AverageTime,
		confidence: d.Confidence,
	}
}

// replaceLap removes any lap with the same number and inserts lap.
func replaceLap(d *model.DriverInRace, lap model.Lap) {
	kept := d.Laps[:0]
	for _, l := range d.Laps {
		if l.LapNumber != lap.LapNumber {
			kept = append(kept, l)
		}
	}
	d.Laps = append(kept, lap)
	d.SortLaps()
}

// applySummary copies the timing system's own aggregates; they are never
// recomputed from lap history.
func applySummary(d *model.DriverInRace, upd DriverUpdate) {
	s := upd.Snapshot
	if s.Kart != "" {
		d.KartNumber = s.Kart
	}
	if s.Position > 0 {
		d.FinalPosition = s.Position
		if d.BestPosition == 0 || s.Position < d.BestPosition {
			d.BestPosition = s.Position
		}
	}
	if s.BestTime > 0 {
		d.BestTime = s.BestTime
	}
	if s.LastTime > 0 {
		d.LastTime = s.LastTime
	}
	if s.AvgTime > 0 {
		d.AverageTime = s.AvgTime
	}
	d.GapToLeader = s.Gap
	if upd.IdentityID != "" {
		d.IdentityID = upd.IdentityID
		d.Confidence = upd.Confidence
	}
}

// recomputeTotals refreshes session-level aggregates and orders drivers by
// last known position, unknown positions last.
func recomputeTotals(doc *model.RaceSession, now time.Time) {
	doc.TotalDrivers = len(doc.Drivers)
	doc.TotalLaps = 0
	for i := range doc.Drivers {
		if n := doc.Drivers[i].MaxLap(); n > doc.TotalLaps {
			doc.TotalLaps = n
		}
	}
	sort.SliceStable(doc.Drivers, func(i, j int) bool {
		pi, pj := doc.Drivers[i].FinalPosition, doc.Drivers[j].FinalPosition
		if (pi == 0) != (pj == 0) {
			return pj == 0
		}
		if pi != pj {
			return pi < pj
		}
		return doc.Drivers[i].DriverName < doc.Drivers[j].DriverName
	})
	doc.Processed = false
	doc.UpdatedAt = now
}
