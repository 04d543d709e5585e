// Package model contains domain models passed between layers.
package model

import "time"

// Snapshot is one timing-system sample for one driver at one instant.
// Times are milliseconds; zero means the timing system has not reported one yet.
type Snapshot struct {
	Name       string    // display name as shown by the timing system
	Position   int       // current position, 1-based
	Kart       string    // kart number
	LapCount   int       // cumulative completed laps
	BestTime   int64     // best lap so far
	LastTime   int64     // most recent lap
	AvgTime    int64     // average lap
	Gap        string    // textual gap to leader
	PersonID   string    // optional stable external person id
	ObservedAt time.Time // when the sample was taken
}

// SnapshotBatch is one timing update for one session.
type SnapshotBatch struct {
	SessionName string
	SessionType SessionType // empty means classify from the name
	ObservedAt  time.Time
	Snapshots   []Snapshot
}

// Lap builds the lap completed by this snapshot.
func (s Snapshot) Lap() Lap {
	return Lap{
		LapNumber:      s.LapCount,
		Time:           s.LastTime,
		Position:       s.Position,
		Timestamp:      s.ObservedAt,
		GapToLeader:    s.Gap,
		IsPersonalBest: s.LastTime > 0 && s.LastTime <= s.BestTime,
	}
}
