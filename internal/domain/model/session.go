package model

import (
	"sort"
	"strings"
	"time"
)

// SessionType classifies a timed track session.
type SessionType string

const (
	SessionClassification SessionType = "classification"
	SessionRace           SessionType = "race"
	SessionPractice       SessionType = "practice"
	SessionOther          SessionType = "other"
)

// Valid reports whether t is one of the known session types.
func (t SessionType) Valid() bool {
	switch t {
	case SessionClassification, SessionRace, SessionPractice, SessionOther:
		return true
	}
	return false
}

var sessionKeywords = []struct {
	kind  SessionType
	words []string
}{
	{SessionClassification, []string{"clasif", "qualif", "quali"}},
	{SessionRace, []string{"carrera", "race", "final", "heat", "manga"}},
	{SessionPractice, []string{"practica", "práctica", "practice", "libre", "entreno"}},
}

// ClassifySession derives the session type from its display name.
func ClassifySession(name string) SessionType {
	n := strings.ToLower(name)
	for _, kw := range sessionKeywords {
		for _, w := range kw.words {
			if strings.Contains(n, w) {
				return kw.kind
			}
		}
	}
	return SessionOther
}

// Lap is one completed lap. Immutable once written.
type Lap struct {
	LapNumber      int       `json:"lapNumber"`
	Time           int64     `json:"time"`
	Position       int       `json:"position"`
	Timestamp      time.Time `json:"timestamp"`
	GapToLeader    string    `json:"gapToLeader"`
	IsPersonalBest bool      `json:"isPersonalBest"`
}

// DriverInRace is one driver's presence within one session.
type DriverInRace struct {
	DriverName    string         `json:"driverName"`
	KartNumber    string         `json:"kartNumber"`
	FinalPosition int            `json:"finalPosition"`
	BestPosition  int            `json:"bestPosition,omitempty"`
	BestTime      int64          `json:"bestTime"`
	LastTime      int64          `json:"lastTime"`
	AverageTime   int64          `json:"averageTime"`
	GapToLeader   string         `json:"gapToLeader"`
	IdentityID    string         `json:"identityId,omitempty"`
	Confidence    ConfidenceTier `json:"confidence,omitempty"`
	Laps          []Lap          `json:"laps"`
}

// HasLap reports whether the driver already holds lapNumber.
func (d *DriverInRace) HasLap(lapNumber int) bool {
	for i := range d.Laps {
		if d.Laps[i].LapNumber == lapNumber {
			return true
		}
	}
	return false
}

// SortLaps orders laps by lap number.
func (d *DriverInRace) SortLaps() {
	sort.SliceStable(d.Laps, func(i, j int) bool { return d.Laps[i].LapNumber < d.Laps[j].LapNumber })
}

// MaxLap returns the highest lap number held.
func (d *DriverInRace) MaxLap() int {
	maxLap := 0
	for i := range d.Laps {
		if d.Laps[i].LapNumber > maxLap {
			maxLap = d.Laps[i].LapNumber
		}
	}
	return maxLap
}

// RaceSession is the durable document for one timed session.
type RaceSession struct {
	SessionID    string         `json:"sessionId"`
	SessionName  string         `json:"sessionName"`
	SessionDate  time.Time      `json:"sessionDate"`
	SessionType  SessionType    `json:"sessionType"`
	Drivers      []DriverInRace `json:"drivers"`
	TotalDrivers int            `json:"totalDrivers"`
	TotalLaps    int            `json:"totalLaps"`
	Processed    bool           `json:"processed"`
	Version      int64          `json:"version"`
	CreatedAt    time.Time      `json:"createdAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`
}

// Driver returns the entry for name, or nil.
func (s *RaceSession) Driver(name string) *DriverInRace {
	for i := range s.Drivers {
		if s.Drivers[i].DriverName == name {
			return &s.Drivers[i]
		}
	}
	return nil
}

// Clone returns a deep copy so callers can mutate without touching shared state.
func (s RaceSession) Clone() RaceSession {
	out := s
	out.Drivers = make([]DriverInRace, len(s.Drivers))
	for i, d := range s.Drivers {
		d.Laps = append([]Lap(nil), d.Laps...)
		out.Drivers[i] = d
	}
	return out
}
