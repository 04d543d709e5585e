package replay

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"strconv"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// Lap generation ranges, milliseconds.
const (
	minPace    = 38_000
	paceSpread = 6_000
	lapJitter  = 1_500
	spareKarts = 6
	seedMix    = 0x9e3779b97f4a7c15
)

const nameAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// ErrInvalidConfig is returned when a race cannot be generated from the config.
var ErrInvalidConfig = errors.New("invalid replay config")

var driverNames = []string{
	"Ana García", "Luis Pérez", "Diego Soto", "María López",
	"Carlos Ruiz", "Lucía Fernández", "Javier Martín", "Sofía Gómez",
	"Pablo Díaz", "Elena Torres", "Marta Romero", "Sergio Navarro",
	"Laura Molina", "Andrés Castro", "Irene Ortega", "Hugo Delgado",
}

// Race is a generated session: the batches in send order plus the lap
// times every driver actually set.
type Race struct {
	SessionName  string
	StartedAt    time.Time
	Batches      []Batch
	Redeliveries int
	LapTimes     map[string][]int64
}

// ExpectedLaps is the number of laps the service should end up storing.
func (r *Race) ExpectedLaps() int {
	n := 0
	for _, laps := range r.LapTimes {
		n += len(laps)
	}
	return n
}

type racer struct {
	name string
	kart string
	laps []int64 // lap times in lap order
	done []int64 // elapsed race time at the end of each lap
}

// completed returns how many laps r has finished at elapsed ms.
func (r *racer) completed(elapsed int64) int {
	n, found := slices.BinarySearch(r.done, elapsed)
	if found {
		n++
	}
	return n
}

// Generate builds a race of cfg.Drivers drivers over cfg.Laps laps starting
// at start. The same seed always yields the same race.
func Generate(cfg Config, start time.Time) (*Race, error) {
	if cfg.Drivers < 1 || cfg.Laps < 1 {
		return nil, fmt.Errorf("%w: need at least one driver and one lap", ErrInvalidConfig)
	}
	step := cfg.Tick.Milliseconds()
	if step <= 0 || step >= minPace {
		return nil, fmt.Errorf("%w: tick %s must be positive and shorter than %dms", ErrInvalidConfig, cfg.Tick, minPace)
	}

	name := cfg.SessionName
	if name == "" {
		suffix, err := gonanoid.Generate(nameAlphabet, 6)
		if err != nil {
			return nil, fmt.Errorf("session name: %w", err)
		}
		name = "Replay " + suffix
	}

	rng := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^seedMix)) //nolint:gosec // reproducible races, not secrets
	karts := rng.Perm(cfg.Drivers + spareKarts)

	racers := make([]*racer, cfg.Drivers)
	lapTimes := make(map[string][]int64, cfg.Drivers)
	for i := range racers {
		r := &racer{name: driverName(i), kart: strconv.Itoa(karts[i] + 1)}
		pace := minPace + rng.Int64N(paceSpread)
		var elapsed int64
		for range cfg.Laps {
			t := pace + rng.Int64N(lapJitter)
			elapsed += t
			r.laps = append(r.laps, t)
			r.done = append(r.done, elapsed)
		}
		racers[i] = r
		lapTimes[r.name] = r.laps
	}

	var timeline []Batch
	for elapsed := step; ; elapsed += step {
		timeline = append(timeline, snapshotAt(racers, elapsed, name, cfg.SessionType, start))
		if finished(racers, elapsed) {
			break
		}
	}

	race := &Race{SessionName: name, StartedAt: start, LapTimes: lapTimes}
	for i, b := range timeline {
		race.Batches = append(race.Batches, b)
		// A late copy of the previous update, as a flaky feed would resend it.
		if cfg.Redeliver > 0 && i > 0 && i%cfg.Redeliver == 0 {
			race.Batches = append(race.Batches, timeline[i-1])
			race.Redeliveries++
		}
	}
	return race, nil
}

func driverName(i int) string {
	if i < len(driverNames) {
		return driverNames[i]
	}
	return "Driver " + strconv.Itoa(i+1)
}

func finished(racers []*racer, elapsed int64) bool {
	for _, r := range racers {
		if r.completed(elapsed) < len(r.laps) {
			return false
		}
	}
	return true
}

// snapshotAt renders what the timing screen shows elapsed ms into the race.
func snapshotAt(racers []*racer, elapsed int64, session, sessionType string, start time.Time) Batch {
	type standing struct {
		r    *racer
		laps int
		at   int64 // elapsed time of the last completed lap
	}
	table := make([]standing, len(racers))
	for i, r := range racers {
		n := r.completed(elapsed)
		s := standing{r: r, laps: n}
		if n > 0 {
			s.at = r.done[n-1]
		}
		table[i] = s
	}
	slices.SortStableFunc(table, func(a, b standing) int {
		if a.laps != b.laps {
			return b.laps - a.laps
		}
		switch {
		case a.at < b.at:
			return -1
		case a.at > b.at:
			return 1
		}
		return 0
	})

	leader := table[0]
	entries := make([]Entry, len(table))
	for pos, s := range table {
		e := Entry{Name: s.r.name, Position: pos + 1, Kart: s.r.kart, LapCount: s.laps}
		if s.laps > 0 {
			done := s.r.laps[:s.laps]
			e.LastTime = done[len(done)-1]
			e.BestTime = slices.Min(done)
			var sum int64
			for _, t := range done {
				sum += t
			}
			e.AvgTime = sum / int64(len(done))
		}
		if pos > 0 {
			e.Gap = gap(leader.laps, leader.at, s.laps, s.at)
		}
		entries[pos] = e
	}

	return Batch{
		SessionName: session,
		SessionType: sessionType,
		Timestamp:   start.Add(time.Duration(elapsed) * time.Millisecond),
		Drivers:     entries,
	}
}

func gap(leaderLaps int, leaderAt int64, laps int, at int64) string {
	if laps < leaderLaps {
		return "+" + strconv.Itoa(leaderLaps-laps) + " L"
	}
	if laps == 0 {
		return ""
	}
	return fmt.Sprintf("+%.3f", float64(at-leaderAt)/1000)
}
