package replay

import (
	"errors"
	"fmt"

	"github.com/okian/pitwall/internal/domain/model"
)

// ErrVerification is wrapped by every consistency failure.
var ErrVerification = errors.New("session verification failed")

// Verify checks a stored session against the race that produced it: every
// driver's laps are strictly increasing with no duplicates, each stored lap
// carries the time that lap was actually set, and the session totals
// match the stored drivers.
// Missing laps are not an error; they are reported through Missing.
func Verify(session model.RaceSession, race *Race) error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrVerification}, args...)...))
	}

	if session.TotalDrivers != len(session.Drivers) {
		fail("totalDrivers %d but %d drivers stored", session.TotalDrivers, len(session.Drivers))
	}

	maxLap := 0
	seen := make(map[string]bool, len(session.Drivers))
	for _, d := range session.Drivers {
		if seen[d.DriverName] {
			fail("driver %q stored twice", d.DriverName)
		}
		seen[d.DriverName] = true
		maxLap = max(maxLap, d.MaxLap())

		times, ok := race.LapTimes[d.DriverName]
		if !ok {
			fail("unexpected driver %q", d.DriverName)
			continue
		}

		prev := 0
		for _, lap := range d.Laps {
			switch {
			case lap.LapNumber == prev:
				fail("%s: duplicate lap %d", d.DriverName, lap.LapNumber)
			case lap.LapNumber < prev:
				fail("%s: lap %d stored after lap %d", d.DriverName, lap.LapNumber, prev)
			case lap.LapNumber < 1 || lap.LapNumber > len(times):
				fail("%s: lap %d was never driven", d.DriverName, lap.LapNumber)
			case lap.Time != times[lap.LapNumber-1]:
				fail("%s: lap %d time %d, want %d", d.DriverName, lap.LapNumber, lap.Time, times[lap.LapNumber-1])
			}
			prev = lap.LapNumber
		}
	}

	if session.TotalLaps != maxLap {
		fail("totalLaps %d but the furthest driver stored lap %d", session.TotalLaps, maxLap)
	}
	return errors.Join(errs...)
}

// StoredLaps counts the laps held across all drivers.
func StoredLaps(session model.RaceSession) int {
	n := 0
	for _, d := range session.Drivers {
		n += len(d.Laps)
	}
	return n
}

// Missing lists, per driver, the lap numbers the race produced that the
// session does not hold.
func Missing(session model.RaceSession, race *Race) map[string][]int {
	stored := make(map[string]map[int]bool, len(session.Drivers))
	for _, d := range session.Drivers {
		laps := make(map[int]bool, len(d.Laps))
		for _, lap := range d.Laps {
			laps[lap.LapNumber] = true
		}
		stored[d.DriverName] = laps
	}

	out := make(map[string][]int)
	for name, times := range race.LapTimes {
		for n := 1; n <= len(times); n++ {
			if !stored[name][n] {
				out[name] = append(out[name], n)
			}
		}
	}
	return out
}
