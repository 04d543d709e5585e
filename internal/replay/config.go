// Package replay drives a running pitwall instance with a synthetic race
// and checks that the stored session came out clean.
package replay

import "time"

// Config holds configuration for one replay run.
type Config struct {
	BaseURL       string        // Base URL of the service
	SessionName   string        // generated when empty
	SessionType   string        // sent as-is; empty lets the service classify
	Drivers       int           // field size
	Laps          int           // laps each driver completes
	Redeliver     int           // every Nth batch is sent a second time, late
	Tick          time.Duration // simulated interval between timing updates
	Seed          uint64        // zero picks one from the clock
	Timezone      string        // venue time zone used by the service
	Timeout       time.Duration // HTTP request timeout
	SettleTimeout time.Duration // how long to wait for all laps to land
	PollInterval  time.Duration
	KafkaBrokers  []string // publish through Kafka instead of HTTP when set
	KafkaTopic    string
	OutputFile    string // optional JSON dump of the generated batches
	Verbose       bool
}

// Batch is one timing update in the wire format accepted by POST /snapshots.
type Batch struct {
	SessionName string    `json:"sessionName"`
	SessionType string    `json:"sessionType,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	Drivers     []Entry   `json:"drivers"`
}

// Entry is one driver row of a Batch.
type Entry struct {
	Name     string `json:"name"`
	Position int    `json:"position"`
	Kart     string `json:"kart"`
	LapCount int    `json:"lapCount"`
	BestTime int64  `json:"bestTime,omitempty"`
	LastTime int64  `json:"lastTime,omitempty"`
	AvgTime  int64  `json:"avgTime,omitempty"`
	Gap      string `json:"gap,omitempty"`
}

// Stats holds run statistics.
type Stats struct {
	BatchesGenerated int
	BatchesSent      int
	Redeliveries     int
	Backpressured    int
	LapsExpected     int
	LapsStored       int
	StartTime        time.Time
	EndTime          time.Time
	Duration         time.Duration
}
