package replay

import "os"

// ShowHelp prints usage information for the replay tool.
func ShowHelp() {
	_, _ = os.Stdout.WriteString(`pitwall replay
==============

Generates a synthetic karting session, feeds it to a running pitwall
instance snapshot by snapshot (with late redeliveries, like a flaky timing
feed) and verifies the stored session: no duplicate laps, lap numbers
strictly increasing, every stored lap carrying the time that was driven.

Usage:
  go run ./cmd/replay [options]

Options:
  -url string
        Base URL of the service (default "http://localhost:9080")
  -session string
        Session name (default: "Replay <random>")
  -type string
        Session type sent with every batch (default: classified by the service)
  -drivers int
        Number of drivers (default 8)
  -laps int
        Laps per driver (default 10)
  -redeliver int
        Resend every Nth batch late; 0 uses the default (3), negative disables
  -tick duration
        Simulated time between timing updates (default 5s)
  -seed uint
        Random seed; the same seed replays the same race (default: clock)
  -tz string
        Venue time zone configured on the service (default "UTC")
  -timeout duration
        HTTP request timeout (default 10s)
  -settle duration
        How long to wait for laps to be stored (default 30s)
  -kafka string
        Comma-separated brokers; publish batches to Kafka instead of HTTP
  -topic string
        Kafka topic (default "timing.snapshots")
  -output string
        Write the generated batches to this JSON file
  -verbose
        Log every batch
  -help
        Show this help message

Examples:
  # Replay a default race against a local instance
  go run ./cmd/replay

  # A bigger field, reproducible
  go run ./cmd/replay -drivers 16 -laps 25 -seed 42

  # Through Kafka
  go run ./cmd/replay -kafka localhost:9092 -topic timing.snapshots
`)
}
