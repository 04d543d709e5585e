package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/okian/pitwall/internal/replay"
	"github.com/okian/pitwall/pkg/logger"
)

const runTimeout = 10 * time.Minute

func main() {
	var (
		baseURL   = flag.String("url", "http://localhost:9080", "Base URL of the service")
		session   = flag.String("session", "", "Session name")
		kind      = flag.String("type", "", "Session type")
		drivers   = flag.Int("drivers", 0, "Number of drivers")
		laps      = flag.Int("laps", 0, "Laps per driver")
		redeliver = flag.Int("redeliver", 0, "Resend every Nth batch late")
		tick      = flag.Duration("tick", 0, "Simulated time between timing updates")
		seed      = flag.Uint64("seed", 0, "Random seed")
		tz        = flag.String("tz", "UTC", "Venue time zone configured on the service")
		timeout   = flag.Duration("timeout", 0, "HTTP request timeout")
		settle    = flag.Duration("settle", 0, "How long to wait for laps to be stored")
		brokers   = flag.String("kafka", "", "Comma-separated Kafka brokers")
		topic     = flag.String("topic", "", "Kafka topic")
		output    = flag.String("output", "", "Write the generated batches to this JSON file")
		verbose   = flag.Bool("verbose", false, "Log every batch")
		help      = flag.Bool("help", false, "Show help")
	)
	flag.Parse()

	if *help {
		replay.ShowHelp()
		return
	}

	if err := logger.Init(); err != nil {
		os.Stderr.WriteString("failed to initialize logging: " + err.Error() + "\n")
		os.Exit(1)
	}
	if *verbose {
		_ = logger.SetLevelString("debug")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, runTimeout)
	defer cancel()

	cfg := replay.Config{
		BaseURL:       *baseURL,
		SessionName:   *session,
		SessionType:   *kind,
		Drivers:       *drivers,
		Laps:          *laps,
		Redeliver:     *redeliver,
		Tick:          *tick,
		Seed:          *seed,
		Timezone:      *tz,
		Timeout:       *timeout,
		SettleTimeout: *settle,
		KafkaTopic:    *topic,
		OutputFile:    *output,
		Verbose:       *verbose,
	}
	if *brokers != "" {
		cfg.KafkaBrokers = strings.Split(*brokers, ",")
	}

	if _, err := replay.Run(ctx, cfg); err != nil {
		logger.Get().Error(ctx, "replay failed", logger.Error(err))
		os.Exit(1)
	}
}
