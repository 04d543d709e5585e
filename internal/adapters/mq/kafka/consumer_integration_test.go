//go:build integration

package kafka_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/okian/pitwall/internal/adapters/mq/kafka"
	"github.com/okian/pitwall/internal/domain/model"
	"github.com/okian/pitwall/pkg/logger"
	"github.com/okian/pitwall/pkg/testutil/containers"
)

type sink struct {
	mu      sync.Mutex
	batches []model.SnapshotBatch
	fail    int
}

func (s *sink) HandleBatch(_ context.Context, b model.SnapshotBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail > 0 {
		s.fail--
		return errors.New("store unreachable")
	}
	s.batches = append(s.batches, b)
	return nil
}

func (s *sink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batches)
}

type ConsumerSuite struct {
	suite.Suite
	broker *containers.RedpandaContainer
}

func TestConsumerSuite(t *testing.T) {
	suite.Run(t, new(ConsumerSuite))
}

func (s *ConsumerSuite) SetupSuite() {
	s.Require().NoError(logger.Init())
	s.broker = containers.NewRedpandaContainer(s.T())
}

func (s *ConsumerSuite) TearDownSuite() {
	s.broker.Terminate(context.Background())
}

func (s *ConsumerSuite) TestConsumesValidRecordsAndSkipsInvalid() {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	const topic = "timing.snapshots.test"
	out := &sink{fail: 2}
	c, err := kafka.NewConsumer(s.broker.Brokers, topic, out,
		kafka.WithGroup("pitwall-test"),
		kafka.WithCreateTopic(true),
		kafka.WithRetry(3, 10*time.Millisecond),
	)
	s.Require().NoError(err)
	s.Require().NoError(c.Start(ctx))
	defer c.Close()

	p, err := kafka.NewProducer(s.broker.Brokers, topic)
	s.Require().NoError(err)
	defer p.Close()

	s.Require().NoError(p.Publish(ctx, "Heat", []byte(`not json`)))
	s.Require().NoError(p.Publish(ctx, "Heat", []byte(
		`{"sessionName":"Heat","drivers":[{"name":"Ana","position":1,"kart":7,"lapCount":1,"lastTime":40000}]}`)))

	s.Eventually(func() bool { return out.len() == 1 }, 45*time.Second, 100*time.Millisecond)

	out.mu.Lock()
	got := out.batches[0]
	out.mu.Unlock()
	s.Equal("Heat", got.SessionName)
	s.Require().Len(got.Snapshots, 1)
	s.Equal("7", got.Snapshots[0].Kart)
}
