// Package ingest validates raw timing payloads and converts them into
// strict snapshot batches before any business logic sees them.
package ingest

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/okian/pitwall/internal/domain/model"
	"github.com/okian/pitwall/pkg/metrics"
)

//go:embed snapshot_batch.schema.json
var batchSchema []byte

const schemaURL = "https://pitwall.dev/schemas/snapshot-batch.json"

// Rejection describes one driver entry dropped at the boundary.
type Rejection struct {
	Index  int    `json:"index"`
	Name   string `json:"name,omitempty"`
	Reason string `json:"reason"`
}

// Option applies a configuration option to the Decoder.
type Option func(*Decoder)

// WithClock overrides time.Now for batches without a timestamp.
func WithClock(now func() time.Time) Option {
	return func(d *Decoder) {
		if now != nil {
			d.now = now
		}
	}
}

// Decoder turns raw payloads into batches.
type Decoder struct {
	schema *jsonschema.Schema
	now    func() time.Time
}

// NewDecoder compiles the embedded batch schema.
func NewDecoder(opts ...Option) (*Decoder, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	c.AssertFormat = true
	if err := c.AddResource(schemaURL, bytes.NewReader(batchSchema)); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	d := &Decoder{schema: schema, now: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

var defaultDecoder = func() *Decoder {
	d, err := NewDecoder()
	if err != nil {
		panic(err)
	}
	return d
}()

// Decode validates raw with the default decoder.
func Decode(raw []byte) (model.SnapshotBatch, []Rejection, error) {
	return defaultDecoder.Decode(raw)
}

// Decode validates the envelope against the schema and converts each
// driver entry. Malformed entries are returned as rejections while the rest
// of the batch proceeds; envelope problems fail with ErrInvalidPayload.
func (d *Decoder) Decode(raw []byte) (model.SnapshotBatch, []Rejection, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		metrics.RecordSnapshotRejected("not_json")
		return model.SnapshotBatch{}, nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := d.schema.Validate(doc); err != nil {
		metrics.RecordSnapshotRejected("schema")
		return model.SnapshotBatch{}, nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	obj := doc.(map[string]any) //nolint:forcetypeassert // the schema requires an object
	batch := model.SnapshotBatch{
		SessionName: strings.TrimSpace(obj["sessionName"].(string)), //nolint:forcetypeassert // schema
		ObservedAt:  d.now(),
	}
	if st, ok := obj["sessionType"].(string); ok && model.SessionType(st).Valid() {
		batch.SessionType = model.SessionType(st)
	}
	if ts, ok := obj["timestamp"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			batch.ObservedAt = t.UTC()
		}
	}

	entries, _ := obj["drivers"].([]any)
	var rejections []Rejection
	for i, e := range entries {
		snap, reason := convert(e, batch.ObservedAt)
		if reason != "" {
			rejections = append(rejections, Rejection{Index: i, Name: snap.Name, Reason: reason})
			metrics.RecordSnapshotRejected(reason)
			continue
		}
		batch.Snapshots = append(batch.Snapshots, snap)
	}
	return batch, rejections, nil
}

func convert(e any, observed time.Time) (model.Snapshot, string) {
	m, ok := e.(map[string]any)
	if !ok {
		return model.Snapshot{}, ReasonBadEntry
	}

	name, _ := m["name"].(string)
	s := model.Snapshot{Name: strings.TrimSpace(name), ObservedAt: observed}
	if s.Name == "" {
		return s, ReasonBlankName
	}

	pos, ok := toInt(m["position"])
	if !ok || pos < 1 {
		return s, ReasonPosition
	}
	s.Position = int(pos)

	laps, ok := toInt(m["lapCount"])
	if !ok || laps < 0 {
		return s, ReasonBadNumber
	}
	s.LapCount = int(laps)

	if s.Kart, ok = toKart(m["kart"]); !ok {
		return s, ReasonBadKart
	}

	for key, dst := range map[string]*int64{"bestTime": &s.BestTime, "lastTime": &s.LastTime, "avgTime": &s.AvgTime} {
		v, ok := toLapTime(m[key])
		if !ok {
			return s, ReasonBadTime
		}
		*dst = v
	}

	s.Gap = toText(m["gap"])
	s.PersonID = toText(m["personId"])

	if ts, ok := m["timestamp"].(string); ok && ts != "" {
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return s, ReasonBadInstant
		}
		s.ObservedAt = t.UTC()
	}
	return s, ""
}

// toInt accepts JSON integers, integral floats and numeric strings. A
// missing value or empty string reads as zero.
func toInt(v any) (int64, bool) {
	switch x := v.(type) {
	case nil:
		return 0, true
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return n, true
		}
		f, err := x.Float64()
		if err != nil || f != math.Trunc(f) {
			return 0, false
		}
		return int64(f), true
	case string:
		x = strings.TrimSpace(x)
		if x == "" {
			return 0, true
		}
		n, err := strconv.ParseInt(x, 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}

// toLapTime returns milliseconds. Numbers are milliseconds; strings may be
// milliseconds ("41230"), seconds ("41.230") or minutes ("1:02.345").
func toLapTime(v any) (int64, bool) {
	switch x := v.(type) {
	case nil:
		return 0, true
	case json.Number:
		f, err := x.Float64()
		if err != nil || f < 0 {
			return 0, false
		}
		return int64(math.Round(f)), true
	case string:
		return parseClock(strings.TrimSpace(x))
	default:
		return 0, false
	}
}

func parseClock(s string) (int64, bool) {
	if s == "" {
		return 0, true
	}
	var minutes int64
	if head, tail, found := strings.Cut(s, ":"); found {
		m, err := strconv.ParseInt(head, 10, 64)
		if err != nil || m < 0 {
			return 0, false
		}
		minutes, s = m, tail
	} else if !strings.Contains(s, ".") {
		n, err := strconv.ParseInt(s, 10, 64)
		return n, err == nil && n >= 0
	}
	secs, err := strconv.ParseFloat(s, 64)
	if err != nil || secs < 0 || (minutes > 0 && secs >= 60) {
		return 0, false
	}
	return minutes*60_000 + int64(math.Round(secs*1000)), true
}

func toKart(v any) (string, bool) {
	switch x := v.(type) {
	case nil:
		return "", true
	case string:
		return strings.TrimSpace(x), true
	case json.Number:
		n, err := x.Int64()
		if err != nil || n < 0 {
			return "", false
		}
		return strconv.FormatInt(n, 10), true
	default:
		return "", false
	}
}

func toText(v any) string {
	switch x := v.(type) {
	case string:
		return strings.TrimSpace(x)
	case json.Number:
		return x.String()
	default:
		return ""
	}
}
