// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package optracker keeps track of client operations. Operations in flight can
// be dumped and those blocked for too long are reported as slow. Finished
// operations are kept in a bounded history for post-mortem inspection.
package optracker

import (
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/asch/rbd/internal/key"
)

// Options to use in New() function.
type Options struct {
	// Max number of finished operations kept.
	HistorySize int

	// Finished operations older than this are dropped.
	HistoryDuration time.Duration

	// Operations in flight longer than this are slow.
	ComplaintTime time.Duration

	// Max number of slow operations reported by one check.
	LogThreshold int
}

// Tracker registers operations. It is safe for concurrent use.
type Tracker struct {
	opts Options
	seq  key.Counter
	now  func() time.Time

	mu       sync.Mutex
	inFlight map[uint64]*Op
	history  []*Op
	shutdown bool
}

// Event is a named point in the life of an operation.
type Event struct {
	Time time.Time
	Name string
}

// Op is one tracked operation.
type Op struct {
	tracker *Tracker

	Seq         uint64
	Description string
	Received    time.Time

	mu       sync.Mutex
	events   []Event
	current  string
	finished time.Time

	// Doubled every time the op is reported as slow, so reports back off.
	warnMultiplier int64
}

func New(o Options) *Tracker {
	return &Tracker{
		opts:     o,
		now:      time.Now,
		inFlight: make(map[uint64]*Op),
	}
}

// Start registers a new operation in flight.
func (t *Tracker) Start(format string, args ...interface{}) *Op {
	now := t.now()
	op := &Op{
		tracker:        t,
		Seq:            t.seq.Next(),
		Description:    fmt.Sprintf(format, args...),
		Received:       now,
		current:        "initiated",
		warnMultiplier: 1,
	}
	op.events = append(op.events, Event{Time: now, Name: "initiated"})

	t.mu.Lock()
	t.inFlight[op.Seq] = op
	t.mu.Unlock()

	return op
}

// Mark records an event and makes it the current state of the operation.
func (o *Op) Mark(event string) {
	now := o.tracker.now()

	o.mu.Lock()
	o.events = append(o.events, Event{Time: now, Name: event})
	o.current = event
	o.mu.Unlock()
}

// Finish moves the operation from in flight to the history. Calling it more
// than once has no effect.
func (o *Op) Finish() {
	t := o.tracker
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.inFlight[o.Seq]; !ok {
		return
	}
	delete(t.inFlight, o.Seq)

	o.mu.Lock()
	o.events = append(o.events, Event{Time: now, Name: "done"})
	o.current = "done"
	o.finished = now
	o.mu.Unlock()

	if t.shutdown {
		return
	}
	t.history = append(t.history, o)
	t.cleanup(now)
}

// Duration of a finished operation or age of the one in flight.
func (o *Op) Duration(now time.Time) time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.finished.IsZero() {
		return o.finished.Sub(o.Received)
	}

	return now.Sub(o.Received)
}

// Drops history entries which are too old and then the shortest ones above
// the size limit. Must be called with t.mu held.
func (t *Tracker) cleanup(now time.Time) {
	if t.opts.HistoryDuration > 0 {
		kept := t.history[:0]
		for _, op := range t.history {
			if now.Sub(op.Received) <= t.opts.HistoryDuration {
				kept = append(kept, op)
			}
		}
		t.history = kept
	}

	if over := len(t.history) - t.opts.HistorySize; over > 0 {
		sort.SliceStable(t.history, func(i, j int) bool {
			return t.history[i].Duration(now) < t.history[j].Duration(now)
		})
		t.history = t.history[over:]
		sort.SliceStable(t.history, func(i, j int) bool {
			return t.history[i].Received.Before(t.history[j].Received)
		})
	}
}

// Shutdown drops the history and stops recording finished operations.
func (t *Tracker) Shutdown() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.history = nil
	t.shutdown = true
}

// InFlight returns number of operations in flight.
func (t *Tracker) InFlight() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.inFlight)
}

// Returns operations in flight ordered by arrival.
func (t *Tracker) inFlightSorted() []*Op {
	ops := make([]*Op, 0, len(t.inFlight))
	for _, op := range t.inFlight {
		ops = append(ops, op)
	}
	sort.Slice(ops, func(i, j int) bool {
		return ops[i].Seq < ops[j].Seq
	})

	return ops
}

// CheckSlow returns warnings about operations in flight longer than the
// complaint time. The first line summarizes, the rest describe individual
// operations. An operation is reported again only after twice as long as
// the previous time. Returns nil when there is nothing to report.
func (t *Tracker) CheckSlow() []string {
	if t.opts.ComplaintTime <= 0 {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.inFlight) == 0 {
		return nil
	}

	now := t.now()
	ops := t.inFlightSorted()
	oldest := now.Sub(ops[0].Received)
	if oldest < t.opts.ComplaintTime {
		return nil
	}

	warnings := []string{""}
	slow, warned := 0, 0
	for _, op := range ops {
		age := now.Sub(op.Received)
		if age < t.opts.ComplaintTime {
			break
		}
		slow++

		if t.opts.LogThreshold > 0 && warned >= t.opts.LogThreshold {
			continue
		}

		op.mu.Lock()
		due := op.Received.Add(t.opts.ComplaintTime * time.Duration(op.warnMultiplier))
		if now.After(due) {
			warned++
			warnings = append(warnings, fmt.Sprintf("slow request %s old, received at %s: %s currently %s",
				age.Round(time.Millisecond), op.Received.Format(time.RFC3339), op.Description, op.current))
			op.warnMultiplier *= 2
		}
		op.mu.Unlock()
	}

	if len(warnings) == 1 {
		return nil
	}

	warnings[0] = fmt.Sprintf("%d slow requests, %d included below; oldest blocked for > %s",
		slow, len(warnings)-1, oldest.Round(time.Millisecond))

	return warnings
}

type eventDump struct {
	Time  string `yaml:"time"`
	Event string `yaml:"event"`
}

type opDump struct {
	Seq         uint64      `yaml:"seq"`
	Description string      `yaml:"description"`
	Received    string      `yaml:"received_at"`
	Age         string      `yaml:"age,omitempty"`
	Duration    string      `yaml:"duration"`
	Current     string      `yaml:"current"`
	Events      []eventDump `yaml:"events"`
}

func (o *Op) dump(now time.Time) opDump {
	d := opDump{
		Seq:         o.Seq,
		Description: o.Description,
		Received:    o.Received.Format(time.RFC3339Nano),
		Duration:    o.Duration(now).String(),
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.finished.IsZero() {
		d.Age = now.Sub(o.Received).String()
	}
	d.Current = o.current
	for _, e := range o.events {
		d.Events = append(d.Events, eventDump{Time: e.Time.Format(time.RFC3339Nano), Event: e.Name})
	}

	return d
}

// DumpInFlight writes all operations in flight as YAML.
func (t *Tracker) DumpInFlight(w io.Writer) error {
	t.mu.Lock()
	now := t.now()
	ops := t.inFlightSorted()
	dump := struct {
		NumOps int      `yaml:"num_ops"`
		Ops    []opDump `yaml:"ops"`
	}{NumOps: len(ops)}
	for _, op := range ops {
		dump.Ops = append(dump.Ops, op.dump(now))
	}
	t.mu.Unlock()

	return encode(w, dump)
}

// DumpHistoric writes the history of finished operations as YAML.
func (t *Tracker) DumpHistoric(w io.Writer) error {
	t.mu.Lock()
	now := t.now()
	t.cleanup(now)
	dump := struct {
		Size     int      `yaml:"num_to_keep"`
		Duration string   `yaml:"duration_to_keep"`
		Ops      []opDump `yaml:"ops"`
	}{Size: t.opts.HistorySize, Duration: t.opts.HistoryDuration.String()}
	for _, op := range t.history {
		dump.Ops = append(dump.Ops, op.dump(now))
	}
	t.mu.Unlock()

	return encode(w, dump)
}

func encode(w io.Writer, v interface{}) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}

	return enc.Close()
}
