// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package optracker

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

type clock struct {
	t time.Time
}

func (c *clock) now() time.Time {
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.t = c.t.Add(d)
}

func newTracker(o Options) (*Tracker, *clock) {
	c := &clock{t: time.Date(2021, 6, 1, 12, 0, 0, 0, time.UTC)}
	t := New(o)
	t.now = c.now
	return t, c
}

func TestStartFinish(t *testing.T) {
	tr, c := newTracker(Options{HistorySize: 10, HistoryDuration: time.Hour})

	op := tr.Start("write %s %d~%d", "disk0", 0, 4096)
	assert.Equal(t, uint64(0), op.Seq)
	assert.Equal(t, "write disk0 0~4096", op.Description)
	assert.Equal(t, 1, tr.InFlight())

	c.advance(time.Second)
	op.Mark("dispatched")
	op.Finish()
	op.Finish()

	assert.Equal(t, 0, tr.InFlight())
	assert.Equal(t, time.Second, op.Duration(c.now()))

	var buf bytes.Buffer
	require.NoError(t, tr.DumpHistoric(&buf))

	var dump struct {
		Ops []struct {
			Seq     uint64 `yaml:"seq"`
			Current string `yaml:"current"`
			Events  []struct {
				Event string `yaml:"event"`
			} `yaml:"events"`
		} `yaml:"ops"`
	}
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &dump))
	require.Len(t, dump.Ops, 1)
	assert.Equal(t, "done", dump.Ops[0].Current)
	assert.Len(t, dump.Ops[0].Events, 3)
}

func TestHistoryBounds(t *testing.T) {
	tr, c := newTracker(Options{HistorySize: 2, HistoryDuration: time.Minute})

	// Durations 3s, 1s, 2s. The shortest one is dropped.
	for _, d := range []time.Duration{3, 1, 2} {
		op := tr.Start("op %d", d)
		c.advance(d * time.Second)
		op.Finish()
	}

	tr.mu.Lock()
	require.Len(t, tr.history, 2)
	assert.Equal(t, "op 3", tr.history[0].Description)
	assert.Equal(t, "op 2", tr.history[1].Description)
	tr.mu.Unlock()

	c.advance(2 * time.Minute)
	var buf bytes.Buffer
	require.NoError(t, tr.DumpHistoric(&buf))

	tr.mu.Lock()
	assert.Empty(t, tr.history)
	tr.mu.Unlock()
}

func TestCheckSlowBacksOff(t *testing.T) {
	tr, c := newTracker(Options{ComplaintTime: 10 * time.Second, LogThreshold: 5})

	op := tr.Start("read disk0")
	c.advance(5 * time.Second)
	assert.Nil(t, tr.CheckSlow())

	c.advance(6 * time.Second)
	warnings := tr.CheckSlow()
	require.Len(t, warnings, 2)
	assert.Contains(t, warnings[0], "1 slow requests")
	assert.Contains(t, warnings[1], "read disk0 currently initiated")

	// Next report only after 2 * complaint time.
	c.advance(5 * time.Second)
	assert.Nil(t, tr.CheckSlow())

	c.advance(5 * time.Second)
	assert.Len(t, tr.CheckSlow(), 2)

	op.Finish()
	assert.Nil(t, tr.CheckSlow())
}

func TestCheckSlowCountsPastThreshold(t *testing.T) {
	tr, c := newTracker(Options{ComplaintTime: 10 * time.Second, LogThreshold: 2})

	for _, d := range []string{"write a", "write b", "write c", "write d"} {
		tr.Start("%s", d)
		c.advance(time.Second)
	}
	c.advance(12 * time.Second)

	warnings := tr.CheckSlow()
	require.Len(t, warnings, 3)
	assert.Contains(t, warnings[0], "4 slow requests")
	assert.Contains(t, warnings[1], "write a")
	assert.Contains(t, warnings[2], "write b")

	// Ops past the threshold keep their multiplier and are reported next.
	warnings = tr.CheckSlow()
	require.Len(t, warnings, 3)
	assert.Contains(t, warnings[0], "4 slow requests")
	assert.Contains(t, warnings[1], "write c")
	assert.Contains(t, warnings[2], "write d")
}

func TestDumpInFlight(t *testing.T) {
	tr, _ := newTracker(Options{})
	tr.Start("a")
	tr.Start("b")

	var buf bytes.Buffer
	require.NoError(t, tr.DumpInFlight(&buf))
	assert.Contains(t, buf.String(), "num_ops: 2")
	assert.Contains(t, buf.String(), "description: a")
}

func TestShutdown(t *testing.T) {
	tr, _ := newTracker(Options{HistorySize: 5})
	op := tr.Start("a")
	tr.Shutdown()
	op.Finish()

	tr.mu.Lock()
	assert.Empty(t, tr.history)
	tr.mu.Unlock()
}
