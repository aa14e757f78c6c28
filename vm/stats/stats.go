// Package stats accumulates the optional per-run instrumentation a
// Thread can report: instructions retired, per-opcode histogram, and
// fault counts (SPEC_FULL.md §4.8). Collection never changes execution
// semantics — a Thread with the histogram disabled pays only a single
// counter increment per instruction, mirroring the teacher's always-on
// Emulator.instructionCount field.
package stats

import "time"

// Counters accumulates statistics for one Thread's run.
type Counters struct {
	Instructions uint64
	ByOpcode     map[byte]uint64 // nil unless histogram collection was enabled
	Faults       map[int]uint64  // keyed by the numeric fault/pcall kind

	started time.Time
	stopped time.Time
}

// New returns a zero-valued Counters ready for use. The opcode
// histogram map is left nil; call EnableHistogram to allocate it.
func New() *Counters {
	return &Counters{Faults: make(map[int]uint64)}
}

// EnableHistogram allocates the per-opcode histogram map. Safe to call
// more than once.
func (c *Counters) EnableHistogram() {
	if c.ByOpcode == nil {
		c.ByOpcode = make(map[byte]uint64)
	}
}

// Start marks the beginning of a timed run.
func (c *Counters) Start() {
	c.started = time.Now()
}

// Stop marks the end of a timed run.
func (c *Counters) Stop() {
	c.stopped = time.Now()
}

// RecordInstruction increments the total instruction count and, if the
// histogram is enabled, the per-opcode bucket for op.
func (c *Counters) RecordInstruction(op byte) {
	c.Instructions++
	if c.ByOpcode != nil {
		c.ByOpcode[op]++
	}
}

// RecordFault increments the count for the given fault/pcall kind.
func (c *Counters) RecordFault(kind int) {
	c.Faults[kind]++
}

// Elapsed returns the duration between Start and Stop. Call Stop
// before reading Elapsed; otherwise it reports time since Start.
func (c *Counters) Elapsed() time.Duration {
	end := c.stopped
	if end.IsZero() {
		end = time.Now()
	}
	return end.Sub(c.started)
}

// InstructionsPerSecond returns Instructions / Elapsed().Seconds(),
// or 0 if no time has elapsed yet.
func (c *Counters) InstructionsPerSecond() float64 {
	secs := c.Elapsed().Seconds()
	if secs <= 0 {
		return 0
	}
	return float64(c.Instructions) / secs
}
