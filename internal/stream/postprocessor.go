package stream

import (
	"context"

	"github.com/opencmit/alphora/pkg/models"
)

// Postprocessor is a stateful stream transformer. Transform maps one input
// event to zero or more output events; Flush releases whatever the
// transformer still buffers once the input is exhausted. State is local to a
// single stream consumption: a postprocessor instance must not be reused
// across streams and must not perform I/O.
type Postprocessor interface {
	Name() string
	Transform(ev models.ChunkEvent) []models.ChunkEvent
	Flush() []models.ChunkEvent
}

// Compose fuses postprocessors left to right into one. Events flow through
// each stage in order; at end of input each stage's Flush output is pushed
// through the stages after it.
func Compose(pps ...Postprocessor) Postprocessor {
	return &composite{stages: pps}
}

type composite struct {
	stages []Postprocessor
}

func (c *composite) Name() string { return "composite" }

func (c *composite) Transform(ev models.ChunkEvent) []models.ChunkEvent {
	events := []models.ChunkEvent{ev}
	for _, pp := range c.stages {
		events = transformAll(pp, events)
		if len(events) == 0 {
			return nil
		}
	}
	return events
}

func (c *composite) Flush() []models.ChunkEvent {
	var out []models.ChunkEvent
	for i, pp := range c.stages {
		flushed := pp.Flush()
		for _, later := range c.stages[i+1:] {
			flushed = transformAll(later, flushed)
		}
		out = append(out, flushed...)
	}
	return out
}

func transformAll(pp Postprocessor, events []models.ChunkEvent) []models.ChunkEvent {
	var out []models.ChunkEvent
	for _, ev := range events {
		out = append(out, pp.Transform(ev)...)
	}
	return out
}

// Chain applies postprocessors to a stream at consumption time. With no
// postprocessors the input stream is returned as-is. Otherwise a single
// goroutine pulls from in, pushes events through the fused stages and emits
// into the returned stream; it closes the output and copies terminal
// metadata when the input closes, and unwinds without leaking when ctx is
// cancelled mid-stream.
func Chain(ctx context.Context, in *ChunkStream, pps ...Postprocessor) *ChunkStream {
	if len(pps) == 0 {
		return in
	}
	pp := Compose(pps...)
	out := New(cap(in.ch))
	go func() {
		defer out.Close()
		for ev := range in.Chan() {
			for _, t := range pp.Transform(ev) {
				if !out.Emit(ctx, t) {
					out.copyMetaFrom(in)
					return
				}
			}
			if ctx.Err() != nil {
				out.copyMetaFrom(in)
				return
			}
		}
		for _, t := range pp.Flush() {
			if !out.Emit(ctx, t) {
				break
			}
		}
		out.copyMetaFrom(in)
	}()
	return out
}
