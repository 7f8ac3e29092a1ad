// Package recognition turns a continuous speech-capture stream into interim
// text updates and exactly one final utterance per recording.
package recognition

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// ErrUnsupported reports that the host cannot capture speech at all.
var ErrUnsupported = errors.New("recognition: speech capture is not supported")

// Segment is one result from the capture stream. A later segment with the
// same Index replaces an earlier one; Final marks it as settled.
type Segment struct {
	Index int
	Text  string
	Final bool
}

// Capture is one running capture session.
type Capture interface {
	// Results is closed when the capture ends.
	Results() <-chan Segment
	// Err reports why the capture ended. Valid once Results is closed.
	Err() error
	// Stop asks the capture to flush pending results and end.
	Stop()
	// Abort ends the capture immediately.
	Abort()
}

// Source opens capture sessions.
type Source interface {
	Supported() bool
	Open(ctx context.Context) (Capture, error)
}

// RecordingID identifies one recording of an Adapter. Zero means none.
type RecordingID uint64

// EventKind distinguishes adapter events.
type EventKind int

const (
	EventInterim EventKind = iota + 1
	EventFinal
	EventFailed
)

func (k EventKind) String() string {
	switch k {
	case EventInterim:
		return "interim"
	case EventFinal:
		return "final"
	case EventFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Event is emitted on Adapter.Events.
type Event struct {
	Recording RecordingID
	Kind      EventKind
	Text      string
	Err       error
}

// State is the adapter state.
type State int

const (
	StateIdle State = iota
	StateRecording
)

type recording struct {
	id        RecordingID
	capture   Capture
	cancelled bool
	done      chan struct{}
}

// Adapter wraps a Source. It emits interim events while a recording runs and
// one final event when it ends, unless the recording was cancelled.
type Adapter struct {
	src Source
	log zerolog.Logger

	events chan Event

	mu       sync.Mutex
	disabled bool
	current  *recording
	lastID   RecordingID
}

// NewAdapter creates an adapter over src.
func NewAdapter(src Source, log zerolog.Logger) *Adapter {
	a := &Adapter{
		src:    src,
		log:    log,
		events: make(chan Event, 64),
	}
	if src == nil || !src.Supported() {
		a.disabled = true
	}
	return a
}

// Events returns the channel carrying events of every recording.
func (a *Adapter) Events() <-chan Event {
	return a.events
}

// Disabled reports whether capture is permanently unavailable.
func (a *Adapter) Disabled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.disabled
}

// State returns the current adapter state.
func (a *Adapter) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current != nil {
		return StateRecording
	}
	return StateIdle
}

// Start begins a recording. Starting while already recording is a no-op
// that returns the running recording's ID.
func (a *Adapter) Start(ctx context.Context) (RecordingID, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.disabled {
		return 0, ErrUnsupported
	}
	if a.current != nil {
		return a.current.id, nil
	}

	capture, err := a.src.Open(ctx)
	if err != nil {
		if errors.Is(err, ErrUnsupported) {
			a.disabled = true
		}
		return 0, err
	}

	a.lastID++
	rec := &recording{id: a.lastID, capture: capture, done: make(chan struct{})}
	a.current = rec

	go a.pump(ctx, rec)
	go func() {
		select {
		case <-ctx.Done():
			a.cancel(rec)
		case <-rec.done:
		}
	}()

	a.log.Debug().Uint64("recording", uint64(rec.id)).Msg("recording started")
	return rec.id, nil
}

// Stop ends the current recording gracefully. The final event follows once
// the capture has flushed its results.
func (a *Adapter) Stop() {
	a.mu.Lock()
	rec := a.current
	a.mu.Unlock()

	if rec != nil {
		rec.capture.Stop()
	}
}

// Cancel aborts the current recording and suppresses its final event. An
// interim event already handed to the channel may still be read, so
// consumers match events against the recording they are waiting for.
func (a *Adapter) Cancel() {
	a.mu.Lock()
	rec := a.current
	a.mu.Unlock()

	if rec != nil {
		a.cancel(rec)
	}
}

func (a *Adapter) cancel(rec *recording) {
	a.mu.Lock()
	if rec.cancelled {
		a.mu.Unlock()
		return
	}
	rec.cancelled = true
	if a.current == rec {
		a.current = nil
	}
	a.mu.Unlock()

	rec.capture.Abort()
	a.log.Debug().Uint64("recording", uint64(rec.id)).Msg("recording cancelled")
}

// pump drains one capture until its results channel closes.
func (a *Adapter) pump(ctx context.Context, rec *recording) {
	defer close(rec.done)

	var (
		order []int
		segs  = make(map[int]Segment)
	)

	for seg := range rec.capture.Results() {
		if _, seen := segs[seg.Index]; !seen {
			order = append(order, seg.Index)
		}
		segs[seg.Index] = seg
		a.emit(ctx, rec, Event{Recording: rec.id, Kind: EventInterim, Text: joinSegments(order, segs)})
	}

	a.mu.Lock()
	if a.current == rec {
		a.current = nil
	}
	a.mu.Unlock()

	if err := rec.capture.Err(); err != nil {
		a.log.Warn().Err(err).Uint64("recording", uint64(rec.id)).Msg("capture failed")
		a.emit(ctx, rec, Event{Recording: rec.id, Kind: EventFailed, Err: err})
		return
	}

	// Segments still marked non-final when the stream closed are the last
	// hypothesis for that position and are kept.
	a.emit(ctx, rec, Event{Recording: rec.id, Kind: EventFinal, Text: joinSegments(order, segs)})
}

func (a *Adapter) emit(ctx context.Context, rec *recording, ev Event) {
	a.mu.Lock()
	cancelled := rec.cancelled
	a.mu.Unlock()
	if cancelled {
		return
	}

	select {
	case a.events <- ev:
	case <-ctx.Done():
	}
}

func joinSegments(order []int, segs map[int]Segment) string {
	var b strings.Builder
	for _, idx := range order {
		b.WriteString(segs[idx].Text)
	}
	return b.String()
}
