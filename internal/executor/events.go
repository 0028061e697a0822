package executor

import (
	"sync"

	"github.com/buckos/buckos/internal/atom"
)

// EventKind enumerates the progress event stream spec §4.5 names: "Planned,
// FetchStarted/Progress{pct}/Completed, BuildStarted/Stage{s}/Completed,
// MergeCompleted, Failed{pkg, error}".
type EventKind int

const (
	Planned EventKind = iota
	FetchStarted
	FetchProgress
	FetchCompleted
	BuildStarted
	BuildStage
	BuildCompleted
	MergeCompleted
	RemoveCompleted
	Failed
)

func (k EventKind) String() string {
	switch k {
	case Planned:
		return "Planned"
	case FetchStarted:
		return "FetchStarted"
	case FetchProgress:
		return "FetchProgress"
	case FetchCompleted:
		return "FetchCompleted"
	case BuildStarted:
		return "BuildStarted"
	case BuildStage:
		return "BuildStage"
	case BuildCompleted:
		return "BuildCompleted"
	case MergeCompleted:
		return "MergeCompleted"
	case RemoveCompleted:
		return "RemoveCompleted"
	case Failed:
		return "Failed"
	default:
		return "?"
	}
}

// Event is one entry of the outgoing progress stream (spec §4.5, §6).
type Event struct {
	Kind    EventKind
	Pkg     atom.PackageID
	Percent int    // FetchProgress only
	Stage   string // BuildStage only
	Err     error  // Failed only
}

// Stream is the executor's progress event sink. Per spec §5 ("no unbounded
// queues... producers drop-or-coalesce on overflow, never block
// transaction steps") and §4.5 ("consumers must handle backpressure
// (drop-to-latest per pkg semantics allowed)"), Emit never blocks.
// FetchProgress/BuildStage events never go to the channel: they are kept in
// a buffer read by Drain, where a new one for a package replaces that
// package's last still-undrained progress event. Every other event goes to
// the channel when it has room and to the same buffer when it is full; those
// are never coalesced away -- only the continuous progress updates within a
// phase are droppable.
type Stream struct {
	ch chan Event

	mu      sync.Mutex
	pending map[atom.PackageID]int // index into buf of this pkg's latest droppable event, if still queued
	buf     []Event
}

// NewStream returns a Stream whose channel has capacity cap. A Stream with
// cap 0 still never blocks Emit: a non-progress event reaches the channel
// only when a receiver is already waiting on it, and otherwise goes to the
// Drain buffer like every progress event.
func NewStream(capacity int) *Stream {
	return &Stream{
		ch:      make(chan Event, capacity),
		pending: make(map[atom.PackageID]int),
	}
}

// Events returns the channel consumers range over. FetchProgress and
// BuildStage events never reach it; they are delivered only through Drain.
// Other events reach it when it has room and go to the Drain buffer when it
// is full. No order is kept between the channel and the Drain buffer, and a
// coalesced progress event keeps the buffer position of the event it
// replaced.
func (s *Stream) Events() <-chan Event { return s.ch }

func droppable(k EventKind) bool { return k == FetchProgress || k == BuildStage }

// Emit records an event, never blocking the caller. Non-droppable events
// are sent with a non-blocking channel write, falling back to an in-memory
// coalescing buffer (drained via Drain) only if the channel is momentarily
// full; droppable events always go straight to the coalescing buffer,
// replacing any earlier still-undelivered progress update for the same
// package.
func (s *Stream) Emit(e Event) {
	if !droppable(e.Kind) {
		select {
		case s.ch <- e:
			return
		default:
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if droppable(e.Kind) {
		if idx, ok := s.pending[e.Pkg]; ok {
			s.buf[idx] = e
			return
		}
	}
	s.buf = append(s.buf, e)
	if droppable(e.Kind) {
		s.pending[e.Pkg] = len(s.buf) - 1
	}
}

// Drain returns and clears every event accumulated in the coalescing
// buffer since the last Drain call, for a consumer that prefers polling
// over ranging on Events().
func (s *Stream) Drain() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.buf
	s.buf = nil
	s.pending = make(map[atom.PackageID]int)
	return out
}

// Close closes the underlying channel. Callers must stop calling Emit
// before Close.
func (s *Stream) Close() { close(s.ch) }
