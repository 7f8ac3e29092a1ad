package recognition

import (
	"context"
	"sync"
)

// Feed is a Capture driven by pushed segments, for hosts where recognition
// happens elsewhere (a browser on the other end of a socket, typed input).
// Pushed segments are never dropped: they are queued and delivered in order
// until the feed ends.
type Feed struct {
	id     uint64
	out    chan Segment
	onStop func()

	mu    sync.Mutex
	cond  *sync.Cond
	queue []Segment
	ended bool
	err   error
}

// NewFeed creates a running feed. onStop is called when the consumer asks
// for a graceful stop; the producer then pushes its last results and calls
// End. A nil onStop ends the feed right away.
func NewFeed(onStop func()) *Feed {
	f := &Feed{out: make(chan Segment), onStop: onStop}
	f.cond = sync.NewCond(&f.mu)
	go f.run()
	return f
}

// Push queues a segment. It reports false once the feed has ended.
func (f *Feed) Push(seg Segment) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ended {
		return false
	}
	f.queue = append(f.queue, seg)
	f.cond.Signal()
	return true
}

// End finishes the feed after the queued segments are delivered. A non-nil
// err marks the capture as failed.
func (f *Feed) End(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ended {
		return
	}
	f.ended = true
	f.err = err
	f.cond.Signal()
}

// ID identifies the feed among those opened by one FeedSource. Feeds
// created with NewFeed have ID 0.
func (f *Feed) ID() uint64 { return f.id }

// Results implements Capture.
func (f *Feed) Results() <-chan Segment { return f.out }

// Err implements Capture.
func (f *Feed) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// Stop implements Capture.
func (f *Feed) Stop() {
	if f.onStop != nil {
		f.onStop()
		return
	}
	f.End(nil)
}

// Abort implements Capture. Queued segments are discarded.
func (f *Feed) Abort() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ended {
		return
	}
	f.ended = true
	f.err = context.Canceled
	f.queue = nil
	f.cond.Signal()
}

func (f *Feed) run() {
	defer close(f.out)
	for {
		f.mu.Lock()
		for len(f.queue) == 0 && !f.ended {
			f.cond.Wait()
		}
		if len(f.queue) == 0 {
			f.mu.Unlock()
			return
		}
		seg := f.queue[0]
		f.queue = f.queue[1:]
		f.mu.Unlock()

		f.out <- seg
	}
}

// FeedSource is a Source whose captures are Feeds. Each opened feed gets
// the next ID, starting at 1. The producer reaches the running feed through
// Current, or through Lookup when it tags its results with the ID it was
// given, so that results from a replaced capture cannot leak into the next.
type FeedSource struct {
	supported bool
	onOpen    func(id uint64)
	onStop    func(id uint64)

	mu      sync.Mutex
	next    uint64
	current *Feed
}

// NewFeedSource creates a source. onOpen runs with the feed ID when a
// capture starts and onStop when a graceful stop is requested; either may
// be nil.
func NewFeedSource(supported bool, onOpen, onStop func(id uint64)) *FeedSource {
	return &FeedSource{supported: supported, onOpen: onOpen, onStop: onStop}
}

// Supported implements Source.
func (s *FeedSource) Supported() bool { return s.supported }

// Open implements Source.
func (s *FeedSource) Open(ctx context.Context) (Capture, error) {
	if !s.supported {
		return nil, ErrUnsupported
	}
	s.mu.Lock()
	s.next++
	id := s.next
	var stop func()
	if s.onStop != nil {
		stop = func() { s.onStop(id) }
	}
	f := NewFeed(stop)
	f.id = id
	if s.current != nil {
		s.current.Abort()
	}
	s.current = f
	s.mu.Unlock()

	if s.onOpen != nil {
		s.onOpen(id)
	}
	return f, nil
}

// Lookup returns the current feed if its ID is id, or nil when that
// capture has been replaced.
func (s *FeedSource) Lookup(id uint64) *Feed {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil || s.current.id != id {
		return nil
	}
	return s.current
}

// Current returns the most recently opened feed, or nil.
func (s *FeedSource) Current() *Feed {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}
