// Package playback owns the single audio output of a session. At most one
// clip is audible at a time, and synthesized clips are cached by engine,
// voice and text.
package playback

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/windfall/kaiwa/pkg/api"
)

// ControlID names the on-screen control a request came from, usually the
// ID of the turn being spoken.
type ControlID string

// ControlState is what a control should show.
type ControlState int

const (
	ControlIdle ControlState = iota
	ControlLoading
	ControlPlaying
)

func (s ControlState) String() string {
	switch s {
	case ControlIdle:
		return "idle"
	case ControlLoading:
		return "loading"
	case ControlPlaying:
		return "playing"
	default:
		return fmt.Sprintf("ControlState(%d)", int(s))
	}
}

// Request asks for text to be spoken.
type Request struct {
	Text    string
	Engine  string
	Voice   string
	Control ControlID
}

// Synthesizer produces audio for a text.
type Synthesizer interface {
	Synthesize(ctx context.Context, req api.SynthesizeRequest) (*api.Audio, error)
}

// Sink plays audio. Start must return once playback has begun; done is
// called when the clip ends on its own.
type Sink interface {
	Start(audio *api.Audio, done func()) (Handle, error)
}

// Handle stops a clip that is playing.
type Handle interface {
	Stop()
}

// Options configures a Channel.
type Options struct {
	// Cache defaults to an unbounded MemoryCache.
	Cache Cache

	// OnControl receives control state changes. It is called with the
	// channel lock held and must not call back into the Channel.
	OnControl func(ControlID, ControlState)

	// SynthTimeout bounds one shared synthesis. Default 30s.
	SynthTimeout time.Duration

	Logger zerolog.Logger
}

type active struct {
	gen     uint64
	key     Key
	control ControlID
	state   ControlState
	handle  Handle
}

// Channel is the shared audio output.
type Channel struct {
	synth     Synthesizer
	sink      Sink
	cache     Cache
	onControl func(ControlID, ControlState)
	timeout   time.Duration
	log       zerolog.Logger

	group singleflight.Group

	mu      sync.Mutex
	gen     uint64
	current *active
}

// New creates a Channel.
func New(synth Synthesizer, sink Sink, opts Options) *Channel {
	if opts.Cache == nil {
		opts.Cache = NewMemoryCache(0)
	}
	if opts.OnControl == nil {
		opts.OnControl = func(ControlID, ControlState) {}
	}
	if opts.SynthTimeout <= 0 {
		opts.SynthTimeout = 30 * time.Second
	}
	return &Channel{
		synth:     synth,
		sink:      sink,
		cache:     opts.Cache,
		onControl: opts.OnControl,
		timeout:   opts.SynthTimeout,
		log:       opts.Logger,
	}
}

// Play speaks the request. Anything already playing or loading is stopped
// first. Repeating the request that is currently playing or loading, from
// the same control, stops it instead. Play returns once playback has begun,
// was toggled off, or was superseded by a later request.
func (c *Channel) Play(ctx context.Context, req Request) error {
	key := KeyFor(req)

	c.mu.Lock()
	if cur := c.current; cur != nil && cur.key == key && cur.control == req.Control {
		c.stopLocked()
		c.mu.Unlock()
		return nil
	}
	c.stopLocked()
	c.gen++
	gen := c.gen
	c.current = &active{gen: gen, key: key, control: req.Control, state: ControlLoading}
	c.onControl(req.Control, ControlLoading)
	c.mu.Unlock()

	audio, err := c.resolve(ctx, key)
	if err != nil {
		c.mu.Lock()
		if c.current != nil && c.current.gen == gen {
			c.current = nil
			c.onControl(req.Control, ControlIdle)
		}
		c.mu.Unlock()
		c.log.Warn().Err(err).Str("engine", key.Engine).Str("voice", key.Voice).Msg("speech synthesis failed")
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current == nil || c.current.gen != gen {
		return nil
	}
	handle, err := c.sink.Start(audio, func() { go c.finished(gen) })
	if err != nil {
		c.current = nil
		c.onControl(req.Control, ControlIdle)
		return fmt.Errorf("start playback: %w", err)
	}
	c.current.handle = handle
	c.current.state = ControlPlaying
	c.onControl(req.Control, ControlPlaying)
	return nil
}

// Stop silences whatever is playing or loading.
func (c *Channel) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked()
}

// Current returns the control that owns the channel and its state.
func (c *Channel) Current() (ControlID, ControlState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return "", ControlIdle
	}
	return c.current.control, c.current.state
}

// resolve returns the cached clip or synthesizes and caches it. Concurrent
// misses for one key share a single synthesis call, which is not tied to
// the ctx of the caller that started it.
func (c *Channel) resolve(ctx context.Context, key Key) (*api.Audio, error) {
	if audio, ok := c.cache.Get(key); ok {
		return audio, nil
	}

	ch := c.group.DoChan(key.String(), func() (interface{}, error) {
		if audio, ok := c.cache.Get(key); ok {
			return audio, nil
		}
		synthCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()
		audio, err := c.synth.Synthesize(synthCtx, api.SynthesizeRequest{
			Text:      key.Text,
			Engine:    key.Engine,
			VoiceName: key.Voice,
		})
		if err != nil {
			return nil, err
		}
		c.cache.Put(key, audio)
		return audio, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*api.Audio), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Channel) finished(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil || c.current.gen != gen {
		return
	}
	control := c.current.control
	c.current = nil
	c.onControl(control, ControlIdle)
}

func (c *Channel) stopLocked() {
	cur := c.current
	if cur == nil {
		return
	}
	c.current = nil
	if cur.handle != nil {
		cur.handle.Stop()
	}
	c.onControl(cur.control, ControlIdle)
}
