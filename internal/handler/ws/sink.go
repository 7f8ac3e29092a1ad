package ws

import (
	"sync"

	"github.com/google/uuid"

	"github.com/windfall/kaiwa/internal/playback"
	"github.com/windfall/kaiwa/pkg/api"
)

// socketSink plays clips by sending them to the browser. A clip ends when
// the browser reports audio_ended for it or when it is stopped.
type socketSink struct {
	send Sender

	mu      sync.Mutex
	playing map[string]func()
}

func newSocketSink(send Sender) *socketSink {
	return &socketSink{send: send, playing: make(map[string]func())}
}

func (s *socketSink) Start(audio *api.Audio, done func()) (playback.Handle, error) {
	clip := uuid.NewString()

	s.mu.Lock()
	s.playing[clip] = done
	s.mu.Unlock()

	s.send(Response{Type: TypeAudio, Payload: audioView{
		ClipID:      clip,
		ContentType: audio.ContentType,
		Data:        audio.Data,
	}})
	return &socketClip{sink: s, id: clip}, nil
}

// ended reports natural completion. Unknown or stopped clips are ignored.
func (s *socketSink) ended(clip string) {
	s.mu.Lock()
	done, ok := s.playing[clip]
	delete(s.playing, clip)
	s.mu.Unlock()

	if ok {
		done()
	}
}

type socketClip struct {
	sink *socketSink
	id   string
}

func (c *socketClip) Stop() {
	c.sink.mu.Lock()
	_, ok := c.sink.playing[c.id]
	delete(c.sink.playing, c.id)
	c.sink.mu.Unlock()

	if ok {
		c.sink.send(Response{Type: TypeAudioStop, Payload: audioEndedPayload{ClipID: c.id}})
	}
}
