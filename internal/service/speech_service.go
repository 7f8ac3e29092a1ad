package service

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	stderrors "errors"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/windfall/kaiwa/internal/client"
	"github.com/windfall/kaiwa/internal/errors"
	"github.com/windfall/kaiwa/internal/observe"
	"github.com/windfall/kaiwa/internal/playback"
	"github.com/windfall/kaiwa/pkg/api"
)

// SpeechEngine synthesizes text with a named voice.
type SpeechEngine interface {
	Speech(ctx context.Context, text, voice string) (*api.Audio, error)
}

// SpeechCache is the hot byte cache in front of the engines (Redis).
type SpeechCache interface {
	GetBytes(ctx context.Context, key string) ([]byte, bool, error)
	SetBytes(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// SpeechArchive is the durable object store behind the hot cache (R2, GCS).
// A missing object is reported as client.ErrObjectNotFound.
type SpeechArchive interface {
	Get(ctx context.Context, key string) ([]byte, string, error)
	Put(ctx context.Context, key string, data []byte, contentType string) error
}

const defaultSpeechTimeout = 30 * time.Second

// SpeechOptions configures a SpeechService. Cache and Archive are optional.
type SpeechOptions struct {
	Engines       map[string]SpeechEngine
	DefaultEngine string

	Cache    SpeechCache
	CacheTTL time.Duration
	Archive  SpeechArchive

	// Timeout bounds one shared load across all tiers. Default 30s.
	Timeout time.Duration
	Metrics *observe.Metrics
	Logger  zerolog.Logger
}

// SpeechService serves synthesized speech from the cache tiers, falling back
// to the engine named by the request. Concurrent requests for the same clip
// share one synthesis.
type SpeechService struct {
	opts  SpeechOptions
	group singleflight.Group
	log   zerolog.Logger
}

// NewSpeechService creates a new Speech service.
func NewSpeechService(opts SpeechOptions) *SpeechService {
	return &SpeechService{
		opts: opts,
		log:  opts.Logger,
	}
}

// Synthesize returns audio for the request.
func (s *SpeechService) Synthesize(ctx context.Context, req api.SynthesizeRequest) (*api.Audio, error) {
	text := playback.NormalizeText(req.Text)
	if text == "" {
		return nil, errors.Validation("No text provided")
	}
	engineName := pick(req.Engine, s.opts.DefaultEngine)
	engine, ok := s.opts.Engines[engineName]
	if !ok || engine == nil {
		return nil, errors.Validation("unknown speech engine: " + engineName)
	}

	key := SpeechKey(engineName, req.VoiceName, text)
	// The shared load outlives any one caller; each caller stops waiting
	// when its own ctx ends.
	ch := s.group.DoChan(key, func() (interface{}, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout())
		defer cancel()
		return s.load(loadCtx, key, engine, text, req.VoiceName)
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

func (s *SpeechService) timeout() time.Duration {
	if s.opts.Timeout > 0 {
		return s.opts.Timeout
	}
	return defaultSpeechTimeout
}

func (s *SpeechService) load(ctx context.Context, key string, engine SpeechEngine, text, voice string) (*api.Audio, error) {
	if audio := s.fromCache(ctx, key); audio != nil {
		return audio, nil
	}
	if audio := s.fromArchive(ctx, key); audio != nil {
		s.toCache(ctx, key, audio)
		return audio, nil
	}

	start := time.Now()
	audio, err := engine.Speech(ctx, text, voice)
	s.opts.Metrics.RecordAICall(ctx, "synthesize", start, err)
	if err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("speech synthesis failed")
		return nil, err
	}
	if len(audio.Data) == 0 {
		return nil, errors.New(errors.ErrAIService, "speech engine returned no audio")
	}

	s.toCache(ctx, key, audio)
	if s.opts.Archive != nil {
		if err := s.opts.Archive.Put(ctx, key, audio.Data, audio.ContentType); err != nil {
			s.log.Warn().Err(err).Str("key", key).Msg("failed to archive speech")
		}
	}
	return audio, nil
}

func (s *SpeechService) fromCache(ctx context.Context, key string) *api.Audio {
	if s.opts.Cache == nil {
		return nil
	}
	raw, ok, err := s.opts.Cache.GetBytes(ctx, key)
	if err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("speech cache read failed")
	}
	var audio *api.Audio
	if ok {
		audio = decodeCachedAudio(raw)
	}
	s.opts.Metrics.RecordCache(ctx, "redis", audio != nil)
	return audio
}

func (s *SpeechService) toCache(ctx context.Context, key string, audio *api.Audio) {
	if s.opts.Cache == nil {
		return
	}
	if err := s.opts.Cache.SetBytes(ctx, key, encodeCachedAudio(audio), s.opts.CacheTTL); err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("speech cache write failed")
	}
}

func (s *SpeechService) fromArchive(ctx context.Context, key string) *api.Audio {
	if s.opts.Archive == nil {
		return nil
	}
	data, contentType, err := s.opts.Archive.Get(ctx, key)
	if err != nil && !stderrors.Is(err, client.ErrObjectNotFound) {
		s.log.Warn().Err(err).Str("key", key).Msg("speech archive read failed")
	}
	hit := err == nil && len(data) > 0
	s.opts.Metrics.RecordCache(ctx, "archive", hit)
	if !hit {
		return nil
	}
	return &api.Audio{Data: data, ContentType: contentType}
}

// SpeechKey names a clip in the cache tiers.
func SpeechKey(engine, voice, text string) string {
	sum := sha256.Sum256([]byte(engine + "\x00" + voice + "\x00" + text))
	return "speech/" + engine + "/" + hex.EncodeToString(sum[:])
}

// Cached values are "<content type>\n<audio bytes>".
func encodeCachedAudio(a *api.Audio) []byte {
	out := make([]byte, 0, len(a.ContentType)+1+len(a.Data))
	out = append(out, a.ContentType...)
	out = append(out, '\n')
	return append(out, a.Data...)
}

func decodeCachedAudio(raw []byte) *api.Audio {
	i := bytes.IndexByte(raw, '\n')
	if i < 0 || i == len(raw)-1 {
		return nil
	}
	return &api.Audio{ContentType: string(raw[:i]), Data: raw[i+1:]}
}
