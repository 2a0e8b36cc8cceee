// Package tts turns rendered prompt text into 8 kHz µ-law audio and caches
// the result so repeated offers for the same shift never re-synthesize.
package tts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/polly"
	pollytypes "github.com/aws/aws-sdk-go-v2/service/polly/types"
	gocache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/shiftfill/escalation-engine/internal/audio"
	"github.com/shiftfill/escalation-engine/pkg/logging"
)

var ttsTracer = otel.Tracer("escalation.internal.tts")

// ErrPromptNotFound indicates no cached audio exists for a prompt ID.
var ErrPromptNotFound = errors.New("tts: prompt not found")

// SynthesizeAPI is the subset of the Polly client used by Synthesizer.
type SynthesizeAPI interface {
	SynthesizeSpeech(ctx context.Context, params *polly.SynthesizeSpeechInput, optFns ...func(*polly.Options)) (*polly.SynthesizeSpeechOutput, error)
}

// Config tunes the synthesizer.
type Config struct {
	// Voice is the Polly voice ID used when a provider has none configured.
	Voice string
	// Engine selects standard or neural synthesis.
	Engine string
	// Timeout bounds one synthesis request.
	Timeout time.Duration
	// CacheTTL is how long rendered audio stays in Redis.
	CacheTTL time.Duration
	Logger   *logging.Logger
}

// Synthesizer produces µ-law prompt audio with a two-level cache: an
// in-process hot layer and Redis so any instance can serve a prompt that
// another instance prepared.
type Synthesizer struct {
	client SynthesizeAPI
	rdb    *redis.Client
	hot    *gocache.Cache
	voice  string
	engine string

	timeout  time.Duration
	cacheTTL time.Duration
	logger   *logging.Logger
}

// NewSynthesizer creates a Synthesizer. Panics if client or rdb is nil.
func NewSynthesizer(client SynthesizeAPI, rdb *redis.Client, cfg Config) *Synthesizer {
	if client == nil {
		panic("tts: nil polly client")
	}
	if rdb == nil {
		panic("tts: nil redis client")
	}
	if strings.TrimSpace(cfg.Voice) == "" {
		cfg.Voice = "Olivia"
	}
	if strings.TrimSpace(cfg.Engine) == "" {
		cfg.Engine = "neural"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 24 * time.Hour
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	return &Synthesizer{
		client:   client,
		rdb:      rdb,
		hot:      gocache.New(10*time.Minute, 30*time.Minute),
		voice:    cfg.Voice,
		engine:   cfg.Engine,
		timeout:  cfg.Timeout,
		cacheTTL: cfg.CacheTTL,
		logger:   logger,
	}
}

// PromptID derives the deterministic cache key for one rendered prompt.
// Two offers with the same template, variables, and voice share audio.
func PromptID(templateID, variableDigest, voice string) string {
	sum := sha256.Sum256([]byte(templateID + "\x00" + variableDigest + "\x00" + voice))
	return hex.EncodeToString(sum[:16])
}

// Voice returns the voice used when the provider configures none.
func (s *Synthesizer) Voice() string {
	return s.voice
}

func promptKey(promptID string) string {
	return "tts:" + promptID
}

// Prepare synthesizes text under the given prompt ID unless cached audio
// already exists. Voice may be empty to use the default.
func (s *Synthesizer) Prepare(ctx context.Context, promptID, text, voice string) error {
	if _, err := s.Audio(ctx, promptID); err == nil {
		return nil
	} else if !errors.Is(err, ErrPromptNotFound) {
		return err
	}

	ulaw, err := s.Synthesize(ctx, text, voice)
	if err != nil {
		return err
	}
	if err := s.rdb.Set(ctx, promptKey(promptID), ulaw, s.cacheTTL).Err(); err != nil {
		return fmt.Errorf("tts: cache prompt %s: %w", promptID, err)
	}
	s.hot.Set(promptID, ulaw, gocache.DefaultExpiration)
	return nil
}

// Audio returns cached µ-law audio for a prompt ID, checking the hot layer
// before Redis. Returns ErrPromptNotFound when nothing is cached.
func (s *Synthesizer) Audio(ctx context.Context, promptID string) ([]byte, error) {
	if cached, ok := s.hot.Get(promptID); ok {
		return cached.([]byte), nil
	}
	data, err := s.rdb.Get(ctx, promptKey(promptID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrPromptNotFound, promptID)
	}
	if err != nil {
		return nil, fmt.Errorf("tts: read prompt %s: %w", promptID, err)
	}
	s.hot.Set(promptID, data, gocache.DefaultExpiration)
	return data, nil
}

// Synthesize converts text to 8 kHz µ-law without touching the cache. One
// transient failure is retried before giving up.
func (s *Synthesizer) Synthesize(ctx context.Context, text, voice string) ([]byte, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("tts: empty text")
	}
	if strings.TrimSpace(voice) == "" {
		voice = s.voice
	}

	ctx, span := ttsTracer.Start(ctx, "tts.synthesize")
	defer span.End()
	span.SetAttributes(
		attribute.String("escalation.tts.voice", voice),
		attribute.Int("escalation.tts.chars", len(text)),
	)

	engine := pollytypes.EngineStandard
	if strings.EqualFold(s.engine, "neural") {
		engine = pollytypes.EngineNeural
	}
	input := &polly.SynthesizeSpeechInput{
		Engine:       engine,
		OutputFormat: pollytypes.OutputFormatPcm,
		SampleRate:   aws.String("8000"),
		Text:         aws.String(text),
		TextType:     pollytypes.TextTypeText,
		VoiceId:      pollytypes.VoiceId(voice),
	}

	var lastErr error
	for attempt := 1; attempt <= 2; attempt++ {
		pcm, err := s.synthesizeOnce(ctx, input)
		if err == nil {
			return audio.EncodeULawPCM16LE(pcm), nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		s.logger.Warn("synthesis attempt failed", "attempt", attempt, "error", err)
	}
	span.RecordError(lastErr)
	return nil, lastErr
}

func (s *Synthesizer) synthesizeOnce(ctx context.Context, input *polly.SynthesizeSpeechInput) ([]byte, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	out, err := s.client.SynthesizeSpeech(callCtx, input)
	if err != nil {
		return nil, fmt.Errorf("tts: synthesize speech: %w", err)
	}
	if out == nil || out.AudioStream == nil {
		return nil, fmt.Errorf("tts: empty audio stream")
	}
	defer out.AudioStream.Close()
	pcm, err := io.ReadAll(out.AudioStream)
	if err != nil {
		return nil, fmt.Errorf("tts: read audio stream: %w", err)
	}
	return pcm, nil
}
