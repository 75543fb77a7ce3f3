// Package voice coordinates the transcription, intent, response and
// synthesis stages of a voice-ordering turn.
package voice

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sethvargo/go-retry"

	"github.com/vango-go/vai-order/pkg/core"
	"github.com/vango-go/vai-order/pkg/core/conversation"
	"github.com/vango-go/vai-order/pkg/core/intent"
	"github.com/vango-go/vai-order/pkg/core/quota"
	"github.com/vango-go/vai-order/pkg/core/session"
	"github.com/vango-go/vai-order/pkg/core/voice/stt"
	"github.com/vango-go/vai-order/pkg/core/voice/tempstore"
	"github.com/vango-go/vai-order/pkg/core/voice/tts"
	"github.com/vango-go/vai-order/pkg/metrics"
)

// Pipeline stage names used in logs and metrics.
const (
	StageValidate   = "validate"
	StageTranscribe = "transcribe"
	StageIntent     = "intent"
	StageRespond    = "respond"
	StageRecord     = "record"
	StageSynthesize = "synthesize"
)

// Interaction is one turn submitted to the coordinator. Audio and Text are
// exclusive: ProcessVoiceInteraction reads Audio, ProcessUtterance reads Text.
type Interaction struct {
	SessionID string
	// RequestID makes the turn idempotent; one is generated when empty.
	RequestID string
	Audio     []byte
	Format    string
	Text      string
	Language  string
	// History overrides the conversation context passed to the responder.
	History      []conversation.Turn
	MenuContext  string
	OrderContext string
	// ParentTurnID branches the recorded turn from an earlier turn.
	ParentTurnID int
	Synthesize   bool
}

// Config tunes the coordinator.
type Config struct {
	MinAudioBytes int
	MaxAudioBytes int
	Language      string
	STTModel      string
	TTS           tts.SynthesizeOptions
	// Timeout bounds a whole interaction, queueing included.
	Timeout       time.Duration
	Retries       uint64
	RetryBase     time.Duration
	TTSCacheSize  int
	HistoryWindow int
	Logger        *slog.Logger
	Metrics       *metrics.Metrics
}

func (c Config) withDefaults() Config {
	if c.MinAudioBytes <= 0 {
		c.MinAudioBytes = 64
	}
	if c.MaxAudioBytes <= 0 {
		c.MaxAudioBytes = 10 << 20
	}
	if c.Timeout <= 0 {
		c.Timeout = 60 * time.Second
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 200 * time.Millisecond
	}
	if c.TTSCacheSize <= 0 {
		c.TTSCacheSize = 128
	}
	if c.HistoryWindow <= 0 {
		c.HistoryWindow = 6
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Deps are the coordinator's collaborators. Temp, Limiter and TTS may be nil.
type Deps struct {
	Sessions  *session.Registry
	Processor *intent.Processor
	STT       stt.Provider
	TTS       tts.Provider
	Responder Responder
	Limiter   *quota.Limiter
	Temp      *tempstore.Store
}

// Coordinator runs interactions. Interactions for the same session run one
// at a time in arrival order; different sessions run concurrently.
type Coordinator struct {
	deps    Deps
	cfg     Config
	log     *slog.Logger
	metrics *metrics.Metrics
	gate    *sessionGate
	speech  *speechCache
}

func NewCoordinator(deps Deps, cfg Config) *Coordinator {
	cfg = cfg.withDefaults()
	if deps.Responder == nil {
		deps.Responder = TemplateResponder{}
	}
	return &Coordinator{
		deps:    deps,
		cfg:     cfg,
		log:     cfg.Logger,
		metrics: cfg.Metrics,
		gate:    newSessionGate(),
		speech:  newSpeechCache(cfg.TTSCacheSize),
	}
}

// ProcessVoiceInteraction starts an audio turn and returns its task.
func (c *Coordinator) ProcessVoiceInteraction(ctx context.Context, in Interaction) *Task {
	in.Text = ""
	return c.start(ctx, in, true)
}

// ProcessUtterance starts a text turn, skipping transcription.
func (c *Coordinator) ProcessUtterance(ctx context.Context, in Interaction) *Task {
	in.Audio = nil
	return c.start(ctx, in, false)
}

func (c *Coordinator) start(ctx context.Context, in Interaction, audio bool) *Task {
	if in.RequestID == "" {
		in.RequestID = ulid.Make().String()
	}
	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.Timeout)
	task := newTask(in.RequestID, cancel)
	go func() {
		res := c.run(runCtx, cancel, in, audio)
		task.complete(res)
	}()
	return task
}

func (c *Coordinator) run(ctx context.Context, cancel context.CancelFunc, in Interaction, audio bool) (res Result) {
	res = Result{RequestID: in.RequestID, SessionID: in.SessionID}
	log := c.log.With("session_id", in.SessionID, "request_id", in.RequestID)
	fail := func(stage string, err error) Result {
		res.Success = false
		res.Err = err
		log.Info("interaction failed", "stage", stage, "error", err)
		return res
	}

	if _, err := c.deps.Sessions.Get(in.SessionID); err != nil {
		return fail(StageValidate, err)
	}

	format := in.Format
	if audio {
		began := time.Now()
		f, err := ValidateAudio(in.Audio, in.Format, c.cfg.MinAudioBytes, c.cfg.MaxAudioBytes)
		c.metrics.RecordStage(StageValidate, time.Since(began), err)
		if err != nil {
			return fail(StageValidate, err)
		}
		format = f
		c.metrics.RecordAudio("in", len(in.Audio))
	} else if strings.TrimSpace(in.Text) == "" {
		return fail(StageValidate, core.NewInvalidArgument("text is required", "text"))
	}

	release, err := c.deps.Sessions.Track(in.SessionID, in.RequestID, cancel)
	if err != nil {
		return fail(StageValidate, err)
	}
	defer release()

	unlock, err := c.gate.acquire(ctx, in.SessionID)
	if err != nil {
		return fail(StageValidate, err)
	}
	defer unlock()

	if in.ParentTurnID > 0 {
		if err := c.checkParent(in.SessionID, in.ParentTurnID); err != nil {
			return fail(StageValidate, err)
		}
	}

	text := strings.TrimSpace(in.Text)
	if audio {
		text, err = c.transcribe(ctx, in, format)
		if err != nil {
			return fail(StageTranscribe, err)
		}
		if text == "" {
			return fail(StageTranscribe, core.ErrInvalidAudio.With("no speech detected"))
		}
	}
	res.Transcription = text

	began := time.Now()
	plan, err := c.deps.Processor.Plan(ctx, in.RequestID, text, in.SessionID)
	c.metrics.RecordStage(StageIntent, time.Since(began), err)
	res.Update = plan.Preview
	if err != nil {
		return fail(StageIntent, err)
	}

	// Past this point the turn is decided: a responder cut off by the
	// deadline or a cancel falls back to the template reply, and the order
	// change and the turn are committed together or not at all.
	reply, req := c.respond(ctx, in, text, plan.Preview)

	began = time.Now()
	var turn conversation.Turn
	var appended bool
	branched := in.ParentTurnID > 0
	at := c.deps.Sessions.Config().Now()
	err = c.deps.Sessions.Update(in.SessionID, func(st *session.State) error {
		if turnID, ok := st.AppliedTurn(in.RequestID); ok && turnID > 0 {
			// Already recorded by an earlier delivery of this request.
			turn, _ = st.History.Get(turnID)
			res.Update = plan.Preview
			res.Update.Updated, res.Update.Line, res.Update.Err, res.Update.Duplicate = false, nil, nil, true
			res.Update.Order = st.Order.Clone()
			reply = turn.AIResponse
			return nil
		}
		if branched {
			if _, ok := st.History.Get(in.ParentTurnID); !ok {
				return core.ErrTurnNotFound.With("turn %d not found in session %s", in.ParentTurnID, in.SessionID)
			}
		}
		update, err := plan.Commit(st)
		if err != nil {
			return err
		}
		if !sameOutcome(update, plan.Preview) {
			// The order moved between planning and commit; describe what
			// actually happened.
			req.Update = update
			reply, _ = TemplateResponder{}.Respond(ctx, req)
		}
		if branched {
			// Parent existence was checked above, so this cannot fail.
			turn, _ = st.BranchTurn(in.ParentTurnID, text, reply, at)
		} else {
			turn = st.AppendTurn(text, reply, at)
		}
		st.RecordTurn(in.RequestID, turn.ID)
		appended = true
		res.Update = update
		return nil
	})
	c.metrics.RecordStage(StageRecord, time.Since(began), err)
	if err != nil {
		return fail(StageRecord, err)
	}
	if appended {
		c.metrics.RecordTurn(branched)
	}
	res.AIResponse = reply
	res.Turn = &turn
	res.Success = true

	if in.Synthesize && c.deps.TTS != nil && res.AIResponse != "" {
		syn, err := c.TextToSpeech(ctx, res.AIResponse)
		if err != nil {
			log.Warn("response synthesis failed", "error", err)
			res.AudioErr = err
		} else {
			res.Audio = syn
		}
	}
	log.Debug("interaction complete",
		"action", res.Update.Action,
		"updated", res.Update.Updated,
		"turn_id", turn.ID,
	)
	return res
}

func (c *Coordinator) checkParent(sessionID string, parentID int) error {
	return c.deps.Sessions.Inspect(sessionID, func(s *session.State) error {
		if _, ok := s.History.Get(parentID); !ok {
			return core.ErrTurnNotFound.With("turn %d not found in session %s", parentID, sessionID)
		}
		return nil
	})
}

func (c *Coordinator) transcribe(ctx context.Context, in Interaction, format string) (string, error) {
	began := time.Now()
	var text string
	err := c.stagedAudio(in, format, func(path string) error {
		return c.call(ctx, quota.ProviderTranscription, c.deps.STT.Name(), func(ctx context.Context) error {
			// Reopen per attempt so retries read from the start.
			f, err := openAudio(path, in.Audio)
			if err != nil {
				return err
			}
			defer f.Close()
			opts := stt.TranscribeOptions{
				Model:    c.cfg.STTModel,
				Language: firstNonEmpty(in.Language, c.cfg.Language),
				Format:   format,
			}
			if format == FormatPCM {
				opts.SampleRate = 16000
			}
			tr, err := c.deps.STT.Transcribe(ctx, f, opts)
			if err != nil {
				return err
			}
			text = strings.TrimSpace(tr.Text)
			return nil
		})
	})
	c.metrics.RecordStage(StageTranscribe, time.Since(began), err)
	return text, err
}

// stagedAudio writes the upload to temp storage for the duration of fn.
func (c *Coordinator) stagedAudio(in Interaction, format string, fn func(path string) error) error {
	if c.deps.Temp == nil {
		return fn("")
	}
	path, release, err := c.deps.Temp.Stage(in.RequestID, format, in.Audio)
	if err != nil {
		return fmt.Errorf("stage audio: %w", err)
	}
	defer release()
	return fn(path)
}

func openAudio(path string, data []byte) (io.ReadCloser, error) {
	if path == "" {
		return io.NopCloser(bytes.NewReader(data)), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open staged audio: %w", err)
	}
	return f, nil
}

func (c *Coordinator) respond(ctx context.Context, in Interaction, text string, update intent.OrderUpdateResult) (string, ResponseRequest) {
	history := in.History
	if history == nil {
		history, _ = c.deps.Sessions.History(in.SessionID, c.cfg.HistoryWindow)
	}
	req := ResponseRequest{
		Transcription: text,
		Update:        update,
		History:       history,
		MenuContext:   in.MenuContext,
		OrderContext:  in.OrderContext,
		Language:      firstNonEmpty(in.Language, c.cfg.Language),
	}

	began := time.Now()
	var reply string
	err := c.retry(ctx, "responder", func(ctx context.Context) error {
		var err error
		reply, err = c.deps.Responder.Respond(ctx, req)
		return err
	})
	c.metrics.RecordStage(StageRespond, time.Since(began), err)
	if err == nil && strings.TrimSpace(reply) != "" {
		return strings.TrimSpace(reply), req
	}
	if err != nil {
		c.log.Warn("response generation failed; using template", "session_id", in.SessionID, "error", err)
	}
	reply, _ = TemplateResponder{}.Respond(ctx, req)
	return reply, req
}

// sameOutcome reports whether a committed update matches the planned one
// closely enough for the planned reply to stay accurate.
func sameOutcome(got, planned intent.OrderUpdateResult) bool {
	if got.Updated != planned.Updated || got.Duplicate != planned.Duplicate || (got.Err == nil) != (planned.Err == nil) {
		return false
	}
	if got.Line == nil || planned.Line == nil {
		return got.Line == planned.Line
	}
	return got.Line.Quantity == planned.Line.Quantity && got.Line.MenuItemID == planned.Line.MenuItemID
}

// TextToSpeech synthesizes text with the configured voice. Results are
// cached by exact text and concurrent identical requests share one call.
func (c *Coordinator) TextToSpeech(ctx context.Context, text string) (*tts.Synthesis, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, core.NewInvalidArgument("text is required", "text")
	}
	if c.deps.TTS == nil {
		return nil, core.NewAPIError("speech synthesis is not configured")
	}
	opts := c.cfg.TTS
	key := speechKey(text, opts)
	if syn, ok := c.speech.get(key); ok {
		c.metrics.RecordTTSCache(true)
		return syn, nil
	}
	c.metrics.RecordTTSCache(false)

	began := time.Now()
	syn, err := c.speech.do(ctx, key, func(ctx context.Context) (*tts.Synthesis, error) {
		var out *tts.Synthesis
		err := c.call(ctx, quota.ProviderSynthesis, c.deps.TTS.Name(), func(ctx context.Context) error {
			var err error
			out, err = c.deps.TTS.Synthesize(ctx, text, opts)
			return err
		})
		return out, err
	})
	c.metrics.RecordStage(StageSynthesize, time.Since(began), err)
	if err != nil {
		return nil, err
	}
	c.metrics.RecordAudio("out", len(syn.Audio))
	return syn, nil
}

// call runs fn against an external provider: each attempt passes the quota
// first, and transient failures are retried with backoff.
func (c *Coordinator) call(ctx context.Context, quotaKey, provider string, fn func(context.Context) error) error {
	err := c.retry(ctx, provider, func(ctx context.Context) error {
		if err := c.deps.Limiter.Allow(ctx, quotaKey); err != nil {
			return err
		}
		return fn(ctx)
	})
	if err == nil {
		return nil
	}
	var ce *core.Error
	if errors.As(err, &ce) {
		return err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return core.NewProviderError(provider, err, isTransient(err))
}

func (c *Coordinator) retry(ctx context.Context, provider string, fn func(context.Context) error) error {
	backoff := retry.WithMaxRetries(c.cfg.Retries, retry.NewExponential(c.cfg.RetryBase))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if isTransient(err) && ctx.Err() == nil {
			c.metrics.RecordProviderError(provider, "transient")
			return retry.RetryableError(err)
		}
		c.metrics.RecordProviderError(provider, "permanent")
		return err
	})
}

type transienter interface {
	Transient() bool
}

// isTransient reports whether err is worth retrying. Rate-limit rejections
// are never retried.
func isTransient(err error) bool {
	if err == nil || errors.Is(err, core.ErrRateLimited) || errors.Is(err, context.Canceled) {
		return false
	}
	if core.IsTransient(err) {
		return true
	}
	var te transienter
	if errors.As(err, &te) {
		return te.Transient()
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return false
}

// Queued reports how many interactions wait behind the running one for a session.
func (c *Coordinator) Queued(sessionID string) int {
	return c.gate.waiting(sessionID)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
