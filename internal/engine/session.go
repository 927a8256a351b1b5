// Package engine runs a telemetry capture session.
//
// A Session owns the motion analyzer, the sampling controller and the
// broadcaster. At most one loop runs per Session: Start and StartVirtual
// cancel and join the previous loop before launching a new one. Each tick
// does one frame scan and one audio aggregate, publishes the resulting
// DataPoint and reschedules itself after the interval the controller
// picks.
package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"codeberg.org/mutker/labtelemetry/internal/analyzer"
	"codeberg.org/mutker/labtelemetry/internal/broadcast"
	"codeberg.org/mutker/labtelemetry/internal/errors"
	"codeberg.org/mutker/labtelemetry/internal/logger"
	"codeberg.org/mutker/labtelemetry/internal/sampling"
	"codeberg.org/mutker/labtelemetry/internal/source"
	"codeberg.org/mutker/labtelemetry/internal/synthetic"
	"codeberg.org/mutker/labtelemetry/internal/telemetry"
)

// Mode is what the running loop samples from.
type Mode int

const (
	Stopped Mode = iota
	Capture
	Virtual
)

func (m Mode) String() string {
	switch m {
	case Capture:
		return "capture"
	case Virtual:
		return "virtual"
	default:
		return "stopped"
	}
}

// Stats counts loop activity since the Session was created.
type Stats struct {
	Ticks         uint64
	Emitted       uint64
	Skipped       uint64
	DegradedVideo uint64
	DegradedAudio uint64
	Tier          sampling.Tier
	Mode          Mode
	Subscribers   int
}

type Option func(*Session)

func WithLogger(log logger.Logger) Option {
	return func(s *Session) {
		s.log = log
	}
}

// WithClock replaces time.Now for timestamps and activity tracking.
// Scheduling still uses real timers.
func WithClock(now func() time.Time) Option {
	return func(s *Session) {
		s.now = now
	}
}

type Session struct {
	id  string
	cfg Config
	log logger.Logger
	now func() time.Time

	// Owned by the loop goroutine while it runs.
	motion *analyzer.MotionAnalyzer
	audio  analyzer.AudioAnalyzer

	controller *sampling.Controller
	bus        *broadcast.Broadcaster
	generator  synthetic.Generator

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	src    source.Source
	closed bool

	// mode is read without mu so callbacks may query it while Stop waits.
	mode atomic.Int32

	ticks         atomic.Uint64
	emitted       atomic.Uint64
	skipped       atomic.Uint64
	degradedVideo atomic.Uint64
	degradedAudio atomic.Uint64
}

// New validates cfg and builds an idle Session.
func New(cfg Config, opts ...Option) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Session{
		id:  uuid.NewString(),
		cfg: cfg,
		log: logger.Nop(),
		now: time.Now,
	}

	for _, opt := range opts {
		opt(s)
	}

	s.log = s.log.With("engine")

	var err error
	if s.motion, err = analyzer.NewMotionAnalyzer(cfg.Analyzer); err != nil {
		return nil, err
	}

	if s.controller, err = sampling.NewController(cfg.Sampling, s.now()); err != nil {
		return nil, err
	}

	if s.generator, err = synthetic.New(cfg.Generator); err != nil {
		return nil, err
	}

	s.bus = broadcast.New(s.log.With("broadcast"))

	return s, nil
}

// ID identifies the Session in logs and persisted samples.
func (s *Session) ID() string {
	return s.id
}

// Start begins sampling src. Any running loop is stopped first and its
// source closed. The Session takes ownership of src.
func (s *Session) Start(ctx context.Context, src source.Source) error {
	if src == nil {
		return errors.New().WithMessage(errors.ErrInvalidArgument, "nil source")
	}

	return s.launch(ctx, Capture, src)
}

// StartVirtual begins publishing synthetic DataPoints at the generator
// interval. Any running loop is stopped first.
func (s *Session) StartVirtual(ctx context.Context) error {
	return s.launch(ctx, Virtual, nil)
}

func (s *Session) launch(ctx context.Context, mode Mode, src source.Source) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.New().New(errors.ErrSessionClosed)
	}

	s.stopLocked()

	started := s.now()
	s.motion.Reset()
	s.controller.Reset(started)

	var step func() time.Duration
	switch mode {
	case Capture:
		step = func() time.Duration { return s.tick(src, started) }
	default:
		step = func() time.Duration { return s.virtualTick(started) }
	}

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	s.cancel = cancel
	s.done = done
	s.src = src
	s.mode.Store(int32(mode))

	go run(loopCtx, done, step)

	s.log.Info().
		Str("session", s.id).
		Str("mode", mode.String()).
		Bool("low_power", s.controller.LowPower()).
		Msg("Session started")

	return nil
}

// run calls step immediately and then again after each interval step
// returns, until ctx is cancelled.
func run(ctx context.Context, done chan<- struct{}, step func() time.Duration) {
	defer close(done)

	if ctx.Err() != nil {
		return
	}

	timer := time.NewTimer(step())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			timer.Reset(step())
		}
	}
}

// Stop cancels the loop, waits for an in-flight tick to finish and closes
// the source. It is safe to call repeatedly or before any Start. It must
// not be called from a subscriber callback.
func (s *Session) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopLocked() {
		stats := s.Stats()
		s.log.Info().
			Str("session", s.id).
			Uint64("ticks", stats.Ticks).
			Uint64("emitted", stats.Emitted).
			Uint64("skipped", stats.Skipped).
			Msg("Session stopped")
	}
}

func (s *Session) stopLocked() bool {
	if s.cancel == nil {
		return false
	}

	s.cancel()
	<-s.done

	if s.src != nil {
		if err := s.src.Close(); err != nil {
			s.log.Warn().Err(err).Msg("Failed to close source")
		}
	}

	s.cancel = nil
	s.done = nil
	s.src = nil
	s.mode.Store(int32(Stopped))

	return true
}

// Close stops the Session and drops every subscriber. A closed Session
// cannot be started again.
func (s *Session) Close() {
	s.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	s.bus.Close()
}

// Running reports whether a loop is active.
func (s *Session) Running() bool {
	return Mode(s.mode.Load()) != Stopped
}

func (s *Session) tick(src source.Source, started time.Time) time.Duration {
	now := s.now()
	s.ticks.Add(1)

	var m analyzer.Metrics

	img, err := src.Frame()
	switch {
	case err == nil:
		m = s.motion.Analyze(img)
		if m.Skipped {
			return s.skip("empty frame")
		}
	case source.IsNotReady(err):
		return s.skip(err.Error())
	default:
		s.degradedVideo.Add(1)
		s.log.Debug().Err(err).Msg("Video unavailable, reporting zero motion")
	}

	level := 0
	bins, err := src.FrequencyBins()
	if err != nil {
		s.degradedAudio.Add(1)
		s.log.Debug().Err(err).Msg("Audio unavailable, reporting silence")
	} else {
		level = s.audio.Analyze(bins)
	}

	dp := telemetry.New(telemetry.Reading{
		Elapsed:     now.Sub(started),
		Intensity:   m.Intensity,
		FoamHeight:  m.FoamHeight,
		BubbleCount: m.BubbleCount,
		ColorR:      m.ColorR,
		ColorG:      m.ColorG,
		ColorB:      m.ColorB,
		AudioLevel:  level,
	})

	s.publish(dp)

	d := s.controller.Observe(now, dp.Intensity)
	if d.Changed {
		s.log.Info().
			Str("tier", d.Tier.String()).
			Dur("interval", d.Interval).
			Msg("Sampling tier changed")
	}

	return d.Interval
}

func (s *Session) skip(reason string) time.Duration {
	s.skipped.Add(1)
	s.log.Debug().Str("reason", reason).Msg("Tick skipped")

	return s.controller.Effective()
}

func (s *Session) virtualTick(started time.Time) time.Duration {
	s.ticks.Add(1)
	s.publish(s.generator.Generate(s.now().Sub(started)))

	return s.generator.Interval()
}

func (s *Session) publish(dp telemetry.DataPoint) {
	s.log.Debug().
		Str("time", dp.TimeStr).
		Int("intensity", dp.Intensity).
		Float64("foam_height", dp.FoamHeight).
		Int("bubbles", dp.BubbleCount).
		Int("audio", dp.AudioLevel).
		Msg("DataPoint")

	s.bus.Publish(dp)
	s.emitted.Add(1)
}

// Subscribe registers fn for every DataPoint published from now on.
// Callbacks run on the loop goroutine and must not block or call Stop.
func (s *Session) Subscribe(fn func(telemetry.DataPoint)) (broadcast.Handle, error) {
	return s.bus.Subscribe(fn)
}

func (s *Session) Unsubscribe(h broadcast.Handle) error {
	return s.bus.Unsubscribe(h)
}

// Generate returns the synthetic DataPoint for elapsed without touching
// the loop.
func (s *Session) Generate(elapsed time.Duration) telemetry.DataPoint {
	return s.generator.Generate(elapsed)
}

// SetLowPower switches the low-power cadence on or off. It takes effect
// from the next tick.
func (s *Session) SetLowPower(enabled bool) {
	if s.controller.LowPower() == enabled {
		return
	}

	s.controller.SetLowPower(enabled)
	s.log.Info().Bool("low_power", enabled).Msg("Low-power mode toggled")
}

func (s *Session) LowPower() bool {
	return s.controller.LowPower()
}

func (s *Session) Tier() sampling.Tier {
	return s.controller.Tier()
}

// Interval is the delay before the next capture tick.
func (s *Session) Interval() time.Duration {
	return s.controller.Effective()
}

func (s *Session) Stats() Stats {
	return Stats{
		Ticks:         s.ticks.Load(),
		Emitted:       s.emitted.Load(),
		Skipped:       s.skipped.Load(),
		DegradedVideo: s.degradedVideo.Load(),
		DegradedAudio: s.degradedAudio.Load(),
		Tier:          s.controller.Tier(),
		Mode:          Mode(s.mode.Load()),
		Subscribers:   s.bus.Len(),
	}
}
