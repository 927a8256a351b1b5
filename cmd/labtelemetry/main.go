package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"codeberg.org/mutker/labtelemetry/internal/config"
	"codeberg.org/mutker/labtelemetry/internal/emitter"
	"codeberg.org/mutker/labtelemetry/internal/engine"
	"codeberg.org/mutker/labtelemetry/internal/errors"
	"codeberg.org/mutker/labtelemetry/internal/history"
	"codeberg.org/mutker/labtelemetry/internal/logger"
	"codeberg.org/mutker/labtelemetry/internal/pid"
	"codeberg.org/mutker/labtelemetry/internal/recorder"
	"codeberg.org/mutker/labtelemetry/internal/source"
	"codeberg.org/mutker/labtelemetry/internal/telemetry"
)

const statusInterval = 10 * time.Second

var cfg *config.Config

func setup() {
	var err error
	cfg, err = config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Printf("failed to load config: %v\n", err)
		os.Exit(1)
	}

	level, _ := logger.ParseLevel(string(cfg.LogLevel))
	logger.Init(level, logger.IsService())
	logger.Debug().Str("file", cfg.ConfigFile).Msg("Config loaded")
}

func main() {
	setup()

	if err := pid.Write(""); err != nil {
		var appErr errors.Error
		if errors.As(err, &appErr) {
			logger.FatalWithCode(appErr).Msg("Failed to write PID file")
		}
		logger.Fatal().Err(err).Msg("Failed to write PID file")
	}
	defer func() {
		if err := pid.Remove(""); err != nil {
			logger.Error().Err(err).Msg("Failed to remove PID file")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := run(ctx, cancel); err != nil {
		logger.Error().Err(err).Msg("Error in main loop")
	}

	logger.Info().Msg("Exiting...")
}

func run(ctx context.Context, cancel context.CancelFunc) error {
	log := logger.Default()

	session, err := engine.New(cfg.Engine(), engine.WithLogger(log))
	if err != nil {
		return err
	}
	defer session.Close()

	hist := history.New()
	if _, err := session.Subscribe(hist.Append); err != nil {
		return err
	}

	rec, err := recorder.New(cfg.Recorder, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := rec.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close recorder")
		}
	}()

	if rec.Enabled() {
		if _, err := session.Subscribe(recorder.Sink(ctx, rec, session.ID(), log)); err != nil {
			return err
		}
	}

	mqttEmitter := connectEmitter(ctx, log, session)
	if mqttEmitter != nil {
		defer mqttEmitter.Disconnect()
	}

	// A new recording starts from an empty history.
	hist.Clear()

	if err := start(ctx, session); err != nil {
		return err
	}

	if mqttEmitter != nil {
		if err := mqttEmitter.PublishStatus(session.ID(), "started"); err != nil {
			logger.Warn().Err(err).Msg("Failed to publish session status")
		}
	}

	go handleSignals(cancel, session)

	loop(ctx, session, hist)

	session.Stop()

	if mqttEmitter != nil {
		if err := mqttEmitter.PublishStatus(session.ID(), "stopped"); err != nil {
			logger.Warn().Err(err).Msg("Failed to publish session status")
		}
	}

	if err := rec.Flush(); err != nil {
		logger.Error().Err(err).Msg("Failed to flush recorder")
	}

	cleanup(session, hist)

	return nil
}

func connectEmitter(ctx context.Context, log logger.Logger, session *engine.Session) *emitter.MQTTEmitter {
	if !cfg.MQTT.Enabled {
		return nil
	}

	e, err := emitter.NewMQTTEmitter(cfg.MQTT, log)
	if err != nil {
		logger.Warn().Err(err).Msg("MQTT disabled")
		return nil
	}

	if err := e.Connect(ctx); err != nil {
		logger.Warn().Err(err).Str("broker", cfg.MQTT.Broker).Msg("MQTT unavailable, continuing without it")
		return nil
	}

	if _, err := session.Subscribe(e.Sink(session.ID())); err != nil {
		logger.Warn().Err(err).Msg("Failed to subscribe MQTT emitter")
		e.Disconnect()
		return nil
	}

	return e
}

func start(ctx context.Context, session *engine.Session) error {
	if cfg.Source.Mode == config.ModeVirtual {
		logger.Info().Msg("Virtual mode activated. Generating synthetic telemetry...")
		return session.StartVirtual(ctx)
	}

	src, err := openSource(cfg.Source)
	if err != nil {
		return err
	}

	return session.Start(ctx, src)
}

func openSource(sc config.SourceConfig) (source.Source, error) {
	var (
		video source.Video
		audio source.Audio
	)

	if sc.FramesDir != "" {
		frames, err := source.NewFrameDir(sc.FramesDir, sc.Loop)
		if err != nil {
			return nil, err
		}
		logger.Info().Str("dir", sc.FramesDir).Int("frames", frames.Len()).Msg("Replaying frames")
		video = frames
	}

	if sc.Audio.Path != "" {
		wav, err := source.NewWAV(sc.WAV())
		if err != nil {
			if video != nil {
				video.Close()
			}
			return nil, err
		}
		logger.Info().Str("file", sc.Audio.Path).Dur("duration", wav.Duration()).Msg("Replaying audio")
		audio = wav
	}

	return source.Combine(video, audio), nil
}

func loop(ctx context.Context, session *engine.Session, hist *history.Buffer) {
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			logStatus(session, hist)
		}
	}
}

func handleSignals(cancel context.CancelFunc, session *engine.Session) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1)
	defer signal.Stop(sigs)

	for sig := range sigs {
		if sig == syscall.SIGUSR1 {
			session.SetLowPower(!session.LowPower())
			continue
		}

		logger.Info().Msg("Received termination signal.")
		cancel()

		return
	}
}

func logStatus(session *engine.Session, hist *history.Buffer) {
	stats := session.Stats()
	ev := logger.Info().
		Str("tier", stats.Tier.String()).
		Uint64("emitted", stats.Emitted).
		Uint64("skipped", stats.Skipped).
		Int("history", hist.Len())

	if last, ok := hist.Last(); ok {
		ev = ev.
			Str("time", last.TimeStr).
			Int("intensity", last.Intensity).
			Float64("foam_height", last.FoamHeight).
			Int("audio", last.AudioLevel)
	}

	ev.Msg("")
}

func cleanup(session *engine.Session, hist *history.Buffer) {
	view := hist.View(cfg.Display.Budget)
	s := summarize(hist.Snapshot())

	logger.Info().
		Str("session", session.ID()).
		Int("points", s.Points).
		Int("chart_points", len(view)).
		Str("duration", s.Duration).
		Int("peak_intensity", s.PeakIntensity).
		Str("peak_at", s.PeakAt).
		Float64("max_foam_height", s.MaxFoamHeight).
		Int("max_bubbles", s.MaxBubbles).
		Msg("Recording summary")

	for _, dp := range view {
		logger.Debug().
			Str("time", dp.TimeStr).
			Int("intensity", dp.Intensity).
			Float64("foam_height", dp.FoamHeight).
			Int("bubbles", dp.BubbleCount).
			Int("audio", dp.AudioLevel).
			Msg("Chart point")
	}

	if cfg.Export == "" {
		return
	}

	if err := hist.ExportCSV(cfg.Export); err != nil {
		logger.Error().Err(err).Str("path", cfg.Export).Msg("Failed to export CSV")
		return
	}

	logger.Info().Str("path", cfg.Export).Int("rows", s.Points).Msg("CSV exported")
}

type summary struct {
	Points        int
	Duration      string
	PeakIntensity int
	PeakAt        string
	MaxFoamHeight float64
	MaxBubbles    int
}

func summarize(points []telemetry.DataPoint) summary {
	s := summary{Points: len(points), Duration: telemetry.FormatElapsed(0), PeakAt: telemetry.FormatElapsed(0)}
	if len(points) == 0 {
		return s
	}

	s.Duration = points[len(points)-1].TimeStr
	for i, dp := range points {
		if i == 0 || dp.Intensity > s.PeakIntensity {
			s.PeakIntensity = dp.Intensity
			s.PeakAt = dp.TimeStr
		}
		s.MaxFoamHeight = max(s.MaxFoamHeight, dp.FoamHeight)
		s.MaxBubbles = max(s.MaxBubbles, dp.BubbleCount)
	}

	return s
}
