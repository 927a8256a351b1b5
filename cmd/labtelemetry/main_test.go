package main

import (
	"image"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codeberg.org/mutker/labtelemetry/internal/config"
	"codeberg.org/mutker/labtelemetry/internal/source"
	"codeberg.org/mutker/labtelemetry/internal/telemetry"
)

func TestSummarize(t *testing.T) {
	s := summarize(nil)
	assert.Zero(t, s.Points)
	assert.Equal(t, "00:00", s.Duration)

	points := []telemetry.DataPoint{
		telemetry.New(telemetry.Reading{Elapsed: 0, Intensity: 10, FoamHeight: 1, BubbleCount: 3}),
		telemetry.New(telemetry.Reading{Elapsed: 15 * time.Second, Intensity: 90, FoamHeight: 4.2, BubbleCount: 70}),
		telemetry.New(telemetry.Reading{Elapsed: 75 * time.Second, Intensity: 90, FoamHeight: 2, BubbleCount: 5}),
	}

	s = summarize(points)
	assert.Equal(t, 3, s.Points)
	assert.Equal(t, "01:15", s.Duration)
	assert.Equal(t, 90, s.PeakIntensity)
	assert.Equal(t, "00:15", s.PeakAt)
	assert.InDelta(t, 4.2, s.MaxFoamHeight, 1e-9)
	assert.Equal(t, 70, s.MaxBubbles)
}

func TestOpenSourceFramesOnly(t *testing.T) {
	dir := t.TempDir()
	fh, err := os.Create(filepath.Join(dir, "0001.png"))
	require.NoError(t, err)
	require.NoError(t, png.Encode(fh, image.NewRGBA(image.Rect(0, 0, 4, 4))))
	require.NoError(t, fh.Close())

	src, err := openSource(config.SourceConfig{FramesDir: dir, Audio: source.DefaultWAVConfig()})
	require.NoError(t, err)
	defer src.Close()

	_, err = src.Frame()
	assert.NoError(t, err)

	bins, err := src.FrequencyBins()
	assert.NoError(t, err)
	assert.Empty(t, bins)
}

func TestOpenSourceLoopAppliesToFrames(t *testing.T) {
	dir := t.TempDir()
	fh, err := os.Create(filepath.Join(dir, "0001.png"))
	require.NoError(t, err)
	require.NoError(t, png.Encode(fh, image.NewRGBA(image.Rect(0, 0, 4, 4))))
	require.NoError(t, fh.Close())

	for _, loop := range []bool{false, true} {
		src, err := openSource(config.SourceConfig{FramesDir: dir, Loop: loop, Audio: source.DefaultWAVConfig()})
		require.NoError(t, err)

		_, err = src.Frame()
		require.NoError(t, err)

		_, err = src.Frame()
		if loop {
			assert.NoError(t, err)
		} else {
			assert.True(t, source.IsUnavailable(err), "got %v", err)
		}
		require.NoError(t, src.Close())
	}
}

func TestOpenSourceMissingInputs(t *testing.T) {
	_, err := openSource(config.SourceConfig{FramesDir: filepath.Join(t.TempDir(), "missing")})
	assert.True(t, source.IsUnavailable(err))

	audio := source.DefaultWAVConfig()
	audio.Path = filepath.Join(t.TempDir(), "missing.wav")
	_, err = openSource(config.SourceConfig{Audio: audio})
	assert.True(t, source.IsUnavailable(err))
}
