// Package source supplies frames and audio frequency bins to a capture
// session.
//
// Adapters report two kinds of per-tick failure. An error carrying
// errors.ErrFrameNotReady means nothing could be captured this tick and
// the caller should try again on the next one. An error carrying
// errors.ErrSourceUnavailable means the device is missing or closed; the
// caller degrades that channel to zero-valued metrics.
package source

import (
	"image"

	"codeberg.org/mutker/labtelemetry/internal/errors"
)

// Video produces the current frame on demand.
type Video interface {
	Frame() (image.Image, error)
	Close() error
}

// Audio produces the current frequency magnitudes on demand. Each bin is
// a byte magnitude in 0..255.
type Audio interface {
	FrequencyBins() ([]uint8, error)
	Close() error
}

// Source is the adapter a session reads from on every tick.
type Source interface {
	Frame() (image.Image, error)
	FrequencyBins() ([]uint8, error)
	Close() error
}

type combined struct {
	video Video
	audio Audio
}

// Combine joins a video and an audio adapter into one Source. Either may
// be nil: a missing video channel reports ErrSourceUnavailable, a missing
// audio channel reports no bins and no error.
func Combine(video Video, audio Audio) Source {
	return &combined{video: video, audio: audio}
}

func (c *combined) Frame() (image.Image, error) {
	if c.video == nil {
		return nil, Unavailable("no video source attached")
	}

	return c.video.Frame()
}

func (c *combined) FrequencyBins() ([]uint8, error) {
	if c.audio == nil {
		return nil, nil
	}

	return c.audio.FrequencyBins()
}

func (c *combined) Close() error {
	var errs []error

	if c.video != nil {
		if err := c.video.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	if c.audio != nil {
		if err := c.audio.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// NotReady reports a transient capture failure.
func NotReady(msg string) error {
	return errors.New().WithMessage(errors.ErrFrameNotReady, msg)
}

// Unavailable reports a missing or closed device.
func Unavailable(msg string) error {
	return errors.New().WithMessage(errors.ErrSourceUnavailable, msg)
}

func IsNotReady(err error) bool {
	return errors.HasCode(err, errors.ErrFrameNotReady)
}

func IsUnavailable(err error) bool {
	return errors.HasCode(err, errors.ErrSourceUnavailable)
}
