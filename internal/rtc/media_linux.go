//go:build linux && cgo

package rtc

import (
	"context"
	"fmt"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	_ "github.com/pion/mediadevices/pkg/driver/screen"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// newMediaComponents wires the VP8+Opus codec selector shared by the media
// engine and the device capture path (V4L2 + malgo on Linux).
func newMediaComponents(logger *zap.Logger) (func() (*webrtc.MediaEngine, error), Capture) {
	capture := &linuxCapture{logger: logger}
	engineFn := func() (*webrtc.MediaEngine, error) {
		selector, err := capture.selector()
		if err != nil {
			return nil, err
		}
		engine := &webrtc.MediaEngine{}
		selector.Populate(engine)
		return engine, nil
	}
	return engineFn, capture
}

type linuxCapture struct {
	logger *zap.Logger
}

func (c *linuxCapture) selector() (*mediadevices.CodecSelector, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("vp8 params: %w", err)
	}
	vpxParams.BitRate = 1_500_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}

	return mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	), nil
}

// videoConstraint excludes MJPEG camera nodes, whose malformed frames can
// poison the VP8 encoder, and caps resolution to keep encode latency low.
func videoConstraint(mc *mediadevices.MediaTrackConstraints) {
	mc.FrameFormat = prop.FrameFormatOneOf{
		frame.FormatYUYV,
		frame.FormatI420,
		frame.FormatI444,
		frame.FormatRGBA,
	}
	mc.Width = prop.IntRanged{Max: 640}
	mc.Height = prop.IntRanged{Max: 480}
}

func (c *linuxCapture) Acquire(_ context.Context, kind CallKind) ([]LocalTrack, func(), error) {
	selector, err := c.selector()
	if err != nil {
		return nil, nil, err
	}

	// GetUserMedia fails as a unit if either device cannot be opened, so a
	// busy microphone would otherwise also lose the camera. Fall back through
	// weaker attempts and let the offer carry whatever capture succeeded.
	type attempt struct {
		video bool
		audio bool
		label string
	}
	attempts := []attempt{{false, true, "audio-only"}}
	if kind == CallVideo {
		attempts = []attempt{
			{true, true, "video+audio"},
			{true, false, "video-only"},
			{false, true, "audio-only"},
		}
	}

	var lastErr error
	for _, a := range attempts {
		constraints := mediadevices.MediaStreamConstraints{Codec: selector}
		if a.video {
			constraints.Video = videoConstraint
		}
		if a.audio {
			constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
		}

		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			c.logger.Warn("media capture attempt failed",
				zap.String("attempt", a.label), zap.Error(err))
			lastErr = err
			continue
		}

		tracks := stream.GetTracks()
		out := make([]LocalTrack, 0, len(tracks))
		for _, track := range tracks {
			kind := TrackAudio
			if track.Kind() == webrtc.RTPCodecTypeVideo {
				kind = TrackVideo
			}
			out = append(out, LocalTrack{Kind: kind, Source: track})
		}
		release := func() {
			for _, t := range tracks {
				t.Close()
			}
		}
		c.logger.Info("local media captured",
			zap.String("attempt", a.label), zap.Int("tracks", len(tracks)))
		return out, release, nil
	}

	if lastErr == nil {
		lastErr = ErrDeviceNotFound
	}
	return nil, nil, fmt.Errorf("capture %s: %w", kind, lastErr)
}

func (c *linuxCapture) AcquireCamera(_ context.Context) (LocalTrack, func(), error) {
	return c.acquireVideo(func(constraints *mediadevices.MediaStreamConstraints) {
		constraints.Video = videoConstraint
	}, mediadevices.GetUserMedia, "camera")
}

func (c *linuxCapture) AcquireDisplay(_ context.Context) (LocalTrack, func(), error) {
	return c.acquireVideo(func(constraints *mediadevices.MediaStreamConstraints) {
		constraints.Video = func(_ *mediadevices.MediaTrackConstraints) {}
	}, mediadevices.GetDisplayMedia, "display")
}

func (c *linuxCapture) acquireVideo(
	configure func(*mediadevices.MediaStreamConstraints),
	open func(mediadevices.MediaStreamConstraints) (mediadevices.MediaStream, error),
	label string,
) (LocalTrack, func(), error) {
	selector, err := c.selector()
	if err != nil {
		return LocalTrack{}, nil, err
	}
	constraints := mediadevices.MediaStreamConstraints{Codec: selector}
	configure(&constraints)

	stream, err := open(constraints)
	if err != nil {
		return LocalTrack{}, nil, fmt.Errorf("open %s: %w", label, err)
	}

	tracks := stream.GetTracks()
	release := func() {
		for _, t := range tracks {
			t.Close()
		}
	}
	for _, track := range tracks {
		if track.Kind() == webrtc.RTPCodecTypeVideo {
			return LocalTrack{Kind: TrackVideo, Source: track}, release, nil
		}
	}
	release()
	return LocalTrack{}, nil, fmt.Errorf("open %s: %w", label, ErrDeviceNotFound)
}
