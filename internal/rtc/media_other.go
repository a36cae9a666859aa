//go:build !linux || !cgo

package rtc

import (
	"context"
	"fmt"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// newMediaComponents on non-Linux platforms registers the default codec set
// and performs no device capture; calls negotiate receive-only. Camera and
// microphone drivers in pion/mediadevices need V4L2/malgo, which are only
// wired up in the Linux build.
func newMediaComponents(logger *zap.Logger) (func() (*webrtc.MediaEngine, error), Capture) {
	engineFn := func() (*webrtc.MediaEngine, error) {
		engine := &webrtc.MediaEngine{}
		if err := engine.RegisterDefaultCodecs(); err != nil {
			return nil, fmt.Errorf("register codecs: %w", err)
		}
		return engine, nil
	}
	return engineFn, &noCapture{logger: logger}
}

type noCapture struct {
	logger *zap.Logger
}

func (c *noCapture) Acquire(_ context.Context, kind CallKind) ([]LocalTrack, func(), error) {
	c.logger.Info("no local capture on this platform, receive-only",
		zap.String("kind", string(kind)))
	return nil, func() {}, nil
}

func (c *noCapture) AcquireCamera(context.Context) (LocalTrack, func(), error) {
	return LocalTrack{}, nil, ErrDeviceNotFound
}

func (c *noCapture) AcquireDisplay(context.Context) (LocalTrack, func(), error) {
	return LocalTrack{}, nil, ErrDeviceNotFound
}
