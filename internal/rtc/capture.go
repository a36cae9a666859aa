package rtc

import (
	"context"
	"errors"
)

// CallKind is the media profile of a call: video implies audio+video,
// audio implies audio only.
type CallKind string

const (
	CallVideo CallKind = "video"
	CallAudio CallKind = "audio"
)

// Device-acquisition failures. Terminal for the call attempt they occur in.
var (
	ErrPermissionDenied = errors.New("media capture permission denied")
	ErrDeviceNotFound   = errors.New("no capture device found")
)

// Capture acquires local media. Implementations are platform-specific; the
// zero-capability fallback returns no tracks, which negotiates a
// receive-only session.
type Capture interface {
	// Acquire opens the devices matching kind. The release func stops the
	// underlying capture; it must be called exactly once on teardown.
	Acquire(ctx context.Context, kind CallKind) (tracks []LocalTrack, release func(), err error)

	// AcquireCamera re-opens just the camera, used when reverting a
	// screen share back to the camera source.
	AcquireCamera(ctx context.Context) (LocalTrack, func(), error)

	// AcquireDisplay opens a display capture source for screen sharing.
	AcquireDisplay(ctx context.Context) (LocalTrack, func(), error)
}
