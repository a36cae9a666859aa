// Package rtc is the peer-transport boundary. The call state machine drives
// the Transport interface only; the concrete implementation wraps a Pion
// PeerConnection, and tests substitute a scripted fake.
package rtc

import (
	"context"
	"errors"

	"github.com/pion/webrtc/v4"
)

// SessionDescription is an offer or answer produced during negotiation.
type SessionDescription struct {
	Type string `json:"type"` // "offer" | "answer"
	SDP  string `json:"sdp"`
}

// Candidate is one network reachability descriptor. At least one of the two
// positional fields must be present for a candidate to be applicable.
type Candidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// Valid reports whether the candidate can be handed to a transport.
func (c Candidate) Valid() bool {
	return c.Candidate != "" && (c.SDPMid != nil || c.SDPMLineIndex != nil)
}

// ConnectionState is the transport's connectivity condition.
type ConnectionState int

const (
	StateNew ConnectionState = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateFailed
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Usable reports whether the transport can still carry or recover media.
func (s ConnectionState) Usable() bool {
	return s != StateFailed && s != StateClosed
}

// TrackKind discriminates media tracks.
type TrackKind string

const (
	TrackAudio TrackKind = "audio"
	TrackVideo TrackKind = "video"
)

// LocalTrack is an outgoing media source. Source carries the concrete Pion
// track; the fake transport used in tests leaves it nil.
type LocalTrack struct {
	Kind   TrackKind
	Source webrtc.TrackLocal
}

// Transport is one side of a peer connection under negotiation.
type Transport interface {
	AddTrack(t LocalTrack) error
	CreateOffer(ctx context.Context) (SessionDescription, error)
	CreateAnswer(ctx context.Context) (SessionDescription, error)
	SetLocalDescription(desc SessionDescription) error
	SetRemoteDescription(desc SessionDescription) error
	// HasRemoteDescription reports whether a remote description has been
	// applied; candidates may only be added afterwards.
	HasRemoteDescription() bool
	AddCandidate(c Candidate) error
	// ReplaceVideoTrack swaps the outgoing video source in place, without
	// renegotiating the session description.
	ReplaceVideoTrack(t LocalTrack) error

	// Callbacks. Register before negotiation starts.
	OnCandidate(fn func(Candidate))
	OnTrack(fn func(kind TrackKind))
	OnConnectionStateChange(fn func(ConnectionState))

	ConnectionState() ConnectionState
	Close() error
}

// Factory builds a fresh Transport per call attempt.
type Factory func() (Transport, error)

// ErrNoVideoSender is returned by ReplaceVideoTrack when the transport has
// no outgoing video line to swap.
var ErrNoVideoSender = errors.New("no outgoing video track to replace")
