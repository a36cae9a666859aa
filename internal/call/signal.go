package call

import (
	"fmt"

	"github.com/sripadam-prasannakumar/swapchat/internal/rtc"
)

// Signaling record types written to the shared store. A conversation has at
// most one session record; its presence is the call, its absence is hangup.
const (
	recordOffer  = "offer"
	recordAnswer = "answer"
)

// SessionRecord is the shared call session record, a tagged variant. An
// offer carries the caller's SDP; answering flips the tag and replaces SDP
// with the answer, adding the Answerer identity. Caller and CallType survive
// the flip. CallID distinguishes successive calls on the same conversation,
// so a late event from a torn-down call cannot be confused with the current
// one.
type SessionRecord struct {
	CallID    string `json:"callId"`
	Type      string `json:"type"`
	SDP       string `json:"sdp"`
	Caller    string `json:"caller"`
	CallType  string `json:"callType"`
	Timestamp int64  `json:"timestamp"`
	Answerer  string `json:"answerer,omitempty"`
}

func (r SessionRecord) validate() error {
	switch r.Type {
	case recordOffer:
		if r.SDP == "" || r.Caller == "" {
			return fmt.Errorf("offer record missing sdp or caller")
		}
	case recordAnswer:
		if r.SDP == "" || r.Answerer == "" {
			return fmt.Errorf("answer record missing sdp or answerer")
		}
	default:
		return fmt.Errorf("unknown session record type %q", r.Type)
	}
	return nil
}

// CandidateRecord is one shared network candidate, tagged with its author so
// each side can skip its own writes coming back through the store.
type CandidateRecord struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
	Sender        string  `json:"sender"`
}

func (r CandidateRecord) toCandidate() rtc.Candidate {
	return rtc.Candidate{
		Candidate:     r.Candidate,
		SDPMid:        r.SDPMid,
		SDPMLineIndex: r.SDPMLineIndex,
	}
}

// IncomingCall is the payload published when a remote offer is observed.
type IncomingCall struct {
	ChatID   string
	Caller   string
	CallType string
}

// MissedCall is the payload published when a never-connected outgoing call
// is abandoned.
type MissedCall struct {
	ChatID   string
	Caller   string
	CallType string
}
