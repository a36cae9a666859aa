package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sripadam-prasannakumar/swapchat/internal/bus"
	"github.com/sripadam-prasannakumar/swapchat/internal/chat"
	"github.com/sripadam-prasannakumar/swapchat/internal/kv"
	"github.com/sripadam-prasannakumar/swapchat/internal/rtc"
)

var (
	// ErrBusy reports a call already in progress for the conversation.
	ErrBusy = errors.New("call already in progress")
	// ErrNoActiveCall reports an operation that needs an ongoing call.
	ErrNoActiveCall = errors.New("no active call")
	// ErrNoIncomingCall reports Answer without a pending offer.
	ErrNoIncomingCall = errors.New("no incoming call")
	// ErrCallEnded reports the remote side hung up mid-operation.
	ErrCallEnded = errors.New("call ended by remote")
)

// Session owns the call lifecycle for one conversation: at most one active
// call, negotiated through the shared session record and candidate
// collection. All transitions are serialized on the session mutex; store
// notifications and transport callbacks arrive on their own goroutines and
// converge here.
type Session struct {
	chatID string
	self   string
	peer   string

	store   kv.Store
	bus     *bus.Bus
	logger  *zap.Logger
	factory rtc.Factory
	capture rtc.Capture

	mu        sync.Mutex
	state     State
	transport rtc.Transport
	release   func() // active capture release, nil when no devices held
	queue     candidateQueue

	phase        pubPhase
	outbound     bool
	callID       string
	callType     rtc.CallKind
	remoteOffer  *SessionRecord
	missedLogged bool
	sharing      bool
	shareRelease func()

	cancels []func()
	closed  bool
}

func newSession(chatID, self, peer string, store kv.Store, b *bus.Bus, factory rtc.Factory, capture rtc.Capture, logger *zap.Logger) *Session {
	s := &Session{
		chatID:  chatID,
		self:    self,
		peer:    peer,
		store:   store,
		bus:     b,
		logger:  logger.With(zap.String("chat", chatID)),
		factory: factory,
		capture: capture,
		state:   Idle,
	}
	s.cancels = append(s.cancels,
		store.Subscribe(chat.CallPath(chatID), s.onCallEvent),
		store.Subscribe(chat.CandidatesPath(chatID), s.onCandidateEvent),
	)
	return s
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Sharing reports whether the outgoing video source is a display capture.
func (s *Session) Sharing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sharing
}

// Start places an outgoing call: acquires local media for kind, clears any
// stale candidates, and publishes the offer record. Device failures abort
// the attempt locally; no shared record is left behind and no missed-call
// entry is written.
func (s *Session) Start(ctx context.Context, kind rtc.CallKind) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != Idle {
		return ErrBusy
	}

	s.phase = phaseUnpublished
	s.outbound = true
	s.callType = kind
	s.missedLogged = false
	s.setStateLocked(Calling)

	if err := s.setupTransportLocked(ctx, kind); err != nil {
		s.teardownLocked(false)
		return err
	}

	// Stale candidates from a previous call on this conversation would be
	// fed to the fresh transport; clear them before the offer goes out.
	if err := s.store.Remove(ctx, chat.CandidatesPath(s.chatID)); err != nil {
		s.teardownLocked(false)
		return fmt.Errorf("clear candidates: %w", err)
	}

	offer, err := s.transport.CreateOffer(ctx)
	if err != nil {
		s.teardownLocked(false)
		return fmt.Errorf("create offer: %w", err)
	}
	if err := s.transport.SetLocalDescription(offer); err != nil {
		s.teardownLocked(false)
		return fmt.Errorf("set local description: %w", err)
	}

	rec := SessionRecord{
		CallID:    uuid.NewString(),
		Type:      recordOffer,
		SDP:       offer.SDP,
		Caller:    s.self,
		CallType:  string(kind),
		Timestamp: time.Now().UnixMilli(),
	}
	if err := s.store.Write(ctx, chat.CallPath(s.chatID), rec); err != nil {
		s.teardownLocked(false)
		return fmt.Errorf("write offer: %w", err)
	}

	s.phase = phasePublished
	s.callID = rec.CallID
	s.logger.Info("outgoing call started",
		zap.String("call", rec.CallID), zap.String("type", string(kind)))
	return nil
}

// Answer accepts the pending incoming call: applies the stored remote
// offer, drains queued candidates, and updates the session record with the
// local answer. A failure before the answer is written leaves the session
// in Incoming so the user can still decline explicitly.
func (s *Session) Answer(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != Incoming || s.remoteOffer == nil {
		return ErrNoIncomingCall
	}
	offer := *s.remoteOffer

	if err := s.setupTransportLocked(ctx, rtc.CallKind(offer.CallType)); err != nil {
		s.abortSetupLocked()
		return err
	}

	if err := s.transport.SetRemoteDescription(rtc.SessionDescription{
		Type: recordOffer,
		SDP:  offer.SDP,
	}); err != nil {
		s.abortSetupLocked()
		return fmt.Errorf("apply remote offer: %w", err)
	}
	s.drainQueueLocked()

	answer, err := s.transport.CreateAnswer(ctx)
	if err != nil {
		s.abortSetupLocked()
		return fmt.Errorf("create answer: %w", err)
	}
	if err := s.transport.SetLocalDescription(answer); err != nil {
		s.abortSetupLocked()
		return fmt.Errorf("set local description: %w", err)
	}

	err = s.store.AtomicUpdate(ctx, chat.CallPath(s.chatID), func(cur json.RawMessage) (any, error) {
		if cur == nil {
			return nil, ErrCallEnded
		}
		var rec SessionRecord
		if err := json.Unmarshal(cur, &rec); err != nil {
			return nil, fmt.Errorf("decode session record: %w", err)
		}
		rec.Type = recordAnswer
		rec.SDP = answer.SDP
		rec.Answerer = s.self
		return rec, nil
	})
	if err != nil {
		s.abortSetupLocked()
		if errors.Is(err, ErrCallEnded) {
			s.remoteOffer = nil
			s.setStateLocked(Idle)
		}
		return fmt.Errorf("write answer: %w", err)
	}

	s.setStateLocked(Connected)
	s.logger.Info("call answered", zap.String("caller", offer.Caller))
	return nil
}

// End terminates the call locally from any non-idle state. Leaving Calling
// without ever connecting appends a missed-call entry attributed to this
// side as the caller; a callee declining in Incoming only clears the shared
// record, which is the sole signal the caller observes.
func (s *Session) End(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == Idle {
		return ErrNoActiveCall
	}

	missed := s.state == Calling && s.outbound && !s.missedLogged
	connected := s.state == Connected
	callType := string(s.callType)

	s.teardownLocked(true)

	// The hanging-up side writes the closing system entry; the other side
	// only observes the record vanish.
	if connected {
		if err := chat.AppendSystem(ctx, s.store, s.chatID, "Call ended", time.Now().UnixMilli()); err != nil {
			s.logger.Warn("call-ended entry failed", zap.Error(err))
		}
	}

	if missed {
		s.missedLogged = true
		ts := time.Now().UnixMilli()
		if err := chat.AppendMissedCall(ctx, s.store, s.self, s.peer, callType, ts); err != nil {
			s.logger.Warn("missed call entry failed", zap.Error(err))
		} else {
			s.publish(bus.KindCallMissed, MissedCall{
				ChatID:   s.chatID,
				Caller:   s.self,
				CallType: callType,
			})
		}
	}
	return nil
}

// ToggleScreenShare swaps the outgoing video source between display capture
// and the camera, in place on the existing video sender. No session record
// write happens; the transport renegotiates internally if it needs to.
func (s *Session) ToggleScreenShare(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != Connected {
		return ErrNoActiveCall
	}

	if !s.sharing {
		track, release, err := s.capture.AcquireDisplay(ctx)
		if err != nil {
			return fmt.Errorf("acquire display: %w", err)
		}
		if err := s.transport.ReplaceVideoTrack(track); err != nil {
			release()
			return fmt.Errorf("switch to display: %w", err)
		}
		s.shareRelease = release
		s.sharing = true
		s.logger.Info("screen share started")
		return nil
	}

	track, release, err := s.capture.AcquireCamera(ctx)
	if err != nil {
		return fmt.Errorf("acquire camera: %w", err)
	}
	if err := s.transport.ReplaceVideoTrack(track); err != nil {
		release()
		return fmt.Errorf("revert to camera: %w", err)
	}
	if s.shareRelease != nil {
		s.shareRelease()
		s.shareRelease = nil
	}
	// The camera release joins the main capture release so teardown stops it.
	prev := s.release
	s.release = func() {
		release()
		if prev != nil {
			prev()
		}
	}
	s.sharing = false
	s.logger.Info("screen share stopped")
	return nil
}

// Close cancels the store subscriptions and tears down any active call.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for _, cancel := range s.cancels {
		cancel()
	}
	s.cancels = nil
	if s.state != Idle {
		s.teardownLocked(true)
	}
}

// setupTransportLocked creates the peer transport, wires its callbacks, and
// acquires local media for kind. On error nothing is held: any transport
// already created is the caller's to close.
func (s *Session) setupTransportLocked(ctx context.Context, kind rtc.CallKind) error {
	t, err := s.factory()
	if err != nil {
		return fmt.Errorf("create transport: %w", err)
	}
	s.transport = t
	s.callType = kind

	t.OnCandidate(func(c rtc.Candidate) { s.publishCandidate(c) })
	t.OnTrack(func(kind rtc.TrackKind) {
		s.logger.Info("remote track received", zap.String("kind", string(kind)))
	})
	t.OnConnectionStateChange(func(cs rtc.ConnectionState) { s.onTransportState(cs) })

	tracks, release, err := s.capture.Acquire(ctx, kind)
	if err != nil {
		return fmt.Errorf("acquire media: %w", err)
	}
	s.release = release
	for _, track := range tracks {
		if err := t.AddTrack(track); err != nil {
			s.logger.Warn("add track failed",
				zap.String("kind", string(track.Kind)), zap.Error(err))
		}
	}
	return nil
}

// teardownLocked returns to Idle. Order matters: release capture devices,
// close the transport, clear local queues and flags, then optionally clear
// the shared session and candidate records.
func (s *Session) teardownLocked(clearShared bool) {
	if s.release != nil {
		s.release()
		s.release = nil
	}
	if s.shareRelease != nil {
		s.shareRelease()
		s.shareRelease = nil
	}
	s.closeTransportLocked()
	s.queue.drain()
	s.phase = phaseTornDown
	s.outbound = false
	s.sharing = false
	s.callID = ""
	s.remoteOffer = nil
	s.setStateLocked(Idle)

	if clearShared {
		ctx := context.Background()
		if err := s.store.Remove(ctx, chat.CallPath(s.chatID)); err != nil {
			s.logger.Warn("clear session record failed", zap.Error(err))
		}
		if err := s.store.Remove(ctx, chat.CandidatesPath(s.chatID)); err != nil {
			s.logger.Warn("clear candidates failed", zap.Error(err))
		}
	}
}

// abortSetupLocked undoes a failed transport setup: devices first, then the
// transport. The session stays in its current state for the caller to decide.
func (s *Session) abortSetupLocked() {
	if s.release != nil {
		s.release()
		s.release = nil
	}
	s.closeTransportLocked()
}

func (s *Session) closeTransportLocked() {
	if s.transport == nil {
		return
	}
	if err := s.transport.Close(); err != nil {
		s.logger.Warn("transport close failed", zap.Error(err))
	}
	s.transport = nil
}

func (s *Session) setStateLocked(to State) {
	if s.state == to {
		return
	}
	if !canTransition(s.state, to) {
		s.logger.Warn("invalid call transition",
			zap.String("from", string(s.state)), zap.String("to", string(to)))
		return
	}
	from := s.state
	s.state = to
	s.publish(bus.KindCallStatus, StatusChange{ChatID: s.chatID, From: from, To: to})
}

func (s *Session) publish(kind string, payload any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}

// onCallEvent handles session record changes from the store.
func (s *Session) onCallEvent(evt kv.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	if evt.Op == kv.OpRemove {
		// Only a published record going absent means remote hangup; see
		// pubPhase for the two windows where it must be ignored.
		if s.phase != phasePublished || s.state == Idle {
			return
		}
		s.logger.Info("call ended by remote")

		// A record vanishing while we are still in Calling is the callee
		// declining; the caller is the one that logs the missed call.
		missed := s.state == Calling && s.outbound && !s.missedLogged
		callType := string(s.callType)
		if missed {
			s.missedLogged = true
		}
		s.teardownLocked(false)
		if missed {
			ctx := context.Background()
			if err := chat.AppendMissedCall(ctx, s.store, s.self, s.peer, callType, time.Now().UnixMilli()); err != nil {
				s.logger.Warn("missed call entry failed", zap.Error(err))
			} else {
				s.publish(bus.KindCallMissed, MissedCall{
					ChatID:   s.chatID,
					Caller:   s.self,
					CallType: callType,
				})
			}
		}
		return
	}

	var rec SessionRecord
	if err := json.Unmarshal(evt.Value, &rec); err != nil {
		s.logger.Warn("malformed session record", zap.Error(err))
		return
	}
	if err := rec.validate(); err != nil {
		s.logger.Warn("invalid session record", zap.Error(err))
		return
	}

	switch rec.Type {
	case recordOffer:
		if rec.Caller == s.self || s.state != Idle {
			return
		}
		offer := rec
		s.remoteOffer = &offer
		s.callID = rec.CallID
		s.callType = rtc.CallKind(rec.CallType)
		s.outbound = false
		s.phase = phasePublished
		s.setStateLocked(Incoming)
		s.publish(bus.KindCallIncoming, IncomingCall{
			ChatID:   s.chatID,
			Caller:   rec.Caller,
			CallType: rec.CallType,
		})

	case recordAnswer:
		if rec.Answerer == s.self || s.state != Calling {
			return
		}
		if rec.CallID != s.callID {
			s.logger.Warn("answer for a different call discarded",
				zap.String("got", rec.CallID), zap.String("want", s.callID))
			return
		}
		if err := s.transport.SetRemoteDescription(rtc.SessionDescription{
			Type: recordAnswer,
			SDP:  rec.SDP,
		}); err != nil {
			s.logger.Warn("apply remote answer failed", zap.Error(err))
			return
		}
		s.drainQueueLocked()
		s.setStateLocked(Connected)
		s.logger.Info("call connected", zap.String("answerer", rec.Answerer))
	}
}

// onCandidateEvent handles shared candidate collection changes.
func (s *Session) onCandidateEvent(evt kv.Event) {
	if evt.Op != kv.OpPut {
		return
	}

	var rec CandidateRecord
	if err := json.Unmarshal(evt.Value, &rec); err != nil {
		s.logger.Warn("malformed candidate record", zap.Error(err))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || rec.Sender == s.self {
		return
	}

	c := rec.toCandidate()
	if !c.Valid() {
		s.logger.Warn("discarding malformed candidate",
			zap.String("sender", rec.Sender))
		return
	}

	if s.transport != nil && s.transport.HasRemoteDescription() {
		if err := s.transport.AddCandidate(c); err != nil {
			s.logger.Warn("apply candidate failed", zap.Error(err))
		}
		return
	}
	s.queue.push(c)
}

// drainQueueLocked feeds buffered candidates to the transport in arrival
// order. Called exactly once per remote description application.
func (s *Session) drainQueueLocked() {
	pending := s.queue.drain()
	for _, c := range pending {
		if err := s.transport.AddCandidate(c); err != nil {
			s.logger.Warn("apply queued candidate failed", zap.Error(err))
		}
	}
	if len(pending) > 0 {
		s.logger.Debug("candidate queue drained", zap.Int("count", len(pending)))
	}
}

// publishCandidate appends a locally discovered candidate to the shared
// collection, tagged with our identity.
func (s *Session) publishCandidate(c rtc.Candidate) {
	rec := CandidateRecord{
		Candidate:     c.Candidate,
		SDPMid:        c.SDPMid,
		SDPMLineIndex: c.SDPMLineIndex,
		Sender:        s.self,
	}
	if _, err := s.store.Push(context.Background(), chat.CandidatesPath(s.chatID), rec); err != nil {
		s.logger.Warn("publish candidate failed", zap.Error(err))
	}
}

// onTransportState reacts to connection state changes from the transport.
// A permanently unusable transport ends the call; transient disconnects are
// the transport's to recover from.
func (s *Session) onTransportState(cs rtc.ConnectionState) {
	s.logger.Info("transport state", zap.String("state", cs.String()))
	if cs != rtc.StateFailed {
		return
	}
	// Runs on the transport's callback goroutine; End takes the mutex.
	go func() {
		if err := s.End(context.Background()); err != nil && !errors.Is(err, ErrNoActiveCall) {
			s.logger.Warn("teardown after transport failure", zap.Error(err))
		}
	}()
}
