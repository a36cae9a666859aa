package call

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/sripadam-prasannakumar/swapchat/internal/bus"
	"github.com/sripadam-prasannakumar/swapchat/internal/chat"
	"github.com/sripadam-prasannakumar/swapchat/internal/kv"
	"github.com/sripadam-prasannakumar/swapchat/internal/rtc"
)

type fakeTransport struct {
	mu          sync.Mutex
	localDesc   *rtc.SessionDescription
	remoteDesc  *rtc.SessionDescription
	candidates  []rtc.Candidate
	tracks      []rtc.LocalTrack
	replaced    []rtc.LocalTrack
	closed      bool
	onCandidate func(rtc.Candidate)
}

func (f *fakeTransport) AddTrack(track rtc.LocalTrack) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tracks = append(f.tracks, track)
	return nil
}

func (f *fakeTransport) CreateOffer(context.Context) (rtc.SessionDescription, error) {
	return rtc.SessionDescription{Type: "offer", SDP: "v=0 offer"}, nil
}

func (f *fakeTransport) CreateAnswer(context.Context) (rtc.SessionDescription, error) {
	return rtc.SessionDescription{Type: "answer", SDP: "v=0 answer"}, nil
}

func (f *fakeTransport) SetLocalDescription(d rtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.localDesc = &d
	return nil
}

func (f *fakeTransport) SetRemoteDescription(d rtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remoteDesc = &d
	return nil
}

func (f *fakeTransport) HasRemoteDescription() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.remoteDesc != nil
}

func (f *fakeTransport) AddCandidate(c rtc.Candidate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candidates = append(f.candidates, c)
	return nil
}

func (f *fakeTransport) ReplaceVideoTrack(track rtc.LocalTrack) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replaced = append(f.replaced, track)
	return nil
}

func (f *fakeTransport) OnCandidate(fn func(rtc.Candidate)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onCandidate = fn
}

func (f *fakeTransport) OnTrack(func(rtc.TrackKind))                     {}
func (f *fakeTransport) OnConnectionStateChange(func(rtc.ConnectionState)) {}
func (f *fakeTransport) ConnectionState() rtc.ConnectionState            { return rtc.StateNew }

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) appliedCandidates() []rtc.Candidate {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]rtc.Candidate, len(f.candidates))
	copy(out, f.candidates)
	return out
}

type fakeCapture struct {
	mu         sync.Mutex
	failWith   error
	releases   int
	display    int
	cameraAcqs int
}

func (f *fakeCapture) Acquire(_ context.Context, kind rtc.CallKind) ([]rtc.LocalTrack, func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return nil, nil, f.failWith
	}
	tracks := []rtc.LocalTrack{{Kind: rtc.TrackAudio}}
	if kind == rtc.CallVideo {
		tracks = append(tracks, rtc.LocalTrack{Kind: rtc.TrackVideo})
	}
	return tracks, f.countRelease(), nil
}

func (f *fakeCapture) AcquireCamera(context.Context) (rtc.LocalTrack, func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cameraAcqs++
	return rtc.LocalTrack{Kind: rtc.TrackVideo}, f.countRelease(), nil
}

func (f *fakeCapture) AcquireDisplay(context.Context) (rtc.LocalTrack, func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.display++
	return rtc.LocalTrack{Kind: rtc.TrackVideo}, f.countRelease(), nil
}

// countRelease returns a release func that bumps the counter once.
func (f *fakeCapture) countRelease() func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			f.releases++
			f.mu.Unlock()
		})
	}
}

func (f *fakeCapture) releasedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.releases
}

// testSide bundles one participant's session plus its fakes.
type testSide struct {
	session   *Session
	transport *fakeTransport
	capture   *fakeCapture
}

func newTestSide(t *testing.T, store kv.Store, self, peer string) *testSide {
	t.Helper()
	side := &testSide{
		transport: &fakeTransport{},
		capture:   &fakeCapture{},
	}
	factory := func() (rtc.Transport, error) { return side.transport, nil }
	chatID := chat.ConversationID(self, peer)
	side.session = newSession(chatID, self, peer, store, bus.New(), factory, side.capture, zap.NewNop())
	t.Cleanup(side.session.Close)
	return side
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// readPath waits for a put on exactly path and returns its value, or nil
// when nothing appears within the window.
func readPath(s kv.Store, path string, wait time.Duration) json.RawMessage {
	ch := make(chan json.RawMessage, 1)
	cancel := s.Subscribe(path, func(evt kv.Event) {
		if evt.Op == kv.OpPut && evt.Path == path {
			select {
			case ch <- evt.Value:
			default:
			}
		}
	})
	defer cancel()
	select {
	case v := <-ch:
		return v
	case <-time.After(wait):
		return nil
	}
}

func subtreeValues(s kv.Store, path string, wait time.Duration) []json.RawMessage {
	var mu sync.Mutex
	var values []json.RawMessage
	cancel := s.Subscribe(path, func(evt kv.Event) {
		if evt.Op == kv.OpPut {
			mu.Lock()
			values = append(values, evt.Value)
			mu.Unlock()
		}
	})
	time.Sleep(wait)
	cancel()
	mu.Lock()
	defer mu.Unlock()
	return values
}

func TestStartPublishesOffer(t *testing.T) {
	store := kv.NewMemory()
	a := newTestSide(t, store, "alice", "bob")

	if err := a.session.Start(context.Background(), rtc.CallVideo); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if got := a.session.State(); got != Calling {
		t.Fatalf("state = %s, want CALLING", got)
	}

	raw := readPath(store, chat.CallPath(chat.ConversationID("alice", "bob")), time.Second)
	if raw == nil {
		t.Fatal("no session record written")
	}
	var rec SessionRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		t.Fatalf("decode record: %v", err)
	}
	if rec.Type != recordOffer || rec.Caller != "alice" || rec.CallType != "video" {
		t.Errorf("record = %+v, want offer from alice, type video", rec)
	}
	if len(a.transport.tracks) != 2 {
		t.Errorf("tracks added = %d, want 2 (audio+video)", len(a.transport.tracks))
	}
}

func TestDeviceFailureLeavesNoTrace(t *testing.T) {
	store := kv.NewMemory()
	a := newTestSide(t, store, "alice", "bob")
	a.capture.failWith = rtc.ErrPermissionDenied

	err := a.session.Start(context.Background(), rtc.CallVideo)
	if err == nil {
		t.Fatal("Start() succeeded despite capture failure")
	}
	if got := a.session.State(); got != Idle {
		t.Fatalf("state = %s, want IDLE", got)
	}

	chatID := chat.ConversationID("alice", "bob")
	if raw := readPath(store, chat.CallPath(chatID), 200*time.Millisecond); raw != nil {
		t.Errorf("session record written despite device failure: %s", raw)
	}
	if msgs := subtreeValues(store, chat.MessagesPath(chatID), 200*time.Millisecond); len(msgs) != 0 {
		t.Errorf("missed-call entry written despite device failure: %d entries", len(msgs))
	}
}

func TestMissedCallOnAbandonedOutgoing(t *testing.T) {
	store := kv.NewMemory()
	a := newTestSide(t, store, "alice", "bob")
	chatID := chat.ConversationID("alice", "bob")

	if err := a.session.Start(context.Background(), rtc.CallAudio); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := a.session.End(context.Background()); err != nil {
		t.Fatalf("End() error = %v", err)
	}
	if got := a.session.State(); got != Idle {
		t.Fatalf("state = %s, want IDLE", got)
	}

	msgs := subtreeValues(store, chat.MessagesPath(chatID), 300*time.Millisecond)
	if len(msgs) != 1 {
		t.Fatalf("message entries = %d, want 1 missed-call", len(msgs))
	}
	var m chat.Message
	if err := json.Unmarshal(msgs[0], &m); err != nil {
		t.Fatalf("decode entry: %v", err)
	}
	if m.Type != chat.TypeMissedCall || m.Sender != "alice" || m.CallType != "audio" {
		t.Errorf("entry = %+v, want missed_call from alice, audio", m)
	}
	if a.capture.releasedCount() == 0 {
		t.Error("capture not released on teardown")
	}
	if !a.transport.closed {
		t.Error("transport not closed on teardown")
	}
	if raw := readPath(store, chat.CallPath(chatID), 200*time.Millisecond); raw != nil {
		t.Error("session record not cleared on teardown")
	}
}

func TestFullCallNoMissedEntry(t *testing.T) {
	store := kv.NewMemory()
	a := newTestSide(t, store, "alice", "bob")
	b := newTestSide(t, store, "bob", "alice")
	chatID := chat.ConversationID("alice", "bob")

	if err := a.session.Start(context.Background(), rtc.CallVideo); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	waitFor(t, "bob to observe incoming call", func() bool {
		return b.session.State() == Incoming
	})

	if err := b.session.Answer(context.Background()); err != nil {
		t.Fatalf("Answer() error = %v", err)
	}
	if got := b.session.State(); got != Connected {
		t.Fatalf("bob state = %s, want CONNECTED", got)
	}

	waitFor(t, "alice to observe the answer", func() bool {
		return a.session.State() == Connected
	})
	if a.transport.remoteDesc == nil || a.transport.remoteDesc.SDP != "v=0 answer" {
		t.Errorf("caller remote description = %+v, want the answer", a.transport.remoteDesc)
	}

	if err := a.session.End(context.Background()); err != nil {
		t.Fatalf("End() error = %v", err)
	}
	waitFor(t, "bob to observe remote hangup", func() bool {
		return b.session.State() == Idle
	})

	// One "Call ended" system entry from the hanging-up side, never a
	// missed_call for a call that connected.
	msgs := subtreeValues(store, chat.MessagesPath(chatID), 300*time.Millisecond)
	if len(msgs) != 1 {
		t.Fatalf("connected call produced %d log entries, want 1 system entry", len(msgs))
	}
	var entry chat.Message
	if err := json.Unmarshal(msgs[0], &entry); err != nil {
		t.Fatalf("decode entry: %v", err)
	}
	if entry.Type != chat.TypeSystem {
		t.Errorf("entry type = %q, want system", entry.Type)
	}
	if !a.transport.closed || !b.transport.closed {
		t.Error("transports not closed after hangup")
	}
	if raw := readPath(store, chat.CallPath(chatID), 200*time.Millisecond); raw != nil {
		t.Error("session record survives hangup")
	}
}

func TestDeclineClearsRecordAndCallerObservesHangup(t *testing.T) {
	store := kv.NewMemory()
	a := newTestSide(t, store, "alice", "bob")
	b := newTestSide(t, store, "bob", "alice")

	if err := a.session.Start(context.Background(), rtc.CallAudio); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitFor(t, "bob to observe incoming call", func() bool {
		return b.session.State() == Incoming
	})

	// Callee declines: same End path, the record disappearing is the only
	// signal the caller gets.
	if err := b.session.End(context.Background()); err != nil {
		t.Fatalf("decline End() error = %v", err)
	}
	waitFor(t, "alice to observe the decline", func() bool {
		return a.session.State() == Idle
	})

	// The caller logs the missed call; the callee never writes one.
	chatID := chat.ConversationID("alice", "bob")
	waitFor(t, "missed call entry", func() bool {
		return len(subtreeValues(store, chat.MessagesPath(chatID), 50*time.Millisecond)) == 1
	})
	msgs := subtreeValues(store, chat.MessagesPath(chatID), 100*time.Millisecond)
	var m chat.Message
	if err := json.Unmarshal(msgs[0], &m); err != nil {
		t.Fatalf("decode entry: %v", err)
	}
	if m.Type != chat.TypeMissedCall || m.Sender != "alice" {
		t.Errorf("entry = %+v, want missed_call attributed to the caller", m)
	}
}

func TestEarlyCandidatesBufferedAndDrainedInOrder(t *testing.T) {
	store := kv.NewMemory()
	a := newTestSide(t, store, "alice", "bob")
	b := newTestSide(t, store, "bob", "alice")
	chatID := chat.ConversationID("alice", "bob")

	if err := a.session.Start(context.Background(), rtc.CallAudio); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitFor(t, "bob to observe incoming call", func() bool {
		return b.session.State() == Incoming
	})

	// Candidates land before bob has any transport. They must be buffered
	// and applied exactly once, in arrival order, when the offer is applied.
	mid := "0"
	for i, c := range []string{"candidate:first", "candidate:second", "candidate:third"} {
		rec := CandidateRecord{Candidate: c, SDPMid: &mid, Sender: "alice"}
		if _, err := store.Push(context.Background(), chat.CandidatesPath(chatID), rec); err != nil {
			t.Fatalf("push candidate %d: %v", i, err)
		}
	}
	waitFor(t, "bob to buffer the candidates", func() bool {
		b.session.mu.Lock()
		defer b.session.mu.Unlock()
		return b.session.queue.len() == 3
	})

	if err := b.session.Answer(context.Background()); err != nil {
		t.Fatalf("Answer() error = %v", err)
	}

	got := b.transport.appliedCandidates()
	want := []string{"candidate:first", "candidate:second", "candidate:third"}
	if len(got) != len(want) {
		t.Fatalf("applied candidates = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].Candidate != want[i] {
			t.Errorf("candidate[%d] = %q, want %q", i, got[i].Candidate, want[i])
		}
	}

	// Later candidates apply immediately, no re-drain duplicates.
	rec := CandidateRecord{Candidate: "candidate:late", SDPMid: &mid, Sender: "alice"}
	if _, err := store.Push(context.Background(), chat.CandidatesPath(chatID), rec); err != nil {
		t.Fatalf("push late candidate: %v", err)
	}
	waitFor(t, "late candidate applied directly", func() bool {
		return len(b.transport.appliedCandidates()) == 4
	})
}

func TestMalformedCandidateDiscarded(t *testing.T) {
	store := kv.NewMemory()
	a := newTestSide(t, store, "alice", "bob")
	b := newTestSide(t, store, "bob", "alice")
	chatID := chat.ConversationID("alice", "bob")

	if err := a.session.Start(context.Background(), rtc.CallAudio); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitFor(t, "bob to observe incoming call", func() bool {
		return b.session.State() == Incoming
	})

	// Missing both sdpMid and sdpMLineIndex: discard, never buffer.
	bad := CandidateRecord{Candidate: "candidate:broken", Sender: "alice"}
	if _, err := store.Push(context.Background(), chat.CandidatesPath(chatID), bad); err != nil {
		t.Fatalf("push candidate: %v", err)
	}
	mid := "0"
	good := CandidateRecord{Candidate: "candidate:ok", SDPMid: &mid, Sender: "alice"}
	if _, err := store.Push(context.Background(), chat.CandidatesPath(chatID), good); err != nil {
		t.Fatalf("push candidate: %v", err)
	}

	waitFor(t, "good candidate buffered", func() bool {
		b.session.mu.Lock()
		defer b.session.mu.Unlock()
		return b.session.queue.len() == 1
	})
	b.session.mu.Lock()
	pending := b.session.queue.len()
	b.session.mu.Unlock()
	if pending != 1 {
		t.Errorf("buffered candidates = %d, want 1 (malformed dropped)", pending)
	}
}

func TestOwnCandidatesIgnored(t *testing.T) {
	store := kv.NewMemory()
	a := newTestSide(t, store, "alice", "bob")

	if err := a.session.Start(context.Background(), rtc.CallAudio); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	// The transport's candidate callback publishes to the shared store; the
	// echo must not come back into our own queue.
	a.transport.mu.Lock()
	emit := a.transport.onCandidate
	a.transport.mu.Unlock()
	mid := "0"
	emit(rtc.Candidate{Candidate: "candidate:mine", SDPMid: &mid})

	chatID := chat.ConversationID("alice", "bob")
	waitFor(t, "candidate to reach the store", func() bool {
		return len(subtreeValues(store, chat.CandidatesPath(chatID), 50*time.Millisecond)) == 1
	})

	a.session.mu.Lock()
	pending := a.session.queue.len()
	a.session.mu.Unlock()
	if pending != 0 {
		t.Errorf("own candidate buffered, queue = %d, want 0", pending)
	}
	if applied := a.transport.appliedCandidates(); len(applied) != 0 {
		t.Errorf("own candidate applied to transport: %d", len(applied))
	}
}

func TestStartWhileBusy(t *testing.T) {
	store := kv.NewMemory()
	a := newTestSide(t, store, "alice", "bob")

	if err := a.session.Start(context.Background(), rtc.CallAudio); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := a.session.Start(context.Background(), rtc.CallAudio); err != ErrBusy {
		t.Errorf("second Start() error = %v, want ErrBusy", err)
	}
}

func TestScreenShareToggle(t *testing.T) {
	store := kv.NewMemory()
	a := newTestSide(t, store, "alice", "bob")
	b := newTestSide(t, store, "bob", "alice")

	if err := a.session.Start(context.Background(), rtc.CallVideo); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitFor(t, "bob to observe incoming call", func() bool {
		return b.session.State() == Incoming
	})
	if err := b.session.Answer(context.Background()); err != nil {
		t.Fatalf("Answer() error = %v", err)
	}
	waitFor(t, "alice connected", func() bool {
		return a.session.State() == Connected
	})

	if err := a.session.ToggleScreenShare(context.Background()); err != nil {
		t.Fatalf("ToggleScreenShare() on error = %v", err)
	}
	if !a.session.Sharing() {
		t.Fatal("Sharing() = false after toggle on")
	}
	if err := a.session.ToggleScreenShare(context.Background()); err != nil {
		t.Fatalf("ToggleScreenShare() off error = %v", err)
	}
	if a.session.Sharing() {
		t.Fatal("Sharing() = true after toggle off")
	}

	// Display then camera, both swapped in place, no record rewrite.
	a.transport.mu.Lock()
	swaps := len(a.transport.replaced)
	a.transport.mu.Unlock()
	if swaps != 2 {
		t.Errorf("video track swaps = %d, want 2", swaps)
	}
	if a.capture.display != 1 || a.capture.cameraAcqs != 1 {
		t.Errorf("display acquisitions = %d, camera = %d, want 1 and 1",
			a.capture.display, a.capture.cameraAcqs)
	}
}

func TestScreenShareRequiresConnected(t *testing.T) {
	store := kv.NewMemory()
	a := newTestSide(t, store, "alice", "bob")
	if err := a.session.ToggleScreenShare(context.Background()); err != ErrNoActiveCall {
		t.Errorf("ToggleScreenShare() error = %v, want ErrNoActiveCall", err)
	}
}

func TestEndWithoutCall(t *testing.T) {
	store := kv.NewMemory()
	a := newTestSide(t, store, "alice", "bob")
	if err := a.session.End(context.Background()); err != ErrNoActiveCall {
		t.Errorf("End() error = %v, want ErrNoActiveCall", err)
	}
}

func TestTransitionTable(t *testing.T) {
	tests := []struct {
		from State
		to   State
		ok   bool
	}{
		{Idle, Calling, true},
		{Idle, Incoming, true},
		{Idle, Connected, false},
		{Calling, Connected, true},
		{Calling, Idle, true},
		{Calling, Incoming, false},
		{Incoming, Connected, true},
		{Incoming, Idle, true},
		{Connected, Idle, true},
		{Connected, Calling, false},
	}
	for _, tt := range tests {
		if got := canTransition(tt.from, tt.to); got != tt.ok {
			t.Errorf("canTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.ok)
		}
	}
}
