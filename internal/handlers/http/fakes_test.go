package http

import (
	"context"
	"sync"

	"voicelink/internal/core/domain"
	"voicelink/internal/core/ports"
	"voicelink/pkg/errors"
)

// fakeCall records intents and answers with a scripted error.
type fakeCall struct {
	mu      sync.Mutex
	id      domain.UserID
	snap    domain.CallSnapshot
	err     error
	intents []string
	remote  domain.UserID
	muted   bool

	watchers []chan domain.CallSnapshot
}

var _ ports.CallService = (*fakeCall)(nil)

func newFakeCall(id domain.UserID) *fakeCall {
	return &fakeCall{
		id:   id,
		snap: domain.CallSnapshot{Session: domain.CallSession{LocalUserID: id}},
	}
}

func (f *fakeCall) UserID() domain.UserID { return f.id }

func (f *fakeCall) Snapshot() domain.CallSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}

func (f *fakeCall) Diagnostics() domain.Diagnostics {
	return domain.Diagnostics{Call: f.Snapshot(), Channels: domain.ChannelStats{TotalChannels: 3, HealthyChannels: 3}}
}

func (f *fakeCall) Watch() (<-chan domain.CallSnapshot, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan domain.CallSnapshot, 8)
	ch <- f.snap
	f.watchers = append(f.watchers, ch)
	return ch, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		for i, w := range f.watchers {
			if w == ch {
				f.watchers = append(f.watchers[:i], f.watchers[i+1:]...)
				return
			}
		}
	}
}

// set publishes a new state to every watcher.
func (f *fakeCall) set(state domain.CallState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snap.Session.State = state
	for _, ch := range f.watchers {
		ch <- f.snap
	}
}

// stop closes every watcher, as a stopped session does.
func (f *fakeCall) stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.watchers {
		close(ch)
	}
	f.watchers = nil
}

func (f *fakeCall) watcherCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.watchers)
}

func (f *fakeCall) record(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.intents = append(f.intents, name)
	return f.err
}

func (f *fakeCall) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.intents...)
}

func (f *fakeCall) PlaceCall(_ context.Context, remote domain.UserID) error {
	f.mu.Lock()
	f.remote = remote
	f.mu.Unlock()
	return f.record("place_call")
}

func (f *fakeCall) AcceptCall(context.Context) error       { return f.record("accept_call") }
func (f *fakeCall) RejectCall(context.Context) error       { return f.record("reject_call") }
func (f *fakeCall) CancelCall(context.Context) error       { return f.record("cancel_call") }
func (f *fakeCall) EndCall(context.Context) error          { return f.record("end_call") }
func (f *fakeCall) StartScreenShare(context.Context) error { return f.record("start_screen_share") }
func (f *fakeCall) StopScreenShare(context.Context) error  { return f.record("stop_screen_share") }

func (f *fakeCall) ToggleMic(context.Context) (bool, error) {
	if err := f.record("toggle_mic"); err != nil {
		return false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.muted = !f.muted
	return f.muted, nil
}

type fakeDirectory struct {
	mu        sync.Mutex
	sessions  map[domain.UserID]*fakeCall
	names     map[domain.UserID]string
	signInErr error
}

var _ ports.SessionDirectory = (*fakeDirectory)(nil)

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		sessions: make(map[domain.UserID]*fakeCall),
		names:    make(map[domain.UserID]string),
	}
}

func (d *fakeDirectory) SignIn(_ context.Context, user domain.User) (ports.CallService, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.signInErr != nil {
		return nil, d.signInErr
	}
	if s, ok := d.sessions[user.ID]; ok {
		return s, nil
	}
	s := newFakeCall(user.ID)
	d.sessions[user.ID] = s
	d.names[user.ID] = user.DisplayName
	return s, nil
}

func (d *fakeDirectory) SignOut(_ context.Context, id domain.UserID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.sessions[id]
	if !ok {
		return errors.NewNotFoundError("session")
	}
	delete(d.sessions, id)
	go s.stop()
	return nil
}

func (d *fakeDirectory) Get(id domain.UserID) (ports.CallService, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.sessions[id]
	if !ok {
		return nil, false
	}
	return s, true
}

func (d *fakeDirectory) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sessions)
}

func (d *fakeDirectory) call(id domain.UserID) *fakeCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sessions[id]
}
