package resume

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/resume_bridge/pkg/protocol"
	"example.com/resume_bridge/pkg/recorder"
	"example.com/resume_bridge/pkg/session"
)

type fakeChannel struct {
	mu       sync.Mutex
	handlers map[string]protocol.Handler
	sent     []emitted
}

type emitted struct {
	event   string
	payload any
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{handlers: make(map[string]protocol.Handler)}
}

func (f *fakeChannel) Emit(event string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, emitted{event, payload})
	return nil
}

func (f *fakeChannel) On(event string, handler protocol.Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[event] = handler
}

func (f *fakeChannel) payloads(event string) []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []any
	for _, e := range f.sent {
		if e.event == event {
			out = append(out, e.payload)
		}
	}
	return out
}

func (f *fakeChannel) assign(t *testing.T, sessionID string) {
	t.Helper()
	hs := f.payloads(protocol.EventClientInit)
	require.NotEmpty(t, hs)
	req := hs[len(hs)-1].(protocol.HandshakeRequest)
	data, err := json.Marshal(protocol.SessionAssigned{
		SessionID: sessionID,
		SectionID: req.SectionID,
		RequestID: req.RequestID,
	})
	require.NoError(t, err)
	f.mu.Lock()
	h := f.handlers[protocol.EventSessionID]
	f.mu.Unlock()
	h(data)
}

type fakeSource struct {
	name    string
	frames  chan []int16
	openErr error
}

func newFakeSource(name string) *fakeSource {
	return &fakeSource{name: name, frames: make(chan []int16)}
}

func (s *fakeSource) Name() string    { return s.name }
func (s *fakeSource) SampleRate() int { return 16000 }
func (s *fakeSource) Open(context.Context) error {
	return s.openErr
}
func (s *fakeSource) Close() error { return nil }

func (s *fakeSource) Read(ctx context.Context) ([]int16, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case f, ok := <-s.frames:
		if !ok {
			return nil, io.EOF
		}
		return f, nil
	}
}

// feed delivers pcm and then an empty frame, so pcm is encoded once feed
// returns
func (s *fakeSource) feed(pcm []int16) {
	s.frames <- pcm
	s.frames <- []int16{}
}

type fakeSelector struct {
	sources []recorder.Source
	err     error
	asked   [][]string
}

func (s *fakeSelector) Select(_ context.Context, names []string) ([]recorder.Source, error) {
	s.asked = append(s.asked, names)
	if s.err != nil {
		return nil, s.err
	}
	return s.sources, nil
}

type errorLog struct {
	mu   sync.Mutex
	errs []error
}

func (l *errorLog) add(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errs = append(l.errs, err)
}

func (l *errorLog) get() []error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]error(nil), l.errs...)
}

func testOptions(errs *errorLog) Options {
	opts := DefaultOptions()
	opts.TimeSlice = time.Hour
	opts.RetryInterval = time.Hour
	opts.OnError = errs.add
	return opts
}

func newTestResume(t *testing.T, opts Options, sources ...recorder.Source) (*Resume, *fakeChannel, *fakeSelector) {
	t.Helper()
	ch := newFakeChannel()
	sel := &fakeSelector{sources: sources}
	r, err := New(context.Background(), ch, sel, opts)
	require.NoError(t, err)
	t.Cleanup(r.Close)
	return r, ch, sel
}

func TestResume_RecordsTwoChannels(t *testing.T) {
	errs := &errorLog{}
	opts := testOptions(errs)
	opts.Microphones = []string{"main", "another"}

	records := make(chan session.Record, 1)
	opts.OnStop = func(rec session.Record) { records <- rec }

	main, another := newFakeSource("main"), newFakeSource("another")
	r, ch, sel := newTestResume(t, opts, main, another)

	require.NoError(t, r.Start(StartRequest{Identifier: "visit-7"}))
	assert.Equal(t, [][]string{{"main", "another"}}, sel.asked)
	assert.Equal(t, []recorder.State{recorder.StateRecording, recorder.StateRecording}, r.States())

	ch.assign(t, "S1")
	assert.Equal(t, "S1", r.ActiveSessionID())

	main.feed(make([]int16, 100))
	another.feed(make([]int16, 50))

	require.NoError(t, r.Stop("done"))

	var rec session.Record
	select {
	case rec = <-records:
	case <-time.After(time.Second):
		t.Fatal("no session record")
	}

	assert.Equal(t, "S1", rec.SessionID)
	assert.Equal(t, "visit-7", rec.Identifier)
	assert.Equal(t, []int{200, 100}, rec.BlobSize)
	assert.Equal(t, []int{1, 1}, rec.BlobCount)
	assert.Len(t, rec.URL, 2)
	assert.Equal(t, "done", rec.UserTranscript)
	assert.Equal(t, []recorder.State{recorder.StateStopped, recorder.StateStopped}, r.States())

	units := ch.payloads(protocol.EventClientStreaming)
	require.Len(t, units, 1)
	unit := units[0].(protocol.StreamUnit)
	assert.True(t, unit.Info.IsEnd)
	assert.Equal(t, "S1", unit.SessionID)
	assert.Len(t, unit.Chunks[0], 200)
	assert.Len(t, unit.Chunks[1], 100)
	assert.Empty(t, errs.get())
}

func TestResume_CallbacksMayCallBack(t *testing.T) {
	errs := &errorLog{}
	opts := testOptions(errs)
	opts.AllowPause = false

	var r *Resume
	records := make(chan session.Record, 1)
	restarted := make(chan error, 1)
	opts.OnError = func(err error) {
		errs.add(err)
		if errors.Is(err, ErrPauseNotAllowed) {
			assert.NoError(t, r.Stop(nil))
		}
	}
	opts.OnStop = func(rec session.Record) {
		records <- rec
		restarted <- r.Start(StartRequest{})
	}
	r, ch, _ := newTestResume(t, opts, newFakeSource("main"))

	require.NoError(t, r.Start(StartRequest{}))
	ch.assign(t, "S1")

	done := make(chan error, 1)
	go func() { done <- r.Pause() }()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrPauseNotAllowed)
	case <-time.After(2 * time.Second):
		t.Fatal("Pause did not return")
	}

	select {
	case rec := <-records:
		assert.Equal(t, "S1", rec.SessionID)
	default:
		t.Fatal("no session record")
	}
	assert.NoError(t, <-restarted)
	assert.Equal(t, []recorder.State{recorder.StateRecording}, r.States())
	assert.Len(t, ch.payloads(protocol.EventClientInit), 2)
	assert.Empty(t, r.ActiveSessionID())
	require.Len(t, errs.get(), 1)
}

func TestResume_StateCallbackMayChooseDevices(t *testing.T) {
	opts := testOptions(&errorLog{})

	var r *Resume
	chosen := make(chan error, 1)
	opts.OnStateChanged = func(_ int, s recorder.State) {
		if s == recorder.StateStopped {
			chosen <- r.ChooseDevices(context.Background())
		}
	}
	r, _, sel := newTestResume(t, opts, newFakeSource("main"))

	require.NoError(t, r.Start(StartRequest{}))
	require.NoError(t, r.Stop(nil))

	select {
	case err := <-chosen:
		assert.NoError(t, err)
	default:
		t.Fatal("OnStateChanged did not run before Stop returned")
	}
	assert.Len(t, sel.asked, 2)
	assert.Equal(t, []recorder.State{recorder.StateInactive}, r.States())
}

func TestResume_StartWhileRecordingRejected(t *testing.T) {
	errs := &errorLog{}
	r, ch, _ := newTestResume(t, testOptions(errs), newFakeSource("main"))

	require.NoError(t, r.Start(StartRequest{}))
	err := r.Start(StartRequest{})
	assert.ErrorIs(t, err, ErrSessionActive)
	require.Len(t, errs.get(), 1)
	assert.ErrorIs(t, errs.get()[0], ErrSessionActive)
	assert.Len(t, ch.payloads(protocol.EventClientInit), 1)

	require.NoError(t, r.Pause())
	assert.ErrorIs(t, r.Start(StartRequest{}), ErrSessionActive)
	assert.ErrorIs(t, r.ChooseDevices(context.Background()), ErrSessionActive)
}

func TestResume_PauseNotAllowed(t *testing.T) {
	errs := &errorLog{}
	opts := testOptions(errs)
	opts.AllowPause = false
	r, _, _ := newTestResume(t, opts, newFakeSource("main"), newFakeSource("another"))

	require.NoError(t, r.Start(StartRequest{}))

	err := r.Pause()
	assert.ErrorIs(t, err, ErrPauseNotAllowed)
	assert.Equal(t, []recorder.State{recorder.StateRecording, recorder.StateRecording}, r.States())
	require.Len(t, errs.get(), 1)
	assert.Contains(t, errs.get()[0].Error(), "pause")

	assert.ErrorIs(t, r.Resume(), ErrPauseNotAllowed)
}

func TestResume_PauseAndResume(t *testing.T) {
	var mu sync.Mutex
	var transitions []recorder.State
	opts := testOptions(&errorLog{})
	opts.OnStateChanged = func(_ int, s recorder.State) {
		mu.Lock()
		defer mu.Unlock()
		transitions = append(transitions, s)
	}
	r, _, _ := newTestResume(t, opts, newFakeSource("main"))

	require.NoError(t, r.Start(StartRequest{}))
	require.NoError(t, r.Pause())
	assert.Equal(t, []recorder.State{recorder.StatePaused}, r.States())
	require.NoError(t, r.Resume())
	assert.Equal(t, []recorder.State{recorder.StateRecording}, r.States())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []recorder.State{recorder.StateRecording, recorder.StatePaused, recorder.StateRecording}, transitions)
}

func TestResume_AcquireFailure(t *testing.T) {
	errs := &errorLog{}
	broken := newFakeSource("another")
	broken.openErr = errors.New("permission denied")
	r, _, _ := newTestResume(t, testOptions(errs), newFakeSource("main"), broken)

	err := r.Start(StartRequest{})
	require.Error(t, err)
	assert.ErrorIs(t, err, recorder.ErrAcquire)
	require.Len(t, errs.get(), 1)

	for _, s := range r.States() {
		assert.False(t, s.Active())
	}
}

func TestResume_SelectorFailure(t *testing.T) {
	errs := &errorLog{}
	ch := newFakeChannel()
	sel := &fakeSelector{err: errors.New("no input devices")}
	r, err := New(context.Background(), ch, sel, testOptions(errs))
	require.NoError(t, err)
	defer r.Close()

	err = r.Start(StartRequest{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no input devices")
	assert.Empty(t, ch.payloads(protocol.EventClientInit))

	sel.err = nil
	assert.ErrorIs(t, r.ChooseDevices(context.Background()), ErrNoDevices)
	assert.Len(t, errs.get(), 2)
}

func TestResume_DefaultMicrophoneWhenEmpty(t *testing.T) {
	opts := testOptions(&errorLog{})
	opts.Microphones = nil
	r, _, sel := newTestResume(t, opts, newFakeSource("default"))

	require.NoError(t, r.ChooseDevices(context.Background()))
	assert.Equal(t, [][]string{{"default"}}, sel.asked)
}

func TestResume_InvalidOptions(t *testing.T) {
	opts := DefaultOptions()
	opts.Codec = "mp3"
	_, err := New(context.Background(), newFakeChannel(), &fakeSelector{}, opts)
	assert.Error(t, err)

	opts = DefaultOptions()
	opts.Microphones = []string{"main", "main"}
	_, err = New(context.Background(), newFakeChannel(), &fakeSelector{}, opts)
	assert.Error(t, err)

	opts = DefaultOptions()
	opts.Codec = "opus"
	opts.SampleRate = 44100
	_, err = New(context.Background(), newFakeChannel(), &fakeSelector{}, opts)
	assert.Error(t, err)
}

func TestDefaultOptions(t *testing.T) {
	opts := DefaultOptions()
	assert.Equal(t, []string{"main", "another", "noise-cancelling"}, opts.Microphones)
	assert.Equal(t, []string{"th-TH"}, opts.Languages)
	assert.Equal(t, "0", opts.DefaultSectionID)
	assert.Equal(t, time.Second, opts.TimeSlice)
	assert.Equal(t, 900*time.Millisecond, opts.RetryInterval)
	assert.True(t, opts.AllowPause)
	assert.False(t, opts.AlertError)
	assert.Nil(t, opts.DefaultDocFormat)
	assert.NoError(t, opts.Validate())

	opts.Microphones[0] = "changed"
	assert.Equal(t, "main", DefaultMicrophones[0])
}
