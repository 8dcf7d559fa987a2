package recorder

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/resume_bridge/pkg/audio"
)

type fakeSource struct {
	name    string
	rate    int
	frames  chan []int16
	openErr error

	mu     sync.Mutex
	opened int
	closed int
}

func newFakeSource(name string) *fakeSource {
	return &fakeSource{name: name, rate: audio.DefaultSampleRate, frames: make(chan []int16)}
}

func (s *fakeSource) Name() string    { return s.name }
func (s *fakeSource) SampleRate() int { return s.rate }

func (s *fakeSource) Open(context.Context) error {
	if s.openErr != nil {
		return s.openErr
	}
	s.mu.Lock()
	s.opened++
	s.mu.Unlock()
	return nil
}

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

func (s *fakeSource) Close() error {
	s.mu.Lock()
	s.closed++
	s.mu.Unlock()
	return nil
}

type stateLog struct {
	mu     sync.Mutex
	states []State
}

func (l *stateLog) add(s State) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.states = append(l.states, s)
}

func (l *stateLog) get() []State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]State(nil), l.states...)
}

func encodedLen(r *Recorder) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.full)
}

func frame(n int, v int16) []int16 {
	out := make([]int16, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func newTestRecorder(src Source, chunks *[][]byte, states *stateLog) *Recorder {
	var mu sync.Mutex
	return New(src, Config{
		TimeSlice: time.Hour,
		Codec:     audio.CodecPCM16,
		OnData: func(chunk []byte) {
			mu.Lock()
			defer mu.Unlock()
			*chunks = append(*chunks, chunk)
		},
		OnStateChanged: states.add,
	})
}

func TestRecorder_ChunksConcatenateToFullRecording(t *testing.T) {
	src := newFakeSource("main")
	var chunks [][]byte
	states := &stateLog{}
	r := newTestRecorder(src, &chunks, states)

	require.Equal(t, StateInactive, r.State())
	require.NoError(t, r.Start(context.Background()))
	assert.Equal(t, StateRecording, r.State())

	src.frames <- frame(100, 1)
	assert.Eventually(t, func() bool { return encodedLen(r) == 200 }, time.Second, time.Millisecond)
	r.cut()

	src.frames <- frame(50, 2)
	assert.Eventually(t, func() bool { return encodedLen(r) == 300 }, time.Second, time.Millisecond)
	r.cut()
	r.cut()

	src.frames <- frame(25, 3)
	assert.Eventually(t, func() bool { return encodedLen(r) == 350 }, time.Second, time.Millisecond)

	var gotRef string
	var gotFull []byte
	calls := 0
	r.Stop(func(ref string, full []byte) {
		calls++
		gotRef = ref
		gotFull = full
	})

	require.Equal(t, 1, calls)
	assert.Equal(t, StateStopped, r.State())
	assert.Len(t, gotFull, 350)
	assert.Contains(t, gotRef, "memory://main-")

	require.Len(t, chunks, 2)
	assert.Len(t, chunks[0], 200)
	assert.Len(t, chunks[1], 100)

	var sent []byte
	for _, c := range chunks {
		sent = append(sent, c...)
	}
	assert.Equal(t, gotFull[:len(sent)], sent)
	assert.Len(t, gotFull[len(sent):], 50)

	assert.Equal(t, []State{StateRecording, StateStopped}, states.get())
	assert.Equal(t, 1, src.opened)
	assert.Equal(t, 1, src.closed)
}

func TestRecorder_PauseDropsFrames(t *testing.T) {
	src := newFakeSource("main")
	var chunks [][]byte
	states := &stateLog{}
	r := newTestRecorder(src, &chunks, states)

	require.NoError(t, r.Start(context.Background()))
	src.frames <- frame(10, 1)
	assert.Eventually(t, func() bool { return encodedLen(r) == 20 }, time.Second, time.Millisecond)

	r.Pause()
	assert.Equal(t, StatePaused, r.State())
	src.frames <- frame(10, 2)
	src.frames <- frame(10, 3)

	var gotFull []byte
	r.Stop(func(_ string, full []byte) { gotFull = full })

	assert.Len(t, gotFull, 20)
	assert.Equal(t, []State{StateRecording, StatePaused, StateStopped}, states.get())
}

func TestRecorder_PauseResumeAreNoOpsInWrongState(t *testing.T) {
	src := newFakeSource("main")
	states := &stateLog{}
	var chunks [][]byte
	r := newTestRecorder(src, &chunks, states)

	r.Resume()
	r.Pause()
	assert.Equal(t, StateInactive, r.State())
	assert.Empty(t, states.get())
}

func TestRecorder_StopWithoutStart(t *testing.T) {
	src := newFakeSource("idle")
	var chunks [][]byte
	r := newTestRecorder(src, &chunks, &stateLog{})

	calls := 0
	r.Stop(func(ref string, full []byte) {
		calls++
		assert.NotEmpty(t, ref)
		assert.Empty(t, full)
	})
	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, src.closed)
}

func TestRecorder_StartTwiceFails(t *testing.T) {
	src := newFakeSource("main")
	var chunks [][]byte
	r := newTestRecorder(src, &chunks, &stateLog{})

	require.NoError(t, r.Start(context.Background()))
	assert.ErrorIs(t, r.Start(context.Background()), ErrAlreadyRecording)
	r.Stop(nil)
}

func TestRecorder_AcquireFailure(t *testing.T) {
	src := newFakeSource("broken")
	src.openErr = errors.New("device busy")
	var chunks [][]byte
	r := newTestRecorder(src, &chunks, &stateLog{})

	err := r.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAcquire)
	assert.Contains(t, err.Error(), "device busy")
	assert.Equal(t, StateInactive, r.State())
}

func TestRecorder_ResamplesToEncoderRate(t *testing.T) {
	src := newFakeSource("main")
	src.rate = 48000
	var chunks [][]byte
	r := newTestRecorder(src, &chunks, &stateLog{})

	require.NoError(t, r.Start(context.Background()))
	src.frames <- frame(480, 7)
	assert.Eventually(t, func() bool { return encodedLen(r) == 320 }, time.Second, time.Millisecond)
	r.Stop(nil)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "unknown", StateUnknown.String())
	assert.Equal(t, "paused", StatePaused.String())
	assert.True(t, StatePaused.Active())
	assert.False(t, StateStopped.Active())

	var r *Recorder
	assert.Equal(t, StateUnknown, r.State())
}

type failingSource struct {
	*fakeSource
	err error
}

func (s failingSource) Read(context.Context) ([]int16, error) {
	return nil, s.err
}

func TestRecorder_StopFromErrorCallback(t *testing.T) {
	src := failingSource{fakeSource: newFakeSource("main"), err: errors.New("device unplugged")}

	var rec *Recorder
	stopped := make(chan string, 1)
	rec = New(src, Config{
		TimeSlice: time.Hour,
		OnError: func(err error) {
			assert.ErrorContains(t, err, "device unplugged")
			rec.Stop(func(ref string, _ []byte) { stopped <- ref })
		},
	})
	require.NoError(t, rec.Start(context.Background()))

	select {
	case ref := <-stopped:
		assert.NotEmpty(t, ref)
	case <-time.After(time.Second):
		t.Fatal("Stop called from OnError did not return")
	}
	assert.Equal(t, StateStopped, rec.State())
}
