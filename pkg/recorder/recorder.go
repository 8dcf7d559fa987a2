package recorder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	log "github.com/echocat/slf4g"

	"example.com/resume_bridge/pkg/audio"
)

// DefaultTimeSlice is how often a recording channel emits a chunk
const DefaultTimeSlice = time.Second

var (
	// ErrAcquire reports that the capture device could not be opened
	ErrAcquire = errors.New("cannot acquire capture device")

	// ErrAlreadyRecording is returned by Start while recording or paused
	ErrAlreadyRecording = errors.New("recorder is already running")
)

// Source is one physical capture device producing mono PCM frames
type Source interface {
	Name() string
	SampleRate() int

	// Open acquires the device and starts capturing
	Open(ctx context.Context) error

	// Read blocks until the next frame is available. io.EOF ends capture.
	Read(ctx context.Context) ([]int16, error)

	// Close releases the device
	Close() error
}

// Archive stores a finished recording and returns a reference to it
type Archive interface {
	Store(name string, data []byte) (string, error)
}

// StopFunc receives the final blob reference and the complete encoded
// recording once a recorder has stopped
type StopFunc func(ref string, full []byte)

// Config holds recorder settings
type Config struct {
	TimeSlice  time.Duration
	Codec      string
	SampleRate int
	Archive    Archive

	OnData         func(chunk []byte)
	OnStateChanged func(State)
	OnError        func(error)
}

// Recorder wraps one capture device plus an encoder and emits a chunk of
// newly encoded bytes on every time slice
type Recorder struct {
	src Source
	cfg Config

	mu        sync.Mutex
	state     State
	enc       audio.Encoder
	full      []byte
	emitted   int
	startedAt time.Time
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	stopMu sync.Mutex
}

// New creates an inactive recorder for src
func New(src Source, cfg Config) *Recorder {
	if cfg.TimeSlice <= 0 {
		cfg.TimeSlice = DefaultTimeSlice
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = audio.DefaultSampleRate
	}
	if cfg.Archive == nil {
		cfg.Archive = audio.NewMemoryArchive()
	}
	return &Recorder{
		src:   src,
		cfg:   cfg,
		state: StateInactive,
	}
}

// Name returns the name of the wrapped device
func (r *Recorder) Name() string {
	return r.src.Name()
}

// State returns the current recorder state
func (r *Recorder) State() State {
	if r == nil {
		return StateUnknown
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Start acquires the device and begins a fresh recording
func (r *Recorder) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.state.Active() {
		r.mu.Unlock()
		return ErrAlreadyRecording
	}

	enc, err := audio.NewEncoder(r.cfg.Codec, r.cfg.SampleRate)
	if err != nil {
		r.mu.Unlock()
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	if err := r.src.Open(runCtx); err != nil {
		cancel()
		r.mu.Unlock()
		return fmt.Errorf("%w %q: %w", ErrAcquire, r.src.Name(), err)
	}

	r.enc = enc
	r.full = nil
	r.emitted = 0
	r.startedAt = time.Now()
	r.cancel = cancel
	r.state = StateRecording

	r.wg.Add(2)
	go r.capture(runCtx, enc)
	go r.slice(runCtx)
	r.mu.Unlock()

	log.With("device", r.src.Name()).
		With("timeSlice", r.cfg.TimeSlice).
		Debug("Recorder started.")
	r.notify(StateRecording)
	return nil
}

// Pause suspends capture; a no-op unless recording
func (r *Recorder) Pause() {
	if r.transition(StateRecording, StatePaused) {
		r.notify(StatePaused)
	}
}

// Resume continues a paused recording; a no-op unless paused
func (r *Recorder) Resume() {
	if r.transition(StatePaused, StateRecording) {
		r.notify(StateRecording)
	}
}

func (r *Recorder) transition(from, to State) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != from {
		return false
	}
	r.state = to
	return true
}

// Stop finalizes the recording and invokes onStopped exactly once with the
// archived reference and the full encoded buffer. No chunk is emitted
// after onStopped runs.
func (r *Recorder) Stop(onStopped StopFunc) {
	r.stopMu.Lock()
	defer r.stopMu.Unlock()

	r.mu.Lock()
	running := r.state.Active()
	cancel := r.cancel
	r.mu.Unlock()

	if running {
		cancel()
		r.wg.Wait()

		r.mu.Lock()
		tail, err := r.enc.Flush()
		if err != nil {
			log.With("device", r.src.Name()).
				WithError(err).
				Warn("Cannot flush encoder.")
		}
		r.full = append(r.full, tail...)
		r.state = StateStopped
		r.cancel = nil
		r.mu.Unlock()

		if err := r.src.Close(); err != nil {
			log.With("device", r.src.Name()).
				WithError(err).
				Warn("Cannot release capture device.")
		}
		r.notify(StateStopped)
	}

	r.mu.Lock()
	full := r.full[:len(r.full):len(r.full)]
	name := fmt.Sprintf("%s-%s", r.src.Name(), r.startedAt.Format("20060102T150405.000"))
	r.mu.Unlock()

	ref, err := r.cfg.Archive.Store(name, full)
	if err != nil {
		r.reportError(fmt.Errorf("cannot archive recording of %q: %w", r.src.Name(), err))
		ref = "unarchived://" + name
	}

	log.With("device", r.src.Name()).
		With("bytes", len(full)).
		With("ref", ref).
		Debug("Recorder stopped.")

	if onStopped != nil {
		onStopped(ref, full)
	}
}

// capture reads frames and encodes them while recording. A terminal read
// error is reported after the goroutine is released, so OnError may call
// Stop.
func (r *Recorder) capture(ctx context.Context, enc audio.Encoder) {
	err := r.read(ctx, enc)
	r.wg.Done()
	if err != nil {
		r.reportError(err)
	}
}

func (r *Recorder) read(ctx context.Context, enc audio.Encoder) error {
	for {
		pcm, err := r.src.Read(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("capture from %q failed: %w", r.src.Name(), err)
		}

		if rate := r.src.SampleRate(); rate > 0 && rate != enc.SampleRate() {
			pcm = audio.ResampleMono(pcm, rate, enc.SampleRate())
		}

		r.mu.Lock()
		if r.state == StateRecording {
			b, err := enc.Encode(pcm)
			r.full = append(r.full, b...)
			if err != nil {
				r.mu.Unlock()
				return err
			}
		}
		r.mu.Unlock()
	}
}

// slice cuts a chunk on every tick
func (r *Recorder) slice(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.TimeSlice)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.cut()
		}
	}
}

// cut hands every byte encoded since the previous cut to OnData
func (r *Recorder) cut() {
	r.mu.Lock()
	if len(r.full) <= r.emitted {
		r.mu.Unlock()
		return
	}
	chunk := r.full[r.emitted:len(r.full):len(r.full)]
	r.emitted = len(r.full)
	r.mu.Unlock()

	if r.cfg.OnData != nil {
		r.cfg.OnData(chunk)
	}
}

func (r *Recorder) notify(s State) {
	if r.cfg.OnStateChanged != nil {
		r.cfg.OnStateChanged(s)
	}
}

func (r *Recorder) reportError(err error) {
	log.With("device", r.src.Name()).
		WithError(err).
		Warn("Recorder error.")
	if r.cfg.OnError != nil {
		r.cfg.OnError(err)
	}
}
