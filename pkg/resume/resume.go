package resume

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/echocat/slf4g"

	"example.com/resume_bridge/pkg/protocol"
	"example.com/resume_bridge/pkg/recorder"
	"example.com/resume_bridge/pkg/session"
)

var (
	// ErrSessionActive rejects Start and ChooseDevices while any channel
	// is recording or paused
	ErrSessionActive = errors.New("a recording is in progress")

	// ErrPauseNotAllowed is reported by Pause and Resume when disabled
	ErrPauseNotAllowed = errors.New("pause is not allowed")

	// ErrNoDevices is returned when no capture device could be resolved
	ErrNoDevices = errors.New("no capture devices")
)

// Selector resolves logical microphone names to capture sources
type Selector interface {
	Select(ctx context.Context, names []string) ([]recorder.Source, error)
}

// StartRequest carries the per-session arguments of Start
type StartRequest struct {
	Hint       []string
	Identifier any
	SectionID  string
	DocFormat  session.DocFormat
	Languages  []string
}

// Resume composes one recorder per capture device under a single session
type Resume struct {
	opts  Options
	sel   Selector
	coord *session.Coordinator

	ctx    context.Context
	cancel context.CancelFunc

	// opMu serializes Start, Stop, Pause, Resume, ChooseDevices and Close
	opMu sync.Mutex

	mu        sync.Mutex
	recorders []*recorder.Recorder
	inOp      bool
	deferred  []func()
}

// New creates a Resume bound to ch. Devices are resolved by sel on the
// first Start or by ChooseDevices.
func New(ctx context.Context, ch protocol.Channel, sel Selector, opts Options) (*Resume, error) {
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}
	opts.Microphones = opts.microphones()

	r := &Resume{sel: sel}
	r.ctx, r.cancel = context.WithCancel(ctx)

	opts = r.wrapCallbacks(opts)
	r.opts = opts

	r.coord = session.New(ch, session.Config{
		DefaultSectionID:  opts.DefaultSectionID,
		DefaultDocFormat:  opts.DefaultDocFormat,
		MultiSpeaker:      opts.MultiSpeaker,
		Languages:         opts.Languages,
		RetryInterval:     opts.RetryInterval,
		AlertError:        opts.AlertError,
		Tag:               opts.Tag,
		Codec:             opts.Codec,
		SampleRate:        opts.SampleRate,
		Intermediate:      opts.IntermediateTranscript,
		OnTranscript:      opts.OnTranscript,
		OnFinalTranscript: opts.OnFinalTranscript,
		OnError:           opts.OnError,
		OnAlert:           opts.OnAlert,
		OnSession:         opts.OnSession,
		OnConnect:         opts.OnConnect,
		OnDisconnect:      opts.OnDisconnect,
		Metrics:           opts.Metrics,
	})

	return r, nil
}

// ChooseDevices resolves the configured microphones and replaces the
// recorders. It is rejected while recording.
func (r *Resume) ChooseDevices(ctx context.Context) error {
	r.lock()
	defer r.unlock()

	if r.active() {
		return r.fail(fmt.Errorf("cannot change devices: %w", ErrSessionActive))
	}
	return r.chooseDevices(ctx)
}

func (r *Resume) chooseDevices(ctx context.Context) error {
	sources, err := r.sel.Select(ctx, r.opts.Microphones)
	if err != nil {
		return r.fail(fmt.Errorf("cannot choose devices: %w", err))
	}
	if len(sources) == 0 {
		return r.fail(ErrNoDevices)
	}

	recs := make([]*recorder.Recorder, len(sources))
	for i, src := range sources {
		i := i
		recs[i] = recorder.New(src, recorder.Config{
			TimeSlice:  r.opts.TimeSlice,
			Codec:      r.opts.Codec,
			SampleRate: r.opts.SampleRate,
			Archive:    r.opts.Archive,
			OnData: func(chunk []byte) {
				r.coord.Submit(i, chunk)
			},
			OnStateChanged: func(s recorder.State) {
				r.coord.RecordStateChanged(i, s)
				if r.opts.OnStateChanged != nil {
					r.opts.OnStateChanged(i, s)
				}
			},
			OnError: r.opts.OnError,
		})
		log.With("channel", i).
			With("device", src.Name()).
			Info("Device selected.")
	}

	r.mu.Lock()
	r.recorders = recs
	r.mu.Unlock()
	return nil
}

// Start opens a new session and starts every recorder. It is rejected
// while any recorder is recording or paused.
func (r *Resume) Start(req StartRequest) error {
	r.lock()
	defer r.unlock()

	if r.ctx.Err() != nil {
		return r.fail(session.ErrClosed)
	}
	if r.active() {
		return r.fail(fmt.Errorf("cannot start: %w", ErrSessionActive))
	}
	if len(r.snapshot()) == 0 {
		if err := r.chooseDevices(r.ctx); err != nil {
			return err
		}
	}

	recs := r.snapshot()
	names := make([]string, len(recs))
	for i, rec := range recs {
		names[i] = rec.Name()
	}

	err := r.coord.RequestSession(session.Request{
		Microphones: names,
		Hint:        req.Hint,
		Identifier:  req.Identifier,
		SectionID:   req.SectionID,
		DocFormat:   req.DocFormat,
		Languages:   req.Languages,
	})
	if err != nil {
		// Units queue until a reconnect resends the handshake
		log.WithError(err).Warn("Handshake not sent, recording anyway.")
	}

	for i, rec := range recs {
		if err := rec.Start(r.ctx); err != nil {
			for _, started := range recs[:i] {
				started.Stop(nil)
			}
			return r.fail(err)
		}
	}

	log.With("channels", len(recs)).
		With("sectionId", r.coord.SectionID()).
		Info("Recording started.")
	return nil
}

// Pause pauses every recorder
func (r *Resume) Pause() error {
	return r.fanOut("pause", (*recorder.Recorder).Pause)
}

// Resume resumes every paused recorder
func (r *Resume) Resume() error {
	return r.fanOut("resume", (*recorder.Recorder).Resume)
}

func (r *Resume) fanOut(op string, fn func(*recorder.Recorder)) error {
	r.lock()
	defer r.unlock()

	if !r.opts.AllowPause {
		return r.fail(fmt.Errorf("cannot %s: %w", op, ErrPauseNotAllowed))
	}
	for _, rec := range r.snapshot() {
		fn(rec)
	}
	return nil
}

// Stop ends every channel. OnStop receives the session record once the
// last channel has stopped.
func (r *Resume) Stop(userTranscript any) error {
	r.lock()
	defer r.unlock()

	recs := r.snapshot()
	if len(recs) == 0 {
		return r.fail(ErrNoDevices)
	}
	for i, rec := range recs {
		r.coord.EndChannel(i, rec, userTranscript, r.complete)
	}
	return nil
}

func (r *Resume) complete(rec session.Record) {
	log.With("sessionId", rec.SessionID).
		With("blobsize", rec.BlobSize).
		With("blobcount", rec.BlobCount).
		With("recordTime", rec.RecordTime.Round(time.Millisecond)).
		Info("Session complete.")
	if r.opts.OnStop != nil {
		r.opts.OnStop(rec)
	}
}

// States returns the state of every recorder in channel order
func (r *Resume) States() []recorder.State {
	recs := r.snapshot()
	out := make([]recorder.State, len(recs))
	for i, rec := range recs {
		out[i] = rec.State()
	}
	return out
}

// RecordTime returns the recording time of the current session
func (r *Resume) RecordTime() time.Duration {
	return r.coord.RecordTime()
}

// ActiveSessionID returns the server assigned session id, if any
func (r *Resume) ActiveSessionID() string {
	return r.coord.ActiveSessionID()
}

// Transcript returns the last accepted transcript and whether it was final
func (r *Resume) Transcript() (protocol.Transcript, bool, bool) {
	return r.coord.Transcript()
}

// Close stops running recorders without completing the session and
// abandons queued units
func (r *Resume) Close() {
	r.lock()
	defer r.unlock()

	for _, rec := range r.snapshot() {
		if rec.State().Active() {
			rec.Stop(nil)
		}
	}
	r.coord.Close()
	r.cancel()
}

func (r *Resume) active() bool {
	for _, rec := range r.snapshot() {
		if rec.State().Active() {
			return true
		}
	}
	return false
}

func (r *Resume) snapshot() []*recorder.Recorder {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recorders
}

// lock takes the operation lock. User callbacks raised until unlock are
// deferred.
func (r *Resume) lock() {
	r.opMu.Lock()
	r.mu.Lock()
	r.inOp = true
	r.mu.Unlock()
}

// unlock releases the operation lock and then runs the deferred callbacks,
// so they may call back into Resume
func (r *Resume) unlock() {
	r.mu.Lock()
	r.inOp = false
	pending := r.deferred
	r.deferred = nil
	r.mu.Unlock()
	r.opMu.Unlock()

	for _, fn := range pending {
		fn()
	}
}

// dispatch runs fn now, or once the running operation has unlocked
func (r *Resume) dispatch(fn func()) {
	r.mu.Lock()
	if r.inOp {
		r.deferred = append(r.deferred, fn)
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()
	fn()
}

// wrapCallbacks routes every user callback through dispatch
func (r *Resume) wrapCallbacks(opts Options) Options {
	if fn := opts.OnTranscript; fn != nil {
		opts.OnTranscript = func(t protocol.Transcript) { r.dispatch(func() { fn(t) }) }
	}
	if fn := opts.OnFinalTranscript; fn != nil {
		opts.OnFinalTranscript = func(t protocol.Transcript) { r.dispatch(func() { fn(t) }) }
	}
	if fn := opts.OnStop; fn != nil {
		opts.OnStop = func(rec session.Record) { r.dispatch(func() { fn(rec) }) }
	}
	if fn := opts.OnError; fn != nil {
		opts.OnError = func(err error) { r.dispatch(func() { fn(err) }) }
	}
	if fn := opts.OnAlert; fn != nil {
		opts.OnAlert = func(err error) { r.dispatch(func() { fn(err) }) }
	}
	if fn := opts.OnSession; fn != nil {
		opts.OnSession = func(id string) { r.dispatch(func() { fn(id) }) }
	}
	if fn := opts.OnConnect; fn != nil {
		opts.OnConnect = func() { r.dispatch(fn) }
	}
	if fn := opts.OnDisconnect; fn != nil {
		opts.OnDisconnect = func() { r.dispatch(fn) }
	}
	if fn := opts.OnStateChanged; fn != nil {
		opts.OnStateChanged = func(i int, s recorder.State) { r.dispatch(func() { fn(i, s) }) }
	}
	return opts
}

func (r *Resume) fail(err error) error {
	log.WithError(err).Warn("Operation rejected.")
	if r.opts.OnError != nil {
		r.opts.OnError(err)
	}
	return err
}
