package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	log "github.com/echocat/slf4g"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"example.com/resume_bridge/client"
	"example.com/resume_bridge/pkg/config"
	"example.com/resume_bridge/pkg/device"
	"example.com/resume_bridge/pkg/history"
	"example.com/resume_bridge/pkg/metrics"
	"example.com/resume_bridge/pkg/protocol"
	"example.com/resume_bridge/pkg/recorder"
	"example.com/resume_bridge/pkg/resume"
	"example.com/resume_bridge/pkg/session"
)

const (
	// stopTimeout bounds the wait for the session record after Stop
	stopTimeout = 5 * time.Second

	// finalTimeout bounds the wait for the final transcript once the
	// record is in
	finalTimeout = 15 * time.Second
)

type recordCmd struct {
	app *app

	sectionID  string
	hints      []string
	identifier string
	docFormat  string
	languages  []string
	duration   time.Duration
}

func (a *app) registerRecord(cmd *kingpin.Application) {
	rc := &recordCmd{app: a}
	c := cmd.Command("record", "Record one session. Ctrl+C stops it, SIGUSR1 toggles pause.").
		Default().
		Action(func(*kingpin.ParseContext) error {
			ctx, cancel := signalContext()
			defer cancel()
			return rc.run(ctx)
		})

	f := &a.configFromFlags
	c.Flag("microphone", "Logical microphone name, repeatable.").
		StringsVar(&f.Microphones)
	c.Flag("map", "Pin a microphone to a device, as name=device.").
		StringMapVar(&f.Mapping)
	c.Flag("codec", "Chunk codec.").
		EnumVar(&f.Codec, "pcm16", "opus")
	c.Flag("sample-rate", "Encoder sample rate.").
		IntVar(&f.SampleRate)
	c.Flag("tag", "Tag attached to every unit.").
		StringVar(&f.Tag)
	c.Flag("archive.dir", "Keep finished recordings as WAV files in this directory.").
		StringVar(&f.ArchiveDir)
	c.Flag("history", "SQLite file keeping completed sessions.").
		StringVar(&f.HistoryPath)
	c.Flag("metrics.listen", "Serve Prometheus metrics on this address.").
		StringVar(&f.MetricsListen)
	c.Flag("room.url", "Record the peers of an audio room instead of local microphones.").
		StringVar(&f.Room.URL)
	c.Flag("room.name", "Audio room to join.").
		StringVar(&f.Room.Name)

	c.Flag("section", "Section id of this session.").
		StringVar(&rc.sectionID)
	c.Flag("hint", "Vocabulary hint, repeatable.").
		StringsVar(&rc.hints)
	c.Flag("identifier", "Opaque identifier, JSON or plain text.").
		StringVar(&rc.identifier)
	c.Flag("doc-format", `Document format; "null" asks for none.`).
		StringVar(&rc.docFormat)
	c.Flag("language", "Preferred language, repeatable.").
		StringsVar(&rc.languages)
	c.Flag("duration", "Stop automatically after this long.").
		DurationVar(&rc.duration)
}

func (rc *recordCmd) run(ctx context.Context) error {
	cfg, err := rc.app.config()
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	if cfg.MetricsListen != "" {
		go serveMetrics(ctx, cfg.MetricsListen, reg)
	}

	var store *history.Store
	if cfg.HistoryPath != "" {
		if store, err = history.Open(cfg.HistoryPath); err != nil {
			return err
		}
		defer store.Close()
	}

	sel, closeSel, err := rc.selector(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeSel()

	opts := cfg.Options()
	if opts.Archive, err = cfg.Archive(); err != nil {
		return err
	}
	opts.Metrics = m

	records := make(chan session.Record, 1)
	finals := make(chan protocol.Transcript, 1)
	opts.OnStop = func(rec session.Record) { records <- rec }
	opts.OnFinalTranscript = func(t protocol.Transcript) {
		select {
		case finals <- t:
		default:
		}
	}
	opts.OnTranscript = func(t protocol.Transcript) {
		log.With("sessionId", t.SessionID).Info(t.Text)
	}
	opts.OnError = func(err error) {
		log.WithError(err).Warn("Recording error.")
	}
	opts.OnAlert = func(err error) {
		fmt.Fprintln(os.Stderr, "ALERT:", err)
	}
	opts.OnSession = func(id string) {
		log.With("sessionId", id).Info("Session open.")
	}
	opts.OnDisconnect = func() {
		log.Warn("Gateway connection lost, units are queued.")
	}
	opts.OnStateChanged = func(channel int, s recorder.State) {
		log.With("channel", channel).With("state", s).Debug("Channel state changed.")
	}

	header := http.Header{}
	for k, v := range cfg.Gateway.Headers {
		header.Set(k, v)
	}
	ch := client.NewClient(cfg.Gateway.URL, client.WithHeader(header))

	// recorders outlive the signal context so Stop can flush them
	r, err := resume.New(context.Background(), ch, sel, opts)
	if err != nil {
		return err
	}
	defer r.Close()

	if err := ch.Connect(ctx); err != nil {
		return err
	}
	defer func() { _ = ch.Disconnect() }()

	if err := r.Start(resume.StartRequest{
		Hint:       rc.hints,
		Identifier: parseIdentifier(rc.identifier),
		SectionID:  rc.sectionID,
		DocFormat:  config.DocFormat(rc.docFormat),
		Languages:  rc.languages,
	}); err != nil {
		return err
	}

	rc.wait(ctx, r)

	if err := r.Stop(nil); err != nil {
		return err
	}

	var rec session.Record
	select {
	case rec = <-records:
	case <-time.After(stopTimeout):
		return errors.New("recorders did not stop in time")
	}

	transcript := awaitFinal(finals, r.Transcript, finalTimeout)

	if store != nil && rec.SessionID != "" {
		if err := store.Save(context.Background(), rec, transcript); err != nil {
			log.WithError(err).Warn("Cannot keep session in history.")
		}
	}

	return printJSON(struct {
		session.Record
		Transcript string `json:"transcript"`
	}{rec, transcript})
}

// wait blocks until ctx is done or the duration elapsed. SIGUSR1 toggles
// pause in between.
func (rc *recordCmd) wait(ctx context.Context, r *resume.Resume) {
	var deadline <-chan time.Time
	if rc.duration > 0 {
		t := time.NewTimer(rc.duration)
		defer t.Stop()
		deadline = t.C
	}

	toggle := make(chan os.Signal, 1)
	signal.Notify(toggle, syscall.SIGUSR1)
	defer signal.Stop(toggle)

	paused := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-deadline:
			return
		case <-toggle:
			var err error
			if paused {
				err = r.Resume()
			} else {
				err = r.Pause()
			}
			if err == nil {
				paused = !paused
				log.With("paused", paused).
					With("recordTime", r.RecordTime().Round(time.Second)).
					Info("Pause toggled.")
			}
		}
	}
}

func (rc *recordCmd) selector(ctx context.Context, cfg config.Config) (resume.Selector, func(), error) {
	if cfg.Room.URL == "" {
		sel, err := device.NewPortAudioSelector(device.SelectorConfig{
			SampleRate: cfg.Options().SampleRate,
			Mapping:    cfg.Mapping,
		})
		if err != nil {
			return nil, nil, err
		}
		return sel, func() { _ = sel.Close() }, nil
	}

	rooms := device.NewRoomSelector()
	id := cfg.Room.ID + "-" + uuid.NewString()[:8]
	bridge := client.NewBridge(id, cfg.Room.URL)
	bridge.OnTrack(func(peerID string, track *webrtc.TrackRemote) {
		rooms.AddTrack(peerID, track)
	})
	bridge.OnPeerEvent(func(peerID string, joined bool) {
		if !joined {
			rooms.Remove(peerID)
		}
	})
	if err := bridge.Connect(ctx, cfg.Room.Name); err != nil {
		return nil, nil, err
	}
	return waitingSelector{rooms, cfg.Room.Wait.Duration}, func() { _ = bridge.Disconnect() }, nil
}

// waitingSelector bounds how long room peers are awaited
type waitingSelector struct {
	rooms *device.RoomSelector
	wait  time.Duration
}

func (s waitingSelector) Select(ctx context.Context, names []string) ([]recorder.Source, error) {
	if s.wait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.wait)
		defer cancel()
	}
	return s.rooms.Select(ctx, names)
}

func parseIdentifier(v string) any {
	if v == "" {
		return nil
	}
	var out any
	if err := json.Unmarshal([]byte(v), &out); err == nil {
		return out
	}
	return v
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry) {
	srv := &http.Server{Addr: addr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	log.With("listen", addr).Info("Serving metrics.")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.WithError(err).Warn("Metrics listener failed.")
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// awaitFinal waits up to timeout for the final transcript and falls back to
// the last accepted one
func awaitFinal(finals <-chan protocol.Transcript, last func() (protocol.Transcript, bool, bool), timeout time.Duration) string {
	select {
	case t := <-finals:
		return t.Text
	case <-time.After(timeout):
		log.Warn("No final transcript received.")
		if t, _, ok := last(); ok {
			return t.Text
		}
		return ""
	}
}
