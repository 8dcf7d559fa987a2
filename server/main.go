package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	log "github.com/echocat/slf4g"
	"github.com/echocat/slf4g/native"
	"github.com/echocat/slf4g/native/facade/value"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"example.com/resume_bridge/pkg/assemblyai"
	"example.com/resume_bridge/pkg/deepgram"
	"example.com/resume_bridge/pkg/stt"
)

type serverConfig struct {
	listen       string
	backend      string
	apiKey       string
	backendURL   string
	sectionsFile string
}

var backends = map[string]stt.Factory{
	"echo":       stt.NewEcho,
	"deepgram":   deepgram.NewClient,
	"assemblyai": assemblyai.NewClient,
}

func main() {
	lv := value.NewProvider(native.DefaultProvider)
	var cfg serverConfig

	cmd := kingpin.New("resume-gateway", "Reference transcription gateway and audio room server.").
		Action(func(*kingpin.ParseContext) error {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return run(ctx, cfg)
		})

	cmd.Flag("listen", "Address to listen on.").
		Default(":8080").
		StringVar(&cfg.listen)
	cmd.Flag("backend", "Transcription backend.").
		Default("echo").
		EnumVar(&cfg.backend, "echo", "deepgram", "assemblyai")
	cmd.Flag("backend.key", "API key of the transcription backend.").
		Envar("STT_API_KEY").
		StringVar(&cfg.apiKey)
	cmd.Flag("backend.url", "Override the backend endpoint.").
		StringVar(&cfg.backendURL)
	cmd.Flag("sections", "JSON file with the preset section list.").
		ExistingFileVar(&cfg.sectionsFile)
	cmd.Flag("log.level", "").
		SetValue(lv.Level)
	cmd.Flag("log.format", "").
		Default("text").
		SetValue(lv.Consumer.Formatter)

	kingpin.MustParse(cmd.Parse(os.Args[1:]))
}

func newMux(cfg serverConfig, reg *prometheus.Registry) (*http.ServeMux, error) {
	list, err := loadSections(cfg.sectionsFile)
	if err != nil {
		return nil, err
	}
	factory, ok := backends[cfg.backend]
	if !ok {
		factory = stt.NewEcho
	}

	m := newGatewayMetrics(reg)
	mux := http.NewServeMux()
	mux.Handle("/stream", &Gateway{
		backend: factory,
		stt:     stt.Config{APIKey: cfg.apiKey, BaseURL: cfg.backendURL},
		metrics: m,
	})
	mux.Handle("/rtc", &RoomHandler{rooms: NewRooms(), metrics: m})
	mux.Handle("/section_id.json", sectionsHandler(list))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})
	return mux, nil
}

func run(ctx context.Context, cfg serverConfig) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())

	mux, err := newMux(cfg, reg)
	if err != nil {
		return err
	}

	srv := &http.Server{Addr: cfg.listen, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.With("listen", cfg.listen).
		With("backend", cfg.backend).
		Info("Gateway started. Streams on /stream, rooms on /rtc.")

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	log.Info("Gateway stopped.")
	return nil
}
