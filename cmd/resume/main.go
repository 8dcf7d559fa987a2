package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kingpin/v2"
	log "github.com/echocat/slf4g"
	"github.com/echocat/slf4g/native"
	"github.com/echocat/slf4g/native/facade/value"
	"github.com/echocat/slf4g/native/formatter"

	"example.com/resume_bridge/pkg/config"
)

type app struct {
	configFile string

	// configFromFlags overrides the configuration file
	configFromFlags config.Config
}

func (a *app) config() (config.Config, error) {
	cfg, err := config.Load(a.configFile)
	if err != nil {
		return cfg, err
	}
	if err := config.Merge(&cfg, a.configFromFlags); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func main() {
	lv := value.NewProvider(native.DefaultProvider)
	lv.Consumer.Formatter.Codec = value.MappingFormatterCodec{
		"text": formatter.NewText(),
		"json": formatter.NewJson(),
	}

	var a app
	cmd := kingpin.New("resume", "Streams dictation from local or remote microphones to a transcription gateway.")
	cmd.Flag("config", "YAML or TOML configuration file.").
		Short('c').
		Envar("RESUME_CONFIG").
		StringVar(&a.configFile)
	cmd.Flag("gateway", "Websocket URL of the transcription gateway.").
		StringVar(&a.configFromFlags.Gateway.URL)
	cmd.Flag("log.level", "").
		SetValue(lv.Level)
	cmd.Flag("log.format", "").
		Default("text").
		SetValue(lv.Consumer.Formatter)

	a.registerRecord(cmd)
	a.registerDevices(cmd)
	a.registerSections(cmd)
	a.registerHistory(cmd)

	kingpin.MustParse(cmd.Parse(os.Args[1:]))
}

// signalContext is cancelled on the first interrupt
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-c:
			log.Info("Terminated. Going down...")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(c)
	}()
	return ctx, cancel
}
