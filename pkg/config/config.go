package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"dario.cat/mergo"
	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"example.com/resume_bridge/pkg/audio"
	"example.com/resume_bridge/pkg/recorder"
	"example.com/resume_bridge/pkg/resume"
	"example.com/resume_bridge/pkg/session"
)

// Duration is a time.Duration written as "900ms" or "1s" in files
type Duration struct {
	time.Duration
}

// UnmarshalText parses a duration string
func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText formats the duration as a string
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config is the file and flag configuration of the recorder CLI
type Config struct {
	Gateway GatewayConfig `yaml:"gateway" toml:"gateway"`

	Microphones []string          `yaml:"microphones" toml:"microphones"`
	Mapping     map[string]string `yaml:"mapping" toml:"mapping"`
	Room        RoomConfig        `yaml:"room" toml:"room"`

	Languages        []string `yaml:"languages" toml:"languages"`
	MultiSpeaker     *bool    `yaml:"multiSpeaker" toml:"multi_speaker"`
	DefaultSectionID string   `yaml:"defaultSectionId" toml:"default_section_id"`
	DefaultDocFormat string   `yaml:"defaultDocFormat" toml:"default_doc_format"`
	Tag              string   `yaml:"tag" toml:"tag"`

	TimeSlice     Duration `yaml:"timeSlice" toml:"time_slice"`
	RetryInterval Duration `yaml:"retryInterval" toml:"retry_interval"`
	AllowPause    *bool    `yaml:"allowPause" toml:"allow_pause"`
	AlertError    bool     `yaml:"alertError" toml:"alert_error"`

	Codec      string `yaml:"codec" toml:"codec"`
	SampleRate int    `yaml:"sampleRate" toml:"sample_rate"`

	ArchiveDir    string `yaml:"archiveDir" toml:"archive_dir"`
	HistoryPath   string `yaml:"historyPath" toml:"history_path"`
	MetricsListen string `yaml:"metricsListen" toml:"metrics_listen"`
}

// GatewayConfig locates the transcription gateway
type GatewayConfig struct {
	URL         string            `yaml:"url" toml:"url"`
	SectionsURL string            `yaml:"sectionsUrl" toml:"sections_url"`
	Headers     map[string]string `yaml:"headers" toml:"headers"`
}

// RoomConfig records remote room peers instead of local microphones
type RoomConfig struct {
	URL  string   `yaml:"url" toml:"url"`
	Name string   `yaml:"name" toml:"name"`
	ID   string   `yaml:"id" toml:"id"`
	Wait Duration `yaml:"wait" toml:"wait"`
}

// Default returns the built-in configuration
func Default() Config {
	opts := resume.DefaultOptions()
	return Config{
		Gateway: GatewayConfig{
			URL:         "ws://localhost:8080/stream",
			SectionsURL: "http://localhost:8080/section_id.json",
		},
		Microphones:      append([]string(nil), opts.Microphones...),
		Room:             RoomConfig{ID: "resume-recorder", Wait: Duration{10 * time.Second}},
		Languages:        append([]string(nil), opts.Languages...),
		DefaultSectionID: opts.DefaultSectionID,
		TimeSlice:        Duration{opts.TimeSlice},
		RetryInterval:    Duration{opts.RetryInterval},
		Codec:            opts.Codec,
		SampleRate:       opts.SampleRate,
		HistoryPath:      DefaultHistoryPath(),
	}
}

// DefaultHistoryPath is the sqlite file below the user config directory
func DefaultHistoryPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = "."
	}
	return filepath.Join(dir, "resume-bridge", "history.db")
}

// Load reads path on top of Default. The format follows the extension:
// .toml is TOML, everything else YAML. Unknown keys are rejected. A key
// present in the file replaces the default even when its value is empty,
// so `microphones: []` selects the default device.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("cannot open configuration file %q: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	loaded := Default()
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		err = decodeTOML(f, &loaded)
	} else {
		err = decodeYAML(f, &loaded)
	}
	if err != nil {
		return cfg, fmt.Errorf("cannot load configuration file %q: %w", path, err)
	}
	return loaded, nil
}

func decodeYAML(r io.Reader, into *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(into); err != nil && err != io.EOF {
		return err
	}
	return nil
}

func decodeTOML(r io.Reader, into *Config) error {
	md, err := toml.NewDecoder(r).Decode(into)
	if err != nil {
		return err
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return fmt.Errorf("unknown keys: %s", strings.Join(keys, ", "))
	}
	return nil
}

// Merge overrides dst with every non-zero value of src. Zero values never
// override, so it serves command line flags where unset means zero; files
// go through Load.
func Merge(dst *Config, src Config) error {
	if err := mergo.Merge(dst, src, mergo.WithOverride); err != nil {
		return fmt.Errorf("cannot merge configuration: %w", err)
	}
	return nil
}

// Options converts the configuration to orchestrator options. Callbacks,
// archive and metrics are left for the caller.
func (c Config) Options() resume.Options {
	opts := resume.DefaultOptions()
	opts.Microphones = append([]string(nil), c.Microphones...)
	opts.Languages = append([]string(nil), c.Languages...)
	opts.MultiSpeaker = c.MultiSpeaker
	opts.DefaultSectionID = c.DefaultSectionID
	if c.DefaultDocFormat != "" {
		f := c.DefaultDocFormat
		opts.DefaultDocFormat = &f
	}
	opts.Tag = c.Tag
	if c.TimeSlice.Duration > 0 {
		opts.TimeSlice = c.TimeSlice.Duration
	}
	if c.RetryInterval.Duration > 0 {
		opts.RetryInterval = c.RetryInterval.Duration
	}
	if c.AllowPause != nil {
		opts.AllowPause = *c.AllowPause
	}
	opts.AlertError = c.AlertError
	if c.Codec != "" {
		opts.Codec = c.Codec
	}
	if c.SampleRate > 0 {
		opts.SampleRate = c.SampleRate
	}
	return opts
}

// Archive returns the WAV file archive when ArchiveDir is set and nil to
// keep recordings in memory
func (c Config) Archive() (recorder.Archive, error) {
	if c.ArchiveDir == "" {
		return nil, nil
	}
	opts := c.Options()
	a, err := audio.NewFileArchive(c.ArchiveDir, opts.Codec, opts.SampleRate)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// DocFormat turns a command line value into a session doc format: empty
// defers to the configured default and "null" asks for none
func DocFormat(v string) session.DocFormat {
	switch v {
	case "":
		return session.DocFormat{}
	case "null":
		return session.NullFormat
	default:
		return session.FormatOf(v)
	}
}
