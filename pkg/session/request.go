package session

import (
	"github.com/google/uuid"

	"example.com/resume_bridge/pkg/protocol"
)

// DefaultSectionID is used when neither the request nor the configuration
// names a section
const DefaultSectionID = "0"

// SupportedLanguages is appended after the caller's preferences in every
// handshake
var SupportedLanguages = []string{
	"th-TH", "en-US", "zh", "ja-JP", "ko-KR",
	"zh-TW", "en-GB", "en-AU", "en-SG", "en-IN",
}

// DocFormat selects the document format of a session. The zero value means
// "use the configured default"; NullFormat explicitly asks for none.
type DocFormat struct {
	set  bool
	null bool
	name string
}

// NullFormat is an explicit request for no document format
var NullFormat = DocFormat{set: true, null: true}

// FormatOf requests the named document format
func FormatOf(name string) DocFormat {
	return DocFormat{set: true, name: name}
}

// IsDefault reports whether the format defers to the configured default
func (f DocFormat) IsDefault() bool {
	return !f.set
}

func (f DocFormat) resolve(def *string) *string {
	if !f.set {
		return def
	}
	if f.null {
		return nil
	}
	name := f.name
	return &name
}

func (f DocFormat) String() string {
	switch {
	case !f.set:
		return "<default>"
	case f.null:
		return "<null>"
	default:
		return f.name
	}
}

// Request holds the per-session arguments of a handshake
type Request struct {
	// Microphones names the channels, one per recorder, in channel order
	Microphones []string

	Hint       []string
	Identifier any
	SectionID  string
	DocFormat  DocFormat

	// Languages overrides the configured preferences when not empty
	Languages []string
}

// MergeLanguages returns preferred followed by fallback without duplicates
func MergeLanguages(preferred, fallback []string) []string {
	seen := make(map[string]struct{}, len(preferred)+len(fallback))
	out := make([]string, 0, len(preferred)+len(fallback))
	for _, list := range [][]string{preferred, fallback} {
		for _, l := range list {
			if l == "" {
				continue
			}
			if _, ok := seen[l]; ok {
				continue
			}
			seen[l] = struct{}{}
			out = append(out, l)
		}
	}
	return out
}

func (c *Coordinator) buildHandshake(req Request) protocol.HandshakeRequest {
	section := req.SectionID
	if section == "" {
		section = c.cfg.DefaultSectionID
	}

	langs := req.Languages
	if len(langs) == 0 {
		langs = c.cfg.Languages
	}

	return protocol.HandshakeRequest{
		RequestID:    uuid.NewString(),
		SectionID:    section,
		Microphones:  append([]string(nil), req.Microphones...),
		Languages:    MergeLanguages(langs, SupportedLanguages),
		Hint:         req.Hint,
		DocFormat:    req.DocFormat.resolve(c.cfg.DefaultDocFormat),
		MultiSpeaker: c.cfg.MultiSpeaker,
		Identifier:   req.Identifier,
		StartedAt:    c.cfg.Now().UnixMilli(),
		Codec:        c.cfg.Codec,
		SampleRate:   c.cfg.SampleRate,
	}
}
