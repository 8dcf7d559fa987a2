package audio

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// FileArchive persists finished channel recordings as WAV files
type FileArchive struct {
	dir        string
	codec      string
	sampleRate int
}

// NewFileArchive creates the target directory if needed
func NewFileArchive(dir, codec string, sampleRate int) (*FileArchive, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create archive dir %s: %w", dir, err)
	}
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	return &FileArchive{dir: dir, codec: codec, sampleRate: sampleRate}, nil
}

// Store decodes the encoded channel stream and writes it as mono 16-bit
// WAV. The returned reference is a file:// URL.
func (a *FileArchive) Store(name string, data []byte) (string, error) {
	pcm, err := a.decode(data)
	if err != nil {
		return "", err
	}

	path := filepath.Join(a.dir, sanitize(name)+".wav")
	if err := WriteWAV(path, pcm, a.sampleRate); err != nil {
		return "", err
	}
	return "file://" + path, nil
}

func (a *FileArchive) decode(data []byte) ([]int16, error) {
	switch a.codec {
	case "", CodecPCM16:
		return BytesToInt16(data), nil
	case CodecOpus:
		dec, err := NewOpusDecoder(a.sampleRate, 1)
		if err != nil {
			return nil, err
		}
		return dec.DecodeStream(data)
	default:
		return nil, fmt.Errorf("unknown codec %q", a.codec)
	}
}

// WriteWAV writes mono int16 samples to a WAV file
func WriteWAV(path string, samples []int16, sampleRate int) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	enc := wav.NewEncoder(f, sampleRate, 16, 1, 1)
	buf := &goaudio.IntBuffer{
		Format: &goaudio.Format{
			NumChannels: 1,
			SampleRate:  sampleRate,
		},
		Data:           make([]int, len(samples)),
		SourceBitDepth: 16,
	}
	for i, s := range samples {
		buf.Data[i] = int(s)
	}
	if err := enc.Write(buf); err != nil {
		enc.Close()
		return fmt.Errorf("failed to write wav %s: %w", path, err)
	}
	return enc.Close()
}

// MemoryArchive keeps recordings in memory, keyed by reference
type MemoryArchive struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

// NewMemoryArchive creates an empty in-memory archive
func NewMemoryArchive() *MemoryArchive {
	return &MemoryArchive{blobs: make(map[string][]byte)}
}

// Store keeps a copy of data and returns a memory:// reference
func (a *MemoryArchive) Store(name string, data []byte) (string, error) {
	ref := "memory://" + sanitize(name)

	a.mu.Lock()
	defer a.mu.Unlock()
	a.blobs[ref] = append([]byte(nil), data...)
	return ref, nil
}

// Get returns a stored recording
func (a *MemoryArchive) Get(ref string) ([]byte, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	b, ok := a.blobs[ref]
	return b, ok
}

func sanitize(name string) string {
	name = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', ' ':
			return '_'
		}
		return r
	}, name)
	if name == "" {
		return "recording"
	}
	return name
}
