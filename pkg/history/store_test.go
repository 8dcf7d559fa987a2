package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/resume_bridge/pkg/session"
)

func record(id string, at time.Time) session.Record {
	return session.Record{
		SessionID:      id,
		SectionID:      "4",
		Identifier:     map[string]any{"hn": "12345"},
		URL:            []string{"memory://main", "memory://another"},
		BlobSize:       []int{300, 200},
		BlobCount:      []int{3, 2},
		UserTranscript: "edited",
		RecordTime:     1500 * time.Millisecond,
		CompletedAt:    at,
	}
}

func TestStore_SaveListGet(t *testing.T) {
	s, err := Open(":memory:")
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	t0 := time.Date(2026, 10, 1, 8, 0, 0, 0, time.UTC)
	require.NoError(t, s.Save(ctx, record("S1", t0), "first"))
	require.NoError(t, s.Save(ctx, record("S2", t0.Add(time.Hour)), "second"))
	require.NoError(t, s.Save(ctx, record("S1", t0), "first again"))

	list, err := s.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "S2", list[0].SessionID)
	assert.Equal(t, "S1", list[1].SessionID)
	assert.Equal(t, "first again", list[1].Transcript)

	e, err := s.Get(ctx, "S1")
	require.NoError(t, err)
	assert.Equal(t, []int{300, 200}, e.BlobSize)
	assert.Equal(t, []int{3, 2}, e.BlobCount)
	assert.Equal(t, []string{"memory://main", "memory://another"}, e.URL)
	assert.Equal(t, map[string]any{"hn": "12345"}, e.Identifier)
	assert.Equal(t, "edited", e.UserTranscript)
	assert.Equal(t, 1500*time.Millisecond, e.RecordTime)
	assert.True(t, t0.Equal(e.CompletedAt))

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.Error(t, s.Save(ctx, session.Record{}, ""))
}

func TestStore_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "history.db")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Save(context.Background(), record("S1", time.Now()), ""))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	list, err := s.List(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}
