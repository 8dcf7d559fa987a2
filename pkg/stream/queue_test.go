package stream

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/resume_bridge/pkg/protocol"
)

func unit(id int64) *Unit {
	return &Unit{Info: protocol.UnitInfo{ID: id}}
}

func TestQueue_DrainInOrder(t *testing.T) {
	var q Queue
	for i := int64(0); i < 5; i++ {
		q.Push(unit(i))
	}
	require.Equal(t, 5, q.Len())
	assert.Equal(t, int64(0), q.Peek().Info.ID)

	var got []int64
	n, err := q.Drain(func(u *Unit) error {
		got = append(got, u.Info.ID)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, []int64{0, 1, 2, 3, 4}, got)
	assert.True(t, q.Empty())
	assert.Nil(t, q.Peek())
}

func TestQueue_DrainStopsAtFailure(t *testing.T) {
	var q Queue
	for i := int64(0); i < 4; i++ {
		q.Push(unit(i))
	}

	broken := errors.New("write failed")
	attempts := 0
	n, err := q.Drain(func(u *Unit) error {
		attempts++
		if u.Info.ID == 2 {
			return broken
		}
		return nil
	})
	assert.ErrorIs(t, err, broken)
	assert.Equal(t, 2, n)
	assert.Equal(t, 3, attempts)
	require.Equal(t, 2, q.Len())
	assert.Equal(t, int64(2), q.Peek().Info.ID)

	var got []int64
	_, err = q.Drain(func(u *Unit) error {
		got = append(got, u.Info.ID)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 3}, got)
}

func TestQueue_Clear(t *testing.T) {
	var q Queue
	q.Push(unit(1))
	q.Push(unit(2))
	q.Clear()
	assert.True(t, q.Empty())

	q.Push(unit(3))
	assert.Equal(t, int64(3), q.Peek().Info.ID)
}
