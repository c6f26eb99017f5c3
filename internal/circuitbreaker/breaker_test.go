package circuitbreaker

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBackend = errors.New("backend down")

func TestNew_TripsAfterThreshold(t *testing.T) {
	t.Parallel()

	var transitions atomic.Int32
	cb := New(Settings{
		Name:      "test",
		Threshold: 3,
		Timeout:   time.Minute,
		OnStateChange: func(_ string, _, to gobreaker.State) {
			if to == gobreaker.StateOpen {
				transitions.Add(1)
			}
		},
	}, nil)

	for i := 0; i < 2; i++ {
		_, err := cb.Execute(func() (interface{}, error) { return nil, errBackend })
		require.ErrorIs(t, err, errBackend)
		assert.Equal(t, gobreaker.StateClosed, cb.State())
	}

	_, err := cb.Execute(func() (interface{}, error) { return nil, errBackend })
	require.ErrorIs(t, err, errBackend)
	assert.Equal(t, gobreaker.StateOpen, cb.State())
	assert.Equal(t, int32(1), transitions.Load())

	_, err = cb.Execute(func() (interface{}, error) { return "ok", nil })
	assert.True(t, IsOpen(err))
}

func TestNew_IsSuccessfulClassifier(t *testing.T) {
	t.Parallel()

	notFound := errors.New("not found")
	cb := New(Settings{
		Name:         "classified",
		Threshold:    1,
		IsSuccessful: func(err error) bool { return err == nil || errors.Is(err, notFound) },
	}, nil)

	for i := 0; i < 5; i++ {
		_, err := cb.Execute(func() (interface{}, error) { return nil, notFound })
		require.ErrorIs(t, err, notFound)
	}
	assert.Equal(t, gobreaker.StateClosed, cb.State())
}

func TestIsOpen(t *testing.T) {
	t.Parallel()

	assert.True(t, IsOpen(gobreaker.ErrOpenState))
	assert.True(t, IsOpen(gobreaker.ErrTooManyRequests))
	assert.False(t, IsOpen(errBackend))
	assert.False(t, IsOpen(nil))
}

func TestSafeIntToUint32(t *testing.T) {
	t.Parallel()

	assert.Equal(t, uint32(0), safeIntToUint32(-1))
	assert.Equal(t, uint32(7), safeIntToUint32(7))
}
