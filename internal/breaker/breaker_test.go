package breaker

import (
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, nil))
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	b := New("test", Config{MaxFailures: 3, Timeout: time.Hour}, testLogger())

	boom := errors.New("boom")
	for i := 0; i < 3; i++ {
		err := b.Run(func() error { return boom })
		assert.ErrorIs(t, err, boom)
	}

	err := b.Run(func() error { return nil })
	assert.ErrorIs(t, err, ErrOpen)
}

func TestBreaker_StaysClosedOnSuccess(t *testing.T) {
	b := New("test", Config{MaxFailures: 3, Timeout: time.Hour}, testLogger())

	for i := 0; i < 10; i++ {
		err := b.Run(func() error { return nil })
		require.NoError(t, err)
	}
}

func TestBreaker_HalfOpenAfterTimeout(t *testing.T) {
	b := New("test", Config{MaxFailures: 1, Timeout: 10 * time.Millisecond}, testLogger())

	boom := errors.New("boom")
	err := b.Run(func() error { return boom })
	assert.ErrorIs(t, err, boom)

	err = b.Run(func() error { return nil })
	assert.ErrorIs(t, err, ErrOpen)

	time.Sleep(20 * time.Millisecond)

	err = b.Run(func() error { return nil })
	require.NoError(t, err)
}

func TestBreaker_AllowFacadeRecordsOutcome(t *testing.T) {
	b := New("test", Config{MaxFailures: 1, Timeout: time.Hour}, testLogger())

	done, err := b.Allow()
	require.NoError(t, err)
	done(false)

	_, err = b.Allow()
	assert.ErrorIs(t, err, ErrOpen)
}

func TestBreaker_Name(t *testing.T) {
	b := New("backend", Config{}, testLogger())
	assert.Equal(t, "backend", b.Name())
}
