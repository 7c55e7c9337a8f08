package vad

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loqalabs/loqa-avatar/internal/frame"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeAnalyser struct {
	mu    sync.Mutex
	value byte
	err   error
}

func (f *fakeAnalyser) set(v byte) {
	f.mu.Lock()
	f.value = v
	f.mu.Unlock()
}

func (f *fakeAnalyser) fail(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeAnalyser) FrequencyData(dst []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	for i := range dst {
		dst[i] = f.value
	}
	return len(dst), nil
}

func TestSilenceFiresOnceAndStops(t *testing.T) {
	sched := frame.NewManual(time.Unix(0, 0), 10*time.Millisecond)
	var fired int
	d := New(sched, Config{SilenceDuration: 2 * time.Second, ThresholdDB: -50, OnSilenceDetected: func() { fired++ }}, newLogger())
	src := &fakeAnalyser{}
	require.NoError(t, d.Start(context.Background(), src))

	sched.Advance(1990 * time.Millisecond)
	assert.Zero(t, fired)
	assert.True(t, d.Running())

	sched.Advance(100 * time.Millisecond)
	assert.Equal(t, 1, fired)
	assert.False(t, d.Running())

	sched.Advance(3 * time.Second)
	assert.Equal(t, 1, fired)
	assert.Zero(t, sched.Pending())
}

func TestVoiceResetsSilenceTimer(t *testing.T) {
	sched := frame.NewManual(time.Unix(0, 0), 10*time.Millisecond)
	var fired int
	d := New(sched, Config{SilenceDuration: 500 * time.Millisecond, OnSilenceDetected: func() { fired++ }}, newLogger())
	src := &fakeAnalyser{}
	require.NoError(t, d.Start(context.Background(), src))

	sched.Advance(400 * time.Millisecond)
	src.set(120)
	sched.Advance(300 * time.Millisecond)
	assert.Greater(t, d.LevelDB(), -50.0)
	src.set(0)
	sched.Advance(400 * time.Millisecond)
	assert.Zero(t, fired)

	sched.Advance(2 * time.Second)
	assert.Equal(t, 1, fired)
}

func TestVoiceActivityReportedEveryFrame(t *testing.T) {
	sched := frame.NewManual(time.Unix(0, 0), 10*time.Millisecond)
	var levels []float64
	d := New(sched, Config{OnVoiceActivity: func(l float64) { levels = append(levels, l) }}, newLogger())
	src := &fakeAnalyser{value: 255}
	require.NoError(t, d.Start(context.Background(), src))

	for i := 0; i < 5; i++ {
		sched.Step()
	}
	require.Len(t, levels, 5)
	assert.InDelta(t, 10.0, levels[0], 1e-9)
	assert.Greater(t, levels[4], levels[0])
	for _, l := range levels {
		assert.LessOrEqual(t, l, 100.0)
	}
}

func TestStreamLossStopsSilently(t *testing.T) {
	sched := frame.NewManual(time.Unix(0, 0), 10*time.Millisecond)
	var fired bool
	d := New(sched, Config{OnSilenceDetected: func() { fired = true }}, newLogger())
	src := &fakeAnalyser{}
	require.NoError(t, d.Start(context.Background(), src))

	sched.Step()
	src.fail(errors.New("track ended"))
	sched.Step()
	assert.False(t, d.Running())
	sched.Advance(3 * time.Second)
	assert.False(t, fired)
}

func TestStartTwiceFails(t *testing.T) {
	sched := frame.NewManual(time.Unix(0, 0), 10*time.Millisecond)
	d := New(sched, Config{}, newLogger())
	require.NoError(t, d.Start(context.Background(), &fakeAnalyser{}))
	assert.ErrorIs(t, d.Start(context.Background(), &fakeAnalyser{}), ErrAlreadyRunning)

	d.Stop()
	d.Stop()
	assert.Zero(t, sched.Pending())
	require.NoError(t, d.Start(context.Background(), &fakeAnalyser{}))
}

func TestContextCancelStops(t *testing.T) {
	sched := frame.NewManual(time.Unix(0, 0), 10*time.Millisecond)
	d := New(sched, Config{}, newLogger())
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, d.Start(ctx, &fakeAnalyser{}))
	cancel()
	require.Eventually(t, func() bool { return !d.Running() }, time.Second, time.Millisecond)
}

func TestDecibels(t *testing.T) {
	assert.True(t, math.IsInf(Decibels(0), -1))
	assert.InDelta(t, 0, Decibels(255), 1e-9)
	assert.InDelta(t, -20, Decibels(25.5), 1e-9)
	assert.InDelta(t, 3, RMS([]byte{3, 3, 3}), 1e-9)
}
