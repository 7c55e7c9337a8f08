package virtual

import (
	"context"
	"encoding/binary"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loqalabs/loqa-avatar/internal/audio"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func sine(rate int, freq float64, amp float64, d time.Duration) []byte {
	frames := int(d.Seconds() * float64(rate))
	pcm := make([]byte, frames*2)
	for i := 0; i < frames; i++ {
		v := int16(amp * 32767 * math.Sin(2*math.Pi*freq*float64(i)/float64(rate)))
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(v))
	}
	return pcm
}

func TestMicrophoneSpectrumPeaksAtToneBin(t *testing.T) {
	clock := &fakeClock{t: time.Unix(100, 0)}
	rate := 16000
	// Bin 8 of a 256-point transform at 16 kHz is 500 Hz.
	mic := NewMicrophone(sine(rate, 500, 0.5, time.Second), MicOptions{
		Format: audio.Format{SampleRate: rate, Channels: 1},
		Now:    clock.now,
	})
	stream, err := mic.Open(context.Background())
	require.NoError(t, err)
	defer stream.Close()

	clock.advance(100 * time.Millisecond)
	bins := make([]byte, 128)
	n, err := stream.FrequencyData(bins)
	require.NoError(t, err)
	require.Equal(t, 128, n)

	peak := 0
	for i, v := range bins {
		if v > bins[peak] {
			peak = i
		}
	}
	assert.Equal(t, 8, peak)
	assert.Equal(t, byte(255), bins[8])
	assert.Less(t, bins[60], bins[8])
}

func TestMicrophoneSilenceAfterSource(t *testing.T) {
	clock := &fakeClock{t: time.Unix(100, 0)}
	mic := NewMicrophone(sine(16000, 500, 0.5, 50*time.Millisecond), MicOptions{Now: clock.now})
	stream, err := mic.Open(context.Background())
	require.NoError(t, err)
	defer stream.Close()

	clock.advance(time.Second)
	bins := make([]byte, 128)
	_, err = stream.FrequencyData(bins)
	require.NoError(t, err)
	for _, v := range bins {
		require.Zero(t, v)
	}
}

func TestMicrophoneReadFollowsClock(t *testing.T) {
	clock := &fakeClock{t: time.Unix(100, 0)}
	pcm := sine(16000, 500, 0.5, 100*time.Millisecond)
	mic := NewMicrophone(pcm, MicOptions{Now: clock.now})
	stream, err := mic.Open(context.Background())
	require.NoError(t, err)

	clock.advance(10 * time.Millisecond)
	buf := make([]byte, 4096)
	n, err := stream.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 320, n)
	assert.Equal(t, pcm[:320], buf[:n])

	require.NoError(t, stream.Close())
	_, err = stream.Read(buf)
	assert.ErrorIs(t, err, io.EOF)
	_, err = stream.FrequencyData(make([]byte, 128))
	assert.Error(t, err)
}

func TestMicrophoneDenied(t *testing.T) {
	mic := NewMicrophone(nil, MicOptions{Denied: true})
	_, err := mic.Open(context.Background())
	require.ErrorIs(t, err, audio.ErrMicrophoneDenied)
}

func TestMicrophoneFromWAV(t *testing.T) {
	blob, err := audio.EncodeWAV(sine(8000, 250, 0.2, 20*time.Millisecond), audio.Format{SampleRate: 8000, Channels: 1})
	require.NoError(t, err)
	mic, err := NewMicrophoneFromWAV(blob, MicOptions{})
	require.NoError(t, err)
	stream, err := mic.Open(context.Background())
	require.NoError(t, err)
	defer stream.Close()
	assert.Equal(t, audio.Format{SampleRate: 8000, Channels: 1}, stream.Format())
}

func TestSpeakerPlaysToCompletion(t *testing.T) {
	spk := NewSpeaker(SpeakerOptions{})
	pb, err := spk.Play(context.Background(), audio.Handle{
		Data:   sine(16000, 440, 0.8, 40*time.Millisecond),
		Format: audio.Format{SampleRate: 16000, Channels: 1},
	})
	require.NoError(t, err)

	window := make([]byte, 64)
	_, err = pb.TimeDomainData(window)
	require.NoError(t, err)

	select {
	case <-pb.Done():
	case <-time.After(time.Second):
		t.Fatal("playback did not finish")
	}
	assert.Equal(t, 40*time.Millisecond, pb.Position())
	_, err = pb.TimeDomainData(window)
	require.NoError(t, err)
	for _, v := range window {
		require.Equal(t, byte(128), v)
	}
}

func TestSpeakerWaveformFollowsClock(t *testing.T) {
	clock := &fakeClock{t: time.Unix(100, 0)}
	spk := NewSpeaker(SpeakerOptions{Now: clock.now})
	pb, err := spk.Play(context.Background(), audio.Handle{
		Data:   sine(16000, 440, 0.8, 10*time.Second),
		Format: audio.Format{SampleRate: 16000, Channels: 1},
	})
	require.NoError(t, err)
	defer pb.Stop()

	clock.advance(250 * time.Millisecond)
	assert.Equal(t, 250*time.Millisecond, pb.Position())

	window := make([]byte, 256)
	_, err = pb.TimeDomainData(window)
	require.NoError(t, err)
	assert.Greater(t, audio.Amplitude(window), 0.4)
}

func TestSpeakerStop(t *testing.T) {
	spk := NewSpeaker(SpeakerOptions{})
	pb, err := spk.Play(context.Background(), audio.Handle{Data: make([]byte, 22050*2*5)})
	require.NoError(t, err)

	pb.Stop()
	pb.Stop()
	select {
	case <-pb.Done():
	default:
		t.Fatal("stop did not close done")
	}
	assert.Less(t, pb.Position(), time.Second)
}

func TestSpeakerFetchesURL(t *testing.T) {
	blob, err := audio.EncodeWAV(make([]byte, 160), audio.Format{SampleRate: 8000, Channels: 1})
	require.NoError(t, err)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(blob)
	}))
	defer srv.Close()

	spk := NewSpeaker(SpeakerOptions{})
	pb, err := spk.Play(context.Background(), audio.Handle{URL: srv.URL})
	require.NoError(t, err)
	select {
	case <-pb.Done():
	case <-time.After(time.Second):
		t.Fatal("playback did not finish")
	}
	assert.Equal(t, 10*time.Millisecond, pb.Position())
}

func TestSpeakerRejectsEmptyHandle(t *testing.T) {
	_, err := NewSpeaker(SpeakerOptions{}).Play(context.Background(), audio.Handle{})
	require.Error(t, err)
}
