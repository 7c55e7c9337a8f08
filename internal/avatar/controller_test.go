package avatar

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loqalabs/loqa-avatar/internal/audio"
	"github.com/loqalabs/loqa-avatar/internal/expression"
	"github.com/loqalabs/loqa-avatar/internal/face"
	"github.com/loqalabs/loqa-avatar/internal/frame"
	"github.com/loqalabs/loqa-avatar/internal/lipsync"
	"github.com/loqalabs/loqa-avatar/internal/protocol"
	"github.com/loqalabs/loqa-avatar/internal/stt"
	"github.com/loqalabs/loqa-avatar/internal/tts"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type stubPlayback struct {
	done chan struct{}
	once sync.Once
}

func (p *stubPlayback) TimeDomainData(dst []byte) (int, error) {
	for i := range dst {
		dst[i] = 160
	}
	return len(dst), nil
}
func (p *stubPlayback) Position() time.Duration { return 100 * time.Millisecond }
func (p *stubPlayback) Done() <-chan struct{}   { return p.done }
func (p *stubPlayback) Stop()                   { p.once.Do(func() { close(p.done) }) }

type stubSpeaker struct {
	mu    sync.Mutex
	last  *stubPlayback
	texts []string
}

func (s *stubSpeaker) Play(_ context.Context, h audio.Handle) (audio.Playback, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = &stubPlayback{done: make(chan struct{})}
	s.texts = append(s.texts, string(h.Data))
	return s.last, nil
}

func (s *stubSpeaker) played() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.texts...)
}

type echoSynth struct{}

func (echoSynth) Synthesize(_ context.Context, req tts.Request) (tts.Result, error) {
	return tts.Result{Audio: []byte(req.Text), SampleRate: 16000, Channels: 1}, nil
}

type stubRecognizer struct {
	text string
	err  error
}

func (r stubRecognizer) Transcribe(context.Context, []byte) (stt.Transcript, error) {
	if r.err != nil {
		return stt.Transcript{}, r.err
	}
	return stt.Transcript{Text: r.text, Language: "en"}, nil
}

type rig struct {
	sched   *frame.Manual
	face    *face.Rig
	speaker *stubSpeaker
	arb     *audio.Arbiter
	player  *lipsync.Player
	ctrl    *Controller
	mu      sync.Mutex
	sent    []protocol.Envelope
}

func newRig(t *testing.T, rec stt.Recognizer) *rig {
	t.Helper()
	r := &rig{
		sched:   frame.NewManual(time.Unix(0, 0), 10*time.Millisecond),
		face:    face.NewRig(),
		speaker: &stubSpeaker{},
	}
	r.arb = audio.NewArbiter(audio.Options{
		Scheduler:   r.sched,
		Speaker:     r.speaker,
		Synthesizer: echoSynth{},
		Logger:      quietLogger(),
	})
	r.player = lipsync.NewPlayer(r.sched, r.face, lipsync.Options{Amplitude: r.arb.Amplitude, Logger: quietLogger()})
	x := expression.NewTransitioner(r.sched, r.face, expression.Options{Logger: quietLogger()})
	r.ctrl = New(Options{
		Arbiter:    r.arb,
		Player:     r.player,
		Expression: x,
		Recognizer: rec,
		SessionID:  "s1",
		Send: func(env protocol.Envelope) error {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.sent = append(r.sent, env)
			return nil
		},
		Logger: quietLogger(),
	})
	t.Cleanup(func() {
		r.ctrl.Close()
		r.arb.Close()
	})
	return r
}

func envelope(t *testing.T, typ string, data any) protocol.Envelope {
	t.Helper()
	env, err := protocol.NewEnvelope(typ, data)
	require.NoError(t, err)
	return env
}

func TestPlaybackDrivesTimeline(t *testing.T) {
	r := newRig(t, nil)
	timeline := []protocol.VisemeSegment{{Viseme: "AA", Start: 0, End: 0.5, Weight: 1}}
	_, err := r.arb.PlayAudio(context.Background(), audio.Handle{Data: []byte("x"), Visemes: timeline}, audio.SourceChat)
	require.NoError(t, err)
	assert.Equal(t, lipsync.ModeTimeline, r.player.Mode())

	r.sched.Step()
	assert.Equal(t, 1.0, r.face.Value("AA"))

	r.arb.StopAudio()
	assert.Equal(t, lipsync.ModeIdle, r.player.Mode())
	assert.Zero(t, r.face.Value("AA"))
}

func TestPushedTimelineUsedForNextPlayback(t *testing.T) {
	r := newRig(t, nil)
	timeline := []protocol.VisemeSegment{{Viseme: "OH", Start: 0, End: 0.5, Weight: 0.8}}
	require.NoError(t, r.ctrl.HandleEnvelope(envelope(t, protocol.TypeVisemeTimeline, protocol.VisemeTimelineData{Timeline: timeline})))

	_, err := r.arb.PlayAudio(context.Background(), audio.Handle{Data: []byte("x")}, audio.SourceAvatar)
	require.NoError(t, err)
	assert.Equal(t, lipsync.ModeTimeline, r.player.Mode())
	r.sched.Step()
	assert.InDelta(t, 0.8, r.face.Value("OH"), 1e-9)
}

func TestPlaybackWithoutTimelineFallsBack(t *testing.T) {
	r := newRig(t, nil)
	_, err := r.arb.PlayAudio(context.Background(), audio.Handle{Data: []byte("x")}, audio.SourceAvatar)
	require.NoError(t, err)
	assert.Equal(t, lipsync.ModeFallback, r.player.Mode())

	r.sched.Advance(200 * time.Millisecond)
	assert.Positive(t, r.face.Value(lipsync.DefaultFallbackChannel))
}

func TestEmotionEnvelopeAppliesExpression(t *testing.T) {
	r := newRig(t, nil)
	require.NoError(t, r.ctrl.HandleEnvelope(envelope(t, protocol.TypeEmotion, protocol.EmotionData{Emotion: "positive", Confidence: 100})))
	r.sched.Advance(600 * time.Millisecond)

	want := expression.ConfigFor(expression.Positive, 100)
	for ch, v := range want.Channels {
		assert.InDelta(t, v, r.face.Value(ch), 1e-9, ch)
	}

	r.ctrl.EndTurn()
	for ch := range want.Channels {
		assert.Zero(t, r.face.Value(ch), ch)
	}
}

func TestChatEnvelopeIsSpoken(t *testing.T) {
	r := newRig(t, nil)
	require.NoError(t, r.ctrl.HandleEnvelope(envelope(t, protocol.TypeChat, protocol.ChatData{Message: "hello"})))
	require.Eventually(t, func() bool { return len(r.speaker.played()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"hello"}, r.speaker.played())
}

func TestConnectionAndHeartbeatRecorded(t *testing.T) {
	r := newRig(t, nil)
	require.NoError(t, r.ctrl.HandleEnvelope(envelope(t, protocol.TypeConnection, protocol.ConnectionData{ClientID: "client_1"})))
	require.NoError(t, r.ctrl.HandleEnvelope(envelope(t, protocol.TypeHeartbeat, protocol.HeartbeatData{Timestamp: 5, ActiveConnections: 3})))
	assert.Equal(t, "client_1", r.ctrl.ClientID())
	assert.Equal(t, 3, r.ctrl.LastHeartbeat().ActiveConnections)
}

func TestMalformedEnvelope(t *testing.T) {
	r := newRig(t, nil)
	err := r.ctrl.HandleEnvelope(protocol.Envelope{Type: protocol.TypeEmotion, Data: []byte(`{"confidence":"high"}`)})
	require.Error(t, err)
	require.NoError(t, r.ctrl.HandleEnvelope(protocol.Envelope{Type: "unknown"}))
}

func TestTranscribeFailureIsGeneric(t *testing.T) {
	r := newRig(t, stubRecognizer{err: errors.New("model crashed")})
	_, err := r.ctrl.Transcribe(context.Background(), []byte{1})
	require.ErrorIs(t, err, ErrCouldNotTranscribe)
}

func TestSendChatAndBind(t *testing.T) {
	r := newRig(t, stubRecognizer{text: "hi there"})
	text, err := r.ctrl.Transcribe(context.Background(), []byte{1})
	require.NoError(t, err)
	require.NoError(t, r.ctrl.SendChat(text))
	require.NoError(t, r.ctrl.BindSession())

	r.mu.Lock()
	defer r.mu.Unlock()
	require.Len(t, r.sent, 2)
	var chat protocol.ChatData
	require.NoError(t, r.sent[0].Decode(&chat))
	assert.Equal(t, protocol.ChatData{Message: "hi there", SessionID: "s1"}, chat)
	var sess protocol.SessionData
	require.NoError(t, r.sent[1].Decode(&sess))
	assert.Equal(t, "bind", sess.Action)
}
