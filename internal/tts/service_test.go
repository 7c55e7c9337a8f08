package tts

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loqalabs/loqa-avatar/internal/bus"
	"github.com/loqalabs/loqa-avatar/internal/config"
	"github.com/loqalabs/loqa-avatar/internal/natsserver"
	"github.com/loqalabs/loqa-avatar/internal/protocol"
)

func TestServicePublishesTimelineForSession(t *testing.T) {
	ctx := context.Background()
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Host: "127.0.0.1", Port: -1, StoreDir: t.TempDir()}, discardLogger())
	require.NoError(t, err)
	t.Cleanup(srv.Shutdown)
	client, err := bus.Connect(ctx, config.BusConfig{Servers: []string{srv.ClientURL()}, ConnectTimeout: 2000}, discardLogger())
	require.NoError(t, err)
	t.Cleanup(client.Close)

	cfg := config.Default().TTS
	svc := NewService(ctx, cfg, client, NewMockSynth(cfg.SampleRate, cfg.Channels), discardLogger())
	require.NoError(t, svc.Start())
	t.Cleanup(svc.Close)
	assert.True(t, svc.Healthy())

	sub, err := client.Conn().SubscribeSync(protocol.SubjectAvatarEvent)
	require.NoError(t, err)
	require.NoError(t, client.Conn().Flush())

	require.NoError(t, client.PublishJSON(protocol.SubjectTTSRequest, protocol.TTSRequest{Text: "no session"}))
	require.NoError(t, client.PublishJSON(protocol.SubjectTTSRequest, protocol.TTSRequest{SessionID: "s1", Text: "hello there"}))

	msg, err := sub.NextMsg(5 * time.Second)
	require.NoError(t, err)
	var ev protocol.SessionEvent
	require.NoError(t, json.Unmarshal(msg.Data, &ev))
	assert.Equal(t, "s1", ev.SessionID)
	assert.Equal(t, "tts", ev.Origin)
	require.Equal(t, protocol.TypeVisemeTimeline, ev.Envelope.Type)
	var data protocol.VisemeTimelineData
	require.NoError(t, ev.Envelope.Decode(&data))
	assert.NotEmpty(t, data.Timeline)

	_, err = sub.NextMsg(200 * time.Millisecond)
	assert.Error(t, err, "a request without a session is not answered")
}
