package bus

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kasha/gateway/internal/config"
	redisutil "github.com/kasha/gateway/internal/redisutil"
	"github.com/kasha/gateway/internal/snapshot"
)

func newTestBus(t *testing.T) (*WorkerBus, *redisutil.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	logger := zap.NewNop()

	writer, err := redisutil.NewClient(config.BusConnConfig{Addr: mr.Addr()}, logger)
	require.NoError(t, err)
	reader, err := redisutil.NewClient(config.BusConnConfig{Addr: mr.Addr()}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = writer.Close(); _ = reader.Close() })

	return New(writer, reader, logger), writer
}

func TestWorkerBusPublish(t *testing.T) {
	b, writer := newTestBus(t)
	ctx := context.Background()

	sub := writer.Subscribe(ctx, JobsTopic)
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	job := RenderJob{CorrelationID: "c1", ReplyTopic: b.ReplyTopic(), URL: "https://example.com/", DeviceType: snapshot.DeviceDesktop, Type: snapshot.KindHTML}
	require.NoError(t, b.Publish(ctx, job))

	select {
	case msg := <-sub.Channel():
		require.Contains(t, msg.Payload, "c1")
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for published job")
	}
}

func TestWorkerBusOnReplyDispatchesToHandler(t *testing.T) {
	b, writer := newTestBus(t)
	ctx := context.Background()

	received := make(chan RenderReply, 1)
	require.NoError(t, b.OnReply(ctx, func(r RenderReply) { received <- r }))
	defer b.Close()

	reply := RenderReply{CorrelationID: "c1", OK: true}
	raw, err := json.Marshal(reply)
	require.NoError(t, err)
	require.NoError(t, writer.Publish(ctx, b.ReplyTopic(), raw))

	select {
	case got := <-received:
		require.Equal(t, "c1", got.CorrelationID)
		require.True(t, got.OK)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for dispatched reply")
	}
}
