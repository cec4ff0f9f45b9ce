package natsjs

import (
	"context"
	"testing"
	"time"

	"axefleet/internal/bus/embeddednats"

	"github.com/stretchr/testify/require"
)

func startServer(t *testing.T) *embeddednats.Server {
	t.Helper()
	srv, err := embeddednats.Start(embeddednats.Config{
		Port:     -1,
		HTTPPort: -1,
		StoreDir: t.TempDir(),
	})
	require.NoError(t, err)
	t.Cleanup(srv.Shutdown)
	return srv
}

func testClient(t *testing.T, srv *embeddednats.Server) *Client {
	t.Helper()
	c, err := Connect(Config{URL: srv.ClientURL(), Prefix: "axefleettest", Timeout: 2 * time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	require.NoError(t, c.EnsureStreams())
	return c
}

func TestPublishFetchRoundtrip(t *testing.T) {
	srv := startServer(t)
	c := testClient(t, srv)

	ctx := context.Background()
	require.NoError(t, c.Publish(ctx, "poll.completed", []byte(`{"id":"1"}`)))

	pc, err := c.NewPullConsumer("eventlog", ">", 64)
	require.NoError(t, err)

	msgs, err := pc.Fetch(ctx, 10, 2*time.Second)
	require.NoError(t, err, "fetch with a live context and wait bound must not reject the call")
	require.Len(t, msgs, 1)
	require.JSONEq(t, `{"id":"1"}`, string(msgs[0].Data()))
	require.NoError(t, msgs[0].Ack())
}

func TestFetchIdleReturnsWithinWait(t *testing.T) {
	srv := startServer(t)
	c := testClient(t, srv)

	pc, err := c.NewPullConsumer("eventlog", ">", 64)
	require.NoError(t, err)

	start := time.Now()
	msgs, err := pc.Fetch(context.Background(), 10, 200*time.Millisecond)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Empty(t, msgs)
	require.Less(t, time.Since(start), 2*time.Second)
}

func TestFetchHonorsCallerCancel(t *testing.T) {
	srv := startServer(t)
	c := testClient(t, srv)

	pc, err := c.NewPullConsumer("eventlog", ">", 64)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = pc.Fetch(ctx, 1, time.Second)
	require.Error(t, err)
}
