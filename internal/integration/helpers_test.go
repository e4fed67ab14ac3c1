package integration_test

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/pulse-receiver/internal/adapter/udp"
	"github.com/couchcryptid/pulse-receiver/internal/domain"
	"github.com/couchcryptid/pulse-receiver/internal/observability"
	"github.com/couchcryptid/pulse-receiver/internal/pipeline"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startPipeline binds a loopback listener and runs a pipeline over it until
// the test ends. It returns the address to send datagrams to.
func startPipeline(t *testing.T, sink pipeline.Sink, opts ...pipeline.Option) (net.Addr, *pipeline.Pipeline, *observability.Metrics) {
	t.Helper()

	listener, err := udp.Listen("127.0.0.1:0", discardLogger())
	require.NoError(t, err)

	metrics := observability.NewUnregisteredMetrics()
	opts = append([]pipeline.Option{
		pipeline.WithLogger(discardLogger()),
		pipeline.WithMetrics(metrics),
	}, opts...)
	p := pipeline.New(listener, sink, domain.DefaultThresholds(), opts...)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- p.Run(ctx) }()

	require.Eventually(t, func() bool {
		return p.CheckReadiness(ctx) == nil
	}, 5*time.Second, 10*time.Millisecond)

	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-errCh)
		_ = listener.Close()
	})
	return listener.Addr(), p, metrics
}

// sendReadings encodes and sends each reading as one datagram.
func sendReadings(t *testing.T, addr net.Addr, readings ...domain.Reading) {
	t.Helper()
	conn, err := net.Dial("udp", addr.String())
	require.NoError(t, err)
	defer conn.Close()

	for _, r := range readings {
		data, err := domain.Encode(r)
		require.NoError(t, err)
		_, err = conn.Write(data)
		require.NoError(t, err)
	}
}

func sendRaw(t *testing.T, addr net.Addr, payloads ...[]byte) {
	t.Helper()
	conn, err := net.Dial("udp", addr.String())
	require.NoError(t, err)
	defer conn.Close()

	for _, p := range payloads {
		_, err = conn.Write(p)
		require.NoError(t, err)
	}
}
