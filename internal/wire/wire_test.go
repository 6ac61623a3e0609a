package wire

import (
	"bufio"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pipeChannel returns a LineChannel wired to one end of an in-memory pipe,
// and a buffered reader/writer pair for driving the other end as a fake
// server in tests.
func pipeChannel(t *testing.T) (*LineChannel, *bufio.Reader, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close(); server.Close() })
	return NewLineChannel(client), bufio.NewReader(server), server
}

func TestLineChannel_CallRoundTrip(t *testing.T) {
	ch, serverReader, server := pipeChannel(t)

	go func() {
		line, err := serverReader.ReadString('\n')
		require.NoError(t, err)
		require.True(t, strings.HasSuffix(strings.TrimSpace(line), "NOOP"))
		tag := strings.Fields(line)[0]
		_, _ = server.Write([]byte(tag + " OK done\n"))
	}()

	resp, err := ch.Call(context.Background(), "NOOP")
	require.NoError(t, err)
	assert.Equal(t, StatusOK, resp.Status)
	assert.Equal(t, "done", resp.Text)
}

func TestLineChannel_CallCollectsContinuationPayloads(t *testing.T) {
	ch, serverReader, server := pipeChannel(t)

	go func() {
		line, err := serverReader.ReadString('\n')
		require.NoError(t, err)
		tag := strings.Fields(line)[0]
		_, _ = server.Write([]byte("* first payload\n"))
		_, _ = server.Write([]byte("* second payload\n"))
		_, _ = server.Write([]byte(tag + " OK done\n"))
	}()

	resp, err := ch.Call(context.Background(), "FETCH", "1")
	require.NoError(t, err)
	assert.Equal(t, []string{"first payload", "second payload"}, resp.Payloads)
}

func TestLineChannel_CallReadsLiteralBlock(t *testing.T) {
	ch, serverReader, server := pipeChannel(t)

	go func() {
		line, err := serverReader.ReadString('\n')
		require.NoError(t, err)
		tag := strings.Fields(line)[0]
		body := "hello\nworld"
		_, _ = server.Write([]byte("* {" + "11" + "}\n"))
		ack, err := serverReader.ReadString('\n')
		require.NoError(t, err)
		require.Equal(t, "+\n", ack)
		_, _ = server.Write([]byte(body))
		_, _ = server.Write([]byte("\n"))
		_, _ = server.Write([]byte(tag + " OK done\n"))
	}()

	resp, err := ch.Call(context.Background(), "FETCH", "1")
	require.NoError(t, err)
	require.Len(t, resp.Payloads, 1)
	assert.Equal(t, "hello\nworld", resp.Payloads[0])
}

func TestLineChannel_CallReportsNOStatus(t *testing.T) {
	ch, serverReader, server := pipeChannel(t)
	go func() {
		line, _ := serverReader.ReadString('\n')
		tag := strings.Fields(line)[0]
		_, _ = server.Write([]byte(tag + " NO not found\n"))
	}()

	resp, err := ch.Call(context.Background(), "FETCH", "999")
	require.NoError(t, err)
	assert.Equal(t, StatusNO, resp.Status)
	assert.Equal(t, "not found", resp.Text)
}

func TestLineChannel_SubscribeDeliversContinuationLines(t *testing.T) {
	ch, serverReader, server := pipeChannel(t)

	go func() {
		line, err := serverReader.ReadString('\n')
		require.NoError(t, err)
		tag := strings.Fields(line)[0]
		_, _ = server.Write([]byte(tag + " OK subscribed\n"))
		_, _ = server.Write([]byte("* BATCH 1\n"))
		_, _ = server.Write([]byte("* TERM -1\n"))
	}()

	out, err := ch.Subscribe(context.Background(), "client-1")
	require.NoError(t, err)

	select {
	case payload := <-out:
		assert.Equal(t, "BATCH 1", payload)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for first subscribed payload")
	}
	select {
	case payload := <-out:
		assert.Equal(t, "TERM -1", payload)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for second subscribed payload")
	}
}

func TestLineChannel_CallWrapsTransportFailure(t *testing.T) {
	client, server := net.Pipe()
	server.Close()
	ch := NewLineChannel(client)
	defer client.Close()

	_, err := ch.Call(context.Background(), "NOOP")
	assert.Error(t, err)
}
