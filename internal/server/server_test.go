package server

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strategist922/kestrel/internal/config"
	"github.com/strategist922/kestrel/internal/queue"
)

func startTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Addr = "127.0.0.1:0"
	cfg.DataDir = t.TempDir()

	queues, err := queue.NewCollection(cfg.DataDir, cfg)
	require.NoError(t, err)

	s := New(cfg, queues, "")
	ctx, cancel := context.WithCancel(context.Background())
	go s.Start(ctx)

	require.Eventually(t, func() bool {
		return !strings.HasSuffix(s.Addr(), ":0")
	}, 2*time.Second, 10*time.Millisecond, "server never bound")

	t.Cleanup(func() {
		cancel()
		s.Close()
		queues.Close()
	})
	return s, s.Addr()
}

type testClient struct {
	t    *testing.T
	conn net.Conn
	rd   *bufio.Reader
}

func dialTestServer(t *testing.T, addr string) *testClient {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &testClient{t: t, conn: conn, rd: bufio.NewReader(conn)}
}

func (c *testClient) send(format string, args ...interface{}) {
	c.t.Helper()
	_, err := fmt.Fprintf(c.conn, format, args...)
	require.NoError(c.t, err)
}

func (c *testClient) readLine() string {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	line, err := c.rd.ReadString('\n')
	require.NoError(c.t, err)
	return strings.TrimRight(line, "\r\n")
}

// readValue consumes a VALUE response and returns the payload, or "" for a
// bare END.
func (c *testClient) readValue() string {
	c.t.Helper()
	line := c.readLine()
	if line == "END" {
		return ""
	}
	require.True(c.t, strings.HasPrefix(line, "VALUE "), "unexpected response %q", line)
	data := c.readLine()
	require.Equal(c.t, "END", c.readLine())
	return data
}

func TestServer_SetGet(t *testing.T) {
	_, addr := startTestServer(t)
	c := dialTestServer(t, addr)

	c.send("set work 0 0 5\r\nhello\r\n")
	assert.Equal(t, "STORED", c.readLine())

	c.send("get work\r\n")
	assert.Equal(t, "hello", c.readValue())

	c.send("get work\r\n")
	assert.Equal(t, "", c.readValue())
}

func TestServer_FIFOOrder(t *testing.T) {
	_, addr := startTestServer(t)
	c := dialTestServer(t, addr)

	for i := 0; i < 3; i++ {
		c.send("set fifo 0 0 2\r\nm%d\r\n", i)
		require.Equal(t, "STORED", c.readLine())
	}
	for i := 0; i < 3; i++ {
		c.send("get fifo\r\n")
		assert.Equal(t, fmt.Sprintf("m%d", i), c.readValue())
	}
}

func TestServer_ReliableReadCloseCycle(t *testing.T) {
	_, addr := startTestServer(t)
	c := dialTestServer(t, addr)

	c.send("set work 0 0 3\r\njob\r\n")
	require.Equal(t, "STORED", c.readLine())

	c.send("get work/open\r\n")
	assert.Equal(t, "job", c.readValue())

	// a second open read on the same queue is rejected
	c.send("get work/open\r\n")
	assert.Contains(t, c.readLine(), "CLIENT_ERROR")

	c.send("get work/close\r\n")
	assert.Equal(t, "END", c.readLine())

	// confirmed: gone for good
	c.send("get work\r\n")
	assert.Equal(t, "", c.readValue())
}

func TestServer_ReliableReadAbort(t *testing.T) {
	_, addr := startTestServer(t)
	c := dialTestServer(t, addr)

	c.send("set work 0 0 3\r\njob\r\n")
	require.Equal(t, "STORED", c.readLine())

	c.send("get work/open\r\n")
	assert.Equal(t, "job", c.readValue())

	c.send("get work/abort\r\n")
	assert.Equal(t, "END", c.readLine())

	// aborted: back at the head
	c.send("get work\r\n")
	assert.Equal(t, "job", c.readValue())
}

func TestServer_DisconnectAbortsOpenRead(t *testing.T) {
	_, addr := startTestServer(t)

	c1 := dialTestServer(t, addr)
	c1.send("set work 0 0 3\r\njob\r\n")
	require.Equal(t, "STORED", c1.readLine())

	c1.send("get work/open\r\n")
	require.Equal(t, "job", c1.readValue())
	c1.conn.Close()

	// the dropped consumer's item returns to the queue
	c2 := dialTestServer(t, addr)
	deadline := time.Now().Add(2 * time.Second)
	for {
		c2.send("get work\r\n")
		if c2.readValue() == "job" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("aborted item never reappeared")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestServer_Peek(t *testing.T) {
	_, addr := startTestServer(t)
	c := dialTestServer(t, addr)

	c.send("set work 0 0 4\r\npeek\r\n")
	require.Equal(t, "STORED", c.readLine())

	c.send("get work/peek\r\n")
	assert.Equal(t, "peek", c.readValue())
	c.send("get work/peek\r\n")
	assert.Equal(t, "peek", c.readValue())
}

func TestServer_BlockingGet(t *testing.T) {
	_, addr := startTestServer(t)

	consumer := dialTestServer(t, addr)
	producer := dialTestServer(t, addr)

	consumer.send("get work/t=2000\r\n")
	time.Sleep(50 * time.Millisecond)
	producer.send("set work 0 0 4\r\nlate\r\n")
	require.Equal(t, "STORED", producer.readLine())

	assert.Equal(t, "late", consumer.readValue())
}

func TestServer_BlockingGetTimeout(t *testing.T) {
	_, addr := startTestServer(t)
	c := dialTestServer(t, addr)

	start := time.Now()
	c.send("get work/t=50\r\n")
	assert.Equal(t, "", c.readValue())
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestServer_Stats(t *testing.T) {
	_, addr := startTestServer(t)
	c := dialTestServer(t, addr)

	c.send("set work 0 0 1\r\nx\r\n")
	require.Equal(t, "STORED", c.readLine())

	c.send("stats\r\n")
	var lines []string
	for {
		line := c.readLine()
		if line == "END" {
			break
		}
		lines = append(lines, line)
	}
	joined := strings.Join(lines, "\n")
	assert.Contains(t, joined, "STAT cmd_set 1")
	assert.Contains(t, joined, "STAT queue_work_items 1")
	assert.Contains(t, joined, "STAT queue_work_bytes 1")
}

func TestServer_FlushAndDelete(t *testing.T) {
	_, addr := startTestServer(t)
	c := dialTestServer(t, addr)

	c.send("set work 0 0 1\r\nx\r\n")
	require.Equal(t, "STORED", c.readLine())

	c.send("flush work\r\n")
	assert.Equal(t, "OK", c.readLine())
	c.send("get work\r\n")
	assert.Equal(t, "", c.readValue())

	c.send("delete work\r\n")
	assert.Equal(t, "DELETED", c.readLine())
}

func TestServer_Version(t *testing.T) {
	_, addr := startTestServer(t)
	c := dialTestServer(t, addr)

	c.send("version\r\n")
	assert.Equal(t, "VERSION "+Version, c.readLine())
}

func TestServer_BadCommand(t *testing.T) {
	_, addr := startTestServer(t)
	c := dialTestServer(t, addr)

	c.send("munge work\r\n")
	assert.Contains(t, c.readLine(), "CLIENT_ERROR")

	// the connection survives a bad command
	c.send("version\r\n")
	assert.Contains(t, c.readLine(), "VERSION")
}

func TestServer_ShutdownCommand(t *testing.T) {
	s, addr := startTestServer(t)
	c := dialTestServer(t, addr)

	c.send("shutdown\r\n")
	select {
	case <-s.ShutdownRequested():
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown request never signalled")
	}
}
