package proxy

import (
	"bufio"
	"log/slog"
	"net"
	"strings"
	"testing"
	"time"
)

func TestComputeAcceptRFC6455Vector(t *testing.T) {
	const key = "dGhlIHNhbXBsZSBub25jZQ=="
	const want = "s3pPLMBiTxaQ9kYGzzhZRbK+xOo="

	if got := computeAccept(key); got != want {
		t.Fatalf("computeAccept(%q) = %q, want %q", key, got, want)
	}
}

func TestPerformHandshakeWebSocketUpgrade(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	request := "GET /tunnel HTTP/1.1\r\n" +
		"Host: example.com\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n" +
		"\r\n"

	go func() {
		_, _ = client.Write([]byte(request))
	}()

	respCh := readResponseAsync(t, client)

	logger := slog.New(slog.NewTextHandler(&discardWriter{}, nil))
	reader := bufio.NewReader(server)
	_ = server.SetDeadline(time.Now().Add(2 * time.Second))
	if err := performHandshake(server, reader, "HTTP/1.1 200 OK\r\n\r\n", logger); err != nil {
		t.Fatalf("performHandshake: %v", err)
	}

	got := <-respCh
	if !strings.Contains(got, "101 Switching Protocols") {
		t.Fatalf("response missing 101 status: %q", got)
	}
	if !strings.Contains(got, "Sec-WebSocket-Accept: s3pPLMBiTxaQ9kYGzzhZRbK+xOo=") {
		t.Fatalf("response missing expected accept header: %q", got)
	}
}

func TestPerformHandshakePlainGetGetsCannedResponse(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	go func() {
		_, _ = client.Write([]byte("GET / HTTP/1.1\r\nHost: example.com\r\n\r\n"))
	}()

	respCh := readResponseAsync(t, client)

	logger := slog.New(slog.NewTextHandler(&discardWriter{}, nil))
	reader := bufio.NewReader(server)
	_ = server.SetDeadline(time.Now().Add(2 * time.Second))
	if err := performHandshake(server, reader, "HTTP/1.1 200 OK\r\n\r\n", logger); err != nil {
		t.Fatalf("performHandshake: %v", err)
	}

	if got := <-respCh; got != "HTTP/1.1 200 OK\r\n\r\n" {
		t.Fatalf("response = %q, want canned 200", got)
	}
}

func TestPerformHandshakeRejectsUnsupportedMethod(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	go func() {
		_, _ = client.Write([]byte("DELETE / HTTP/1.1\r\nHost: example.com\r\n\r\n"))
	}()

	respCh := readResponseAsync(t, client)

	logger := slog.New(slog.NewTextHandler(&discardWriter{}, nil))
	reader := bufio.NewReader(server)
	_ = server.SetDeadline(time.Now().Add(2 * time.Second))
	err := performHandshake(server, reader, "HTTP/1.1 200 OK\r\n\r\n", logger)
	if err == nil {
		t.Fatalf("performHandshake should reject DELETE")
	}

	if got := <-respCh; !strings.Contains(got, "405") {
		t.Fatalf("response missing 405 status: %q", got)
	}
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

// readResponseAsync reads one response off client on a separate goroutine.
// net.Pipe is unbuffered, so the handshake's write on the server end blocks
// until something reads on the client end; performHandshake and the read
// must therefore run concurrently rather than sequentially.
func readResponseAsync(t *testing.T, client net.Conn) <-chan string {
	t.Helper()
	ch := make(chan string, 1)
	go func() {
		resp := make([]byte, 256)
		_ = client.SetDeadline(time.Now().Add(2 * time.Second))
		n, err := client.Read(resp)
		if err != nil {
			t.Errorf("read response: %v", err)
			ch <- ""
			return
		}
		ch <- string(resp[:n])
	}()
	return ch
}
