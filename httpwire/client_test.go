package httpwire

import (
	"context"
	"net"
	"testing"
	"time"
)

// TestClientDoConnectionCloseBody covers spec.md §4.2: a response with
// neither Content-Length nor chunked Transfer-Encoding terminates its body
// at connection close. It exercises the real wire.TCPStream.Receive path
// (not an in-memory io.Reader), so it also covers the io.EOF identity fix
// in wire/stream.go that streamReader.Read's errors.Is(err, io.EOF) check
// depends on.
func TestClientDoConnectionCloseBody(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 4096)
		conn.Read(buf) // drain the request
		conn.Write([]byte("HTTP/1.1 200 OK\r\nContent-Type: text/xml\r\n\r\n<hello>world</hello>"))
	}()

	addr := ln.Addr().(*net.TCPAddr)
	c := NewClient(2*time.Second, 1)

	headers := NewOrderedHeader()
	headers.Set("Host", "127.0.0.1")
	reqBytes, err := BuildRequest("POST", "/control", headers, nil)
	if err != nil {
		t.Fatalf("BuildRequest: %v", err)
	}

	resp, err := c.Do(context.Background(), "127.0.0.1", addr.Port, 2*time.Second, reqBytes)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if string(resp.Body) != "<hello>world</hello>" {
		t.Fatalf("Body = %q, want %q", resp.Body, "<hello>world</hello>")
	}
}
