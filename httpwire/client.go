package httpwire

import (
	"bytes"
	"context"
	"io"
	"time"

	"github.com/pkg/errors"

	"github.com/castline/upnpav/wire"
)

// Client sends one HTTP/1.1 request per call over a freshly dialed
// wire.Stream and parses the response, making at most Retries attempts in
// all (at least one) while the error is a transient network error
// (spec.md §6 httpRetryAttempts).
type Client struct {
	NewStream func(readTimeout time.Duration) wire.Stream
	Retries   int
}

// NewClient builds a Client dialing plain TCPStreams with the given retry
// budget. The readTimeout argument is not used: each Do call passes the read
// timeout its streams are built with.
func NewClient(readTimeout time.Duration, retries int) *Client {
	return &Client{
		NewStream: func(rt time.Duration) wire.Stream { return wire.NewTCPStream(rt) },
		Retries:   retries,
	}
}

// NewTLSClient builds a Client dialing wire.TLSStreams, restricted to the
// given cipher list (OpenSSL-style, see wire.ParseCipherList) and verifying
// the peer certificate only when verifyPeer is set (spec.md §6 tlsVerifyPeer
// defaults to off).
func NewTLSClient(readTimeout time.Duration, retries int, verifyPeer bool, cipherList string) *Client {
	cipherIDs := wire.ParseCipherList(cipherList)
	return &Client{
		NewStream: func(rt time.Duration) wire.Stream {
			return wire.NewTLSStream(rt, verifyPeer, cipherIDs)
		},
		Retries: retries,
	}
}

// Do connects to host:port, writes the built request bytes, and parses the
// response. It retries the whole connect+send+receive cycle on ErrNetwork.
func (c *Client) Do(ctx context.Context, host string, port int, readTimeout time.Duration, reqBytes []byte) (*Response, error) {
	var lastErr error
	attempts := c.Retries
	if attempts < 1 {
		attempts = 1
	}
	for i := 0; i < attempts; i++ {
		resp, err := c.doOnce(ctx, host, port, readTimeout, reqBytes)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !errors.Is(err, wire.ErrNetwork) {
			return nil, err
		}
	}
	return nil, lastErr
}

func (c *Client) doOnce(ctx context.Context, host string, port int, readTimeout time.Duration, reqBytes []byte) (*Response, error) {
	s := c.NewStream(readTimeout)
	if err := s.Connect(ctx, host, port); err != nil {
		return nil, err
	}
	defer s.Disconnect()

	if _, err := s.Send(reqBytes); err != nil {
		return nil, err
	}

	resp, err := ParseResponse(&streamReader{s: s})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// streamReader adapts wire.Stream's fixed-buffer Receive to io.Reader so
// the bufio-based parser in message.go can read incrementally.
type streamReader struct {
	s   wire.Stream
	buf bytes.Buffer
}

func (r *streamReader) Read(p []byte) (int, error) {
	if r.buf.Len() > 0 {
		return r.buf.Read(p)
	}
	tmp := make([]byte, 4096)
	n, err := r.s.Receive(tmp)
	if n > 0 {
		r.buf.Write(tmp[:n])
		rn, _ := r.buf.Read(p)
		return rn, nil
	}
	if err != nil {
		if errors.Is(err, io.EOF) {
			return 0, io.EOF
		}
		return 0, err
	}
	return 0, io.EOF
}
