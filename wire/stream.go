// Package wire implements the raw network transport beneath the HTTP
// primitives: a plain TCP stream and an optional TLS stream behind one
// capability interface, per the capability-set redesign (see DESIGN.md).
package wire

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

// ErrNetwork identifies a transport-level failure (dial, read, write).
var ErrNetwork = errors.New("wire: network error")

// ErrTLS identifies a TLS handshake or configuration failure.
var ErrTLS = errors.New("wire: tls error")

// Stream is the minimal transport capability the HTTP primitives and the
// subscription engine's IP-discovery step depend on.
type Stream interface {
	Connect(ctx context.Context, host string, port int) error
	Send(b []byte) (int, error)
	Receive(b []byte) (int, error)
	Disconnect() error
	// LocalAddr returns the local IP address of the established connection,
	// or "" if not connected. Used by the subscription engine to detect an
	// IP-lease change across renewals.
	LocalAddr() string
}

// TCPStream is a plain, unencrypted Stream.
type TCPStream struct {
	conn net.Conn
	dlr  time.Duration
}

// NewTCPStream builds a TCPStream whose Receive calls honor readTimeout
// (zero disables the deadline).
func NewTCPStream(readTimeout time.Duration) *TCPStream {
	return &TCPStream{dlr: readTimeout}
}

func (s *TCPStream) Connect(ctx context.Context, host string, port int) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return errors.Wrapf(ErrNetwork, "dial %s:%d: %v", host, port, err)
	}
	s.conn = conn
	return nil
}

func (s *TCPStream) Send(b []byte) (int, error) {
	if s.conn == nil {
		return 0, errors.Wrap(ErrNetwork, "send on unconnected stream")
	}
	n, err := s.conn.Write(b)
	if err != nil {
		return n, errors.Wrap(ErrNetwork, err.Error())
	}
	return n, nil
}

func (s *TCPStream) Receive(b []byte) (int, error) {
	if s.conn == nil {
		return 0, errors.Wrap(ErrNetwork, "receive on unconnected stream")
	}
	if s.dlr > 0 {
		if err := s.conn.SetReadDeadline(time.Now().Add(s.dlr)); err != nil {
			return 0, errors.Wrap(ErrNetwork, err.Error())
		}
	}
	n, err := s.conn.Read(b)
	if err != nil {
		if err == io.EOF {
			return n, io.EOF
		}
		return n, errors.Wrap(ErrNetwork, err.Error())
	}
	return n, nil
}

func (s *TCPStream) Disconnect() error {
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	if err != nil {
		return errors.Wrap(ErrNetwork, err.Error())
	}
	return nil
}

func (s *TCPStream) LocalAddr() string {
	if s.conn == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(s.conn.LocalAddr().String())
	if err != nil {
		return s.conn.LocalAddr().String()
	}
	return host
}

// TLSStream is a Stream secured with TLS: SNI set to the requested host, a
// restricted cipher suite list, a TLSv1.0 floor, and optional peer
// certificate verification (default off, per spec.md §6 tlsVerifyPeer).
type TLSStream struct {
	conn       *tls.Conn
	dlr        time.Duration
	verifyPeer bool
	cipherIDs  []uint16
}

// NewTLSStream builds a TLSStream. cipherIDs may be nil to accept Go's
// default suite selection restricted to the TLS floor below.
func NewTLSStream(readTimeout time.Duration, verifyPeer bool, cipherIDs []uint16) *TLSStream {
	return &TLSStream{dlr: readTimeout, verifyPeer: verifyPeer, cipherIDs: cipherIDs}
}

func (s *TLSStream) Connect(ctx context.Context, host string, port int) error {
	var d net.Dialer
	raw, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return errors.Wrapf(ErrNetwork, "dial %s:%d: %v", host, port, err)
	}

	cfg := &tls.Config{
		ServerName:         host,
		InsecureSkipVerify: !s.verifyPeer, //nolint:gosec // spec.md default; caller may opt in to verification
		MinVersion:         tls.VersionTLS10,
		CipherSuites:       s.cipherIDs,
	}

	tconn := tls.Client(raw, cfg)
	if err := tconn.HandshakeContext(ctx); err != nil {
		raw.Close()
		return errors.Wrap(ErrTLS, err.Error())
	}
	s.conn = tconn
	return nil
}

func (s *TLSStream) Send(b []byte) (int, error) {
	if s.conn == nil {
		return 0, errors.Wrap(ErrNetwork, "send on unconnected stream")
	}
	n, err := s.conn.Write(b)
	if err != nil {
		return n, errors.Wrap(ErrNetwork, err.Error())
	}
	return n, nil
}

func (s *TLSStream) Receive(b []byte) (int, error) {
	if s.conn == nil {
		return 0, errors.Wrap(ErrNetwork, "receive on unconnected stream")
	}
	if s.dlr > 0 {
		if err := s.conn.SetReadDeadline(time.Now().Add(s.dlr)); err != nil {
			return 0, errors.Wrap(ErrNetwork, err.Error())
		}
	}
	n, err := s.conn.Read(b)
	if err != nil {
		if err == io.EOF {
			return n, io.EOF
		}
		return n, errors.Wrap(ErrNetwork, err.Error())
	}
	return n, nil
}

func (s *TLSStream) Disconnect() error {
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	if err != nil {
		return errors.Wrap(ErrNetwork, err.Error())
	}
	return nil
}

func (s *TLSStream) LocalAddr() string {
	if s.conn == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(s.conn.LocalAddr().String())
	if err != nil {
		return s.conn.LocalAddr().String()
	}
	return host
}

