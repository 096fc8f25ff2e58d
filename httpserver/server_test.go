package httpserver

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/castline/upnpav/httpwire"
)

type fakeNotify struct {
	calls []*httpwire.Request
}

func (f *fakeNotify) HandleNotify(req *httpwire.Request) int {
	f.calls = append(f.calls, req)
	return 200
}

type fakeBroker struct {
	name   string
	handle func(w ResponseWriter, req *httpwire.Request) bool
}

func (b *fakeBroker) CommonName() string { return b.name }
func (b *fakeBroker) HandleRequest(w ResponseWriter, req *httpwire.Request) bool {
	return b.handle(w, req)
}

func dialAndSend(t *testing.T, addr, raw string) string {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte(raw)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 4096)
	n, _ := conn.Read(buf)
	return string(buf[:n])
}

func TestServerRoutesNotifyVerbsToHandler(t *testing.T) {
	notify := &fakeNotify{}
	s := New(nil, notify)
	addr, err := s.Serve("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Serve: %v", err)
	}
	defer s.Stop(context.Background())

	resp := dialAndSend(t, addr, "NOTIFY /event HTTP/1.1\r\nSID: uuid:1\r\nSEQ: 0\r\nContent-Length: 0\r\n\r\n")
	if len(notify.calls) != 1 {
		t.Fatalf("HandleNotify called %d times, want 1", len(notify.calls))
	}
	if resp == "" || resp[:12] != "HTTP/1.1 200" {
		t.Fatalf("response = %q, want 200 status", resp)
	}
}

func TestServerDispatchesToBrokerInOrder(t *testing.T) {
	var order []string
	first := &fakeBroker{name: "first", handle: func(w ResponseWriter, req *httpwire.Request) bool {
		order = append(order, "first")
		return false
	}}
	second := &fakeBroker{name: "scpd", handle: func(w ResponseWriter, req *httpwire.Request) bool {
		order = append(order, "scpd")
		w.WriteStatus(200, "OK")
		w.Write([]byte("<scpd/>"))
		return true
	}}

	s := New(nil, &fakeNotify{})
	s.RegisterBroker(first)
	s.RegisterBroker(second)
	addr, err := s.Serve("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Serve: %v", err)
	}
	defer s.Stop(context.Background())

	resp := dialAndSend(t, addr, "GET /scpd.xml HTTP/1.1\r\nHost: x\r\n\r\n")
	if len(order) != 2 || order[0] != "first" || order[1] != "scpd" {
		t.Fatalf("broker order = %v, want [first scpd]", order)
	}
	if resp == "" || resp[:12] != "HTTP/1.1 200" {
		t.Fatalf("response = %q, want 200 status", resp)
	}
}

func TestServerUnclaimedReturns404(t *testing.T) {
	s := New(nil, &fakeNotify{})
	addr, err := s.Serve("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Serve: %v", err)
	}
	defer s.Stop(context.Background())

	resp := dialAndSend(t, addr, "GET /nope HTTP/1.1\r\nHost: x\r\n\r\n")
	if resp == "" || resp[:12] != "HTTP/1.1 404" {
		t.Fatalf("response = %q, want 404 status", resp)
	}
}

func TestServerStopIsIdempotent(t *testing.T) {
	s := New(nil, &fakeNotify{})
	if _, err := s.Serve("127.0.0.1:0"); err != nil {
		t.Fatalf("Serve: %v", err)
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("first Stop: %v", err)
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}
