package subscription

import (
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/castline/upnpav/httpwire"
	"github.com/castline/upnpav/upnp"
)

// fakeDevice accepts raw HTTP/1.1 connections and answers SUBSCRIBE with a
// fresh SID and 200, and UNSUBSCRIBE with 200, recording each request seen.
type fakeDevice struct {
	mu             sync.Mutex
	requests       []*httpwire.Request
	sidSeq         int
	ln             net.Listener
	rejectRenewals bool
}

func startFakeDevice(t *testing.T) (*fakeDevice, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	d := &fakeDevice{ln: ln}
	go d.serve()
	return d, ln.Addr().(*net.TCPAddr).Port
}

func (d *fakeDevice) serve() {
	for {
		conn, err := d.ln.Accept()
		if err != nil {
			return
		}
		go d.handle(conn)
	}
}

func (d *fakeDevice) handle(conn net.Conn) {
	defer conn.Close()
	req, err := httpwire.ParseRequest(conn)
	if err != nil {
		return
	}
	d.mu.Lock()
	d.requests = append(d.requests, req)
	d.mu.Unlock()

	switch req.Method {
	case "SUBSCRIBE":
		_, renewal := req.Headers.Get("SID")
		d.mu.Lock()
		reject := d.rejectRenewals && renewal
		d.mu.Unlock()
		if reject {
			conn.Write([]byte("HTTP/1.1 412 Precondition Failed\r\nContent-Length: 0\r\n\r\n"))
			return
		}
		d.mu.Lock()
		d.sidSeq++
		sid := "uuid:fake-sid-" + itoa(d.sidSeq)
		d.mu.Unlock()
		conn.Write([]byte("HTTP/1.1 200 OK\r\nSID: " + sid + "\r\nTimeout: Second-1800\r\nContent-Length: 0\r\n\r\n"))
	case "UNSUBSCRIBE":
		conn.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n"))
	default:
		conn.Write([]byte("HTTP/1.1 404 Not Found\r\nContent-Length: 0\r\n\r\n"))
	}
}

func (d *fakeDevice) count(method string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, r := range d.requests {
		if r.Method == method {
			n++
		}
	}
	return n
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [8]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

func newEngine(port int) *Engine {
	binding := upnp.ServiceBinding{
		Endpoint:  upnp.Endpoint{Host: "127.0.0.1", Port: port, Scheme: "http"},
		EventPath: "/event",
	}
	client := httpwire.NewClient(2*time.Second, 1)
	return New(binding, 3400, 1800, client, 2*time.Second)
}

func TestEngineStartSubscribes(t *testing.T) {
	dev, port := startFakeDevice(t)
	defer dev.ln.Close()

	e := newEngine(port)
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer e.Stop(context.Background())

	if e.State() != Subscribed {
		t.Fatalf("State() = %v, want Subscribed", e.State())
	}
	if e.SID() == "" {
		t.Fatal("SID should be set after Start")
	}
	if dev.count("SUBSCRIBE") != 1 {
		t.Fatalf("SUBSCRIBE count = %d, want 1", dev.count("SUBSCRIBE"))
	}
}

func TestEngineSubscribeCallbackUsesDiscoveredLocalIP(t *testing.T) {
	dev, port := startFakeDevice(t)
	defer dev.ln.Close()

	e := newEngine(port)
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer e.Stop(context.Background())

	dev.mu.Lock()
	defer dev.mu.Unlock()
	if len(dev.requests) == 0 {
		t.Fatal("expected at least one request recorded")
	}
	cb, ok := dev.requests[0].Headers.Get("Callback")
	if !ok {
		t.Fatal("SUBSCRIBE request missing Callback header")
	}
	if !strings.Contains(cb, "127.0.0.1:3400") {
		t.Fatalf("Callback header = %q, want it to carry the discovered local IP and configured port", cb)
	}
}

func TestEngineStopUnsubscribes(t *testing.T) {
	dev, port := startFakeDevice(t)
	defer dev.ln.Close()

	e := newEngine(port)
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := e.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if e.State() != Terminated {
		t.Fatalf("State() = %v, want Terminated", e.State())
	}
	if dev.count("UNSUBSCRIBE") != 1 {
		t.Fatalf("UNSUBSCRIBE count = %d, want 1", dev.count("UNSUBSCRIBE"))
	}
}

func TestEngineStopIsIdempotent(t *testing.T) {
	dev, port := startFakeDevice(t)
	defer dev.ln.Close()

	e := newEngine(port)
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := e.Stop(context.Background()); err != nil {
		t.Fatalf("first Stop: %v", err)
	}
	if err := e.Stop(context.Background()); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if dev.count("UNSUBSCRIBE") != 1 {
		t.Fatalf("UNSUBSCRIBE should only be sent once, got %d", dev.count("UNSUBSCRIBE"))
	}
}

func TestEngineAskRenewalTriggersResubscribe(t *testing.T) {
	dev, port := startFakeDevice(t)
	defer dev.ln.Close()

	e := newEngine(port)
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer e.Stop(context.Background())

	e.AskRenewal()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if dev.count("SUBSCRIBE") >= 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if dev.count("SUBSCRIBE") < 2 {
		t.Fatalf("expected a renewal SUBSCRIBE, got %d total", dev.count("SUBSCRIBE"))
	}
}

func TestEngineStartFailsOnConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	e := newEngine(port)
	if err := e.Start(context.Background()); err == nil {
		t.Fatal("expected error connecting to closed port")
	}
}

// TestEngineStopAfterFailedStartDoesNotDeadlock covers the common
// "device unreachable at startup" path: Start's initial subscribe fails, so
// the renewal loop is never launched and e.done is never closed. Stop must
// still return rather than blocking forever on it.
func TestEngineStopAfterFailedStartDoesNotDeadlock(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	e := newEngine(port)
	if err := e.Start(context.Background()); err == nil {
		t.Fatal("expected error connecting to closed port")
	}

	stopped := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		stopped <- e.Stop(ctx)
	}()

	select {
	case <-stopped:
	case <-time.After(3 * time.Second):
		t.Fatal("Stop deadlocked after a failed Start")
	}
}

// TestRenewalRejectionForcesFreshSubscribe covers spec.md §7/§4.4: a 412
// Precondition Failed on renewal must not be retried forever against the
// same stale SID. After the rejection, the next SUBSCRIBE must carry a
// fresh Callback/NT (no SID header) and succeed with a new SID.
func TestRenewalRejectionForcesFreshSubscribe(t *testing.T) {
	dev, port := startFakeDevice(t)
	defer dev.ln.Close()

	e := newEngine(port)
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer e.Stop(context.Background())

	firstSID := e.SID()
	if firstSID == "" {
		t.Fatal("SID should be set after Start")
	}

	dev.mu.Lock()
	dev.rejectRenewals = true
	dev.mu.Unlock()

	e.AskRenewal()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if e.SID() == "" {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if e.SID() != "" {
		t.Fatalf("SID = %q after rejected renewal, want reset to empty", e.SID())
	}

	dev.mu.Lock()
	dev.rejectRenewals = false
	dev.mu.Unlock()

	e.AskRenewal()

	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if e.SID() != "" {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if e.SID() == "" {
		t.Fatal("expected a fresh subscribe to set a new SID after the rejected renewal cleared")
	}

	dev.mu.Lock()
	defer dev.mu.Unlock()
	var sawFreshAfterReject bool
	for _, r := range dev.requests {
		if r.Method != "SUBSCRIBE" {
			continue
		}
		if _, renewal := r.Headers.Get("SID"); !renewal {
			if cb, ok := r.Headers.Get("Callback"); ok && cb != "" {
				sawFreshAfterReject = true
			}
		}
	}
	if !sawFreshAfterReject {
		t.Fatal("expected at least one fresh Callback/NT SUBSCRIBE in the request log")
	}
}

func TestStateStringCoversAllStates(t *testing.T) {
	for s := Unconfigured; s <= Terminated; s++ {
		if strings.Contains(s.String(), "UNKNOWN") {
			t.Fatalf("state %d has no String() mapping", s)
		}
	}
}
