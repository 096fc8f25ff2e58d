// Package subscription implements the GENA subscription lifecycle: a
// background loop that subscribes, renews on a timer, and detects an
// IP-lease change across renewals, modeled on the subscribe/renew loop in
// noson's subscription thread.
package subscription

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/castline/upnpav/httpwire"
	"github.com/castline/upnpav/upnp"
	"github.com/castline/upnpav/wire"
)

// ErrSubscription identifies a failed SUBSCRIBE/UNSUBSCRIBE exchange.
var ErrSubscription = errors.New("subscription: gena error")

// ErrStopped is returned by operations attempted after Stop.
var ErrStopped = errors.New("subscription: engine stopped")

// State is one point in the subscription lifecycle.
type State int

const (
	Unconfigured State = iota
	Configured
	Subscribed
	Renewing
	Unsubscribing
	Terminated
)

func (s State) String() string {
	switch s {
	case Unconfigured:
		return "UNCONFIGURED"
	case Configured:
		return "CONFIGURED"
	case Subscribed:
		return "SUBSCRIBED"
	case Renewing:
		return "RENEWING"
	case Unsubscribing:
		return "UNSUBSCRIBING"
	case Terminated:
		return "TERMINATED"
	default:
		return "UNKNOWN"
	}
}

// TimeoutRetry is how long the renewal loop waits after a failed
// subscribe/renew attempt before retrying.
const TimeoutRetry = 1 * time.Second

// Engine drives one subscription's lifecycle against one ServiceBinding.
// The GENA Callback header is rebuilt from the locally-discovered IP (see
// configure) and CallbackPort on every fresh subscribe, so an IP-lease
// change is reflected in the very subscribe it forces (spec.md §4.4/S3).
type Engine struct {
	Binding      upnp.ServiceBinding
	CallbackPort int
	TimeoutSec   uint32
	Client       *httpwire.Client
	NewStream    func() wire.Stream
	ReadTimeout  time.Duration

	mu          sync.Mutex
	state       State
	sid         string
	localIP     string
	renewable   bool
	loopStarted bool
	stopOnce    sync.Once
	stopCh      chan struct{}
	wakeCh      chan struct{}
	done        chan struct{}
}

// New builds an Engine. NewStream defaults to a plain TCP stream used only
// to discover the local IP the device would see (noson's Configure step).
// callbackPort is the callback HTTP server's bound port; the Callback URL
// sent on SUBSCRIBE is "http://<discovered-local-ip>:<callbackPort>".
func New(binding upnp.ServiceBinding, callbackPort int, timeoutSec uint32, client *httpwire.Client, readTimeout time.Duration) *Engine {
	e := &Engine{
		Binding:      binding,
		CallbackPort: callbackPort,
		TimeoutSec:   timeoutSec,
		Client:       client,
		ReadTimeout:  readTimeout,
		NewStream:    func() wire.Stream { return wire.NewTCPStream(2 * time.Second) },
		state:        Unconfigured,
		stopCh:       make(chan struct{}),
		wakeCh:       make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
	return e
}

// State returns the engine's current lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// SID returns the current subscription id, or "" if never subscribed.
func (e *Engine) SID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sid
}

// Start configures and subscribes, then launches the renewal loop. It
// returns once the first subscribe attempt (success or failure) completes.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.configure(ctx); err != nil {
		return err
	}
	if err := e.subscribe(ctx, false); err != nil {
		return err
	}
	e.mu.Lock()
	e.loopStarted = true
	e.mu.Unlock()
	go e.loop(ctx)
	return nil
}

// AskRenewal wakes the renewal loop immediately instead of waiting out its
// timer, without forcing the subscription to drop.
func (e *Engine) AskRenewal() {
	select {
	case e.wakeCh <- struct{}{}:
	default:
	}
}

// Stop unsubscribes (best effort) and halts the renewal loop. Idempotent.
func (e *Engine) Stop(ctx context.Context) error {
	var unsubErr error
	e.stopOnce.Do(func() {
		close(e.stopCh)
		e.mu.Lock()
		subscribed := e.state == Subscribed || e.state == Renewing
		e.state = Unsubscribing
		e.mu.Unlock()
		if subscribed {
			unsubErr = e.unsubscribe(ctx)
		}
		e.mu.Lock()
		e.state = Terminated
		started := e.loopStarted
		e.mu.Unlock()
		if started {
			select {
			case <-e.done:
			case <-ctx.Done():
			}
		}
	})
	return unsubErr
}

// configure opens a TCP connection to the device to learn the local IP the
// device would see, and marks the subscription non-renewable if that IP
// changed since the last configure (DHCP lease change).
func (e *Engine) configure(ctx context.Context) error {
	s := e.NewStream()
	if err := s.Connect(ctx, e.Binding.Endpoint.Host, e.Binding.Endpoint.Port); err != nil {
		return errors.Wrap(ErrSubscription, "configure: "+err.Error())
	}
	defer s.Disconnect()

	ip := s.LocalAddr()

	e.mu.Lock()
	if e.localIP != "" && e.localIP != ip {
		e.renewable = false
	} else {
		e.renewable = true
	}
	e.localIP = ip
	e.state = Configured
	e.mu.Unlock()
	return nil
}

// subscribe sends SUBSCRIBE. When renew is true and the subscription is
// still renewable, it sends the SID-based renewal form; otherwise it sends
// a fresh Callback/NT subscribe and replaces the SID.
func (e *Engine) subscribe(ctx context.Context, renew bool) error {
	e.mu.Lock()
	sid := e.sid
	renewable := e.renewable
	localIP := e.localIP
	e.mu.Unlock()

	headers := httpwire.NewOrderedHeader()
	headers.Set("Host", e.Binding.Endpoint.BaseURL())
	if renew && renewable && sid != "" {
		headers.Set("SID", sid)
	} else {
		headers.Set("Callback", fmt.Sprintf("<http://%s:%d>", localIP, e.CallbackPort))
		headers.Set("NT", "upnp:event")
	}
	headers.Set("Timeout", "Second-"+strconv.Itoa(int(e.TimeoutSec)))

	reqBytes, err := httpwire.BuildRequest("SUBSCRIBE", e.Binding.EventPath, headers, nil)
	if err != nil {
		return errors.Wrap(ErrSubscription, err.Error())
	}

	resp, err := e.Client.Do(ctx, e.Binding.Endpoint.Host, e.Binding.Endpoint.Port, e.ReadTimeout, reqBytes)
	if err != nil {
		return errors.Wrap(ErrSubscription, err.Error())
	}
	if resp.StatusCode != 200 {
		return errors.Wrapf(ErrSubscription, "SUBSCRIBE returned HTTP %d", resp.StatusCode)
	}
	newSID, ok := resp.Headers.Get("SID")
	if !ok || newSID == "" {
		return errors.Wrap(ErrSubscription, "SUBSCRIBE response missing SID")
	}

	e.mu.Lock()
	e.sid = newSID
	e.state = Subscribed
	e.mu.Unlock()
	return nil
}

func (e *Engine) unsubscribe(ctx context.Context) error {
	e.mu.Lock()
	sid := e.sid
	e.mu.Unlock()
	if sid == "" {
		return nil
	}

	headers := httpwire.NewOrderedHeader()
	headers.Set("Host", e.Binding.Endpoint.BaseURL())
	headers.Set("SID", sid)

	reqBytes, err := httpwire.BuildRequest("UNSUBSCRIBE", e.Binding.EventPath, headers, nil)
	if err != nil {
		return errors.Wrap(ErrSubscription, err.Error())
	}
	_, err = e.Client.Do(ctx, e.Binding.Endpoint.Host, e.Binding.Endpoint.Port, e.ReadTimeout, reqBytes)
	if err != nil {
		return errors.Wrap(ErrSubscription, err.Error())
	}
	return nil
}

// loop is the renewal goroutine: wait 0.9x the subscription timeout (or
// TimeoutRetry after a failure), then reconfigure and resubscribe.
func (e *Engine) loop(ctx context.Context) {
	defer close(e.done)
	retry := false
	for {
		wait := time.Duration(float64(e.TimeoutSec)*0.9) * time.Second
		if retry {
			wait = TimeoutRetry
		}

		select {
		case <-e.stopCh:
			return
		case <-ctx.Done():
			return
		case <-e.wakeCh:
		case <-time.After(wait):
		}

		select {
		case <-e.stopCh:
			return
		default:
		}

		e.mu.Lock()
		e.state = Renewing
		e.mu.Unlock()

		ok := true
		if err := e.configure(ctx); err != nil {
			ok = false
		}
		if ok {
			if err := e.subscribe(ctx, true); err != nil {
				ok = false
			}
		}
		if !ok {
			// A rejected renewal (GENA 412 Precondition Failed, or any other
			// SUBSCRIBE failure) invalidates the SID: drop it and fall back to
			// Configured so the next cycle sends a fresh Callback/NT subscribe
			// instead of retrying the renewal form against a dead SID forever
			// (spec.md §7, §4.4 Renewing→failure→Configured→fresh subscribe).
			e.mu.Lock()
			e.sid = ""
			e.renewable = false
			if e.state != Terminated {
				e.state = Configured
			}
			e.mu.Unlock()
		}
		retry = !ok
	}
}

