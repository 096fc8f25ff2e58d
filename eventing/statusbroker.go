package eventing

import (
	"encoding/json"

	"github.com/castline/upnpav/httpserver"
	"github.com/castline/upnpav/httpwire"
)

// StatusBroker answers GET requests on Path with a JSON report of how many
// subscribers the handler's registry holds, demonstrating the RequestBroker contract
// (spec.md §6) end to end against a concern the core actually owns, rather
// than leaving it an abstract interface nothing in this module exercises.
type StatusBroker struct {
	Path    string
	Handler *Handler
}

// CommonName implements httpserver.RequestBroker.
func (b *StatusBroker) CommonName() string { return "status" }

type statusReport struct {
	Subscribers int `json:"subscribers"`
}

// HandleRequest implements httpserver.RequestBroker: it claims only GET
// requests on b.Path, leaving everything else for brokers registered after
// it (or the server's 404 fallback).
func (b *StatusBroker) HandleRequest(w httpserver.ResponseWriter, req *httpwire.Request) bool {
	if req.Method != "GET" || req.Target != b.Path {
		return false
	}

	b.Handler.mu.RLock()
	report := statusReport{Subscribers: len(b.Handler.byID)}
	b.Handler.mu.RUnlock()

	body, err := json.Marshal(report)
	if err != nil {
		w.WriteStatus(500, "Internal Server Error")
		return true
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteStatus(200, "OK")
	w.Write(body)
	return true
}
