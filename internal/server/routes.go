// Package server wires HTTP handlers into a ServeMux for the relay.
package server

import "net/http"

// Handler returns the relay's routes: WebSocket upgrades on every path, a
// health endpoint and the built-in test page.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.RootHandler)
	mux.HandleFunc("/healthz", s.HealthHandler)
	mux.HandleFunc("/test", s.TestPageHandler)
	return mux
}
