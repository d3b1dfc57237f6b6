package server

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
)

// AdminServer is a read-only health/introspection surface: /healthz,
// /sessions, /stats. It is wired to the same Server instance but served
// on a separate address, keeping the RPC wire protocol's own upgrade
// endpoint at "/" free of unrelated routes.
type AdminServer struct {
	srv     *Server
	httpSrv *http.Server
}

// NewAdminServer builds an admin HTTP surface bound to addr. It does not
// start listening until Serve is called.
func NewAdminServer(addr string, srv *Server) *AdminServer {
	r := mux.NewRouter()
	a := &AdminServer{srv: srv}
	r.HandleFunc("/healthz", a.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/sessions", a.handleSessions).Methods(http.MethodGet)
	r.HandleFunc("/stats", a.handleStats).Methods(http.MethodGet)
	a.httpSrv = &http.Server{Addr: addr, Handler: r}
	return a
}

// Serve blocks serving the admin surface until Close is called.
func (a *AdminServer) Serve() error {
	err := a.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Close stops the admin surface.
func (a *AdminServer) Close() error {
	return a.httpSrv.Close()
}

func (a *AdminServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (a *AdminServer) handleSessions(w http.ResponseWriter, r *http.Request) {
	ids := a.srv.SessionIDs()
	writeJSON(w, map[string]any{"session_ids": ids, "count": len(ids)})
}

func (a *AdminServer) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := a.srv.BroadcastStats()
	writeJSON(w, map[string]any{
		"connections":        a.srv.Connections(),
		"sent":               stats.Sent,
		"dropped_queue_full": stats.DroppedQueueFull,
		"recipients_total":   stats.RecipientsTotal,
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
