// Package controlplane serves a node's status components and network
// membership over cleartext HTTP/2.
package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"slices"

	"github.com/sirupsen/logrus"

	"github.com/st-keller/vnet/component"
	"github.com/st-keller/vnet/transport"
	"github.com/st-keller/vnet/types"
)

// Component ids every node serves under GET /<id>.
const (
	ComponentStatus       = "status"
	ComponentNetworks     = "networks"
	ComponentPeers        = "peers"
	ComponentLogs         = "logs"
	ComponentConnectivity = "connectivity"
)

// Backend is the node as the control plane sees it.
type Backend interface {
	ComponentIDs() []string
	Collect(id string) (component.Component, error)
	Join(ctx context.Context, nwid types.NetworkID) error
	Leave(ctx context.Context, nwid types.NetworkID) error
}

type errorResponse struct {
	Error string `json:"error"`
}

type indexResponse struct {
	Components []string `json:"components"`
}

// NewHandler routes the control plane API to b.
func NewHandler(b Backend, log *logrus.Entry) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, indexResponse{Components: b.ComponentIDs()})
	})
	mux.HandleFunc("GET /{id}", componentHandler(b, log))
	mux.HandleFunc("PUT /networks/{nwid}", membershipHandler(b.Join, log))
	mux.HandleFunc("DELETE /networks/{nwid}", membershipHandler(b.Leave, log))
	return mux
}

func componentHandler(b Backend, log *logrus.Entry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if !slices.Contains(b.ComponentIDs(), id) {
			writeJSON(w, http.StatusNotFound, errorResponse{"unknown component " + id})
			return
		}
		comp, err := b.Collect(id)
		if err != nil {
			log.WithError(err).WithField("component", id).Error("collect failed")
			writeJSON(w, http.StatusInternalServerError, errorResponse{err.Error()})
			return
		}
		w.Header().Set("ETag", comp.ETag())
		if r.Header.Get("If-None-Match") == comp.ETag() {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		writeJSON(w, http.StatusOK, comp)
	}
}

func membershipHandler(op func(context.Context, types.NetworkID) error, log *logrus.Entry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		nwid, err := types.ParseNetworkID(r.PathValue("nwid"))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{err.Error()})
			return
		}
		if err := op(r.Context(), nwid); err != nil {
			log.WithError(err).WithField("nwid", nwid).WithField("method", r.Method).Warn("membership change failed")
			writeJSON(w, http.StatusConflict, errorResponse{err.Error()})
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Server is a running control plane.
type Server struct {
	srv  *http.Server
	ln   net.Listener
	done chan error
}

// Start listens on addr and serves b until Close.
func Start(addr string, b Backend, log *logrus.Entry) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	s := &Server{
		srv:  transport.NewServer(addr, NewHandler(b, log)),
		ln:   ln,
		done: make(chan error, 1),
	}
	go func() {
		err := s.srv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		s.done <- err
	}()
	log.WithField("addr", ln.Addr().String()).Info("control plane listening")
	return s, nil
}

// Addr is the address the server listens on.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Close shuts the server down gracefully within ctx.
func (s *Server) Close(ctx context.Context) error {
	if err := s.srv.Shutdown(ctx); err != nil {
		return err
	}
	return <-s.done
}
