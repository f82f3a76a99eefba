// Package api exposes faasd's control surface over HTTP, grounded on
// sand/mux.go's serveHTTP/writeJSON/writeJSONError handler style, moved
// from a unix-socket-only mux to Go 1.22+'s method+pattern
// http.ServeMux routing.
package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/ocifaas/faasd/internal/apierr"
	"github.com/ocifaas/faasd/internal/registry"
)

const maxImageBytes = 2 << 30 // 2 GiB, generous ceiling against a runaway client upload.

// Publisher is the one registry+listener operation the API needs: it
// materializes an image, allocates an address, persists the record, and
// only returns once a listener is live for it — synchronous per
// spec.md's "registry persisted and listener accepting before 200".
type Publisher interface {
	Publish(ctx context.Context, name string, image io.Reader) (registry.Deployment, error)
}

// Lister backs /api/list and /api/ip/{name}.
type Lister interface {
	List() []registry.Deployment
	Lookup(name string) (registry.Deployment, error)
}

// Server is the faasd control API.
type Server struct {
	publisher Publisher
	lister    Lister
}

// New builds a Server backing the given publish/list operations.
func New(publisher Publisher, lister Lister) *Server {
	return &Server{publisher: publisher, lister: lister}
}

// Handler returns the routed http.Handler, ready to be served on the
// management listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/new", s.handleNew)
	mux.HandleFunc("GET /api/ip/{name}", s.handleIP)
	mux.HandleFunc("GET /api/list", s.handleList)
	return mux
}

func writeJSONError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apierr.StatusCode(err))
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// newResponse is the `{name, address, command}` shape spec.md §4.7 names
// for POST /api/new.
type newResponse struct {
	Name    string   `json:"name"`
	Address string   `json:"address"`
	Command []string `json:"command"`
}

// ipResponse is the `{name, address}` shape for GET /api/ip/{name}.
type ipResponse struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

// listEntry is one value in the `{name: {address, command}, …}` map GET
// /api/list returns; Deployment's other fields (Port, RootfsPath) are
// the registry's own bookkeeping and never part of this contract.
type listEntry struct {
	Address string   `json:"address"`
	Command []string `json:"command"`
}

func (s *Server) handleNew(w http.ResponseWriter, r *http.Request) {
	name := r.Header.Get("X-Image-Name")
	if name == "" {
		writeJSONError(w, apierr.New(apierr.InvalidInput, "missing X-Image-Name header"))
		return
	}

	body := http.MaxBytesReader(w, r.Body, maxImageBytes)
	d, err := s.publisher.Publish(r.Context(), name, body)
	if err != nil {
		writeJSONError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newResponse{Name: d.Name, Address: d.Address, Command: d.Command})
}

func (s *Server) handleIP(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	d, err := s.lister.Lookup(name)
	if err != nil {
		writeJSONError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ipResponse{Name: name, Address: d.Address})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	deployments := s.lister.List()
	out := make(map[string]listEntry, len(deployments))
	for _, d := range deployments {
		out[d.Name] = listEntry{Address: d.Address, Command: d.Command}
	}
	writeJSON(w, http.StatusOK, out)
}
