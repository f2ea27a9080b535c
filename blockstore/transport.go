package blockstore

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"sync"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
)

// A Transport moves blocks between nodes.
type Transport interface {
	// Fetch reads a block from a remote node.
	// It returns ErrBlockNotFound if the node does not
	// hold the block.
	Fetch(ctx context.Context, loc Location, key Key) ([]byte, error)

	// Remove deletes a block from a remote node.
	Remove(ctx context.Context, loc Location, key Key) error
}

// LocalTransport connects Managers living in the same
// process without going through the network.
type LocalTransport struct {
	mu    sync.RWMutex
	nodes map[string]*Manager
}

// NewLocalTransport creates a LocalTransport with no
// nodes.
func NewLocalTransport() *LocalTransport {
	return &LocalTransport{nodes: map[string]*Manager{}}
}

// Attach makes a Manager reachable by its node id.
func (l *LocalTransport) Attach(m *Manager) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nodes[m.NodeID()] = m
}

// Detach makes a node unreachable.
func (l *LocalTransport) Detach(nodeID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.nodes, nodeID)
}

func (l *LocalTransport) node(loc Location) (*Manager, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	m, ok := l.nodes[loc.NodeID]
	if !ok {
		return nil, errors.Errorf("node %s is unreachable", loc.NodeID)
	}
	return m, nil
}

func (l *LocalTransport) Fetch(ctx context.Context, loc Location, key Key) ([]byte, error) {
	m, err := l.node(loc)
	if err != nil {
		return nil, err
	}
	return m.read(key)
}

func (l *LocalTransport) Remove(ctx context.Context, loc Location, key Key) error {
	m, err := l.node(loc)
	if err != nil {
		return err
	}
	return m.Remove(key)
}

// HTTPTransport reaches nodes through the HTTP API served
// by Manager.Handler.
// Location.Addr must be a base URL such as
// "http://10.0.0.2:7070".
type HTTPTransport struct {
	// Client is used for requests.
	// If nil, http.DefaultClient is used.
	Client *http.Client
}

func (h *HTTPTransport) client() *http.Client {
	if h.Client != nil {
		return h.Client
	}
	return http.DefaultClient
}

func (h *HTTPTransport) Fetch(ctx context.Context, loc Location, key Key) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, blockURL(loc, key), nil)
	if err != nil {
		return nil, err
	}
	resp, err := h.client().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrBlockNotFound
	} else if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("fetch %s from %s: http %d", key, loc.NodeID, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func (h *HTTPTransport) Remove(ctx context.Context, loc Location, key Key) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, blockURL(loc, key), nil)
	if err != nil {
		return err
	}
	resp, err := h.client().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return errors.Errorf("remove %s from %s: http %d", key, loc.NodeID, resp.StatusCode)
	}
	return nil
}

func blockURL(loc Location, key Key) string {
	return loc.Addr + "/blocks/" + url.PathEscape(key.String())
}

// Handler serves the node's blocks over HTTP:
//
//	GET    /blocks/{key}  block contents, 404 if absent
//	DELETE /blocks/{key}  remove a block
//	GET    /stats         Stats as JSON
func (m *Manager) Handler() http.Handler {
	r := mux.NewRouter().UseEncodedPath()
	r.HandleFunc("/blocks/{key}", m.handleGet).Methods(http.MethodGet)
	r.HandleFunc("/blocks/{key}", m.handleDelete).Methods(http.MethodDelete)
	r.HandleFunc("/stats", m.handleStats).Methods(http.MethodGet)
	return r
}

func (m *Manager) handleGet(w http.ResponseWriter, r *http.Request) {
	key, err := requestKey(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	data, err := m.read(key)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(data)
}

func (m *Manager) handleDelete(w http.ResponseWriter, r *http.Request) {
	key, err := requestKey(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := m.Remove(key); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// requestKey decodes the escaped key of a block route.
func requestKey(r *http.Request) (Key, error) {
	raw, err := url.PathUnescape(mux.Vars(r)["key"])
	if err != nil {
		return Key{}, errors.Wrap(err, "invalid block key")
	}
	return ParseKey(raw)
}

func (m *Manager) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(m.Stats())
}
