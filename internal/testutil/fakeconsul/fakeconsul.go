// Package fakeconsul emulates the catalog, session and kv endpoints of a
// Consul-style service. Mount it under "/v1/" on any http.ServeMux.
package fakeconsul

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

type entry struct {
	ID   string `json:"ID"`
	Node string `json:"Node"`
}

// Server is the fake service. It implements http.Handler.
type Server struct {
	mu        sync.Mutex
	self      string
	members   []string
	index     uint64
	changed   chan struct{}
	seq       int
	sessions  map[string]bool
	kv        map[string]string // key -> session id
	failRenew bool
	failKV    int
	tokens    []string
	waits     []string
	counts    map[string]int
}

// New creates a Server whose agent reports self as its node id.
func New(self string, members ...string) *Server {
	return &Server{
		self:     self,
		members:  members,
		index:    10,
		changed:  make(chan struct{}),
		sessions: make(map[string]bool),
		kv:       make(map[string]string),
		counts:   make(map[string]int),
	}
}

// SetSelf changes the node id reported by the agent endpoint.
func (s *Server) SetSelf(id string) {
	s.mu.Lock()
	s.self = id
	s.mu.Unlock()
}

// SetMembers replaces the catalog and bumps its index.
func (s *Server) SetMembers(ids ...string) {
	s.mu.Lock()
	s.members = ids
	s.index++
	s.notify()
	s.mu.Unlock()
}

// ResetIndex replaces the catalog with an index lower than the current one.
func (s *Server) ResetIndex(ids ...string) {
	s.mu.Lock()
	s.members = ids
	s.index = 1
	s.notify()
	s.mu.Unlock()
}

// Touch bumps the catalog index without changing members.
func (s *Server) Touch() {
	s.mu.Lock()
	s.index++
	s.notify()
	s.mu.Unlock()
}

func (s *Server) notify() {
	close(s.changed)
	s.changed = make(chan struct{})
}

// FailRenew makes session renewals fail.
func (s *Server) FailRenew(fail bool) {
	s.mu.Lock()
	s.failRenew = fail
	s.mu.Unlock()
}

// FailKV makes the next n kv requests answer 500.
func (s *Server) FailKV(n int) {
	s.mu.Lock()
	s.failKV = n
	s.mu.Unlock()
}

// Holder returns the session holding the raw kv key, or "".
func (s *Server) Holder(key string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kv[key]
}

// Sessions returns the number of live sessions.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Invalidate destroys every session and releases its locks, as TTL expiry
// would.
func (s *Server) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.sessions {
		s.destroy(id)
	}
}

func (s *Server) destroy(id string) {
	delete(s.sessions, id)
	for k, holder := range s.kv {
		if holder == id {
			delete(s.kv, k)
		}
	}
}

// Count returns how many requests hit the endpoint named op: "self",
// "catalog", "create", "renew", "destroy", "acquire" or "release".
func (s *Server) Count(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[op]
}

// Tokens returns the X-Consul-Token values received.
func (s *Server) Tokens() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.tokens...)
}

// Waits returns the wait parameters of blocking catalog queries.
func (s *Server) Waits() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.waits...)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if tok := r.Header.Get("X-Consul-Token"); tok != "" {
		s.tokens = append(s.tokens, tok)
	}
	s.mu.Unlock()

	p := r.URL.Path
	switch {
	case p == "/v1/agent/self":
		s.count("self")
		s.mu.Lock()
		self := s.self
		s.mu.Unlock()
		writeJSON(w, map[string]any{"Config": map[string]string{"NodeID": self}})
	case strings.HasPrefix(p, "/v1/catalog/service/"):
		s.count("catalog")
		s.catalog(w, r)
	case p == "/v1/session/create":
		s.count("create")
		s.mu.Lock()
		s.seq++
		id := fmt.Sprintf("session-%d", s.seq)
		s.sessions[id] = true
		s.mu.Unlock()
		writeJSON(w, map[string]string{"ID": id})
	case strings.HasPrefix(p, "/v1/session/renew/"):
		s.count("renew")
		id := strings.TrimPrefix(p, "/v1/session/renew/")
		s.mu.Lock()
		fail, ok := s.failRenew, s.sessions[id]
		s.mu.Unlock()
		switch {
		case fail:
			w.WriteHeader(http.StatusInternalServerError)
		case !ok:
			w.WriteHeader(http.StatusNotFound)
		default:
			writeJSON(w, []map[string]string{{"ID": id}})
		}
	case strings.HasPrefix(p, "/v1/session/destroy/"):
		s.count("destroy")
		id := strings.TrimPrefix(p, "/v1/session/destroy/")
		s.mu.Lock()
		s.destroy(id)
		s.mu.Unlock()
		writeJSON(w, true)
	case strings.HasPrefix(p, "/v1/kv/mounts/"):
		s.kvOp(w, r, strings.TrimPrefix(r.URL.EscapedPath(), "/v1/kv/mounts/"))
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) count(op string) {
	s.mu.Lock()
	s.counts[op]++
	s.mu.Unlock()
}

func (s *Server) catalog(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if idx := q.Get("index"); idx != "" {
		want, _ := strconv.ParseUint(idx, 10, 64)
		wait, err := time.ParseDuration(q.Get("wait"))
		if err != nil {
			wait = 5 * time.Minute
		}
		s.mu.Lock()
		s.waits = append(s.waits, q.Get("wait"))
		s.mu.Unlock()

		timer := time.NewTimer(wait)
		defer timer.Stop()
		for {
			s.mu.Lock()
			cur, ch := s.index, s.changed
			s.mu.Unlock()
			if cur != want {
				break
			}
			select {
			case <-ch:
				continue
			case <-timer.C:
			case <-r.Context().Done():
				return
			}
			break
		}
	}

	s.mu.Lock()
	index := s.index
	out := make([]entry, 0, len(s.members))
	for _, id := range s.members {
		out = append(out, entry{ID: id, Node: "node-" + id})
	}
	s.mu.Unlock()
	w.Header().Set("X-Consul-Index", strconv.FormatUint(index, 10))
	writeJSON(w, out)
}

func (s *Server) kvOp(w http.ResponseWriter, r *http.Request, key string) {
	q := r.URL.Query()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failKV > 0 {
		s.failKV--
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	switch {
	case q.Has("acquire"):
		s.counts["acquire"]++
		id := q.Get("acquire")
		if !s.sessions[id] {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		if holder, ok := s.kv[key]; ok && holder != id {
			writeJSON(w, false)
			return
		}
		s.kv[key] = id
		writeJSON(w, true)
	case q.Has("release"):
		s.counts["release"]++
		id := q.Get("release")
		if s.kv[key] != id {
			writeJSON(w, false)
			return
		}
		delete(s.kv, key)
		writeJSON(w, true)
	default:
		w.WriteHeader(http.StatusBadRequest)
	}
}
