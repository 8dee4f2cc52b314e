// Package fakecore emulates a core node for tests: the websocket message
// channel (register, mount, unmount, proxy invocation) on any path ending in
// "/r", and arbitrary HTTP handlers on Mux.
//
// Each websocket path prefix is a separate virtual node, so cluster members
// reached through the core node at "/<memberID>" keep separate mount tables.
package fakecore

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"

	"github.com/yndnr/rnode-go/internal/core/domain"
)

// DefaultMessageName matches rpc.DefaultMessageName.
const DefaultMessageName = "ci-msg"

type frame struct {
	Event string          `json:"event"`
	Data  *domain.Message `json:"data"`
}

type peer struct {
	prefix string
	ws     *websocket.Conn
	wmu    sync.Mutex
}

func (p *peer) send(msg *domain.Message) error {
	data, err := json.Marshal(frame{Event: DefaultMessageName, Data: msg})
	if err != nil {
		return err
	}
	p.wmu.Lock()
	defer p.wmu.Unlock()
	return p.ws.WriteMessage(websocket.TextMessage, data)
}

// Mount is a mount registered on the fake core node.
type Mount struct {
	ID   string
	Path string
	Mode domain.MountMode
	peer *peer
}

// Server is the fake core node.
type Server struct {
	URL string
	Mux *http.ServeMux

	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu             sync.Mutex
	seq            int
	peers          []*peer
	mounts         map[string]*Mount
	registrations  map[string][]string
	counts         map[string]int // prefix + " " + type
	auth           map[string]string
	holdPaths      map[string]bool
	rejectRegister int
	waiters        map[string]chan *domain.Message
}

// New starts a fake core node, closed on test cleanup.
func New(t testing.TB) *Server {
	s := &Server{
		Mux:           http.NewServeMux(),
		mounts:        make(map[string]*Mount),
		registrations: make(map[string][]string),
		counts:        make(map[string]int),
		auth:          make(map[string]string),
		holdPaths:     make(map[string]bool),
		waiters:       make(map[string]chan *domain.Message),
	}
	s.srv = httptest.NewServer(http.HandlerFunc(s.serveHTTP))
	s.URL = s.srv.URL
	t.Cleanup(s.Close)
	return s
}

// Close drops every connection and stops the server.
func (s *Server) Close() {
	s.DropAll()
	s.srv.Close()
}

func (s *Server) serveHTTP(w http.ResponseWriter, r *http.Request) {
	if strings.HasSuffix(r.URL.Path, "/r") && websocket.IsWebSocketUpgrade(r) {
		s.serveWS(w, r, strings.TrimSuffix(r.URL.Path, "/r"))
		return
	}
	s.Mux.ServeHTTP(w, r)
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request, prefix string) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	p := &peer{prefix: prefix, ws: ws}
	s.mu.Lock()
	s.peers = append(s.peers, p)
	s.auth[prefix] = r.Header.Get("Authorization")
	s.mu.Unlock()

	defer s.disconnected(p)
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var f frame
		if json.Unmarshal(data, &f) != nil || f.Data == nil {
			continue
		}
		s.handle(p, f.Data)
	}
}

func (s *Server) disconnected(p *peer) {
	_ = p.ws.Close()
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, q := range s.peers {
		if q == p {
			s.peers = append(s.peers[:i], s.peers[i+1:]...)
			break
		}
	}
	for id, m := range s.mounts {
		if m.peer == p {
			delete(s.mounts, id)
		}
	}
}

func reply(req *domain.Message, typ string, rc int, extra map[string]any) *domain.Message {
	body := map[string]any{"rc": rc}
	for k, v := range extra {
		body[k] = v
	}
	raw, _ := json.Marshal(body)
	return &domain.Message{ID: req.ID, Service: req.Service, Type: typ, Payload: raw, Ask: true}
}

func (s *Server) handle(p *peer, msg *domain.Message) {
	s.mu.Lock()
	s.counts[p.prefix+" "+msg.Type]++
	if msg.Type == domain.TypeResponse {
		ch := s.waiters[msg.ID]
		delete(s.waiters, msg.ID)
		s.mu.Unlock()
		if ch != nil {
			ch <- msg
		}
		return
	}

	var out *domain.Message
	switch msg.Type {
	case domain.TypeRegister:
		if s.rejectRegister > 0 {
			s.rejectRegister--
			out = reply(msg, domain.TypeRegisterResponse, 1, nil)
			break
		}
		s.registrations[p.prefix] = append(s.registrations[p.prefix], msg.ID)
		out = reply(msg, domain.TypeRegisterResponse, 0, nil)
		out.User = json.RawMessage(`{"id":"user-1","roles":["node"]}`)
	case domain.TypeUnregister:
		out = reply(msg, domain.TypeUnregisterResp, 0, nil)
	case domain.TypeMount:
		var pl domain.MountPayload
		_ = json.Unmarshal(msg.Payload, &pl)
		if s.holdPaths[pl.Path] {
			s.mu.Unlock()
			return
		}
		s.seq++
		id := fmt.Sprintf("m-%d", s.seq)
		s.mounts[id] = &Mount{ID: id, Path: pl.Path, Mode: pl.Mode, peer: p}
		out = reply(msg, domain.TypeMountResponse, 0, map[string]any{"mountId": id})
	case domain.TypeUnmount:
		var pl domain.UnmountPayload
		_ = json.Unmarshal(msg.Payload, &pl)
		if m, ok := s.mounts[pl.MountID]; ok && m.peer.prefix == p.prefix {
			delete(s.mounts, pl.MountID)
			out = reply(msg, domain.TypeUnmountResponse, 0, nil)
		} else {
			out = reply(msg, domain.TypeUnmountResponse, 404, nil)
		}
	default:
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	_ = p.send(out)
}

// HoldMounts stops answering mount requests for path.
func (s *Server) HoldMounts(path string) {
	s.mu.Lock()
	s.holdPaths[path] = true
	s.mu.Unlock()
}

// RejectRegister makes the next n register requests fail.
func (s *Server) RejectRegister(n int) {
	s.mu.Lock()
	s.rejectRegister = n
	s.mu.Unlock()
}

// Mounts returns the active mounts of the virtual node at prefix.
func (s *Server) Mounts(prefix string) []Mount {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Mount
	for _, m := range s.mounts {
		if m.peer.prefix == prefix {
			out = append(out, Mount{ID: m.ID, Path: m.Path, Mode: m.Mode})
		}
	}
	return out
}

// Registrations returns the register message ids seen at prefix.
func (s *Server) Registrations(prefix string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.registrations[prefix]...)
}

// Count returns how many messages of type typ were received at prefix.
func (s *Server) Count(prefix, typ string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[prefix+" "+typ]
}

// Authorization returns the Authorization header of the latest handshake at
// prefix.
func (s *Server) Authorization(prefix string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.auth[prefix]
}

// Connections returns the number of live sockets at prefix.
func (s *Server) Connections(prefix string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, p := range s.peers {
		if p.prefix == prefix {
			n++
		}
	}
	return n
}

// Drop closes every socket at prefix, as if the core node went away.
func (s *Server) Drop(prefix string) {
	s.mu.Lock()
	var victims []*peer
	for _, p := range s.peers {
		if p.prefix == prefix {
			victims = append(victims, p)
		}
	}
	s.mu.Unlock()
	for _, p := range victims {
		_ = p.ws.Close()
	}
}

// DropAll closes every socket.
func (s *Server) DropAll() {
	s.mu.Lock()
	victims := append([]*peer(nil), s.peers...)
	s.mu.Unlock()
	for _, p := range victims {
		_ = p.ws.Close()
	}
}

// Invoke pushes a proxy request for mountID to the node at prefix and waits
// for the answer.
func (s *Server) Invoke(ctx context.Context, prefix, mountID string, req *domain.ProxyRequest) (*domain.ProxyResponse, error) {
	s.mu.Lock()
	var p *peer
	for _, q := range s.peers {
		if q.prefix == prefix {
			p = q
		}
	}
	id := ulid.Make().String()
	ch := make(chan *domain.Message, 1)
	s.waiters[id] = ch
	s.mu.Unlock()
	if p == nil {
		return nil, fmt.Errorf("fakecore: no connection at %q", prefix)
	}

	msg, err := domain.NewMessage(id, domain.ProxyServiceName(mountID), domain.TypeRequest,
		domain.ProxyInvocation{MountID: mountID, Request: req})
	if err != nil {
		return nil, err
	}
	msg.Ask = true
	if err := p.send(msg); err != nil {
		return nil, err
	}

	select {
	case resp := <-ch:
		var out domain.ProxyResponse
		if err := json.Unmarshal(resp.Payload, &out); err != nil {
			return nil, err
		}
		return &out, nil
	case <-ctx.Done():
		s.mu.Lock()
		delete(s.waiters, id)
		s.mu.Unlock()
		return nil, ctx.Err()
	}
}
