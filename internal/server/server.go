// Package server is the transport layer: it upgrades websocket
// connections, authenticates them and bridges them onto per-document
// session coordinators.
package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.mongodb.org/mongo-driver/mongo"

	co "github.com/coedit/coedit/internal/common"
	"github.com/coedit/coedit/internal/ot"
	"github.com/coedit/coedit/internal/session"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

type Server struct {
	registry *session.Registry
	secret   []byte
	users    *mongo.Collection

	mu    sync.RWMutex
	conns map[string]map[*Client]struct{} // docID -> connections
}

// New wires the transport onto a session registry. users may be nil,
// in which case the server trusts claimed client ids (dev mode).
// registry may be nil at construction when the registry's broadcast
// callback needs this server; complete the cycle with SetRegistry
// before serving.
func New(registry *session.Registry, secret []byte, users *mongo.Collection) *Server {
	return &Server{
		registry: registry,
		secret:   secret,
		users:    users,
		conns:    make(map[string]map[*Client]struct{}),
	}
}

func (s *Server) SetRegistry(r *session.Registry) { s.registry = r }

// Broadcast delivers an accepted operation to every connection on
// the document except the submitter. Wire this into the coordinator
// config; it only enqueues and never blocks.
func (s *Server) Broadcast(docID string, rev int, ops []ot.Op, exclude string) {
	broadcasts.Inc()
	s.mu.RLock()
	defer s.mu.RUnlock()
	for c := range s.conns[docID] {
		if c.uid == exclude {
			continue
		}
		c.push(co.Response{Type: co.OpRes, Revision: rev, Ops: ops})
	}
}

// PresenceChanged pushes the participant set to everyone on the
// document.
func (s *Server) PresenceChanged(docID string, parts []session.Participant) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for c := range s.conns[docID] {
		c.push(co.Response{Type: co.Presence, Participants: parts})
	}
}

func (s *Server) attach(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conns[c.docID] == nil {
		s.conns[c.docID] = make(map[*Client]struct{})
	}
	s.conns[c.docID][c] = struct{}{}
	openSessions.Set(float64(s.registry.Len()))
}

func (s *Server) detach(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns[c.docID], c)
	if len(s.conns[c.docID]) == 0 {
		delete(s.conns, c.docID)
	}
	openSessions.Set(float64(s.registry.Len()))
}

// ws opens a document session over a websocket: authenticate, join,
// send the snapshot, then pump.
func (s *Server) ws(w http.ResponseWriter, r *http.Request) {
	docID := mux.Vars(r)["docid"]
	if docID == "" {
		http.Error(w, "Malformed id", http.StatusBadRequest)
		return
	}

	uid, ok := s.authenticate(r)
	if !ok {
		http.Error(w, "Invalid token", http.StatusForbidden)
		return
	}

	coord, err := s.registry.Open(r.Context(), docID)
	if err != nil {
		http.Error(w, "Session unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Println(err)
		return
	}

	c := s.newClient(docID, uid, coord, conn)
	s.attach(c)
	go c.writePump()

	// the snapshot is enqueued from the coordinator loop, so no
	// broadcast accepted after the join can precede it on the wire
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	err = coord.JoinThen(ctx, uid, func(js session.JoinState) {
		c.push(co.Response{Type: co.DocRes, Body: js.Content, Revision: js.Revision, Seq: js.NextSeq})
	})
	cancel()
	if err != nil {
		s.detach(c)
		c.close()
		return
	}

	c.interact()
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "ok")
}

// Router builds the HTTP surface.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/ws/{docid}", s.ws)
	if s.users != nil {
		r.HandleFunc("/login", s.login).Methods("POST")
		r.HandleFunc("/register", s.register).Methods("POST")
	}
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/healthz", s.healthz)
	return r
}

// Run serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Handler:      s.Router(),
		Addr:         addr,
		WriteTimeout: 15 * time.Second,
		ReadTimeout:  15 * time.Second,
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	}
}
