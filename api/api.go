// Package api serves collaborations of a node over http. Changes of a
// collaboration can be watched over a websocket.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/spacemeshos/go-collab/collab"
	"github.com/spacemeshos/go-collab/crdt"
	"github.com/spacemeshos/go-collab/vclock"
)

// Config for the api server.
type Config struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
	// MaxBodySize bounds request bodies.
	MaxBodySize int64 `mapstructure:"max-body-size"`
}

// DefaultConfig returns a disabled server on loopback.
func DefaultConfig() Config {
	return Config{
		Listen:      "127.0.0.1:9092",
		MaxBodySize: 1 << 20,
	}
}

// Opt modifies Server.
type Opt func(*Server)

// WithLogger sets logger.
func WithLogger(logger *zap.Logger) Opt {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithConfig sets config.
func WithConfig(cfg Config) Opt {
	return func(s *Server) {
		s.cfg = cfg
	}
}

// Server routes requests to the collaborations of an app.
type Server struct {
	logger   *zap.Logger
	cfg      Config
	app      *collab.App
	router   chi.Router
	upgrader websocket.Upgrader
}

// New creates Server.
func New(app *collab.App, opts ...Opt) *Server {
	s := &Server{
		logger: zap.NewNop(),
		cfg:    DefaultConfig(),
		app:    app,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = chi.NewRouter()
	s.Register(s.router)
	return s
}

// Register adds api routes to the router.
func (s *Server) Register(r chi.Router) {
	r.Route("/v1/collaborations", func(r chi.Router) {
		r.Get("/", s.list)
		r.Route("/{name}", func(r chi.Router) {
			r.Get("/", s.info)
			r.Put("/", s.join)
			r.Delete("/", s.leave)
			r.Get("/value", s.value)
			r.Post("/mutations", s.mutate)
			r.Get("/watch", s.watch)
		})
	})
}

// Handler returns the http handler of the server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until the context is canceled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		errc <- srv.ListenAndServe()
	}()
	s.logger.Info("serving api", zap.String("listen", s.cfg.Listen))
	select {
	case err := <-errc:
		return fmt.Errorf("api server: %w", err)
	case <-ctx.Done():
	}
	shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdown); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.logger.Warn("api server shutdown", zap.Error(err))
	}
	return nil
}

// Info describes a joined collaboration.
type Info struct {
	Name     string       `json:"name"`
	Type     string       `json:"type"`
	Clock    vclock.Clock `json:"clock"`
	Subs     []string     `json:"subs"`
	Peers    []string     `json:"peers"`
	Inbound  int          `json:"inbound"`
	Outbound int          `json:"outbound"`
}

// Value of a sub-collaboration at a clock.
type Value struct {
	Clock vclock.Clock `json:"clock"`
	Value any          `json:"value"`
}

// JoinRequest is the body of a join.
type JoinRequest struct {
	Type string `json:"type"`
}

// Mutation is the body of a mutation. Type is required only when the
// mutation creates the sub-collaboration.
type Mutation struct {
	Sub     string `json:"sub"`
	Type    string `json:"type"`
	Mutator string `json:"mutator"`
	Args    []any  `json:"args"`
}

type errorResponse struct {
	Error string `json:"error"`
}

var errNotJoined = errors.New("api: collaboration is not joined")

func status(err error) int {
	switch {
	case errors.Is(err, errNotJoined), errors.Is(err, collab.ErrUnknownSub):
		return http.StatusNotFound
	case errors.Is(err, collab.ErrCollaborationExists), errors.Is(err, collab.ErrTypeMismatch):
		return http.StatusConflict
	case errors.Is(err, crdt.ErrUnknownType),
		errors.Is(err, crdt.ErrUnknownMutator),
		errors.Is(err, crdt.ErrInvalidArgs),
		errors.Is(err, errMalformed):
		return http.StatusBadRequest
	case errors.Is(err, collab.ErrAppStopped), errors.Is(err, collab.ErrStopped):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := status(err)
	if code == http.StatusInternalServerError {
		s.logger.Error("api request failed", zap.String("path", r.URL.Path), zap.Error(err))
	}
	writeJSON(w, code, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

var errMalformed = errors.New("api: malformed request")

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodySize))
	dec.UseNumber()
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %w", errMalformed, err)
	}
	return nil
}

func (s *Server) collaboration(r *http.Request) (*collab.Collaboration, error) {
	name := chi.URLParam(r, "name")
	c, exist := s.app.Lookup(name)
	if !exist {
		return nil, fmt.Errorf("%w: %s", errNotJoined, name)
	}
	return c, nil
}

func (s *Server) list(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.app.Collaborations())
}

func (s *Server) info(w http.ResponseWriter, r *http.Request) {
	c, err := s.collaboration(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	info := Info{
		Name:     c.Name(),
		Type:     c.Type(),
		Clock:    c.Shared().Clock(),
		Subs:     c.Subs(),
		Inbound:  c.Overlay().InboundCount(),
		Outbound: c.Overlay().OutboundCount(),
	}
	for _, id := range c.Peers() {
		info.Peers = append(info.Peers, id.String())
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) join(w http.ResponseWriter, r *http.Request) {
	var req JoinRequest
	if err := s.decode(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	name := chi.URLParam(r, "name")
	_, existed := s.app.Lookup(name)
	if _, err := s.app.Collaboration(r.Context(), name, req.Type); err != nil {
		s.fail(w, r, err)
		return
	}
	code := http.StatusCreated
	if existed {
		code = http.StatusOK
	}
	writeJSON(w, code, struct{}{})
}

func (s *Server) leave(w http.ResponseWriter, r *http.Request) {
	if err := s.app.Leave(r.Context(), chi.URLParam(r, "name")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func read(shared *collab.Shared) (Value, error) {
	value, err := shared.Value()
	if err != nil {
		return Value{}, err
	}
	return Value{Clock: shared.Clock(), Value: value}, nil
}

func (s *Server) shared(r *http.Request, sub, typ string) (*collab.Shared, error) {
	c, err := s.collaboration(r)
	if err != nil {
		return nil, err
	}
	if sub == "" || typ == "" {
		return c.Lookup(sub)
	}
	t, err := crdt.Lookup(typ)
	if err != nil {
		return nil, err
	}
	return c.Sub(sub, t)
}

func (s *Server) value(w http.ResponseWriter, r *http.Request) {
	shared, err := s.shared(r, r.URL.Query().Get("sub"), "")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	v, err := read(shared)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// args converts json numbers to the integers mutators expect.
func args(raw []any) ([]any, error) {
	rst := make([]any, 0, len(raw))
	for _, arg := range raw {
		if n, ok := arg.(json.Number); ok {
			i, err := n.Int64()
			if err != nil {
				return nil, fmt.Errorf("%w: %s is not an integer", crdt.ErrInvalidArgs, n)
			}
			rst = append(rst, int(i))
			continue
		}
		rst = append(rst, arg)
	}
	return rst, nil
}

func (s *Server) mutate(w http.ResponseWriter, r *http.Request) {
	var m Mutation
	if err := s.decode(w, r, &m); err != nil {
		s.fail(w, r, err)
		return
	}
	shared, err := s.shared(r, m.Sub, m.Type)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	converted, err := args(m.Args)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := shared.Mutate(r.Context(), m.Mutator, converted...); err != nil {
		s.fail(w, r, err)
		return
	}
	v, err := read(shared)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// watch sends the current value and then every value after the clock of the
// collaboration changed. Changes that happen while a value is written are
// coalesced.
func (s *Server) watch(w http.ResponseWriter, r *http.Request) {
	shared, err := s.shared(r, r.URL.Query().Get("sub"), "")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer ws.Close()

	changes, unsubscribe := shared.Subscribe()
	defer unsubscribe()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := ws.NextReader(); err != nil {
				return
			}
		}
	}()
	var (
		last vclock.Clock
		sent bool
	)
	for {
		v, err := read(shared)
		if err != nil {
			ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseInternalServerErr, err.Error()))
			return
		}
		if !sent || !vclock.IsIdentical(last, v.Clock) {
			var buf bytes.Buffer
			if err := json.NewEncoder(&buf).Encode(v); err != nil {
				s.logger.Error("encode value", zap.Error(err))
				return
			}
			if err := ws.WriteMessage(websocket.TextMessage, buf.Bytes()); err != nil {
				s.logger.Debug("watcher disconnected", zap.Error(err))
				return
			}
			last = v.Clock
			sent = true
		}
		select {
		case <-closed:
			return
		case <-changes:
		}
	}
}
