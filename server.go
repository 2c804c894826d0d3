// Copyright (c) 2014, Markover Inc.
// Use of this source code is governed by the MIT
// license that can be found in the LICENSE file.
// Source code and contact info at http://github.com/poptip/eio

// Package eio implements an engine.io-compatible server for persistent client-server connections.
package eio

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// The defaults for options passed to the server.
const (
	DefaultBasePath     = "/engine.io/"
	DefaultCookieName   = "io"
	DefaultPingTimeout  = 5000
	DefaultPingInterval = 25000
)

const (
	// Query parameters used in client requests.
	paramTransport = "transport"
	paramSessionID = "sid"

	// Available transports.
	transportWebSocket = "websocket"
	transportPolling   = "polling"
)

// validUpgrades names the transports a session may upgrade to.
var validUpgrades = map[string]bool{
	transportWebSocket: true,
}

// A Handler is called by the server once for each session that
// completes its handshake. An example echo handler is shown below.
//   func EchoServer(s *eio.Socket) {
//   	for {
//   		msg, err := s.Receive()
//   		if err != nil {
//   			return
//   		}
//   		if err := s.Send(msg); err != nil {
//   			log.Printf("send: %v", err)
//   		}
//   	}
//   }
// It can then be used in combination with NewServer as follows:
//   http.Handle("/engine.io/", eio.NewServer(nil, eio.Handler(EchoServer)))
type Handler func(*Socket)

// A Server negotiates and routes EIO sessions. It implements
// http.Handler and serves both the polling entry point and websocket
// upgrade requests under its base path.
type Server struct {
	handler Handler

	basePath   string
	cookieName string

	pingTimeout  int
	pingInterval int

	sessions *registry // The set of live sessions.
	upgrader websocket.Upgrader
	log      zerolog.Logger
}

// Options are the parameters passed to the server.
type Options struct {
	// BasePath is the base URL path that the server handles requests for.
	BasePath string
	// CookieName is the name of the cookie set upon successful handshake.
	CookieName string
	// DisableCookie is true if no cookies should be set upon handshake.
	DisableCookie bool
	// PingTimeout is how long in milliseconds a ping can hang before
	// the session is considered closed.
	PingTimeout int
	// PingInterval specifies how often in milliseconds the client
	// should ping the server.
	PingInterval int
	// CheckOrigin validates websocket upgrade requests. The default
	// accepts all origins, matching the wide-open CORS policy of the
	// polling transport.
	CheckOrigin func(r *http.Request) bool
	// Logger receives structured server events. Defaults to a no-op.
	Logger *zerolog.Logger
}

// NewServer allocates and returns a new server with the given
// options and handler. If nil options are passed, the defaults
// specified in the constants above are used instead.
func NewServer(o *Options, h Handler) *Server {
	if o == nil {
		o = &Options{}
	}
	if len(o.BasePath) == 0 {
		o.BasePath = DefaultBasePath
	}
	if len(o.CookieName) == 0 && !o.DisableCookie {
		o.CookieName = DefaultCookieName
	}
	if o.PingTimeout == 0 {
		o.PingTimeout = DefaultPingTimeout
	}
	if o.PingInterval == 0 {
		o.PingInterval = DefaultPingInterval
	}
	checkOrigin := o.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	log := zerolog.Nop()
	if o.Logger != nil {
		log = *o.Logger
	}

	return &Server{
		handler:      h,
		basePath:     o.BasePath,
		cookieName:   o.CookieName,
		pingTimeout:  o.PingTimeout,
		pingInterval: o.PingInterval,
		sessions:     newRegistry(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
		log: log,
	}
}

// PingTimeout returns the configured ping timeout in milliseconds.
func (s *Server) PingTimeout() int { return s.pingTimeout }

// PingInterval returns the configured ping interval in milliseconds.
func (s *Server) PingInterval() int { return s.pingInterval }

// ServeHTTP implements the http.Handler interface for an EIO server.
// Genuine websocket upgrade requests go to the upgrade path; every
// other request is classified by handleRequest.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !strings.HasPrefix(r.URL.Path, s.basePath) {
		http.NotFound(w, r)
		return
	}
	remoteAddr := r.Header.Get("X-Forwarded-For")
	if len(remoteAddr) == 0 {
		remoteAddr = r.RemoteAddr
	}
	query := r.URL.Query()
	s.log.Debug().
		Str("method", r.Method).
		Str("remote", remoteAddr).
		Str("transport", query.Get(paramTransport)).
		Str("sid", query.Get(paramSessionID)).
		Msg("inbound request")

	if query.Get(paramTransport) == transportWebSocket && websocket.IsWebSocketUpgrade(r) {
		ws, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade has already written its own error response.
			s.log.Error().Err(err).Msg("websocket upgrade failed")
			return
		}
		s.handleWebSocket(newWebSocketTransport(ws), query)
		return
	}

	s.handleRequest(w, r)
}

// sendError writes a protocol error response. A failure writing the
// response itself is an I/O failure this core cannot recover from, so
// it is logged and otherwise dropped.
func (s *Server) sendError(w http.ResponseWriter, r *http.Request, code int) {
	if err := serverError(w, r, code); err != nil {
		s.log.Error().Err(err).Int("code", code).Msg("error response write failed")
	}
}

// handleRequest classifies a polling request: a continuation of an
// existing session is forwarded to it, a fresh GET becomes a
// handshake, and everything else is answered with a protocol error.
// The polling entry point requires transport=polling even for
// sessions that have since upgraded; such requests fail the first
// check rather than reaching the session.
func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	transport := query.Get(paramTransport)
	if transport != transportPolling {
		s.sendError(w, r, errorTransportUnknown)
		return
	}

	if sid := query.Get(paramSessionID); len(sid) > 0 {
		socket := s.sessions.get(sid)
		if socket == nil {
			s.sendError(w, r, errorUnknownSID)
			return
		}
		if socket.CurrentTransport() != transport {
			s.sendError(w, r, errorBadRequest)
			return
		}
		socket.handleRequest(w, r)
		return
	}

	if r.Method != http.MethodGet {
		s.sendError(w, r, errorBadHandshakeMethod)
		return
	}
	s.handshake(newPollingTransport(time.Duration(s.pingTimeout)*time.Millisecond), w, r)
}

// handleWebSocket admits a websocket connection: with a session ID it
// is an upgrade attempt, admitted only if the session exists and
// accepts it; without one it is a fresh handshake performed directly
// on the websocket transport. Rejected upgrades are resolved by
// closing the connection, since no response channel exists to carry a
// structured error before the protocol handshake completes.
func (s *Server) handleWebSocket(t Transport, query url.Values) {
	sid := query.Get(paramSessionID)
	if len(sid) == 0 {
		s.handshake(t, nil, nil)
		return
	}

	socket := s.sessions.get(sid)
	if socket == nil {
		s.log.Debug().Str("sid", sid).Msg("upgrade for unknown session; closing")
		t.Close()
		return
	}
	if !socket.Upgrade(t) {
		s.log.Debug().Str("sid", sid).Msg("session refused upgrade; closing")
		t.Close()
		return
	}
}

// handshake creates a new session bound to t and announces it to the
// server's Handler. For polling handshakes, w and r carry the
// initiating exchange and the open packet is flushed through it; for
// websocket handshakes both are nil and the open packet travels over
// the socket itself.
//
// The session is registered before its close callback is subscribed,
// and subscribed before the transport goes live, so a close can never
// race ahead of registration.
func (s *Server) handshake(t Transport, w http.ResponseWriter, r *http.Request) {
	socket := newSocket(newID(), s.pingInterval, s.pingTimeout, s.log)
	if !s.sessions.put(socket) {
		s.log.Error().Str("sid", socket.ID()).Msg("session id collision")
		t.Close()
		if w != nil {
			s.sendError(w, r, errorBadRequest)
		}
		return
	}
	socket.onceClose(func() {
		s.sessions.remove(socket.ID())
	})

	if err := socket.init(t); err != nil {
		s.log.Error().Err(err).Str("sid", socket.ID()).Msg("handshake failed")
		socket.Close()
		return
	}

	if w != nil {
		if len(s.cookieName) > 0 {
			http.SetCookie(w, &http.Cookie{
				Name:  s.cookieName,
				Value: socket.ID(),
			})
		}
		t.HandleRequest(w, r)
	}

	s.log.Info().Str("sid", socket.ID()).Str("transport", t.Name()).Msg("session opened")
	if s.handler != nil {
		go s.handler(socket)
	}
}
