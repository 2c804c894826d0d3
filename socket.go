// Copyright (c) 2014, Markover Inc.
// Use of this source code is governed by the MIT
// license that can be found in the LICENSE file.
// Source code and contact info at http://github.com/poptip/eio

package eio

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/rs/zerolog"
)

const (
	readyStateOpening = "opening"
	readyStateOpen    = "open"
	readyStateClosing = "closing"
	readyStateClosed  = "closed"

	messageProbe = "probe"
)

// errSocketClosed is returned by Send and Receive once a session has
// closed.
var errSocketClosed = errors.New("eio: socket closed")

// newID returns a pseudo-random, URL-encoded, base64
// string used for session identifiers.
func newID() string {
	buf := make([]byte, 15)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return base64.URLEncoding.EncodeToString(buf)
}

// handshakeInfo is the body of the open packet sent to a client when
// its session is created.
type handshakeInfo struct {
	SID          string   `json:"sid"`
	Upgrades     []string `json:"upgrades"`
	PingInterval int      `json:"pingInterval"`
	PingTimeout  int      `json:"pingTimeout"`
}

// upgradesFor returns the transports a session born on the given
// transport may upgrade to.
func upgradesFor(transport string) []string {
	if transport == transportPolling {
		return []string{transportWebSocket}
	}
	return []string{}
}

// A Socket represents a single client session. Its ID is fixed for
// the session's lifetime; the transport underneath it may change once,
// from polling to websocket, without the session losing identity.
type Socket struct {
	id           string
	pingInterval int
	pingTimeout  int
	log          zerolog.Logger

	mu         sync.Mutex
	readyState string
	transport  Transport
	upgrading  Transport
	closeFns   []func()

	messages  chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newSocket(id string, pingInterval, pingTimeout int, log zerolog.Logger) *Socket {
	return &Socket{
		id:           id,
		pingInterval: pingInterval,
		pingTimeout:  pingTimeout,
		log:          log,
		readyState:   readyStateOpening,
		messages:     make(chan []byte, 256),
		done:         make(chan struct{}),
	}
}

// ID returns the session identifier handed to the client during the
// handshake.
func (s *Socket) ID() string { return s.id }

// CurrentTransport returns the name of the transport currently
// carrying the session's traffic.
func (s *Socket) CurrentTransport() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transport.Name()
}

// Receive blocks until a single message arrives from the client or
// the session closes.
func (s *Socket) Receive() ([]byte, error) {
	select {
	case msg := <-s.messages:
		return msg, nil
	case <-s.done:
		return nil, errSocketClosed
	}
}

// Send delivers msg to the client as a single message packet.
func (s *Socket) Send(msg []byte) error {
	s.mu.Lock()
	if s.readyState == readyStateClosing || s.readyState == readyStateClosed {
		s.mu.Unlock()
		return errSocketClosed
	}
	t := s.transport
	s.mu.Unlock()
	return t.Send(payload{{typ: packetTypeMessage, data: msg}})
}

// onceClose registers fn to run exactly once when the session closes.
// Callers must register before the session is reachable by any other
// goroutine; the server registers its registry-removal callback after
// inserting the session but before the transport is live.
func (s *Socket) onceClose(fn func()) {
	s.mu.Lock()
	s.closeFns = append(s.closeFns, fn)
	s.mu.Unlock()
}

// init binds the session to its first transport and performs the
// handshake: the open packet carrying the session parameters is the
// first thing the client sees on the new transport.
func (s *Socket) init(t Transport) error {
	s.mu.Lock()
	s.transport = t
	s.mu.Unlock()
	t.setHandlers(s.onPacket, func() { s.closeIfCurrent(t) })

	info := handshakeInfo{
		SID:          s.id,
		Upgrades:     upgradesFor(t.Name()),
		PingInterval: s.pingInterval,
		PingTimeout:  s.pingTimeout,
	}
	b, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("marshal handshake: %w", err)
	}
	if err := t.Send(payload{{typ: packetTypeOpen, data: b}}); err != nil {
		return fmt.Errorf("send open packet: %w", err)
	}

	s.mu.Lock()
	s.readyState = readyStateOpen
	s.mu.Unlock()
	t.listen()
	return nil
}

// handleRequest forwards a polling round trip to the session's
// current transport.
func (s *Socket) handleRequest(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	t := s.transport
	s.mu.Unlock()
	t.HandleRequest(w, r)
}

// canUpgradeLocked reports whether the session will accept an upgrade
// to the named transport. Only an open session on a lesser transport
// with no upgrade in flight qualifies. Callers must hold s.mu.
func (s *Socket) canUpgradeLocked(transport string) bool {
	return validUpgrades[transport] &&
		s.readyState == readyStateOpen &&
		s.upgrading == nil &&
		s.transport.Name() != transport
}

// CanUpgrade reports whether the session would currently accept an
// upgrade to the named transport. The answer is advisory: Upgrade
// re-checks and claims the candidate slot under a single lock.
func (s *Socket) CanUpgrade(transport string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.canUpgradeLocked(transport)
}

// Upgrade admits t as the session's upgrade candidate and starts the
// upgrade protocol on it, reporting whether the upgrade was admitted.
// Admission and the claim of the candidate slot happen under one lock,
// so of any concurrent attempts for the same session exactly one wins.
// The session keeps serving traffic on its current transport until the
// client commits with an upgrade packet.
func (s *Socket) Upgrade(t Transport) bool {
	s.mu.Lock()
	if !s.canUpgradeLocked(t.Name()) {
		s.mu.Unlock()
		return false
	}
	s.upgrading = t
	s.mu.Unlock()
	s.log.Debug().Str("sid", s.id).Str("transport", t.Name()).Msg("upgrade probe started")
	t.setHandlers(func(pkt *packet) { s.onUpgradePacket(t, pkt) }, func() { s.abortUpgrade(t) })
	t.listen()
	return true
}

// onUpgradePacket handles packets arriving on a transport that is
// probing for an upgrade.
func (s *Socket) onUpgradePacket(t Transport, pkt *packet) {
	switch pkt.typ {
	case packetTypePing:
		if err := t.Send(payload{{typ: packetTypePong, data: pkt.data}}); err != nil {
			s.log.Error().Err(err).Str("sid", s.id).Msg("probe pong failed")
			return
		}
		if string(pkt.data) == messageProbe {
			// Force a polling cycle to ensure a fast upgrade.
			s.mu.Lock()
			cur := s.transport
			s.mu.Unlock()
			cur.Send(payload{{typ: packetTypeNoop}})
		}
	case packetTypeUpgrade:
		s.completeUpgrade(t)
	default:
		s.onPacket(pkt)
	}
}

// completeUpgrade switches the session onto t and retires the old
// transport. Draining of packets buffered on the old transport happens
// before its Close returns.
func (s *Socket) completeUpgrade(t Transport) {
	s.mu.Lock()
	if s.upgrading != t || s.readyState != readyStateOpen {
		s.mu.Unlock()
		return
	}
	old := s.transport
	s.transport = t
	s.upgrading = nil
	s.mu.Unlock()

	t.setHandlers(s.onPacket, func() { s.closeIfCurrent(t) })
	// Detach before closing so retiring the old transport is not
	// mistaken for the session dying.
	old.setHandlers(nil, nil)
	old.Close()
	s.log.Debug().Str("sid", s.id).Str("transport", t.Name()).Msg("session upgraded")
}

// abortUpgrade clears the in-flight upgrade if t is still the
// candidate. The session continues on its current transport.
func (s *Socket) abortUpgrade(t Transport) {
	s.mu.Lock()
	if s.upgrading == t {
		s.upgrading = nil
	}
	s.mu.Unlock()
}

// closeIfCurrent closes the session if t is still its current
// transport. A transport retired by an upgrade does not get to kill
// the session.
func (s *Socket) closeIfCurrent(t Transport) {
	s.mu.Lock()
	cur := s.transport
	s.mu.Unlock()
	if cur == t {
		s.Close()
	}
}

// onPacket is called for each packet received on the session's
// current transport.
func (s *Socket) onPacket(pkt *packet) {
	s.mu.Lock()
	if s.readyState != readyStateOpen {
		s.mu.Unlock()
		return
	}
	cur := s.transport
	s.mu.Unlock()

	switch pkt.typ {
	case packetTypePing:
		if err := cur.Send(payload{{typ: packetTypePong, data: pkt.data}}); err != nil {
			s.log.Error().Err(err).Str("sid", s.id).Msg("pong failed")
		}
	case packetTypeMessage:
		select {
		case s.messages <- pkt.data:
		default:
			s.log.Warn().Str("sid", s.id).Msg("message buffer full; dropping packet")
		}
	case packetTypeClose:
		s.Close()
	}
}

// Close shuts the session down. It is safe to call any number of
// times; the close callbacks registered with onceClose run exactly
// once, on the first call.
func (s *Socket) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.readyState = readyStateClosing
		t, u := s.transport, s.upgrading
		s.upgrading = nil
		fns := s.closeFns
		s.closeFns = nil
		s.mu.Unlock()

		if u != nil {
			u.setHandlers(nil, nil)
			u.Close()
		}
		if t != nil {
			t.setHandlers(nil, nil)
			t.Close()
		}
		close(s.done)

		s.mu.Lock()
		s.readyState = readyStateClosed
		s.mu.Unlock()

		s.log.Debug().Str("sid", s.id).Msg("session closed")
		for _, fn := range fns {
			fn()
		}
	})
	return nil
}
