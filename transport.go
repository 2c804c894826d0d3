// Copyright (c) 2014, Markover Inc.
// Use of this source code is governed by the MIT
// license that can be found in the LICENSE file.
// Source code and contact info at http://github.com/poptip/eio

package eio

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// errTransportClosed is returned by Send once a transport has shut down.
var errTransportClosed = errors.New("eio: transport closed")

// A Transport carries packets between the server and a single client.
// A session starts on the polling transport and may be upgraded to a
// websocket transport without changing identity.
type Transport interface {
	// Name returns the transport identifier used in the transport
	// query parameter ("polling" or "websocket").
	Name() string
	// HandleRequest services one request/response round trip. Only
	// meaningful for transports driven by discrete HTTP exchanges.
	HandleRequest(w http.ResponseWriter, r *http.Request)
	// Send queues the payload for delivery to the client.
	Send(p payload) error
	// Close shuts the transport down. Calling Close more than once
	// is safe.
	Close() error

	// setHandlers wires the owning session's callbacks: onPacket for
	// each inbound packet, onClose when the transport dies. Either
	// may be nil to detach.
	setHandlers(onPacket func(*packet), onClose func())
	// listen starts the transport's inbound pump, if it has one.
	listen()
}

// pollingTransport simulates a bidirectional channel over repeated
// XHR round trips: GET drains queued packets (long-polling until a
// packet arrives or the wait expires), POST carries client payloads.
type pollingTransport struct {
	pollWait time.Duration

	mu       sync.Mutex
	buf      payload
	onPacket func(*packet)
	onClose  func()
	closed   bool

	notify chan struct{} // coalesced wakeup for a pending GET
	done   chan struct{}
}

func newPollingTransport(pollWait time.Duration) *pollingTransport {
	return &pollingTransport{
		pollWait: pollWait,
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

func (t *pollingTransport) Name() string { return transportPolling }

func (t *pollingTransport) setHandlers(onPacket func(*packet), onClose func()) {
	t.mu.Lock()
	t.onPacket = onPacket
	t.onClose = onClose
	t.mu.Unlock()
}

// listen is a no-op: inbound packets arrive through HandleRequest.
func (t *pollingTransport) listen() {}

func (t *pollingTransport) Send(p payload) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return errTransportClosed
	}
	t.buf = append(t.buf, p...)
	t.mu.Unlock()
	select {
	case t.notify <- struct{}{}:
	default:
	}
	return nil
}

func (t *pollingTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return errTransportClosed
	}
	t.closed = true
	onClose := t.onClose
	t.mu.Unlock()
	close(t.done)
	if onClose != nil {
		onClose()
	}
	return nil
}

// HandleRequest services a single polling round trip: GET is the
// long-polling read side, POST is the write side.
func (t *pollingTransport) HandleRequest(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		t.handleGet(w, r)
	case http.MethodPost:
		t.handlePost(w, r)
	default:
		http.Error(w, "bad method", http.StatusBadRequest)
	}
}

// handleGet completes with whatever packets are buffered, waiting up
// to pollWait for one to show up. An expired wait answers with a noop
// packet so the client can immediately re-poll.
func (t *pollingTransport) handleGet(w http.ResponseWriter, r *http.Request) {
	deadline := time.NewTimer(t.pollWait)
	defer deadline.Stop()
	buf := t.takeBuffered()
	for buf == nil {
		// A notify token may be stale if a previous round trip
		// drained the buffer without consuming it, so re-check and
		// keep waiting rather than trust the wakeup.
		select {
		case <-t.notify:
			buf = t.takeBuffered()
		case <-t.done:
			buf = payload{packet{typ: packetTypeNoop}}
		case <-deadline.C:
			buf = payload{packet{typ: packetTypeNoop}}
		}
	}
	setPollingHeaders(w, r)
	var out bytes.Buffer
	if err := newPayloadEncoder(&out).encode(buf); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	fmt.Fprintf(w, "%s", out.Bytes())
}

// handlePost ingests a client payload, dispatching each packet to the
// owning session.
func (t *pollingTransport) handlePost(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var p payload
	if err := newPayloadDecoder(r.Body).decode(&p); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	t.mu.Lock()
	onPacket := t.onPacket
	t.mu.Unlock()
	if onPacket != nil {
		for i := range p {
			onPacket(&p[i])
		}
	}
	setPollingHeaders(w, r)
	fmt.Fprint(w, "ok")
}

func (t *pollingTransport) takeBuffered() payload {
	t.mu.Lock()
	defer t.mu.Unlock()
	buf := t.buf
	t.buf = nil
	return buf
}

// setPollingHeaders sets the appropriate headers when responding
// to an XHR polling request.
func setPollingHeaders(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if len(origin) > 0 {
		w.Header().Set("Access-Control-Allow-Credentials", "true")
	} else {
		origin = "*"
	}
	w.Header().Set("Access-Control-Allow-Origin", origin)
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Content-Type", "text/plain; charset=UTF-8")
}

// websocketTransport carries one packet per text frame over a
// full-duplex websocket connection.
type websocketTransport struct {
	conn *websocket.Conn

	mu       sync.Mutex // guards writes to conn and the fields below
	onPacket func(*packet)
	onClose  func()
	closed   bool
}

func newWebSocketTransport(conn *websocket.Conn) *websocketTransport {
	return &websocketTransport{conn: conn}
}

func (t *websocketTransport) Name() string { return transportWebSocket }

func (t *websocketTransport) setHandlers(onPacket func(*packet), onClose func()) {
	t.mu.Lock()
	t.onPacket = onPacket
	t.onClose = onClose
	t.mu.Unlock()
}

// HandleRequest is not meaningful on a websocket transport; traffic
// arrives through the read pump.
func (t *websocketTransport) HandleRequest(w http.ResponseWriter, r *http.Request) {
	http.Error(w, "bad transport", http.StatusBadRequest)
}

// listen starts the read pump. It must be called at most once.
func (t *websocketTransport) listen() {
	go t.readPump()
}

// readPump decodes inbound frames into packets until the connection
// errors out, then tears the transport down.
func (t *websocketTransport) readPump() {
	for {
		_, msg, err := t.conn.ReadMessage()
		if err != nil {
			break
		}
		var pkt packet
		if err := newPacketDecoder(bytes.NewReader(msg)).decode(&pkt); err != nil {
			continue
		}
		t.mu.Lock()
		onPacket := t.onPacket
		t.mu.Unlock()
		if onPacket != nil {
			onPacket(&pkt)
		}
	}
	t.Close()
}

func (t *websocketTransport) Send(p payload) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errTransportClosed
	}
	for _, pkt := range p {
		w, err := t.conn.NextWriter(websocket.TextMessage)
		if err != nil {
			return err
		}
		if err := newPacketEncoder(w).encode(pkt); err != nil {
			w.Close()
			return err
		}
		if err := w.Close(); err != nil {
			return err
		}
	}
	return nil
}

func (t *websocketTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return errTransportClosed
	}
	t.closed = true
	onClose := t.onClose
	t.mu.Unlock()
	err := t.conn.Close()
	if onClose != nil {
		onClose()
	}
	return err
}

var (
	_ Transport = (*pollingTransport)(nil)
	_ Transport = (*websocketTransport)(nil)
)
