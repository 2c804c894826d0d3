// Copyright (c) 2014, Markover Inc.
// Use of this source code is governed by the MIT
// license that can be found in the LICENSE file.
// Source code and contact info at http://github.com/poptip/eio

package eio

import (
	"encoding/json"
	"net/http"
	"net/url"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTransport records everything the session does to it.
type fakeTransport struct {
	name string

	mu       sync.Mutex
	sent     []packet
	closed   int
	onPacket func(*packet)
	onClose  func()
}

func (t *fakeTransport) Name() string { return t.name }

func (t *fakeTransport) HandleRequest(w http.ResponseWriter, r *http.Request) {}

func (t *fakeTransport) Send(p payload) error {
	t.mu.Lock()
	t.sent = append(t.sent, p...)
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	t.closed++
	onClose := t.onClose
	t.mu.Unlock()
	if onClose != nil {
		onClose()
	}
	return nil
}

func (t *fakeTransport) setHandlers(onPacket func(*packet), onClose func()) {
	t.mu.Lock()
	t.onPacket = onPacket
	t.onClose = onClose
	t.mu.Unlock()
}

func (t *fakeTransport) listen() {}

// deliver injects an inbound packet as if the client had sent it.
func (t *fakeTransport) deliver(pkt packet) {
	t.mu.Lock()
	onPacket := t.onPacket
	t.mu.Unlock()
	if onPacket != nil {
		onPacket(&pkt)
	}
}

func (t *fakeTransport) sentPackets() []packet {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]packet(nil), t.sent...)
}

func (t *fakeTransport) closeCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func newTestSocket(t *testing.T, transport Transport) *Socket {
	t.Helper()
	s := newSocket(newID(), DefaultPingInterval, DefaultPingTimeout, zerolog.Nop())
	require.NoError(t, s.init(transport))
	return s
}

func TestSocketHandshakeSendsOpenPacket(t *testing.T) {
	ft := &fakeTransport{name: transportPolling}
	s := newTestSocket(t, ft)

	sent := ft.sentPackets()
	require.Len(t, sent, 1)
	assert.Equal(t, packetTypeOpen, sent[0].typ)

	var info handshakeInfo
	require.NoError(t, json.Unmarshal(sent[0].data, &info))
	assert.Equal(t, s.ID(), info.SID)
	assert.Equal(t, []string{transportWebSocket}, info.Upgrades)
	assert.Equal(t, DefaultPingInterval, info.PingInterval)
	assert.Equal(t, DefaultPingTimeout, info.PingTimeout)
}

func TestSocketWebSocketBornSessionOffersNoUpgrades(t *testing.T) {
	ft := &fakeTransport{name: transportWebSocket}
	s := newTestSocket(t, ft)

	var info handshakeInfo
	require.NoError(t, json.Unmarshal(ft.sentPackets()[0].data, &info))
	assert.Empty(t, info.Upgrades)
	assert.False(t, s.CanUpgrade(transportWebSocket))
}

func TestSocketPingPong(t *testing.T) {
	ft := &fakeTransport{name: transportPolling}
	newTestSocket(t, ft)

	ft.deliver(packet{typ: packetTypePing, data: []byte("hi")})
	sent := ft.sentPackets()
	require.Len(t, sent, 2)
	assert.Equal(t, packetTypePong, sent[1].typ)
	assert.Equal(t, []byte("hi"), sent[1].data)
}

func TestSocketUpgradeFlow(t *testing.T) {
	polling := &fakeTransport{name: transportPolling}
	s := newTestSocket(t, polling)
	require.True(t, s.CanUpgrade(transportWebSocket))

	ws := &fakeTransport{name: transportWebSocket}
	require.True(t, s.Upgrade(ws))

	// Probe ping is answered on the candidate transport and forces a
	// poll cycle on the current one.
	ws.deliver(packet{typ: packetTypePing, data: []byte(messageProbe)})
	wsSent := ws.sentPackets()
	require.Len(t, wsSent, 1)
	assert.Equal(t, packetTypePong, wsSent[0].typ)
	assert.Equal(t, []byte(messageProbe), wsSent[0].data)

	pollingSent := polling.sentPackets()
	assert.Equal(t, packetTypeNoop, pollingSent[len(pollingSent)-1].typ)
	assert.Equal(t, transportPolling, s.CurrentTransport())

	// The upgrade packet commits the switch and retires the old
	// transport without closing the session.
	ws.deliver(packet{typ: packetTypeUpgrade})
	assert.Equal(t, transportWebSocket, s.CurrentTransport())
	assert.Equal(t, 1, polling.closeCount())
	assert.Equal(t, 0, ws.closeCount())
	assert.NoError(t, s.Send([]byte("after upgrade")))
}

func TestSocketRefusesSecondUpgradeCandidate(t *testing.T) {
	polling := &fakeTransport{name: transportPolling}
	s := newTestSocket(t, polling)

	ws1 := &fakeTransport{name: transportWebSocket}
	require.True(t, s.Upgrade(ws1))
	assert.False(t, s.CanUpgrade(transportWebSocket))

	// A late candidate must not displace the one already probing.
	ws2 := &fakeTransport{name: transportWebSocket}
	assert.False(t, s.Upgrade(ws2))

	ws1.deliver(packet{typ: packetTypeUpgrade})
	assert.Equal(t, transportWebSocket, s.CurrentTransport())
	assert.Equal(t, 1, polling.closeCount())
}

func TestSocketAdmitsExactlyOneConcurrentUpgrade(t *testing.T) {
	polling := &fakeTransport{name: transportPolling}
	s := newTestSocket(t, polling)

	candidates := []*fakeTransport{
		{name: transportWebSocket},
		{name: transportWebSocket},
		{name: transportWebSocket},
	}
	admitted := make(chan *fakeTransport, len(candidates))
	var wg sync.WaitGroup
	for _, c := range candidates {
		wg.Add(1)
		go func(c *fakeTransport) {
			defer wg.Done()
			if s.Upgrade(c) {
				admitted <- c
			}
		}(c)
	}
	wg.Wait()
	close(admitted)

	var winners []*fakeTransport
	for c := range admitted {
		winners = append(winners, c)
	}
	require.Len(t, winners, 1)

	winners[0].deliver(packet{typ: packetTypeUpgrade})
	assert.Equal(t, transportWebSocket, s.CurrentTransport())
}

func TestSocketAbortedUpgradeKeepsSessionAlive(t *testing.T) {
	polling := &fakeTransport{name: transportPolling}
	s := newTestSocket(t, polling)

	ws := &fakeTransport{name: transportWebSocket}
	require.True(t, s.Upgrade(ws))
	// The probing socket dies before committing.
	ws.Close()

	assert.Equal(t, transportPolling, s.CurrentTransport())
	assert.NoError(t, s.Send([]byte("still here")))
	assert.True(t, s.CanUpgrade(transportWebSocket))
}

func TestSocketCloseIsIdempotent(t *testing.T) {
	ft := &fakeTransport{name: transportPolling}
	s := newTestSocket(t, ft)

	var closeCalls int
	s.onceClose(func() { closeCalls++ })

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.Equal(t, 1, closeCalls)
	assert.Equal(t, 1, ft.closeCount())

	assert.Error(t, s.Send([]byte("too late")))
	_, err := s.Receive()
	assert.Error(t, err)
}

func TestSocketClosePacketClosesSession(t *testing.T) {
	ft := &fakeTransport{name: transportPolling}
	s := newTestSocket(t, ft)

	fired := false
	s.onceClose(func() { fired = true })

	ft.deliver(packet{typ: packetTypeClose})
	assert.True(t, fired)
	assert.Error(t, s.Send([]byte("nope")))
}

func TestSocketReceive(t *testing.T) {
	ft := &fakeTransport{name: transportPolling}
	s := newTestSocket(t, ft)

	ft.deliver(packet{typ: packetTypeMessage, data: []byte("hello")})
	msg, err := s.Receive()
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), msg)
}

func TestHandleWebSocketUnknownSIDClosesConnection(t *testing.T) {
	s := NewServer(nil, nil)
	ft := &fakeTransport{name: transportWebSocket}

	s.handleWebSocket(ft, url.Values{paramSessionID: []string{"does-not-exist"}})
	assert.Equal(t, 1, ft.closeCount())
	assert.Equal(t, 0, s.sessions.len())
}

func TestHandleWebSocketRefusedUpgradeClosesConnection(t *testing.T) {
	s := NewServer(nil, nil)
	ft := &fakeTransport{name: transportWebSocket}
	s.handleWebSocket(ft, nil) // fresh websocket handshake
	require.Equal(t, 1, s.sessions.len())
	sid := s.sessions.ids()[0]

	// The session is already on websocket, so a second upgrade
	// attempt must be rejected by closing the incoming connection.
	ft2 := &fakeTransport{name: transportWebSocket}
	s.handleWebSocket(ft2, url.Values{paramSessionID: []string{sid}})
	assert.Equal(t, 1, ft2.closeCount())
	assert.Equal(t, 1, s.sessions.len())
	assert.Equal(t, transportWebSocket, s.sessions.get(sid).CurrentTransport())
}

func TestHandleWebSocketFreshHandshake(t *testing.T) {
	connc := make(chan *Socket, 1)
	s := NewServer(nil, func(sk *Socket) { connc <- sk })
	ft := &fakeTransport{name: transportWebSocket}

	s.handleWebSocket(ft, url.Values{})
	require.Equal(t, 1, s.sessions.len())

	sk := <-connc
	assert.Equal(t, transportWebSocket, sk.CurrentTransport())
	sent := ft.sentPackets()
	require.NotEmpty(t, sent)
	assert.Equal(t, packetTypeOpen, sent[0].typ)
}

func TestCloseRemovesSessionFromRegistry(t *testing.T) {
	s := NewServer(nil, nil)
	ft := &fakeTransport{name: transportWebSocket}
	s.handleWebSocket(ft, nil)
	require.Equal(t, 1, s.sessions.len())
	sid := s.sessions.ids()[0]

	sk := s.sessions.get(sid)
	require.NoError(t, sk.Close())
	assert.Equal(t, 0, s.sessions.len())

	// A second close notification is a no-op.
	require.NoError(t, sk.Close())
	assert.Equal(t, 0, s.sessions.len())
}

func TestSessionIDsAreUnique(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 1000; i++ {
		id := newID()
		require.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}
