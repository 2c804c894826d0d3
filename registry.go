// Copyright (c) 2014, Markover Inc.
// Use of this source code is governed by the MIT
// license that can be found in the LICENSE file.
// Source code and contact info at http://github.com/poptip/eio

package eio

import (
	"expvar"
	"sort"
	"sync"
)

var numSessions = expvar.NewInt("eio_num_sessions")

// A registry is the live mapping of session ID to session. All
// mutation happens through put and remove; the map is never exposed.
type registry struct {
	sync.RWMutex
	sessions map[string]*Socket
}

func newRegistry() *registry {
	return &registry{
		sessions: map[string]*Socket{},
	}
}

func (r *registry) get(id string) *Socket {
	r.RLock()
	defer r.RUnlock()
	return r.sessions[id]
}

// put registers s under its session ID. IDs are generated with enough
// entropy that a collision among live sessions is a programmer error;
// put reports whether the ID was fresh and refuses to overwrite.
func (r *registry) put(s *Socket) bool {
	r.Lock()
	defer r.Unlock()
	if _, ok := r.sessions[s.ID()]; ok {
		return false
	}
	r.sessions[s.ID()] = s
	numSessions.Set(int64(len(r.sessions)))
	return true
}

// remove deletes the entry for id. Removing an absent id is a no-op;
// a session is only ever removed once, by its own close notification.
func (r *registry) remove(id string) {
	r.Lock()
	delete(r.sessions, id)
	numSessions.Set(int64(len(r.sessions)))
	r.Unlock()
}

func (r *registry) len() int {
	r.RLock()
	defer r.RUnlock()
	return len(r.sessions)
}

// ids returns the IDs of all live sessions in sorted order.
func (r *registry) ids() []string {
	r.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.RUnlock()
	sort.Strings(ids)
	return ids
}
