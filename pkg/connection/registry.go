// Copyright 2026 The jive5ab-bridge Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package connection

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/turtacn/jive5ab-bridge/pkg/metrics"
)

// ClientInfo describes one connected client.
type ClientInfo struct {
	ID          string
	RemoteAddr  string
	ConnectedAt time.Time
}

// Registry tracks connected clients and the requests they have in flight.
type Registry struct {
	mu       sync.Mutex
	clients  map[string]ClientInfo
	closers  map[string]func()
	inFlight int
	idle     chan struct{}
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	idle := make(chan struct{})
	close(idle)
	return &Registry{
		clients: make(map[string]ClientInfo),
		closers: make(map[string]func()),
		idle:    idle,
	}
}

func (r *Registry) add(info ClientInfo, closeFn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[info.ID] = info
	r.closers[info.ID] = closeFn
	metrics.ClientSessions.Set(float64(len(r.clients)))
}

func (r *Registry) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, id)
	delete(r.closers, id)
	metrics.ClientSessions.Set(float64(len(r.clients)))
}

// Clients returns the connected clients ordered by connection time.
func (r *Registry) Clients() []ClientInfo {
	r.mu.Lock()
	out := make([]ClientInfo, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, c)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	return out
}

// Len returns the number of connected clients.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

func (r *Registry) begin() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inFlight == 0 {
		r.idle = make(chan struct{})
	}
	r.inFlight++
}

func (r *Registry) end() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inFlight--
	if r.inFlight == 0 {
		close(r.idle)
	}
}

// InFlight returns the number of requests being handled.
func (r *Registry) InFlight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inFlight
}

// Drain waits until no request is in flight or ctx is done.
func (r *Registry) Drain(ctx context.Context) error {
	for {
		r.mu.Lock()
		idle, n := r.idle, r.inFlight
		r.mu.Unlock()
		if n == 0 {
			return nil
		}
		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// CloseAll disconnects every client.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	closers := make([]func(), 0, len(r.closers))
	for _, fn := range r.closers {
		closers = append(closers, fn)
	}
	r.mu.Unlock()

	for _, fn := range closers {
		fn()
	}
}
