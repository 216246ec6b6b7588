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

package sensor

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/turtacn/jive5ab-bridge/pkg/metrics"
)

// ErrUnknownSensor is returned for names that were never registered.
var ErrUnknownSensor = errors.New("unknown sensor")

// DeliverFunc receives sensor values. It is called with the store lock held
// and must not block or call back into the store.
type DeliverFunc func(Value)

// Store maps sensor names to their latest value and to the subscribers that
// want to hear about changes. Subscribers are keyed by an id so one client
// can hold several subscriptions and drop them all at once.
type Store struct {
	mu          sync.RWMutex
	order       []string
	sensors     map[string]*Value
	subscribers map[string]map[string]DeliverFunc // sensor -> subscriber id -> fn
	watchers    map[string]DeliverFunc            // subscriber id -> fn, all sensors
	clock       *Clock
}

// NewStore creates an empty store stamping values with clock.
func NewStore(clock *Clock) *Store {
	if clock == nil {
		clock = NewClock(nil)
	}
	return &Store{
		sensors:     make(map[string]*Value),
		subscribers: make(map[string]map[string]DeliverFunc),
		watchers:    make(map[string]DeliverFunc),
		clock:       clock,
	}
}

// Register adds a sensor with an unknown status. Registering the same name
// twice is an error.
func (s *Store) Register(def Definition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sensors[def.Name]; ok {
		return fmt.Errorf("sensor %q already registered", def.Name)
	}
	s.sensors[def.Name] = &Value{
		Name:        def.Name,
		Description: def.Description,
		Units:       def.Units,
		Type:        def.Type,
		Value:       def.Initial,
		Timestamp:   s.clock.Next(),
		Status:      StatusUnknown,
	}
	s.order = append(s.order, def.Name)
	return nil
}

// Set records a reading. It returns true when the reading differs from the
// last published one and was therefore delivered to subscribers.
func (s *Store) Set(name, value string, status Status) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.sensors[name]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownSensor, name)
	}
	next := *cur
	next.Value = value
	next.Status = status
	if next.sameReading(*cur) {
		return false, nil
	}
	next.Timestamp = s.clock.Next()
	*cur = next
	s.publishLocked(next)
	return true, nil
}

// MarkAll changes the status of every sensor not named in except while
// keeping its value. It is used to flag all readings unreachable while the
// backend is down. It returns the number of sensors that changed.
func (s *Store) MarkAll(status Status, except ...string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := 0
	for _, name := range s.order {
		cur := s.sensors[name]
		if cur.Status == status || contains(except, name) {
			continue
		}
		cur.Status = status
		cur.Timestamp = s.clock.Next()
		s.publishLocked(*cur)
		changed++
	}
	return changed
}

func contains(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}

func (s *Store) publishLocked(v Value) {
	metrics.SensorUpdatesTotal.WithLabelValues(v.Name).Inc()
	for _, fn := range s.subscribers[v.Name] {
		fn(v)
	}
	for _, fn := range s.watchers {
		fn(v)
	}
}

// Get returns a copy of the named sensor.
func (s *Store) Get(name string) (Value, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.sensors[name]
	if !ok {
		return Value{}, false
	}
	return *v, true
}

// List returns copies of all sensors in registration order.
func (s *Store) List() []Value {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Value, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, *s.sensors[name])
	}
	return out
}

// Subscribe registers fn for changes of name and immediately delivers the
// current value, valid or not. Subscribing again with the same id only
// replaces the callback; the subscriber already holds the current value.
func (s *Store) Subscribe(name, id string, fn DeliverFunc) (Value, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.sensors[name]
	if !ok {
		return Value{}, fmt.Errorf("%w: %s", ErrUnknownSensor, name)
	}
	subs, ok := s.subscribers[name]
	if !ok {
		subs = make(map[string]DeliverFunc)
		s.subscribers[name] = subs
	}
	_, resubscribe := subs[id]
	subs[id] = fn
	if !resubscribe {
		fn(*cur)
	}
	return *cur, nil
}

// Unsubscribe removes id's subscription to name. It reports whether a
// subscription existed.
func (s *Store) Unsubscribe(name, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	subs, ok := s.subscribers[name]
	if !ok {
		return false
	}
	if _, ok := subs[id]; !ok {
		return false
	}
	delete(subs, id)
	if len(subs) == 0 {
		delete(s.subscribers, name)
	}
	return true
}

// Watch registers fn for changes of every sensor and delivers all current
// values first.
func (s *Store) Watch(id string, fn DeliverFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watchers[id] = fn
	for _, name := range s.order {
		fn(*s.sensors[name])
	}
}

// RemoveAllSubscriptions drops every subscription and watch held by id. It
// returns the sensor names that were removed.
func (s *Store) RemoveAllSubscriptions(id string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.watchers, id)
	var removed []string
	for name, subs := range s.subscribers {
		if _, ok := subs[id]; !ok {
			continue
		}
		delete(subs, id)
		removed = append(removed, name)
		if len(subs) == 0 {
			delete(s.subscribers, name)
		}
	}
	sort.Strings(removed)
	return removed
}

// Subscriptions lists the sensors id is subscribed to.
func (s *Store) Subscriptions(id string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var names []string
	for name, subs := range s.subscribers {
		if _, ok := subs[id]; ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
