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

// Package actor provides the minimal mailbox-driven process model used by the
// bridge's long-lived workers (backend session, poller, mirror, journal).
package actor

import "context"

// Actor is a long-running process fed by a mailbox. Start blocks until ctx
// is done or the actor fails; a supervisor decides whether to run it again.
type Actor interface {
	Start(ctx context.Context, mb *Mailbox) error
}

// Mailbox is a channel-based message queue for an actor.
// It uses a buffered channel to store incoming messages, allowing for
// asynchronous message passing between actors.
type Mailbox struct {
	messages chan any
}

// NewMailbox creates a new mailbox with the given buffer size.
// The size parameter determines the capacity of the mailbox's buffer.
// A larger size can help to avoid blocking the sender if the actor is busy,
// but it also increases memory consumption.
func NewMailbox(size int) *Mailbox {
	return &Mailbox{
		messages: make(chan any, size),
	}
}

// Send puts a message into the mailbox, blocking while the buffer is full.
func (mb *Mailbox) Send(msg any) {
	mb.messages <- msg
}

// SendContext is Send bounded by ctx.
func (mb *Mailbox) SendContext(ctx context.Context, msg any) error {
	select {
	case mb.messages <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TrySend queues msg without blocking. It reports false when the mailbox is
// full and the message was dropped.
func (mb *Mailbox) TrySend(msg any) bool {
	select {
	case mb.messages <- msg:
		return true
	default:
		return false
	}
}

// Len is the number of queued messages.
func (mb *Mailbox) Len() int {
	return len(mb.messages)
}

// Receive blocks until a message is received from the mailbox or the context
// is canceled.
// It returns the received message and a nil error on success.
// If the context is canceled, it returns nil and the context's error.
// This method is typically called by the actor in a loop to process incoming
// messages.
func (mb *Mailbox) Receive(ctx context.Context) (any, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case msg := <-mb.messages:
		return msg, nil
	}
}

// Chan returns the underlying message channel.
// This allows for more advanced use cases, such as selecting from multiple
// channels at once. The returned channel is read-only to prevent external
// actors from sending messages directly to it, which would bypass the
// mailbox's intended usage.
func (mb *Mailbox) Chan() <-chan any {
	return mb.messages
}
