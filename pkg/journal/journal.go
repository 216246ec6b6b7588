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

// Package journal appends every backend command issued on behalf of a
// client to a PostgreSQL table.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/turtacn/jive5ab-bridge/pkg/actor"
	"github.com/turtacn/jive5ab-bridge/pkg/config"
	"github.com/turtacn/jive5ab-bridge/pkg/metrics"
)

const (
	pingTimeout  = 5 * time.Second
	writeTimeout = 5 * time.Second
)

// Entry is one journalled backend step.
type Entry struct {
	RequestID string
	Client    string
	Request   string
	Command   string
	Status    string
	Code      int
	Reason    string
	Latency   time.Duration
	CreatedAt time.Time
}

// CreateTableSQL returns the DDL for table.
func CreateTableSQL(table string) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id BIGSERIAL PRIMARY KEY,
	request_id UUID NOT NULL,
	client TEXT NOT NULL,
	request TEXT NOT NULL,
	command TEXT NOT NULL,
	status TEXT NOT NULL,
	code INTEGER NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	latency_ms DOUBLE PRECISION NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
)`, pq.QuoteIdentifier(table))
}

// InsertSQL returns the parameterised insert for table.
func InsertSQL(table string) string {
	return fmt.Sprintf(
		"INSERT INTO %s (request_id, client, request, command, status, code, reason, latency_ms, created_at) "+
			"VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)",
		pq.QuoteIdentifier(table))
}

// Journal is the writer actor. Record never blocks; entries that do not
// fit in the mailbox are dropped and counted.
type Journal struct {
	cfg    config.JournalConfig
	mb     *actor.Mailbox
	logger zerolog.Logger
}

// New creates a journal with a mailbox of cfg.BufferSize entries.
func New(cfg config.JournalConfig, logger zerolog.Logger) *Journal {
	size := cfg.BufferSize
	if size <= 0 {
		size = 256
	}
	return &Journal{
		cfg:    cfg,
		mb:     actor.NewMailbox(size),
		logger: logger.With().Str("component", "journal").Logger(),
	}
}

// Mailbox is the mailbox Record writes to; supervise the journal with it.
func (j *Journal) Mailbox() *actor.Mailbox {
	return j.mb
}

// Record queues e. It reports false when the entry was dropped.
func (j *Journal) Record(e Entry) bool {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	if !j.mb.TrySend(e) {
		metrics.JournalWritesTotal.WithLabelValues("dropped").Inc()
		return false
	}
	return true
}

// Start implements actor.Actor. An unreachable database is returned as an
// error so the supervisor retries; queued entries wait in the mailbox.
func (j *Journal) Start(ctx context.Context, mb *actor.Mailbox) error {
	db, err := sql.Open("postgres", j.cfg.DSN)
	if err != nil {
		return fmt.Errorf("failed to open journal database: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(1)

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return fmt.Errorf("journal database ping failed: %w", err)
	}
	if _, err := db.ExecContext(pingCtx, CreateTableSQL(j.cfg.Table)); err != nil {
		return fmt.Errorf("failed to create journal table: %w", err)
	}
	j.logger.Info().Str("table", j.cfg.Table).Msg("journal ready")

	insert := InsertSQL(j.cfg.Table)
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-mb.Chan():
			e, ok := msg.(Entry)
			if !ok {
				j.logger.Warn().Type("message", msg).Msg("ignoring unknown message")
				continue
			}
			if err := j.write(ctx, db, insert, e); err != nil {
				metrics.JournalWritesTotal.WithLabelValues("error").Inc()
				j.logger.Error().Err(err).Str("request_id", e.RequestID).Msg("journal write failed")
				continue
			}
			metrics.JournalWritesTotal.WithLabelValues("ok").Inc()
		}
	}
}

func (j *Journal) write(ctx context.Context, db *sql.DB, insert string, e Entry) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_, err := db.ExecContext(ctx, insert,
		e.RequestID, e.Client, e.Request, e.Command, e.Status, e.Code, e.Reason,
		float64(e.Latency)/float64(time.Millisecond), e.CreatedAt)
	return err
}
