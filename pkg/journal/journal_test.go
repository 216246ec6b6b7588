package journal

import (
	"context"
	"database/sql"
	"net"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/jive5ab-bridge/pkg/config"
)

func TestCreateTableSQLQuotesTable(t *testing.T) {
	ddl := CreateTableSQL(`journal"; DROP TABLE x; --`)
	assert.Contains(t, ddl, `CREATE TABLE IF NOT EXISTS "journal""; DROP TABLE x; --"`)
	for _, col := range []string{"request_id", "client", "request", "command", "status", "code", "reason", "latency_ms", "created_at"} {
		assert.Contains(t, ddl, col)
	}
}

func TestInsertSQL(t *testing.T) {
	assert.Equal(t,
		`INSERT INTO "cmds" (request_id, client, request, command, status, code, reason, latency_ms, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		InsertSQL("cmds"))
}

func TestRecordDropsWhenFull(t *testing.T) {
	j := New(config.JournalConfig{BufferSize: 2}, zerolog.Nop())
	assert.True(t, j.Record(Entry{RequestID: "a"}))
	assert.True(t, j.Record(Entry{RequestID: "b"}))
	assert.False(t, j.Record(Entry{RequestID: "c"}))
	assert.Equal(t, 2, j.Mailbox().Len())

	e := (<-j.Mailbox().Chan()).(Entry)
	assert.Equal(t, "a", e.RequestID)
	assert.False(t, e.CreatedAt.IsZero(), "creation time is stamped on record")
}

func TestStartUnreachableDatabase(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	_, port, _ := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, ln.Close())

	j := New(config.JournalConfig{
		DSN:   "host=127.0.0.1 port=" + port + " user=x dbname=x sslmode=disable connect_timeout=1",
		Table: "cmds",
	}, zerolog.Nop())
	err = j.Start(context.Background(), j.Mailbox())
	assert.ErrorContains(t, err, "ping failed")
}

func TestJournalWritesRows(t *testing.T) {
	dsn := os.Getenv("JIVE5AB_BRIDGE_TEST_DSN")
	if dsn == "" {
		t.Skip("JIVE5AB_BRIDGE_TEST_DSN not set")
	}
	table := "journal_test_" + uuid.NewString()[:8]
	j := New(config.JournalConfig{DSN: dsn, Table: table, BufferSize: 8}, zerolog.Nop())

	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	defer db.Close()
	defer db.Exec("DROP TABLE IF EXISTS " + table)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- j.Start(ctx, j.Mailbox()) }()

	id := uuid.NewString()
	require.True(t, j.Record(Entry{
		RequestID: id,
		Client:    "client-1",
		Request:   "record-start",
		Command:   "record = on : scan1 ;",
		Status:    "ok",
		Code:      -1,
		Latency:   3 * time.Millisecond,
	}))

	require.Eventually(t, func() bool {
		var n int
		err := db.QueryRow("SELECT count(*) FROM "+table+" WHERE request_id = $1", id).Scan(&n)
		return err == nil && n == 1
	}, 10*time.Second, 50*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}
