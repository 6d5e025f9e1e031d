package testutil

import (
	"path/filepath"
	"testing"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"evmigrate/internal/models"
)

// LegacySchema is the full v3 votes table.
const LegacySchema = `CREATE TABLE votes (
	id            TEXT PRIMARY KEY,
	user_id       TEXT NOT NULL,
	prompt_id     TEXT NOT NULL,
	vote          INTEGER NOT NULL,
	timestamp     INTEGER NOT NULL,
	comment       TEXT,
	prompt_text   TEXT,
	ai_output     TEXT,
	model_name    TEXT,
	response_time INTEGER,
	metadata      TEXT
)`

// Vote is a row for the legacy fixture database.
type Vote struct {
	ID           string  `db:"id"`
	UserID       string  `db:"user_id"`
	PromptID     string  `db:"prompt_id"`
	Vote         int64   `db:"vote"`
	Timestamp    int64   `db:"timestamp"`
	Comment      *string `db:"comment"`
	PromptText   *string `db:"prompt_text"`
	AIOutput     *string `db:"ai_output"`
	ModelName    *string `db:"model_name"`
	ResponseTime *int64  `db:"response_time"`
	Metadata     *string `db:"metadata"`
}

func Str(s string) *string { return &s }
func Int(i int64) *int64   { return &i }

// ScenarioVotes is two +1 votes on prompt-1 and one -1 vote on prompt-2.
func ScenarioVotes() []Vote {
	return []Vote{
		{ID: "a1", UserID: "u1", PromptID: "prompt-1", Vote: 1, Timestamp: 1700000000000, Comment: Str("great answer")},
		{ID: "a2", UserID: "u2", PromptID: "prompt-1", Vote: 1, Timestamp: 1700000001000,
			Metadata: Str(`{"journeyId":"j-1","conversationId":"c-1","turnSequence":3,"turnId":"t-3"}`)},
		{ID: "a3", UserID: "u1", PromptID: "prompt-2", Vote: -1, Timestamp: 1700000002000,
			PromptText: Str("what is 2+2"), AIOutput: Str("5"), ModelName: Str("gpt-x"), ResponseTime: Int(420)},
	}
}

// NewLegacyDB creates a v3 database in a temp dir holding votes and returns
// its path.
func NewLegacyDB(t testing.TB, votes ...Vote) string {
	t.Helper()
	return NewLegacyDBWithSchema(t, LegacySchema, votes...)
}

// NewLegacyDBWithSchema lets a test use an older or broken votes table.
// Votes are inserted only into columns that are present in the struct's
// non-nil fields, so reduced schemas work as long as optionals stay nil.
func NewLegacyDBWithSchema(t testing.TB, schema string, votes ...Vote) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "v3.db")
	db, err := sqlx.Open("sqlite3", "file:"+path)
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec(schema)
	require.NoError(t, err)
	for _, v := range votes {
		InsertVote(t, db, v)
	}
	return path
}

// InsertVote writes one row into votes.
func InsertVote(t testing.TB, db *sqlx.DB, v Vote) {
	t.Helper()
	cols := []string{"id", "user_id", "prompt_id", "vote", "timestamp"}
	vals := []interface{}{v.ID, v.UserID, v.PromptID, v.Vote, v.Timestamp}
	optional := []struct {
		name string
		val  interface{}
		set  bool
	}{
		{"comment", v.Comment, v.Comment != nil},
		{"prompt_text", v.PromptText, v.PromptText != nil},
		{"ai_output", v.AIOutput, v.AIOutput != nil},
		{"model_name", v.ModelName, v.ModelName != nil},
		{"response_time", v.ResponseTime, v.ResponseTime != nil},
		{"metadata", v.Metadata, v.Metadata != nil},
	}
	for _, o := range optional {
		if o.set {
			cols = append(cols, o.name)
			vals = append(vals, o.val)
		}
	}
	q, args, err := sq.Insert("votes").Columns(cols...).Values(vals...).ToSql()
	require.NoError(t, err)
	_, err = db.Exec(q, args...)
	require.NoError(t, err)
}

// OpenDB opens any fixture database for direct inspection.
func OpenDB(t testing.TB, path string) *sqlx.DB {
	t.Helper()
	db, err := sqlx.Open("sqlite3", "file:"+path+"?_busy_timeout=5000")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// InsertEvents writes events straight into a target database that already
// has the events table.
func InsertEvents(t testing.TB, db *sqlx.DB, events ...models.Event) {
	t.Helper()
	for i := range events {
		q, args, err := sq.Insert("events").
			Columns(models.EventColumns...).
			Values(events[i].Values()...).
			ToSql()
		require.NoError(t, err)
		_, err = db.Exec(q, args...)
		require.NoError(t, err)
	}
}

// RawEvent returns the stored columns of one events row exactly as the
// driver reports them.
func RawEvent(t testing.TB, db *sqlx.DB, id string) map[string]interface{} {
	t.Helper()
	row := map[string]interface{}{}
	require.NoError(t, db.QueryRowx(`SELECT * FROM events WHERE id = ?`, id).MapScan(row))
	return row
}

// CountEvents counts events rows matching where.
func CountEvents(t testing.TB, db *sqlx.DB, where string, args ...interface{}) int {
	t.Helper()
	var n int
	require.NoError(t, db.Get(&n, `SELECT COUNT(*) FROM events WHERE `+where, args...))
	return n
}
