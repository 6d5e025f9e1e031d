package legacy

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evmigrate/internal/models"
	"evmigrate/internal/providers"
	"evmigrate/internal/structures"
	"evmigrate/internal/testutil"
)

func newTestExtractor(t *testing.T, path string) (*Extractor, *testutil.MockCache, *testutil.MockLogger) {
	t.Helper()
	cache := testutil.NewMockCache()
	logger := &testutil.MockLogger{}
	cfg := structures.MigrationConfig{SourcePath: path, BatchSize: 2, MaxMalformedRatio: 0.5}
	e := NewExtractor(cfg, cache, logger, &testutil.MockMetrics{})
	t.Cleanup(func() { _ = e.Close() })
	return e, cache, logger
}

func TestExtractor_ValidateScenario(t *testing.T) {
	e, _, _ := newTestExtractor(t, testutil.NewLegacyDB(t, testutil.ScenarioVotes()...))

	res, err := e.Validate(context.Background())
	require.NoError(t, err)
	assert.True(t, res.IsValid)
	assert.Empty(t, res.Errors)
	assert.Empty(t, res.Warnings)
	assert.Equal(t, int64(3), res.Summary.TotalEvents)
	assert.Equal(t, int64(1700000000000), res.Summary.DateRange.Start)
	assert.Equal(t, int64(1700000002000), res.Summary.DateRange.End)
}

func TestExtractor_ValidateMissingTable(t *testing.T) {
	path := testutil.NewLegacyDBWithSchema(t, `CREATE TABLE something_else (id TEXT)`)
	e, _, _ := newTestExtractor(t, path)

	res, err := e.Validate(context.Background())
	require.Error(t, err)
	assert.True(t, models.IsStructural(err))
	assert.False(t, res.IsValid)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "votes")
}

func TestExtractor_ValidateMissingRequiredColumn(t *testing.T) {
	path := testutil.NewLegacyDBWithSchema(t, `CREATE TABLE votes (id TEXT, user_id TEXT, vote INTEGER, timestamp INTEGER)`)
	e, _, _ := newTestExtractor(t, path)

	_, err := e.Validate(context.Background())
	require.Error(t, err)
	var se *models.StructuralError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "prompt_id", se.Column)
}

func TestExtractor_ValidateMissingFile(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "absent.db")
	e, _, _ := newTestExtractor(t, missing)

	_, err := e.Validate(context.Background())
	require.Error(t, err)
	assert.True(t, models.IsStorage(err))
	_, statErr := os.Stat(missing)
	assert.True(t, os.IsNotExist(statErr), "read-only open must not create the file")
}

func TestExtractor_ValidateDataQualityWarnings(t *testing.T) {
	votes := []testutil.Vote{
		{ID: "ok", UserID: "u1", PromptID: "p", Vote: 1, Timestamp: 10},
		{ID: "bad-vote", UserID: "u1", PromptID: "p", Vote: 3, Timestamp: 11},
		{ID: "blank-user", UserID: "  ", PromptID: "p", Vote: -1, Timestamp: 12},
		{ID: "zero-ts", UserID: "u2", PromptID: "p", Vote: 1, Timestamp: 0},
		{ID: "bad-meta", UserID: "u3", PromptID: "p", Vote: 1, Timestamp: 13, Metadata: testutil.Str("{not json")},
	}
	e, _, _ := newTestExtractor(t, testutil.NewLegacyDB(t, votes...))

	res, err := e.Validate(context.Background())
	require.NoError(t, err)
	assert.True(t, res.IsValid)
	assert.Len(t, res.Warnings, 4)
	assert.Equal(t, int64(5), res.Summary.TotalEvents)
}

func TestExtractor_ValidateBlankUsersMatchConversionRule(t *testing.T) {
	votes := []testutil.Vote{
		{ID: "tab", UserID: "\t", PromptID: "p", Vote: 1, Timestamp: 1},
		{ID: "crlf", UserID: " \r\n", PromptID: "p", Vote: 1, Timestamp: 2},
		{ID: "nbsp", UserID: "\u00a0", PromptID: "p", Vote: 1, Timestamp: 3},
		{ID: "ok", UserID: "u", PromptID: "p", Vote: 1, Timestamp: 4},
	}
	var blank int
	for _, v := range votes {
		if models.IsBlank(v.UserID) {
			blank++
		}
	}
	require.Equal(t, 2, blank)
	e, _, _ := newTestExtractor(t, testutil.NewLegacyDB(t, votes...))

	res, err := e.Validate(context.Background())
	require.NoError(t, err)
	assert.Contains(t, res.Warnings, fmt.Sprintf("%d record(s) have an empty user id and will be skipped", blank))
}

func TestExtractor_ValidateMalformedRatioPromotedToError(t *testing.T) {
	votes := []testutil.Vote{
		{ID: "a", UserID: "u", PromptID: "p", Vote: 1, Timestamp: 1, Metadata: testutil.Str("[1,2]")},
		{ID: "b", UserID: "u", PromptID: "p", Vote: 1, Timestamp: 2, Metadata: testutil.Str("nope")},
		{ID: "c", UserID: "u", PromptID: "p", Vote: 1, Timestamp: 3},
	}
	e, _, _ := newTestExtractor(t, testutil.NewLegacyDB(t, votes...))

	res, err := e.Validate(context.Background())
	require.NoError(t, err, "data quality findings are never returned as errors")
	assert.False(t, res.IsValid)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "unparsable metadata")
}

func TestExtractor_ValidateEmptyTable(t *testing.T) {
	e, _, _ := newTestExtractor(t, testutil.NewLegacyDB(t))

	res, err := e.Validate(context.Background())
	require.NoError(t, err)
	assert.True(t, res.IsValid)
	assert.Contains(t, res.Warnings, "source contains no votes")
	assert.True(t, res.Summary.DateRange.Empty())
}

func TestExtractor_ValidateOldSchemaWarnsAboutOptionalColumns(t *testing.T) {
	path := testutil.NewLegacyDBWithSchema(t,
		`CREATE TABLE votes (id TEXT, user_id TEXT, prompt_id TEXT, vote INTEGER, timestamp INTEGER, comment TEXT)`,
		testutil.Vote{ID: "x", UserID: "u", PromptID: "p", Vote: 1, Timestamp: 5})
	e, _, _ := newTestExtractor(t, path)

	res, err := e.Validate(context.Background())
	require.NoError(t, err)
	assert.True(t, res.IsValid)
	assert.Len(t, res.Warnings, len(OptionalColumns)-1)

	batch, err := e.ExtractBatches(10).Next(context.Background())
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Nil(t, batch[0].RawMetadata)
	assert.True(t, batch[0].Metadata.Valid())
}

func TestExtractor_Statistics(t *testing.T) {
	e, cache, _ := newTestExtractor(t, testutil.NewLegacyDB(t, testutil.ScenarioVotes()...))

	stats, err := e.Statistics(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.TotalVotes)
	assert.Equal(t, int64(2), stats.UniqueUsers)
	assert.Equal(t, int64(2), stats.UniquePrompts)
	assert.Equal(t, models.DateRange{Start: 1700000000000, End: 1700000002000}, stats.DateRange)
	assert.Equal(t, 1, cache.Sets)
	for key := range cache.Data {
		assert.Equal(t, providers.CacheNamespaceSourceStats, providers.CacheNamespace(key))
	}

	again, err := e.Statistics(context.Background())
	require.NoError(t, err)
	assert.Equal(t, stats, again)
	assert.Equal(t, 1, cache.Hits)
	assert.Equal(t, 1, cache.Sets)
}

func TestBatchIterator_Pagination(t *testing.T) {
	var votes []testutil.Vote
	for i := 0; i < 5; i++ {
		votes = append(votes, testutil.Vote{
			ID: fmt.Sprintf("v%d", i), UserID: "u", PromptID: "p", Vote: 1, Timestamp: int64(100 + i),
		})
	}
	e, _, _ := newTestExtractor(t, testutil.NewLegacyDB(t, votes...))
	ctx := context.Background()

	it := e.ExtractBatches(2)
	var sizes []int
	var ids []string
	for {
		batch, err := it.Next(ctx)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		sizes = append(sizes, len(batch))
		for _, r := range batch {
			ids = append(ids, r.ID)
		}
	}
	assert.Equal(t, []int{2, 2, 1}, sizes)
	assert.Equal(t, []string{"v0", "v1", "v2", "v3", "v4"}, ids)
	assert.Equal(t, 3, it.BatchCount())

	_, err := it.Next(ctx)
	assert.Equal(t, io.EOF, err)

	it.Reset()
	first, err := it.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "v0", first[0].ID)
}

func TestBatchIterator_ExactMultipleEndsWithEOF(t *testing.T) {
	votes := []testutil.Vote{
		{ID: "a", UserID: "u", PromptID: "p", Vote: 1, Timestamp: 1},
		{ID: "b", UserID: "u", PromptID: "p", Vote: 1, Timestamp: 2},
	}
	e, _, _ := newTestExtractor(t, testutil.NewLegacyDB(t, votes...))

	n := 0
	for batch, err := range e.ExtractBatches(2).Batches(context.Background()) {
		require.NoError(t, err)
		assert.Len(t, batch, 2)
		n++
	}
	assert.Equal(t, 1, n)
}

func TestBatchIterator_ResumeAfter(t *testing.T) {
	e, _, _ := newTestExtractor(t, testutil.NewLegacyDB(t, testutil.ScenarioVotes()...))
	ctx := context.Background()

	it := e.ExtractBatches(1)
	first, err := it.Next(ctx)
	require.NoError(t, err)

	rest := e.ExtractBatchesAfter(first[0].RowID, 10)
	batch, err := rest.Next(ctx)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, "a2", batch[0].ID)
	assert.Equal(t, "a3", batch[1].ID)
}

func TestBatchIterator_NonPositiveRowIDs(t *testing.T) {
	path := testutil.NewLegacyDB(t, testutil.Vote{ID: "pos", UserID: "u", PromptID: "p", Vote: 1, Timestamp: 3})
	db := testutil.OpenDB(t, path)
	_, err := db.Exec(`INSERT INTO votes (rowid, id, user_id, prompt_id, vote, timestamp) VALUES
		(-5, 'neg', 'u', 'p', 1, 1), (0, 'zero', 'u', 'p', -1, 2)`)
	require.NoError(t, err)

	e, _, _ := newTestExtractor(t, path)
	var ids []string
	for batch, err := range e.ExtractBatches(2).Batches(context.Background()) {
		require.NoError(t, err)
		for _, r := range batch {
			ids = append(ids, r.ID)
		}
	}
	assert.Equal(t, []string{"neg", "zero", "pos"}, ids)

	rest, err := e.ExtractBatchesAfter(0, 10).Next(context.Background())
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, "pos", rest[0].ID)
}

func TestBatchIterator_MalformedMetadataKeepsRow(t *testing.T) {
	votes := []testutil.Vote{
		{ID: "m", UserID: "u", PromptID: "p", Vote: 1, Timestamp: 1, Metadata: testutil.Str(`{"a":1`)},
	}
	e, _, logger := newTestExtractor(t, testutil.NewLegacyDB(t, votes...))

	it := e.ExtractBatches(10)
	batch, err := it.Next(context.Background())
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.False(t, batch[0].Metadata.Valid())
	assert.Equal(t, `{"a":1`, batch[0].Metadata.Raw)
	assert.Empty(t, batch[0].Metadata.Object)
	assert.Equal(t, int64(1), it.MalformedMetadata())
	assert.Equal(t, 1, logger.Count("warn", "unparsable metadata"))
}

func TestBatchIterator_CancelledContext(t *testing.T) {
	e, _, _ := newTestExtractor(t, testutil.NewLegacyDB(t, testutil.ScenarioVotes()...))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.ExtractBatches(10).Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestExtractor_Extract(t *testing.T) {
	e, _, _ := newTestExtractor(t, testutil.NewLegacyDB(t, testutil.ScenarioVotes()...))

	summary, err := e.Extract(context.Background(), 2, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), summary.TotalRecords)
	assert.Equal(t, 2, summary.Batches)
	assert.Len(t, summary.Samples, 2)
	assert.Zero(t, summary.MalformedMetadata)
}

func TestExtractor_CloseIsIdempotent(t *testing.T) {
	e, _, _ := newTestExtractor(t, testutil.NewLegacyDB(t, testutil.ScenarioVotes()...))
	_, err := e.Statistics(context.Background())
	require.NoError(t, err)

	require.NoError(t, e.Close())
	require.NoError(t, e.Close())

	_, err = e.ExtractBatches(10).Next(context.Background())
	assert.ErrorIs(t, err, models.ErrClosed)
}

func TestExtractor_NeverWritesSource(t *testing.T) {
	path := testutil.NewLegacyDB(t, testutil.ScenarioVotes()...)
	before, err := os.ReadFile(path)
	require.NoError(t, err)

	e, _, _ := newTestExtractor(t, path)
	_, err = e.Validate(context.Background())
	require.NoError(t, err)
	_, err = e.Extract(context.Background(), 1, 1)
	require.NoError(t, err)
	require.NoError(t, e.Close())

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}
