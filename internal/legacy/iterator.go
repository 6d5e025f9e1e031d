package legacy

import (
	"context"
	"io"
	"iter"

	"evmigrate/internal/models"
	"evmigrate/internal/providers"
)

// BatchIterator walks the votes table in rowid order using keyset
// pagination. It holds no open cursor between calls to Next.
type BatchIterator struct {
	ext       *Extractor
	size      int
	resume    bool
	start     int64
	after     int64
	done      bool
	batches   int
	malformed int64
}

// Next returns the next batch of at most the configured size, or io.EOF once
// the source is exhausted.
func (it *BatchIterator) Next(ctx context.Context) ([]models.VoteRecord, error) {
	if it.done {
		return nil, io.EOF
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cols, err := it.ext.loadColumns(ctx)
	if err != nil {
		return nil, err
	}
	s, err := it.ext.db()
	if err != nil {
		return nil, err
	}

	// rowids may be zero or negative, so a full walk has no lower bound
	// until the first batch has been read
	q := "SELECT " + selectList(cols) + " FROM votes"
	var args []interface{}
	if it.resume || it.batches > 0 {
		q += " WHERE rowid > ?"
		args = append(args, it.after)
	}
	q += " ORDER BY rowid LIMIT ?"
	args = append(args, it.size)
	rows, err := s.DB.QueryxContext(ctx, q, args...)
	if err != nil {
		return nil, &models.StorageError{Op: "read source batch", Batch: it.batches + 1, State: models.StateUnchanged, Err: err}
	}
	defer rows.Close()

	batch := make([]models.VoteRecord, 0, it.size)
	for rows.Next() {
		var rec models.VoteRecord
		if err := rows.StructScan(&rec); err != nil {
			return nil, &models.StorageError{Op: "scan source row", Batch: it.batches + 1, State: models.StateUnchanged, Err: err}
		}
		rec.Metadata = models.ParseMetadata(rec.RawMetadata)
		if !rec.Metadata.Valid() {
			it.malformed++
			it.ext.logger.Warnf(providers.TypeExtract, "record %s: unparsable metadata (%s), carried forward empty",
				rec.ID, rec.Metadata.ParseError)
		}
		batch = append(batch, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, &models.StorageError{Op: "read source batch", Batch: it.batches + 1, State: models.StateUnchanged, Err: err}
	}

	if len(batch) == 0 {
		it.done = true
		return nil, io.EOF
	}
	if len(batch) < it.size {
		it.done = true
	}
	it.after = batch[len(batch)-1].RowID
	it.batches++
	it.ext.logger.Debugf(providers.TypeExtract, "batch %d: %d record(s) up to rowid %d", it.batches, len(batch), it.after)
	return batch, nil
}

// Reset rewinds the iterator to where it started.
func (it *BatchIterator) Reset() {
	it.after = it.start
	it.done = false
	it.batches = 0
	it.malformed = 0
}

// LastRowID is the rowid of the last record returned so far.
func (it *BatchIterator) LastRowID() int64 {
	return it.after
}

func (it *BatchIterator) BatchCount() int {
	return it.batches
}

func (it *BatchIterator) MalformedMetadata() int64 {
	return it.malformed
}

// Batches adapts the iterator to a range-over-func sequence. Iteration stops
// after the first error is yielded.
func (it *BatchIterator) Batches(ctx context.Context) iter.Seq2[[]models.VoteRecord, error] {
	return func(yield func([]models.VoteRecord, error) bool) {
		for {
			batch, err := it.Next(ctx)
			if err == io.EOF {
				return
			}
			if err != nil {
				yield(nil, err)
				return
			}
			if !yield(batch, nil) {
				return
			}
		}
	}
}
