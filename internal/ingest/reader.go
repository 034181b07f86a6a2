// Package ingest turns delimited movie-rating files into batches.
package ingest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"

	"github.com/Clark-Hu/ratings-pipeline/internal/domain"
)

// ErrFatalInput marks input that cannot be read as a ratings file at all.
var ErrFatalInput = errors.New("ingest: unreadable input")

const (
	ColumnTitle        = "title"
	ColumnReleasedYear = "released_year"
	ColumnGenre        = "genre"
	ColumnRating       = "rating"
)

// RequiredColumns lists the header columns every input must carry.
var RequiredColumns = []string{ColumnTitle, ColumnReleasedYear, ColumnGenre, ColumnRating}

// Options tunes the reader.
type Options struct {
	// Comma is the field delimiter; zero means ','.
	Comma rune
	// MaxRecords stops reading after this many data rows and marks the batch
	// incomplete; zero means unlimited.
	MaxRecords int
}

// ReadBatch reads a header and all data rows from r. A missing header column
// is fatal. A row the CSV parser rejects is kept as a record with empty
// fields, so it fails validation and lands in quarantine. An I/O error, or a
// quoted field still open at end of input, ends the batch early: the records
// read so far are returned and the batch is marked incomplete.
func ReadBatch(r io.Reader, source string, opts Options) (domain.Batch, error) {
	cr := csv.NewReader(r)
	if opts.Comma != 0 {
		cr.Comma = opts.Comma
	}
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return domain.Batch{}, fmt.Errorf("%w: empty input", ErrFatalInput)
		}
		return domain.Batch{}, fmt.Errorf("%w: read header: %v", ErrFatalInput, err)
	}
	index, err := columnIndex(header)
	if err != nil {
		return domain.Batch{}, err
	}

	batch := domain.Batch{
		ID:      uuid.NewString(),
		Source:  source,
		Records: make([]domain.Record, 0, 64),
	}
	rows := &rowReader{cr: cr}
	for {
		fields, line, err := rows.next()
		if errors.Is(err, io.EOF) {
			break
		}
		var perr *csv.ParseError
		switch {
		case errors.As(err, &perr):
			if errors.Is(perr.Err, csv.ErrQuote) && rows.atEOF() {
				batch.Incomplete = true
				batch.IncompleteReason = err.Error()
				return batch, nil
			}
			fields, line = nil, perr.StartLine
		case err != nil:
			batch.Incomplete = true
			batch.IncompleteReason = err.Error()
			return batch, nil
		}
		if opts.MaxRecords > 0 && len(batch.Records) >= opts.MaxRecords {
			batch.Incomplete = true
			batch.IncompleteReason = fmt.Sprintf("row limit %d reached", opts.MaxRecords)
			break
		}
		batch.Records = append(batch.Records, domain.Record{
			Line:         line,
			Title:        field(fields, index[ColumnTitle]),
			ReleasedYear: field(fields, index[ColumnReleasedYear]),
			Genre:        field(fields, index[ColumnGenre]),
			Rating:       field(fields, index[ColumnRating]),
		})
	}
	return batch, nil
}

// rowReader wraps a csv.Reader with one row of lookahead.
type rowReader struct {
	cr *csv.Reader

	held   bool
	fields []string
	line   int
	err    error
}

func (r *rowReader) next() ([]string, int, error) {
	if r.held {
		r.held = false
		return r.fields, r.line, r.err
	}
	fields, err := r.cr.Read()
	line := 0
	if err == nil {
		line, _ = r.cr.FieldPos(0)
	}
	return fields, line, err
}

// atEOF reports whether the input has no further rows. The row it reads, if
// any, is returned by the following next call.
func (r *rowReader) atEOF() bool {
	if !r.held {
		r.fields, r.line, r.err = r.next()
		r.held = true
	}
	return errors.Is(r.err, io.EOF)
}

func columnIndex(header []string) (map[string]int, error) {
	index := make(map[string]int, len(header))
	for i, name := range header {
		if i == 0 {
			name = strings.TrimPrefix(name, "\ufeff")
		}
		key := strings.ToLower(strings.TrimSpace(name))
		if _, seen := index[key]; !seen {
			index[key] = i
		}
	}
	for _, col := range RequiredColumns {
		if _, ok := index[col]; !ok {
			return nil, fmt.Errorf("%w: missing column %q", ErrFatalInput, col)
		}
	}
	return index, nil
}

func field(fields []string, i int) string {
	if i < len(fields) {
		return fields[i]
	}
	return ""
}
