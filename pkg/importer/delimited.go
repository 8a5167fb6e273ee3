package importer

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
)

func init() {
	Register("voterfile", func() Importer {
		return NewDelimitedImporter(VoterFileMapping())
	})
	Register("csv", func() Importer {
		return NewDelimitedImporter(CSVMapping())
	})
}

// DelimitedImporter streams a delimited text file (tab-separated county
// voter exports, plain CSV) row by row against a column mapping.
//
// Parsing is synchronous blocking I/O per row; the progress callback at the
// checkpoint interval is the only cooperative suspension point. Suspension
// never happens mid-row.
type DelimitedImporter struct {
	mapping *Mapping
}

// NewDelimitedImporter creates an importer for the given column mapping.
func NewDelimitedImporter(mapping *Mapping) *DelimitedImporter {
	return &DelimitedImporter{mapping: mapping}
}

// maxRowErrors bounds how many row-level errors one pass retains for the
// job's error log.
const maxRowErrors = 25

// Import streams the source file and upserts each accepted row into the
// sink. Rows at or below opts.ResumeFrom are skipped without sink calls, so
// a resumed run never re-creates records it already created.
func (d *DelimitedImporter) Import(ctx context.Context, opts Options) (*Result, error) {
	file, err := os.Open(opts.FilePath)
	if err != nil {
		return nil, fmt.Errorf("open source file: %w", err)
	}
	defer func() { _ = file.Close() }()

	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat source file: %w", err)
	}

	checkpoint := opts.CheckpointRows
	if checkpoint <= 0 {
		checkpoint = DefaultCheckpointRows
	}

	reader := csv.NewReader(file)
	reader.Comma = rune(d.mapping.Delimiter[0])
	reader.LazyQuotes = true
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read header row: %w", err)
	}
	columns := d.resolveColumns(header)
	if columns.key < 0 {
		return nil, fmt.Errorf("source file has no %q column", d.mapping.KeyColumn)
	}

	result := &Result{FileSize: info.Size()}
	var row int64

	for {
		fields, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		var parseErr *csv.ParseError
		if errors.As(err, &parseErr) {
			row++
			result.Processed = row
			d.recordRowError(result, row, err.Error())
			continue
		}
		if err != nil {
			return result, fmt.Errorf("read row %d: %w", row+1, err)
		}

		row++
		result.Processed = row
		result.BytesProcessed = reader.InputOffset()

		// Rows covered by the resume cursor were already applied by a
		// previous pass.
		if row > opts.ResumeFrom {
			d.applyRow(ctx, opts, columns, fields, row, result)
		}

		if row%int64(checkpoint) == 0 {
			if err := d.tick(ctx, opts, result, nil); err != nil {
				return result, err
			}
		}
	}

	total := row
	if err := d.tick(ctx, opts, result, &total); err != nil {
		return result, err
	}
	return result, nil
}

// applyRow validates one row and upserts it into the sink.
func (d *DelimitedImporter) applyRow(ctx context.Context, opts Options, columns columnIndex, fields []string, row int64, result *Result) {
	for _, idx := range columns.required {
		if idx >= len(fields) || fields[idx] == "" {
			d.recordRowError(result, row, "missing required field")
			return
		}
	}
	if columns.key >= len(fields) || fields[columns.key] == "" {
		d.recordRowError(result, row, "missing record key")
		return
	}

	if opts.Mode == ModeIncremental {
		if lister, ok := opts.Sink.(KeyLister); ok && lister.HasKey(fields[columns.key]) {
			result.Skipped++
			return
		}
	}

	rec := Record{
		Key:    fields[columns.key],
		Fields: make(map[string]string, len(columns.names)),
	}
	for idx, name := range columns.names {
		if idx < len(fields) && fields[idx] != "" {
			rec.Fields[name] = fields[idx]
		}
	}

	outcome, err := opts.Sink.Upsert(ctx, rec)
	if err != nil {
		d.recordRowError(result, row, err.Error())
		return
	}
	switch outcome {
	case OutcomeCreated:
		result.Created++
	case OutcomeUpdated:
		result.Updated++
	default:
		result.Skipped++
	}
}

func (d *DelimitedImporter) tick(ctx context.Context, opts Options, result *Result, total *int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if opts.Progress == nil {
		return nil
	}
	return opts.Progress(Progress{
		Processed:      result.Processed,
		Total:          total,
		BytesProcessed: result.BytesProcessed,
		Errors:         result.Errors,
	})
}

func (d *DelimitedImporter) recordRowError(result *Result, row int64, msg string) {
	result.Errors++
	if len(result.RowErrors) < maxRowErrors {
		result.RowErrors = append(result.RowErrors, RowError{Row: row, Message: msg})
	}
}

// columnIndex is the resolved positions of the mapped columns in one file.
type columnIndex struct {
	key      int
	required []int
	names    map[int]string // position -> canonical field name
}

func (d *DelimitedImporter) resolveColumns(header []string) columnIndex {
	idx := columnIndex{key: -1, names: make(map[int]string)}
	for pos, col := range header {
		if col == d.mapping.KeyColumn {
			idx.key = pos
		}
		for _, req := range d.mapping.Required {
			if col == req {
				idx.required = append(idx.required, pos)
			}
		}
		if len(d.mapping.Columns) == 0 {
			// Identity mapping: headers are already canonical names.
			idx.names[pos] = col
			continue
		}
		if name, ok := d.mapping.Columns[col]; ok {
			idx.names[pos] = name
		}
	}
	return idx
}
