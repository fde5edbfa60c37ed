package sink

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/xuri/excelize/v2"
)

// RowSink receives structured tool-call results from live conversations.
// AppendRow must be safe to call from concurrent sessions.
type RowSink interface {
	AppendRow(ctx context.Context, sinkID string, fields map[string]string) error
}

// SpreadsheetSink appends rows to one workbook per sink id, maintaining a
// header row from the field names seen so far. New field names grow the
// header; missing fields leave blank cells.
type SpreadsheetSink struct {
	Dir string

	mu sync.Mutex
}

func NewSpreadsheetSink(dir string) (*SpreadsheetSink, error) {
	if dir == "" {
		return nil, fmt.Errorf("sink dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("sink dir: %w", err)
	}
	return &SpreadsheetSink{Dir: dir}, nil
}

const sheetName = "Sheet1"

func (s *SpreadsheetSink) AppendRow(ctx context.Context, sinkID string, fields map[string]string) error {
	if sinkID == "" {
		return fmt.Errorf("sink id is required")
	}
	if len(fields) == 0 {
		return fmt.Errorf("no fields to append")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	// One writer at a time; excelize files are not concurrency-safe and two
	// sessions may share a sink.
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.Dir, sinkID+".xlsx")

	f, isNew, err := openOrCreate(path)
	if err != nil {
		return err
	}
	defer f.Close()

	header, err := readHeader(f)
	if err != nil {
		return err
	}

	// Grow the header with unseen field names, keeping a stable order.
	known := make(map[string]int, len(header))
	for i, h := range header {
		known[h] = i
	}
	var added []string
	for k := range fields {
		if _, ok := known[k]; !ok {
			added = append(added, k)
		}
	}
	sort.Strings(added)
	for _, k := range added {
		known[k] = len(header)
		header = append(header, k)
	}
	if isNew || len(added) > 0 {
		if err := writeRow(f, 1, header); err != nil {
			return err
		}
	}

	rows, err := f.GetRows(sheetName)
	if err != nil {
		return err
	}
	next := len(rows) + 1

	row := make([]string, len(header))
	for k, v := range fields {
		row[known[k]] = v
	}
	if err := writeRow(f, next, row); err != nil {
		return err
	}

	return f.SaveAs(path)
}

func openOrCreate(path string) (*excelize.File, bool, error) {
	if _, err := os.Stat(path); err == nil {
		f, err := excelize.OpenFile(path)
		if err != nil {
			return nil, false, fmt.Errorf("open workbook: %w", err)
		}
		return f, false, nil
	}
	return excelize.NewFile(), true, nil
}

func readHeader(f *excelize.File) ([]string, error) {
	rows, err := f.GetRows(sheetName)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

func writeRow(f *excelize.File, rowNum int, values []string) error {
	for i, v := range values {
		cell, err := excelize.CoordinatesToCellName(i+1, rowNum)
		if err != nil {
			return err
		}
		if err := f.SetCellValue(sheetName, cell, v); err != nil {
			return err
		}
	}
	return nil
}

// MemorySink records appended rows for tests.
type MemorySink struct {
	mu   sync.Mutex
	Rows []MemoryRow

	// Err, when set, is returned by AppendRow to exercise failure paths.
	Err error
}

type MemoryRow struct {
	SinkID string
	Fields map[string]string
}

func (s *MemorySink) AppendRow(ctx context.Context, sinkID string, fields map[string]string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	cp := make(map[string]string, len(fields))
	for k, v := range fields {
		cp[k] = v
	}
	s.Rows = append(s.Rows, MemoryRow{SinkID: sinkID, Fields: cp})
	return nil
}

func (s *MemorySink) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Rows)
}
