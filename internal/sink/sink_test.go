package sink

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/xuri/excelize/v2"
)

func TestSpreadsheetSink_AppendCreatesHeaderAndRows(t *testing.T) {
	dir := t.TempDir()
	s, err := NewSpreadsheetSink(dir)
	if err != nil {
		t.Fatalf("new sink: %v", err)
	}
	ctx := context.Background()

	if err := s.AppendRow(ctx, "leads", map[string]string{"name": "Ada", "phone": "+1555"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.AppendRow(ctx, "leads", map[string]string{"name": "Bob", "email": "bob@x.com"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	f, err := excelize.OpenFile(filepath.Join(dir, "leads.xlsx"))
	if err != nil {
		t.Fatalf("open workbook: %v", err)
	}
	defer f.Close()

	rows, err := f.GetRows("Sheet1")
	if err != nil {
		t.Fatalf("get rows: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected header + 2 rows, got %d", len(rows))
	}

	header := rows[0]
	// Second append introduced "email"; header must have grown.
	if len(header) != 3 {
		t.Fatalf("expected 3 header columns, got %v", header)
	}
	col := map[string]int{}
	for i, h := range header {
		col[h] = i
	}
	if rows[1][col["name"]] != "Ada" {
		t.Fatalf("row 1 name: got %v", rows[1])
	}
	if rows[2][col["name"]] != "Bob" {
		t.Fatalf("row 2 name: got %v", rows[2])
	}
}

func TestSpreadsheetSink_RejectsEmpty(t *testing.T) {
	s, err := NewSpreadsheetSink(t.TempDir())
	if err != nil {
		t.Fatalf("new sink: %v", err)
	}
	if err := s.AppendRow(context.Background(), "leads", nil); err == nil {
		t.Fatalf("expected error for empty fields")
	}
	if err := s.AppendRow(context.Background(), "", map[string]string{"a": "b"}); err == nil {
		t.Fatalf("expected error for empty sink id")
	}
}
