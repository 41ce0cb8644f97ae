// Package export writes the daily XLSX summary of the central log.
package export

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/joseph-ayodele/exchange-relay/internal/entity"
)

// Lister is the part of the log store the report reads.
type Lister interface {
	ListReceived(ctx context.Context, from, to time.Time) ([]*entity.LogRecord, error)
}

// Reports writes one workbook per closed day into a directory.
type Reports struct {
	dir    string
	log    Lister
	logger *slog.Logger
}

func NewReports(dir string, log Lister, logger *slog.Logger) *Reports {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reports{dir: dir, log: log, logger: logger}
}

const (
	sheetLog     = "Log"
	sheetSummary = "Summary"
)

var headers = []string{
	"Correlation ID",
	"File",
	"Document Type",
	"Index",
	"Status",
	"Received",
	"Sent",
	"Answered",
	"Timeout",
	"Error",
	"Keywords",
}

// DailyReport writes report-YYYY-MM-DD.xlsx with every record received in
// [from, to) and returns its path.
func (r *Reports) DailyReport(ctx context.Context, day, from, to time.Time) (string, error) {
	start := time.Now()
	recs, err := r.log.ListReceived(ctx, from, to)
	if err != nil {
		return "", fmt.Errorf("query log: %w", err)
	}
	data, err := Workbook(recs)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(r.dir, "report-"+day.Format("2006-01-02")+".xlsx")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return "", err
	}
	r.logger.Info("export.xlsx.ok",
		"day", day.Format("2006-01-02"),
		"rows", len(recs),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return path, nil
}

// Workbook renders records as XLSX bytes: a Log sheet with one row per
// record and a Summary sheet counting records per document type and status.
func Workbook(recs []*entity.LogRecord) ([]byte, error) {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	if err := f.SetSheetName("Sheet1", sheetLog); err != nil {
		return nil, err
	}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheetLog, cell, h)
	}

	type key struct {
		docType string
		status  string
	}
	counts := map[key]int{}
	var order []key

	for i, rec := range recs {
		row := i + 2
		write := func(col int, v any) {
			cell, _ := excelize.CoordinatesToCellName(col, row)
			_ = f.SetCellValue(sheetLog, cell, v)
		}
		write(1, rec.Correlation())
		write(2, rec.FileName)
		write(3, rec.DocumentType)
		write(4, rec.MsgIndex)
		write(5, rec.Status.String())
		write(6, stamp(&rec.ReceiptAt))
		write(7, stamp(rec.SendAt))
		write(8, stamp(rec.ResponseAt))
		write(9, day(rec.TimeoutAt))
		write(10, truncate(errorText(rec), 200))
		write(11, truncate(rec.Keywords, 140))

		k := key{docType: rec.DocumentType, status: rec.Status.String()}
		if _, ok := counts[k]; !ok {
			order = append(order, k)
		}
		counts[k]++
	}

	if _, err := f.NewSheet(sheetSummary); err != nil {
		return nil, err
	}
	for i, h := range []string{"Document Type", "Status", "Count"} {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheetSummary, cell, h)
	}
	for i, k := range order {
		row := i + 2
		_ = f.SetCellValue(sheetSummary, fmt.Sprintf("A%d", row), k.docType)
		_ = f.SetCellValue(sheetSummary, fmt.Sprintf("B%d", row), k.status)
		_ = f.SetCellValue(sheetSummary, fmt.Sprintf("C%d", row), counts[k])
	}

	_ = f.SetColWidth(sheetLog, "A", "B", 38)
	_ = f.SetColWidth(sheetLog, "C", "C", 24)
	_ = f.SetColWidth(sheetLog, "F", "I", 20)
	_ = f.SetColWidth(sheetLog, "J", "K", 48)
	_ = f.SetColWidth(sheetSummary, "A", "A", 24)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}
	return buf.Bytes(), nil
}

func stamp(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.UTC().Format("2006-01-02 15:04:05")
}

func day(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.UTC().Format("2006-01-02")
}

func errorText(rec *entity.LogRecord) string {
	var out string
	for _, p := range []*string{rec.ErrSource, rec.ErrCode, rec.ErrDescription} {
		if p == nil || *p == "" {
			continue
		}
		if out != "" {
			out += " "
		}
		out += *p
	}
	return out
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	if n <= 1 {
		return s[:n]
	}
	return s[:n-1] + "…"
}
