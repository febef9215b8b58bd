// Package report renders run results as XLSX workbooks.
package report

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/product-automation/internal/automation"
	"github.com/JakeFAU/product-automation/internal/logging"
)

// Sheet names.
const (
	SummarySheet = "Summary"
	ItemsSheet   = "Items"
)

// Source reads run state. The orchestrator satisfies it.
type Source interface {
	GetRunStatus(ctx context.Context, runID string) (automation.RunReport, error)
	ListItems(ctx context.Context, filter automation.ItemFilter) ([]automation.Item, error)
}

// Service produces XLSX bytes for run exports.
type Service struct {
	source Source
	logger *zap.Logger
}

// NewService builds a Service.
func NewService(source Source, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{source: source, logger: logger}
}

// ExportRunXLSX returns a workbook with a summary sheet and one row per item.
func (s *Service) ExportRunXLSX(ctx context.Context, runID string) ([]byte, error) {
	start := time.Now()
	rep, err := s.source.GetRunStatus(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("load run: %w", err)
	}
	items, err := s.source.ListItems(ctx, automation.ItemFilter{RunID: runID})
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	data, err := Render(rep, items)
	if err != nil {
		return nil, err
	}
	s.logger.Info("run report exported",
		logging.RunID(runID),
		zap.Int("rows", len(items)),
		zap.Int64("elapsed_ms", time.Since(start).Milliseconds()),
	)
	return data, nil
}

// Render builds the workbook for rep and its items.
func Render(rep automation.RunReport, items []automation.Item) ([]byte, error) {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	// The default sheet becomes the summary.
	if err := f.SetSheetName(f.GetSheetName(0), SummarySheet); err != nil {
		return nil, fmt.Errorf("rename sheet: %w", err)
	}
	if _, err := f.NewSheet(ItemsSheet); err != nil {
		return nil, fmt.Errorf("create sheet: %w", err)
	}
	f.SetActiveSheet(0)

	writeSummary(f, rep)
	writeItems(f, items)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}
	return buf.Bytes(), nil
}

func writeSummary(f *excelize.File, rep automation.RunReport) {
	run := rep.Run
	rows := [][2]any{
		{"Run ID", run.ID},
		{"Status", string(run.Status)},
		{"Cancel Requested", run.CancelRequested},
		{"Created", formatTime(&run.CreatedAt)},
		{"Started", formatTime(run.StartedAt)},
		{"Finished", formatTime(run.FinishedAt)},
		{"Items", run.Counts.Total},
		{"Published", rep.Succeeded},
		{"Failed", rep.Failed},
		{"Pending", run.Counts.Pending},
		{"In Progress", run.Counts.InProgress},
	}
	for i, r := range rows {
		setRow(f, SummarySheet, i+1, r[0], r[1])
	}
	_ = f.SetColWidth(SummarySheet, "A", "A", 18)
	_ = f.SetColWidth(SummarySheet, "B", "B", 40)
}

var itemHeaders = []string{
	"Position",
	"Source",
	"State",
	"Title",
	"Product ID",
	"Admin URL",
	"Images",
	"Attempts",
	"Reclaims",
	"Error",
}

func writeItems(f *excelize.File, items []automation.Item) {
	header := make([]any, len(itemHeaders))
	for i, h := range itemHeaders {
		header[i] = h
	}
	setRow(f, ItemsSheet, 1, header...)

	for i, item := range items {
		var (
			product automation.ProductData
			cp      automation.ProductCopy
			images  automation.ImageSet
			pub     automation.Publication
		)
		decode(item, automation.StageScraping, &product)
		decode(item, automation.StageCopywriting, &cp)
		decode(item, automation.StageImageGen, &images)
		decode(item, automation.StagePublishing, &pub)

		title := cp.Title
		if title == "" {
			title = product.Title
		}
		attempts := 0
		for _, rec := range item.Results {
			attempts += rec.Attempts
		}
		setRow(f, ItemsSheet, i+2,
			item.Position,
			item.SourceRef,
			item.State(),
			title,
			pub.ProductID,
			pub.AdminURL,
			len(images.Images),
			attempts,
			item.ReclaimCount,
			truncate(item.Error, 500),
		)
	}

	_ = f.SetColWidth(ItemsSheet, "A", "A", 10)
	_ = f.SetColWidth(ItemsSheet, "B", "B", 60)
	_ = f.SetColWidth(ItemsSheet, "C", "C", 20)
	_ = f.SetColWidth(ItemsSheet, "D", "D", 40)
	_ = f.SetColWidth(ItemsSheet, "E", "E", 16)
	_ = f.SetColWidth(ItemsSheet, "F", "F", 50)
	_ = f.SetColWidth(ItemsSheet, "G", "I", 10)
	_ = f.SetColWidth(ItemsSheet, "J", "J", 80)
	_ = f.SetPanes(ItemsSheet, &excelize.Panes{Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft"})
}

func setRow(f *excelize.File, sheet string, row int, values ...any) {
	cell, _ := excelize.CoordinatesToCellName(1, row)
	_ = f.SetSheetRow(sheet, cell, &values)
}

func decode(item automation.Item, stage automation.Stage, v any) {
	rec, ok := item.Results[stage]
	if !ok || rec.Status != automation.RecordSucceeded || len(rec.Output) == 0 {
		return
	}
	_ = json.Unmarshal(rec.Output, v)
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	n--
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "…"
}
