package reports

import (
	"context"
	"fmt"
	"net/http"

	"github.com/haulflow/dispatch_backend/models"
	"github.com/xuri/excelize/v2"
)

// ExportQueueFailureReport writes an xlsx of terminal-failed queue items for
// manual triage.
func ExportQueueFailureReport(ctx context.Context, w http.ResponseWriter, limit int) error {
	items, err := models.ListFailedQueueItems(ctx, limit)
	if err != nil {
		return err
	}

	f := excelize.NewFile()
	defer f.Close()
	sheet := "Failures"
	if _, err := f.NewSheet(sheet); err != nil {
		return err
	}
	f.DeleteSheet("Sheet1")

	f.SetCellValue(sheet, "A1", "QueueItemId")
	f.SetCellValue(sheet, "B1", "TenantId")
	f.SetCellValue(sheet, "C1", "SourceMessageId")
	f.SetCellValue(sheet, "D1", "Attempts")
	f.SetCellValue(sheet, "E1", "QueuedAt")
	f.SetCellValue(sheet, "F1", "ProcessedAt")
	f.SetCellValue(sheet, "G1", "LastError")
	f.SetCellValue(sheet, "H1", "CorrelationId")

	for i, item := range items {
		row := i + 2
		f.SetCellValue(sheet, "A"+fmt.Sprint(row), item.ID)
		f.SetCellValue(sheet, "B"+fmt.Sprint(row), item.TenantId)
		f.SetCellValue(sheet, "C"+fmt.Sprint(row), item.SourceMessageId)
		f.SetCellValue(sheet, "D"+fmt.Sprint(row), item.Attempts)
		f.SetCellValue(sheet, "E"+fmt.Sprint(row), item.QueuedAt.Format("2006-01-02 15:04:05"))
		if item.ProcessedAt != nil {
			f.SetCellValue(sheet, "F"+fmt.Sprint(row), item.ProcessedAt.Format("2006-01-02 15:04:05"))
		}
		if item.LastError != nil {
			f.SetCellValue(sheet, "G"+fmt.Sprint(row), *item.LastError)
		}
		f.SetCellValue(sheet, "H"+fmt.Sprint(row), item.CorrelationId)
	}

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", "attachment; filename=queue-failures.xlsx")
	return f.Write(w)
}
