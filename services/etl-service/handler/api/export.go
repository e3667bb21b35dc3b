package api

import (
	"fmt"
	"time"

	"github.com/puppyone-ai/puppyone-etl/services/etl-service/models"
	"github.com/xuri/excelize/v2"
)

const (
	xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	exportSheet     = "Tasks"
)

var exportHeaders = []string{
	"Task ID", "Project", "Filename", "Rule", "Status", "Progress",
	"Error Stage", "Error", "Output Key", "Created At", "Updated At",
}

// BuildTaskWorkbook renders tasks as a single-sheet XLSX workbook.
func BuildTaskWorkbook(tasks []*models.ETLTask) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", exportSheet); err != nil {
		return nil, err
	}
	for i, h := range exportHeaders {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		if err := f.SetCellValue(exportSheet, cell, h); err != nil {
			return nil, err
		}
	}

	for i, t := range tasks {
		row := i + 2
		outputKey, _ := t.Result[models.ResultOutputKey].(string)
		values := []interface{}{
			t.ID,
			t.ProjectID,
			t.Filename,
			t.RuleID,
			t.Status,
			t.Progress,
			t.MetaString(models.MetaErrorStage),
			t.ErrorString(),
			outputKey,
			t.CreatedAt.UTC().Format(time.RFC3339),
			t.UpdatedAt.UTC().Format(time.RFC3339),
		}
		for col, v := range values {
			cell, _ := excelize.CoordinatesToCellName(col+1, row)
			if err := f.SetCellValue(exportSheet, cell, v); err != nil {
				return nil, fmt.Errorf("write task %d: %w", t.ID, err)
			}
		}
	}

	_ = f.SetColWidth(exportSheet, "A", "A", 10)
	_ = f.SetColWidth(exportSheet, "B", "D", 24)
	_ = f.SetColWidth(exportSheet, "E", "G", 16)
	_ = f.SetColWidth(exportSheet, "H", "I", 48)
	_ = f.SetColWidth(exportSheet, "J", "K", 22)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}
	return buf.Bytes(), nil
}
