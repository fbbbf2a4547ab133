package interfaces

import (
	"bytes"
	"encoding/csv"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/xuri/excelize/v2"

	downlink "parkfleet-cloud/internal/downlink/domain"
)

// BuildDeadLetterXLSX renders the dead-letter list as an XLSX workbook.
func BuildDeadLetterXLSX(letters []downlink.DeadLetter) ([]byte, error) {
	f := excelize.NewFile()
	sheet := "dead_letters"
	f.SetSheetName("Sheet1", sheet)

	headers := deadLetterHeaders()
	for i, header := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheet, cell, header)
	}
	for i, letter := range letters {
		row := deadLetterRow(letter)
		for j, value := range row {
			cell, _ := excelize.CoordinatesToCellName(j+1, i+2)
			_ = f.SetCellValue(sheet, cell, value)
		}
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BuildDeadLetterCSV renders the dead-letter list as CSV.
func BuildDeadLetterCSV(letters []downlink.DeadLetter) ([]byte, error) {
	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)
	if err := writer.Write(deadLetterHeaders()); err != nil {
		return nil, err
	}
	for _, letter := range letters {
		if err := writer.Write(deadLetterRow(letter)); err != nil {
			return nil, err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func deadLetterHeaders() []string {
	return []string{
		"id", "command_id", "tenant_id", "space_id", "destination",
		"device_type", "channel", "payload_hex", "desired_state",
		"trigger", "attempts", "reason", "created_at",
	}
}

func deadLetterRow(letter downlink.DeadLetter) []string {
	return []string{
		letter.ID,
		letter.CommandID,
		letter.TenantID,
		letter.SpaceID,
		letter.Destination,
		letter.DeviceType,
		strconv.Itoa(letter.Channel),
		hex.EncodeToString(letter.Payload),
		letter.DesiredState,
		letter.Trigger,
		fmt.Sprintf("%d", letter.Attempt),
		letter.Reason,
		letter.CreatedAt.Format(time.RFC3339),
	}
}
