package interfaces

import (
	"bytes"
	"fmt"
	"time"

	"github.com/jung-kurt/gofpdf"

	reconcile "parkfleet-cloud/internal/reconcile/domain"
)

// BuildReportPDF renders a minimal PDF for a sweep report.
func BuildReportPDF(report *reconcile.Report) ([]byte, error) {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetFont("Arial", "", 12)
	pdf.AddPage()

	pdf.Cell(0, 8, "Reconciliation Sweep Report")
	pdf.Ln(10)
	pdf.SetFont("Arial", "", 10)
	pdf.Cell(0, 6, fmt.Sprintf("Report: %s", report.ID))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Tenant: %s", report.TenantID))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Started: %s", report.StartedAt.Format(time.RFC3339)))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Finished: %s", report.FinishedAt.Format(time.RFC3339)))
	pdf.Ln(8)

	pdf.Cell(0, 6, fmt.Sprintf("Spaces Checked: %d", report.SpacesChecked))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("In Sync: %d", report.InSync))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Corrective Resends: %d", report.Corrective))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Liveness Polls: %d", report.Polls))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Errors: %d", report.Errors))
	pdf.Ln(8)

	// Findings table
	pdf.SetFont("Arial", "B", 10)
	pdf.CellFormat(35, 6, "Space", "1", 0, "C", false, 0, "")
	pdf.CellFormat(45, 6, "Destination", "1", 0, "C", false, 0, "")
	pdf.CellFormat(30, 6, "Desired", "1", 0, "C", false, 0, "")
	pdf.CellFormat(25, 6, "Action", "1", 0, "C", false, 0, "")
	pdf.CellFormat(55, 6, "Detail", "1", 0, "C", false, 0, "")
	pdf.Ln(-1)
	pdf.SetFont("Arial", "", 9)
	for _, finding := range report.Findings {
		pdf.CellFormat(35, 6, finding.SpaceID, "1", 0, "L", false, 0, "")
		pdf.CellFormat(45, 6, finding.Destination, "1", 0, "L", false, 0, "")
		pdf.CellFormat(30, 6, finding.DesiredState, "1", 0, "C", false, 0, "")
		pdf.CellFormat(25, 6, finding.Action, "1", 0, "C", false, 0, "")
		pdf.CellFormat(55, 6, finding.Detail, "1", 0, "L", false, 0, "")
		pdf.Ln(-1)
	}

	var buf bytes.Buffer
	err := pdf.Output(&buf)
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
