package portal

import (
	"context"
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"
)

const incidentSheet = "Incidents"

var incidentHeader = []any{"ID", "Reported At", "License Key", "Event", "Reason", "Device ID", "Hostname", "IP Address"}

func incidentRow(i *SecurityIncident) []any {
	return []any{
		i.ID,
		i.ReportedAt.UTC().Format("2006-01-02 15:04:05"),
		i.LicenseKey,
		string(i.EventType),
		i.Reason,
		i.DeviceID,
		i.Hostname,
		i.IPAddress,
	}
}

// ExportIncidents writes the incident log as an XLSX workbook to w
func (s *AdminService) ExportIncidents(ctx context.Context, licenseKey string, w io.Writer) error {
	incidents, err := s.ListIncidents(ctx, licenseKey, 0)
	if err != nil {
		return err
	}

	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName(f.GetSheetName(0), incidentSheet); err != nil {
		return fmt.Errorf("rename sheet: %w", err)
	}
	if err := f.SetSheetRow(incidentSheet, "A1", &incidentHeader); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err == nil {
		_ = f.SetRowStyle(incidentSheet, 1, 1, bold)
	}
	for i := range incidents {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		row := incidentRow(&incidents[i])
		if err := f.SetSheetRow(incidentSheet, cell, &row); err != nil {
			return fmt.Errorf("write row %d: %w", i+2, err)
		}
	}
	if err := f.SetPanes(incidentSheet, &excelize.Panes{Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft"}); err != nil {
		return fmt.Errorf("freeze header: %w", err)
	}
	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}
