package portal

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"

	"amposlicense/internal/config"
)

// SheetsMirror appends every incident to a Google Sheets range
type SheetsMirror struct {
	values        *sheets.SpreadsheetsValuesService
	spreadsheetID string
	writeRange    string
	timeout       time.Duration
	logger        *slog.Logger
}

// NewSheetsMirror returns nil when the mirror is disabled
func NewSheetsMirror(ctx context.Context, cfg config.SheetsConfig, logger *slog.Logger, opts ...option.ClientOption) (*SheetsMirror, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	opts = append(opts, option.WithScopes(sheets.SpreadsheetsScope))
	srv, err := sheets.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create sheets service: %w", err)
	}
	return &SheetsMirror{
		values:        srv.Spreadsheets.Values,
		spreadsheetID: cfg.SpreadsheetID,
		writeRange:    cfg.Range,
		timeout:       10 * time.Second,
		logger:        logger.With(slog.String("component", "sheets_mirror")),
	}, nil
}

// AppendIncident implements IncidentMirror
func (m *SheetsMirror) AppendIncident(ctx context.Context, incident *SecurityIncident, suspended bool) error {
	if m == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	row := append(incidentRow(incident), suspended)
	vr := &sheets.ValueRange{Values: [][]any{row}}
	_, err := m.values.Append(m.spreadsheetID, m.writeRange, vr).
		ValueInputOption("RAW").
		InsertDataOption("INSERT_ROWS").
		Context(ctx).
		Do()
	if err != nil {
		return fmt.Errorf("append incident %d: %w", incident.ID, err)
	}
	m.logger.DebugContext(ctx, "incident mirrored", slog.Uint64("incident_id", uint64(incident.ID)))
	return nil
}
