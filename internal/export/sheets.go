// Package export appends resolved transactions to a guardian-facing
// spreadsheet statement. The export is best effort: a failed append never
// blocks or reverses a lifecycle transition.
package export

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	goption "google.golang.org/api/option"
	gsheet "google.golang.org/api/sheets/v4"

	"allowance/internal/core"
)

// Exporter receives transactions that reached a terminal state.
type Exporter interface {
	AppendStatementRow(ctx context.Context, tx core.Transaction) error
}

// SheetsExporter writes statement rows to a Google Sheets document using
// service account credentials.
type SheetsExporter struct {
	svc           *gsheet.Service
	spreadsheetID string
	sheetName     string
}

var _ Exporter = (*SheetsExporter)(nil)

// NewSheetsExporter builds the exporter from explicit settings. Either
// credentialsJSON or credentialsFile must be provided.
func NewSheetsExporter(ctx context.Context, spreadsheetID, sheetName, credentialsFile, credentialsJSON string) (*SheetsExporter, error) {
	if spreadsheetID == "" {
		return nil, errors.New("missing spreadsheet id")
	}
	if sheetName == "" {
		sheetName = "Statement"
	}

	creds := []byte(credentialsJSON)
	if len(creds) == 0 {
		if credentialsFile == "" {
			return nil, errors.New("missing service account credentials")
		}
		var err error
		creds, err = os.ReadFile(credentialsFile)
		if err != nil {
			return nil, fmt.Errorf("read service account file: %w", err)
		}
	}

	svc, err := gsheet.NewService(ctx,
		goption.WithCredentialsJSON(creds),
		goption.WithScopes(gsheet.SpreadsheetsScope))
	if err != nil {
		return nil, fmt.Errorf("create sheets service: %w", err)
	}

	slog.InfoContext(ctx, "Statement export enabled",
		"spreadsheet_id", spreadsheetID,
		"sheet", sheetName)

	return &SheetsExporter{
		svc:           svc,
		spreadsheetID: spreadsheetID,
		sheetName:     sheetName,
	}, nil
}

func (e *SheetsExporter) AppendStatementRow(ctx context.Context, tx core.Transaction) error {
	valueRange := &gsheet.ValueRange{
		Values: [][]any{statementRow(tx)},
	}

	_, err := e.svc.Spreadsheets.Values.
		Append(e.spreadsheetID, e.sheetName+"!A:I", valueRange).
		ValueInputOption("RAW").
		InsertDataOption("INSERT_ROWS").
		Context(ctx).
		Do()
	if err != nil {
		return fmt.Errorf("append statement row: %w", err)
	}

	slog.InfoContext(ctx, "Statement row exported",
		"transaction_id", tx.ID,
		"status", string(tx.Status))
	return nil
}

// statementRow flattens a record into the sheet's column order: when,
// who, what, how much, and how it ended.
func statementRow(tx core.Transaction) []any {
	resolvedAt := tx.CompletedAt
	if resolvedAt.IsZero() {
		resolvedAt = tx.CancelledAt
	}
	var resolved string
	if !resolvedAt.IsZero() {
		resolved = resolvedAt.Format("2006-01-02 15:04:05")
	}

	return []any{
		tx.CreatedAt.Format("2006-01-02 15:04:05"),
		tx.ID,
		tx.DependentID,
		tx.CounterpartyID,
		tx.Description,
		tx.Amount.String(),
		tx.Category,
		string(tx.Status),
		resolved,
	}
}

// NopExporter is used when the spreadsheet export is not configured.
type NopExporter struct{}

var _ Exporter = NopExporter{}

func (NopExporter) AppendStatementRow(context.Context, core.Transaction) error {
	return nil
}
