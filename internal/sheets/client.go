// Package sheets writes projected tables into a Google spreadsheet.
package sheets

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"

	"pos-report-service/internal/config"
)

type Client struct {
	srv           *sheets.Service
	spreadsheetID string
	log           *zap.Logger
}

func NewClient(ctx context.Context, cfg config.SheetsConfig, log *zap.Logger) (*Client, error) {
	b, err := os.ReadFile(cfg.CredentialsFile)
	if err != nil {
		return nil, fmt.Errorf("unable to read service account file: %w", err)
	}
	jwtConfig, err := google.JWTConfigFromJSON(b, sheets.SpreadsheetsScope)
	if err != nil {
		return nil, fmt.Errorf("unable to parse service account file: %w", err)
	}
	srv, err := sheets.NewService(ctx, option.WithHTTPClient(jwtConfig.Client(ctx)))
	if err != nil {
		return nil, fmt.Errorf("unable to create Sheets service: %w", err)
	}
	return NewClientWithService(srv, cfg.SpreadsheetID, log), nil
}

func NewClientWithService(srv *sheets.Service, spreadsheetID string, log *zap.Logger) *Client {
	return &Client{srv: srv, spreadsheetID: spreadsheetID, log: log}
}

// ClearRange empties columns A to Z of sheet.
func (c *Client) ClearRange(ctx context.Context, sheet string) error {
	_, err := c.srv.Spreadsheets.Values.
		Clear(c.spreadsheetID, sheet+"!A:Z", &sheets.ClearValuesRequest{}).
		Context(ctx).
		Do()
	if err != nil {
		return fmt.Errorf("unable to clear sheet %s: %w", sheet, err)
	}
	return nil
}

// WriteRows writes rows starting at A1, letting Sheets interpret values as
// if typed by a user.
func (c *Client) WriteRows(ctx context.Context, sheet string, rows [][]any) error {
	if len(rows) == 0 {
		return nil
	}
	_, err := c.srv.Spreadsheets.Values.
		Update(c.spreadsheetID, sheet+"!A1", &sheets.ValueRange{Values: rows}).
		ValueInputOption("USER_ENTERED").
		Context(ctx).
		Do()
	if err != nil {
		return fmt.Errorf("unable to write sheet %s: %w", sheet, err)
	}
	c.log.Debug("Wrote sheet", zap.String("sheet", sheet), zap.Int("rows", len(rows)))
	return nil
}
