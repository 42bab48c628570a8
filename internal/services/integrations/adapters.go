package integrations

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/ternarybob/marionet/internal/models"
)

var httpClient = &http.Client{Timeout: 30 * time.Second}

// postJSON sends a JSON body and treats any non-2xx response as an error.
func postJSON(ctx context.Context, url string, headers map[string]string, body interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(snippet))
	}
	return nil
}

// outputRows flattens both extraction maps into a single row list for
// tabular targets.
func outputRows(run *models.Run) []map[string]interface{} {
	var rows []map[string]interface{}
	for _, keyed := range run.SerializableOutput.ScrapeSchema {
		rows = append(rows, keyed...)
	}
	for _, keyed := range run.SerializableOutput.ScrapeList {
		rows = append(rows, keyed...)
	}
	return rows
}

// webhookAdapter POSTs the run summary to a user-supplied URL.
type webhookAdapter struct {
	url string
}

func newWebhookAdapter(url string) *webhookAdapter {
	return &webhookAdapter{url: url}
}

func (a *webhookAdapter) Name() string { return "webhook" }

func (a *webhookAdapter) Push(ctx context.Context, run *models.Run, robot *models.Robot) error {
	payload := map[string]interface{}{
		"runId":                  run.RunID,
		"robotId":                run.RobotID,
		"robotName":              robot.RecordingMeta.Name,
		"status":                 run.Status,
		"startedAt":              run.StartedAt,
		"finishedAt":             run.FinishedAt,
		"extractedItemsCount":    run.SerializableOutput.ItemCount(),
		"partial_data_extracted": run.Status != models.RunStatusSuccess && run.HasPartialData(),
		"serializableOutput":     run.SerializableOutput,
		"binaryOutput":           run.BinaryOutput,
	}
	return postJSON(ctx, a.url, nil, payload)
}

// recordStoreAdapter appends extracted rows to an external record store
// table using its REST API.
type recordStoreAdapter struct {
	cfg *models.RecordStoreIntegration
}

func newRecordStoreAdapter(cfg *models.RecordStoreIntegration) *recordStoreAdapter {
	return &recordStoreAdapter{cfg: cfg}
}

func (a *recordStoreAdapter) Name() string { return "record-store" }

func (a *recordStoreAdapter) Push(ctx context.Context, run *models.Run, robot *models.Robot) error {
	rows := outputRows(run)
	if len(rows) == 0 {
		return nil
	}

	url := fmt.Sprintf("https://api.airtable.com/v0/%s/%s", a.cfg.BaseID, a.cfg.TableName)
	headers := map[string]string{"Authorization": "Bearer " + a.cfg.APIKey}

	// The API caps batch size at 10 records per request
	for start := 0; start < len(rows); start += 10 {
		end := start + 10
		if end > len(rows) {
			end = len(rows)
		}
		records := make([]map[string]interface{}, 0, end-start)
		for _, row := range rows[start:end] {
			records = append(records, map[string]interface{}{"fields": row})
		}
		if err := postJSON(ctx, url, headers, map[string]interface{}{"records": records}); err != nil {
			return fmt.Errorf("record store batch %d failed: %w", start/10+1, err)
		}
	}
	return nil
}

// spreadsheetAdapter appends extracted rows to a spreadsheet via its values
// API.
type spreadsheetAdapter struct {
	cfg *models.SpreadsheetIntegration
}

func newSpreadsheetAdapter(cfg *models.SpreadsheetIntegration) *spreadsheetAdapter {
	return &spreadsheetAdapter{cfg: cfg}
}

func (a *spreadsheetAdapter) Name() string { return "spreadsheet" }

func (a *spreadsheetAdapter) Push(ctx context.Context, run *models.Run, robot *models.Robot) error {
	rows := outputRows(run)
	if len(rows) == 0 {
		return nil
	}

	// Stable column order derived from the first row's field names
	var columns []string
	for column := range rows[0] {
		columns = append(columns, column)
	}
	sort.Strings(columns)

	values := make([][]interface{}, 0, len(rows))
	for _, row := range rows {
		record := make([]interface{}, len(columns))
		for i, column := range columns {
			record[i] = row[column]
		}
		values = append(values, record)
	}

	url := fmt.Sprintf(
		"https://sheets.googleapis.com/v4/spreadsheets/%s/values/%s:append?valueInputOption=RAW",
		a.cfg.SpreadsheetID, a.cfg.SheetName,
	)
	headers := map[string]string{"Authorization": "Bearer " + a.cfg.AccessToken}
	return postJSON(ctx, url, headers, map[string]interface{}{"values": values})
}
