package interpreter

import (
	"context"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/ternarybob/marionet/internal/interfaces"
	"github.com/ternarybob/marionet/internal/models"
)

// scrapeSchema extracts one keyed row of field values from the current page.
// Params: key, fields (field name -> selector, optionally with "::attr(x)").
func (s *Service) scrapeSchema(ctx context.Context, runID string, page interfaces.Page, action models.WorkflowAction, result *interfaces.InterpreterResult) error {
	key := stringParam(action, "key")
	if key == "" {
		key = fmt.Sprintf("schema-%d", len(result.Serializable.ScrapeSchema)+1)
	}
	fields, ok := action.Params["fields"].(map[string]interface{})
	if !ok || len(fields) == 0 {
		return fmt.Errorf("scrapeSchema requires a fields map")
	}

	doc, err := documentFor(ctx, page)
	if err != nil {
		return err
	}

	row := make(map[string]interface{}, len(fields))
	for field, raw := range fields {
		selector, _ := raw.(string)
		if selector == "" {
			continue
		}
		row[field] = extractValue(doc.Selection, selector)
	}

	result.Serializable.ScrapeSchema[key] = append(result.Serializable.ScrapeSchema[key], row)
	s.flushPartial(ctx, runID, result)
	return nil
}

// scrapeList extracts one row per element matched by listSelector.
// Params: key, listSelector, fields, limit.
func (s *Service) scrapeList(ctx context.Context, runID string, page interfaces.Page, action models.WorkflowAction, result *interfaces.InterpreterResult) error {
	key := stringParam(action, "key")
	if key == "" {
		key = fmt.Sprintf("list-%d", len(result.Serializable.ScrapeList)+1)
	}
	listSelector := stringParam(action, "listSelector")
	if listSelector == "" {
		return fmt.Errorf("scrapeList requires a listSelector")
	}
	fields, ok := action.Params["fields"].(map[string]interface{})
	if !ok || len(fields) == 0 {
		return fmt.Errorf("scrapeList requires a fields map")
	}
	limit := 0
	if v, ok := action.Params["limit"].(float64); ok && v > 0 {
		limit = int(v)
	}

	doc, err := documentFor(ctx, page)
	if err != nil {
		return err
	}

	var rows []map[string]interface{}
	doc.Find(listSelector).EachWithBreak(func(i int, sel *goquery.Selection) bool {
		if limit > 0 && i >= limit {
			return false
		}
		row := make(map[string]interface{}, len(fields))
		for field, raw := range fields {
			selector, _ := raw.(string)
			if selector == "" {
				continue
			}
			row[field] = extractValue(sel, selector)
		}
		rows = append(rows, row)
		return true
	})

	result.Serializable.ScrapeList[key] = append(result.Serializable.ScrapeList[key], rows...)
	s.flushPartial(ctx, runID, result)
	return nil
}

func documentFor(ctx context.Context, page interfaces.Page) (*goquery.Document, error) {
	html, err := page.HTML(ctx)
	if err != nil {
		return nil, err
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("failed to parse page HTML: %w", err)
	}
	return doc, nil
}

// extractValue resolves a selector against a scope. The selector may carry an
// attribute suffix, "a.title::attr(href)"; without one the trimmed text is
// returned.
func extractValue(scope *goquery.Selection, selector string) string {
	attr := ""
	if idx := strings.Index(selector, "::attr("); idx >= 0 && strings.HasSuffix(selector, ")") {
		attr = selector[idx+7 : len(selector)-1]
		selector = selector[:idx]
	}

	var sel *goquery.Selection
	if selector == "" {
		sel = scope
	} else {
		sel = scope.Find(selector).First()
	}

	if attr != "" {
		value, _ := sel.Attr(attr)
		return value
	}
	return strings.TrimSpace(sel.Text())
}

// selectorPresent checks for at least one match in a standalone HTML string.
func selectorPresent(html, selector string) (bool, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return false, fmt.Errorf("failed to parse page HTML: %w", err)
	}
	return doc.Find(selector).Length() > 0, nil
}
