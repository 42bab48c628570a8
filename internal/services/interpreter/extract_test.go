package interpreter

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/marionet/internal/common"
	"github.com/ternarybob/marionet/internal/interfaces"
	"github.com/ternarybob/marionet/internal/models"
)

const listHTML = `<html><body>
<h1 id="heading"> Daily News </h1>
<ul class="stories">
  <li class="story"><a class="title" href="/a">Alpha</a><span class="by">ann</span></li>
  <li class="story"><a class="title" href="/b">Beta</a><span class="by">bob</span></li>
  <li class="story"><a class="title" href="/c">Gamma</a><span class="by">cyd</span></li>
</ul>
</body></html>`

// fakePage serves a fixed document; interaction methods are never reached by
// the extraction actions.
type fakePage struct {
	url  string
	html string
}

func (p *fakePage) URL(ctx context.Context) (string, error)          { return p.url, nil }
func (p *fakePage) Navigate(ctx context.Context, url string) error   { p.url = url; return nil }
func (p *fakePage) Click(ctx context.Context, selector string) error { return nil }
func (p *fakePage) Type(ctx context.Context, selector, text string) error {
	return nil
}
func (p *fakePage) WaitVisible(ctx context.Context, selector string, timeout time.Duration) error {
	return nil
}
func (p *fakePage) Screenshot(ctx context.Context) ([]byte, error) { return []byte("png"), nil }
func (p *fakePage) HTML(ctx context.Context) (string, error)       { return p.html, nil }

var _ interfaces.Page = (*fakePage)(nil)

// fakeBrowser hands out one fake page.
type fakeBrowser struct {
	page interfaces.Page
}

func (b *fakeBrowser) ID() string                                              { return "fake" }
func (b *fakeBrowser) CurrentPage(ctx context.Context) (interfaces.Page, error) { return b.page, nil }
func (b *fakeBrowser) CurrentURL(ctx context.Context) (string, error)          { return "", nil }
func (b *fakeBrowser) TabHosts(ctx context.Context) ([]string, error)          { return nil, nil }
func (b *fakeBrowser) SetViewport(ctx context.Context, width, height int) error { return nil }
func (b *fakeBrowser) DispatchInput(ctx context.Context, event interfaces.InputEvent) error {
	return nil
}
func (b *fakeBrowser) StartScreencast(ctx context.Context, cfg interfaces.ScreencastConfig, frames chan interfaces.ScreencastFrame) error {
	return nil
}
func (b *fakeBrowser) StopScreencast(ctx context.Context) error { return nil }
func (b *fakeBrowser) Stop(ctx context.Context) error           { return nil }
func (b *fakeBrowser) Close(ctx context.Context) error          { return nil }

var _ interfaces.BrowserSession = (*fakeBrowser)(nil)

func newTestInterpreter() interfaces.Interpreter {
	return NewService(&common.BrowserConfig{PageTimeout: "5s"}, arbor.NewLogger())
}

func TestExtractValue(t *testing.T) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(listHTML))
	if err != nil {
		t.Fatal(err)
	}

	if got := extractValue(doc.Selection, "#heading"); got != "Daily News" {
		t.Errorf("text = %q, want trimmed %q", got, "Daily News")
	}
	if got := extractValue(doc.Selection, "a.title::attr(href)"); got != "/a" {
		t.Errorf("attr = %q, want %q (first match)", got, "/a")
	}
	if got := extractValue(doc.Selection, ".missing"); got != "" {
		t.Errorf("missing selector = %q, want empty", got)
	}

	// Empty selector resolves against the scope itself
	scope := doc.Find("li.story").First()
	if got := extractValue(scope, "::attr(class)"); got != "story" {
		t.Errorf("scope attr = %q, want %q", got, "story")
	}
}

func TestScrapeListWorkflow(t *testing.T) {
	interp := newTestInterpreter()
	session := &fakeBrowser{page: &fakePage{url: "https://news.example.com", html: listHTML}}

	workflow := []models.WorkflowStep{{
		What: []models.WorkflowAction{{
			Action: "scrapeList",
			Params: map[string]interface{}{
				"key":          "stories",
				"listSelector": "li.story",
				"fields": map[string]interface{}{
					"title":  "a.title",
					"link":   "a.title::attr(href)",
					"author": "span.by",
				},
				"limit": float64(2),
			},
		}},
	}}

	result, err := interp.InterpretRecording(context.Background(), "run-1", workflow, session, nil)
	if err != nil {
		t.Fatalf("interpret: %v", err)
	}

	rows := result.Serializable.ScrapeList["stories"]
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want limit of 2", len(rows))
	}
	if rows[0]["title"] != "Alpha" || rows[0]["link"] != "/a" || rows[0]["author"] != "ann" {
		t.Errorf("first row = %v", rows[0])
	}
	if rows[1]["title"] != "Beta" {
		t.Errorf("second row = %v", rows[1])
	}
}

func TestScrapeSchemaWorkflow(t *testing.T) {
	interp := newTestInterpreter()
	session := &fakeBrowser{page: &fakePage{url: "https://news.example.com", html: listHTML}}

	workflow := []models.WorkflowStep{{
		What: []models.WorkflowAction{{
			Action: "scrapeSchema",
			Params: map[string]interface{}{
				"key": "page",
				"fields": map[string]interface{}{
					"heading":   "#heading",
					"firstLink": "a.title::attr(href)",
				},
			},
		}},
	}}

	result, err := interp.InterpretRecording(context.Background(), "run-1", workflow, session, nil)
	if err != nil {
		t.Fatalf("interpret: %v", err)
	}

	rows := result.Serializable.ScrapeSchema["page"]
	if len(rows) != 1 {
		t.Fatalf("got %d rows, want 1", len(rows))
	}
	if rows[0]["heading"] != "Daily News" || rows[0]["firstLink"] != "/a" {
		t.Errorf("row = %v", rows[0])
	}
}

func TestConditionsGateSteps(t *testing.T) {
	interp := newTestInterpreter()
	session := &fakeBrowser{page: &fakePage{url: "https://news.example.com", html: listHTML}}

	workflow := []models.WorkflowStep{
		{
			// URL mismatch: skipped, not failed
			Where: map[string]interface{}{"url": "https://other.example.com"},
			What: []models.WorkflowAction{{
				Action: "scrapeSchema",
				Params: map[string]interface{}{
					"key":    "skipped",
					"fields": map[string]interface{}{"heading": "#heading"},
				},
			}},
		},
		{
			Where: map[string]interface{}{
				"url":       "https://news.example.com",
				"selectors": []interface{}{"ul.stories"},
			},
			What: []models.WorkflowAction{{
				Action: "scrapeSchema",
				Params: map[string]interface{}{
					"key":    "matched",
					"fields": map[string]interface{}{"heading": "#heading"},
				},
			}},
		},
	}

	result, err := interp.InterpretRecording(context.Background(), "run-1", workflow, session, nil)
	if err != nil {
		t.Fatalf("interpret: %v", err)
	}
	if _, ok := result.Serializable.ScrapeSchema["skipped"]; ok {
		t.Error("step with mismatched url executed")
	}
	if _, ok := result.Serializable.ScrapeSchema["matched"]; !ok {
		t.Error("step with matching conditions skipped")
	}
}

func TestPartialSinkReceivesOutput(t *testing.T) {
	interp := newTestInterpreter()
	session := &fakeBrowser{page: &fakePage{url: "https://news.example.com", html: listHTML}}

	var flushes []int
	interp.RegisterRunSink("run-1", func(ctx context.Context, output models.SerializableOutput) error {
		flushes = append(flushes, output.ItemCount())
		return nil
	})
	defer interp.UnregisterRunSink("run-1")

	workflow := []models.WorkflowStep{{
		What: []models.WorkflowAction{
			{
				Action: "scrapeSchema",
				Params: map[string]interface{}{
					"key":    "a",
					"fields": map[string]interface{}{"heading": "#heading"},
				},
			},
			{
				Action: "scrapeList",
				Params: map[string]interface{}{
					"key":          "b",
					"listSelector": "li.story",
					"fields":       map[string]interface{}{"title": "a.title"},
				},
			},
		},
	}}

	if _, err := interp.InterpretRecording(context.Background(), "run-1", workflow, session, nil); err != nil {
		t.Fatalf("interpret: %v", err)
	}

	// One flush per extraction action, with the cumulative count
	if len(flushes) != 2 || flushes[0] != 1 || flushes[1] != 4 {
		t.Errorf("flushes = %v, want [1 4]", flushes)
	}
}

func TestUnknownActionFails(t *testing.T) {
	interp := newTestInterpreter()
	session := &fakeBrowser{page: &fakePage{html: listHTML}}

	workflow := []models.WorkflowStep{{
		What: []models.WorkflowAction{{Action: "teleport"}},
	}}

	if _, err := interp.InterpretRecording(context.Background(), "run-1", workflow, session, nil); err == nil {
		t.Error("unknown action accepted")
	}
}

func TestScreenshotActionCapturesBinary(t *testing.T) {
	interp := newTestInterpreter()
	session := &fakeBrowser{page: &fakePage{html: listHTML}}

	workflow := []models.WorkflowStep{{
		What: []models.WorkflowAction{{
			Action: "screenshot",
			Params: map[string]interface{}{"key": "landing"},
		}},
	}}

	result, err := interp.InterpretRecording(context.Background(), "run-1", workflow, session, nil)
	if err != nil {
		t.Fatalf("interpret: %v", err)
	}
	if string(result.Binary["landing"]) != "png" {
		t.Errorf("binary output = %v", result.Binary)
	}
}
