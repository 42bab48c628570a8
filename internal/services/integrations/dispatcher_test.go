package integrations

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/marionet/internal/common"
	"github.com/ternarybob/marionet/internal/models"
)

func newTestDispatcher() *Dispatcher {
	return NewDispatcher(&common.IntegrationConfig{
		PollInterval: "50ms",
		TaskBudget:   "5s",
		MaxRetries:   3,
	}, arbor.NewLogger())
}

func testRun() *models.Run {
	return &models.Run{
		RunID:   "run-1",
		RobotID: "r1",
		UserID:  "alice",
		Status:  models.RunStatusSuccess,
		SerializableOutput: models.SerializableOutput{
			ScrapeList: map[string][]map[string]interface{}{
				"items": {
					{"title": "first", "href": "https://example.com/1"},
					{"title": "second", "href": "https://example.com/2"},
				},
			},
		},
		BinaryOutput: map[string]string{},
	}
}

func testRobot(webhookURL string) *models.Robot {
	return &models.Robot{
		RobotID:       "r1",
		UserID:        "alice",
		RecordingMeta: models.RecordingMeta{ID: "meta-1", Name: "news scraper"},
		Integrations:  models.IntegrationSettings{WebhookURL: webhookURL},
	}
}

func TestWebhookPushDeliversRunSummary(t *testing.T) {
	var mu sync.Mutex
	var received map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body), "webhook body should be valid JSON")
		mu.Lock()
		received = body
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	d := newTestDispatcher()
	d.DispatchRun(testRun(), testRobot(server.URL), false)
	require.Equal(t, 1, d.PendingTasks())

	d.ProcessPending(context.Background())
	assert.Equal(t, 0, d.PendingTasks(), "task should be removed after a successful push")

	mu.Lock()
	defer mu.Unlock()
	require.NotNil(t, received, "webhook was never called")
	assert.Equal(t, "run-1", received["runId"])
	assert.Equal(t, "news scraper", received["robotName"])
	assert.EqualValues(t, 2, received["extractedItemsCount"])
}

func TestFailedPushRetriesThenAbandons(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	d := newTestDispatcher()
	d.DispatchRun(testRun(), testRobot(server.URL), false)

	// Each pass retries once; after the cap the task is dropped
	for i := 0; i < 3; i++ {
		d.ProcessPending(context.Background())
	}

	mu.Lock()
	got := calls
	mu.Unlock()
	assert.Equal(t, 3, got, "push should be attempted up to the retry cap")
	assert.Equal(t, 0, d.PendingTasks(), "abandoned task should be dropped")

	// A further pass must not resurrect the task
	d.ProcessPending(context.Background())
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 3, calls, "abandoned task must not be retried")
}

func TestDispatchRunDeduplicates(t *testing.T) {
	d := newTestDispatcher()
	run := testRun()
	robot := testRobot("http://localhost:1/webhook")

	d.DispatchRun(run, robot, false)
	d.DispatchRun(run, robot, false)

	assert.Equal(t, 1, d.PendingTasks(), "dispatching the same run twice should queue one task")
}

func TestDispatchRunSkipsUnconfiguredRobot(t *testing.T) {
	d := newTestDispatcher()
	robot := &models.Robot{RobotID: "r1", UserID: "alice"}

	d.DispatchRun(testRun(), robot, false)
	assert.Equal(t, 0, d.PendingTasks(), "robot without integrations should queue nothing")
}

func TestStartProcessesInBackground(t *testing.T) {
	done := make(chan struct{}, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case done <- struct{}{}:
		default:
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	d := newTestDispatcher()
	d.Start()
	defer d.Stop()

	d.DispatchRun(testRun(), testRobot(server.URL), false)

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("background loop never pushed the task")
	}
}

func TestAdaptersForSelection(t *testing.T) {
	robot := &models.Robot{
		Integrations: models.IntegrationSettings{
			WebhookURL:  "https://example.com/hook",
			RecordStore: &models.RecordStoreIntegration{BaseID: "b", TableName: "t", APIKey: "k"},
			Spreadsheet: &models.SpreadsheetIntegration{SpreadsheetID: "s", SheetName: "Sheet1", AccessToken: "tok"},
		},
	}
	adapters := adaptersFor(robot)
	require.Len(t, adapters, 3)

	// Credentials gate each adapter
	robot.Integrations.RecordStore.APIKey = ""
	robot.Integrations.Spreadsheet.AccessToken = ""
	adapters = adaptersFor(robot)
	require.Len(t, adapters, 1)
	assert.Equal(t, "webhook", adapters[0].Name())
}
