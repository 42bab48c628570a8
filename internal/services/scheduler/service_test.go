package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/marionet/internal/common"
	"github.com/ternarybob/marionet/internal/interfaces"
	"github.com/ternarybob/marionet/internal/models"
)

type memRobots struct {
	mu     sync.Mutex
	robots map[string]*models.Robot
}

func newMemRobots() *memRobots {
	return &memRobots{robots: make(map[string]*models.Robot)}
}

func (m *memRobots) SaveRobot(ctx context.Context, robot *models.Robot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *robot
	m.robots[robot.RobotID] = &clone
	return nil
}

func (m *memRobots) GetRobot(ctx context.Context, robotID string) (*models.Robot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	robot, ok := m.robots[robotID]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	clone := *robot
	return &clone, nil
}

func (m *memRobots) DeleteRobot(ctx context.Context, robotID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.robots, robotID)
	return nil
}

func (m *memRobots) ListRobots(ctx context.Context, userID string) ([]*models.Robot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Robot
	for _, robot := range m.robots {
		if robot.UserID == userID {
			clone := *robot
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (m *memRobots) ListScheduledRobots(ctx context.Context) ([]*models.Robot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Robot
	for _, robot := range m.robots {
		if robot.Schedule != nil && robot.Schedule.CronExpression != "" {
			clone := *robot
			out = append(out, &clone)
		}
	}
	return out, nil
}

// cronQueue records Schedule/CancelSchedule calls.
type cronQueue struct {
	mu        sync.Mutex
	schedules map[string]string // queue -> cron expression
	cancelled []string
	workers   map[string]interfaces.QueueHandler
}

func newCronQueue() *cronQueue {
	return &cronQueue{
		schedules: make(map[string]string),
		workers:   make(map[string]interfaces.QueueHandler),
	}
}

func (q *cronQueue) CreateQueue(name string) error { return nil }

func (q *cronQueue) Send(ctx context.Context, queue string, msg models.QueueMessage) (string, error) {
	return msg.JobID, nil
}

func (q *cronQueue) Work(queue string, handler interfaces.QueueHandler) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.workers[queue]; ok {
		return errors.New("duplicate worker")
	}
	q.workers[queue] = handler
	return nil
}

func (q *cronQueue) HasWorker(queue string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.workers[queue]
	return ok
}

func (q *cronQueue) Schedule(queue, cronExpr, timezone string, msg models.QueueMessage) (string, error) {
	if _, err := time.LoadLocation(timezone); err != nil {
		return "", err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.schedules[queue] = cronExpr
	return "1", nil
}

func (q *cronQueue) CancelSchedule(queue string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.schedules, queue)
	q.cancelled = append(q.cancelled, queue)
	return nil
}

func (q *cronQueue) GetJobByID(ctx context.Context, queue, jobID string) (*models.JobRecord, error) {
	return nil, nil
}

func (q *cronQueue) ListQueues(ctx context.Context) ([]string, error) { return nil, nil }

func (q *cronQueue) cronFor(queue string) (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	expr, ok := q.schedules[queue]
	return expr, ok
}

func newTestService(robots *memRobots, queue *cronQueue, clock common.Clock) *Service {
	handler := func(ctx context.Context, msg *models.QueueMessage) error { return nil }
	return NewService(robots, queue, handler, clock, arbor.NewLogger())
}

func seedRobot(t *testing.T, robots *memRobots, robotID, userID string) {
	t.Helper()
	if err := robots.SaveRobot(context.Background(), &models.Robot{
		RobotID: robotID,
		UserID:  userID,
	}); err != nil {
		t.Fatal(err)
	}
}

func TestScheduleWorkflowBuildsCronAndRegisters(t *testing.T) {
	robots := newMemRobots()
	queue := newCronQueue()
	clock := common.FixedClock{T: time.Date(2025, time.March, 29, 12, 0, 0, 0, time.UTC)}
	svc := newTestService(robots, queue, clock)
	seedRobot(t, robots, "r1", "alice")

	schedule, err := svc.ScheduleWorkflow(context.Background(), "r1", "alice", models.Schedule{
		RunEvery:     1,
		RunEveryUnit: "WEEKS",
		StartFrom:    "MONDAY",
		AtTimeStart:  "09:30",
		Timezone:     "Europe/Prague",
	})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}

	if schedule.CronExpression != "30 9 * * 1" {
		t.Errorf("cron = %q, want %q", schedule.CronExpression, "30 9 * * 1")
	}
	if schedule.ScheduleID == "" {
		t.Error("schedule id not assigned")
	}
	if schedule.NextRunAt == nil || !schedule.NextRunAt.After(clock.Now()) {
		t.Errorf("nextRunAt = %v, want a future instant", schedule.NextRunAt)
	}

	if expr, ok := queue.cronFor("schedule-r1"); !ok || expr != "30 9 * * 1" {
		t.Errorf("registered cron = %q (%v), want 30 9 * * 1", expr, ok)
	}
	if !queue.HasWorker("schedule-r1") {
		t.Error("schedule queue consumer not registered")
	}

	// The schedule is persisted on the robot
	robot, _ := robots.GetRobot(context.Background(), "r1")
	if robot.Schedule == nil || robot.Schedule.CronExpression != "30 9 * * 1" {
		t.Errorf("persisted schedule = %+v", robot.Schedule)
	}
}

func TestScheduleWorkflowAcceptsRawCron(t *testing.T) {
	robots := newMemRobots()
	queue := newCronQueue()
	svc := newTestService(robots, queue, common.SystemClock{})
	seedRobot(t, robots, "r1", "alice")

	schedule, err := svc.ScheduleWorkflow(context.Background(), "r1", "alice", models.Schedule{
		CronExpression: "*/10 * * * *",
		Timezone:       "UTC",
	})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if schedule.CronExpression != "*/10 * * * *" {
		t.Errorf("cron = %q, want the raw expression untouched", schedule.CronExpression)
	}
}

func TestScheduleWorkflowValidation(t *testing.T) {
	robots := newMemRobots()
	queue := newCronQueue()
	svc := newTestService(robots, queue, common.SystemClock{})
	seedRobot(t, robots, "r1", "alice")

	cases := []struct {
		name string
		form models.Schedule
	}{
		{name: "missing timezone", form: models.Schedule{RunEvery: 5, RunEveryUnit: "MINUTES"}},
		{name: "bogus timezone", form: models.Schedule{RunEvery: 5, RunEveryUnit: "MINUTES", Timezone: "Atlantis/Nowhere"}},
		{name: "zero interval", form: models.Schedule{RunEvery: 0, RunEveryUnit: "MINUTES", Timezone: "UTC"}},
		{name: "six field cron", form: models.Schedule{CronExpression: "0 0 12 * * 1", Timezone: "UTC"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := svc.ScheduleWorkflow(context.Background(), "r1", "alice", tc.form); err == nil {
				t.Error("invalid form accepted")
			}
		})
	}

	if _, ok := queue.cronFor("schedule-r1"); ok {
		t.Error("cron entry registered despite rejected forms")
	}
}

func TestScheduleWorkflowForeignRobot(t *testing.T) {
	robots := newMemRobots()
	svc := newTestService(robots, newCronQueue(), common.SystemClock{})
	seedRobot(t, robots, "r1", "bob")

	_, err := svc.ScheduleWorkflow(context.Background(), "r1", "alice", models.Schedule{
		RunEvery: 5, RunEveryUnit: "MINUTES", Timezone: "UTC",
	})
	if !errors.Is(err, interfaces.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestCancelScheduledWorkflow(t *testing.T) {
	robots := newMemRobots()
	queue := newCronQueue()
	svc := newTestService(robots, queue, common.SystemClock{})
	seedRobot(t, robots, "r1", "alice")

	if _, err := svc.ScheduleWorkflow(context.Background(), "r1", "alice", models.Schedule{
		RunEvery: 5, RunEveryUnit: "MINUTES", Timezone: "UTC",
	}); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	if err := svc.CancelScheduledWorkflow(context.Background(), "r1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, ok := queue.cronFor("schedule-r1"); ok {
		t.Error("cron entry survived cancellation")
	}
	robot, _ := robots.GetRobot(context.Background(), "r1")
	if robot.Schedule != nil {
		t.Error("persisted schedule survived cancellation")
	}

	// Cancelling again is a no-op
	if err := svc.CancelScheduledWorkflow(context.Background(), "r1"); err != nil {
		t.Errorf("second cancel: %v", err)
	}
}

func TestStartReregistersPersistedSchedules(t *testing.T) {
	robots := newMemRobots()
	queue := newCronQueue()
	svc := newTestService(robots, queue, common.SystemClock{})

	if err := robots.SaveRobot(context.Background(), &models.Robot{
		RobotID: "r1",
		UserID:  "alice",
		Schedule: &models.Schedule{
			ScheduleID:     "s1",
			CronExpression: "*/5 * * * *",
			Timezone:       "UTC",
		},
	}); err != nil {
		t.Fatal(err)
	}
	seedRobot(t, robots, "r2", "alice") // no schedule

	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	if _, ok := queue.cronFor("schedule-r1"); !ok {
		t.Error("persisted schedule not re-registered")
	}
	if _, ok := queue.cronFor("schedule-r2"); ok {
		t.Error("unscheduled robot registered")
	}
}

func TestGetScheduleRefreshesNextRun(t *testing.T) {
	robots := newMemRobots()
	clock := common.FixedClock{T: time.Date(2025, time.June, 1, 10, 0, 0, 0, time.UTC)}
	svc := newTestService(robots, newCronQueue(), clock)

	stale := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	if err := robots.SaveRobot(context.Background(), &models.Robot{
		RobotID: "r1",
		UserID:  "alice",
		Schedule: &models.Schedule{
			ScheduleID:     "s1",
			CronExpression: "0 12 * * *",
			Timezone:       "UTC",
			NextRunAt:      &stale,
		},
	}); err != nil {
		t.Fatal(err)
	}

	schedule, err := svc.GetSchedule(context.Background(), "r1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	want := time.Date(2025, time.June, 1, 12, 0, 0, 0, time.UTC)
	if schedule.NextRunAt == nil || !schedule.NextRunAt.Equal(want) {
		t.Errorf("nextRunAt = %v, want %v", schedule.NextRunAt, want)
	}

	// Robots without a schedule yield nil, not an error
	seedRobot(t, robots, "r2", "alice")
	none, err := svc.GetSchedule(context.Background(), "r2")
	if err != nil || none != nil {
		t.Errorf("got (%v, %v), want (nil, nil)", none, err)
	}
}
