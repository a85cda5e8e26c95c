package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"chargewatch/backend/services/watch-service/internal/models"
	"chargewatch/backend/services/watch-service/internal/push"
	"chargewatch/backend/services/watch-service/internal/repository/memory"
)

const testStation = "147988"

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type sentPush struct {
	sub models.Subscription
	msg push.Message
}

type fakeSender struct {
	mu     sync.Mutex
	sent   []sentPush
	errors map[string]error
}

func (f *fakeSender) Send(_ context.Context, sub models.Subscription, msg push.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentPush{sub: sub, msg: msg})
	return f.errors[sub.Endpoint]
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type recordingEnqueuer struct {
	mu   sync.Mutex
	jobs []models.DispatchJob
	err  error
}

func (r *recordingEnqueuer) Enqueue(_ context.Context, job models.DispatchJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.jobs = append(r.jobs, job)
	return nil
}

type recordingPublisher struct {
	snaps []*models.StationSnapshot
}

func (r *recordingPublisher) Publish(snap *models.StationSnapshot) {
	r.snaps = append(r.snaps, snap)
}

type testEnv struct {
	clock      *testClock
	store      *memory.Store
	sender     *fakeSender
	outbox     *recordingEnqueuer
	publisher  *recordingPublisher
	ingest     *IngestService
	registry   *Registry
	dispatcher *Dispatcher
	engine     *PollingEngine
}

type envOption func(*envConfig)

type envConfig struct {
	registry   RegistryConfig
	dispatcher DispatcherConfig
	engine     EngineConfig
}

func withWatchPolicy(p WatchPolicy) envOption {
	return func(c *envConfig) { c.registry.Policy = p }
}

func withFailurePolicy(p FailurePolicy, maxAttempts int) envOption {
	return func(c *envConfig) {
		c.dispatcher.FailurePolicy = p
		c.dispatcher.MaxDeliveryAttempts = maxAttempts
	}
}

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()
	cfg := envConfig{
		dispatcher: DispatcherConfig{BaseURL: "https://chargewatch.example"},
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	logger := zap.NewNop()
	env := &testEnv{
		clock:     newTestClock(),
		store:     memory.NewStore(),
		sender:    &fakeSender{errors: map[string]error{}},
		outbox:    &recordingEnqueuer{},
		publisher: &recordingPublisher{},
	}
	env.ingest = NewIngestService(env.store, env.store, env.outbox, env.publisher, 0, nil, logger)
	env.registry = NewRegistry(env.store, env.store, cfg.registry, logger)
	env.dispatcher = NewDispatcher(env.registry, env.store, env.sender, cfg.dispatcher, nil, logger)
	env.engine = NewPollingEngine(env.store, env.store, env.registry, env.dispatcher, cfg.engine, nil, logger)

	env.ingest.now = env.clock.Now
	env.registry.now = env.clock.Now
	env.dispatcher.now = env.clock.Now
	env.engine.now = env.clock.Now
	return env
}

func (e *testEnv) subscribe(t *testing.T, stationID string, port int, endpoint string) *SubscribeResult {
	t.Helper()
	res, err := e.registry.Subscribe(context.Background(), SubscribeRequest{
		StationID: stationID,
		Port:      port,
		Endpoint:  endpoint,
		Keys:      models.PushKeys{P256dh: "p256dh-key", Auth: "auth-key"},
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	return res
}

func (e *testEnv) putSnapshot(t *testing.T, stationID string, statuses ...models.PortStatus) {
	t.Helper()
	ports := make([]models.Port, 0, len(statuses))
	for i, status := range statuses {
		ports = append(ports, models.Port{Number: i + 1, Status: status})
	}
	snap := &models.StationSnapshot{
		StationID:  stationID,
		CuprID:     1,
		Source:     "test",
		Ports:      ports,
		ObservedAt: e.clock.Now(),
	}
	snap.PayloadHash = HashPortData(models.PortData{Ports: ports})
	if _, err := e.store.StoreSnapshot(context.Background(), snap, e.clock.Now()); err != nil {
		t.Fatalf("store snapshot: %v", err)
	}
}

func (e *testEnv) putSubscription(id, endpoint string, port int, lastNotified *time.Time) {
	e.store.PutSubscription(models.Subscription{
		ID:             id,
		StationID:      testStation,
		PortNumber:     port,
		Endpoint:       endpoint,
		Keys:           models.PushKeys{P256dh: "k", Auth: "a"},
		TargetStatus:   models.PortAvailable,
		Active:         true,
		LastNotifiedAt: lastNotified,
		CreatedAt:      e.clock.Now(),
	})
}

func timePtr(t time.Time) *time.Time { return &t }

func floatPtr(v float64) *float64 { return &v }
