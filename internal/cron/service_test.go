package cron

import (
	"context"
	"errors"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/angelmondragon/settlement-ledger/pkg/logger"
)

type fakeLock struct {
	acquired bool
	denied   bool
	lostAt   int
	extends  int
}

func (f *fakeLock) Acquire(context.Context) (bool, error) {
	if f.acquired || f.denied {
		return false, nil
	}
	f.acquired = true
	return true, nil
}

func (f *fakeLock) Extend(context.Context) error {
	f.extends++
	if f.lostAt > 0 && f.extends >= f.lostAt {
		return ErrLeaseLost
	}
	return nil
}

func (f *fakeLock) Release(context.Context) error { f.acquired = false; return nil }

type testJob struct {
	name string
	err  error
	runs int
}

func (t *testJob) Name() string { return t.name }

func (t *testJob) Run(context.Context) error {
	t.runs++
	return t.err
}

func TestServiceRunCycleRunsAllJobsEvenOnFailure(t *testing.T) {
	logg := logger.New(logger.Options{ServiceName: "cron-test"})
	success := &testJob{name: "success"}
	failure := &testJob{name: "fail", err: errors.New("boom")}
	lock := &fakeLock{}
	service, err := NewService(ServiceParams{
		Logger:   logg,
		Registry: NewRegistry(success, failure),
		Lock:     lock,
	})
	if err != nil {
		t.Fatalf("construct service: %v", err)
	}
	if err := service.runCycle(context.Background()); err != nil {
		t.Fatalf("run cycle: %v", err)
	}
	if success.runs != 1 || failure.runs != 1 {
		t.Fatalf("expected each job to run once, got %d and %d", success.runs, failure.runs)
	}
	if lock.acquired {
		t.Fatalf("lock not released")
	}
}

func TestServiceSkipsCycleWithoutLock(t *testing.T) {
	job := &testJob{name: "job"}
	service, err := NewService(ServiceParams{
		Logger:   logger.New(logger.Options{ServiceName: "cron-test"}),
		Registry: NewRegistry(job),
		Lock:     &fakeLock{denied: true},
	})
	if err != nil {
		t.Fatalf("construct service: %v", err)
	}
	if err := service.runCycle(context.Background()); err != nil {
		t.Fatalf("run cycle: %v", err)
	}
	if job.runs != 0 {
		t.Fatalf("job ran without the lock")
	}
}

func TestServiceRunsPeriodicJobOnlyWhenDue(t *testing.T) {
	daily := &testJob{name: "daily"}
	registry := NewRegistry()
	registry.Register(daily, 24*time.Hour)
	service, err := NewService(ServiceParams{
		Logger:   logger.New(logger.Options{ServiceName: "cron-test"}),
		Registry: registry,
		Lock:     &fakeLock{},
	})
	if err != nil {
		t.Fatalf("construct service: %v", err)
	}
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	service.now = func() time.Time { return now }
	for i := 0; i < 3; i++ {
		if err := service.runCycle(context.Background()); err != nil {
			t.Fatalf("run cycle: %v", err)
		}
		now = now.Add(5 * time.Minute)
	}
	if daily.runs != 1 {
		t.Fatalf("expected daily job once, ran %d", daily.runs)
	}
}

type fakeLocker struct {
	holder string
}

func (f *fakeLocker) AcquireLock(_ context.Context, _ string, token string, _ time.Duration) (bool, error) {
	if f.holder != "" {
		return false, nil
	}
	f.holder = token
	return true, nil
}

func (f *fakeLocker) ExtendLock(_ context.Context, _ string, token string, _ time.Duration) (bool, error) {
	return f.holder == token, nil
}

func (f *fakeLocker) ReleaseLock(_ context.Context, _ string, token string) error {
	if f.holder == token {
		f.holder = ""
	}
	return nil
}

func TestRedisLockIsExclusive(t *testing.T) {
	locker := &fakeLocker{}
	a, err := NewRedisLock(locker, "settlement-cron", time.Minute)
	if err != nil {
		t.Fatalf("new lock: %v", err)
	}
	b, _ := NewRedisLock(locker, "settlement-cron", time.Minute)
	ctx := context.Background()

	if ok, err := a.Acquire(ctx); err != nil || !ok {
		t.Fatalf("first acquire: %v %v", ok, err)
	}
	if ok, _ := b.Acquire(ctx); ok {
		t.Fatalf("second instance acquired a held lock")
	}
	if err := b.Release(ctx); err != nil {
		t.Fatalf("release by non-owner: %v", err)
	}
	if locker.holder == "" {
		t.Fatalf("non-owner released the lock")
	}
	if err := a.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if ok, _ := b.Acquire(ctx); !ok {
		t.Fatalf("lock not free after release")
	}
}

type mapStore map[string]string

func (m mapStore) Get(_ context.Context, key string) (string, error) {
	v, ok := m[key]
	if !ok {
		return "", goredis.Nil
	}
	return v, nil
}

func (m mapStore) Set(_ context.Context, key string, value any, _ time.Duration) error {
	m[key] = value.(string)
	return nil
}

func TestRedisSweepMarkerRoundTrip(t *testing.T) {
	store := mapStore{}
	marker, err := NewRedisSweepMarker(store, "stl:lock:reconcile-full:test")
	if err != nil {
		t.Fatalf("new marker: %v", err)
	}
	ctx := context.Background()

	last, err := marker.LastSweep(ctx)
	if err != nil || !last.IsZero() {
		t.Fatalf("expected zero time before any sweep, got %v %v", last, err)
	}
	at := time.Date(2026, 3, 1, 3, 4, 0, 0, time.UTC)
	if err := marker.MarkSweep(ctx, at); err != nil {
		t.Fatalf("mark: %v", err)
	}
	again, _ := NewRedisSweepMarker(store, "stl:lock:reconcile-full:test")
	last, err = again.LastSweep(ctx)
	if err != nil || !last.Equal(at) {
		t.Fatalf("expected %v, got %v %v", at, last, err)
	}

	store["stl:lock:reconcile-full:test"] = "garbage"
	if _, err := again.LastSweep(ctx); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestRedisLockExtendDetectsTakeover(t *testing.T) {
	locker := &fakeLocker{}
	lock, _ := NewRedisLock(locker, "settlement-cron", time.Minute)
	ctx := context.Background()

	if err := lock.Extend(ctx); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("extend without acquire should report lost lease, got %v", err)
	}
	if ok, _ := lock.Acquire(ctx); !ok {
		t.Fatalf("acquire failed")
	}
	if err := lock.Extend(ctx); err != nil {
		t.Fatalf("owner extend: %v", err)
	}
	locker.holder = "someone-else"
	if err := lock.Extend(ctx); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("expected lost lease after takeover, got %v", err)
	}
	if err := lock.Release(ctx); err != nil {
		t.Fatalf("release after loss: %v", err)
	}
	if locker.holder != "someone-else" {
		t.Fatalf("release must not touch the new holder's lease")
	}
}

func TestServiceStopsCycleWhenLeaseLost(t *testing.T) {
	first := &testJob{name: "first"}
	second := &testJob{name: "second"}
	svc, err := NewService(ServiceParams{
		Logger:   logger.Nop(),
		Registry: NewRegistry(first, second),
		Lock:     &fakeLock{lostAt: 1},
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	if err := svc.runCycle(context.Background()); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("expected lost lease error, got %v", err)
	}
	if first.runs != 1 || second.runs != 0 {
		t.Fatalf("expected only the first job to run, got first=%d second=%d", first.runs, second.runs)
	}
}
