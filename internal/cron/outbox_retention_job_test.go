package cron

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/angelmondragon/settlement-ledger/pkg/db/dbtest"
	"github.com/angelmondragon/settlement-ledger/pkg/db/models"
	"github.com/angelmondragon/settlement-ledger/pkg/enums"
	"github.com/angelmondragon/settlement-ledger/pkg/logger"
	"github.com/angelmondragon/settlement-ledger/pkg/outbox"
)

type gormTx struct{ db *gorm.DB }

func (g gormTx) WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return g.db.WithContext(ctx).Transaction(fn)
}

func TestOutboxRetentionJobDeletesOnlyOldPublishedRowsInChunks(t *testing.T) {
	conn := dbtest.Open(t)
	now := time.Date(2026, 9, 30, 12, 0, 0, 0, time.UTC)
	old := now.Add(-40 * 24 * time.Hour)
	recent := now.Add(-time.Hour)

	seed := func(aggregateID string, publishedAt *time.Time) {
		t.Helper()
		row := models.OutboxEvent{
			EventType:     enums.EventHoldReleased,
			AggregateType: enums.AggregateHold,
			AggregateID:   aggregateID,
			Payload:       json.RawMessage(`{}`),
			PublishedAt:   publishedAt,
		}
		if err := conn.Create(&row).Error; err != nil {
			t.Fatalf("seed %s: %v", aggregateID, err)
		}
	}
	for _, id := range []string{"old-1", "old-2", "old-3", "old-4", "old-5"} {
		seed(id, &old)
	}
	seed("recent", &recent)
	seed("never-published", nil)

	job, err := NewOutboxRetentionJob(OutboxRetentionJobParams{
		Logger:     logger.Nop(),
		DB:         gormTx{db: conn},
		Repository: outbox.NewRepository(conn),
		ChunkSize:  2,
	})
	if err != nil {
		t.Fatalf("new job: %v", err)
	}
	job.(*outboxRetentionJob).now = func() time.Time { return now }

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	var remaining []models.OutboxEvent
	if err := conn.Order("aggregate_id").Find(&remaining).Error; err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(remaining) != 2 || remaining[0].AggregateID != "never-published" || remaining[1].AggregateID != "recent" {
		t.Fatalf("unexpected survivors %+v", remaining)
	}
}

type failingRetentionRepo struct{ calls int }

func (f *failingRetentionRepo) DeletePublishedBefore(context.Context, *gorm.DB, time.Time, int) (int64, error) {
	f.calls++
	if f.calls == 1 {
		return 2, nil
	}
	return 0, errors.New("boom")
}

func TestOutboxRetentionJobReportsProgressOnError(t *testing.T) {
	repo := &failingRetentionRepo{}
	job, err := NewOutboxRetentionJob(OutboxRetentionJobParams{
		Logger:     logger.Nop(),
		DB:         txFunc(func(fn func(*gorm.DB) error) error { return fn(nil) }),
		Repository: repo,
		ChunkSize:  2,
	})
	if err != nil {
		t.Fatalf("new job: %v", err)
	}
	err = job.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "after 2 rows") {
		t.Fatalf("expected error reporting progress, got %v", err)
	}
	if repo.calls != 2 {
		t.Fatalf("expected a second chunk attempt, got %d calls", repo.calls)
	}
}

type txFunc func(fn func(*gorm.DB) error) error

func (f txFunc) WithTx(_ context.Context, fn func(*gorm.DB) error) error { return f(fn) }
