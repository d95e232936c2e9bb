package migrate_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"github.com/angelmondragon/settlement-ledger/pkg/migrate"
)

func TestEmbeddedMigrationsAreValid(t *testing.T) {
	if err := migrate.ValidateDir(""); err != nil {
		t.Fatalf("validate embedded migrations: %v", err)
	}
	if err := migrate.ValidateDir("migrations"); err != nil {
		t.Fatalf("validate on-disk migrations: %v", err)
	}
}

func TestValidateRejectsBrokenFiles(t *testing.T) {
	cases := map[string]fstest.MapFS{
		"bad name":   {"create_ledger.sql": {Data: []byte("-- +goose Up\n-- +goose Down\n")}},
		"missing up": {"20260101000000_x.sql": {Data: []byte("-- +goose Down\n")}},
		"unbalanced": {"20260101000000_x.sql": {Data: []byte("-- +goose Up\n-- +goose StatementBegin\n-- +goose Down\n")}},
		"down first": {"20260101000000_x.sql": {Data: []byte("-- +goose Down\n-- +goose Up\n")}},
		"empty":      {},
	}
	for name, fsys := range cases {
		t.Run(name, func(t *testing.T) {
			if err := migrate.Validate(fsys); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestCreateSQLMigrationBumpsPastNewest(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "20300101000000_future.sql"), []byte("-- +goose Up\n-- +goose Down\n"), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}
	path, err := migrate.CreateSQLMigration(dir, "Add Payout Fee!", time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if got := filepath.Base(path); got != "20300101000001_add_payout_fee.sql" {
		t.Fatalf("unexpected file %s", got)
	}
	if err := migrate.ValidateDir(dir); err != nil {
		t.Fatalf("created migration should validate: %v", err)
	}
}

func TestFinanceMigrationsCarryGuards(t *testing.T) {
	checks := map[string][]string{
		"*_create_ledger.sql": {
			"CONSTRAINT ux_ledger_entries_operation_leg UNIQUE (operation_key, leg)",
			"ck_ledger_accounts_seller_non_negative",
			"ledger_entries is append-only",
		},
		"*_create_commission_plans.sql": {
			"ux_commission_plans_single_default",
			"WHERE is_default AND status = 'ACTIVE'",
		},
		"*_create_payouts.sql": {
			"CONSTRAINT ux_provider_payouts_idempotency_key UNIQUE (idempotency_key)",
			"CHECK (net_cents > 0)",
		},
		"*_create_webhooks_and_idempotency.sql": {
			"CONSTRAINT ux_webhook_events_provider_event UNIQUE (provider, provider_event_id)",
		},
		"*_create_audit_alerts_outbox.sql": {
			"ux_integrity_alerts_open",
			"DROP TABLE IF EXISTS outbox_events",
		},
	}

	for pattern, subs := range checks {
		matches, err := filepath.Glob(filepath.Join("migrations", pattern))
		if err != nil {
			t.Fatalf("glob migrations: %v", err)
		}
		if len(matches) != 1 {
			t.Fatalf("expected one migration for %s, got %d", pattern, len(matches))
		}
		data, err := os.ReadFile(matches[0])
		if err != nil {
			t.Fatalf("read migration file: %v", err)
		}
		content := string(data)
		for _, sub := range subs {
			if !strings.Contains(content, sub) {
				t.Errorf("%s missing expected statement %q", matches[0], sub)
			}
		}
	}
}
