package ledger

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// SchemaSQL returns the DDL for every ledger table inside schema.
func SchemaSQL(schema string) string {
	users := pgIdent(schema, "users")
	pools := pgIdent(schema, "pools")
	invoices := pgIdent(schema, "invoices")
	participants := pgIdent(schema, "pool_participants")
	settlements := pgIdent(schema, "settlements")
	transfers := pgIdent(schema, "transfers")

	return fmt.Sprintf(`
CREATE SCHEMA IF NOT EXISTS %[7]s;

CREATE TABLE IF NOT EXISTS %[1]s (
  id BIGINT PRIMARY KEY,
  wallet_address TEXT NULL,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS %[2]s (
  tier TEXT PRIMARY KEY,
  amount NUMERIC(20,8) NOT NULL DEFAULT 0,
  cycle BIGINT NOT NULL DEFAULT 1,
  is_open BOOLEAN NOT NULL DEFAULT false,
  cycle_start TIMESTAMPTZ NULL,
  cycle_end TIMESTAMPTZ NULL,
  CONSTRAINT chk_pools_amount CHECK (amount >= 0),
  CONSTRAINT chk_pools_cycle CHECK (cycle >= 1)
);

CREATE TABLE IF NOT EXISTS %[3]s (
  id TEXT PRIMARY KEY,
  user_id BIGINT NOT NULL REFERENCES %[1]s(id),
  tier TEXT NOT NULL REFERENCES %[2]s(tier),
  cycle BIGINT NOT NULL,
  amount NUMERIC(20,8) NOT NULL,
  status TEXT NOT NULL DEFAULT 'pending',
  pay_url TEXT NOT NULL DEFAULT '',
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  resolved_at TIMESTAMPTZ NULL,
  CONSTRAINT chk_invoices_status CHECK (status IN ('pending', 'paid', 'expired'))
);

CREATE UNIQUE INDEX IF NOT EXISTS uq_invoices_pending
  ON %[3]s (user_id, tier, cycle) WHERE status = 'pending';
CREATE INDEX IF NOT EXISTS ix_invoices_status ON %[3]s (status);

CREATE TABLE IF NOT EXISTS %[4]s (
  user_id BIGINT NOT NULL REFERENCES %[1]s(id),
  tier TEXT NOT NULL REFERENCES %[2]s(tier),
  cycle BIGINT NOT NULL,
  invoice_id TEXT NOT NULL REFERENCES %[3]s(id),
  admitted_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  PRIMARY KEY (user_id, tier, cycle)
);

CREATE UNIQUE INDEX IF NOT EXISTS uq_pool_participants_invoice ON %[4]s (invoice_id);
CREATE INDEX IF NOT EXISTS ix_pool_participants_cycle ON %[4]s (tier, cycle);

CREATE TABLE IF NOT EXISTS %[5]s (
  tier TEXT NOT NULL REFERENCES %[2]s(tier),
  cycle BIGINT NOT NULL,
  winner_id BIGINT NULL,
  pool_amount NUMERIC(20,8) NOT NULL,
  prize NUMERIC(20,8) NOT NULL,
  participants INT NOT NULL,
  spend_id TEXT NULL,
  status TEXT NOT NULL,
  attempts INT NOT NULL DEFAULT 0,
  last_error TEXT NOT NULL DEFAULT '',
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  PRIMARY KEY (tier, cycle),
  CONSTRAINT chk_settlements_status CHECK (status IN ('no_winner', 'pending', 'awaiting_wallet', 'failed', 'paid'))
);

CREATE UNIQUE INDEX IF NOT EXISTS uq_settlements_spend_id ON %[5]s (spend_id);
CREATE INDEX IF NOT EXISTS ix_settlements_winner ON %[5]s (winner_id, status);

CREATE TABLE IF NOT EXISTS %[6]s (
  id TEXT PRIMARY KEY,
  user_id BIGINT NOT NULL REFERENCES %[1]s(id),
  tier TEXT NOT NULL,
  cycle BIGINT NOT NULL,
  amount NUMERIC(20,8) NOT NULL,
  asset TEXT NOT NULL,
  status TEXT NOT NULL,
  spend_id TEXT NOT NULL,
  gateway_transfer_id TEXT NOT NULL DEFAULT '',
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  CONSTRAINT chk_transfers_id_ulid_len CHECK (char_length(id) = 26)
);

CREATE UNIQUE INDEX IF NOT EXISTS uq_transfers_spend_id ON %[6]s (spend_id);
`, users, pools, invoices, participants, settlements, transfers, pgx.Identifier{schema}.Sanitize())
}

// Migrate applies SchemaSQL. Safe to run repeatedly.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return ErrInvalidInput
	}
	if _, err := s.pool.Exec(ctx, SchemaSQL(s.schema)); err != nil {
		return opErr("migrate", err)
	}
	return nil
}
