package ledger

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// PostgresStore persists the ledger in PostgreSQL.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// StoreOption configures PostgresStore.
type StoreOption func(*PostgresStore) error

// WithSchema sets the DB schema used by the store (default: "luckypool").
func WithSchema(schema string) StoreOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return ErrInvalidInput
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a PostgresStore. The pool is owned by the caller.
func NewPostgresStore(pool *pgxpool.Pool, opts ...StoreOption) (*PostgresStore, error) {
	st := &PostgresStore{pool: pool, schema: "luckypool"}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, ErrInvalidInput
	}
	return st, nil
}

const (
	invoiceCols     = `id, user_id, tier, cycle, amount, status, pay_url, created_at, resolved_at`
	poolCols        = `tier, amount, cycle, is_open, cycle_start, cycle_end`
	participantCols = `user_id, tier, cycle, invoice_id, admitted_at`
	settlementCols  = `tier, cycle, COALESCE(winner_id, 0), pool_amount, prize, participants, COALESCE(spend_id, ''),
	                   status, attempts, last_error, created_at, updated_at`
)

func (s *PostgresStore) EnsureUser(ctx context.Context, userID int64, now time.Time) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if userID == 0 {
		return ErrInvalidInput
	}
	users := pgIdent(s.schema, "users")
	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+users+` (id, created_at, updated_at) VALUES ($1, $2, $2)
		 ON CONFLICT (id) DO NOTHING`,
		userID, now.UTC(),
	)
	return opErr("ensure_user", err)
}

func (s *PostgresStore) SetWalletAddress(ctx context.Context, userID int64, address string, now time.Time) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	address = strings.TrimSpace(address)
	if userID == 0 || address == "" {
		return ErrInvalidInput
	}
	users := pgIdent(s.schema, "users")
	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+users+` (id, wallet_address, created_at, updated_at) VALUES ($1, $2, $3, $3)
		 ON CONFLICT (id) DO UPDATE SET wallet_address = EXCLUDED.wallet_address, updated_at = EXCLUDED.updated_at`,
		userID, address, now.UTC(),
	)
	return opErr("set_wallet_address", err)
}

func (s *PostgresStore) GetWalletAddress(ctx context.Context, userID int64) (string, error) {
	if err := s.ready(ctx); err != nil {
		return "", err
	}
	users := pgIdent(s.schema, "users")
	var addr *string
	err := s.pool.QueryRow(ctx, `SELECT wallet_address FROM `+users+` WHERE id = $1`, userID).Scan(&addr)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", opErr("get_wallet_address", err)
	}
	if addr == nil || strings.TrimSpace(*addr) == "" {
		return "", ErrNoWallet
	}
	return *addr, nil
}

func (s *PostgresStore) ListUsers(ctx context.Context) ([]int64, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	users := pgIdent(s.schema, "users")
	rows, err := s.pool.Query(ctx, `SELECT id FROM `+users+` ORDER BY id`)
	if err != nil {
		return nil, opErr("list_users", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, opErr("list_users", err)
	}
	return ids, nil
}

func (s *PostgresStore) EnsurePool(ctx context.Context, tier string) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if strings.TrimSpace(tier) == "" {
		return ErrInvalidInput
	}
	pools := pgIdent(s.schema, "pools")
	_, err := s.pool.Exec(ctx, `INSERT INTO `+pools+` (tier) VALUES ($1) ON CONFLICT (tier) DO NOTHING`, tier)
	return opErr("ensure_pool", err)
}

func (s *PostgresStore) GetPool(ctx context.Context, tier string) (Pool, error) {
	if err := s.ready(ctx); err != nil {
		return Pool{}, err
	}
	pools := pgIdent(s.schema, "pools")
	p, err := scanPool(s.pool.QueryRow(ctx, `SELECT `+poolCols+` FROM `+pools+` WHERE tier = $1`, tier))
	if err != nil {
		return Pool{}, notFoundOr("get_pool", err)
	}
	return p, nil
}

func (s *PostgresStore) GetPoolAmount(ctx context.Context, tier string) (decimal.Decimal, error) {
	p, err := s.GetPool(ctx, tier)
	if err != nil {
		return decimal.Zero, err
	}
	return p.Amount, nil
}

func (s *PostgresStore) OpenPool(ctx context.Context, tier string, start, end time.Time) (Pool, error) {
	if err := s.ready(ctx); err != nil {
		return Pool{}, err
	}
	if !end.After(start) {
		return Pool{}, ErrInvalidInput
	}
	pools := pgIdent(s.schema, "pools")
	p, err := scanPool(s.pool.QueryRow(ctx,
		`UPDATE `+pools+`
		    SET is_open = true, cycle_start = $2, cycle_end = $3
		  WHERE tier = $1 AND NOT is_open
		RETURNING `+poolCols,
		tier, start.UTC(), end.UTC(),
	))
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Pool{}, opErr("open_pool", err)
	}
	if _, getErr := s.GetPool(ctx, tier); getErr != nil {
		return Pool{}, getErr
	}
	return Pool{}, ErrPoolOpen
}

func (s *PostgresStore) ClosePool(ctx context.Context, tier string) (Pool, error) {
	if err := s.ready(ctx); err != nil {
		return Pool{}, err
	}
	pools := pgIdent(s.schema, "pools")
	p, err := scanPool(s.pool.QueryRow(ctx,
		`UPDATE `+pools+` SET is_open = false WHERE tier = $1 RETURNING `+poolCols, tier))
	if err != nil {
		return Pool{}, notFoundOr("close_pool", err)
	}
	return p, nil
}

func (s *PostgresStore) ResetPool(ctx context.Context, tier string, nextCycle int64) (Pool, error) {
	if err := s.ready(ctx); err != nil {
		return Pool{}, err
	}
	pools := pgIdent(s.schema, "pools")

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Pool{}, opErr("reset_pool", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var cycle int64
	if err := tx.QueryRow(ctx, `SELECT cycle FROM `+pools+` WHERE tier = $1 FOR UPDATE`, tier).Scan(&cycle); err != nil {
		return Pool{}, notFoundOr("reset_pool", err)
	}
	if nextCycle != cycle+1 {
		return Pool{}, ErrStaleCycle
	}
	p, err := scanPool(tx.QueryRow(ctx,
		`UPDATE `+pools+`
		    SET amount = 0, cycle = $2, is_open = false, cycle_start = NULL, cycle_end = NULL
		  WHERE tier = $1
		RETURNING `+poolCols,
		tier, nextCycle,
	))
	if err != nil {
		return Pool{}, opErr("reset_pool", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return Pool{}, opErr("reset_pool", err)
	}
	return p, nil
}

func (s *PostgresStore) CreateInvoice(ctx context.Context, inv Invoice) (Invoice, error) {
	if err := s.ready(ctx); err != nil {
		return Invoice{}, err
	}
	if err := validateNewInvoice(inv); err != nil {
		return Invoice{}, err
	}
	invoices := pgIdent(s.schema, "invoices")
	out, err := scanInvoice(s.pool.QueryRow(ctx,
		`INSERT INTO `+invoices+` (id, user_id, tier, cycle, amount, status, pay_url, created_at)
		 VALUES ($1, $2, $3, $4, $5, 'pending', $6, $7)
		 RETURNING `+invoiceCols,
		inv.ID, inv.UserID, inv.Tier, inv.Cycle, toNumeric(inv.Amount), inv.PayURL, inv.CreatedAt.UTC(),
	))
	if err != nil {
		switch pgCode(err) {
		case "23505":
			return Invoice{}, ErrDuplicateInvoice
		case "23503":
			return Invoice{}, ErrNotFound
		}
		return Invoice{}, opErr("create_invoice", err)
	}
	return out, nil
}

func (s *PostgresStore) GetInvoice(ctx context.Context, invoiceID string) (Invoice, error) {
	if err := s.ready(ctx); err != nil {
		return Invoice{}, err
	}
	invoices := pgIdent(s.schema, "invoices")
	inv, err := scanInvoice(s.pool.QueryRow(ctx, `SELECT `+invoiceCols+` FROM `+invoices+` WHERE id = $1`, invoiceID))
	if err != nil {
		return Invoice{}, notFoundOr("get_invoice", err)
	}
	return inv, nil
}

func (s *PostgresStore) PendingInvoice(ctx context.Context, userID int64, tier string, cycle int64) (Invoice, error) {
	if err := s.ready(ctx); err != nil {
		return Invoice{}, err
	}
	invoices := pgIdent(s.schema, "invoices")
	inv, err := scanInvoice(s.pool.QueryRow(ctx,
		`SELECT `+invoiceCols+` FROM `+invoices+`
		  WHERE user_id = $1 AND tier = $2 AND cycle = $3 AND status = 'pending'`,
		userID, tier, cycle,
	))
	if err != nil {
		return Invoice{}, notFoundOr("pending_invoice", err)
	}
	return inv, nil
}

func (s *PostgresStore) MarkInvoice(ctx context.Context, invoiceID string, status InvoiceStatus, now time.Time) (Invoice, bool, error) {
	if err := s.ready(ctx); err != nil {
		return Invoice{}, false, err
	}
	if !status.valid() {
		return Invoice{}, false, ErrInvalidTransition
	}
	invoices := pgIdent(s.schema, "invoices")

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Invoice{}, false, opErr("mark_invoice", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	inv, err := scanInvoice(tx.QueryRow(ctx, `SELECT `+invoiceCols+` FROM `+invoices+` WHERE id = $1 FOR UPDATE`, invoiceID))
	if err != nil {
		return Invoice{}, false, notFoundOr("mark_invoice", err)
	}
	changed, err := canTransition(inv.Status, status)
	if err != nil || !changed {
		return inv, false, err
	}
	inv, err = scanInvoice(tx.QueryRow(ctx,
		`UPDATE `+invoices+` SET status = $2, resolved_at = $3 WHERE id = $1 RETURNING `+invoiceCols,
		invoiceID, string(status), now.UTC(),
	))
	if err != nil {
		return Invoice{}, false, opErr("mark_invoice", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return Invoice{}, false, opErr("mark_invoice", err)
	}
	return inv, true, nil
}

func (s *PostgresStore) ListPendingInvoices(ctx context.Context) ([]Invoice, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	invoices := pgIdent(s.schema, "invoices")
	return s.queryInvoices(ctx, "list_pending_invoices",
		`SELECT `+invoiceCols+` FROM `+invoices+` WHERE status = 'pending' ORDER BY created_at, id`)
}

func (s *PostgresStore) ListUnadmittedPaid(ctx context.Context) ([]Invoice, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	invoices := pgIdent(s.schema, "invoices")
	pools := pgIdent(s.schema, "pools")
	participants := pgIdent(s.schema, "pool_participants")
	return s.queryInvoices(ctx, "list_unadmitted_paid",
		`SELECT `+prefixCols("i", invoiceCols)+`
		   FROM `+invoices+` i
		   JOIN `+pools+` p ON p.tier = i.tier AND p.cycle = i.cycle
		  WHERE i.status = 'paid'
		    AND NOT EXISTS (SELECT 1 FROM `+participants+` pp WHERE pp.invoice_id = i.id)
		  ORDER BY i.created_at, i.id`)
}

func (s *PostgresStore) AdmitParticipant(ctx context.Context, in AdmitInput) (Participant, error) {
	if err := s.ready(ctx); err != nil {
		return Participant{}, err
	}
	if err := validateAdmit(in); err != nil {
		return Participant{}, err
	}
	pools := pgIdent(s.schema, "pools")
	participants := pgIdent(s.schema, "pool_participants")

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Participant{}, opErr("admit_participant", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var (
		cycle  int64
		isOpen bool
	)
	if err := tx.QueryRow(ctx,
		`SELECT cycle, is_open FROM `+pools+` WHERE tier = $1 FOR UPDATE`, in.Tier,
	).Scan(&cycle, &isOpen); err != nil {
		return Participant{}, notFoundOr("admit_participant", err)
	}
	if !isOpen || cycle != in.Cycle {
		return Participant{}, ErrPoolClosed
	}

	tag, err := tx.Exec(ctx,
		`INSERT INTO `+participants+` (user_id, tier, cycle, invoice_id, admitted_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT DO NOTHING`,
		in.UserID, in.Tier, in.Cycle, in.InvoiceID, in.Now.UTC(),
	)
	if err != nil {
		if pgCode(err) == "23503" {
			return Participant{}, ErrNotFound
		}
		return Participant{}, opErr("admit_participant", err)
	}
	if tag.RowsAffected() == 0 {
		return Participant{}, ErrAlreadyMember
	}
	if _, err := tx.Exec(ctx,
		`UPDATE `+pools+` SET amount = amount + $2 WHERE tier = $1`,
		in.Tier, toNumeric(in.Fee),
	); err != nil {
		return Participant{}, opErr("admit_participant", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return Participant{}, opErr("admit_participant", err)
	}
	return Participant{
		UserID:     in.UserID,
		Tier:       in.Tier,
		Cycle:      in.Cycle,
		InvoiceID:  in.InvoiceID,
		AdmittedAt: in.Now.UTC(),
	}, nil
}

func (s *PostgresStore) ListParticipants(ctx context.Context, tier string, cycle int64) ([]Participant, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	participants := pgIdent(s.schema, "pool_participants")
	return s.queryParticipants(ctx, "list_participants",
		`SELECT `+participantCols+` FROM `+participants+`
		  WHERE tier = $1 AND cycle = $2
		  ORDER BY admitted_at, user_id`,
		tier, cycle,
	)
}

func (s *PostgresStore) ListMemberships(ctx context.Context, userID int64) ([]Participant, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	participants := pgIdent(s.schema, "pool_participants")
	pools := pgIdent(s.schema, "pools")
	return s.queryParticipants(ctx, "list_memberships",
		`SELECT `+prefixCols("pp", participantCols)+`
		   FROM `+participants+` pp
		   JOIN `+pools+` p ON p.tier = pp.tier AND p.cycle = pp.cycle
		  WHERE pp.user_id = $1
		  ORDER BY pp.admitted_at, pp.tier`,
		userID,
	)
}

func (s *PostgresStore) CreateSettlement(ctx context.Context, in Settlement) (Settlement, bool, error) {
	if err := s.ready(ctx); err != nil {
		return Settlement{}, false, err
	}
	if err := validateSettlement(in); err != nil {
		return Settlement{}, false, err
	}
	settlements := pgIdent(s.schema, "settlements")
	out, err := scanSettlement(s.pool.QueryRow(ctx,
		`INSERT INTO `+settlements+` (
		     tier, cycle, winner_id, pool_amount, prize, participants, spend_id, status, attempts, last_error, created_at, updated_at
		   ) VALUES ($1, $2, NULLIF($3::bigint, 0), $4, $5, $6, NULLIF($7, ''), $8, 0, '', $9, $9)
		 ON CONFLICT (tier, cycle) DO NOTHING
		 RETURNING `+settlementCols,
		in.Tier, in.Cycle, in.WinnerID, toNumeric(in.PoolAmount), toNumeric(in.Prize),
		in.Participants, in.SpendID, string(in.Status), in.CreatedAt.UTC(),
	))
	if err == nil {
		return out, true, nil
	}
	if pgCode(err) == "23505" {
		return Settlement{}, false, ErrInvalidInput
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Settlement{}, false, opErr("create_settlement", err)
	}
	existing, err := s.GetSettlement(ctx, in.Tier, in.Cycle)
	if err != nil {
		return Settlement{}, false, err
	}
	return existing, false, nil
}

func (s *PostgresStore) GetSettlement(ctx context.Context, tier string, cycle int64) (Settlement, error) {
	if err := s.ready(ctx); err != nil {
		return Settlement{}, err
	}
	settlements := pgIdent(s.schema, "settlements")
	st, err := scanSettlement(s.pool.QueryRow(ctx,
		`SELECT `+settlementCols+` FROM `+settlements+` WHERE tier = $1 AND cycle = $2`, tier, cycle))
	if err != nil {
		return Settlement{}, notFoundOr("get_settlement", err)
	}
	return st, nil
}

func (s *PostgresStore) RecordAttempt(ctx context.Context, tier string, cycle int64, status SettlementStatus, lastErr string, now time.Time) (Settlement, error) {
	if err := s.ready(ctx); err != nil {
		return Settlement{}, err
	}
	if !retryableStatus(status) {
		return Settlement{}, ErrInvalidInput
	}
	settlements := pgIdent(s.schema, "settlements")
	st, err := scanSettlement(s.pool.QueryRow(ctx,
		`UPDATE `+settlements+`
		    SET status = $3, attempts = attempts + 1, last_error = $4, updated_at = $5
		  WHERE tier = $1 AND cycle = $2 AND status NOT IN ('paid', 'no_winner')
		RETURNING `+settlementCols,
		tier, cycle, string(status), lastErr, now.UTC(),
	))
	if err == nil {
		return st, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Settlement{}, opErr("record_attempt", err)
	}
	existing, getErr := s.GetSettlement(ctx, tier, cycle)
	if getErr != nil {
		return Settlement{}, getErr
	}
	return existing, ErrInvalidTransition
}

func (s *PostgresStore) CompleteSettlement(ctx context.Context, t Transfer, now time.Time) (Settlement, bool, error) {
	if err := s.ready(ctx); err != nil {
		return Settlement{}, false, err
	}
	if err := validateTransfer(t); err != nil {
		return Settlement{}, false, err
	}
	settlements := pgIdent(s.schema, "settlements")
	transfers := pgIdent(s.schema, "transfers")

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Settlement{}, false, opErr("complete_settlement", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	st, err := scanSettlement(tx.QueryRow(ctx,
		`SELECT `+settlementCols+` FROM `+settlements+` WHERE tier = $1 AND cycle = $2 FOR UPDATE`,
		t.Tier, t.Cycle,
	))
	if err != nil {
		return Settlement{}, false, notFoundOr("complete_settlement", err)
	}
	if st.SpendID != t.SpendID || st.WinnerID != t.UserID {
		return Settlement{}, false, ErrInvalidInput
	}
	switch st.Status {
	case SettlementPaid:
		if t.GatewayTransferID == "" {
			return st, false, nil
		}
		// A duplicate submission may have recorded the transfer without the gateway id.
		if _, err := tx.Exec(ctx,
			`UPDATE `+transfers+` SET gateway_transfer_id = $2 WHERE spend_id = $1 AND gateway_transfer_id = ''`,
			t.SpendID, t.GatewayTransferID,
		); err != nil {
			return Settlement{}, false, opErr("complete_settlement", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return Settlement{}, false, opErr("complete_settlement", err)
		}
		return st, false, nil
	case SettlementNoWinner:
		return Settlement{}, false, ErrInvalidTransition
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+transfers+` (id, user_id, tier, cycle, amount, asset, status, spend_id, gateway_transfer_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (spend_id) DO NOTHING`,
		t.ID, t.UserID, t.Tier, t.Cycle, toNumeric(t.Amount), t.Asset, t.Status, t.SpendID, t.GatewayTransferID, t.CreatedAt.UTC(),
	); err != nil {
		return Settlement{}, false, opErr("complete_settlement", err)
	}
	st, err = scanSettlement(tx.QueryRow(ctx,
		`UPDATE `+settlements+`
		    SET status = 'paid', attempts = attempts + 1, last_error = '', updated_at = $3
		  WHERE tier = $1 AND cycle = $2
		RETURNING `+settlementCols,
		t.Tier, t.Cycle, now.UTC(),
	))
	if err != nil {
		return Settlement{}, false, opErr("complete_settlement", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return Settlement{}, false, opErr("complete_settlement", err)
	}
	return st, true, nil
}

func (s *PostgresStore) ListSettlements(ctx context.Context, statuses ...SettlementStatus) ([]Settlement, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	settlements := pgIdent(s.schema, "settlements")
	return s.querySettlements(ctx, "list_settlements",
		`SELECT `+settlementCols+` FROM `+settlements+`
		  WHERE ($1::text[] IS NULL OR status = ANY($1))
		  ORDER BY created_at, tier, cycle`,
		statusArgs(statuses),
	)
}

func (s *PostgresStore) ListSettlementsForWinner(ctx context.Context, userID int64, statuses ...SettlementStatus) ([]Settlement, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	settlements := pgIdent(s.schema, "settlements")
	return s.querySettlements(ctx, "list_settlements_for_winner",
		`SELECT `+settlementCols+` FROM `+settlements+`
		  WHERE winner_id = $1 AND ($2::text[] IS NULL OR status = ANY($2))
		  ORDER BY created_at, tier, cycle`,
		userID, statusArgs(statuses),
	)
}

// Close is a no-op; the pool belongs to the caller.
func (s *PostgresStore) Close() error { return nil }

func (s *PostgresStore) ready(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return ErrInvalidInput
	}
	return ctx.Err()
}

func (s *PostgresStore) queryInvoices(ctx context.Context, op, sql string, args ...any) ([]Invoice, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, opErr(op, err)
	}
	defer rows.Close()
	var out []Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, opErr(op, err)
		}
		out = append(out, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, opErr(op, err)
	}
	return out, nil
}

func (s *PostgresStore) queryParticipants(ctx context.Context, op, sql string, args ...any) ([]Participant, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, opErr(op, err)
	}
	defer rows.Close()
	var out []Participant
	for rows.Next() {
		var p Participant
		if err := rows.Scan(&p.UserID, &p.Tier, &p.Cycle, &p.InvoiceID, &p.AdmittedAt); err != nil {
			return nil, opErr(op, err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, opErr(op, err)
	}
	return out, nil
}

func (s *PostgresStore) querySettlements(ctx context.Context, op, sql string, args ...any) ([]Settlement, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, opErr(op, err)
	}
	defer rows.Close()
	var out []Settlement
	for rows.Next() {
		st, err := scanSettlement(rows)
		if err != nil {
			return nil, opErr(op, err)
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, opErr(op, err)
	}
	return out, nil
}

func scanPool(row pgx.Row) (Pool, error) {
	var (
		p      Pool
		amount pgtype.Numeric
	)
	if err := row.Scan(&p.Tier, &amount, &p.Cycle, &p.Open, &p.CycleStart, &p.CycleEnd); err != nil {
		return Pool{}, err
	}
	p.Amount = fromNumeric(amount)
	return p, nil
}

func scanInvoice(row pgx.Row) (Invoice, error) {
	var (
		inv    Invoice
		amount pgtype.Numeric
		status string
	)
	if err := row.Scan(&inv.ID, &inv.UserID, &inv.Tier, &inv.Cycle, &amount, &status, &inv.PayURL, &inv.CreatedAt, &inv.ResolvedAt); err != nil {
		return Invoice{}, err
	}
	inv.Amount = fromNumeric(amount)
	inv.Status = InvoiceStatus(status)
	return inv, nil
}

func scanSettlement(row pgx.Row) (Settlement, error) {
	var (
		st         Settlement
		poolAmount pgtype.Numeric
		prize      pgtype.Numeric
		status     string
	)
	if err := row.Scan(
		&st.Tier,
		&st.Cycle,
		&st.WinnerID,
		&poolAmount,
		&prize,
		&st.Participants,
		&st.SpendID,
		&status,
		&st.Attempts,
		&st.LastError,
		&st.CreatedAt,
		&st.UpdatedAt,
	); err != nil {
		return Settlement{}, err
	}
	st.PoolAmount = fromNumeric(poolAmount)
	st.Prize = fromNumeric(prize)
	st.Status = SettlementStatus(status)
	return st, nil
}

func toNumeric(d decimal.Decimal) pgtype.Numeric {
	return pgtype.Numeric{Int: d.Coefficient(), Exp: d.Exponent(), Valid: true}
}

func fromNumeric(n pgtype.Numeric) decimal.Decimal {
	if !n.Valid || n.Int == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(n.Int, n.Exp)
}

func statusArgs(statuses []SettlementStatus) []string {
	if len(statuses) == 0 {
		return nil
	}
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

func prefixCols(alias, cols string) string {
	parts := strings.Split(cols, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

func notFoundOr(op string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return opErr(op, err)
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

func pgIdent(schema, table string) string {
	return pgx.Identifier{schema, table}.Sanitize()
}
