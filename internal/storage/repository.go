package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"praondefoi/internal/core"
)

// Connection pragmas applied to the repository pool.
const dsnPragmas = "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate"

const templateColumns = `id, account_id, class, flow, amount, currency, category_id, description,
	interval_quantity, interval_unit, anchor_date, day_of_month, next_due, active, version,
	created_at, updated_at`

const entryColumns = `id, account_id, amount, flow, currency, category_id, occurred_on,
	description, idempotency_key, created_at`

const budgetColumns = `id, account_id, category_id, month, year, limit_amount`

type SQLiteRepository struct {
	db  *sql.DB
	now func() time.Time
}

var _ Store = (*SQLiteRepository)(nil)

func NewSQLiteRepository(dbPath string) (*SQLiteRepository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	if err := RunMigrations(dbPath); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	db, err := sql.Open("sqlite", dsn(dbPath))
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// SQLite allows a single writer; one connection keeps transactions from
	// queueing behind each other's locks.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &SQLiteRepository{db: db, now: time.Now}, nil
}

func dsn(dbPath string) string {
	sep := "?"
	if strings.Contains(dbPath, "?") {
		sep = "&"
	}
	return dbPath + sep + dsnPragmas
}

func (r *SQLiteRepository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// Accounts

func (r *SQLiteRepository) Exists(ctx context.Context, accountID int64) (bool, error) {
	var one int
	err := r.db.QueryRowContext(ctx, `SELECT 1 FROM accounts WHERE id = ?`, accountID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, wrapErr("check account", err)
	}
	return true, nil
}

func (r *SQLiteRepository) GetAccount(ctx context.Context, accountID int64) (core.Account, error) {
	var (
		a                  core.Account
		balance, createdAt string
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT id, name, initial_balance, created_at FROM accounts WHERE id = ?`, accountID).
		Scan(&a.ID, &a.Name, &balance, &createdAt)
	if err != nil {
		return core.Account{}, wrapErr(fmt.Sprintf("get account %d", accountID), err)
	}
	if a.InitialBalance, err = decimal.NewFromString(balance); err != nil {
		return core.Account{}, fmt.Errorf("decode account %d balance: %w", accountID, err)
	}
	a.CreatedAt = parseTimestamp(createdAt)
	return a, nil
}

func (r *SQLiteRepository) CreateAccount(ctx context.Context, a core.Account) (core.Account, error) {
	a.CreatedAt = r.now().UTC()
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO accounts (name, initial_balance, created_at) VALUES (?, ?, ?)`,
		a.Name, a.InitialBalance.String(), formatTimestamp(a.CreatedAt))
	if err != nil {
		return core.Account{}, wrapErr("create account", err)
	}
	if a.ID, err = res.LastInsertId(); err != nil {
		return core.Account{}, wrapErr("create account", err)
	}
	slog.InfoContext(ctx, "Account created", "account_id", a.ID, "name", a.Name)
	return a, nil
}

// Entries

func (r *SQLiteRepository) QueryByAccountAndMonth(ctx context.Context, accountID int64, month, year int) ([]core.Entry, error) {
	start := core.NewDate(year, month, 1)
	end := start.AddDate(0, 1, -1)
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries
		 WHERE account_id = ? AND occurred_on >= ? AND occurred_on <= ?
		 ORDER BY occurred_on, id`,
		accountID, formatDate(start), formatDate(end))
	if err != nil {
		return nil, wrapErr("query entries by month", err)
	}
	return collectEntries(rows)
}

func (r *SQLiteRepository) QueryByAccount(ctx context.Context, accountID int64) ([]core.Entry, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries WHERE account_id = ? ORDER BY occurred_on, id`,
		accountID)
	if err != nil {
		return nil, wrapErr("query entries by account", err)
	}
	return collectEntries(rows)
}

func (r *SQLiteRepository) Insert(ctx context.Context, e core.Entry) (core.Entry, error) {
	e.CreatedAt = r.now().UTC()
	res, err := r.db.ExecContext(ctx, insertEntrySQL, entryArgs(e)...)
	if err != nil {
		return core.Entry{}, wrapErr("insert entry", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return core.Entry{}, wrapErr("insert entry", err)
	}
	if n == 0 {
		return core.Entry{}, fmt.Errorf("insert entry %q: %w", e.IdempotencyKey, ErrAlreadyMaterialized)
	}
	if e.ID, err = res.LastInsertId(); err != nil {
		return core.Entry{}, wrapErr("insert entry", err)
	}
	return e, nil
}

func (r *SQLiteRepository) GetEntry(ctx context.Context, id int64) (core.Entry, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM ledger_entries WHERE id = ?`, id)
	e, err := scanEntry(row)
	if err != nil {
		return core.Entry{}, wrapErr(fmt.Sprintf("get entry %d", id), err)
	}
	return e, nil
}

func (r *SQLiteRepository) DeleteEntry(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM ledger_entries WHERE id = ?`, id)
	if err != nil {
		return wrapErr(fmt.Sprintf("delete entry %d", id), err)
	}
	return requireAffected(res, fmt.Sprintf("delete entry %d", id))
}

const insertEntrySQL = `INSERT INTO ledger_entries
	(account_id, amount, flow, currency, category_id, occurred_on, description, idempotency_key, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT DO NOTHING`

func entryArgs(e core.Entry) []any {
	var key any
	if e.IdempotencyKey != "" {
		key = e.IdempotencyKey
	}
	return []any{
		e.AccountID, e.Amount.String(), string(e.Flow), e.Currency, e.CategoryID,
		formatDate(e.OccurredOn), e.Description, key, formatTimestamp(e.CreatedAt),
	}
}

// Templates

func (r *SQLiteRepository) QueryActiveDue(ctx context.Context, now time.Time) ([]core.RecurringTemplate, error) {
	today := formatDate(now)
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+templateColumns+` FROM recurring_templates
		 WHERE active = 1
		   AND ((next_due IS NOT NULL AND next_due <= ?) OR (next_due IS NULL AND anchor_date <= ?))
		 ORDER BY id`,
		today, today)
	if err != nil {
		return nil, wrapErr("query due templates", err)
	}
	return collectTemplates(rows)
}

func (r *SQLiteRepository) QueryActiveByAccount(ctx context.Context, accountID int64) ([]core.RecurringTemplate, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+templateColumns+` FROM recurring_templates
		 WHERE active = 1 AND account_id = ? ORDER BY id`, accountID)
	if err != nil {
		return nil, wrapErr("query account templates", err)
	}
	return collectTemplates(rows)
}

func (r *SQLiteRepository) GetTemplate(ctx context.Context, id int64) (core.RecurringTemplate, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+templateColumns+` FROM recurring_templates WHERE id = ?`, id)
	t, err := scanTemplate(row)
	if err != nil {
		return core.RecurringTemplate{}, wrapErr(fmt.Sprintf("get template %d", id), err)
	}
	return t, nil
}

func (r *SQLiteRepository) CreateTemplate(ctx context.Context, t core.RecurringTemplate) (core.RecurringTemplate, error) {
	now := r.now().UTC()
	t.Version = 1
	t.CreatedAt, t.UpdatedAt = now, now
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO recurring_templates
		 (account_id, class, flow, amount, currency, category_id, description, interval_quantity,
		  interval_unit, anchor_date, day_of_month, next_due, active, version, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.AccountID, string(t.Class), string(t.EntryFlow()), t.Amount.String(), t.Currency, t.CategoryID,
		t.Description, t.Interval.Quantity, string(t.Interval.Unit), formatDate(t.Anchor),
		nullableInt(t.DayOfMonth), nullableDate(t.NextDue), t.Active, t.Version,
		formatTimestamp(now), formatTimestamp(now))
	if err != nil {
		return core.RecurringTemplate{}, wrapErr("create template", err)
	}
	if t.ID, err = res.LastInsertId(); err != nil {
		return core.RecurringTemplate{}, wrapErr("create template", err)
	}
	t.Flow = t.EntryFlow()
	t.Anchor = core.DateOnly(t.Anchor)
	return t, nil
}

func (r *SQLiteRepository) UpdateTemplate(ctx context.Context, t core.RecurringTemplate) (core.RecurringTemplate, error) {
	now := r.now().UTC()
	res, err := r.db.ExecContext(ctx,
		`UPDATE recurring_templates SET
		   class = ?, flow = ?, amount = ?, currency = ?, category_id = ?, description = ?,
		   interval_quantity = ?, interval_unit = ?, anchor_date = ?, day_of_month = ?,
		   next_due = ?, active = ?, version = version + 1, updated_at = ?
		 WHERE id = ? AND version = ?`,
		string(t.Class), string(t.EntryFlow()), t.Amount.String(), t.Currency, t.CategoryID,
		t.Description, t.Interval.Quantity, string(t.Interval.Unit), formatDate(t.Anchor),
		nullableInt(t.DayOfMonth), nullableDate(t.NextDue), t.Active, formatTimestamp(now),
		t.ID, t.Version)
	if err != nil {
		return core.RecurringTemplate{}, wrapErr(fmt.Sprintf("update template %d", t.ID), err)
	}
	if err := r.versionMismatch(ctx, r.db, res, t.ID); err != nil {
		return core.RecurringTemplate{}, err
	}
	return r.GetTemplate(ctx, t.ID)
}

func (r *SQLiteRepository) DeleteTemplate(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM recurring_templates WHERE id = ?`, id)
	if err != nil {
		return wrapErr(fmt.Sprintf("delete template %d", id), err)
	}
	return requireAffected(res, fmt.Sprintf("delete template %d", id))
}

func (r *SQLiteRepository) UpdateNextDue(ctx context.Context, id, expectedVersion int64, nextDue time.Time) error {
	res, err := r.db.ExecContext(ctx, advanceNextDueSQL,
		formatDate(nextDue), formatTimestamp(r.now().UTC()), id, expectedVersion, formatDate(nextDue))
	if err != nil {
		return wrapErr(fmt.Sprintf("update next due of template %d", id), err)
	}
	return r.versionMismatch(ctx, r.db, res, id)
}

// The next_due guard keeps the pointer from moving backwards.
const advanceNextDueSQL = `UPDATE recurring_templates
	SET next_due = ?, version = version + 1, updated_at = ?
	WHERE id = ? AND version = ? AND (next_due IS NULL OR next_due <= ?)`

func (r *SQLiteRepository) ApplyCatchUp(ctx context.Context, batch core.CatchUpBatch) (int, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, wrapErr("begin catch-up transaction", err)
	}
	defer tx.Rollback()

	var version int64
	err = tx.QueryRowContext(ctx, `SELECT version FROM recurring_templates WHERE id = ?`, batch.TemplateID).Scan(&version)
	if err != nil {
		return 0, wrapErr(fmt.Sprintf("load template %d", batch.TemplateID), err)
	}
	if version != batch.ExpectedVersion {
		return 0, fmt.Errorf("template %d: expected version %d, found %d: %w",
			batch.TemplateID, batch.ExpectedVersion, version, core.ErrConcurrencyConflict)
	}

	stmt, err := tx.PrepareContext(ctx, insertEntrySQL)
	if err != nil {
		return 0, wrapErr("prepare entry insert", err)
	}
	defer stmt.Close()

	now := r.now().UTC()
	inserted := 0
	for _, e := range batch.Entries {
		e.CreatedAt = now
		res, err := stmt.ExecContext(ctx, entryArgs(e)...)
		if err != nil {
			return 0, wrapErr(fmt.Sprintf("insert entry %q", e.IdempotencyKey), err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, wrapErr(fmt.Sprintf("insert entry %q", e.IdempotencyKey), err)
		}
		inserted += int(n)
	}

	res, err := tx.ExecContext(ctx, advanceNextDueSQL,
		formatDate(batch.NextDue), formatTimestamp(now), batch.TemplateID, batch.ExpectedVersion, formatDate(batch.NextDue))
	if err != nil {
		return 0, wrapErr(fmt.Sprintf("advance template %d", batch.TemplateID), err)
	}
	if err := r.versionMismatch(ctx, tx, res, batch.TemplateID); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, wrapErr("commit catch-up transaction", err)
	}
	return inserted, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// versionMismatch turns a guarded update that touched no row into
// ErrNotFound or ErrConcurrencyConflict.
func (r *SQLiteRepository) versionMismatch(ctx context.Context, q queryer, res sql.Result, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return wrapErr(fmt.Sprintf("update template %d", id), err)
	}
	if n > 0 {
		return nil
	}
	var one int
	err = q.QueryRowContext(ctx, `SELECT 1 FROM recurring_templates WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("template %d: %w", id, core.ErrNotFound)
	}
	if err != nil {
		return wrapErr(fmt.Sprintf("check template %d", id), err)
	}
	return fmt.Errorf("template %d changed concurrently: %w", id, core.ErrConcurrencyConflict)
}

// Budgets

func (r *SQLiteRepository) QueryBudgets(ctx context.Context, accountID int64, month, year int) ([]core.Budget, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+budgetColumns+` FROM budgets
		 WHERE account_id = ? AND month = ? AND year = ? ORDER BY category_id`,
		accountID, month, year)
	if err != nil {
		return nil, wrapErr("query budgets", err)
	}
	defer rows.Close()

	var out []core.Budget
	for rows.Next() {
		b, err := scanBudget(rows)
		if err != nil {
			return nil, wrapErr("scan budget", err)
		}
		out = append(out, b)
	}
	return out, wrapErr("iterate budgets", rows.Err())
}

func (r *SQLiteRepository) GetBudget(ctx context.Context, id int64) (core.Budget, error) {
	b, err := scanBudget(r.db.QueryRowContext(ctx, `SELECT `+budgetColumns+` FROM budgets WHERE id = ?`, id))
	if err != nil {
		return core.Budget{}, wrapErr(fmt.Sprintf("get budget %d", id), err)
	}
	return b, nil
}

func (r *SQLiteRepository) UpsertBudget(ctx context.Context, b core.Budget) (core.Budget, error) {
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO budgets (account_id, category_id, month, year, limit_amount)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (account_id, year, month, category_id)
		 DO UPDATE SET limit_amount = excluded.limit_amount
		 RETURNING id`,
		b.AccountID, b.CategoryID, b.Month, b.Year, b.Limit.String()).Scan(&b.ID)
	if err != nil {
		return core.Budget{}, wrapErr("upsert budget", err)
	}
	return b, nil
}

func (r *SQLiteRepository) DeleteBudget(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM budgets WHERE id = ?`, id)
	if err != nil {
		return wrapErr(fmt.Sprintf("delete budget %d", id), err)
	}
	return requireAffected(res, fmt.Sprintf("delete budget %d", id))
}

// Leases

func (r *SQLiteRepository) AcquireLease(ctx context.Context, name, holder string, ttl time.Duration, now time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO job_leases (name, holder, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT (name) DO UPDATE SET holder = excluded.holder, expires_at = excluded.expires_at
		 WHERE job_leases.expires_at <= ? OR job_leases.holder = excluded.holder`,
		name, holder, now.Add(ttl).Unix(), now.Unix())
	if err != nil {
		return false, wrapErr(fmt.Sprintf("acquire lease %s", name), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, wrapErr(fmt.Sprintf("acquire lease %s", name), err)
	}
	return n > 0, nil
}

func (r *SQLiteRepository) ReleaseLease(ctx context.Context, name, holder string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM job_leases WHERE name = ? AND holder = ?`, name, holder)
	return wrapErr(fmt.Sprintf("release lease %s", name), err)
}

// Row decoding

type scanner interface {
	Scan(dest ...any) error
}

func collectEntries(rows *sql.Rows) ([]core.Entry, error) {
	defer rows.Close()
	var out []core.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, wrapErr("scan entry", err)
		}
		out = append(out, e)
	}
	return out, wrapErr("iterate entries", rows.Err())
}

func scanEntry(s scanner) (core.Entry, error) {
	var (
		e                            core.Entry
		amount, flow, day, createdAt string
		key                          sql.NullString
	)
	if err := s.Scan(&e.ID, &e.AccountID, &amount, &flow, &e.Currency, &e.CategoryID,
		&day, &e.Description, &key, &createdAt); err != nil {
		return core.Entry{}, err
	}
	var err error
	if e.Amount, err = decimal.NewFromString(amount); err != nil {
		return core.Entry{}, fmt.Errorf("decode amount of entry %d: %w", e.ID, err)
	}
	if e.OccurredOn, err = parseDate(day); err != nil {
		return core.Entry{}, fmt.Errorf("decode date of entry %d: %w", e.ID, err)
	}
	e.Flow = core.Flow(flow)
	e.IdempotencyKey = key.String
	e.CreatedAt = parseTimestamp(createdAt)
	return e, nil
}

func collectTemplates(rows *sql.Rows) ([]core.RecurringTemplate, error) {
	defer rows.Close()
	var out []core.RecurringTemplate
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, wrapErr("scan template", err)
		}
		out = append(out, t)
	}
	return out, wrapErr("iterate templates", rows.Err())
}

func scanTemplate(s scanner) (core.RecurringTemplate, error) {
	var (
		t                                 core.RecurringTemplate
		class, flow, amount, unit, anchor string
		createdAt, updatedAt              string
		dayOfMonth                        sql.NullInt64
		nextDue                           sql.NullString
	)
	if err := s.Scan(&t.ID, &t.AccountID, &class, &flow, &amount, &t.Currency, &t.CategoryID,
		&t.Description, &t.Interval.Quantity, &unit, &anchor, &dayOfMonth, &nextDue, &t.Active,
		&t.Version, &createdAt, &updatedAt); err != nil {
		return core.RecurringTemplate{}, err
	}
	var err error
	if t.Amount, err = decimal.NewFromString(amount); err != nil {
		return core.RecurringTemplate{}, fmt.Errorf("decode amount of template %d: %w", t.ID, err)
	}
	if t.Anchor, err = parseDate(anchor); err != nil {
		return core.RecurringTemplate{}, fmt.Errorf("decode anchor of template %d: %w", t.ID, err)
	}
	if nextDue.Valid {
		d, err := parseDate(nextDue.String)
		if err != nil {
			return core.RecurringTemplate{}, fmt.Errorf("decode next due of template %d: %w", t.ID, err)
		}
		t.NextDue = &d
	}
	if dayOfMonth.Valid {
		d := int(dayOfMonth.Int64)
		t.DayOfMonth = &d
	}
	t.Class = core.TemplateClass(class)
	t.Flow = core.Flow(flow)
	t.Interval.Unit = core.IntervalUnit(unit)
	t.CreatedAt = parseTimestamp(createdAt)
	t.UpdatedAt = parseTimestamp(updatedAt)
	return t, nil
}

func scanBudget(s scanner) (core.Budget, error) {
	var (
		b     core.Budget
		limit string
	)
	if err := s.Scan(&b.ID, &b.AccountID, &b.CategoryID, &b.Month, &b.Year, &limit); err != nil {
		return core.Budget{}, err
	}
	var err error
	if b.Limit, err = decimal.NewFromString(limit); err != nil {
		return core.Budget{}, fmt.Errorf("decode limit of budget %d: %w", b.ID, err)
	}
	return b, nil
}

// Encoding helpers

func formatDate(t time.Time) string {
	return core.DateOnly(t).Format(time.DateOnly)
}

func parseDate(s string) (time.Time, error) {
	return time.Parse(time.DateOnly, s)
}

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTimestamp(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullableDate(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatDate(*t)
}

func nullableInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func requireAffected(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return wrapErr(op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", op, core.ErrNotFound)
	}
	return nil
}

// wrapErr adds context and maps driver failures onto the core error
// categories. A nil error stays nil.
func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, core.ErrNotFound)
	}
	if isTransient(err) {
		return fmt.Errorf("%s: %w: %w", op, core.ErrTransientStorage, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isTransient(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED, sqlite3.SQLITE_IOERR, sqlite3.SQLITE_FULL, sqlite3.SQLITE_PROTOCOL:
		return true
	}
	return false
}
