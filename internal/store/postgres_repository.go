/**
 * @description
 * PostgreSQL implementation of the `Repository` interface: accounts, journal
 * entries/lines and payment intents. The idempotency discipline is implemented
 * with `INSERT ... ON CONFLICT DO NOTHING` followed by a re-fetch of the
 * existing row, and multi-row postings run inside a single transaction so a
 * crash can never leave unbalanced lines behind.
 *
 * @dependencies
 * - context, errors: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stashly/ledger-service/internal/domain"
)

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// isUniqueViolation reports whether err is a unique-constraint violation.
// Losing an insert race surfaces as this code; callers treat it as
// "someone else owns the row", not as an error.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// CreateAccount inserts a new ledger account.
func (r *PostgresRepository) CreateAccount(ctx context.Context, account *domain.Account) error {
	if account.ID == uuid.Nil {
		account.ID = uuid.New()
	}
	query := `
		INSERT INTO accounts (id, owner_id, account_type, currency)
		VALUES ($1, $2, $3, $4)
	`
	_, err := r.db.Exec(ctx, query, account.ID, account.OwnerID, account.Type, account.Currency)
	return err
}

// FindAccountByID retrieves one account.
func (r *PostgresRepository) FindAccountByID(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	var account domain.Account
	query := `SELECT id, owner_id, account_type, currency, created_at FROM accounts WHERE id = $1`
	err := r.db.QueryRow(ctx, query, id).Scan(&account.ID, &account.OwnerID, &account.Type, &account.Currency, &account.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}

// CountAccountsByIDs counts how many of the given ids exist, used to validate
// postings before any row is written.
func (r *PostgresRepository) CountAccountsByIDs(ctx context.Context, ids []uuid.UUID) (int, error) {
	var count int
	query := `SELECT COUNT(*) FROM accounts WHERE id = ANY($1)`
	if err := r.db.QueryRow(ctx, query, ids).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// FindUserAccount retrieves a user's account of the given type.
func (r *PostgresRepository) FindUserAccount(ctx context.Context, userID uuid.UUID, accountType string) (*domain.Account, error) {
	var account domain.Account
	query := `SELECT id, owner_id, account_type, currency, created_at FROM accounts WHERE owner_id = $1 AND account_type = $2`
	err := r.db.QueryRow(ctx, query, userID, accountType).Scan(&account.ID, &account.OwnerID, &account.Type, &account.Currency, &account.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}

// FindSystemAccount retrieves the system-owned account of the given type.
func (r *PostgresRepository) FindSystemAccount(ctx context.Context, accountType string) (*domain.Account, error) {
	var account domain.Account
	query := `SELECT id, owner_id, account_type, currency, created_at FROM accounts WHERE owner_id IS NULL AND account_type = $1`
	err := r.db.QueryRow(ctx, query, accountType).Scan(&account.ID, &account.OwnerID, &account.Type, &account.Currency, &account.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}

// GetAccountBalance derives the balance as the sum of every line ever posted
// to the account. Only committed transactions are visible, so the sum never
// reflects a partially applied posting.
func (r *PostgresRepository) GetAccountBalance(ctx context.Context, accountID uuid.UUID) (int64, error) {
	var exists bool
	if err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM accounts WHERE id = $1)`, accountID).Scan(&exists); err != nil {
		return 0, err
	}
	if !exists {
		return 0, ErrAccountNotFound
	}

	var balance int64
	query := `SELECT COALESCE(SUM(amount), 0) FROM journal_lines WHERE account_id = $1`
	if err := r.db.QueryRow(ctx, query, accountID).Scan(&balance); err != nil {
		return 0, err
	}
	return balance, nil
}

// ListStashBalances returns the derived balance of every user stash account,
// used as the weight input for yield allocation.
func (r *PostgresRepository) ListStashBalances(ctx context.Context) ([]domain.AccountBalance, error) {
	query := `
		SELECT a.id, a.owner_id, COALESCE(SUM(l.amount), 0) AS balance
		FROM accounts a
		LEFT JOIN journal_lines l ON l.account_id = a.id
		WHERE a.account_type = $1
		GROUP BY a.id, a.owner_id
		ORDER BY a.id
	`
	rows, err := r.db.Query(ctx, query, domain.AccountTypeUserStash)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var balances []domain.AccountBalance
	for rows.Next() {
		var b domain.AccountBalance
		if err := rows.Scan(&b.AccountID, &b.OwnerID, &b.Balance); err != nil {
			return nil, err
		}
		balances = append(balances, b)
	}
	return balances, rows.Err()
}

// CreateJournalEntry inserts an entry and all of its lines atomically. If the
// idempotency key already exists, the stored entry is loaded into `entry` and
// created=false is returned; no new rows are written.
func (r *PostgresRepository) CreateJournalEntry(ctx context.Context, entry *domain.JournalEntry, lines []domain.JournalLine) (bool, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}

	tag, err := tx.Exec(ctx, `
		INSERT INTO journal_entries (id, idempotency_key, entry_type, occurred_at, memo)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (idempotency_key) DO NOTHING
	`, entry.ID, entry.IdempotencyKey, entry.Type, entry.OccurredAt, entry.Memo)
	if err != nil {
		return false, err
	}

	if tag.RowsAffected() == 0 {
		existing, findErr := r.findJournalEntryByKeyTx(ctx, tx, entry.IdempotencyKey)
		if findErr != nil {
			return false, findErr
		}
		*entry = *existing
		return false, tx.Commit(ctx)
	}

	lineQuery := `
		INSERT INTO journal_lines (id, entry_id, account_id, amount, memo)
		VALUES ($1, $2, $3, $4, $5)
	`
	for i := range lines {
		if lines[i].ID == uuid.Nil {
			lines[i].ID = uuid.New()
		}
		lines[i].EntryID = entry.ID
		if _, err := tx.Exec(ctx, lineQuery, lines[i].ID, entry.ID, lines[i].AccountID, lines[i].Amount, lines[i].Memo); err != nil {
			return false, err
		}
	}

	return true, tx.Commit(ctx)
}

func (r *PostgresRepository) findJournalEntryByKeyTx(ctx context.Context, tx pgx.Tx, key string) (*domain.JournalEntry, error) {
	var entry domain.JournalEntry
	query := `SELECT id, idempotency_key, entry_type, occurred_at, memo, created_at FROM journal_entries WHERE idempotency_key = $1`
	err := tx.QueryRow(ctx, query, key).Scan(&entry.ID, &entry.IdempotencyKey, &entry.Type, &entry.OccurredAt, &entry.Memo, &entry.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrEntryNotFound
		}
		return nil, err
	}
	return &entry, nil
}

// FindJournalEntryByKey retrieves one entry by idempotency key.
func (r *PostgresRepository) FindJournalEntryByKey(ctx context.Context, key string) (*domain.JournalEntry, error) {
	var entry domain.JournalEntry
	query := `SELECT id, idempotency_key, entry_type, occurred_at, memo, created_at FROM journal_entries WHERE idempotency_key = $1`
	err := r.db.QueryRow(ctx, query, key).Scan(&entry.ID, &entry.IdempotencyKey, &entry.Type, &entry.OccurredAt, &entry.Memo, &entry.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrEntryNotFound
		}
		return nil, err
	}
	return &entry, nil
}

// FindJournalLines retrieves the lines of one entry.
func (r *PostgresRepository) FindJournalLines(ctx context.Context, entryID uuid.UUID) ([]domain.JournalLine, error) {
	query := `SELECT id, entry_id, account_id, amount, memo FROM journal_lines WHERE entry_id = $1 ORDER BY id`
	rows, err := r.db.Query(ctx, query, entryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var lines []domain.JournalLine
	for rows.Next() {
		var line domain.JournalLine
		if err := rows.Scan(&line.ID, &line.EntryID, &line.AccountID, &line.Amount, &line.Memo); err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	return lines, rows.Err()
}

// FindPaymentIntentByID retrieves one payment intent.
func (r *PostgresRepository) FindPaymentIntentByID(ctx context.Context, id uuid.UUID) (*domain.PaymentIntent, error) {
	return r.findPaymentIntent(ctx, `WHERE id = $1`, id)
}

// FindPaymentIntentByKey retrieves one payment intent by idempotency key.
func (r *PostgresRepository) FindPaymentIntentByKey(ctx context.Context, key string) (*domain.PaymentIntent, error) {
	return r.findPaymentIntent(ctx, `WHERE idempotency_key = $1`, key)
}

func (r *PostgresRepository) findPaymentIntent(ctx context.Context, where string, arg any) (*domain.PaymentIntent, error) {
	var intent domain.PaymentIntent
	query := `
		SELECT id, user_id, kind, status, amount, idempotency_key, initiated_entry_id, settled_entry_id, created_at, updated_at
		FROM payment_intents ` + where
	err := r.db.QueryRow(ctx, query, arg).Scan(
		&intent.ID, &intent.UserID, &intent.Kind, &intent.Status, &intent.Amount,
		&intent.IdempotencyKey, &intent.InitiatedEntryID, &intent.SettledEntryID,
		&intent.CreatedAt, &intent.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrIntentNotFound
		}
		return nil, err
	}
	return &intent, nil
}

// CreateWithdrawal posts a withdrawal entry (stash -> cash) and its settled
// payment intent atomically. The stash balance is summed inside the same
// transaction and the withdrawal is rejected with ErrInsufficientFunds before
// anything is written. A replayed key returns the prior intent.
func (r *PostgresRepository) CreateWithdrawal(ctx context.Context, params WithdrawalParams) (*domain.PaymentIntent, bool, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback(ctx)

	var existingID uuid.UUID
	err = tx.QueryRow(ctx, `SELECT id FROM payment_intents WHERE idempotency_key = $1`, params.IdempotencyKey).Scan(&existingID)
	if err == nil {
		if commitErr := tx.Commit(ctx); commitErr != nil {
			return nil, false, commitErr
		}
		intent, findErr := r.FindPaymentIntentByID(ctx, existingID)
		return intent, false, findErr
	}
	if err != pgx.ErrNoRows {
		return nil, false, err
	}

	// Serialize concurrent withdrawals for this stash so the balance check
	// and the posting observe the same state.
	if _, err := tx.Exec(ctx, `SELECT id FROM accounts WHERE id = $1 FOR UPDATE`, params.StashAccount); err != nil {
		return nil, false, err
	}

	var balance int64
	if err := tx.QueryRow(ctx, `SELECT COALESCE(SUM(amount), 0) FROM journal_lines WHERE account_id = $1`, params.StashAccount).Scan(&balance); err != nil {
		return nil, false, err
	}
	if balance < params.Amount {
		return nil, false, ErrInsufficientFunds
	}

	// A concurrent request with the same key can slip past the replay check
	// above; the unique constraints make the loser's insert fail, and the
	// loser surfaces the winner's intent instead of the constraint error.
	entryID := uuid.New()
	if _, err := tx.Exec(ctx, `
		INSERT INTO journal_entries (id, idempotency_key, entry_type, occurred_at, memo)
		VALUES ($1, $2, $3, $4, $5)
	`, entryID, "entry:"+params.IdempotencyKey, domain.EntryTypeWithdrawal, params.OccurredAt, "withdrawal"); err != nil {
		if isUniqueViolation(err) {
			return r.replayWithdrawal(ctx, tx, params.IdempotencyKey)
		}
		return nil, false, err
	}

	lineQuery := `INSERT INTO journal_lines (id, entry_id, account_id, amount, memo) VALUES ($1, $2, $3, $4, $5)`
	if _, err := tx.Exec(ctx, lineQuery, uuid.New(), entryID, params.StashAccount, -params.Amount, "withdrawal"); err != nil {
		return nil, false, err
	}
	if _, err := tx.Exec(ctx, lineQuery, uuid.New(), entryID, params.CashAccount, params.Amount, "withdrawal"); err != nil {
		return nil, false, err
	}

	intentID := uuid.New()
	if _, err := tx.Exec(ctx, `
		INSERT INTO payment_intents (id, user_id, kind, status, amount, idempotency_key, initiated_entry_id, settled_entry_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
	`, intentID, params.UserID, domain.IntentKindWithdraw, domain.IntentStatusSettled, params.Amount, params.IdempotencyKey, entryID); err != nil {
		if isUniqueViolation(err) {
			return r.replayWithdrawal(ctx, tx, params.IdempotencyKey)
		}
		return nil, false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, err
	}

	intent, err := r.FindPaymentIntentByID(ctx, intentID)
	return intent, true, err
}

// replayWithdrawal abandons a withdrawal transaction that lost the insert
// race and returns the intent the winner stored.
func (r *PostgresRepository) replayWithdrawal(ctx context.Context, tx pgx.Tx, key string) (*domain.PaymentIntent, bool, error) {
	_ = tx.Rollback(ctx)
	intent, err := r.FindPaymentIntentByKey(ctx, key)
	return intent, false, err
}
