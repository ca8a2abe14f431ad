package store

import (
	"context"
	"database/sql"
	"regexp"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"stockexchange/internal/model"
)

// Tx is a single transactional scope. Every method takes the enclosing
// context and operates against the *sql.Tx captured at WithTx time; callers
// never see a *sql.Tx directly, only these domain-shaped operations.
type Tx struct {
	tx *sql.Tx
}

var digitsOnly = regexp.MustCompile(`^[0-9]+$`)

// CreateAccount creates an account if absent.
func (t *Tx) CreateAccount(ctx context.Context, id string, balance decimal.Decimal) error {
	if !digitsOnly.MatchString(id) {
		return ErrInvalidAccountID
	}

	var exists int
	err := t.tx.QueryRowContext(ctx, `SELECT 1 FROM accounts WHERE id = ?`, id).Scan(&exists)
	switch {
	case err == nil:
		return ErrAccountExists
	case !errors.Is(err, sql.ErrNoRows):
		return errors.Wrap(err, "check existing account")
	}

	if _, err := t.tx.ExecContext(ctx, `INSERT INTO accounts (id, balance) VALUES (?, ?)`, id, balance); err != nil {
		return errors.Wrap(err, "insert account")
	}
	return nil
}

// CreateSymbol creates the symbol if absent, then credits amount to the
// (account, symbol) position, creating the position if absent.
func (t *Tx) CreateSymbol(ctx context.Context, symbol, accountID string, amount decimal.Decimal) error {
	if _, err := t.GetAccountForUpdate(ctx, accountID); err != nil {
		return err
	}

	if _, err := t.tx.ExecContext(ctx, `INSERT IGNORE INTO symbols (name) VALUES (?)`, symbol); err != nil {
		return errors.Wrap(err, "insert symbol")
	}

	return t.creditPosition(ctx, accountID, symbol, amount)
}

// GetAccount reads an account without locking it.
func (t *Tx) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	return t.getAccount(ctx, id, false)
}

// GetAccountForUpdate reads an account and holds its row lock until the
// enclosing scope commits or rolls back.
func (t *Tx) GetAccountForUpdate(ctx context.Context, id string) (*model.Account, error) {
	return t.getAccount(ctx, id, true)
}

func (t *Tx) getAccount(ctx context.Context, id string, forUpdate bool) (*model.Account, error) {
	query := `SELECT id, balance FROM accounts WHERE id = ?`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	var acc model.Account
	err := t.tx.QueryRowContext(ctx, query, id).Scan(&acc.ID, &acc.Balance)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "scan account")
	}
	return &acc, nil
}

// UpdateBalance overwrites the account's balance. Callers must have
// obtained the row with GetAccountForUpdate first.
func (t *Tx) UpdateBalance(ctx context.Context, id string, newBalance decimal.Decimal) error {
	if _, err := t.tx.ExecContext(ctx, `UPDATE accounts SET balance = ? WHERE id = ?`, newBalance, id); err != nil {
		return errors.Wrap(err, "update balance")
	}
	return nil
}

// GetPosition reads a position without locking it. A missing position is
// reported as a zero-amount position, not an error, since "no shares" and
// "zero shares" are the same state.
func (t *Tx) GetPosition(ctx context.Context, accountID, symbol string) (*model.Position, error) {
	return t.getPosition(ctx, accountID, symbol, false)
}

// GetPositionForUpdate reads a position and holds its row lock (if any row
// exists) until the enclosing scope commits or rolls back.
func (t *Tx) GetPositionForUpdate(ctx context.Context, accountID, symbol string) (*model.Position, error) {
	return t.getPosition(ctx, accountID, symbol, true)
}

func (t *Tx) getPosition(ctx context.Context, accountID, symbol string, forUpdate bool) (*model.Position, error) {
	query := `SELECT account_id, symbol, amount FROM positions WHERE account_id = ? AND symbol = ?`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	var pos model.Position
	err := t.tx.QueryRowContext(ctx, query, accountID, symbol).Scan(&pos.AccountID, &pos.Symbol, &pos.Amount)
	if errors.Is(err, sql.ErrNoRows) {
		return &model.Position{AccountID: accountID, Symbol: symbol, Amount: decimal.Zero}, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "scan position")
	}
	return &pos, nil
}

// SetPositionAmount overwrites the (account, symbol) position amount,
// creating the row (and the symbol, if necessary) when it does not exist.
func (t *Tx) SetPositionAmount(ctx context.Context, accountID, symbol string, amount decimal.Decimal) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE positions SET amount = ? WHERE account_id = ? AND symbol = ?`,
		amount, accountID, symbol)
	if err != nil {
		return errors.Wrap(err, "update position")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "rows affected")
	}
	if n > 0 {
		return nil
	}

	if _, err := t.tx.ExecContext(ctx, `INSERT IGNORE INTO symbols (name) VALUES (?)`, symbol); err != nil {
		return errors.Wrap(err, "insert symbol for new position")
	}
	if _, err := t.tx.ExecContext(ctx,
		`INSERT INTO positions (account_id, symbol, amount) VALUES (?, ?, ?)`,
		accountID, symbol, amount); err != nil {
		return errors.Wrap(err, "insert position")
	}
	return nil
}

// creditPosition adds delta to the (account, symbol) position, creating it
// (and the symbol) if absent. delta may be negative (a reservation).
func (t *Tx) creditPosition(ctx context.Context, accountID, symbol string, delta decimal.Decimal) error {
	pos, err := t.GetPositionForUpdate(ctx, accountID, symbol)
	if err != nil {
		return err
	}
	return t.SetPositionAmount(ctx, accountID, symbol, pos.Amount.Add(delta))
}

// CreditPosition is the exported form of creditPosition, used by the
// matching engine and cancel service to return shares or add executed
// quantity to a buyer's position.
func (t *Tx) CreditPosition(ctx context.Context, accountID, symbol string, delta decimal.Decimal) error {
	return t.creditPosition(ctx, accountID, symbol, delta)
}

// InsertOrder inserts a new order row and returns its monotonic id,
// visible to the caller before matching begins.
func (t *Tx) InsertOrder(ctx context.Context, o *model.Order) (int64, error) {
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO orders (account_id, symbol, side, original_amount, limit_price, open_amount, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		o.AccountID, o.Symbol, o.Side, o.OriginalAmount, o.LimitPrice, o.OpenAmount, o.CreatedAt)
	if err != nil {
		return 0, errors.Wrap(err, "insert order")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, errors.Wrap(err, "order id")
	}
	return id, nil
}

const orderColumns = `id, account_id, symbol, side, original_amount, limit_price, open_amount, created_at, canceled_at`

func scanOrder(row interface{ Scan(...any) error }) (*model.Order, error) {
	var o model.Order
	var canceledAt sql.NullTime
	if err := row.Scan(&o.ID, &o.AccountID, &o.Symbol, &o.Side, &o.OriginalAmount, &o.LimitPrice, &o.OpenAmount, &o.CreatedAt, &canceledAt); err != nil {
		return nil, err
	}
	if canceledAt.Valid {
		t := canceledAt.Time
		o.CanceledAt = &t
	}
	return &o, nil
}

// GetOrder reads an order without locking it.
func (t *Tx) GetOrder(ctx context.Context, id int64) (*model.Order, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = ?`, id)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "scan order")
	}
	return o, nil
}

// GetOrderForUpdate reads an order and holds its row lock until the
// enclosing scope commits or rolls back.
func (t *Tx) GetOrderForUpdate(ctx context.Context, id int64) (*model.Order, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = ? FOR UPDATE`, id)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "scan order for update")
	}
	return o, nil
}

// UpdateOpenAmount overwrites an order's open_amount (signed, same sign as
// original_amount while the order is live; zero once filled or canceled).
func (t *Tx) UpdateOpenAmount(ctx context.Context, orderID int64, newOpenAmount decimal.Decimal) error {
	if _, err := t.tx.ExecContext(ctx, `UPDATE orders SET open_amount = ? WHERE id = ?`, newOpenAmount, orderID); err != nil {
		return errors.Wrap(err, "update open amount")
	}
	return nil
}

// SetCanceled marks an order canceled at the given instant and zeroes its
// open_amount, in one statement so the two never observably disagree.
func (t *Tx) SetCanceled(ctx context.Context, orderID int64, at time.Time) error {
	if _, err := t.tx.ExecContext(ctx, `UPDATE orders SET open_amount = 0, canceled_at = ? WHERE id = ?`, at, orderID); err != nil {
		return errors.Wrap(err, "set canceled")
	}
	return nil
}

// AppendExecution records an immutable fill against an order.
func (t *Tx) AppendExecution(ctx context.Context, orderID int64, shares, price decimal.Decimal, at time.Time) error {
	if _, err := t.tx.ExecContext(ctx,
		`INSERT INTO executions (order_id, shares, price, executed_at) VALUES (?, ?, ?, ?)`,
		orderID, shares, price, at); err != nil {
		return errors.Wrap(err, "append execution")
	}
	return nil
}

// ListExecutions returns all executions for an order, oldest first.
func (t *Tx) ListExecutions(ctx context.Context, orderID int64) ([]*model.Execution, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT id, order_id, shares, price, executed_at FROM executions WHERE order_id = ? ORDER BY executed_at ASC, id ASC`,
		orderID)
	if err != nil {
		return nil, errors.Wrap(err, "query executions")
	}
	defer rows.Close()

	var execs []*model.Execution
	for rows.Next() {
		var e model.Execution
		if err := rows.Scan(&e.ID, &e.OrderID, &e.Shares, &e.Price, &e.ExecutedAt); err != nil {
			return nil, errors.Wrap(err, "scan execution")
		}
		execs = append(execs, &e)
	}
	return execs, rows.Err()
}

// ListOpenOpposite returns all open orders on the opposite side of side for
// symbol, ordered by price-time priority (best price first, ties broken by
// creation order then id). The matching engine reads the in-memory book
// instead and does not call this method.
func (t *Tx) ListOpenOpposite(ctx context.Context, symbol string, side model.Side) ([]*model.Order, error) {
	opposite := side.Other()

	order := "ASC"
	if opposite == model.SideBuy {
		order = "DESC"
	}

	rows, err := t.tx.QueryContext(ctx, `SELECT `+orderColumns+` FROM orders
		WHERE symbol = ? AND side = ? AND open_amount <> 0 AND canceled_at IS NULL
		ORDER BY limit_price `+order+`, created_at ASC, id ASC`,
		symbol, opposite)
	if err != nil {
		return nil, errors.Wrap(err, "query open opposite orders")
	}
	defer rows.Close()
	return scanOrders(rows)
}

// ListOpenOrders returns every open order across all symbols, in creation
// order (created_at, then id), for startup book reconstruction.
func (t *Tx) ListOpenOrders(ctx context.Context) ([]*model.Order, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT `+orderColumns+` FROM orders
		WHERE open_amount <> 0 AND canceled_at IS NULL
		ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, errors.Wrap(err, "query open orders")
	}
	defer rows.Close()
	return scanOrders(rows)
}

func scanOrders(rows *sql.Rows) ([]*model.Order, error) {
	var out []*model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan order row")
		}
		out = append(out, o)
	}
	return out, rows.Err()
}
