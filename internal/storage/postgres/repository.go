package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/lib/pq"

	"github.com/AnthonyGillesRudolfo/storefront-payments/internal/account"
	"github.com/AnthonyGillesRudolfo/storefront-payments/internal/cart"
	"github.com/AnthonyGillesRudolfo/storefront-payments/internal/catalog"
	"github.com/AnthonyGillesRudolfo/storefront-payments/internal/order"
	"github.com/AnthonyGillesRudolfo/storefront-payments/internal/outbox"
)

// JSONB parameters are passed as strings: lib/pq sends []byte as bytea.

const uniqueViolation = "23505"

// Repository is a thin wrapper around *sql.DB intended for dependency injection.
type Repository struct {
	DB     *sql.DB
	logger *log.Logger
}

func NewRepository(db *sql.DB, logger *log.Logger) *Repository {
	if logger == nil {
		logger = log.Default()
	}
	return &Repository{DB: db, logger: logger}
}

func (r *Repository) ready() error {
	if r == nil || r.DB == nil {
		return fmt.Errorf("database not initialized")
	}
	return nil
}

func (r *Repository) GetUser(ctx context.Context, id string) (*account.User, error) {
	if err := r.ready(); err != nil {
		return nil, err
	}
	var u account.User
	err := r.DB.QueryRowContext(ctx, `SELECT id, name, email FROM users WHERE id = $1`, id).
		Scan(&u.ID, &u.Name, &u.Email)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", id, account.ErrUserNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user %s: %w", id, err)
	}
	return &u, nil
}

// GetCart returns an empty cart for users that never stored one.
func (r *Repository) GetCart(ctx context.Context, userID string) (*cart.Cart, error) {
	if err := r.ready(); err != nil {
		return nil, err
	}
	c := cart.Cart{UserID: userID}
	var items []byte
	err := r.DB.QueryRowContext(ctx, `SELECT items, updated_at FROM carts WHERE user_id = $1`, userID).
		Scan(&items, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return &c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cart for user %s: %w", userID, err)
	}
	if err := json.Unmarshal(items, &c.Items); err != nil {
		return nil, fmt.Errorf("failed to decode cart items for user %s: %w", userID, err)
	}
	return &c, nil
}

func (r *Repository) GetProduct(ctx context.Context, id string) (*catalog.Product, error) {
	if err := r.ready(); err != nil {
		return nil, err
	}
	var p catalog.Product
	err := r.DB.QueryRowContext(ctx, `SELECT id, name, price, active FROM products WHERE id = $1`, id).
		Scan(&p.ID, &p.Name, &p.Price, &p.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("product %s: %w", id, catalog.ErrProductNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get product %s: %w", id, err)
	}

	rows, err := r.DB.QueryContext(ctx, `SELECT tag, stock FROM product_variants WHERE product_id = $1 ORDER BY tag`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query variants of product %s: %w", id, err)
	}
	defer rows.Close()
	for rows.Next() {
		var v catalog.Variant
		if err := rows.Scan(&v.Tag, &v.Stock); err != nil {
			return nil, fmt.Errorf("failed to scan variant: %w", err)
		}
		p.Variants = append(p.Variants, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating variants: %w", err)
	}
	return &p, nil
}

// CreateOrder inserts a pending order. The external reference must be unused.
func (r *Repository) CreateOrder(ctx context.Context, o *order.Order) error {
	if err := r.ready(); err != nil {
		return err
	}
	items, err := json.Marshal(o.Items)
	if err != nil {
		return fmt.Errorf("failed to encode order items: %w", err)
	}
	if o.PaymentStatus == "" {
		o.PaymentStatus = order.StatusPending
	}
	err = r.DB.QueryRowContext(ctx, `
        INSERT INTO orders (id, user_id, items, buyer_email, buyer_name, external_reference_id, payment_status)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
        RETURNING created_at, updated_at
    `, o.ID, o.UserID, string(items), o.Buyer.Email, o.Buyer.Name, o.ExternalReferenceID, o.PaymentStatus).
		Scan(&o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return fmt.Errorf("reference %s: %w", o.ExternalReferenceID, order.ErrDuplicateReference)
		}
		return fmt.Errorf("failed to insert order: %w", err)
	}
	r.logger.Printf("[DB] Inserted order %s for user %s (reference %s)", o.ID, o.UserID, o.ExternalReferenceID)
	return nil
}

const orderColumns = `id, user_id, items, buyer_email, buyer_name, external_reference_id,
    external_payment_id, payment_status, status_detail, approved_at, effects_applied_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func scanOrder(row rowScanner) (*order.Order, error) {
	var (
		o            order.Order
		items        []byte
		paymentID    sql.NullString
		statusDetail sql.NullString
		approvedAt   sql.NullTime
		effectsAt    sql.NullTime
	)
	err := row.Scan(
		&o.ID, &o.UserID, &items, &o.Buyer.Email, &o.Buyer.Name, &o.ExternalReferenceID,
		&paymentID, &o.PaymentStatus, &statusDetail, &approvedAt, &effectsAt, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(items, &o.Items); err != nil {
		return nil, fmt.Errorf("failed to decode items of order %s: %w", o.ID, err)
	}
	o.ExternalPaymentID = paymentID.String
	o.StatusDetail = statusDetail.String
	if approvedAt.Valid {
		t := approvedAt.Time.UTC()
		o.ApprovedAt = &t
	}
	if effectsAt.Valid {
		t := effectsAt.Time.UTC()
		o.EffectsAppliedAt = &t
	}
	return &o, nil
}

func (r *Repository) GetOrder(ctx context.Context, id string) (*order.Order, error) {
	return r.findOrder(ctx, "id", id)
}

func (r *Repository) FindOrderByReference(ctx context.Context, reference string) (*order.Order, error) {
	return r.findOrder(ctx, "external_reference_id", reference)
}

func (r *Repository) findOrder(ctx context.Context, column, value string) (*order.Order, error) {
	if err := r.ready(); err != nil {
		return nil, err
	}
	query := `SELECT ` + orderColumns + ` FROM orders WHERE ` + column + ` = $1`
	o, err := scanOrder(r.DB.QueryRowContext(ctx, query, value))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s %s: %w", column, value, order.ErrOrderNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order by %s: %w", column, err)
	}
	return o, nil
}

// ListOrders returns every order, newest first.
func (r *Repository) ListOrders(ctx context.Context) ([]order.Order, error) {
	if err := r.ready(); err != nil {
		return nil, err
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+orderColumns+` FROM orders ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	defer rows.Close()

	var out []order.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		out = append(out, *o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating orders: %w", err)
	}
	return out, nil
}

// ApplyPayment locks the order row, overwrites its payment fields and returns
// the status it held before. An approved order is never overwritten. When the
// status changed an outbox message is written in the same transaction.
func (r *Repository) ApplyPayment(ctx context.Context, orderID string, u order.PaymentUpdate) (order.Transition, error) {
	if err := r.ready(); err != nil {
		return order.Transition{}, err
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return order.Transition{}, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	current, err := scanOrder(tx.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, orderID))
	if errors.Is(err, sql.ErrNoRows) {
		return order.Transition{}, fmt.Errorf("order %s: %w", orderID, order.ErrOrderNotFound)
	}
	if err != nil {
		return order.Transition{}, fmt.Errorf("failed to lock order %s: %w", orderID, err)
	}
	if current.PaymentStatus == order.StatusApproved {
		retained := u.PaymentID != current.ExternalPaymentID || u.Status != order.StatusApproved
		if retained {
			r.logger.Printf("[DB] Order %s already approved by %s, not applying %s (%s)", orderID, current.ExternalPaymentID, u.PaymentID, u.Status)
		}
		return order.Transition{Order: *current, PreviousStatus: current.PaymentStatus, Retained: retained}, nil
	}

	var approvedAt sql.NullTime
	if u.ApprovedAt != nil {
		approvedAt = sql.NullTime{Time: *u.ApprovedAt, Valid: true}
	}
	o, err := scanOrder(tx.QueryRowContext(ctx, `
        UPDATE orders
        SET external_payment_id = $2,
            payment_status = $3,
            status_detail = $4,
            approved_at = $5,
            updated_at = now()
        WHERE id = $1
        RETURNING `+orderColumns, orderID, u.PaymentID, u.Status, u.StatusDetail, approvedAt))
	if err != nil {
		return order.Transition{}, fmt.Errorf("failed to update order payment: %w", err)
	}

	tr := order.Transition{Order: *o, PreviousStatus: current.PaymentStatus}
	if tr.Changed() {
		msg, err := outbox.ForTransition(tr)
		if err != nil {
			return order.Transition{}, err
		}
		if err := insertOutboxMessage(ctx, tx, msg); err != nil {
			return order.Transition{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return order.Transition{}, fmt.Errorf("failed to commit payment update: %w", err)
	}
	r.logger.Printf("[DB] Updated order payment: %s -> %s (%s, was %s)", orderID, u.PaymentID, u.Status, current.PaymentStatus)
	return tr, nil
}

// RunApprovalEffects claims the order's effects marker and runs fn inside the
// same transaction. The claim only succeeds for an approved order whose
// marker is unset; otherwise fn is not called and false is returned. When fn
// fails the transaction is rolled back, leaving the marker unset.
func (r *Repository) RunApprovalEffects(ctx context.Context, orderID string, fn func(order.Effects) error) (bool, error) {
	if err := r.ready(); err != nil {
		return false, err
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
        UPDATE orders SET effects_applied_at = now()
        WHERE id = $1 AND payment_status = $2 AND effects_applied_at IS NULL
    `, orderID, order.StatusApproved)
	if err != nil {
		return false, fmt.Errorf("failed to claim effects of order %s: %w", orderID, err)
	}
	if n, err := res.RowsAffected(); err != nil || n == 0 {
		return false, err
	}

	if err := fn(txEffects{tx: tx, logger: r.logger}); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit effects of order %s: %w", orderID, err)
	}
	r.logger.Printf("[DB] Recorded approval effects for order %s", orderID)
	return true, nil
}

// txEffects runs cart and stock statements on an open transaction.
type txEffects struct {
	tx     *sql.Tx
	logger *log.Logger
}

func (e txEffects) ClearCart(ctx context.Context, userID string) error {
	return clearCart(ctx, e.tx, e.logger, userID)
}

func (e txEffects) DecrementStock(ctx context.Context, productName, variant string, qty int) (catalog.StockChange, error) {
	return decrementStock(ctx, e.tx, e.logger, productName, variant, qty)
}

func insertOutboxMessage(ctx context.Context, tx *sql.Tx, msg outbox.Message) error {
	_, err := tx.ExecContext(ctx, `
        INSERT INTO outbox_messages (id, aggregate_id, event_type, topic, payload, created_at)
        VALUES ($1, $2, $3, $4, $5, $6)
    `, msg.ID, msg.AggregateID, msg.EventType, msg.Topic, string(msg.Payload), msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert outbox message: %w", err)
	}
	return nil
}

// ClearCart empties the cart in one statement; a missing cart is a no-op.
func (r *Repository) ClearCart(ctx context.Context, userID string) error {
	if err := r.ready(); err != nil {
		return err
	}
	return clearCart(ctx, r.DB, r.logger, userID)
}

func clearCart(ctx context.Context, q queryer, logger *log.Logger, userID string) error {
	res, err := q.ExecContext(ctx, `UPDATE carts SET items = '[]'::jsonb, updated_at = now() WHERE user_id = $1`, userID)
	if err != nil {
		return fmt.Errorf("failed to clear cart: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		logger.Printf("[DB] Cleared cart for user: %s", userID)
	}
	return nil
}

// DecrementStock lowers one variant's stock by qty, clamping at zero, with
// the variant row locked for the duration of the statement.
func (r *Repository) DecrementStock(ctx context.Context, productName, variant string, qty int) (catalog.StockChange, error) {
	if err := r.ready(); err != nil {
		return catalog.StockChange{ProductName: productName, Variant: variant, Requested: qty}, err
	}
	return decrementStock(ctx, r.DB, r.logger, productName, variant, qty)
}

func decrementStock(ctx context.Context, q queryer, logger *log.Logger, productName, variant string, qty int) (catalog.StockChange, error) {
	change := catalog.StockChange{ProductName: productName, Variant: variant, Requested: qty}
	err := q.QueryRowContext(ctx, `
        WITH target AS (
            SELECT v.product_id, v.tag, v.stock AS previous
            FROM product_variants v
            JOIN products p ON p.id = v.product_id
            WHERE p.name = $1 AND v.tag = $2
            ORDER BY p.created_at
            LIMIT 1
            FOR UPDATE OF v
        )
        UPDATE product_variants v
        SET stock = GREATEST(target.previous - $3, 0)
        FROM target
        WHERE v.product_id = target.product_id AND v.tag = target.tag
        RETURNING target.previous, v.stock
    `, productName, variant, qty).Scan(&change.Previous, &change.Current)
	if errors.Is(err, sql.ErrNoRows) {
		return change, fmt.Errorf("%s/%s: %w", productName, variant, catalog.ErrVariantNotFound)
	}
	if err != nil {
		return change, fmt.Errorf("failed to decrement stock for %s/%s: %w", productName, variant, err)
	}
	if change.Clamped() {
		return change, fmt.Errorf("%s/%s: %w", productName, variant, catalog.ErrStockUnderflow)
	}
	logger.Printf("[DB] Stock %s/%s: %d -> %d", productName, variant, change.Previous, change.Current)
	return change, nil
}

// Seed helpers used by paymentctl and the integration tests.

func (r *Repository) UpsertUser(ctx context.Context, u account.User) error {
	if err := r.ready(); err != nil {
		return err
	}
	_, err := r.DB.ExecContext(ctx, `
        INSERT INTO users (id, name, email) VALUES ($1, $2, $3)
        ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, email = EXCLUDED.email
    `, u.ID, u.Name, u.Email)
	if err != nil {
		return fmt.Errorf("failed to upsert user: %w", err)
	}
	return nil
}

func (r *Repository) UpsertProduct(ctx context.Context, p catalog.Product) error {
	if err := r.ready(); err != nil {
		return err
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
        INSERT INTO products (id, name, price, active) VALUES ($1, $2, $3, $4)
        ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, price = EXCLUDED.price, active = EXCLUDED.active
    `, p.ID, p.Name, p.Price, p.Active); err != nil {
		return fmt.Errorf("failed to upsert product: %w", err)
	}
	for _, v := range p.Variants {
		if _, err := tx.ExecContext(ctx, `
            INSERT INTO product_variants (product_id, tag, stock) VALUES ($1, $2, $3)
            ON CONFLICT (product_id, tag) DO UPDATE SET stock = EXCLUDED.stock
        `, p.ID, v.Tag, v.Stock); err != nil {
			return fmt.Errorf("failed to upsert variant %s: %w", v.Tag, err)
		}
	}
	return tx.Commit()
}

func (r *Repository) PutCart(ctx context.Context, c cart.Cart) error {
	if err := r.ready(); err != nil {
		return err
	}
	items := c.Items
	if items == nil {
		items = []cart.Item{}
	}
	raw, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("failed to encode cart items: %w", err)
	}
	_, err = r.DB.ExecContext(ctx, `
        INSERT INTO carts (user_id, items, updated_at) VALUES ($1, $2, $3)
        ON CONFLICT (user_id) DO UPDATE SET items = EXCLUDED.items, updated_at = EXCLUDED.updated_at
    `, c.UserID, string(raw), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to store cart: %w", err)
	}
	return nil
}
