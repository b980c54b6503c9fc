package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"stocklane/backend/internal/domain"
	"stocklane/backend/internal/stockstate"
	"stocklane/backend/internal/store"
	"stocklane/backend/internal/xid"
)

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

const productColumns = `id, name, barcode, price_cents, quantity, category_id, COALESCE(image,''), status_id, created_at, updated_at`

func scanProduct(row interface{ Scan(...any) error }) (*domain.Product, error) {
	var p domain.Product
	err := row.Scan(&p.ID, &p.Name, &p.Barcode, &p.PriceCents, &p.Quantity, &p.CategoryID, &p.Image, &p.Status, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return &p, nil
}

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+productColumns+`
		FROM product
		ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 128)
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return products, nil
}

func (s *Store) GetProductByID(ctx context.Context, id int64) (*domain.Product, error) {
	p, err := scanProduct(s.db.QueryRowContext(ctx, `
		SELECT `+productColumns+`
		FROM product
		WHERE id = $1
	`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return p, nil
}

func (s *Store) GetProductByBarcode(ctx context.Context, barcode string) (*domain.Product, error) {
	p, err := scanProduct(s.db.QueryRowContext(ctx, `
		SELECT `+productColumns+`
		FROM product
		WHERE barcode = $1
	`, strings.TrimSpace(barcode)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return p, nil
}

func (s *Store) CountProducts(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM product`).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func (s *Store) CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if product.Name == "" || product.Barcode == "" || product.PriceCents < 0 || product.Quantity < 0 || !product.Status.Valid() {
		return nil, store.ErrValidation
	}

	p, err := scanProduct(s.db.QueryRowContext(ctx, `
		INSERT INTO product (name, barcode, price_cents, quantity, category_id, image, status_id, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,now(),now())
		RETURNING `+productColumns+`
	`, product.Name, product.Barcode, product.PriceCents, product.Quantity, product.CategoryID, nullIfEmpty(product.Image), int(product.Status)))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("barcode %s already exists: %w", product.Barcode, store.ErrValidation)
		}
		return nil, err
	}
	return p, nil
}

func (s *Store) UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if product.Name == "" || product.PriceCents < 0 || product.Quantity < 0 || !product.Status.Valid() {
		return nil, store.ErrValidation
	}

	p, err := scanProduct(s.db.QueryRowContext(ctx, `
		UPDATE product
		SET name = $2, price_cents = $3, quantity = $4, category_id = $5, image = $6, status_id = $7, updated_at = now()
		WHERE id = $1
		RETURNING `+productColumns+`
	`, product.ID, product.Name, product.PriceCents, product.Quantity, product.CategoryID, nullIfEmpty(product.Image), int(product.Status)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return p, nil
}

func (s *Store) UpdateProductStatus(ctx context.Context, id int64, status domain.StockStatus) (*domain.Product, error) {
	if !status.Valid() {
		return nil, store.ErrValidation
	}

	p, err := scanProduct(s.db.QueryRowContext(ctx, `
		UPDATE product
		SET status_id = $2, updated_at = now()
		WHERE id = $1
		RETURNING `+productColumns+`
	`, id, int(status)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return p, nil
}

func (s *Store) DebitQuantity(ctx context.Context, id int64, qty int) (*domain.Product, error) {
	if qty < 1 {
		return nil, store.ErrValidation
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if err := debitInTx(ctx, tx, id, qty); err != nil {
		return nil, err
	}
	p, err := scanProduct(tx.QueryRowContext(ctx, `
		SELECT `+productColumns+`
		FROM product
		WHERE id = $1
	`, id))
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrTransactionFailure, err)
	}
	return p, nil
}

// debitInTx performs the guarded single-statement decrement and reconciles
// the status from the post-decrement quantity. The returned quantity is the
// authoritative reconciliation input; no separately-read value is used.
func debitInTx(ctx context.Context, tx *sql.Tx, productID int64, qty int) error {
	var newQty int
	var status domain.StockStatus
	err := tx.QueryRowContext(ctx, `
		UPDATE product
		SET quantity = quantity - $1, updated_at = now()
		WHERE id = $2 AND quantity >= $1
		RETURNING quantity, status_id
	`, qty, productID).Scan(&newQty, &status)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		// Guard did not match: distinguish a missing row from a shortfall.
		var onHand int
		probeErr := tx.QueryRowContext(ctx, `SELECT quantity FROM product WHERE id = $1`, productID).Scan(&onHand)
		if errors.Is(probeErr, sql.ErrNoRows) {
			return fmt.Errorf("product %d: %w", productID, store.ErrNotFound)
		}
		if probeErr != nil {
			return probeErr
		}
		return fmt.Errorf("product %d has %d on hand, need %d: %w", productID, onHand, qty, store.ErrInsufficientStock)
	}

	next := stockstate.Reconcile(newQty, status)
	if next == status {
		return nil
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE product
		SET status_id = $2, updated_at = now()
		WHERE id = $1
	`, productID, int(next))
	return err
}

func (s *Store) ListCategories(ctx context.Context) ([]domain.Category, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name
		FROM product_category
		ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	categories := make([]domain.Category, 0, 16)
	for rows.Next() {
		var c domain.Category
		if err := rows.Scan(&c.ID, &c.Name); err != nil {
			return nil, err
		}
		categories = append(categories, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return categories, nil
}

// CreateSale records the header, the lines, and every per-product debit in
// one transaction. A failed debit rolls everything back, so a sale is never
// observable without its lines or its stock movements.
func (s *Store) CreateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, bool, error) {
	if len(sale.Lines) == 0 {
		return nil, false, store.ErrValidation
	}
	if sale.SellingDate.IsZero() {
		sale.SellingDate = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, false, err
	}
	defer func() { _ = tx.Rollback() }()

	err = tx.QueryRowContext(ctx, `
		INSERT INTO sale (selling_date, total_cents, branch_id, seller_id, idempotency_key)
		VALUES ($1,$2,$3,$4,$5)
		RETURNING id
	`, sale.SellingDate, sale.TotalCents, sale.BranchID, sale.SellerID, nullIfEmpty(sale.IdempotencyKey)).Scan(&sale.ID)
	if err != nil {
		if isUniqueViolation(err) && sale.IdempotencyKey != "" {
			_ = tx.Rollback()
			existing, lookupErr := s.FindSaleByIdempotencyKey(ctx, sale.IdempotencyKey)
			if lookupErr == nil {
				return existing, true, nil
			}
		}
		return nil, false, err
	}

	placeholders := make([]string, 0, len(sale.Lines))
	values := make([]any, 0, len(sale.Lines)*4)
	for i := range sale.Lines {
		sale.Lines[i].SaleID = sale.ID
		base := i * 4
		placeholders = append(placeholders, fmt.Sprintf("($%d,$%d,$%d,$%d)", base+1, base+2, base+3, base+4))
		values = append(values, sale.ID, sale.Lines[i].ProductID, sale.Lines[i].Quantity, sale.Lines[i].UnitPriceCents)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO selling_item (sale_id, product_id, quantity, unit_price_cents)
		VALUES `+strings.Join(placeholders, ","), values...)
	if err != nil {
		return nil, false, err
	}

	// One debit per product in ascending id order, so concurrent sales that
	// overlap on products always lock rows in the same order.
	for _, d := range aggregateDebits(sale.Lines) {
		if err := debitInTx(ctx, tx, d.productID, d.qty); err != nil {
			return nil, false, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("%w: %v", store.ErrTransactionFailure, err)
	}

	created := sale
	return &created, false, nil
}

type debit struct {
	productID int64
	qty       int
}

func aggregateDebits(lines []domain.SaleLine) []debit {
	byProduct := make(map[int64]int, len(lines))
	for _, line := range lines {
		byProduct[line.ProductID] += line.Quantity
	}
	debits := make([]debit, 0, len(byProduct))
	for id, qty := range byProduct {
		debits = append(debits, debit{productID: id, qty: qty})
	}
	sort.Slice(debits, func(i, j int) bool { return debits[i].productID < debits[j].productID })
	return debits
}

func (s *Store) FindSaleByIdempotencyKey(ctx context.Context, key string) (*domain.Sale, error) {
	return s.findSale(ctx, `idempotency_key = $1`, key)
}

func (s *Store) GetSaleByID(ctx context.Context, id int64) (*domain.Sale, error) {
	return s.findSale(ctx, `id = $1`, id)
}

func (s *Store) findSale(ctx context.Context, where string, arg any) (*domain.Sale, error) {
	var sale domain.Sale
	var idemKey sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, selling_date, total_cents, branch_id, seller_id, idempotency_key
		FROM sale
		WHERE `+where, arg).Scan(&sale.ID, &sale.SellingDate, &sale.TotalCents, &sale.BranchID, &sale.SellerID, &idemKey)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if idemKey.Valid {
		sale.IdempotencyKey = idemKey.String
	}
	sale.SellingDate = sale.SellingDate.UTC()

	lines, err := s.saleLines(ctx, sale.ID)
	if err != nil {
		return nil, err
	}
	sale.Lines = lines
	return &sale, nil
}

func (s *Store) saleLines(ctx context.Context, saleID int64) ([]domain.SaleLine, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sale_id, product_id, quantity, unit_price_cents
		FROM selling_item
		WHERE sale_id = $1
		ORDER BY id
	`, saleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	lines := make([]domain.SaleLine, 0, 8)
	for rows.Next() {
		var line domain.SaleLine
		if err := rows.Scan(&line.SaleID, &line.ProductID, &line.Quantity, &line.UnitPriceCents); err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}

func (s *Store) ListSales(ctx context.Context, limit int) ([]domain.Sale, error) {
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, selling_date, total_cents, branch_id, seller_id, idempotency_key
		FROM sale
		ORDER BY id DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sales := make([]domain.Sale, 0, limit)
	for rows.Next() {
		var sale domain.Sale
		var idemKey sql.NullString
		if err := rows.Scan(&sale.ID, &sale.SellingDate, &sale.TotalCents, &sale.BranchID, &sale.SellerID, &idemKey); err != nil {
			return nil, err
		}
		if idemKey.Valid {
			sale.IdempotencyKey = idemKey.String
		}
		sale.SellingDate = sale.SellingDate.UTC()
		sales = append(sales, sale)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range sales {
		lines, err := s.saleLines(ctx, sales[i].ID)
		if err != nil {
			return nil, err
		}
		sales[i].Lines = lines
	}
	return sales, nil
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, entry.ID, entry.ActorUsername, entry.ActorRole, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		FROM audit_log
		WHERE created_at >= $1 AND created_at < $2
		ORDER BY created_at DESC
		LIMIT $3
	`, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.ActorUsername, &entry.ActorRole, &entry.Action, &entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return logs, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" {
		return store.ErrValidation
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_user (username, password, role, active, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, username, user.Password, user.Role, user.Active, user.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("username %s already exists: %w", username, store.ErrValidation)
	}
	return err
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM app_user
		ORDER BY username
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var u domain.UserAccount
		if err := rows.Scan(&u.Username, &u.Password, &u.Role, &u.Active, &u.CreatedAt); err != nil {
			return nil, err
		}
		u.CreatedAt = u.CreatedAt.UTC()
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE app_user
		SET password = $2
		WHERE username = $1
	`, strings.ToLower(strings.TrimSpace(username)), password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func nullIfEmpty(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}
