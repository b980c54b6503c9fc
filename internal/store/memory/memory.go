package memory

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"stocklane/backend/internal/domain"
	"stocklane/backend/internal/stockstate"
	"stocklane/backend/internal/store"
	"stocklane/backend/internal/xid"
)

// Store is an in-memory Repository used for development mode and tests.
// It mirrors the transactional semantics of the postgres store: a sale is
// validated completely before any product is touched.
type Store struct {
	mu          sync.RWMutex
	products    map[int64]domain.Product
	barcodes    map[string]int64
	categories  map[int64]domain.Category
	sales       map[int64]domain.Sale
	salesByIdem map[string]int64
	auditLogs   []domain.AuditLog
	users       map[string]domain.UserAccount

	productSeq int64
	saleSeq    int64
}

func New() *Store {
	return &Store{
		products:    make(map[int64]domain.Product),
		barcodes:    make(map[string]int64),
		categories:  make(map[int64]domain.Category),
		sales:       make(map[int64]domain.Sale),
		salesByIdem: make(map[string]int64),
		users:       make(map[string]domain.UserAccount),
	}
}

// NewSeeded returns a store pre-loaded with reference categories, a small
// catalog, and dev login accounts. Seed passwords come from
// SEED_ADMIN_PASSWORD / SEED_SELLER_PASSWORD; hardcoded defaults are used
// with a warning when unset. Production deployments use PostgreSQL.
func NewSeeded() *Store {
	s := New()

	for _, c := range []domain.Category{
		{ID: 1, Name: "grocery"},
		{ID: 2, Name: "beverage"},
		{ID: 3, Name: "household"},
		{ID: 4, Name: "stationery"},
	} {
		s.categories[c.ID] = c
	}

	now := time.Now().UTC()
	seed := []domain.Product{
		{Name: "Ballpoint Pen Black", PriceCents: 1500, Quantity: 120, CategoryID: 4},
		{Name: "Notebook A5", PriceCents: 4500, Quantity: 64, CategoryID: 4},
		{Name: "Mineral Water 600ml", PriceCents: 900, Quantity: 200, CategoryID: 2},
		{Name: "Dish Soap 800ml", PriceCents: 3900, Quantity: 8, CategoryID: 3},
		{Name: "Instant Coffee Jar", PriceCents: 7400, Quantity: 0, CategoryID: 2},
	}
	for i, p := range seed {
		s.productSeq++
		p.ID = s.productSeq
		p.Barcode = fmt.Sprintf("PRD-%d-%04d", now.Year(), i+1)
		p.Status = stockstate.Reconcile(p.Quantity, stockstate.Initial(p.Quantity))
		p.CreatedAt = now
		p.UpdatedAt = now
		s.products[p.ID] = p
		s.barcodes[p.Barcode] = p.ID
	}

	s.users = seedUsers()
	return s
}

func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	sellerPwd := envOr("SEED_SELLER_PASSWORD", "seller123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_SELLER_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_ADMIN_PASSWORD and SEED_SELLER_PASSWORD to override.")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, domain.RoleAdmin},
		{"seller", sellerPwd, domain.RoleSeller},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func (s *Store) ListProducts(_ context.Context) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	products := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		products = append(products, p)
	}
	sort.Slice(products, func(i, j int) bool { return products[i].ID < products[j].ID })
	return products, nil
}

func (s *Store) GetProductByID(_ context.Context, id int64) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.products[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &p, nil
}

func (s *Store) GetProductByBarcode(_ context.Context, barcode string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.barcodes[strings.TrimSpace(barcode)]
	if !ok {
		return nil, store.ErrNotFound
	}
	p := s.products[id]
	return &p, nil
}

func (s *Store) CountProducts(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.products), nil
}

func (s *Store) CreateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	if product.Name == "" || product.Barcode == "" || product.PriceCents < 0 || product.Quantity < 0 {
		return nil, store.ErrValidation
	}
	if !product.Status.Valid() {
		return nil, store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.barcodes[product.Barcode]; exists {
		return nil, fmt.Errorf("barcode %s already exists: %w", product.Barcode, store.ErrValidation)
	}

	s.productSeq++
	product.ID = s.productSeq
	now := time.Now().UTC()
	product.CreatedAt = now
	product.UpdatedAt = now
	s.products[product.ID] = product
	s.barcodes[product.Barcode] = product.ID

	created := product
	return &created, nil
}

func (s *Store) UpdateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	if product.Name == "" || product.PriceCents < 0 || product.Quantity < 0 || !product.Status.Valid() {
		return nil, store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.products[product.ID]
	if !ok {
		return nil, store.ErrNotFound
	}

	product.Barcode = existing.Barcode
	product.CreatedAt = existing.CreatedAt
	product.UpdatedAt = time.Now().UTC()
	s.products[product.ID] = product

	updated := product
	return &updated, nil
}

func (s *Store) UpdateProductStatus(_ context.Context, id int64, status domain.StockStatus) (*domain.Product, error) {
	if !status.Valid() {
		return nil, store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.products[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	p.Status = status
	p.UpdatedAt = time.Now().UTC()
	s.products[id] = p

	updated := p
	return &updated, nil
}

func (s *Store) DebitQuantity(_ context.Context, id int64, qty int) (*domain.Product, error) {
	if qty < 1 {
		return nil, store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.debitLocked(id, qty)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// debitLocked applies the guarded decrement plus reconciliation. The caller
// must hold the write lock.
func (s *Store) debitLocked(id int64, qty int) (*domain.Product, error) {
	p, ok := s.products[id]
	if !ok {
		return nil, fmt.Errorf("product %d: %w", id, store.ErrNotFound)
	}
	if p.Quantity < qty {
		return nil, fmt.Errorf("product %d has %d on hand, need %d: %w", id, p.Quantity, qty, store.ErrInsufficientStock)
	}

	p.Quantity -= qty
	p.Status = stockstate.Reconcile(p.Quantity, p.Status)
	p.UpdatedAt = time.Now().UTC()
	s.products[id] = p

	updated := p
	return &updated, nil
}

func (s *Store) ListCategories(_ context.Context) ([]domain.Category, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	categories := make([]domain.Category, 0, len(s.categories))
	for _, c := range s.categories {
		categories = append(categories, c)
	}
	sort.Slice(categories, func(i, j int) bool { return categories[i].ID < categories[j].ID })
	return categories, nil
}

func (s *Store) CreateSale(_ context.Context, sale domain.Sale) (*domain.Sale, bool, error) {
	if len(sale.Lines) == 0 {
		return nil, false, store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if sale.IdempotencyKey != "" {
		if id, seen := s.salesByIdem[sale.IdempotencyKey]; seen {
			existing := s.sales[id]
			return &existing, true, nil
		}
	}

	// Validate every line against live stock before mutating anything, so a
	// failure midway leaves no partial debits behind.
	debits := aggregateDebits(sale.Lines)
	for _, d := range debits {
		p, ok := s.products[d.productID]
		if !ok {
			return nil, false, fmt.Errorf("product %d: %w", d.productID, store.ErrNotFound)
		}
		if p.Quantity < d.qty {
			return nil, false, fmt.Errorf("product %d has %d on hand, need %d: %w", d.productID, p.Quantity, d.qty, store.ErrInsufficientStock)
		}
	}

	s.saleSeq++
	sale.ID = s.saleSeq
	if sale.SellingDate.IsZero() {
		sale.SellingDate = time.Now().UTC()
	}
	for i := range sale.Lines {
		sale.Lines[i].SaleID = sale.ID
	}

	for _, d := range debits {
		if _, err := s.debitLocked(d.productID, d.qty); err != nil {
			// Unreachable after the validation pass above; kept as a guard.
			return nil, false, err
		}
	}

	s.sales[sale.ID] = sale
	if sale.IdempotencyKey != "" {
		s.salesByIdem[sale.IdempotencyKey] = sale.ID
	}

	created := sale
	return &created, false, nil
}

type debit struct {
	productID int64
	qty       int
}

// aggregateDebits sums line quantities per product so a product referenced
// by several lines is debited exactly once, in first-seen order.
func aggregateDebits(lines []domain.SaleLine) []debit {
	index := make(map[int64]int, len(lines))
	debits := make([]debit, 0, len(lines))
	for _, line := range lines {
		if at, ok := index[line.ProductID]; ok {
			debits[at].qty += line.Quantity
			continue
		}
		index[line.ProductID] = len(debits)
		debits = append(debits, debit{productID: line.ProductID, qty: line.Quantity})
	}
	return debits
}

func (s *Store) FindSaleByIdempotencyKey(_ context.Context, key string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.salesByIdem[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	sale := s.sales[id]
	return &sale, nil
}

func (s *Store) GetSaleByID(_ context.Context, id int64) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, ok := s.sales[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &sale, nil
}

func (s *Store) ListSales(_ context.Context, limit int) ([]domain.Sale, error) {
	if limit < 1 {
		limit = 100
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	sales := make([]domain.Sale, 0, len(s.sales))
	for _, sale := range s.sales {
		sales = append(sales, sale)
	}
	sort.Slice(sales, func(i, j int) bool { return sales[i].ID > sales[j].ID })
	if len(sales) > limit {
		sales = sales[:limit]
	}
	return sales, nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	logs := make([]domain.AuditLog, 0, limit)
	for i := len(s.auditLogs) - 1; i >= 0 && len(logs) < limit; i-- {
		entry := s.auditLogs[i]
		if entry.CreatedAt.Before(from) || !entry.CreatedAt.Before(to) {
			continue
		}
		logs = append(logs, entry)
	}
	return logs, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" {
		return store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.users[username]; exists {
		return fmt.Errorf("username %s already exists: %w", username, store.ErrValidation)
	}
	user.Username = username
	s.users[username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.users))
	for _, u := range s.users {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Username < users[j].Username })
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[strings.ToLower(strings.TrimSpace(username))]
	if !ok {
		return store.ErrNotFound
	}
	u.Password = password
	s.users[u.Username] = u
	return nil
}
