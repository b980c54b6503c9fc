package store

import (
	"context"
	"errors"
	"time"

	"stocklane/backend/internal/domain"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrValidation         = errors.New("validation failed")
	ErrInvalidState       = errors.New("invalid state")
	ErrInsufficientStock  = errors.New("insufficient stock")
	ErrTransactionFailure = errors.New("transaction failure")
)

type Repository interface {
	ListProducts(ctx context.Context) ([]domain.Product, error)
	GetProductByID(ctx context.Context, id int64) (*domain.Product, error)
	GetProductByBarcode(ctx context.Context, barcode string) (*domain.Product, error)
	CountProducts(ctx context.Context) (int, error)
	CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	UpdateProductStatus(ctx context.Context, id int64, status domain.StockStatus) (*domain.Product, error)
	// DebitQuantity performs a single guarded decrement and reconciles the
	// status from the post-decrement quantity inside the same transaction.
	// It fails with ErrInsufficientStock when the debit would drive the
	// quantity negative, and persists nothing in that case.
	DebitQuantity(ctx context.Context, id int64, qty int) (*domain.Product, error)
	ListCategories(ctx context.Context) ([]domain.Category, error)
	// CreateSale records the header, all lines, and every per-product debit
	// (with status reconciliation) as one unit: either everything is durable
	// or nothing is. The bool result reports an idempotent replay.
	CreateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, bool, error)
	FindSaleByIdempotencyKey(ctx context.Context, key string) (*domain.Sale, error)
	GetSaleByID(ctx context.Context, id int64) (*domain.Sale, error)
	ListSales(ctx context.Context, limit int) ([]domain.Sale, error)
	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error)
	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}
