package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"stocklane/backend/internal/barcode"
	"stocklane/backend/internal/cache"
	"stocklane/backend/internal/domain"
	"stocklane/backend/internal/stockstate"
	"stocklane/backend/internal/store"
	"stocklane/backend/internal/xid"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Service struct {
	repo            store.Repository
	barcodes        *barcode.Generator
	products        cache.ProductCache
	cacheTTL        time.Duration
	defaultBranchID int64
}

func New(repo store.Repository, barcodes *barcode.Generator, products cache.ProductCache, cacheTTL time.Duration, defaultBranchID int64) *Service {
	if products == nil {
		products = cache.NoopProductCache{}
	}
	if cacheTTL <= 0 {
		cacheTTL = 5 * time.Minute
	}
	if defaultBranchID < 1 {
		defaultBranchID = 1
	}

	return &Service{
		repo:            repo,
		barcodes:        barcodes,
		products:        products,
		cacheTTL:        cacheTTL,
		defaultBranchID: defaultBranchID,
	}
}

func (s *Service) ListProducts(ctx context.Context) ([]domain.Product, error) {
	return s.repo.ListProducts(ctx)
}

func (s *Service) GetProduct(ctx context.Context, id int64) (domain.Product, error) {
	product, err := s.repo.GetProductByID(ctx, id)
	if err != nil {
		return domain.Product{}, err
	}
	return *product, nil
}

func (s *Service) CreateProduct(ctx context.Context, req domain.ProductCreateRequest) (domain.Product, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleAdmin {
		return domain.Product{}, fmt.Errorf("admin role required")
	}

	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" || req.PriceCents < 0 || req.Quantity < 0 || req.CategoryID < 1 {
		return domain.Product{}, store.ErrValidation
	}

	status := stockstate.Initial(req.Quantity)
	if req.Status != nil {
		if !req.Status.Valid() {
			return domain.Product{}, store.ErrValidation
		}
		status = *req.Status
	}

	code, err := s.barcodes.Next(ctx)
	if err != nil {
		return domain.Product{}, err
	}

	product := domain.Product{
		Name:       req.Name,
		Barcode:    code,
		PriceCents: req.PriceCents,
		Quantity:   req.Quantity,
		CategoryID: req.CategoryID,
		Image:      strings.TrimSpace(req.Image),
		Status:     status,
	}

	created, err := s.repo.CreateProduct(ctx, product)
	if errors.Is(err, store.ErrValidation) {
		// Our own validation passed, so the only constraint left to trip is
		// the unique barcode index. Regenerate once and retry.
		code, genErr := s.barcodes.Next(ctx)
		if genErr != nil {
			return domain.Product{}, genErr
		}
		product.Barcode = code
		created, err = s.repo.CreateProduct(ctx, product)
	}
	if err != nil {
		return domain.Product{}, err
	}

	s.logAudit(ctx, "product_create", "product", created.Barcode, fmt.Sprintf("name=%s,price=%d,qty=%d,status=%s", created.Name, created.PriceCents, created.Quantity, created.Status))

	return *created, nil
}

func (s *Service) UpdateProduct(ctx context.Context, id int64, req domain.ProductUpdateRequest) (domain.Product, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleAdmin {
		return domain.Product{}, fmt.Errorf("admin role required")
	}

	existing, err := s.repo.GetProductByID(ctx, id)
	if err != nil {
		return domain.Product{}, err
	}

	updated := *existing
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return domain.Product{}, store.ErrValidation
		}
		updated.Name = name
	}
	if req.PriceCents != nil {
		if *req.PriceCents < 0 {
			return domain.Product{}, store.ErrValidation
		}
		updated.PriceCents = *req.PriceCents
	}
	if req.Quantity != nil {
		if *req.Quantity < 0 {
			return domain.Product{}, store.ErrValidation
		}
		updated.Quantity = *req.Quantity
	}
	if req.CategoryID != nil {
		if *req.CategoryID < 1 {
			return domain.Product{}, store.ErrValidation
		}
		updated.CategoryID = *req.CategoryID
	}
	if req.Image != nil {
		updated.Image = strings.TrimSpace(*req.Image)
	}
	if req.Status != nil {
		if !req.Status.Valid() {
			return domain.Product{}, store.ErrValidation
		}
		updated.Status = *req.Status
	} else {
		// The edit form submits without a status, which resets to Active;
		// the reconciliation below immediately corrects it for the saved
		// quantity.
		updated.Status = domain.StatusActive
	}

	saved, err := s.repo.UpdateProduct(ctx, updated)
	if err != nil {
		return domain.Product{}, err
	}

	if next := stockstate.Reconcile(saved.Quantity, saved.Status); next != saved.Status {
		saved, err = s.repo.UpdateProductStatus(ctx, saved.ID, next)
		if err != nil {
			return domain.Product{}, err
		}
	}

	s.invalidate(ctx, saved.Barcode)
	s.logAudit(ctx, "product_update", "product", saved.Barcode, fmt.Sprintf("price=%d,qty=%d,status=%s", saved.PriceCents, saved.Quantity, saved.Status))

	return *saved, nil
}

func (s *Service) DebitQuantity(ctx context.Context, id int64, qty int) (domain.Product, error) {
	if qty < 1 {
		return domain.Product{}, store.ErrValidation
	}

	product, err := s.repo.DebitQuantity(ctx, id, qty)
	if err != nil {
		return domain.Product{}, err
	}

	s.invalidate(ctx, product.Barcode)

	return *product, nil
}

// Activate is an operator override. It refuses a product with nothing on
// hand; restocking through Update is the way back from OutOfStock.
func (s *Service) Activate(ctx context.Context, id int64) (domain.Product, error) {
	return s.overrideStatus(ctx, id, domain.StatusActive, func(p *domain.Product) error {
		if p.Quantity <= 0 {
			return fmt.Errorf("cannot activate with zero stock: %w", store.ErrInvalidState)
		}
		return nil
	})
}

func (s *Service) Deactivate(ctx context.Context, id int64) (domain.Product, error) {
	return s.overrideStatus(ctx, id, domain.StatusInactive, nil)
}

func (s *Service) MarkLowStock(ctx context.Context, id int64) (domain.Product, error) {
	return s.overrideStatus(ctx, id, domain.StatusLowStock, nil)
}

func (s *Service) MarkOutOfStock(ctx context.Context, id int64) (domain.Product, error) {
	return s.overrideStatus(ctx, id, domain.StatusOutOfStock, func(p *domain.Product) error {
		if p.Quantity > 0 {
			return fmt.Errorf("stock on hand is %d: %w", p.Quantity, store.ErrInvalidState)
		}
		return nil
	})
}

func (s *Service) overrideStatus(ctx context.Context, id int64, status domain.StockStatus, guard func(*domain.Product) error) (domain.Product, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleAdmin {
		return domain.Product{}, fmt.Errorf("admin role required")
	}

	existing, err := s.repo.GetProductByID(ctx, id)
	if err != nil {
		return domain.Product{}, err
	}
	if guard != nil {
		if err := guard(existing); err != nil {
			return domain.Product{}, err
		}
	}

	saved, err := s.repo.UpdateProductStatus(ctx, id, status)
	if err != nil {
		return domain.Product{}, err
	}

	s.invalidate(ctx, saved.Barcode)
	s.logAudit(ctx, "product_status_override", "product", saved.Barcode, fmt.Sprintf("from=%s,to=%s", existing.Status, saved.Status))

	return *saved, nil
}

// GetByBarcode is the scanner path: an unknown code is a normal outcome,
// not an error. Hits are served from the cache when one is configured.
func (s *Service) GetByBarcode(ctx context.Context, code string) (domain.BarcodeLookupResponse, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return domain.BarcodeLookupResponse{}, store.ErrValidation
	}

	if cached, hit, err := s.products.Get(ctx, code); err != nil {
		log.Printf("[cache] WARN: barcode lookup failed code=%s: %v", code, err)
	} else if hit {
		return domain.BarcodeLookupResponse{Found: true, Product: cached}, nil
	}

	product, err := s.repo.GetProductByBarcode(ctx, code)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.BarcodeLookupResponse{Found: false}, nil
		}
		return domain.BarcodeLookupResponse{}, err
	}

	if err := s.products.Set(ctx, product, s.cacheTTL); err != nil {
		log.Printf("[cache] WARN: failed to cache product code=%s: %v", code, err)
	}

	return domain.BarcodeLookupResponse{Found: true, Product: product}, nil
}

func (s *Service) ListCategories(ctx context.Context) ([]domain.Category, error) {
	return s.repo.ListCategories(ctx)
}

func (s *Service) RecordSale(ctx context.Context, req domain.RecordSaleRequest) (domain.RecordSaleResponse, error) {
	if len(req.Lines) == 0 {
		return domain.RecordSaleResponse{}, store.ErrValidation
	}

	var computedTotal int64
	for _, line := range req.Lines {
		if line.ProductID < 1 || line.Quantity < 1 || line.UnitPriceCents < 0 {
			return domain.RecordSaleResponse{}, store.ErrValidation
		}
		computedTotal += int64(line.Quantity) * line.UnitPriceCents
	}
	if req.TotalCents != computedTotal {
		return domain.RecordSaleResponse{}, fmt.Errorf("total %d does not match line sum %d: %w", req.TotalCents, computedTotal, store.ErrValidation)
	}

	if req.BranchID < 1 {
		req.BranchID = s.defaultBranchID
	}

	sellingDate := time.Now().UTC()
	if req.SellingDate != nil {
		sellingDate = req.SellingDate.UTC()
	}

	key := strings.TrimSpace(req.IdempotencyKey)
	if key != "" {
		if existing, err := s.repo.FindSaleByIdempotencyKey(ctx, key); err == nil {
			return domain.RecordSaleResponse{Sale: *existing, Duplicate: true}, nil
		} else if !errors.Is(err, store.ErrNotFound) {
			return domain.RecordSaleResponse{}, err
		}
	}

	created, duplicate, err := s.repo.CreateSale(ctx, domain.Sale{
		SellingDate:    sellingDate,
		TotalCents:     req.TotalCents,
		BranchID:       req.BranchID,
		SellerID:       req.SellerID,
		IdempotencyKey: key,
		Lines:          req.Lines,
	})
	if err != nil {
		return domain.RecordSaleResponse{}, err
	}

	if !duplicate {
		for _, line := range created.Lines {
			if product, err := s.repo.GetProductByID(ctx, line.ProductID); err == nil {
				s.invalidate(ctx, product.Barcode)
			}
		}
		s.logAudit(ctx, "sale_record", "sale", fmt.Sprintf("%d", created.ID), fmt.Sprintf("total=%d,lines=%d,branch=%d", created.TotalCents, len(created.Lines), created.BranchID))
	}

	return domain.RecordSaleResponse{Sale: *created, Duplicate: duplicate}, nil
}

func (s *Service) GetSale(ctx context.Context, id int64) (domain.Sale, error) {
	sale, err := s.repo.GetSaleByID(ctx, id)
	if err != nil {
		return domain.Sale{}, err
	}
	return *sale, nil
}

func (s *Service) ListSales(ctx context.Context, limit int) ([]domain.Sale, error) {
	if limit < 1 {
		limit = 100
	}
	return s.repo.ListSales(ctx, limit)
}

func (s *Service) ListAuditLogs(ctx context.Context, day string, limit int) ([]domain.AuditLog, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleAdmin {
		return nil, fmt.Errorf("admin role required")
	}

	from := time.Now().UTC().Truncate(24 * time.Hour)
	if strings.TrimSpace(day) != "" {
		parsed, err := time.Parse("2006-01-02", day)
		if err != nil {
			return nil, store.ErrValidation
		}
		from = parsed.UTC()
	}
	if limit < 1 {
		limit = 100
	}

	return s.repo.ListAuditLogs(ctx, from, from.Add(24*time.Hour), limit)
}

func (s *Service) invalidate(ctx context.Context, code string) {
	if err := s.products.Invalidate(ctx, code); err != nil {
		log.Printf("[cache] WARN: failed to invalidate product code=%s: %v", code, err)
	}
}

func (s *Service) logAudit(ctx context.Context, action string, entityType string, entityID string, detail string) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}

	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:            xid.New("audit"),
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     time.Now().UTC(),
	}); err != nil {
		log.Printf("[audit] WARN: failed to write audit log action=%s entity=%s/%s: %v", action, entityType, entityID, err)
	}
}
