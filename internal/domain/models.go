package domain

import "time"

// StockStatus is the product lifecycle state. The integer codes match the
// persisted status_id column and must not be reordered.
type StockStatus int

const (
	StatusActive     StockStatus = 1
	StatusInactive   StockStatus = 2
	StatusOutOfStock StockStatus = 3
	StatusLowStock   StockStatus = 4
)

func (s StockStatus) Valid() bool {
	return s >= StatusActive && s <= StatusLowStock
}

func (s StockStatus) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusInactive:
		return "inactive"
	case StatusOutOfStock:
		return "out_of_stock"
	case StatusLowStock:
		return "low_stock"
	default:
		return "unknown"
	}
}

type Product struct {
	ID         int64       `json:"id"`
	Name       string      `json:"name"`
	Barcode    string      `json:"barcode"`
	PriceCents int64       `json:"price_cents"`
	Quantity   int         `json:"quantity"`
	CategoryID int64       `json:"category_id"`
	Image      string      `json:"image,omitempty"`
	Status     StockStatus `json:"status_id"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

type ProductCreateRequest struct {
	Name       string       `json:"name"`
	PriceCents int64        `json:"price_cents"`
	Quantity   int          `json:"quantity"`
	CategoryID int64        `json:"category_id"`
	Image      string       `json:"image,omitempty"`
	Status     *StockStatus `json:"status_id,omitempty"`
}

type ProductUpdateRequest struct {
	Name       *string      `json:"name,omitempty"`
	PriceCents *int64       `json:"price_cents,omitempty"`
	Quantity   *int         `json:"quantity,omitempty"`
	CategoryID *int64       `json:"category_id,omitempty"`
	Image      *string      `json:"image,omitempty"`
	Status     *StockStatus `json:"status_id,omitempty"`
}

type Category struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// BarcodeLookupResponse distinguishes "no such barcode" (Found=false) from
// "found but not sellable" (Found=true, Product.Status != StatusActive).
type BarcodeLookupResponse struct {
	Found   bool     `json:"found"`
	Product *Product `json:"product,omitempty"`
}

type SaleLine struct {
	SaleID         int64 `json:"sale_id,omitempty"`
	ProductID      int64 `json:"product_id"`
	Quantity       int   `json:"quantity"`
	UnitPriceCents int64 `json:"unit_price_cents"`
}

type Sale struct {
	ID             int64      `json:"id"`
	SellingDate    time.Time  `json:"selling_date"`
	TotalCents     int64      `json:"total_cents"`
	BranchID       int64      `json:"branch_id"`
	SellerID       int64      `json:"seller_id"`
	IdempotencyKey string     `json:"idempotency_key,omitempty"`
	Lines          []SaleLine `json:"lines"`
}

type RecordSaleRequest struct {
	SellingDate    *time.Time `json:"selling_date,omitempty"`
	TotalCents     int64      `json:"total_cents"`
	BranchID       int64      `json:"branch_id"`
	SellerID       int64      `json:"seller_id"`
	IdempotencyKey string     `json:"idempotency_key,omitempty"`
	Lines          []SaleLine `json:"lines"`
}

type RecordSaleResponse struct {
	Sale      Sale `json:"sale"`
	Duplicate bool `json:"duplicate"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
}

type SellerCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type SellerUser struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

type AuditLog struct {
	ID            string    `json:"id"`
	ActorUsername string    `json:"actor_username"`
	ActorRole     string    `json:"actor_role"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}

const (
	RoleAdmin  = "admin"
	RoleSeller = "seller"
)
