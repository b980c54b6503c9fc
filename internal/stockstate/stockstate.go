// Package stockstate decides which lifecycle status a product belongs in
// after a quantity change. It is the only place allowed to derive a status
// from a quantity; call sites must never compare against thresholds or
// assign status codes themselves.
package stockstate

import "stocklane/backend/internal/domain"

// LowStockThreshold is the inclusive upper bound for the low-stock band.
const LowStockThreshold = 10

// Reconcile maps (quantity, current status) to the next status.
//
// Inactive is an operator-only state: a quantity change never moves a
// product into or out of it. For everything else the bands win in order:
// depleted, low, then reactivation back to Active when stock recovers.
// The function is pure and idempotent; calling it twice with the same
// quantity yields the same status.
func Reconcile(quantity int, current domain.StockStatus) domain.StockStatus {
	if current == domain.StatusInactive {
		return domain.StatusInactive
	}
	if quantity <= 0 {
		return domain.StatusOutOfStock
	}
	if quantity <= LowStockThreshold {
		return domain.StatusLowStock
	}
	if current == domain.StatusOutOfStock || current == domain.StatusLowStock {
		return domain.StatusActive
	}
	return current
}

// Initial is the status assigned to a newly created product when the
// caller did not supply an explicit override.
func Initial(quantity int) domain.StockStatus {
	if quantity > 0 {
		return domain.StatusActive
	}
	return domain.StatusOutOfStock
}
