// Package barcode produces product codes in the PRD-{year}-{NNNN} format
// the label printers and the point-of-sale scanner flow expect.
package barcode

import (
	"context"
	"fmt"
	"time"
)

// CountSource reports how many products exist at call time. The generator
// derives the running number from it, so sequences are not guaranteed to
// be gap-free or race-free under concurrent creates; the unique index on
// the barcode column is the backstop.
type CountSource interface {
	CountProducts(ctx context.Context) (int, error)
}

type Generator struct {
	counts CountSource
	now    func() time.Time
}

func NewGenerator(counts CountSource) *Generator {
	return &Generator{counts: counts, now: func() time.Time { return time.Now().UTC() }}
}

// Next returns the code for the next product to be created.
func (g *Generator) Next(ctx context.Context) (string, error) {
	count, err := g.counts.CountProducts(ctx)
	if err != nil {
		return "", fmt.Errorf("count products: %w", err)
	}
	return fmt.Sprintf("PRD-%d-%04d", g.now().Year(), count+1), nil
}
