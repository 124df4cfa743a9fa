package cart

import (
	"github.com/fjod/shopcart/internal/domain"
	"github.com/shopspring/decimal"
)

// LineTotal prices a line item at the product's current price.
func LineTotal(item domain.LineItem, product domain.Product) decimal.Decimal {
	return product.Price.Mul(decimal.NewFromInt(int64(item.Quantity)))
}

// EnsureNonEmpty rejects an empty set of line items; neither checkout nor a
// displayed total treats an empty cart as a zero amount.
func EnsureNonEmpty(items []domain.LineItem) error {
	if len(items) == 0 {
		return domain.ErrEmptyCart
	}
	return nil
}

// Total sums LineTotal over items using the given products.
func Total(items []domain.LineItem, products map[int64]domain.Product) (decimal.Decimal, error) {
	if err := EnsureNonEmpty(items); err != nil {
		return decimal.Zero, err
	}

	total := decimal.Zero
	for _, item := range items {
		p, ok := products[item.ProductID]
		if !ok {
			return decimal.Zero, domain.ErrProductNotFound
		}
		total = total.Add(LineTotal(item, p))
	}
	return total, nil
}
