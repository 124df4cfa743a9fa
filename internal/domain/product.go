package domain

import "github.com/shopspring/decimal"

// PriceScale is the number of decimal places every store keeps for a price.
const PriceScale = 2

type Product struct {
	ID    int64           `json:"id"`
	Name  string          `json:"name"`
	Price decimal.Decimal `json:"price"`
	Stock int             `json:"stock"`
}

// Validate rejects prices the stores cannot hold exactly. Trailing zeros are
// fine: 9.990 is 9.99.
func (p Product) Validate() error {
	if !p.Price.Equal(p.Price.Round(PriceScale)) {
		return ErrInvalidPrice
	}
	return nil
}
