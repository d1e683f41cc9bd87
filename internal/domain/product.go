package domain

import "github.com/shopspring/decimal"

type ProductStatus string

const (
	ProductStatusOnSale  ProductStatus = "ON_SALE"
	ProductStatusOffSale ProductStatus = "OFF_SALE"
)

// Product is the shared mutable resource contended by concurrent admissions.
// Stock and Version are only mutated under a row lock inside an admission
// transaction.
type Product struct {
	ID         int64           `json:"id"`
	MerchantID int64           `json:"merchant_id"`
	Name       string          `json:"name"`
	Price      decimal.Decimal `json:"price"`
	Stock      int             `json:"stock"`
	Status     ProductStatus   `json:"status"`
	Version    int64           `json:"version"`
}

func (p Product) Sellable() bool {
	return p.Status == ProductStatusOnSale
}
