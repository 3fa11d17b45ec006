package models

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// Product is the store metadata for one purchasable product.
type Product struct {
	ID             string          `json:"productId"`
	Title          string          `json:"localizedTitle"`
	LocalizedPrice string          `json:"localizedPrice"`
	Price          decimal.Decimal `json:"price"`
}

// EncodeProduct serializes a product for the product cache.
func EncodeProduct(p Product) ([]byte, error) {
	return json.Marshal(p)
}

// DecodeProduct restores a cached product. Missing or mistyped fields fall
// back to their zero value; only malformed JSON is an error.
func DecodeProduct(data []byte) (Product, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return Product{}, fmt.Errorf("decode product: %w", err)
	}

	return Product{
		ID:             rawString(raw["productId"]),
		Title:          rawString(raw["localizedTitle"]),
		LocalizedPrice: rawString(raw["localizedPrice"]),
		Price:          rawDecimal(raw["price"]),
	}, nil
}

func rawString(msg json.RawMessage) string {
	var s string
	if len(msg) == 0 || json.Unmarshal(msg, &s) != nil {
		return ""
	}
	return s
}

// rawDecimal accepts both the quoted form written by EncodeProduct and a bare
// JSON number.
func rawDecimal(msg json.RawMessage) decimal.Decimal {
	if len(msg) == 0 {
		return decimal.Zero
	}
	var d decimal.Decimal
	if err := json.Unmarshal(msg, &d); err != nil {
		return decimal.Zero
	}
	return d
}
