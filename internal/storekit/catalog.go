package storekit

import (
	"fmt"
	"time"

	"github.com/ahmetcoskunkizilkaya/subscription-manager/internal/models"
	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// CatalogProduct describes a product sold by the local store.
type CatalogProduct struct {
	ID       string          `json:"product_id"`
	Title    string          `json:"title"`
	Price    decimal.Decimal `json:"price"`
	Currency string          `json:"currency"`
	Locale   string          `json:"locale"`
	// Period is the subscription length, e.g. "720h". Empty means one month.
	Period string `json:"period"`
	// FailWith makes every purchase fail with this error category.
	FailWith string `json:"fail_with,omitempty"`
}

func (p CatalogProduct) period() (time.Duration, error) {
	if p.Period == "" {
		return 30 * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(p.Period)
	if err != nil {
		return 0, fmt.Errorf("product %s: invalid period %q: %w", p.ID, p.Period, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("product %s: period must be positive", p.ID)
	}
	return d, nil
}

// Product converts the catalog entry to the product shape the store returns.
func (p CatalogProduct) Product() models.Product {
	return models.Product{
		ID:             p.ID,
		Title:          p.Title,
		LocalizedPrice: FormatPrice(p.Price, p.Currency, p.Locale),
		Price:          p.Price,
	}
}

// FormatPrice formats price in the given ISO currency and BCP 47 locale.
// Unknown currencies fall back to the plain decimal.
func FormatPrice(price decimal.Decimal, isoCurrency, locale string) string {
	unit, err := currency.ParseISO(isoCurrency)
	if err != nil {
		return price.String()
	}
	tag, err := language.Parse(locale)
	if err != nil {
		tag = language.AmericanEnglish
	}
	return message.NewPrinter(tag).Sprint(currency.Symbol(unit.Amount(price.InexactFloat64())))
}
