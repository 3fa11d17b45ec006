package services

import (
	"context"
	"log/slog"

	"github.com/ahmetcoskunkizilkaya/subscription-manager/internal/models"
	"github.com/ahmetcoskunkizilkaya/subscription-manager/internal/store"
)

const productCacheKeyPrefix = "IAPProduct_Product_"

// ProductCache keeps the last fetched metadata of each product so it can be
// shown while the store is unreachable. Entries never expire.
type ProductCache struct {
	kv store.Store
}

func NewProductCache(kv store.Store) *ProductCache {
	return &ProductCache{kv: kv}
}

func (c *ProductCache) Put(ctx context.Context, p models.Product) error {
	data, err := models.EncodeProduct(p)
	if err != nil {
		return err
	}
	return c.kv.Set(ctx, productCacheKeyPrefix+p.ID, string(data))
}

// Lookup returns the cached product. Read and decode failures are misses.
func (c *ProductCache) Lookup(ctx context.Context, productID string) (models.Product, bool) {
	val, err := c.kv.Get(ctx, productCacheKeyPrefix+productID)
	if err != nil {
		return models.Product{}, false
	}
	p, err := models.DecodeProduct([]byte(val))
	if err != nil {
		slog.Warn("discarding unreadable cached product", "product_id", productID, "error", err)
		return models.Product{}, false
	}
	return p, true
}
