package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/core-coin/pecunia/internal/derivation"
	"github.com/core-coin/pecunia/internal/models"
	"github.com/core-coin/pecunia/pkg/logger"
)

var (
	ErrAssetNotFound = errors.New("asset not found")
	ErrAssetDisabled = errors.New("asset disabled")
)

// Key identifies an asset on a network.
type Key struct {
	Code    string
	Network string
}

func (k Key) String() string { return k.Code + ":" + k.Network }

func keyOf(code, network string) Key {
	return Key{Code: strings.ToUpper(strings.TrimSpace(code)), Network: strings.ToLower(strings.TrimSpace(network))}
}

// DefaultAssets are registered on first start.
var DefaultAssets = []models.Asset{
	{Code: "BTC", Network: "bitcoin", Family: string(derivation.TagUTXO), CoinType: derivation.CoinTypeBitcoin, Decimals: 8},
	{Code: "ETH", Network: "ethereum", Family: string(derivation.TagEVM), CoinType: derivation.CoinTypeEther, Decimals: 18},
	{Code: "USDT", Network: "ethereum", Family: string(derivation.TagEVM), CoinType: derivation.CoinTypeEther, Decimals: 6,
		ContractAddress: "0xdAC17F958D2ee523a2206206994597C13D831ec7"},
	{Code: "USDC", Network: "ethereum", Family: string(derivation.TagEVM), CoinType: derivation.CoinTypeEther, Decimals: 6,
		ContractAddress: "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"},
	{Code: "TRX", Network: "tron", Family: string(derivation.TagTron), CoinType: derivation.CoinTypeTron, Decimals: 6},
	{Code: "USDT", Network: "tron", Family: string(derivation.TagTron), CoinType: derivation.CoinTypeTron, Decimals: 6,
		ContractAddress: "TR7NHqjeKQxGTCi8q8ZY4pL8otSzgjLj6t"},
	{Code: "SOL", Network: "solana", Family: string(derivation.TagHardened), CoinType: derivation.CoinTypeSolana, Decimals: 9},
}

// Catalog keeps the enabled assets in memory and refreshes them periodically.
type Catalog struct {
	logger     *logger.Logger
	db         *gorm.DB
	tolerances map[Key]decimal.Decimal
	interval   time.Duration

	// In-memory cache
	byKey      map[Key]*models.Asset
	byID       map[uuid.UUID]*models.Asset
	cacheMutex sync.RWMutex

	// Lifecycle management
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a catalog. tolerances override the matching epsilon per asset.
func New(db *gorm.DB, tolerances map[Key]decimal.Decimal, interval time.Duration, logger *logger.Logger) *Catalog {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Catalog{
		logger:     logger.Named("catalog"),
		db:         db,
		tolerances: tolerances,
		interval:   interval,
		byKey:      make(map[Key]*models.Asset),
		byID:       make(map[uuid.UUID]*models.Asset),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Seed inserts assets that are not registered yet. Existing rows are kept.
func (c *Catalog) Seed(ctx context.Context, assets []models.Asset) error {
	for _, a := range assets {
		if _, err := derivation.Resolve(derivation.FamilyTag(a.Family), a.CoinType, a.Network); err != nil {
			return fmt.Errorf("asset %s: %w", keyOf(a.Code, a.Network), err)
		}
		a.ID = uuid.New()
		a.Enabled = true
		if err := c.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&a).Error; err != nil {
			return fmt.Errorf("failed to seed asset %s: %w", keyOf(a.Code, a.Network), err)
		}
	}
	return nil
}

// ApplyTolerances persists the configured tolerance overrides so the ledger
// classifies payments with them.
func (c *Catalog) ApplyTolerances(ctx context.Context) error {
	for k, tol := range c.tolerances {
		res := c.db.WithContext(ctx).Model(&models.Asset{}).
			Where("code = ? AND network = ?", k.Code, k.Network).
			Update("tolerance", tol)
		if res.Error != nil {
			return fmt.Errorf("failed to set tolerance of %s: %w", k, res.Error)
		}
		if res.RowsAffected == 0 {
			c.logger.Warn("Tolerance configured for unknown asset", "asset", k.String())
		}
	}
	return nil
}

// Refresh reloads the cache from the database.
func (c *Catalog) Refresh(ctx context.Context) error {
	var assets []*models.Asset
	if err := c.db.WithContext(ctx).Find(&assets).Error; err != nil {
		return fmt.Errorf("failed to load assets: %w", err)
	}
	byKey := make(map[Key]*models.Asset, len(assets))
	byID := make(map[uuid.UUID]*models.Asset, len(assets))
	for _, a := range assets {
		if tol, ok := c.tolerances[keyOf(a.Code, a.Network)]; ok {
			a.Tolerance = tol
		}
		byKey[keyOf(a.Code, a.Network)] = a
		byID[a.ID] = a
	}

	c.cacheMutex.Lock()
	c.byKey = byKey
	c.byID = byID
	c.cacheMutex.Unlock()

	c.logger.Debug("Asset catalog refreshed", "assets", len(assets))
	return nil
}

// Resolve returns the enabled asset for (code, network). A cache miss falls
// through to the database once.
func (c *Catalog) Resolve(ctx context.Context, code, network string) (*models.Asset, error) {
	k := keyOf(code, network)
	c.cacheMutex.RLock()
	a, ok := c.byKey[k]
	c.cacheMutex.RUnlock()
	if !ok {
		if err := c.Refresh(ctx); err != nil {
			return nil, err
		}
		c.cacheMutex.RLock()
		a, ok = c.byKey[k]
		c.cacheMutex.RUnlock()
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrAssetNotFound, k)
		}
	}
	if !a.Enabled {
		return nil, fmt.Errorf("%w: %s", ErrAssetDisabled, k)
	}
	cp := *a
	return &cp, nil
}

// ByID returns a cached asset, enabled or not.
func (c *Catalog) ByID(id uuid.UUID) (*models.Asset, bool) {
	c.cacheMutex.RLock()
	defer c.cacheMutex.RUnlock()
	a, ok := c.byID[id]
	if !ok {
		return nil, false
	}
	cp := *a
	return &cp, true
}

// All returns every cached asset.
func (c *Catalog) All() []models.Asset {
	c.cacheMutex.RLock()
	defer c.cacheMutex.RUnlock()
	out := make([]models.Asset, 0, len(c.byID))
	for _, a := range c.byID {
		out = append(out, *a)
	}
	return out
}

// StartPeriodicUpdate loads the catalog, retrying with backoff, and then
// refreshes it on every interval until Stop.
func (c *Catalog) StartPeriodicUpdate() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		backoff := 5 * time.Second
		maxBackoff := 5 * time.Minute
		for {
			if err := c.Refresh(c.ctx); err != nil {
				c.logger.Error("Failed to load assets on startup, retrying...", "error", err, "retry_in", backoff)
				select {
				case <-time.After(backoff):
					backoff = min(backoff*2, maxBackoff)
					continue
				case <-c.ctx.Done():
					return
				}
			}
			break
		}

		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := c.Refresh(c.ctx); err != nil {
					c.logger.Error("Failed to refresh assets", "error", err)
				}
			case <-c.ctx.Done():
				c.logger.Info("Asset catalog periodic update stopped")
				return
			}
		}
	}()
}

func (c *Catalog) Stop() {
	c.cancel()
	c.wg.Wait()
}

// ParseTolerances parses "CODE:network=amount,..." overrides.
func ParseTolerances(s string) (map[Key]decimal.Decimal, error) {
	out := make(map[Key]decimal.Decimal)
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		name, value, ok := strings.Cut(item, "=")
		if !ok {
			return nil, fmt.Errorf("invalid tolerance %q: want CODE:network=amount", item)
		}
		code, network, ok := strings.Cut(name, ":")
		if !ok || code == "" || network == "" {
			return nil, fmt.Errorf("invalid tolerance asset %q: want CODE:network", name)
		}
		tol, err := decimal.NewFromString(strings.TrimSpace(value))
		if err != nil || !tol.IsPositive() {
			return nil, fmt.Errorf("invalid tolerance amount %q", value)
		}
		out[keyOf(code, network)] = tol
	}
	return out, nil
}
