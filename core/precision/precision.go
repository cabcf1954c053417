// Package precision refreshes symbol quantity precision from the venues at
// startup. Live values are written to a JSON cache file so later runs survive
// a venue outage; the static symbol table remains the last resort.
package precision

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/basisflow/hedge-engine/core/config"
	"github.com/basisflow/hedge-engine/core/logging"
	"github.com/basisflow/hedge-engine/core/types"
)

// staleAfter is the cache age beyond which a fallback load logs a warning.
const staleAfter = 7 * 24 * time.Hour

// Refresher fetches instrument precision from both venues and applies the
// stricter quantity precision to the symbol table, so rounded quantities are
// valid on either leg.
type Refresher struct {
	spot      types.VenueGateway
	perp      types.VenueGateway
	symbols   *config.SymbolTable
	cachePath string
	now       func() time.Time
}

// NewRefresherOptions contains options for creating a Refresher.
type NewRefresherOptions struct {
	SpotGateway types.VenueGateway
	PerpGateway types.VenueGateway
	Symbols     *config.SymbolTable
	CachePath   string
}

// NewRefresher creates the startup precision refresher.
func NewRefresher(options NewRefresherOptions) (*Refresher, error) {
	if options.SpotGateway == nil || options.PerpGateway == nil {
		return nil, errors.New("both venue gateways are required")
	}
	if options.Symbols == nil {
		return nil, errors.New("symbol table is required")
	}
	if options.CachePath == "" {
		return nil, errors.New("cache path is required")
	}
	return &Refresher{
		spot:      options.SpotGateway,
		perp:      options.PerpGateway,
		symbols:   options.Symbols,
		cachePath: options.CachePath,
		now:       time.Now,
	}, nil
}

// cacheFile is the on-disk cache shape.
type cacheFile struct {
	FetchedAt   time.Time                  `json:"fetched_at"`
	Instruments map[string]instrumentRules `json:"instruments"`
}

type instrumentRules struct {
	QuantityPrecision int32 `json:"quantity_precision"`
	PricePrecision    int32 `json:"price_precision"`
}

// Refresh fetches precision for every configured symbol and overrides the
// table. Fetched values are persisted to the cache file; when the fetch fails
// the cache is applied instead, with a staleness warning past seven days. An
// error means neither source was usable and the static table values stand.
func (r *Refresher) Refresh(ctx context.Context) error {
	fetched, fetchErr := r.fetchAll(ctx)
	if fetchErr == nil {
		r.apply(fetched, "venue")
		if err := r.writeCache(fetched); err != nil {
			logging.Logger.Warn("precision cache write failed",
				zap.String("path", r.cachePath),
				zap.Error(err))
		}
		return nil
	}

	logging.Logger.Warn("live precision fetch failed, falling back to cache",
		zap.Error(fetchErr))

	cached, age, err := r.readCache()
	if err != nil {
		return errors.Wrapf(fetchErr, "precision fetch failed and cache unusable (%v)", err)
	}
	if age > staleAfter {
		logging.Logger.Warn("precision cache is stale, consider deleting it to force a refetch",
			zap.String("path", r.cachePath),
			zap.Duration("age", age))
	}
	r.apply(cached, "cache")
	return nil
}

// fetchAll queries both venues for every configured symbol. The first failure
// aborts the whole fetch so a partial refresh never mixes sources.
func (r *Refresher) fetchAll(ctx context.Context) (map[string]instrumentRules, error) {
	rules := make(map[string]instrumentRules)
	for _, asset := range r.symbols.Assets() {
		spec, err := r.symbols.Get(asset)
		if err != nil {
			return nil, err
		}

		spotQty, spotPrice, err := r.spot.InstrumentPrecision(ctx, spec.SpotSymbol)
		if err != nil {
			return nil, errors.Wrapf(err, "fetching %s precision from %s", spec.SpotSymbol, r.spot.Name())
		}
		perpQty, _, err := r.perp.InstrumentPrecision(ctx, spec.PerpSymbol)
		if err != nil {
			return nil, errors.Wrapf(err, "fetching %s precision from %s", spec.PerpSymbol, r.perp.Name())
		}

		// Fewer decimals is the stricter rule; a quantity rounded to it is
		// accepted by both venues.
		qty := spotQty
		if perpQty < qty {
			qty = perpQty
		}
		rules[asset] = instrumentRules{QuantityPrecision: qty, PricePrecision: spotPrice}
	}
	return rules, nil
}

func (r *Refresher) apply(rules map[string]instrumentRules, source string) {
	for _, asset := range r.symbols.Assets() {
		rule, ok := rules[asset]
		if !ok {
			logging.Logger.Warn("no precision rule for symbol, static value stands",
				zap.String("symbol", asset),
				zap.String("source", source))
			continue
		}
		if err := r.symbols.OverrideQuantityPrecision(asset, rule.QuantityPrecision); err != nil {
			logging.Logger.Warn("precision override rejected",
				zap.String("symbol", asset),
				zap.Error(err))
			continue
		}
		logging.Logger.Info("quantity precision applied",
			zap.String("symbol", asset),
			zap.Int32("decimals", rule.QuantityPrecision),
			zap.String("source", source))
	}
}

func (r *Refresher) writeCache(rules map[string]instrumentRules) error {
	data, err := json.MarshalIndent(cacheFile{
		FetchedAt:   r.now().UTC(),
		Instruments: rules,
	}, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encoding precision cache")
	}
	if dir := filepath.Dir(r.cachePath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrap(err, "creating precision cache directory")
		}
	}
	if err := os.WriteFile(r.cachePath, data, 0o644); err != nil {
		return errors.Wrap(err, "writing precision cache")
	}
	return nil
}

func (r *Refresher) readCache() (map[string]instrumentRules, time.Duration, error) {
	data, err := os.ReadFile(r.cachePath)
	if err != nil {
		return nil, 0, errors.Wrap(err, "reading precision cache")
	}
	var file cacheFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, 0, errors.Wrap(err, "decoding precision cache")
	}
	if len(file.Instruments) == 0 {
		return nil, 0, errors.New("precision cache holds no instruments")
	}
	return file.Instruments, r.now().Sub(file.FetchedAt), nil
}
