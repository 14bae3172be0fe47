package esplora

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/btcvault/walletcore/chainfee"
	"github.com/lightningnetwork/lnd/clock"
)

const (
	// defaultFeeCacheTTL is how long fetched estimates are reused.
	defaultFeeCacheTTL = 5 * time.Minute

	// defaultFallbackFeeRate is returned when no estimate is available.
	defaultFallbackFeeRate chainfee.SatPerVByte = 10

	// defaultRelayFee is the minimum relay fee of bitcoind.
	defaultRelayFee chainfee.SatPerKVByte = 1000
)

// FeeEstimatorConfig holds the configuration for the Esplora fee estimator.
type FeeEstimatorConfig struct {
	// FallbackFeeRate is used when the API fails or has no estimate.
	FallbackFeeRate chainfee.SatPerVByte

	// RelayFee is the minimum relay fee. Estimates are never lower.
	RelayFee chainfee.SatPerKVByte

	// CacheTTL is how long fetched estimates are reused.
	CacheTTL time.Duration

	// Clock is used to expire the cache.
	Clock clock.Clock
}

// DefaultFeeEstimatorConfig returns a FeeEstimatorConfig with default
// values.
func DefaultFeeEstimatorConfig() *FeeEstimatorConfig {
	return &FeeEstimatorConfig{
		FallbackFeeRate: defaultFallbackFeeRate,
		RelayFee:        defaultRelayFee,
		CacheTTL:        defaultFeeCacheTTL,
		Clock:           clock.NewDefaultClock(),
	}
}

type feeTarget struct {
	blocks uint32
	rate   chainfee.SatPerVByte
}

// FeeEstimator implements chainfee.Estimator over the /fee-estimates
// endpoint.
type FeeEstimator struct {
	cfg *FeeEstimatorConfig

	client *Client

	mu        sync.Mutex
	targets   []feeTarget
	fetchedAt time.Time
}

// Compile time check to ensure FeeEstimator implements chainfee.Estimator.
var _ chainfee.Estimator = (*FeeEstimator)(nil)

// NewFeeEstimator creates a new Esplora-based fee estimator.
func NewFeeEstimator(client *Client, cfg *FeeEstimatorConfig) *FeeEstimator {
	if cfg == nil {
		cfg = DefaultFeeEstimatorConfig()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}

	return &FeeEstimator{
		cfg:    cfg,
		client: client,
	}
}

// EstimateFeeRate returns the estimate for the largest published target not
// above confTarget, never below the relay fee. The fallback rate is returned
// if the API has nothing to offer.
//
// NOTE: This is part of the chainfee.Estimator interface.
func (e *FeeEstimator) EstimateFeeRate(ctx context.Context,
	confTarget uint32) (chainfee.SatPerVByte, error) {

	targets, err := e.estimates(ctx)
	if err != nil {
		log.Warnf("Fee estimates unavailable, using fallback %v: %v",
			e.cfg.FallbackFeeRate, err)

		return e.floor(e.cfg.FallbackFeeRate), nil
	}

	if len(targets) == 0 {
		return e.floor(e.cfg.FallbackFeeRate), nil
	}

	// Targets are sorted ascending. The fastest target is used for
	// anything below it.
	rate := targets[0].rate
	for _, t := range targets {
		if t.blocks > confTarget {
			break
		}
		rate = t.rate
	}

	return e.floor(rate), nil
}

// RelayFeeRate returns the configured minimum relay fee.
//
// NOTE: This is part of the chainfee.Estimator interface.
func (e *FeeEstimator) RelayFeeRate() chainfee.SatPerKVByte {
	return e.cfg.RelayFee
}

func (e *FeeEstimator) floor(rate chainfee.SatPerVByte) chainfee.SatPerVByte {
	return max(rate, e.cfg.RelayFee.FeePerVByte())
}

// estimates returns the cached estimates, refreshing them once the cache
// expired.
func (e *FeeEstimator) estimates(ctx context.Context) ([]feeTarget, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	age := e.cfg.Clock.Now().Sub(e.fetchedAt)
	if e.targets != nil && age < e.cfg.CacheTTL {
		return e.targets, nil
	}

	raw, err := e.client.GetFeeEstimates(ctx)
	if err != nil {
		return nil, err
	}

	targets, err := parseEstimates(raw)
	if err != nil {
		return nil, err
	}

	log.Debugf("Refreshed %d fee estimates", len(targets))

	e.targets = targets
	e.fetchedAt = e.cfg.Clock.Now()

	return targets, nil
}

// parseEstimates converts the API map into targets sorted by block count.
func parseEstimates(raw FeeEstimates) ([]feeTarget, error) {
	targets := make([]feeTarget, 0, len(raw))
	for key, rate := range raw {
		blocks, err := strconv.ParseUint(key, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid fee target %q: %w", key,
				err)
		}
		if rate <= 0 {
			continue
		}

		targets = append(targets, feeTarget{
			blocks: uint32(blocks),
			rate:   chainfee.SatPerVByte(rate),
		})
	}

	slices.SortFunc(targets, func(a, b feeTarget) int {
		return int(a.blocks) - int(b.blocks)
	})

	return targets, nil
}
