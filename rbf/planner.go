package rbf

import (
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcvault/walletcore/backend"
	"github.com/btcvault/walletcore/chainfee"
	"github.com/btcvault/walletcore/derivation"
	"github.com/btcvault/walletcore/monitoring"
	"github.com/btcvault/walletcore/multimutex"
	"github.com/btcvault/walletcore/psbtutil"
	"github.com/btcvault/walletcore/txinspect"
	"github.com/btcvault/walletcore/xpub"
	"github.com/lightningnetwork/lnd/fn/v2"
)

const (
	// DefaultMinFeeBump is the fee rate increment a replacement has to
	// pay on top of the original fee rate to be reported as acceptable.
	DefaultMinFeeBump chainfee.SatPerVByte = 1

	// DefaultRelayFee is the incremental relay fee charged for the size
	// of a replacement, BIP-125 rule 4.
	DefaultRelayFee chainfee.SatPerKVByte = 1000
)

var (
	// ErrTxConfirmed is returned when the transaction to replace already
	// has a confirmation.
	ErrTxConfirmed = errors.New("transaction is confirmed")

	// ErrNotSignaled is returned when no input of the transaction opts
	// into replacement.
	ErrNotSignaled = errors.New("transaction does not signal RBF")

	// ErrFeeRateNotHigher is returned when the requested fee rate does
	// not exceed the rate of the original transaction.
	ErrFeeRateNotHigher = errors.New("new fee rate must be higher than " +
		"current")

	// ErrNoChangeOutput is returned when the original transaction has no
	// output paying to the wallet's change set.
	ErrNoChangeOutput = errors.New("transaction has no change output")

	// ErrInsufficientFunds is returned when neither the change output nor
	// the wallet's confirmed outputs can pay for the replacement.
	ErrInsufficientFunds = errors.New("insufficient value to cover fee")

	// ErrWrongNetwork is returned when the wallet belongs to another
	// network than the one requested.
	ErrWrongNetwork = errors.New("wallet network mismatch")
)

// Config holds the collaborators and policy of the Planner.
type Config struct {
	// Chain fetches transactions and their confirmation state.
	Chain backend.TxSource

	// Wallets gives access to the wallet descriptor and change set.
	Wallets backend.WalletStore

	// UTXOs lists the wallet outputs available to fund a bump.
	UTXOs backend.UTXOStore

	// Broadcaster publishes signed replacements.
	Broadcaster backend.Broadcaster

	// MinFeeBump is added to the current fee rate to obtain the
	// minimum replacement fee rate.
	MinFeeBump chainfee.SatPerVByte

	// RelayFee is the incremental relay fee.
	RelayFee chainfee.SatPerKVByte

	// EnforceMinimumBump makes CreateReplacement reject fee rates below
	// the reported minimum instead of only requiring a higher rate.
	EnforceMinimumBump bool

	// Lookahead is the number of receive addresses scanned to find the
	// derivation of a spent wallet output. The change branch is scanned
	// that far beyond the wallet's change set.
	Lookahead uint32

	// Metrics is optional.
	Metrics *monitoring.Metrics
}

// Plan describes whether a transaction can be replaced and at which fee
// rate.
type Plan struct {
	// Replaceable is true if a replacement may be built.
	Replaceable bool

	// Reason holds the eligibility failure when Replaceable is false.
	Reason error

	// CurrentFeeRate is the fee rate paid by the original transaction.
	CurrentFeeRate fn.Option[chainfee.SatPerVByte]

	// MinimumFeeRate is the lowest fee rate a replacement should pay.
	MinimumFeeRate fn.Option[chainfee.SatPerVByte]

	// Fee is the absolute fee paid by the original transaction.
	Fee fn.Option[btcutil.Amount]

	// VSize is the virtual size of the original transaction.
	VSize int64
}

// Planner checks and builds BIP-125 replacements.
type Planner struct {
	cfg *Config

	txLocks *multimutex.Mutex[chainhash.Hash]
}

// New creates a Planner. Zero policy values are replaced by their defaults.
func New(cfg *Config) *Planner {
	if cfg.MinFeeBump == 0 {
		cfg.MinFeeBump = DefaultMinFeeBump
	}
	if cfg.RelayFee == 0 {
		cfg.RelayFee = DefaultRelayFee
	}
	if cfg.Lookahead == 0 {
		cfg.Lookahead = derivation.DefaultLookahead
	}

	return &Planner{
		cfg:     cfg,
		txLocks: multimutex.NewMutex[chainhash.Hash](),
	}
}

// eligibility returns the reason tx cannot be replaced, or nil.
func eligibility(tx *backend.Tx) error {
	if tx.Confirmations > 0 {
		return fmt.Errorf("%w: %d confirmations", ErrTxConfirmed,
			tx.Confirmations)
	}

	if !txinspect.SignalsRBF(tx.MsgTx) {
		return ErrNotSignaled
	}

	return nil
}

func checkOutcome(reason error) string {
	switch {
	case reason == nil:
		return "replaceable"

	case errors.Is(reason, ErrTxConfirmed):
		return "confirmed"

	default:
		return "not_signaled"
	}
}

// CheckReplaceable reports whether the transaction with the given txid can
// be replaced. Eligibility failures are reported in the returned plan,
// collaborator failures as an error.
func (p *Planner) CheckReplaceable(ctx context.Context,
	txid chainhash.Hash) (*Plan, error) {

	tx, err := p.cfg.Chain.FetchTx(ctx, txid)
	if err != nil {
		return nil, fmt.Errorf("fetch tx %v: %w", txid, err)
	}

	vsize := txinspect.VirtualSize(tx.MsgTx)
	if reason := eligibility(tx); reason != nil {
		log.Debugf("Tx %v not replaceable: %v", txid, reason)
		p.cfg.Metrics.ObserveRBFCheck(checkOutcome(reason))

		return &Plan{
			Reason: reason,
			VSize:  vsize,
		}, nil
	}

	info, err := backend.ResolveFee(ctx, p.cfg.Chain, tx)
	if err != nil {
		return nil, fmt.Errorf("resolve fee of %v: %w", txid, err)
	}
	p.cfg.Metrics.ObserveRBFCheck(checkOutcome(nil))

	minRate := info.FeeRate + p.cfg.MinFeeBump

	log.Debugf("Tx %v replaceable: fee=%v, vsize=%d, rate=%v, min=%v",
		txid, info.Fee, info.VSize, info.FeeRate, minRate)

	return &Plan{
		Replaceable:    true,
		CurrentFeeRate: fn.Some(info.FeeRate),
		MinimumFeeRate: fn.Some(minRate),
		Fee:            fn.Some(info.Fee),
		VSize:          info.VSize,
	}, nil
}

// checkFeeRate validates the requested fee rate against the rate of the
// original transaction.
func (p *Planner) checkFeeRate(newRate,
	current chainfee.SatPerVByte) error {

	if p.cfg.EnforceMinimumBump {
		minRate := current + p.cfg.MinFeeBump
		if newRate < minRate {
			return fmt.Errorf("%w: got %v, minimum %v",
				ErrFeeRateNotHigher, newRate, minRate)
		}

		return nil
	}

	if newRate <= current {
		return fmt.Errorf("%w: got %v, current %v",
			ErrFeeRateNotHigher, newRate, current)
	}

	return nil
}

// CreateReplacement builds an unsigned replacement of the transaction with
// the given txid paying newFeeRate. All original inputs and recipient
// outputs are kept, the wallet's change output pays for the bump. Builds for
// the same txid are serialized.
func (p *Planner) CreateReplacement(ctx context.Context, txid chainhash.Hash,
	newFeeRate chainfee.SatPerVByte, walletID string,
	net xpub.Network) (_ *Replacement, err error) {

	defer func() {
		p.cfg.Metrics.ObserveBuild(monitoring.PlannerRBF, err)
	}()

	p.txLocks.Lock(txid)
	defer p.txLocks.Unlock(txid)

	tx, err := p.cfg.Chain.FetchTx(ctx, txid)
	if err != nil {
		return nil, fmt.Errorf("fetch tx %v: %w", txid, err)
	}

	if err := eligibility(tx); err != nil {
		return nil, err
	}

	prevOuts, err := backend.ResolvePrevOuts(ctx, p.cfg.Chain, tx)
	if err != nil {
		return nil, fmt.Errorf("resolve inputs of %v: %w", txid, err)
	}
	info, err := backend.FeeFromPrevOuts(tx.MsgTx, prevOuts)
	if err != nil {
		return nil, err
	}

	if err := p.checkFeeRate(newFeeRate, info.FeeRate); err != nil {
		return nil, err
	}

	wallet, err := p.cfg.Wallets.FetchWallet(ctx, walletID)
	if err != nil {
		return nil, fmt.Errorf("fetch wallet %v: %w", walletID, err)
	}
	if wallet.Network != net {
		return nil, fmt.Errorf("%w: wallet %v is on %v, requested %v",
			ErrWrongNetwork, walletID, wallet.Network, net)
	}

	desc, err := wallet.ParseDescriptor()
	if err != nil {
		return nil, fmt.Errorf("wallet %v descriptor: %w", walletID,
			err)
	}
	if desc.IsMainnet() != net.IsMainnet() {
		return nil, fmt.Errorf("%w: wallet %v descriptor does not "+
			"match %v", ErrWrongNetwork, walletID, net)
	}

	utxos, err := p.cfg.UTXOs.ListUnspent(ctx, walletID)
	if err != nil {
		return nil, fmt.Errorf("list unspent of %v: %w", walletID, err)
	}

	b, err := newBuilder(&builderCfg{
		orig:      tx,
		prevOuts:  prevOuts,
		origFee:   info.Fee,
		origVSize: info.VSize,
		feeRate:   newFeeRate,
		relayFee:  p.cfg.RelayFee,
		wallet:    wallet,
		desc:      desc,
		locator: derivation.NewLocator(
			desc, net, p.cfg.Lookahead,
			p.cfg.Lookahead+uint32(len(wallet.ChangeAddresses)),
		),
	})
	if err != nil {
		return nil, err
	}

	if err := b.fund(candidates(utxos, tx)); err != nil {
		return nil, err
	}

	replacement, err := b.finish(ctx, p.cfg.Chain)
	if err != nil {
		return nil, err
	}

	p.cfg.Metrics.ObserveFeeRate(
		monitoring.PlannerRBF, float64(replacement.FeeRate),
	)

	log.Infof("Built replacement %v for %v: fee %v -> %v, rate %v, "+
		"added %d inputs", replacement.Tx.TxHash(), txid, info.Fee,
		replacement.Fee, replacement.FeeRate,
		len(replacement.AddedInputs))

	return replacement, nil
}

// Publish extracts the signed replacement from packet and broadcasts it.
func (p *Planner) Publish(ctx context.Context,
	packet *psbt.Packet) (chainhash.Hash, error) {

	return psbtutil.Publish(ctx, p.cfg.Broadcaster, packet)
}
