package cpfp

import (
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txrules"
	"github.com/btcvault/walletcore/backend"
	"github.com/btcvault/walletcore/chainfee"
	"github.com/btcvault/walletcore/derivation"
	"github.com/btcvault/walletcore/monitoring"
	"github.com/btcvault/walletcore/multimutex"
	"github.com/btcvault/walletcore/psbtutil"
	"github.com/btcvault/walletcore/txinspect"
	"github.com/btcvault/walletcore/txweight"
	"github.com/btcvault/walletcore/xpub"
)

var (
	// ErrUTXONotFound is returned when the wallet does not own the
	// parent output.
	ErrUTXONotFound = backend.ErrUTXONotFound

	// ErrUTXOSpent is returned when the parent output is already spent.
	ErrUTXOSpent = errors.New("UTXO already spent")

	// ErrParentConfirmed is returned when the parent no longer needs a
	// fee bump.
	ErrParentConfirmed = errors.New("parent transaction is confirmed")

	// ErrTargetTooLow is returned when the target fee rate does not
	// exceed the fee rate the parent already pays.
	ErrTargetTooLow = errors.New("target fee rate must be higher than " +
		"parent fee rate")

	// ErrInsufficientValue is returned when the parent output cannot pay
	// the child fee plus a non-dust payment.
	ErrInsufficientValue = errors.New("insufficient value to cover fee")

	// ErrWrongNetwork is returned when the wallet or recipient belong to
	// another network than the one requested.
	ErrWrongNetwork = errors.New("network mismatch")
)

// Config holds the collaborators of the Planner.
type Config struct {
	// Chain fetches the parent transaction.
	Chain backend.TxSource

	// Wallets gives access to the wallet descriptor.
	Wallets backend.WalletStore

	// UTXOs gives access to the wallet outputs.
	UTXOs backend.UTXOStore

	// Broadcaster publishes signed children.
	Broadcaster backend.Broadcaster

	// Lookahead is the number of receive addresses scanned to find the
	// derivation of the parent output. The change branch is scanned that
	// far beyond the wallet's change set.
	Lookahead uint32

	// Metrics is optional.
	Metrics *monitoring.Metrics
}

// Child is an unsigned child transaction ready for signing.
type Child struct {
	// Packet wraps Tx together with the spent parent output.
	Packet *psbt.Packet

	// Tx is the unsigned child.
	Tx *wire.MsgTx

	// Plan is the fee split the child was built for.
	Plan Plan

	// Fee is the absolute fee paid by the child.
	Fee btcutil.Amount

	// Payment is the value sent to the recipient.
	Payment btcutil.Amount
}

// Planner builds child-pays-for-parent transactions.
type Planner struct {
	cfg *Config

	outpointLocks *multimutex.Mutex[wire.OutPoint]
}

// New creates a Planner.
func New(cfg *Config) *Planner {
	if cfg.Lookahead == 0 {
		cfg.Lookahead = derivation.DefaultLookahead
	}

	return &Planner{
		cfg:           cfg,
		outpointLocks: multimutex.NewMutex[wire.OutPoint](),
	}
}

// recipientScript decodes the recipient address and checks its network.
func recipientScript(recipient string, net xpub.Network) ([]byte, error) {
	addr, err := btcutil.DecodeAddress(recipient, net.Params())
	if err != nil {
		return nil, fmt.Errorf("invalid recipient %q: %w", recipient,
			err)
	}
	if !addr.IsForNet(net.Params()) {
		return nil, fmt.Errorf("%w: recipient %v is not a %v address",
			ErrWrongNetwork, recipient, net)
	}

	return txscript.PayToAddrScript(addr)
}

// CreateChild builds an unsigned transaction spending the wallet output
// parent into a single payment to recipient, paying enough fee to lift the
// parent and child package to target. Builds for the same outpoint are
// serialized.
func (p *Planner) CreateChild(ctx context.Context, parent wire.OutPoint,
	target chainfee.SatPerVByte, recipient, walletID string,
	net xpub.Network) (_ *Child, err error) {

	defer func() {
		p.cfg.Metrics.ObserveBuild(monitoring.PlannerCPFP, err)
	}()

	p.outpointLocks.Lock(parent)
	defer p.outpointLocks.Unlock(parent)

	utxo, err := p.cfg.UTXOs.FetchUTXO(ctx, walletID, parent)
	if err != nil {
		return nil, fmt.Errorf("fetch utxo %v: %w", parent, err)
	}
	if utxo.Spent {
		return nil, fmt.Errorf("%w: %v", ErrUTXOSpent, parent)
	}

	parentTx, err := p.cfg.Chain.FetchTx(ctx, parent.Hash)
	if err != nil {
		return nil, fmt.Errorf("fetch parent %v: %w", parent.Hash, err)
	}
	if parentTx.Confirmations > 0 {
		return nil, fmt.Errorf("%w: %v has %d confirmations",
			ErrParentConfirmed, parent.Hash,
			parentTx.Confirmations)
	}

	info, err := backend.ResolveFee(ctx, p.cfg.Chain, parentTx)
	if err != nil {
		return nil, fmt.Errorf("resolve fee of %v: %w", parent.Hash,
			err)
	}
	if target <= info.FeeRate {
		return nil, fmt.Errorf("%w: target %v, parent %v",
			ErrTargetTooLow, target, info.FeeRate)
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

	pkScript, err := recipientScript(recipient, net)
	if err != nil {
		return nil, err
	}

	var est txweight.Estimator
	if err := est.AddDescriptorInput(desc); err != nil {
		return nil, err
	}
	est.AddOutput(pkScript)

	plan := CalculateFee(info.VSize, info.FeeRate, est.VSize(), target)

	payment := utxo.Value - plan.ChildFee
	dustLimit := txrules.GetDustThreshold(
		len(pkScript), txrules.DefaultRelayFeePerKb,
	)
	if payment < dustLimit {
		return nil, fmt.Errorf("%w: output value %v, child fee %v, "+
			"dust limit %v", ErrInsufficientValue, utxo.Value,
			plan.ChildFee, dustLimit)
	}

	tx := wire.NewMsgTx(2)
	txIn := wire.NewTxIn(&parent, nil, nil)
	txIn.Sequence = txinspect.RBFSequence
	tx.AddTxIn(txIn)
	tx.AddTxOut(wire.NewTxOut(int64(payment), pkScript))

	locator := derivation.NewLocator(
		desc, net, p.cfg.Lookahead,
		p.cfg.Lookahead+uint32(len(wallet.ChangeAddresses)),
	)
	input, err := psbtutil.LocateInput(locator, utxo.TxOut())
	if err != nil {
		return nil, err
	}
	if !txscript.IsWitnessProgram(utxo.PkScript) {
		input.PrevTx = parentTx.MsgTx
	}

	packet, err := psbtutil.NewPacket(tx, []psbtutil.Input{input})
	if err != nil {
		return nil, err
	}

	p.cfg.Metrics.ObserveFeeRate(
		monitoring.PlannerCPFP, float64(plan.ChildFeeRate),
	)

	log.Infof("Built child %v of %v: parent rate %v, package rate %v, "+
		"child fee %v", tx.TxHash(), parent, info.FeeRate,
		plan.EffectiveFeeRate, plan.ChildFee)

	return &Child{
		Packet:  packet,
		Tx:      tx,
		Plan:    plan,
		Fee:     plan.ChildFee,
		Payment: payment,
	}, nil
}

// Publish extracts the signed child from packet and broadcasts it.
func (p *Planner) Publish(ctx context.Context,
	packet *psbt.Packet) (chainhash.Hash, error) {

	return psbtutil.Publish(ctx, p.cfg.Broadcaster, packet)
}
