package walletcore

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcvault/walletcore/backend"
	"github.com/btcvault/walletcore/build"
	"github.com/btcvault/walletcore/chainfee"
	"github.com/btcvault/walletcore/corecfg"
	"github.com/btcvault/walletcore/cpfp"
	"github.com/btcvault/walletcore/derivation"
	"github.com/btcvault/walletcore/descriptor"
	"github.com/btcvault/walletcore/esplora"
	"github.com/btcvault/walletcore/monitoring"
	"github.com/btcvault/walletcore/multimutex"
	"github.com/btcvault/walletcore/psbtutil"
	"github.com/btcvault/walletcore/rbf"
	"github.com/btcvault/walletcore/txinspect"
	"github.com/btcvault/walletcore/walletdb"
	"github.com/btcvault/walletcore/xpub"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// ErrNoChainBackend is returned for operations that need network data
	// when no Esplora backend is configured.
	ErrNoChainBackend = errors.New("no chain backend configured")

	// ErrNoWalletStore is returned for operations that need the wallet
	// store when none is open.
	ErrNoWalletStore = errors.New("no wallet store configured")
)

// Deps are the collaborators of an Engine. Any of them may be nil, the
// operations depending on a missing collaborator then fail.
type Deps struct {
	// Chain is the network data provider.
	Chain backend.TxSource

	// Broadcaster publishes signed transactions.
	Broadcaster backend.Broadcaster

	// FeeEstimator picks a fee rate when a replacement is requested
	// without one.
	FeeEstimator chainfee.Estimator

	// Store holds wallets and their outputs.
	Store *walletdb.Store

	// Registerer receives the engine metrics. Metrics are not recorded if
	// nil.
	Registerer prometheus.Registerer
}

// Engine ties the key codec, derivation and fee bumping planners to the
// configured collaborators.
type Engine struct {
	cfg  *Config
	deps Deps

	metrics *monitoring.Metrics

	rbf  *rbf.Planner
	cpfp *cpfp.Planner

	// changeLocks serializes change address allocation per wallet.
	changeLocks *multimutex.Mutex[string]

	// closers are run in reverse order on Close.
	closers []func() error
}

// New creates an Engine from an already validated config.
func New(cfg *Config, deps Deps) (*Engine, error) {
	var metrics *monitoring.Metrics
	if deps.Registerer != nil {
		var err error
		metrics, err = monitoring.NewMetrics(deps.Registerer)
		if err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}

	e := &Engine{
		cfg:         cfg,
		deps:        deps,
		metrics:     metrics,
		changeLocks: multimutex.NewMutex[string](),
	}

	// A nil store must not end up as a non-nil interface value.
	var (
		wallets backend.WalletStore
		utxos   backend.UTXOStore
	)
	if deps.Store != nil {
		wallets, utxos = deps.Store, deps.Store
	}

	e.rbf = rbf.New(&rbf.Config{
		Chain:              deps.Chain,
		Wallets:            wallets,
		UTXOs:              utxos,
		Broadcaster:        deps.Broadcaster,
		MinFeeBump:         chainfee.SatPerVByte(cfg.Fee.MinFeeBump),
		RelayFee:           chainfee.SatPerKVByte(cfg.Fee.RelayFee),
		EnforceMinimumBump: cfg.Fee.EnforceMinimumBump,
		Metrics:            metrics,
	})
	e.cpfp = cpfp.New(&cpfp.Config{
		Chain:       deps.Chain,
		Wallets:     wallets,
		UTXOs:       utxos,
		Broadcaster: deps.Broadcaster,
		Metrics:     metrics,
	})

	return e, nil
}

// Open assembles an Engine from cfg: it initializes logging, opens the wallet
// store in the data directory, connects the Esplora backend if one is
// configured and starts the Prometheus exporter if enabled.
func Open(cfg *Config) (_ *Engine, err error) {
	var closers []func() error
	defer func() {
		if err == nil {
			return
		}
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i]()
		}
	}()

	logRotator := build.NewRotatingLogWriter()
	if !cfg.LogConfig.File.Disable {
		logFile := filepath.Join(cfg.LogDir, corecfg.DefaultLogFilename)
		err := logRotator.InitLogRotator(cfg.LogConfig.File, logFile)
		if err != nil {
			return nil, err
		}
		closers = append(closers, logRotator.Close)
	}

	logMgr := build.NewSubLoggerManager(&build.LogWriter{
		RotatorPipe: logRotator.Pipe(),
	})
	SetupLoggers(logMgr)
	err = build.ParseAndSetDebugLevels(cfg.DebugLevel, logMgr)
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	if cfg.Prometheus.Enabled() {
		err := monitoring.ExportPrometheusMetrics(
			registry, cfg.Prometheus,
		)
		if err != nil {
			return nil, err
		}
	}

	db, err := cfg.DB.GetBackend(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open wallet store: %w", err)
	}
	closers = append(closers, db.Close)

	store, err := walletdb.New(db)
	if err != nil {
		return nil, err
	}

	deps := Deps{
		Store:      store,
		Registerer: registry,
	}

	if cfg.HasChainBackend() {
		client := esplora.NewClient(&esplora.ClientConfig{
			URL:            cfg.Esplora.URL,
			RequestTimeout: cfg.Esplora.RequestTimeout,
			MaxRetries:     cfg.Esplora.MaxRetries,
			RateLimit:      cfg.Esplora.RateLimit,
			Burst:          cfg.Esplora.Burst,
		})
		chain := esplora.NewChainSource(client)

		feeCfg := esplora.DefaultFeeEstimatorConfig()
		feeCfg.RelayFee = chainfee.SatPerKVByte(cfg.Fee.RelayFee)

		deps.Chain = chain
		deps.Broadcaster = chain
		deps.FeeEstimator = esplora.NewFeeEstimator(client, feeCfg)

		log.Infof("Using Esplora backend at %v", cfg.Esplora.URL)
	}

	e, err := New(cfg, deps)
	if err != nil {
		return nil, err
	}
	e.closers = closers

	log.Infof("Engine started on %v, data dir %v", cfg.ActiveNetwork,
		cfg.DataDir)

	return e, nil
}

// Close releases the wallet store and the log file.
func (e *Engine) Close() error {
	var firstErr error
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	e.closers = nil

	return firstErr
}

// Network returns the network the engine operates on.
func (e *Engine) Network() xpub.Network {
	return e.cfg.ActiveNetwork
}

func (e *Engine) requireChain() error {
	if e.deps.Chain == nil {
		return ErrNoChainBackend
	}

	return nil
}

func (e *Engine) requireStore() error {
	if e.deps.Store == nil {
		return ErrNoWalletStore
	}

	return nil
}

// ValidateXpub reports whether key is an extended public key usable on the
// engine's network.
func (e *Engine) ValidateXpub(key string) xpub.Result {
	return xpub.Validate(key, e.cfg.ActiveNetwork)
}

// NormalizeXpub rewrites key to the canonical xpub or tpub prefix.
func (e *Engine) NormalizeXpub(key string) (string, error) {
	return xpub.Normalize(key)
}

// ParseDescriptor parses desc and checks it against the engine's network.
func (e *Engine) ParseDescriptor(desc string) (descriptor.Descriptor, error) {
	d, err := descriptor.Parse(desc)
	if err != nil {
		return nil, err
	}
	if d.IsMainnet() != e.cfg.ActiveNetwork.IsMainnet() {
		return nil, fmt.Errorf("%w: descriptor used on %v",
			derivation.ErrWrongNetwork, e.cfg.ActiveNetwork)
	}

	return d, nil
}

// descriptorKind is the metrics label of a descriptor.
func descriptorKind(d descriptor.Descriptor) string {
	switch d := d.(type) {
	case *descriptor.SingleKey:
		return d.ScriptType.String()

	case *descriptor.SortedMulti:
		return "sortedmulti-" + d.Wrapping.String()

	default:
		return "unknown"
	}
}

// DeriveAddress derives the receive or change address at index.
func (e *Engine) DeriveAddress(desc descriptor.Descriptor, index uint32,
	change bool) (*derivation.Address, error) {

	addr, err := derivation.Derive(derivation.Request{
		Descriptor: desc,
		Index:      index,
		Network:    e.cfg.ActiveNetwork,
		Change:     change,
	})
	e.metrics.ObserveDerivation(descriptorKind(desc), err)

	return addr, err
}

// DeriveAddresses derives count consecutive addresses starting at start.
func (e *Engine) DeriveAddresses(desc descriptor.Descriptor, change bool,
	start, count uint32) ([]*derivation.Address, error) {

	addrs, err := derivation.DeriveRange(
		desc, e.cfg.ActiveNetwork, change, start, count,
	)
	e.metrics.ObserveDerivation(descriptorKind(desc), err)

	return addrs, err
}

// InspectTx decodes a hex encoded raw transaction.
func (e *Engine) InspectTx(rawHex string) (*txinspect.DecodedTx, error) {
	return txinspect.Decode(rawHex)
}

// FetchTx fetches a transaction from the chain backend and decodes it.
func (e *Engine) FetchTx(ctx context.Context,
	txid chainhash.Hash) (*txinspect.DecodedTx, uint32, error) {

	if err := e.requireChain(); err != nil {
		return nil, 0, err
	}

	tx, err := e.deps.Chain.FetchTx(ctx, txid)
	if err != nil {
		return nil, 0, err
	}

	return txinspect.FromMsgTx(tx.MsgTx), tx.Confirmations, nil
}

// ImportWallet stores a wallet with the given descriptor on the engine's
// network.
func (e *Engine) ImportWallet(ctx context.Context, walletID,
	desc string) (*backend.Wallet, error) {

	if err := e.requireStore(); err != nil {
		return nil, err
	}

	if _, err := e.ParseDescriptor(desc); err != nil {
		return nil, err
	}

	wallet := &backend.Wallet{
		ID:         walletID,
		Descriptor: desc,
		Network:    e.cfg.ActiveNetwork,
	}
	if err := e.deps.Store.PutWallet(ctx, wallet); err != nil {
		return nil, err
	}

	log.Infof("Imported wallet %v", walletID)

	return wallet, nil
}

// FetchWallet returns a stored wallet.
func (e *Engine) FetchWallet(ctx context.Context,
	walletID string) (*backend.Wallet, error) {

	if err := e.requireStore(); err != nil {
		return nil, err
	}

	return e.deps.Store.FetchWallet(ctx, walletID)
}

// NextChangeAddress derives the next unused change address of the wallet
// and adds it to the wallet's change set.
func (e *Engine) NextChangeAddress(ctx context.Context,
	walletID string) (*derivation.Address, error) {

	if err := e.requireStore(); err != nil {
		return nil, err
	}

	e.changeLocks.Lock(walletID)
	defer e.changeLocks.Unlock(walletID)

	wallet, err := e.deps.Store.FetchWallet(ctx, walletID)
	if err != nil {
		return nil, err
	}

	desc, err := wallet.ParseDescriptor()
	if err != nil {
		return nil, err
	}

	// The change set may hold externally added addresses, so the index is
	// the lowest one whose address is not in it yet.
	known := make(map[string]struct{}, len(wallet.ChangeAddresses))
	for _, a := range wallet.ChangeAddresses {
		known[a] = struct{}{}
	}

	var addr *derivation.Address
	for index := uint32(0); ; index++ {
		addr, err = e.DeriveAddress(desc, index, true)
		if err != nil {
			return nil, err
		}
		if _, ok := known[addr.Address]; !ok {
			break
		}
	}

	err = e.deps.Store.AddChangeAddress(ctx, walletID, addr.Address)
	if err != nil {
		return nil, err
	}

	return addr, nil
}

// AddChangeAddress adds an externally derived change address to the
// wallet's change set.
func (e *Engine) AddChangeAddress(ctx context.Context, walletID,
	addr string) error {

	if err := e.requireStore(); err != nil {
		return err
	}

	return e.deps.Store.AddChangeAddress(ctx, walletID, addr)
}

// PutUTXO records an output owned by the wallet.
func (e *Engine) PutUTXO(ctx context.Context, walletID string,
	utxo *backend.UTXO) error {

	if err := e.requireStore(); err != nil {
		return err
	}

	return e.deps.Store.PutUTXO(ctx, walletID, utxo)
}

// ListUnspent returns the unspent outputs of the wallet.
func (e *Engine) ListUnspent(ctx context.Context,
	walletID string) ([]*backend.UTXO, error) {

	if err := e.requireStore(); err != nil {
		return nil, err
	}

	return e.deps.Store.ListUnspent(ctx, walletID)
}

// CheckReplaceable reports whether the transaction can be replaced and the
// fee rates involved.
func (e *Engine) CheckReplaceable(ctx context.Context,
	txid chainhash.Hash) (*rbf.Plan, error) {

	if err := e.requireChain(); err != nil {
		return nil, err
	}

	return e.rbf.CheckReplaceable(ctx, txid)
}

// feeRate returns rate if set, otherwise the estimate for the configured
// confirmation target.
func (e *Engine) feeRate(ctx context.Context,
	rate fn.Option[chainfee.SatPerVByte]) (chainfee.SatPerVByte, error) {

	if rate.IsSome() {
		return rate.UnwrapOr(0), nil
	}

	if e.deps.FeeEstimator == nil {
		return 0, errors.New("fee rate required without a fee " +
			"estimator")
	}

	estimate, err := e.deps.FeeEstimator.EstimateFeeRate(
		ctx, e.cfg.Fee.ConfTarget,
	)
	if err != nil {
		return 0, fmt.Errorf("estimate fee rate: %w", err)
	}

	log.Debugf("Using estimated fee rate %v for target %d", estimate,
		e.cfg.Fee.ConfTarget)

	return estimate, nil
}

// CreateReplacement builds an unsigned replacement of txid. Without an
// explicit fee rate the estimate for the configured confirmation target is
// used.
func (e *Engine) CreateReplacement(ctx context.Context, txid chainhash.Hash,
	rate fn.Option[chainfee.SatPerVByte],
	walletID string) (*rbf.Replacement, error) {

	if err := e.requireChain(); err != nil {
		return nil, err
	}
	if err := e.requireStore(); err != nil {
		return nil, err
	}

	newRate, err := e.feeRate(ctx, rate)
	if err != nil {
		return nil, err
	}

	return e.rbf.CreateReplacement(
		ctx, txid, newRate, walletID, e.cfg.ActiveNetwork,
	)
}

// PlanCPFP computes the child fee needed to lift the unconfirmed parent to
// target, for a child of childVSize.
func (e *Engine) PlanCPFP(ctx context.Context, parentTxid chainhash.Hash,
	childVSize int64, target chainfee.SatPerVByte) (*cpfp.Plan, error) {

	if err := e.requireChain(); err != nil {
		return nil, err
	}

	parent, err := e.deps.Chain.FetchTx(ctx, parentTxid)
	if err != nil {
		return nil, fmt.Errorf("fetch parent %v: %w", parentTxid, err)
	}
	if parent.Confirmations > 0 {
		return nil, fmt.Errorf("%w: %v", cpfp.ErrParentConfirmed,
			parentTxid)
	}

	info, err := backend.ResolveFee(ctx, e.deps.Chain, parent)
	if err != nil {
		return nil, err
	}

	plan := cpfp.CalculateFee(info.VSize, info.FeeRate, childVSize, target)

	return &plan, nil
}

// CreateChild builds an unsigned child spending the wallet output parent to
// recipient at the target package fee rate.
func (e *Engine) CreateChild(ctx context.Context, parent wire.OutPoint,
	target chainfee.SatPerVByte, recipient,
	walletID string) (*cpfp.Child, error) {

	if err := e.requireChain(); err != nil {
		return nil, err
	}
	if err := e.requireStore(); err != nil {
		return nil, err
	}

	return e.cpfp.CreateChild(
		ctx, parent, target, recipient, walletID, e.cfg.ActiveNetwork,
	)
}

// Publish broadcasts the signed transaction in packet and marks the wallet
// outputs it spends as spent.
func (e *Engine) Publish(ctx context.Context, walletID string,
	packet *psbt.Packet) (chainhash.Hash, error) {

	if e.deps.Broadcaster == nil {
		return chainhash.Hash{}, ErrNoChainBackend
	}

	txid, err := psbtutil.Publish(ctx, e.deps.Broadcaster, packet)
	if err != nil {
		return chainhash.Hash{}, err
	}

	if e.deps.Store == nil || walletID == "" {
		return txid, nil
	}

	for _, txIn := range packet.UnsignedTx.TxIn {
		op := txIn.PreviousOutPoint
		err := e.deps.Store.MarkSpent(ctx, walletID, op)
		switch {
		case errors.Is(err, backend.ErrUTXONotFound):
			continue

		case err != nil:
			return txid, fmt.Errorf("mark %v spent: %w", op, err)
		}
	}

	return txid, nil
}
