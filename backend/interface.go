package backend

import (
	"context"
	"errors"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcvault/walletcore/descriptor"
	"github.com/btcvault/walletcore/xpub"
)

var (
	// ErrTxNotFound is returned by a TxSource for an unknown txid.
	ErrTxNotFound = errors.New("transaction not found")

	// ErrUTXONotFound is returned by a UTXOStore for an unknown outpoint.
	ErrUTXONotFound = errors.New("UTXO not found")

	// ErrWalletNotFound is returned by a WalletStore for an unknown
	// wallet id.
	ErrWalletNotFound = errors.New("wallet not found")
)

// Tx is a transaction as returned by the network data provider.
type Tx struct {
	// MsgTx is the decoded transaction.
	MsgTx *wire.MsgTx

	// Raw is the serialized transaction.
	Raw []byte

	// Confirmations is zero while the transaction is unconfirmed.
	Confirmations uint32

	// PrevOuts optionally holds the spent output of each input, in input
	// order. A nil entry, or a nil slice, means the provider did not
	// inline it and a secondary lookup is required.
	PrevOuts []*wire.TxOut
}

// TxHash returns the txid of the transaction.
func (t *Tx) TxHash() chainhash.Hash {
	return t.MsgTx.TxHash()
}

// PrevOut returns the inlined spent output of input i, if any.
func (t *Tx) PrevOut(i int) *wire.TxOut {
	if i >= len(t.PrevOuts) {
		return nil
	}

	return t.PrevOuts[i]
}

// UTXO is an output owned by a wallet.
type UTXO struct {
	OutPoint      wire.OutPoint
	Value         btcutil.Amount
	PkScript      []byte
	Confirmations uint32

	// Spent is set once a transaction spending the output is broadcast.
	Spent bool
}

// TxOut returns the output as a wire output.
func (u *UTXO) TxOut() *wire.TxOut {
	return wire.NewTxOut(int64(u.Value), u.PkScript)
}

// Wallet is the key material and change set of a wallet.
type Wallet struct {
	ID string

	// Descriptor is the output descriptor of the wallet.
	Descriptor string

	// Network is the network the wallet operates on.
	Network xpub.Network

	// ChangeAddresses holds every change address handed out so far.
	ChangeAddresses []string
}

// ParseDescriptor parses the wallet descriptor.
func (w *Wallet) ParseDescriptor() (descriptor.Descriptor, error) {
	return descriptor.Parse(w.Descriptor)
}

// IsChangeScript reports whether pkScript pays to one of the wallet's
// change addresses.
func (w *Wallet) IsChangeScript(pkScript []byte) bool {
	_, addrs, _, err := txscript.ExtractPkScriptAddrs(
		pkScript, w.Network.Params(),
	)
	if err != nil || len(addrs) != 1 {
		return false
	}

	encoded := addrs[0].EncodeAddress()
	for _, change := range w.ChangeAddresses {
		if change == encoded {
			return true
		}
	}

	return false
}

// TxSource is the network data provider.
type TxSource interface {
	// FetchTx returns the transaction with the given txid along with its
	// confirmation count. ErrTxNotFound is returned for unknown
	// transactions.
	FetchTx(ctx context.Context, txid chainhash.Hash) (*Tx, error)

	// BlockTime returns the timestamp of the block at height.
	BlockTime(ctx context.Context, height int32) (time.Time, error)
}

// Broadcaster publishes finalized transactions.
type Broadcaster interface {
	// Broadcast publishes tx and returns its txid.
	Broadcast(ctx context.Context, tx *wire.MsgTx) (chainhash.Hash, error)
}

// UTXOStore gives access to the outputs owned by a wallet.
type UTXOStore interface {
	// FetchUTXO returns the wallet output at op, or ErrUTXONotFound.
	FetchUTXO(ctx context.Context, walletID string,
		op wire.OutPoint) (*UTXO, error)

	// ListUnspent returns all unspent outputs of the wallet.
	ListUnspent(ctx context.Context, walletID string) ([]*UTXO, error)
}

// WalletStore gives access to wallet key material.
type WalletStore interface {
	// FetchWallet returns the wallet with the given id, or
	// ErrWalletNotFound.
	FetchWallet(ctx context.Context, walletID string) (*Wallet, error)
}
