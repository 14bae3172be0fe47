package backend

import (
	"context"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/mock"
)

// MockTxSource is a mock implementation of TxSource.
type MockTxSource struct {
	mock.Mock
}

// Compile-time constraint to ensure MockTxSource implements TxSource.
var _ TxSource = (*MockTxSource)(nil)

// FetchTx returns the configured transaction.
func (m *MockTxSource) FetchTx(ctx context.Context,
	txid chainhash.Hash) (*Tx, error) {

	args := m.Called(ctx, txid)

	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*Tx), args.Error(1)
}

// BlockTime returns the configured block time.
func (m *MockTxSource) BlockTime(ctx context.Context,
	height int32) (time.Time, error) {

	args := m.Called(ctx, height)

	return args.Get(0).(time.Time), args.Error(1)
}

// MockBroadcaster is a mock implementation of Broadcaster.
type MockBroadcaster struct {
	mock.Mock
}

// Compile-time constraint to ensure MockBroadcaster implements Broadcaster.
var _ Broadcaster = (*MockBroadcaster)(nil)

// Broadcast records the published transaction.
func (m *MockBroadcaster) Broadcast(ctx context.Context,
	tx *wire.MsgTx) (chainhash.Hash, error) {

	args := m.Called(ctx, tx)

	return args.Get(0).(chainhash.Hash), args.Error(1)
}

// MockUTXOStore is a mock implementation of UTXOStore.
type MockUTXOStore struct {
	mock.Mock
}

// Compile-time constraint to ensure MockUTXOStore implements UTXOStore.
var _ UTXOStore = (*MockUTXOStore)(nil)

// FetchUTXO returns the configured output.
func (m *MockUTXOStore) FetchUTXO(ctx context.Context, walletID string,
	op wire.OutPoint) (*UTXO, error) {

	args := m.Called(ctx, walletID, op)

	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*UTXO), args.Error(1)
}

// ListUnspent returns the configured outputs.
func (m *MockUTXOStore) ListUnspent(ctx context.Context,
	walletID string) ([]*UTXO, error) {

	args := m.Called(ctx, walletID)

	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*UTXO), args.Error(1)
}

// MockWalletStore is a mock implementation of WalletStore.
type MockWalletStore struct {
	mock.Mock
}

// Compile-time constraint to ensure MockWalletStore implements WalletStore.
var _ WalletStore = (*MockWalletStore)(nil)

// FetchWallet returns the configured wallet.
func (m *MockWalletStore) FetchWallet(ctx context.Context,
	walletID string) (*Wallet, error) {

	args := m.Called(ctx, walletID)

	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*Wallet), args.Error(1)
}
