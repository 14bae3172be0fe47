package walletdb

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcvault/walletcore/backend"
	"github.com/lightningnetwork/lnd/kvdb"
)

var (
	// walletsBucketKey is the top-level bucket holding one nested bucket
	// per wallet.
	//
	// maps: walletID -> {infoKey -> walletInfo, changeBucketKey -> {addr}}
	walletsBucketKey = []byte("wallets")

	// utxosBucketKey is the top-level bucket holding one nested bucket of
	// outputs per wallet.
	//
	// maps: walletID -> {outpoint -> utxoRecord}
	utxosBucketKey = []byte("utxos")

	// infoKey is the key of the wallet record within a wallet bucket.
	infoKey = []byte("info")

	// changeBucketKey is the nested bucket holding the change addresses
	// of a wallet.
	changeBucketKey = []byte("change-addresses")

	// ErrEmptyWalletID is returned for wallets without an id.
	ErrEmptyWalletID = errors.New("wallet id must not be empty")

	errNoWalletsBucket = errors.New("wallets bucket does not exist")
	errNoUTXOsBucket   = errors.New("utxos bucket does not exist")
)

// Store persists wallets and their outputs in a kvdb backend.
type Store struct {
	db kvdb.Backend
}

// Compile-time constraints to ensure Store implements the collaborator
// interfaces.
var (
	_ backend.WalletStore = (*Store)(nil)
	_ backend.UTXOStore   = (*Store)(nil)
)

// New returns a Store on top of db, creating the top-level buckets if
// needed.
func New(db kvdb.Backend) (*Store, error) {
	err := kvdb.Update(db, func(tx kvdb.RwTx) error {
		for _, key := range [][]byte{walletsBucketKey, utxosBucketKey} {
			if _, err := tx.CreateTopLevelBucket(key); err != nil {
				return err
			}
		}

		return nil
	}, func() {})
	if err != nil {
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &Store{
		db: db,
	}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// checkAddress makes sure addr is a valid address of the wallet's network.
func checkAddress(wallet *backend.Wallet, addr string) error {
	decoded, err := btcutil.DecodeAddress(addr, wallet.Network.Params())
	if err != nil {
		return fmt.Errorf("invalid change address %q: %w", addr, err)
	}
	if !decoded.IsForNet(wallet.Network.Params()) {
		return fmt.Errorf("change address %q is not a %v address", addr,
			wallet.Network)
	}

	return nil
}

// PutWallet creates or overwrites a wallet. Change addresses are added to
// the ones already stored.
func (s *Store) PutWallet(_ context.Context, wallet *backend.Wallet) error {
	if wallet.ID == "" {
		return ErrEmptyWalletID
	}

	desc, err := wallet.ParseDescriptor()
	if err != nil {
		return fmt.Errorf("wallet %v: %w", wallet.ID, err)
	}
	if desc.IsMainnet() != wallet.Network.IsMainnet() {
		return fmt.Errorf("wallet %v: descriptor does not match %v",
			wallet.ID, wallet.Network)
	}

	for _, addr := range wallet.ChangeAddresses {
		if err := checkAddress(wallet, addr); err != nil {
			return err
		}
	}

	var info bytes.Buffer
	if err := serializeWalletInfo(&info, wallet); err != nil {
		return err
	}

	err = kvdb.Update(s.db, func(tx kvdb.RwTx) error {
		wallets := tx.ReadWriteBucket(walletsBucketKey)
		if wallets == nil {
			return errNoWalletsBucket
		}

		bucket, err := wallets.CreateBucketIfNotExists(
			[]byte(wallet.ID),
		)
		if err != nil {
			return err
		}

		if err := bucket.Put(infoKey, info.Bytes()); err != nil {
			return err
		}

		change, err := bucket.CreateBucketIfNotExists(changeBucketKey)
		if err != nil {
			return err
		}

		for _, addr := range wallet.ChangeAddresses {
			if err := change.Put([]byte(addr), []byte{}); err != nil {
				return err
			}
		}

		return nil
	}, func() {})
	if err != nil {
		return err
	}

	log.Debugf("Stored wallet %v (%v, %d change addresses)", wallet.ID,
		wallet.Network, len(wallet.ChangeAddresses))

	return nil
}

// AddChangeAddress records addr as a change address of the wallet.
func (s *Store) AddChangeAddress(ctx context.Context, walletID,
	addr string) error {

	wallet, err := s.FetchWallet(ctx, walletID)
	if err != nil {
		return err
	}
	if err := checkAddress(wallet, addr); err != nil {
		return err
	}

	return kvdb.Update(s.db, func(tx kvdb.RwTx) error {
		wallets := tx.ReadWriteBucket(walletsBucketKey)
		if wallets == nil {
			return errNoWalletsBucket
		}

		bucket := wallets.NestedReadWriteBucket([]byte(walletID))
		if bucket == nil {
			return fmt.Errorf("%w: %v", backend.ErrWalletNotFound,
				walletID)
		}

		change, err := bucket.CreateBucketIfNotExists(changeBucketKey)
		if err != nil {
			return err
		}

		return change.Put([]byte(addr), []byte{})
	}, func() {})
}

// FetchWallet returns the wallet with the given id.
//
// NOTE: This is part of the backend.WalletStore interface.
func (s *Store) FetchWallet(_ context.Context,
	walletID string) (*backend.Wallet, error) {

	var wallet *backend.Wallet
	err := kvdb.View(s.db, func(tx kvdb.RTx) error {
		wallets := tx.ReadBucket(walletsBucketKey)
		if wallets == nil {
			return errNoWalletsBucket
		}

		bucket := wallets.NestedReadBucket([]byte(walletID))
		if bucket == nil {
			return fmt.Errorf("%w: %v", backend.ErrWalletNotFound,
				walletID)
		}

		infoBytes := bucket.Get(infoKey)
		if infoBytes == nil {
			return fmt.Errorf("wallet %v has no info record",
				walletID)
		}

		wallet = &backend.Wallet{ID: walletID}
		err := deserializeWalletInfo(
			bytes.NewReader(infoBytes), wallet,
		)
		if err != nil {
			return fmt.Errorf("wallet %v: %w", walletID, err)
		}

		change := bucket.NestedReadBucket(changeBucketKey)
		if change == nil {
			return nil
		}

		return change.ForEach(func(k, _ []byte) error {
			wallet.ChangeAddresses = append(
				wallet.ChangeAddresses, string(k),
			)

			return nil
		})
	}, func() {
		wallet = nil
	})
	if err != nil {
		return nil, err
	}

	return wallet, nil
}

// PutUTXO creates or overwrites a wallet output. The wallet must exist.
func (s *Store) PutUTXO(_ context.Context, walletID string,
	utxo *backend.UTXO) error {

	value, err := serializeUTXO(utxo)
	if err != nil {
		return err
	}

	return kvdb.Update(s.db, func(tx kvdb.RwTx) error {
		wallets := tx.ReadBucket(walletsBucketKey)
		if wallets == nil {
			return errNoWalletsBucket
		}
		if wallets.NestedReadBucket([]byte(walletID)) == nil {
			return fmt.Errorf("%w: %v", backend.ErrWalletNotFound,
				walletID)
		}

		utxos := tx.ReadWriteBucket(utxosBucketKey)
		if utxos == nil {
			return errNoUTXOsBucket
		}

		bucket, err := utxos.CreateBucketIfNotExists([]byte(walletID))
		if err != nil {
			return err
		}

		return bucket.Put(outPointKey(utxo.OutPoint), value)
	}, func() {})
}

// MarkSpent flags the wallet output at op as spent.
func (s *Store) MarkSpent(_ context.Context, walletID string,
	op wire.OutPoint) error {

	return kvdb.Update(s.db, func(tx kvdb.RwTx) error {
		utxos := tx.ReadWriteBucket(utxosBucketKey)
		if utxos == nil {
			return errNoUTXOsBucket
		}

		bucket := utxos.NestedReadWriteBucket([]byte(walletID))
		if bucket == nil {
			return fmt.Errorf("%w: %v", backend.ErrUTXONotFound, op)
		}

		key := outPointKey(op)
		value := bucket.Get(key)
		if value == nil {
			return fmt.Errorf("%w: %v", backend.ErrUTXONotFound, op)
		}

		utxo, err := deserializeUTXO(key, value)
		if err != nil {
			return err
		}
		utxo.Spent = true

		updated, err := serializeUTXO(utxo)
		if err != nil {
			return err
		}

		log.Debugf("Marking %v of wallet %v spent", op, walletID)

		return bucket.Put(key, updated)
	}, func() {})
}

// FetchUTXO returns the wallet output at op.
//
// NOTE: This is part of the backend.UTXOStore interface.
func (s *Store) FetchUTXO(_ context.Context, walletID string,
	op wire.OutPoint) (*backend.UTXO, error) {

	var utxo *backend.UTXO
	err := kvdb.View(s.db, func(tx kvdb.RTx) error {
		utxos := tx.ReadBucket(utxosBucketKey)
		if utxos == nil {
			return errNoUTXOsBucket
		}

		bucket := utxos.NestedReadBucket([]byte(walletID))
		if bucket == nil {
			return fmt.Errorf("%w: %v", backend.ErrUTXONotFound, op)
		}

		key := outPointKey(op)
		value := bucket.Get(key)
		if value == nil {
			return fmt.Errorf("%w: %v", backend.ErrUTXONotFound, op)
		}

		var err error
		utxo, err = deserializeUTXO(key, value)

		return err
	}, func() {
		utxo = nil
	})
	if err != nil {
		return nil, err
	}

	return utxo, nil
}

// ListUnspent returns the unspent outputs of the wallet in outpoint order.
//
// NOTE: This is part of the backend.UTXOStore interface.
func (s *Store) ListUnspent(_ context.Context,
	walletID string) ([]*backend.UTXO, error) {

	var unspent []*backend.UTXO
	err := kvdb.View(s.db, func(tx kvdb.RTx) error {
		utxos := tx.ReadBucket(utxosBucketKey)
		if utxos == nil {
			return errNoUTXOsBucket
		}

		bucket := utxos.NestedReadBucket([]byte(walletID))
		if bucket == nil {
			return nil
		}

		return bucket.ForEach(func(k, v []byte) error {
			utxo, err := deserializeUTXO(k, v)
			if err != nil {
				return err
			}
			if !utxo.Spent {
				unspent = append(unspent, utxo)
			}

			return nil
		})
	}, func() {
		unspent = nil
	})
	if err != nil {
		return nil, err
	}

	return unspent, nil
}
