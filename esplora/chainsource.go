package esplora

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcvault/walletcore/backend"
	"golang.org/x/sync/errgroup"
)

// ChainSource serves transactions, block times and broadcasts from an
// Esplora API.
type ChainSource struct {
	client *Client
}

// Compile-time constraints to ensure ChainSource implements the collaborator
// interfaces.
var (
	_ backend.TxSource    = (*ChainSource)(nil)
	_ backend.Broadcaster = (*ChainSource)(nil)
)

// NewChainSource creates a ChainSource on top of client.
func NewChainSource(client *Client) *ChainSource {
	return &ChainSource{
		client: client,
	}
}

// FetchTx returns the transaction with the given txid. The JSON view supplies
// the confirmation status and the spent outputs, the raw view the exact
// serialization.
//
// NOTE: This is part of the backend.TxSource interface.
func (c *ChainSource) FetchTx(ctx context.Context,
	txid chainhash.Hash) (*backend.Tx, error) {

	var (
		info *TxInfo
		raw  []byte
	)

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		var err error
		info, err = c.client.GetTransaction(egCtx, txid.String())

		return err
	})
	eg.Go(func() error {
		var err error
		raw, err = c.client.GetRawTransaction(egCtx, txid.String())

		return err
	})
	if err := eg.Wait(); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w: %v", backend.ErrTxNotFound,
				txid)
		}

		return nil, err
	}

	msgTx := wire.NewMsgTx(wire.TxVersion)
	if err := msgTx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("failed to deserialize tx: %w", err)
	}
	if msgTx.TxHash() != txid {
		return nil, fmt.Errorf("esplora returned tx %v for %v",
			msgTx.TxHash(), txid)
	}

	prevOuts, err := inlinePrevOuts(info, msgTx)
	if err != nil {
		return nil, fmt.Errorf("tx %v: %w", txid, err)
	}

	confs, err := c.confirmations(ctx, info.Status)
	if err != nil {
		return nil, err
	}

	log.Tracef("Fetched tx %v: confirmations=%d, inline prevouts=%v",
		txid, confs, prevOuts != nil)

	return &backend.Tx{
		MsgTx:         msgTx,
		Raw:           raw,
		Confirmations: confs,
		PrevOuts:      prevOuts,
	}, nil
}

// inlinePrevOuts converts the prevout fields of the JSON inputs. Coinbase
// inputs and inputs without a prevout yield nil entries. A nil slice is
// returned when no input carries one.
func inlinePrevOuts(info *TxInfo, msgTx *wire.MsgTx) ([]*wire.TxOut, error) {
	if len(info.Vin) != len(msgTx.TxIn) {
		return nil, fmt.Errorf("json has %d inputs, raw tx %d",
			len(info.Vin), len(msgTx.TxIn))
	}

	var (
		prevOuts = make([]*wire.TxOut, len(info.Vin))
		found    bool
	)
	for i, vin := range info.Vin {
		if vin.IsCoinbase || vin.PrevOut == nil {
			continue
		}

		txOut, err := vin.PrevOut.TxOut()
		if err != nil {
			return nil, fmt.Errorf("input %d: %w", i, err)
		}

		prevOuts[i] = txOut
		found = true
	}

	if !found {
		return nil, nil
	}

	return prevOuts, nil
}

// confirmations derives the confirmation count from the block height of the
// transaction and the current tip.
func (c *ChainSource) confirmations(ctx context.Context,
	status TxStatus) (uint32, error) {

	if !status.Confirmed {
		return 0, nil
	}

	tip, err := c.client.GetTipHeight(ctx)
	if err != nil {
		return 0, fmt.Errorf("fetch tip height: %w", err)
	}

	// A tip lagging behind the block that confirmed the tx still means
	// one confirmation.
	if tip < status.BlockHeight {
		return 1, nil
	}

	return uint32(tip-status.BlockHeight) + 1, nil
}

// BlockTime returns the timestamp of the block at height.
//
// NOTE: This is part of the backend.TxSource interface.
func (c *ChainSource) BlockTime(ctx context.Context,
	height int32) (time.Time, error) {

	hash, err := c.client.GetBlockHashByHeight(ctx, int64(height))
	if err != nil {
		return time.Time{}, fmt.Errorf("block hash at %d: %w", height,
			err)
	}

	info, err := c.client.GetBlockInfo(ctx, hash)
	if err != nil {
		return time.Time{}, fmt.Errorf("block %v: %w", hash, err)
	}

	return time.Unix(info.Timestamp, 0), nil
}

// Broadcast publishes tx.
//
// NOTE: This is part of the backend.Broadcaster interface.
func (c *ChainSource) Broadcast(ctx context.Context,
	tx *wire.MsgTx) (chainhash.Hash, error) {

	txid, err := c.client.BroadcastTx(ctx, tx)
	if err != nil {
		return chainhash.Hash{}, err
	}

	if *txid != tx.TxHash() {
		log.Warnf("Esplora reported txid %v for broadcast of %v", txid,
			tx.TxHash())
	}

	log.Infof("Broadcast tx %v", txid)

	return *txid, nil
}
