package walletdb

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcvault/walletcore/backend"
	"github.com/btcvault/walletcore/xpub"
	"github.com/lightningnetwork/lnd/tlv"
)

const (
	walletDescriptorType tlv.Type = 0
	walletNetworkType    tlv.Type = 2

	utxoValueType  tlv.Type = 0
	utxoScriptType tlv.Type = 2
	utxoConfsType  tlv.Type = 4
	utxoSpentType  tlv.Type = 6
)

var byteOrder = binary.BigEndian

// outPointKey is the 36 byte bucket key of an outpoint: txid followed by the
// big endian output index.
func outPointKey(op wire.OutPoint) []byte {
	var key [chainhash.HashSize + 4]byte
	copy(key[:], op.Hash[:])
	byteOrder.PutUint32(key[chainhash.HashSize:], op.Index)

	return key[:]
}

func readOutPointKey(key []byte) (wire.OutPoint, error) {
	if len(key) != chainhash.HashSize+4 {
		return wire.OutPoint{}, fmt.Errorf("invalid outpoint key "+
			"length %d", len(key))
	}

	var op wire.OutPoint
	copy(op.Hash[:], key[:chainhash.HashSize])
	op.Index = byteOrder.Uint32(key[chainhash.HashSize:])

	return op, nil
}

// walletInfo is the stored part of a wallet besides its change set.
type walletInfo struct {
	descriptor []byte
	network    uint8
}

func (w *walletInfo) stream() (*tlv.Stream, error) {
	return tlv.NewStream(
		tlv.MakePrimitiveRecord(walletDescriptorType, &w.descriptor),
		tlv.MakePrimitiveRecord(walletNetworkType, &w.network),
	)
}

func serializeWalletInfo(w io.Writer, wallet *backend.Wallet) error {
	info := &walletInfo{
		descriptor: []byte(wallet.Descriptor),
		network:    uint8(wallet.Network),
	}

	stream, err := info.stream()
	if err != nil {
		return err
	}

	return stream.Encode(w)
}

func deserializeWalletInfo(r io.Reader, wallet *backend.Wallet) error {
	var info walletInfo
	stream, err := info.stream()
	if err != nil {
		return err
	}

	if err := stream.Decode(r); err != nil {
		return err
	}

	wallet.Descriptor = string(info.descriptor)
	wallet.Network = xpub.Network(info.network)

	return nil
}

// utxoRecord is the stored form of a wallet output.
type utxoRecord struct {
	value    uint64
	pkScript []byte
	confs    uint32
	spent    uint8
}

func (u *utxoRecord) stream() (*tlv.Stream, error) {
	return tlv.NewStream(
		tlv.MakePrimitiveRecord(utxoValueType, &u.value),
		tlv.MakePrimitiveRecord(utxoScriptType, &u.pkScript),
		tlv.MakePrimitiveRecord(utxoConfsType, &u.confs),
		tlv.MakePrimitiveRecord(utxoSpentType, &u.spent),
	)
}

func serializeUTXO(utxo *backend.UTXO) ([]byte, error) {
	rec := &utxoRecord{
		value:    uint64(utxo.Value),
		pkScript: utxo.PkScript,
		confs:    utxo.Confirmations,
	}
	if utxo.Spent {
		rec.spent = 1
	}

	stream, err := rec.stream()
	if err != nil {
		return nil, err
	}

	var b bytes.Buffer
	if err := stream.Encode(&b); err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}

func deserializeUTXO(key, value []byte) (*backend.UTXO, error) {
	op, err := readOutPointKey(key)
	if err != nil {
		return nil, err
	}

	var rec utxoRecord
	stream, err := rec.stream()
	if err != nil {
		return nil, err
	}

	if err := stream.Decode(bytes.NewReader(value)); err != nil {
		return nil, fmt.Errorf("utxo %v: %w", op, err)
	}

	return &backend.UTXO{
		OutPoint:      op,
		Value:         btcutil.Amount(rec.value),
		PkScript:      rec.pkScript,
		Confirmations: rec.confs,
		Spent:         rec.spent != 0,
	}, nil
}
