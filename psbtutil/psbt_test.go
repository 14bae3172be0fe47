package psbtutil

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcvault/walletcore/backend"
	"github.com/btcvault/walletcore/derivation"
	"github.com/btcvault/walletcore/descriptor"
	"github.com/btcvault/walletcore/xpub"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var (
	p2wkhScript = append([]byte{0x00, 0x14}, bytes.Repeat([]byte{1}, 20)...)

	p2pkhScript = append(
		append([]byte{0x76, 0xa9, 0x14}, bytes.Repeat([]byte{2}, 20)...),
		0x88, 0xac,
	)
)

func parentTx(pkScript []byte, value int64) *wire.MsgTx {
	tx := wire.NewMsgTx(2)
	tx.AddTxIn(wire.NewTxIn(
		wire.NewOutPoint(&chainhash.Hash{9}, 1), nil, nil,
	))
	tx.AddTxOut(wire.NewTxOut(value, pkScript))

	return tx
}

func unsignedSpend(value int64, parents ...*wire.MsgTx) *wire.MsgTx {
	tx := wire.NewMsgTx(2)
	for _, parent := range parents {
		hash := parent.TxHash()
		tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&hash, 0), nil, nil))
	}
	tx.AddTxOut(wire.NewTxOut(value, p2wkhScript))

	return tx
}

// TestNewPacket checks that previous output data lands in the right packet
// fields for witness and legacy inputs.
func TestNewPacket(t *testing.T) {
	t.Parallel()

	witnessParent := parentTx(p2wkhScript, 50_000)
	legacyParent := parentTx(p2pkhScript, 30_000)
	tx := unsignedSpend(79_000, witnessParent, legacyParent)

	packet, err := NewPacket(tx, []Input{
		{PrevOut: witnessParent.TxOut[0]},
		{PrevOut: legacyParent.TxOut[0], PrevTx: legacyParent},
	})
	require.NoError(t, err)
	require.Len(t, packet.Inputs, 2)

	require.NotNil(t, packet.Inputs[0].WitnessUtxo)
	require.Nil(t, packet.Inputs[0].NonWitnessUtxo)
	require.EqualValues(t, 50_000, packet.Inputs[0].WitnessUtxo.Value)

	require.Nil(t, packet.Inputs[1].WitnessUtxo)
	require.Equal(
		t, legacyParent.TxHash(),
		packet.Inputs[1].NonWitnessUtxo.TxHash(),
	)

	fee, err := Fee(packet)
	require.NoError(t, err)
	require.Equal(t, btcutil.Amount(1_000), fee)
}

// TestNewPacketNested checks that a P2SH output with a witness redeem script
// is treated as a witness input.
func TestNewPacketNested(t *testing.T) {
	t.Parallel()

	p2shScript := append(
		append([]byte{0xa9, 0x14}, bytes.Repeat([]byte{3}, 20)...),
		0x87,
	)
	parent := parentTx(p2shScript, 10_000)
	tx := unsignedSpend(9_000, parent)

	packet, err := NewPacket(tx, []Input{{
		PrevOut:      parent.TxOut[0],
		RedeemScript: p2wkhScript,
	}})
	require.NoError(t, err)
	require.NotNil(t, packet.Inputs[0].WitnessUtxo)
	require.Equal(t, p2wkhScript, packet.Inputs[0].RedeemScript)

	// Without the redeem script the output looks legacy and needs the
	// full previous transaction.
	_, err = NewPacket(tx, []Input{{PrevOut: parent.TxOut[0]}})
	require.ErrorIs(t, err, ErrMissingPrevOut)
}

// TestNewPacketErrors covers the rejected input descriptions.
func TestNewPacketErrors(t *testing.T) {
	t.Parallel()

	parent := parentTx(p2pkhScript, 10_000)
	other := parentTx(p2wkhScript, 10_000)
	tx := unsignedSpend(9_000, parent)

	_, err := NewPacket(tx, nil)
	require.ErrorIs(t, err, ErrInputCount)

	_, err = NewPacket(tx, []Input{{}})
	require.ErrorIs(t, err, ErrMissingPrevOut)

	_, err = NewPacket(tx, []Input{{PrevOut: parent.TxOut[0]}})
	require.ErrorIs(t, err, ErrMissingPrevOut)

	_, err = NewPacket(tx, []Input{{
		PrevOut: parent.TxOut[0],
		PrevTx:  other,
	}})
	require.ErrorIs(t, err, ErrPrevTxMismatch)
}

// TestEncodeDecode checks that a packet survives base64 and binary
// encoding.
func TestEncodeDecode(t *testing.T) {
	t.Parallel()

	parent := parentTx(p2wkhScript, 10_000)
	tx := unsignedSpend(9_000, parent)

	packet, err := NewPacket(tx, []Input{{PrevOut: parent.TxOut[0]}})
	require.NoError(t, err)

	encoded, err := Encode(packet)
	require.NoError(t, err)

	decoded, err := Decode(encoded)
	require.NoError(t, err)
	require.Equal(t, tx.TxHash(), decoded.UnsignedTx.TxHash())
	require.Equal(
		t, packet.Inputs[0].WitnessUtxo, decoded.Inputs[0].WitnessUtxo,
	)

	var raw bytes.Buffer
	require.NoError(t, packet.Serialize(&raw))

	decoded, err = Decode(raw.String())
	require.NoError(t, err)
	require.Equal(t, tx.TxHash(), decoded.UnsignedTx.TxHash())

	_, err = Decode("not a packet")
	require.Error(t, err)
}

func finalizedPacket(t *testing.T) (*psbt.Packet, [][]byte) {
	t.Helper()

	parent := parentTx(p2wkhScript, 10_000)
	tx := unsignedSpend(9_000, parent)

	packet, err := NewPacket(tx, []Input{{PrevOut: parent.TxOut[0]}})
	require.NoError(t, err)

	witness := [][]byte{{0x30, 0x01}, {0x02, 0x03}}

	var buf bytes.Buffer
	require.NoError(t, psbt.WriteTxWitness(&buf, witness))
	packet.Inputs[0].FinalScriptWitness = buf.Bytes()

	return packet, witness
}

// TestExtract checks extraction of finalized and unsigned packets.
func TestExtract(t *testing.T) {
	t.Parallel()

	parent := parentTx(p2wkhScript, 10_000)
	unsigned, err := NewPacket(
		unsignedSpend(9_000, parent),
		[]Input{{PrevOut: parent.TxOut[0]}},
	)
	require.NoError(t, err)

	_, err = Extract(unsigned)
	require.Error(t, err)

	packet, witness := finalizedPacket(t)
	tx, err := Extract(packet)
	require.NoError(t, err)
	require.Equal(t, wire.TxWitness(witness), tx.TxIn[0].Witness)
	require.Equal(t, packet.UnsignedTx.TxHash(), tx.TxHash())
}

// TestPublish checks that the extracted transaction reaches the
// broadcaster and that broadcast failures are wrapped.
func TestPublish(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	packet, _ := finalizedPacket(t)
	txid := packet.UnsignedTx.TxHash()

	b := &backend.MockBroadcaster{}
	b.On("Broadcast", ctx, mock.Anything).Return(txid, nil).Once()

	got, err := Publish(ctx, b, packet)
	require.NoError(t, err)
	require.Equal(t, txid, got)
	b.AssertExpectations(t)

	errRejected := errors.New("rejected")
	b = &backend.MockBroadcaster{}
	b.On("Broadcast", ctx, mock.Anything).Return(
		chainhash.Hash{}, errRejected,
	).Once()

	_, err = Publish(ctx, b, packet)
	require.ErrorIs(t, err, errRejected)
}

// testKeys are testnet master keys used as wallet cosigners.
var testKeys = []string{
	"tpubD6NzVbkrYhZ4Wgf68pWWfTRzdXMoepBvepfiAKtNoE7RvbAbWVfWzQxH1jbkf" +
		"Nk3iJ9zR65Yw6u3B2QZzpkMSTN4y8Lfm1t44HbpZX7efhZ",
	"tpubD6NzVbkrYhZ4Y3qD9tjwWFRv4AdyPdscx4wKXiywhgTXUeytmGtsEMiSJaXs9" +
		"kqyYdPaKQv9tir5J2cDg2Fm3vaudETvLADYLLY4Vb7kMU4",
	"tpubD6NzVbkrYhZ4XAhKE5b3VVtF4kipaPAEwhcF7e54zMkPoGh5C5rZFnpV4PMfB" +
		"8gHhgqEK6hQZynZWbQWLiR2hhMohdfoBSzxG6NfD8F58rE",
}

func walletAddress(t *testing.T, desc string) *derivation.Address {
	t.Helper()

	d, err := descriptor.Parse(desc)
	require.NoError(t, err)

	addr, err := derivation.Derive(derivation.Request{
		Descriptor: d,
		Index:      3,
		Network:    xpub.Testnet,
		Change:     true,
	})
	require.NoError(t, err)

	return addr
}

// TestWalletInput checks that wallet inputs carry the scripts and key
// derivations a signer needs, for every script family.
func TestWalletInput(t *testing.T) {
	t.Parallel()

	multi := "sortedmulti(2,[d34db33f/48h/1h/0h/2h]" + testKeys[0] +
		",[d34db33f/48h/1h/0h/2h]" + testKeys[1] +
		",[d34db33f/48h/1h/0h/2h]" + testKeys[2] + ")"
	single := "[d34db33f/84h/1h/0h]" + testKeys[0]

	tests := []struct {
		name          string
		desc          string
		redeemScript  bool
		witnessScript bool
		keys          int
		taproot       bool
	}{{
		name:          "wsh sortedmulti",
		desc:          "wsh(" + multi + ")",
		witnessScript: true,
		keys:          3,
	}, {
		name:          "sh wsh sortedmulti",
		desc:          "sh(wsh(" + multi + "))",
		redeemScript:  true,
		witnessScript: true,
		keys:          3,
	}, {
		name:         "sh wpkh",
		desc:         "sh(wpkh(" + single + "))",
		redeemScript: true,
		keys:         1,
	}, {
		name: "wpkh",
		desc: "wpkh(" + single + ")",
		keys: 1,
	}, {
		name:    "tr",
		desc:    "tr(" + single + ")",
		keys:    1,
		taproot: true,
	}}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			addr := walletAddress(t, test.desc)
			parent := parentTx(addr.PkScript, 20_000)
			tx := unsignedSpend(19_000, parent)

			packet, err := NewPacket(tx, []Input{
				WalletInput(parent.TxOut[0], addr),
			})
			require.NoError(t, err)

			pIn := packet.Inputs[0]
			require.NotNil(t, pIn.WitnessUtxo)
			require.Equal(t, test.redeemScript, pIn.RedeemScript != nil)
			require.Equal(
				t, test.witnessScript, pIn.WitnessScript != nil,
			)
			require.Equal(t, addr.RedeemScript, pIn.RedeemScript)
			require.Equal(t, addr.WitnessScript, pIn.WitnessScript)

			type derivationInfo struct {
				fingerprint uint32
				path        []uint32
			}
			var infos []derivationInfo
			if test.taproot {
				require.Empty(t, pIn.Bip32Derivation)
				require.Len(t, pIn.TaprootInternalKey, 32)
				for _, d := range pIn.TaprootBip32Derivation {
					require.Equal(
						t, pIn.TaprootInternalKey,
						d.XOnlyPubKey,
					)
					infos = append(infos, derivationInfo{
						d.MasterKeyFingerprint,
						d.Bip32Path,
					})
				}
			} else {
				require.Empty(t, pIn.TaprootBip32Derivation)
				for i, d := range pIn.Bip32Derivation {
					require.Equal(
						t,
						addr.PubKeys[i].SerializeCompressed(),
						d.PubKey,
					)
					infos = append(infos, derivationInfo{
						d.MasterKeyFingerprint,
						d.Bip32Path,
					})
				}
			}
			require.Len(t, infos, test.keys)

			for i, info := range infos {
				// The fingerprint serializes in descriptor byte
				// order.
				var fp [4]byte
				binary.LittleEndian.PutUint32(
					fp[:], info.fingerprint,
				)
				require.Equal(
					t, "d34db33f", hex.EncodeToString(fp[:]),
				)
				require.Equal(t, addr.Origins[i].Path, info.path)

				tail := info.path[len(info.path)-2:]
				require.Equal(t, []uint32{1, 3}, tail)
			}

			// The packet survives serialization with the
			// derivation records.
			encoded, err := Encode(packet)
			require.NoError(t, err)
			decoded, err := Decode(encoded)
			require.NoError(t, err)
			require.Len(
				t, decoded.Inputs[0].Bip32Derivation,
				len(pIn.Bip32Derivation),
			)
		})
	}
}
