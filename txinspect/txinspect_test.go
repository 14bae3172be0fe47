package txinspect

import (
	"bytes"
	"encoding/hex"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

// newTestTx builds a transaction spending one input per sequence.
func newTestTx(witness bool, sequences ...uint32) *wire.MsgTx {
	tx := wire.NewMsgTx(2)
	for i, seq := range sequences {
		in := wire.NewTxIn(&wire.OutPoint{
			Hash:  chainhash.Hash{byte(i + 1)},
			Index: uint32(i),
		}, nil, nil)
		in.Sequence = seq
		if witness {
			in.Witness = wire.TxWitness{
				bytes.Repeat([]byte{0x30}, 71),
				bytes.Repeat([]byte{0x02}, 33),
			}
		}
		tx.AddTxIn(in)
	}
	tx.AddTxOut(wire.NewTxOut(50_000, append(
		[]byte{0x00, 0x14}, bytes.Repeat([]byte{0xab}, 20)...,
	)))

	return tx
}

func toHex(t *testing.T, tx *wire.MsgTx) string {
	var buf bytes.Buffer
	require.NoError(t, tx.Serialize(&buf))

	return hex.EncodeToString(buf.Bytes())
}

// TestIsRBFSignaled checks the BIP-125 signaling threshold.
func TestIsRBFSignaled(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		sequences []uint32
		signaled  bool
	}{
		{"final", []uint32{wire.MaxTxInSequenceNum}, false},
		{"locktime only", []uint32{0xfffffffe}, false},
		{"rbf sequence", []uint32{RBFSequence}, true},
		{"zero", []uint32{0}, true},
		{"any input", []uint32{
			wire.MaxTxInSequenceNum, RBFSequence,
		}, true},
		{"no signaling input", []uint32{
			wire.MaxTxInSequenceNum, 0xfffffffe,
		}, false},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			for _, witness := range []bool{false, true} {
				raw := toHex(t, newTestTx(witness,
					test.sequences...))
				require.Equal(t, test.signaled,
					IsRBFSignaled(raw))
			}
		})
	}
}

// TestIsRBFSignaledInvalid ensures undecodable input never signals.
func TestIsRBFSignaledInvalid(t *testing.T) {
	t.Parallel()

	require.False(t, IsRBFSignaled(""))
	require.False(t, IsRBFSignaled("zz"))
	require.False(t, IsRBFSignaled("0200"))

	raw := toHex(t, newTestTx(false, RBFSequence))
	require.False(t, IsRBFSignaled(raw[:len(raw)-2]))
	require.False(t, IsRBFSignaled(raw+"00"))
}

// TestDecode checks the decoded view and size accounting.
func TestDecode(t *testing.T) {
	t.Parallel()

	tx := newTestTx(true, RBFSequence, wire.MaxTxInSequenceNum)
	decoded, err := Decode(toHex(t, tx))
	require.NoError(t, err)

	require.Equal(t, tx.TxHash(), decoded.TxID)
	require.Equal(t, int32(2), decoded.Version)
	require.Len(t, decoded.Inputs, 2)
	require.Equal(t, RBFSequence, decoded.Inputs[0].Sequence)
	require.Equal(t, uint32(1), decoded.Inputs[1].PrevOut.Index)
	require.Len(t, decoded.Outputs, 1)
	require.Equal(t, int64(50_000), decoded.Outputs[0].Value)
	require.True(t, decoded.SignalsRBF())

	// Witness data is discounted, so the virtual size lies between the
	// stripped size and the total size.
	stripped := int64(tx.SerializeSizeStripped())
	total := int64(tx.SerializeSize())
	require.Equal(t, stripped*3+total, decoded.Weight)
	require.Equal(t, (decoded.Weight+3)/4, decoded.VSize)
	require.Greater(t, decoded.VSize, stripped)
	require.Less(t, decoded.VSize, total)

	legacy := newTestTx(false, RBFSequence)
	require.Equal(t, int64(legacy.SerializeSize()), VirtualSize(legacy))
}
