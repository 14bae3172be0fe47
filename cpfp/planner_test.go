package cpfp

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcvault/walletcore/backend"
	"github.com/btcvault/walletcore/chainfee"
	"github.com/btcvault/walletcore/derivation"
	"github.com/btcvault/walletcore/descriptor"
	"github.com/btcvault/walletcore/txinspect"
	"github.com/btcvault/walletcore/xpub"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

const (
	walletID = "w1"

	// walletKey is the testnet master key of seed 0x01...
	walletKey = "tpubD6NzVbkrYhZ4Wgf68pWWfTRzdXMoepBvepfiAKtNoE7RvbAbWVfW" +
		"zQxH1jbkfNk3iJ9zR65Yw6u3B2QZzpkMSTN4y8Lfm1t44HbpZX7efhZ"

	// parentFee makes the parent pay exactly 5 sat/vB at 141 vbytes.
	parentFee = 705
)

// TestCalculateFee checks the package arithmetic on the reference numbers.
func TestCalculateFee(t *testing.T) {
	t.Parallel()

	plan := CalculateFee(200, 5, 140, 20)
	require.Equal(t, btcutil.Amount(5_800), plan.ChildFee)
	require.Equal(t, btcutil.Amount(6_800), plan.TotalFee)
	require.EqualValues(t, 340, plan.TotalVSize)
	require.Equal(t, chainfee.SatPerVByte(20), plan.EffectiveFeeRate)
	require.Equal(t, btcutil.Amount(1_000), plan.ParentFee)
	require.InDelta(t, 5_800.0/140.0, float64(plan.ChildFeeRate), 1e-9)
	require.Greater(t, plan.ChildFeeRate, plan.EffectiveFeeRate)
}

// TestCalculateFeeClamp checks that a parent paying more than the target
// never yields a negative child fee.
func TestCalculateFeeClamp(t *testing.T) {
	t.Parallel()

	plan := CalculateFee(200, 30, 140, 20)
	require.Equal(t, btcutil.Amount(2_800), plan.ChildFee)
	require.Equal(t, btcutil.Amount(6_000+2_800), plan.TotalFee)
	require.Equal(t, chainfee.SatPerVByte(20), plan.ChildFeeRate)
	require.Greater(t, plan.EffectiveFeeRate, chainfee.SatPerVByte(20))
}

// TestCalculateFeeProperties checks the package invariants over random
// sizes and rates.
func TestCalculateFeeProperties(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		parentVSize := rapid.Int64Range(60, 100_000).Draw(t, "parent")
		childVSize := rapid.Int64Range(60, 2_000).Draw(t, "child")
		parentRate := chainfee.SatPerVByte(
			rapid.IntRange(1, 500).Draw(t, "parentRate"),
		)
		target := chainfee.SatPerVByte(
			rapid.IntRange(1, 1_000).Draw(t, "target"),
		)

		plan := CalculateFee(parentVSize, parentRate, childVSize, target)

		require.Equal(t, parentVSize+childVSize, plan.TotalVSize)
		require.Equal(t, plan.ParentFee+plan.ChildFee, plan.TotalFee)
		require.GreaterOrEqual(
			t, plan.ChildFee, target.FeeForVSize(childVSize),
		)
		require.GreaterOrEqual(
			t, plan.TotalFee, target.FeeForVSize(plan.TotalVSize),
		)
		require.GreaterOrEqual(t, plan.ChildFeeRate, target)

		if parentRate < target {
			require.Equal(t, target, plan.EffectiveFeeRate)
			require.Equal(
				t, target.FeeForVSize(plan.TotalVSize),
				plan.TotalFee,
			)
		}
	})
}

type harness struct {
	chain   *backend.MockTxSource
	wallets *backend.MockWalletStore
	utxos   *backend.MockUTXOStore
	bcast   *backend.MockBroadcaster

	planner *Planner
	wallet  *backend.Wallet

	parent    *wire.MsgTx
	op        wire.OutPoint
	utxo      *backend.UTXO
	recipient string
}

func deriveAddr(t *testing.T, desc string, index uint32) *derivation.Address {
	d, err := descriptor.Parse(desc)
	require.NoError(t, err)

	addr, err := derivation.Derive(derivation.Request{
		Descriptor: d,
		Index:      index,
		Network:    xpub.Testnet,
	})
	require.NoError(t, err)

	return addr
}

// newHarness creates an unconfirmed parent paying value to the wallet of
// the given descriptor at output 0, with a second output to a recipient.
func newHarness(t *testing.T, desc string, value int64) *harness {
	h := &harness{
		chain:   &backend.MockTxSource{},
		wallets: &backend.MockWalletStore{},
		utxos:   &backend.MockUTXOStore{},
		bcast:   &backend.MockBroadcaster{},
		wallet: &backend.Wallet{
			ID:         walletID,
			Descriptor: desc,
			Network:    xpub.Testnet,
		},
		recipient: deriveAddr(t, "wpkh("+walletKey+")", 7).Address,
	}

	own := deriveAddr(t, desc, 0)
	other := deriveAddr(t, "wpkh("+walletKey+")", 9)

	const otherValue = 60_000
	funding := wire.NewTxOut(value+otherValue+parentFee, other.PkScript)

	h.parent = wire.NewMsgTx(2)
	in := wire.NewTxIn(wire.NewOutPoint(&chainhash.Hash{1}, 0), nil,
		wire.TxWitness{
			bytes.Repeat([]byte{0x30}, 72),
			bytes.Repeat([]byte{0x02}, 33),
		},
	)
	in.Sequence = txinspect.RBFSequence
	h.parent.AddTxIn(in)
	h.parent.AddTxOut(wire.NewTxOut(value, own.PkScript))
	h.parent.AddTxOut(wire.NewTxOut(otherValue, other.PkScript))

	h.op = wire.OutPoint{Hash: h.parent.TxHash(), Index: 0}
	h.utxo = &backend.UTXO{
		OutPoint: h.op,
		Value:    btcutil.Amount(value),
		PkScript: own.PkScript,
	}

	h.chain.On("FetchTx", mock.Anything, h.op.Hash).Return(
		&backend.Tx{
			MsgTx:    h.parent,
			PrevOuts: []*wire.TxOut{funding},
		}, nil,
	).Maybe()
	h.wallets.On("FetchWallet", mock.Anything, walletID).Return(
		h.wallet, nil,
	).Maybe()

	h.planner = New(&Config{
		Chain:       h.chain,
		Wallets:     h.wallets,
		UTXOs:       h.utxos,
		Broadcaster: h.bcast,
	})

	return h
}

func (h *harness) serveUTXO() {
	h.utxos.On("FetchUTXO", mock.Anything, walletID, h.op).Return(
		h.utxo, nil,
	)
}

func (h *harness) create(target chainfee.SatPerVByte) (*Child, error) {
	return h.planner.CreateChild(
		context.Background(), h.op, target, h.recipient, walletID,
		xpub.Testnet,
	)
}

// TestCreateChild builds a child for a witness parent output.
func TestCreateChild(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "wpkh("+walletKey+")", 40_000)
	h.serveUTXO()

	parentVSize := txinspect.VirtualSize(h.parent)
	require.EqualValues(t, 141, parentVSize)

	const target = 20
	child, err := h.create(target)
	require.NoError(t, err)

	require.Len(t, child.Tx.TxIn, 1)
	require.Equal(t, h.op, child.Tx.TxIn[0].PreviousOutPoint)
	require.Equal(t, txinspect.RBFSequence, child.Tx.TxIn[0].Sequence)
	require.Len(t, child.Tx.TxOut, 1)

	require.Equal(t, btcutil.Amount(parentFee), child.Plan.ParentFee)
	require.Equal(t, chainfee.SatPerVByte(target),
		child.Plan.EffectiveFeeRate)
	require.Equal(t, child.Plan.ChildFee, child.Fee)
	require.Equal(t, btcutil.Amount(40_000)-child.Fee, child.Payment)
	require.EqualValues(t, child.Payment, child.Tx.TxOut[0].Value)

	childVSize := child.Plan.TotalVSize - parentVSize
	require.Equal(t, chainfee.SatPerVByte(target).FeeForVSize(
		parentVSize+childVSize,
	)-parentFee, child.Fee)

	recipient := deriveAddr(t, "wpkh("+walletKey+")", 7)
	require.Equal(t, recipient.PkScript, child.Tx.TxOut[0].PkScript)

	require.Equal(t, h.utxo.TxOut(), child.Packet.Inputs[0].WitnessUtxo)
	require.Nil(t, child.Packet.Inputs[0].NonWitnessUtxo)
}

// TestCreateChildLegacy checks that a legacy parent output carries the full
// parent transaction in the packet.
func TestCreateChildLegacy(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "pkh("+walletKey+")", 40_000)
	h.serveUTXO()

	child, err := h.create(20)
	require.NoError(t, err)
	require.Nil(t, child.Packet.Inputs[0].WitnessUtxo)
	require.Equal(
		t, h.parent.TxHash(),
		child.Packet.Inputs[0].NonWitnessUtxo.TxHash(),
	)
}

// TestCreateChildFailures covers the rejection paths.
func TestCreateChildFailures(t *testing.T) {
	t.Parallel()

	wpkh := "wpkh(" + walletKey + ")"

	t.Run("utxo not found", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t, wpkh, 40_000)
		h.utxos.On("FetchUTXO", mock.Anything, walletID, h.op).Return(
			nil, backend.ErrUTXONotFound,
		)

		_, err := h.create(20)
		require.ErrorIs(t, err, ErrUTXONotFound)
		require.Contains(t, err.Error(), "UTXO not found")
	})

	t.Run("utxo spent", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t, wpkh, 40_000)
		h.utxo.Spent = true
		h.serveUTXO()

		_, err := h.create(20)
		require.ErrorIs(t, err, ErrUTXOSpent)
		require.Contains(t, err.Error(), "already spent")
	})

	t.Run("parent confirmed", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t, wpkh, 40_000)
		h.serveUTXO()
		h.chain.ExpectedCalls = nil
		h.chain.On("FetchTx", mock.Anything, h.op.Hash).Return(
			&backend.Tx{MsgTx: h.parent, Confirmations: 1}, nil,
		)

		_, err := h.create(20)
		require.ErrorIs(t, err, ErrParentConfirmed)
	})

	t.Run("target too low", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t, wpkh, 40_000)
		h.serveUTXO()

		_, err := h.create(5)
		require.ErrorIs(t, err, ErrTargetTooLow)
	})

	t.Run("insufficient value", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t, wpkh, 3_000)
		h.serveUTXO()

		_, err := h.create(50)
		require.ErrorIs(t, err, ErrInsufficientValue)
		require.Contains(t, err.Error(), "insufficient")
	})

	t.Run("dust payment", func(t *testing.T) {
		t.Parallel()

		// Just enough to pay the fee but not a spendable payment.
		h := newHarness(t, wpkh, 40_000)
		h.serveUTXO()

		child, err := h.create(20)
		require.NoError(t, err)

		h2 := newHarness(t, wpkh, int64(child.Fee)+100)
		h2.serveUTXO()

		_, err = h2.create(20)
		require.ErrorIs(t, err, ErrInsufficientValue)
	})

	t.Run("wrong network recipient", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t, wpkh, 40_000)
		h.serveUTXO()
		h.recipient = "bc1qcr8te4kr609gcawutmrza0j4xv80jy8z306fyu"

		_, err := h.create(20)
		require.Error(t, err)
	})

	t.Run("wrong network wallet", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t, wpkh, 40_000)
		h.serveUTXO()

		_, err := h.planner.CreateChild(
			context.Background(), h.op, 20, h.recipient, walletID,
			xpub.Regtest,
		)
		require.ErrorIs(t, err, ErrWrongNetwork)
	})
}

// cosignerKeys are testnet master keys of seeds 0x02... and 0x03...
var cosignerKeys = []string{
	"tpubD6NzVbkrYhZ4Y3qD9tjwWFRv4AdyPdscx4wKXiywhgTXUeytmGtsEMiSJaXs9" +
		"kqyYdPaKQv9tir5J2cDg2Fm3vaudETvLADYLLY4Vb7kMU4",
	"tpubD6NzVbkrYhZ4XAhKE5b3VVtF4kipaPAEwhcF7e54zMkPoGh5C5rZFnpV4PMfB" +
		"8gHhgqEK6hQZynZWbQWLiR2hhMohdfoBSzxG6NfD8F58rE",
}

// TestCreateChildWalletScripts checks that the child packet carries the
// scripts and key derivations needed to sign the parent output.
func TestCreateChildWalletScripts(t *testing.T) {
	t.Parallel()

	multi := "sortedmulti(1,[0000000a/48h/1h/0h/2h]" + walletKey +
		",[0000000b/48h/1h/0h/2h]" + cosignerKeys[0] +
		",[0000000c/48h/1h/0h/2h]" + cosignerKeys[1] + ")"

	tests := []struct {
		name          string
		desc          string
		redeemScript  bool
		witnessScript bool
		keys          int
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
		desc:         "sh(wpkh([0000000a/49h/1h/0h]" + walletKey + "))",
		redeemScript: true,
		keys:         1,
	}}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t, test.desc, 40_000)
			h.serveUTXO()

			child, err := h.create(20)
			require.NoError(t, err)

			own := deriveAddr(t, test.desc, 0)
			pIn := child.Packet.Inputs[0]

			require.Equal(t, h.utxo.TxOut(), pIn.WitnessUtxo)
			require.Equal(t, test.redeemScript, pIn.RedeemScript != nil)
			require.Equal(
				t, test.witnessScript, pIn.WitnessScript != nil,
			)
			require.Equal(t, own.RedeemScript, pIn.RedeemScript)
			require.Equal(t, own.WitnessScript, pIn.WitnessScript)

			require.Len(t, pIn.Bip32Derivation, test.keys)
			for i, d := range pIn.Bip32Derivation {
				require.Equal(
					t, own.PubKeys[i].SerializeCompressed(),
					d.PubKey,
				)
				require.Equal(t, own.Origins[i].Path, d.Bip32Path)
			}
		})
	}
}

// TestCreateChildSerialized checks that concurrent builds for the same
// parent output never overlap.
func TestCreateChildSerialized(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "wpkh("+walletKey+")", 40_000)

	var inFlight, maxInFlight atomic.Int32
	h.utxos.On("FetchUTXO", mock.Anything, walletID, h.op).Run(
		func(mock.Arguments) {
			n := inFlight.Add(1)
			for {
				seen := maxInFlight.Load()
				if n <= seen ||
					maxInFlight.CompareAndSwap(seen, n) {

					break
				}
			}

			time.Sleep(5 * time.Millisecond)
			inFlight.Add(-1)
		},
	).Return(h.utxo, nil)

	const builds = 8
	errs := make(chan error, builds)

	var wg sync.WaitGroup
	for i := 0; i < builds; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			_, err := h.create(20)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	require.EqualValues(t, 1, maxInFlight.Load())
}

// TestPublish checks that a signed child reaches the broadcaster.
func TestPublish(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "wpkh("+walletKey+")", 40_000)
	h.serveUTXO()

	child, err := h.create(20)
	require.NoError(t, err)

	var witness bytes.Buffer
	require.NoError(t, psbt.WriteTxWitness(&witness, [][]byte{
		bytes.Repeat([]byte{0x30}, 72), bytes.Repeat([]byte{0x02}, 33),
	}))
	child.Packet.Inputs[0].FinalScriptWitness = witness.Bytes()

	txid := child.Tx.TxHash()
	h.bcast.On("Broadcast", mock.Anything, mock.Anything).Return(
		txid, nil,
	).Once()

	got, err := h.planner.Publish(context.Background(), child.Packet)
	require.NoError(t, err)
	require.Equal(t, txid, got)
}
