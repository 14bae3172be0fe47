package derivation

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcvault/walletcore/descriptor"
	"github.com/btcvault/walletcore/xpub"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// ScriptType is the output script of a single-key descriptor.
type ScriptType = descriptor.ScriptType

// Wrapping selects how a sortedmulti witness script is committed to.
type Wrapping = descriptor.Wrapping

const (
	// multisigPurpose is the BIP-48 purpose.
	multisigPurpose = 48

	// defaultAccount is the account used when a key carries no origin.
	defaultAccount = 0

	// maxRangePrealloc caps the capacity reserved by DeriveRange.
	maxRangePrealloc = 1000
)

var (
	// ErrIndexOutOfRange is returned for an index in the hardened range.
	ErrIndexOutOfRange = errors.New("address index out of range")

	// ErrWrongNetwork is returned when the descriptor keys belong to
	// another network than the request.
	ErrWrongNetwork = errors.New("descriptor keys are for a different " +
		"network")
)

// Request describes one address to derive.
type Request struct {
	// Descriptor is the parsed single-key or sortedmulti descriptor.
	Descriptor descriptor.Descriptor

	// Index is the address index substituted for the wildcard.
	Index uint32

	// Network selects the address encoding.
	Network xpub.Network

	// Change selects the change branch instead of the receive branch.
	Change bool
}

// Address is a derived address along with the scripts needed to spend it.
type Address struct {
	// Address is the encoded address.
	Address string

	// DerivationPath is the full path from the master key, in
	// m/84'/0'/0'/0/5 notation.
	DerivationPath string

	// PkScript is the output script paying to the address.
	PkScript []byte

	// RedeemScript is set for P2SH wrapped outputs.
	RedeemScript []byte

	// WitnessScript is set for sortedmulti outputs.
	WitnessScript []byte

	// PubKeys holds the derived child keys. For sortedmulti they are in
	// script order.
	PubKeys []*btcec.PublicKey

	// Origins holds the BIP-32 origin of each entry of PubKeys.
	Origins []KeyOrigin
}

// KeyOrigin locates a derived key below a master key.
type KeyOrigin struct {
	// Fingerprint is the fingerprint of the master key, as written in a
	// descriptor origin. Keys without origin use the fingerprint of the
	// extended key itself.
	Fingerprint uint32

	// Path is the full path below the master key.
	Path []uint32
}

// keyOrigin returns the origin of the child of key reached through steps.
func keyOrigin(key *descriptor.KeyExpr, steps []uint32) (KeyOrigin, error) {
	if key.Origin.IsSome() {
		o := key.Origin.UnsafeFromSome()

		return KeyOrigin{
			Fingerprint: o.Fingerprint,
			Path:        append(slices.Clone(o.Path), steps...),
		}, nil
	}

	fp, err := key.Key.Fingerprint()
	if err != nil {
		return KeyOrigin{}, err
	}

	return KeyOrigin{Fingerprint: fp, Path: slices.Clone(steps)}, nil
}

// Derive derives the address at the requested index and branch. Any failure
// aborts the whole derivation.
func Derive(req Request) (*Address, error) {
	if req.Index >= hdkeychain.HardenedKeyStart {
		return nil, fmt.Errorf("%w: %d", ErrIndexOutOfRange, req.Index)
	}
	if req.Descriptor.IsMainnet() != req.Network.IsMainnet() {
		return nil, fmt.Errorf("%w: requested %v", ErrWrongNetwork,
			req.Network)
	}

	var (
		addr *Address
		err  error
	)
	switch d := req.Descriptor.(type) {
	case *descriptor.SingleKey:
		addr, err = deriveSingle(d, req)

	case *descriptor.SortedMulti:
		addr, err = deriveMulti(d, req)

	default:
		return nil, fmt.Errorf("unknown descriptor %T", d)
	}
	if err != nil {
		return nil, err
	}

	log.Tracef("Derived %v index=%d change=%v: %v (%v)", req.Network,
		req.Index, req.Change, addr.Address, addr.DerivationPath)

	return addr, nil
}

// DeriveRange derives count consecutive addresses starting at start.
func DeriveRange(desc descriptor.Descriptor, net xpub.Network, change bool,
	start, count uint32) ([]*Address, error) {

	if uint64(start)+uint64(count) > hdkeychain.HardenedKeyStart {
		return nil, fmt.Errorf("%w: %d addresses from %d",
			ErrIndexOutOfRange, count, start)
	}

	addrs := make([]*Address, 0, min(count, maxRangePrealloc))
	for i := uint32(0); i < count; i++ {
		addr, err := Derive(Request{
			Descriptor: desc,
			Index:      start + i,
			Network:    net,
			Change:     change,
		})
		if err != nil {
			return nil, err
		}

		addrs = append(addrs, addr)
	}

	return addrs, nil
}

// DeriveFromKey derives an address from a bare extended key using the
// default <0;1>/* template.
func DeriveFromKey(key string, scriptType fn.Option[ScriptType],
	index uint32, net xpub.Network, change bool) (*Address, error) {

	desc, err := descriptor.FromExtendedKey(key, scriptType)
	if err != nil {
		return nil, err
	}

	return Derive(Request{
		Descriptor: desc,
		Index:      index,
		Network:    net,
		Change:     change,
	})
}

func deriveSingle(d *descriptor.SingleKey, req Request) (*Address, error) {
	steps, err := d.Key.Template.Steps(req.Change, req.Index)
	if err != nil {
		return nil, err
	}

	pub, err := d.Key.Key.Derive(steps...)
	if err != nil {
		return nil, err
	}

	addr, err := singleKeyAddress(d.ScriptType, pub, req.Network.Params())
	if err != nil {
		return nil, err
	}

	origin, err := keyOrigin(d.Key, steps)
	if err != nil {
		return nil, err
	}
	addr.Origins = []KeyOrigin{origin}

	prefix := []uint32{
		hardened(d.ScriptType.Purpose()),
		hardened(req.Network.CoinType()),
		hardened(defaultAccount),
	}
	d.Key.Origin.WhenSome(func(o descriptor.Origin) {
		prefix = slices.Clone(o.Path)
	})
	addr.DerivationPath = FormatPath(append(prefix, steps...))

	return addr, nil
}

// singleKeyAddress encodes the output of a single key.
func singleKeyAddress(st ScriptType, pub *btcec.PublicKey,
	params *chaincfg.Params) (*Address, error) {

	var (
		addr         btcutil.Address
		redeemScript []byte
		err          error
	)
	keyHash := btcutil.Hash160(pub.SerializeCompressed())

	switch st {
	case descriptor.P2PKH:
		addr, err = btcutil.NewAddressPubKeyHash(keyHash, params)

	case descriptor.P2SHP2WPKH:
		var wpkh *btcutil.AddressWitnessPubKeyHash
		wpkh, err = btcutil.NewAddressWitnessPubKeyHash(keyHash, params)
		if err != nil {
			return nil, err
		}

		redeemScript, err = txscript.PayToAddrScript(wpkh)
		if err != nil {
			return nil, err
		}
		addr, err = btcutil.NewAddressScriptHash(redeemScript, params)

	case descriptor.P2WPKH:
		addr, err = btcutil.NewAddressWitnessPubKeyHash(keyHash, params)

	case descriptor.P2TR:
		// BIP-86 commits to the key with an empty script tree.
		outputKey := txscript.ComputeTaprootKeyNoScript(pub)
		addr, err = btcutil.NewAddressTaproot(
			schnorr.SerializePubKey(outputKey), params,
		)

	default:
		return nil, fmt.Errorf("unknown script type %v", st)
	}
	if err != nil {
		return nil, err
	}

	pkScript, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, err
	}

	return &Address{
		Address:      addr.EncodeAddress(),
		PkScript:     pkScript,
		RedeemScript: redeemScript,
		PubKeys:      []*btcec.PublicKey{pub},
	}, nil
}

func deriveMulti(d *descriptor.SortedMulti, req Request) (*Address, error) {
	// Each key is derived along its own template, so the steps of the
	// first key are the ones reported in the path.
	type childKey struct {
		pub    *btcec.PublicKey
		origin KeyOrigin
	}

	var reported []uint32
	children := make([]childKey, 0, len(d.Keys))
	for i, key := range d.Keys {
		steps, err := key.Template.Steps(req.Change, req.Index)
		if err != nil {
			return nil, fmt.Errorf("key %d: %w", i, err)
		}
		if i == 0 {
			reported = steps
		}

		pub, err := key.Key.Derive(steps...)
		if err != nil {
			return nil, fmt.Errorf("key %d: %w", i, err)
		}

		origin, err := keyOrigin(key, steps)
		if err != nil {
			return nil, fmt.Errorf("key %d: %w", i, err)
		}
		children = append(children, childKey{pub: pub, origin: origin})
	}

	// BIP-67 order, with each origin following its key.
	slices.SortStableFunc(children, func(a, b childKey) int {
		return bytes.Compare(
			a.pub.SerializeCompressed(), b.pub.SerializeCompressed(),
		)
	})

	pubs := make([]*btcec.PublicKey, len(children))
	origins := make([]KeyOrigin, len(children))
	for i, c := range children {
		pubs[i] = c.pub
		origins[i] = c.origin
	}

	witnessScript, err := MultiSigScript(d.Threshold, pubs)
	if err != nil {
		return nil, err
	}

	addr, err := multisigAddress(d.Wrapping, witnessScript,
		req.Network.Params())
	if err != nil {
		return nil, err
	}
	addr.PubKeys = pubs
	addr.Origins = origins
	addr.DerivationPath = FormatPath(
		append(multisigPrefix(d, req.Network), reported...),
	)

	return addr, nil
}

// multisigAddress commits to a witness script per the wrapping.
func multisigAddress(w Wrapping, witnessScript []byte,
	params *chaincfg.Params) (*Address, error) {

	scriptHash := sha256.Sum256(witnessScript)
	wsh, err := btcutil.NewAddressWitnessScriptHash(scriptHash[:], params)
	if err != nil {
		return nil, err
	}

	var (
		addr         btcutil.Address
		redeemScript []byte
	)
	switch w {
	case descriptor.P2WSH:
		addr = wsh

	case descriptor.P2SHP2WSH:
		redeemScript, err = txscript.PayToAddrScript(wsh)
		if err != nil {
			return nil, err
		}

		addr, err = btcutil.NewAddressScriptHash(redeemScript, params)
		if err != nil {
			return nil, err
		}

	default:
		return nil, fmt.Errorf("unknown wrapping %v", w)
	}

	pkScript, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, err
	}

	return &Address{
		Address:       addr.EncodeAddress(),
		PkScript:      pkScript,
		RedeemScript:  redeemScript,
		WitnessScript: witnessScript,
	}, nil
}

// multisigPrefix returns the origin path shared by all keys, or the BIP-48
// account path when the keys disagree or carry none.
func multisigPrefix(d *descriptor.SortedMulti, net xpub.Network) []uint32 {
	shared := true
	for _, key := range d.Keys {
		if key.Origin.IsNone() {
			shared = false
			break
		}

		path := key.Origin.UnsafeFromSome().Path
		first := d.Keys[0].Origin.UnsafeFromSome().Path
		if !slices.Equal(first, path) {
			shared = false
			break
		}
	}
	if shared {
		return slices.Clone(d.Keys[0].Origin.UnsafeFromSome().Path)
	}

	return []uint32{
		hardened(multisigPurpose),
		hardened(net.CoinType()),
		hardened(defaultAccount),
		hardened(d.Wrapping.ScriptIndex()),
	}
}

// MultiSigScript builds OP_k <keys> OP_n OP_CHECKMULTISIG over the keys in
// the given order.
func MultiSigScript(threshold int, keys []*btcec.PublicKey) ([]byte, error) {
	if threshold < 1 || threshold > len(keys) {
		return nil, fmt.Errorf("%w: %d of %d",
			descriptor.ErrBadThreshold, threshold, len(keys))
	}

	bldr := txscript.NewScriptBuilder()
	bldr.AddInt64(int64(threshold))
	for _, key := range keys {
		bldr.AddData(key.SerializeCompressed())
	}
	bldr.AddInt64(int64(len(keys)))
	bldr.AddOp(txscript.OP_CHECKMULTISIG)

	return bldr.Script()
}

// FormatPath renders a full derivation path with apostrophe hardened
// markers, e.g. m/48'/1'/0'/2'/0/3.
func FormatPath(path []uint32) string {
	var sb strings.Builder
	sb.WriteString("m")
	for _, step := range path {
		sb.WriteByte('/')
		if step >= hdkeychain.HardenedKeyStart {
			sb.WriteString(strconv.FormatUint(
				uint64(step-hdkeychain.HardenedKeyStart), 10,
			))
			sb.WriteByte('\'')

			continue
		}
		sb.WriteString(strconv.FormatUint(uint64(step), 10))
	}

	return sb.String()
}

func hardened(i uint32) uint32 {
	return i + hdkeychain.HardenedKeyStart
}
