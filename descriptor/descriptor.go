package descriptor

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcvault/walletcore/xpub"
	"github.com/lightningnetwork/lnd/fn/v2"
)

const (
	// MaxMultisigKeys is the largest key count accepted in sortedmulti.
	MaxMultisigKeys = 20
)

var (
	// ErrNoChangeBranch is returned when a change address is requested
	// from a template that only describes one branch.
	ErrNoChangeBranch = errors.New("key template has no change branch")

	// ErrMultisigFamily is returned when a single-key descriptor is built
	// from a key announcing a multisig script family.
	ErrMultisigFamily = errors.New("key prefix announces a multisig " +
		"script")
)

// ScriptType is the output script of a single-key descriptor.
type ScriptType uint8

const (
	// P2PKH is pkh(K).
	P2PKH ScriptType = iota

	// P2SHP2WPKH is sh(wpkh(K)).
	P2SHP2WPKH

	// P2WPKH is wpkh(K).
	P2WPKH

	// P2TR is tr(K) with a BIP-86 key path only output.
	P2TR
)

// String returns the name of the script type.
func (s ScriptType) String() string {
	switch s {
	case P2PKH:
		return "p2pkh"
	case P2SHP2WPKH:
		return "p2sh-p2wpkh"
	case P2WPKH:
		return "p2wpkh"
	case P2TR:
		return "p2tr"
	default:
		return fmt.Sprintf("ScriptType(%d)", uint8(s))
	}
}

// Purpose returns the BIP-43 purpose used by the standard account path of
// the script type.
func (s ScriptType) Purpose() uint32 {
	switch s {
	case P2PKH:
		return 44
	case P2SHP2WPKH:
		return 49
	case P2WPKH:
		return 84
	case P2TR:
		return 86
	default:
		panic(fmt.Sprintf("unknown script type %d", uint8(s)))
	}
}

// Wrapping selects how a sortedmulti witness script is committed to.
type Wrapping uint8

const (
	// P2WSH is wsh(sortedmulti(...)).
	P2WSH Wrapping = iota

	// P2SHP2WSH is sh(wsh(sortedmulti(...))).
	P2SHP2WSH
)

// String returns the name of the wrapping.
func (w Wrapping) String() string {
	switch w {
	case P2WSH:
		return "p2wsh"
	case P2SHP2WSH:
		return "p2sh-p2wsh"
	default:
		return fmt.Sprintf("Wrapping(%d)", uint8(w))
	}
}

// ScriptIndex returns the BIP-48 script type index of the wrapping.
func (w Wrapping) ScriptIndex() uint32 {
	switch w {
	case P2WSH:
		return 2
	case P2SHP2WSH:
		return 1
	default:
		panic(fmt.Sprintf("unknown wrapping %d", uint8(w)))
	}
}

// Origin is the key origin information of a key expression.
type Origin struct {
	// Fingerprint is the fingerprint of the master key.
	Fingerprint uint32

	// Path is the path from the master key to the extended key, with
	// hardened steps offset by hdkeychain.HardenedKeyStart.
	Path []uint32
}

// String renders the origin without brackets.
func (o Origin) String() string {
	return fmt.Sprintf("%08x%s", o.Fingerprint, FormatPath(o.Path))
}

// Template resolves the receive or change branch of a ranged key.
type Template struct {
	// Fixed holds the steps between the extended key and the branch.
	Fixed []uint32

	// Branches holds the receive and change alternatives of a multipath
	// step. It is None when the template has a single branch, which is
	// then part of Fixed.
	Branches fn.Option[[2]uint32]
}

// DefaultTemplate is the template implied by a key without a path, <0;1>/*.
func DefaultTemplate() Template {
	return Template{
		Branches: fn.Some([2]uint32{0, 1}),
	}
}

// Steps returns the child steps for the given branch and index.
func (t Template) Steps(change bool, index uint32) ([]uint32, error) {
	steps := make([]uint32, 0, len(t.Fixed)+2)
	steps = append(steps, t.Fixed...)

	if t.Branches.IsNone() {
		if change {
			return nil, ErrNoChangeBranch
		}

		return append(steps, index), nil
	}

	branches := t.Branches.UnsafeFromSome()
	if change {
		steps = append(steps, branches[1])
	} else {
		steps = append(steps, branches[0])
	}

	return append(steps, index), nil
}

// String renders the template, including the leading '/'.
func (t Template) String() string {
	var sb strings.Builder
	sb.WriteString(FormatPath(t.Fixed))
	t.Branches.WhenSome(func(b [2]uint32) {
		fmt.Fprintf(&sb, "/<%d;%d>", b[0], b[1])
	})
	sb.WriteString("/*")

	return sb.String()
}

// KeyExpr is a ranged extended public key with optional origin information.
type KeyExpr struct {
	// Origin is the key origin, if the descriptor supplied one.
	Origin fn.Option[Origin]

	// Key is the parsed extended public key.
	Key *xpub.ExtendedKey

	// Template resolves child steps below Key.
	Template Template
}

// String renders the key expression with the canonical key prefix.
func (k *KeyExpr) String() string {
	var sb strings.Builder
	k.Origin.WhenSome(func(o Origin) {
		sb.WriteString("[" + o.String() + "]")
	})
	sb.WriteString(k.Key.Canonical())
	sb.WriteString(k.Template.String())

	return sb.String()
}

// Descriptor is either a *SingleKey or a *SortedMulti.
type Descriptor interface {
	// KeyExprs returns the key expressions in input order.
	KeyExprs() []*KeyExpr

	// IsMainnet reports whether the keys use mainnet prefixes.
	IsMainnet() bool

	// String renders the descriptor with its checksum.
	String() string

	isDescriptor()
}

// SingleKey describes a one-key output script.
type SingleKey struct {
	ScriptType ScriptType
	Key        *KeyExpr
}

// KeyExprs returns the single key expression.
func (s *SingleKey) KeyExprs() []*KeyExpr {
	return []*KeyExpr{s.Key}
}

// IsMainnet reports whether the key uses a mainnet prefix.
func (s *SingleKey) IsMainnet() bool {
	return s.Key.Key.IsMainnet()
}

// String renders the descriptor with its checksum.
func (s *SingleKey) String() string {
	var body string
	switch s.ScriptType {
	case P2PKH:
		body = "pkh(" + s.Key.String() + ")"
	case P2SHP2WPKH:
		body = "sh(wpkh(" + s.Key.String() + "))"
	case P2WPKH:
		body = "wpkh(" + s.Key.String() + ")"
	case P2TR:
		body = "tr(" + s.Key.String() + ")"
	}

	return mustChecksum(body)
}

func (s *SingleKey) isDescriptor() {}

// SortedMulti describes a BIP-67 sorted k-of-n multisig witness script.
type SortedMulti struct {
	// Threshold is the number of signatures required.
	Threshold int

	// Keys preserves the order the keys were supplied in. Script
	// construction sorts the derived child keys instead.
	Keys []*KeyExpr

	Wrapping Wrapping
}

// KeyExprs returns the key expressions in input order.
func (m *SortedMulti) KeyExprs() []*KeyExpr {
	return m.Keys
}

// IsMainnet reports whether the keys use mainnet prefixes.
func (m *SortedMulti) IsMainnet() bool {
	return m.Keys[0].Key.IsMainnet()
}

// String renders the descriptor with its checksum.
func (m *SortedMulti) String() string {
	keys := make([]string, 0, len(m.Keys))
	for _, k := range m.Keys {
		keys = append(keys, k.String())
	}
	multi := "sortedmulti(" + strconv.Itoa(m.Threshold) + "," +
		strings.Join(keys, ",") + ")"

	var body string
	switch m.Wrapping {
	case P2WSH:
		body = "wsh(" + multi + ")"
	case P2SHP2WSH:
		body = "sh(wsh(" + multi + "))"
	}

	return mustChecksum(body)
}

func (m *SortedMulti) isDescriptor() {}

// mustChecksum appends the checksum to a body rendered from parsed values,
// which only contain characters of the descriptor charset.
func mustChecksum(body string) string {
	sum, err := Checksum(body)
	if err != nil {
		panic(err)
	}

	return body + "#" + sum
}

// FormatPath renders a derivation path suffix such as "/84h/0h/0h".
func FormatPath(path []uint32) string {
	var sb strings.Builder
	for _, step := range path {
		if step >= hdkeychain.HardenedKeyStart {
			fmt.Fprintf(&sb, "/%dh", step-hdkeychain.HardenedKeyStart)
			continue
		}
		fmt.Fprintf(&sb, "/%d", step)
	}

	return sb.String()
}

// FromExtendedKey builds a single-key descriptor over a bare extended key
// using the default <0;1>/* template. Without an explicit script type it is
// inferred from the key prefix; taproot must always be explicit.
func FromExtendedKey(key string,
	scriptType fn.Option[ScriptType]) (*SingleKey, error) {

	k, err := xpub.Parse(key)
	if err != nil {
		return nil, err
	}

	var st ScriptType
	switch {
	case scriptType.IsSome():
		st = scriptType.UnsafeFromSome()

	case k.Family() == xpub.Legacy:
		st = P2PKH

	case k.Family() == xpub.NestedSegwit:
		st = P2SHP2WPKH

	case k.Family() == xpub.NativeSegwit:
		st = P2WPKH

	default:
		return nil, fmt.Errorf("%w: %v", ErrMultisigFamily, k.Family())
	}

	return &SingleKey{
		ScriptType: st,
		Key: &KeyExpr{
			Key:      k,
			Template: DefaultTemplate(),
		},
	}, nil
}
