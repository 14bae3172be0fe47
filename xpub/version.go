package xpub

import "fmt"

// KeyFamily is the script family an extended key announces through its
// SLIP-132 version prefix.
type KeyFamily uint8

const (
	// Legacy is announced by xpub/tpub. Taproot keys also use these
	// prefixes, with the script type chosen by the descriptor.
	Legacy KeyFamily = iota

	// NestedSegwit is announced by ypub/upub (P2SH-P2WPKH).
	NestedSegwit

	// NativeSegwit is announced by zpub/vpub (P2WPKH).
	NativeSegwit

	// NestedSegwitMultisig is announced by Ypub/Upub (P2SH-P2WSH).
	NestedSegwitMultisig

	// NativeSegwitMultisig is announced by Zpub/Vpub (P2WSH).
	NativeSegwitMultisig
)

// String returns a human readable name of the key family.
func (f KeyFamily) String() string {
	switch f {
	case Legacy:
		return "legacy"
	case NestedSegwit:
		return "nested-segwit"
	case NativeSegwit:
		return "native-segwit"
	case NestedSegwitMultisig:
		return "nested-segwit-multisig"
	case NativeSegwitMultisig:
		return "native-segwit-multisig"
	default:
		return fmt.Sprintf("KeyFamily(%d)", uint8(f))
	}
}

// IsMultisig reports whether the family announces a multisig script.
func (f KeyFamily) IsMultisig() bool {
	return f == NestedSegwitMultisig || f == NativeSegwitMultisig
}

// keyVersion describes a known four byte extended key version.
type keyVersion struct {
	prefix  string
	mainnet bool
	family  KeyFamily
	private bool
}

var (
	// xpubVersion is the canonical mainnet public version.
	xpubVersion = [4]byte{0x04, 0x88, 0xb2, 0x1e}

	// tpubVersion is the canonical test network public version.
	tpubVersion = [4]byte{0x04, 0x35, 0x87, 0xcf}
)

// knownVersions maps every recognized SLIP-132 version to its meaning.
// Private versions are only listed so they can be rejected with a precise
// reason.
var knownVersions = map[[4]byte]keyVersion{
	xpubVersion:              {"xpub", true, Legacy, false},
	{0x04, 0x9d, 0x7c, 0xb2}: {"ypub", true, NestedSegwit, false},
	{0x04, 0xb2, 0x47, 0x46}: {"zpub", true, NativeSegwit, false},
	{0x02, 0x95, 0xb4, 0x3f}: {"Ypub", true, NestedSegwitMultisig, false},
	{0x02, 0xaa, 0x7e, 0xd3}: {"Zpub", true, NativeSegwitMultisig, false},
	tpubVersion:              {"tpub", false, Legacy, false},
	{0x04, 0x4a, 0x52, 0x62}: {"upub", false, NestedSegwit, false},
	{0x04, 0x5f, 0x1c, 0xf6}: {"vpub", false, NativeSegwit, false},
	{0x02, 0x42, 0x89, 0xef}: {"Upub", false, NestedSegwitMultisig, false},
	{0x02, 0x57, 0x54, 0x83}: {"Vpub", false, NativeSegwitMultisig, false},
	{0x04, 0x88, 0xad, 0xe4}: {"xprv", true, Legacy, true},
	{0x04, 0x9d, 0x78, 0x78}: {"yprv", true, NestedSegwit, true},
	{0x04, 0xb2, 0x43, 0x0c}: {"zprv", true, NativeSegwit, true},
	{0x02, 0x95, 0xb0, 0x05}: {"Yprv", true, NestedSegwitMultisig, true},
	{0x02, 0xaa, 0x7a, 0x99}: {"Zprv", true, NativeSegwitMultisig, true},
	{0x04, 0x35, 0x83, 0x94}: {"tprv", false, Legacy, true},
	{0x04, 0x4a, 0x4e, 0x28}: {"uprv", false, NestedSegwit, true},
	{0x04, 0x5f, 0x18, 0xbc}: {"vprv", false, NativeSegwit, true},
	{0x02, 0x42, 0x85, 0xb5}: {"Uprv", false, NestedSegwitMultisig, true},
	{0x02, 0x57, 0x50, 0x48}: {"Vprv", false, NativeSegwitMultisig, true},
}

// publicVersion returns the public version bytes for the given network class
// and family.
func publicVersion(mainnet bool, family KeyFamily) ([4]byte, bool) {
	for version, info := range knownVersions {
		if info.private || info.mainnet != mainnet ||
			info.family != family {

			continue
		}

		return version, true
	}

	return [4]byte{}, false
}

// canonicalVersion returns the xpub or tpub version for the network class.
func canonicalVersion(mainnet bool) [4]byte {
	if mainnet {
		return xpubVersion
	}

	return tpubVersion
}
