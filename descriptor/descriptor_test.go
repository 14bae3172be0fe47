package descriptor

import (
	"bytes"
	"fmt"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcvault/walletcore/xpub"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stretchr/testify/require"
)

const (
	// vectorKey is the master public key of BIP-32 test vector 1.
	vectorKey = "xpub661MyMwAqRbcFtXgS5sYJABqqG9YLmC4Q1Rdap9gSE8Nqtwyb" +
		"GhePY2gZ29ESFjqJoCu1Rupje8YtGqsefD265TMg7usUDFdp6W1EGMcet8"

	// vectorDesc is a wpkh descriptor over vectorKey with its checksum.
	vectorDesc = "wpkh([d34db33f/84h/0h/0h]" + vectorKey +
		"/<0;1>/*)#7nau6n94"
)

// testKeys returns n distinct extended public keys for params.
func testKeys(t *testing.T, n int, params *chaincfg.Params) []string {
	t.Helper()

	keys := make([]string, 0, n)
	for i := 0; i < n; i++ {
		seed := bytes.Repeat([]byte{byte(i + 1)}, 32)
		master, err := hdkeychain.NewMaster(seed, params)
		require.NoError(t, err)

		pub, err := master.Neuter()
		require.NoError(t, err)

		keys = append(keys, pub.String())
	}

	return keys
}

// TestChecksum checks the BIP-380 checksum against known vectors.
func TestChecksum(t *testing.T) {
	t.Parallel()

	sum, err := Checksum("raw(deadbeef)")
	require.NoError(t, err)
	require.Equal(t, "89f8spxm", sum)

	body, _, _ := strings.Cut(vectorDesc, "#")
	withSum, err := AddChecksum(body)
	require.NoError(t, err)
	require.Equal(t, vectorDesc, withSum)

	// An existing valid checksum is kept, a wrong one rejected.
	kept, err := AddChecksum(vectorDesc)
	require.NoError(t, err)
	require.Equal(t, vectorDesc, kept)

	_, err = AddChecksum(body + "#qqqqqqqq")
	require.ErrorIs(t, err, ErrBadChecksum)

	_, err = Checksum("wpkh(é)")
	require.Error(t, err)
}

// TestParseSingleKey covers every single-key function and the rendering
// round trip.
func TestParseSingleKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		desc string
		st   ScriptType
	}{
		{"pkh", "pkh(%s)", P2PKH},
		{"sh-wpkh", "sh(wpkh(%s))", P2SHP2WPKH},
		{"wpkh", "wpkh(%s)", P2WPKH},
		{"tr", "tr(%s)", P2TR},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			d, err := Parse(fmt.Sprintf(test.desc, vectorKey))
			require.NoError(t, err)

			single, ok := d.(*SingleKey)
			require.True(t, ok)
			require.Equal(t, test.st, single.ScriptType)
			require.True(t, single.IsMainnet())
			require.True(t, single.Key.Origin.IsNone())
			require.Equal(t, DefaultTemplate(), single.Key.Template)

			// The rendered form parses back to the same value.
			again, err := Parse(d.String())
			require.NoError(t, err)
			require.Equal(t, d.String(), again.String())
		})
	}
}

// TestParseVector parses a descriptor with origin and checksum.
func TestParseVector(t *testing.T) {
	t.Parallel()

	d, err := Parse(vectorDesc)
	require.NoError(t, err)
	require.Equal(t, vectorDesc, d.String())

	key := d.KeyExprs()[0]
	origin, err := key.Origin.UnwrapOrErr(fmt.Errorf("no origin"))
	require.NoError(t, err)
	require.Equal(t, uint32(0xd34db33f), origin.Fingerprint)
	require.Equal(t, []uint32{
		hdkeychain.HardenedKeyStart + 84,
		hdkeychain.HardenedKeyStart,
		hdkeychain.HardenedKeyStart,
	}, origin.Path)

	// Apostrophes are accepted and rendered as h.
	alt := strings.Replace(
		strings.Split(vectorDesc, "#")[0], "[d34db33f/84h/0h/0h]",
		"[d34db33f/84'/0'/0']", 1,
	)
	d2, err := Parse(alt)
	require.NoError(t, err)
	require.Equal(t, vectorDesc, d2.String())
}

// TestParseSortedMulti checks thresholds, key order and wrapping.
func TestParseSortedMulti(t *testing.T) {
	t.Parallel()

	keys := testKeys(t, 3, &chaincfg.TestNet3Params)
	list := strings.Join([]string{
		keys[2] + "/<0;1>/*", keys[0] + "/<0;1>/*", keys[1],
	}, ",")

	d, err := Parse("wsh(sortedmulti(2," + list + "))")
	require.NoError(t, err)

	multi, ok := d.(*SortedMulti)
	require.True(t, ok)
	require.Equal(t, 2, multi.Threshold)
	require.Equal(t, P2WSH, multi.Wrapping)
	require.False(t, multi.IsMainnet())
	require.Len(t, multi.Keys, 3)

	// Input order is preserved.
	require.Equal(t, keys[2], multi.Keys[0].Key.Canonical())
	require.Equal(t, keys[0], multi.Keys[1].Key.Canonical())
	require.Equal(t, keys[1], multi.Keys[2].Key.Canonical())

	d, err = Parse("sh(wsh(sortedmulti(3," + list + ")))")
	require.NoError(t, err)
	require.Equal(t, P2SHP2WSH, d.(*SortedMulti).Wrapping)

	again, err := Parse(d.String())
	require.NoError(t, err)
	require.Equal(t, d.String(), again.String())
}

// TestParseErrors ensures malformed descriptors fail with a ParseError
// carrying the right cause.
func TestParseErrors(t *testing.T) {
	t.Parallel()

	keys := testKeys(t, 2, &chaincfg.TestNet3Params)
	mainKey := testKeys(t, 1, &chaincfg.MainNetParams)[0]
	k0, k1 := keys[0], keys[1]

	many := make([]string, 21)
	for i := range many {
		many[i] = k0
	}

	tests := []struct {
		name string
		desc string
		err  error
	}{
		{"unknown wrapper", "foo(" + k0 + ")", ErrUnknownFunction},
		{"sh pkh", "sh(pkh(" + k0 + "))", ErrUnknownFunction},
		{"wsh multi", "wsh(multi(1," + k0 + "))", ErrUnknownFunction},
		{"tr tree", "tr(" + k0 + ",pk(" + k1 + "))",
			ErrUnknownFunction},
		{"zero threshold", "wsh(sortedmulti(0," + k0 + "," + k1 + "))",
			ErrBadThreshold},
		{"threshold above n", "wsh(sortedmulti(3," + k0 + "," + k1 +
			"))", ErrBadThreshold},
		{"missing threshold", "wsh(sortedmulti(," + k0 + "))",
			ErrSyntax},
		{"too many keys", "wsh(sortedmulti(1," +
			strings.Join(many, ",") + "))", ErrTooManyKeys},
		{"mixed networks", "wsh(sortedmulti(1," + k0 + "," + mainKey +
			"))", ErrMixedNetworks},
		{"bad key", "wpkh(tpubnotakey)", ErrInvalidKey},
		{"private key", "wpkh(" + mustPrivate(t) + ")", ErrInvalidKey},
		{"hardened step", "wpkh(" + k0 + "/0h/*)", ErrHardenedTemplate},
		{"hardened wildcard", "wpkh(" + k0 + "/0/*h)",
			ErrHardenedTemplate},
		{"three alternatives", "wpkh(" + k0 + "/<0;1;2>/*)",
			ErrBadMultipath},
		{"equal alternatives", "wpkh(" + k0 + "/<1;1>/*)",
			ErrBadMultipath},
		{"multipath not last", "wpkh(" + k0 + "/<0;1>/0/*)",
			ErrBadMultipath},
		{"wildcard not last", "wpkh(" + k0 + "/*/0)",
			ErrWildcardPosition},
		{"not ranged", "wpkh(" + k0 + "/0/1)", ErrNotRanged},
		{"bad origin", "wpkh([zz/84h]" + k0 + ")", ErrBadOrigin},
		{"unterminated origin", "wpkh([d34db33f/84h" + k0 + ")",
			ErrBadOrigin},
		{"missing paren", "wpkh(" + k0, ErrSyntax},
		{"trailing data", "wpkh(" + k0 + ")x", ErrTrailingData},
		{"bad checksum", "wpkh(" + k0 + ")#aaaaaaaa", ErrBadChecksum},
		{"short checksum", "wpkh(" + k0 + ")#aaa", ErrBadChecksum},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			_, err := Parse(test.desc)
			require.ErrorIs(t, err, test.err)

			var parseErr *ParseError
			require.ErrorAs(t, err, &parseErr)
		})
	}
}

// mustPrivate returns an extended private key string.
func mustPrivate(t *testing.T) string {
	master, err := hdkeychain.NewMaster(
		bytes.Repeat([]byte{0x42}, 32), &chaincfg.TestNet3Params,
	)
	require.NoError(t, err)

	return master.String()
}

// TestTemplateSteps checks branch resolution of parsed templates.
func TestTemplateSteps(t *testing.T) {
	t.Parallel()

	k := testKeys(t, 1, &chaincfg.TestNet3Params)[0]

	d, err := Parse("wpkh(" + k + "/7/<2;3>/*)")
	require.NoError(t, err)
	tmpl := d.KeyExprs()[0].Template

	steps, err := tmpl.Steps(false, 9)
	require.NoError(t, err)
	require.Equal(t, []uint32{7, 2, 9}, steps)

	steps, err = tmpl.Steps(true, 9)
	require.NoError(t, err)
	require.Equal(t, []uint32{7, 3, 9}, steps)
	require.Equal(t, "/7/<2;3>/*", tmpl.String())

	d, err = Parse("wpkh(" + k + "/0/*)")
	require.NoError(t, err)
	tmpl = d.KeyExprs()[0].Template

	steps, err = tmpl.Steps(false, 4)
	require.NoError(t, err)
	require.Equal(t, []uint32{0, 4}, steps)

	_, err = tmpl.Steps(true, 4)
	require.ErrorIs(t, err, ErrNoChangeBranch)

	steps, err = DefaultTemplate().Steps(true, 0)
	require.NoError(t, err)
	require.Equal(t, []uint32{1, 0}, steps)
}

// TestFromExtendedKey checks script type inference from key prefixes.
func TestFromExtendedKey(t *testing.T) {
	t.Parallel()

	k := testKeys(t, 1, &chaincfg.TestNet3Params)[0]

	tests := []struct {
		family xpub.KeyFamily
		st     ScriptType
	}{
		{xpub.Legacy, P2PKH},
		{xpub.NestedSegwit, P2SHP2WPKH},
		{xpub.NativeSegwit, P2WPKH},
	}
	for _, test := range tests {
		alt, err := xpub.Convert(k, test.family)
		require.NoError(t, err)

		d, err := FromExtendedKey(alt, fn.None[ScriptType]())
		require.NoError(t, err)
		require.Equal(t, test.st, d.ScriptType)
		require.Equal(t, k, d.Key.Key.Canonical())
	}

	d, err := FromExtendedKey(k, fn.Some(P2TR))
	require.NoError(t, err)
	require.Equal(t, P2TR, d.ScriptType)

	multi, err := xpub.Convert(k, xpub.NativeSegwitMultisig)
	require.NoError(t, err)
	_, err = FromExtendedKey(multi, fn.None[ScriptType]())
	require.ErrorIs(t, err, ErrMultisigFamily)
}
