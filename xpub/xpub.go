package xpub

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

const (
	// serializedKeyLen is the length of a serialized extended key without
	// its checksum.
	serializedKeyLen = 78

	// checksumLen is the length of the base58 check suffix.
	checksumLen = 4
)

var (
	// ErrEmptyKey is returned for an empty key string.
	ErrEmptyKey = errors.New("extended key is empty")

	// ErrInvalidBase58 is returned when the key contains characters
	// outside the base58 alphabet.
	ErrInvalidBase58 = errors.New("extended key is not valid base58")

	// ErrTruncatedKey is returned when the decoded payload does not have
	// the length of a serialized extended key.
	ErrTruncatedKey = errors.New("extended key has invalid length")

	// ErrBadChecksum is returned when the base58 check suffix does not
	// match the payload.
	ErrBadChecksum = errors.New("extended key checksum mismatch")

	// ErrUnknownVersion is returned for an unrecognized version prefix.
	ErrUnknownVersion = errors.New("unknown extended key version")

	// ErrPrivateKey is returned when an extended private key is supplied.
	ErrPrivateKey = errors.New("extended private keys are not accepted")

	// ErrWrongNetwork is returned when the key prefix belongs to another
	// network class.
	ErrWrongNetwork = errors.New("extended key is for a different " +
		"network")

	// ErrInvalidPubKey is returned when the key data is not a point on
	// the curve.
	ErrInvalidPubKey = errors.New("extended key contains an invalid " +
		"public key")

	// ErrHardenedStep is returned when hardened derivation is requested
	// from a public key.
	ErrHardenedStep = errors.New("cannot derive hardened child from " +
		"public key")
)

// Result is the outcome of validating an extended key.
type Result struct {
	// Valid is true if the key can be used on the requested network.
	Valid bool

	// Reason holds the rejection cause when Valid is false.
	Reason error
}

// ExtendedKey is a parsed extended public key. It is immutable and safe for
// concurrent use.
type ExtendedKey struct {
	prefix  string
	mainnet bool
	family  KeyFamily

	// key is the key tree node re-encoded with the canonical xpub/tpub
	// version.
	key *hdkeychain.ExtendedKey
}

// Parse decodes an extended public key with any recognized public prefix.
func Parse(key string) (*ExtendedKey, error) {
	if key == "" {
		return nil, ErrEmptyKey
	}

	// base58.Decode signals an invalid alphabet with an empty result.
	decoded := base58.Decode(key)
	if len(decoded) == 0 {
		return nil, ErrInvalidBase58
	}
	if len(decoded) != serializedKeyLen+checksumLen {
		return nil, fmt.Errorf("%w: got %d bytes, want %d",
			ErrTruncatedKey, len(decoded),
			serializedKeyLen+checksumLen)
	}

	payload := decoded[:serializedKeyLen]
	checksum := decoded[serializedKeyLen:]
	expected := chainhash.DoubleHashB(payload)[:checksumLen]
	if !bytes.Equal(expected, checksum) {
		return nil, ErrBadChecksum
	}

	var version [4]byte
	copy(version[:], payload[:4])

	info, ok := knownVersions[version]
	switch {
	case !ok:
		return nil, fmt.Errorf("%w: %x", ErrUnknownVersion, version)

	case info.private:
		return nil, fmt.Errorf("%w: %s", ErrPrivateKey, info.prefix)
	}

	// Serialized public keys start with 0x02 or 0x03.
	keyData := payload[45:serializedKeyLen]
	if _, err := btcec.ParsePubKey(keyData); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPubKey, err)
	}

	canonical := canonicalVersion(info.mainnet)
	node := hdkeychain.NewExtendedKey(
		canonical[:], keyData, payload[13:45], payload[5:9], payload[4],
		binary.BigEndian.Uint32(payload[9:13]), false,
	)

	return &ExtendedKey{
		prefix:  info.prefix,
		mainnet: info.mainnet,
		family:  info.family,
		key:     node,
	}, nil
}

// ParseForNetwork decodes an extended public key and checks that its prefix
// belongs to the given network.
func ParseForNetwork(key string, net Network) (*ExtendedKey, error) {
	k, err := Parse(key)
	if err != nil {
		return nil, err
	}

	if !k.MatchesNetwork(net) {
		return nil, fmt.Errorf("%w: %s key used on %v", ErrWrongNetwork,
			k.prefix, net)
	}

	return k, nil
}

// Validate reports whether key is an extended public key usable on net. All
// failure causes collapse to Valid=false with the cause in Reason.
func Validate(key string, net Network) Result {
	if _, err := ParseForNetwork(key, net); err != nil {
		log.Debugf("Rejected extended key for %v: %v", net, err)

		return Result{Reason: err}
	}

	return Result{Valid: true}
}

// Normalize rewrites any recognized public prefix to the canonical xpub or
// tpub prefix while keeping depth, parent fingerprint, child number, chain
// code and key unchanged. Normalizing a canonical key returns it unchanged.
func Normalize(key string) (string, error) {
	k, err := Parse(key)
	if err != nil {
		return "", err
	}

	return k.Canonical(), nil
}

// Convert re-encodes key with the public prefix of the given family, keeping
// its network class.
func Convert(key string, family KeyFamily) (string, error) {
	k, err := Parse(key)
	if err != nil {
		return "", err
	}

	version, ok := publicVersion(k.mainnet, family)
	if !ok {
		return "", fmt.Errorf("%w: no prefix for %v", ErrUnknownVersion,
			family)
	}

	converted, err := k.key.CloneWithVersion(version[:])
	if err != nil {
		return "", err
	}

	return converted.String(), nil
}

// Prefix returns the four character prefix the key was supplied with.
func (k *ExtendedKey) Prefix() string {
	return k.prefix
}

// Family returns the script family announced by the key prefix.
func (k *ExtendedKey) Family() KeyFamily {
	return k.family
}

// IsMainnet reports whether the key uses a mainnet prefix.
func (k *ExtendedKey) IsMainnet() bool {
	return k.mainnet
}

// MatchesNetwork reports whether the key prefix belongs to net.
func (k *ExtendedKey) MatchesNetwork(net Network) bool {
	return k.mainnet == net.IsMainnet()
}

// Canonical returns the key encoded with the xpub or tpub prefix.
func (k *ExtendedKey) Canonical() string {
	return k.key.String()
}

// Depth returns the depth of the key in its key tree.
func (k *ExtendedKey) Depth() uint8 {
	return k.key.Depth()
}

// PubKey returns the public key of this node.
func (k *ExtendedKey) PubKey() (*btcec.PublicKey, error) {
	return k.key.ECPubKey()
}

// Fingerprint returns the BIP-32 fingerprint of this node, the first four
// bytes of hash160 of its compressed public key.
func (k *ExtendedKey) Fingerprint() (uint32, error) {
	pub, err := k.key.ECPubKey()
	if err != nil {
		return 0, err
	}

	hash := btcutil.Hash160(pub.SerializeCompressed())

	return binary.BigEndian.Uint32(hash[:4]), nil
}

// Derive walks the given non-hardened path and returns the public key of the
// resulting child.
func (k *ExtendedKey) Derive(path ...uint32) (*btcec.PublicKey, error) {
	child, err := k.Child(path...)
	if err != nil {
		return nil, err
	}

	return child.ECPubKey()
}

// Child walks the given non-hardened path and returns the resulting node.
func (k *ExtendedKey) Child(path ...uint32) (*hdkeychain.ExtendedKey, error) {
	node := k.key
	for _, step := range path {
		if step >= hdkeychain.HardenedKeyStart {
			return nil, fmt.Errorf("%w: step %d", ErrHardenedStep,
				step-hdkeychain.HardenedKeyStart)
		}

		var err error
		node, err = node.Derive(step)
		if err != nil {
			return nil, fmt.Errorf("derive child %d: %w", step, err)
		}
	}

	return node, nil
}

// String returns the canonical encoding of the key.
func (k *ExtendedKey) String() string {
	return k.Canonical()
}
