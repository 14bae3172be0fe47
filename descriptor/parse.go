package descriptor

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcvault/walletcore/xpub"
	"github.com/lightningnetwork/lnd/fn/v2"
)

var (
	// ErrSyntax is returned for malformed descriptor text.
	ErrSyntax = errors.New("syntax error")

	// ErrUnknownFunction is returned for an unsupported script function
	// or wrapper combination.
	ErrUnknownFunction = errors.New("unsupported descriptor function")

	// ErrBadThreshold is returned when the multisig threshold is not
	// within 1..n.
	ErrBadThreshold = errors.New("threshold out of range")

	// ErrTooManyKeys is returned when sortedmulti has more than
	// MaxMultisigKeys keys.
	ErrTooManyKeys = errors.New("too many keys")

	// ErrInvalidKey wraps an extended key rejected by the key codec.
	ErrInvalidKey = errors.New("invalid extended key")

	// ErrMixedNetworks is returned when keys of one descriptor use
	// mainnet and test network prefixes.
	ErrMixedNetworks = errors.New("keys belong to different networks")

	// ErrBadOrigin is returned for a malformed [fingerprint/path] origin.
	ErrBadOrigin = errors.New("invalid key origin")

	// ErrHardenedTemplate is returned for a hardened step after an
	// extended public key.
	ErrHardenedTemplate = errors.New("hardened derivation below a " +
		"public key")

	// ErrBadMultipath is returned for a multipath step that is not of
	// the form <a;b> directly before the wildcard.
	ErrBadMultipath = errors.New("invalid multipath step")

	// ErrWildcardPosition is returned when '*' is not the final step.
	ErrWildcardPosition = errors.New("wildcard must be the last step")

	// ErrNotRanged is returned for a key path without a wildcard.
	ErrNotRanged = errors.New("key expression is not ranged")

	// ErrTrailingData is returned when text follows a complete
	// descriptor.
	ErrTrailingData = errors.New("trailing data")
)

// ParseError describes where and why a descriptor failed to parse.
type ParseError struct {
	// Pos is the byte offset of the failure in the input.
	Pos int

	// Msg describes the failing construct.
	Msg string

	// Err is the underlying cause.
	Err error
}

// Error returns a human readable description of the failure.
func (e *ParseError) Error() string {
	return fmt.Sprintf("descriptor: %s at position %d: %v", e.Msg, e.Pos,
		e.Err)
}

// Unwrap returns the underlying cause.
func (e *ParseError) Unwrap() error {
	return e.Err
}

// Parse parses a single-key or sortedmulti descriptor. A trailing checksum
// is verified when present.
func Parse(desc string) (Descriptor, error) {
	body := desc
	if i := strings.IndexByte(desc, '#'); i >= 0 {
		body = desc[:i]
		if err := verifyChecksum(body, desc[i+1:]); err != nil {
			return nil, &ParseError{Pos: i, Msg: "checksum", Err: err}
		}
	}

	p := &parser{s: body}
	d, err := p.descriptor()
	if err != nil {
		log.Debugf("Unable to parse descriptor: %v", err)
		return nil, err
	}

	if p.pos != len(p.s) {
		return nil, p.fail("descriptor", ErrTrailingData)
	}

	return d, nil
}

// parser is a cursor over descriptor text.
type parser struct {
	s   string
	pos int
}

func (p *parser) fail(msg string, err error) *ParseError {
	return &ParseError{Pos: p.pos, Msg: msg, Err: err}
}

func (p *parser) peek() byte {
	if p.pos >= len(p.s) {
		return 0
	}

	return p.s[p.pos]
}

func (p *parser) expect(c byte) error {
	if p.peek() != c {
		return p.fail(fmt.Sprintf("expected %q", c), ErrSyntax)
	}
	p.pos++

	return nil
}

// ident reads a function name and its opening parenthesis.
func (p *parser) ident() (string, error) {
	start := p.pos
	for p.pos < len(p.s) && p.s[p.pos] >= 'a' && p.s[p.pos] <= 'z' {
		p.pos++
	}
	name := p.s[start:p.pos]
	if name == "" {
		return "", p.fail("expected function name", ErrSyntax)
	}

	if err := p.expect('('); err != nil {
		return "", err
	}

	return name, nil
}

// closing consumes n closing parentheses.
func (p *parser) closing(n int) error {
	for i := 0; i < n; i++ {
		if err := p.expect(')'); err != nil {
			return err
		}
	}

	return nil
}

func (p *parser) descriptor() (Descriptor, error) {
	start := p.pos
	name, err := p.ident()
	if err != nil {
		return nil, err
	}

	switch name {
	case "pkh":
		return p.singleKey(P2PKH, 1)

	case "wpkh":
		return p.singleKey(P2WPKH, 1)

	case "tr":
		return p.singleKey(P2TR, 1)

	case "wsh":
		return p.sortedMulti(P2WSH, 1)

	case "sh":
		innerStart := p.pos
		inner, err := p.ident()
		if err != nil {
			return nil, err
		}

		switch inner {
		case "wpkh":
			return p.singleKey(P2SHP2WPKH, 2)

		case "wsh":
			return p.sortedMulti(P2SHP2WSH, 2)
		}

		return nil, &ParseError{
			Pos: innerStart, Msg: "sh(" + inner + ")",
			Err: ErrUnknownFunction,
		}
	}

	return nil, &ParseError{
		Pos: start, Msg: name, Err: ErrUnknownFunction,
	}
}

func (p *parser) singleKey(st ScriptType, depth int) (*SingleKey, error) {
	key, err := p.keyExpr()
	if err != nil {
		return nil, err
	}

	// Script path trees are not supported.
	if st == P2TR && p.peek() == ',' {
		return nil, p.fail("tr script tree", ErrUnknownFunction)
	}

	if err := p.closing(depth); err != nil {
		return nil, err
	}

	return &SingleKey{ScriptType: st, Key: key}, nil
}

func (p *parser) sortedMulti(w Wrapping, depth int) (*SortedMulti, error) {
	start := p.pos
	name, err := p.ident()
	if err != nil {
		return nil, err
	}
	if name != "sortedmulti" {
		return nil, &ParseError{
			Pos: start, Msg: name, Err: ErrUnknownFunction,
		}
	}

	thresholdPos := p.pos
	for p.pos < len(p.s) && p.s[p.pos] >= '0' && p.s[p.pos] <= '9' {
		p.pos++
	}
	threshold, err := strconv.Atoi(p.s[thresholdPos:p.pos])
	if err != nil {
		return nil, &ParseError{
			Pos: thresholdPos, Msg: "threshold", Err: ErrSyntax,
		}
	}

	var keys []*KeyExpr
	for p.peek() == ',' {
		p.pos++

		key, err := p.keyExpr()
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}

	switch {
	case len(keys) == 0:
		return nil, p.fail("sortedmulti without keys", ErrSyntax)

	case len(keys) > MaxMultisigKeys:
		return nil, &ParseError{
			Pos: start,
			Msg: fmt.Sprintf("%d keys", len(keys)),
			Err: ErrTooManyKeys,
		}

	case threshold < 1 || threshold > len(keys):
		return nil, &ParseError{
			Pos: thresholdPos,
			Msg: fmt.Sprintf("threshold %d of %d", threshold,
				len(keys)),
			Err: ErrBadThreshold,
		}
	}

	for _, key := range keys[1:] {
		if key.Key.IsMainnet() != keys[0].Key.IsMainnet() {
			return nil, &ParseError{
				Pos: start, Msg: "sortedmulti",
				Err: ErrMixedNetworks,
			}
		}
	}

	// One parenthesis closes sortedmulti itself.
	if err := p.closing(depth + 1); err != nil {
		return nil, err
	}

	return &SortedMulti{
		Threshold: threshold,
		Keys:      keys,
		Wrapping:  w,
	}, nil
}

func (p *parser) keyExpr() (*KeyExpr, error) {
	expr := &KeyExpr{}

	if p.peek() == '[' {
		origin, err := p.origin()
		if err != nil {
			return nil, err
		}
		expr.Origin = fn.Some(origin)
	}

	start := p.pos
	for p.pos < len(p.s) && !isKeyTerminator(p.s[p.pos]) {
		p.pos++
	}

	key, err := xpub.Parse(p.s[start:p.pos])
	if err != nil {
		return nil, &ParseError{
			Pos: start, Msg: "key",
			Err: fmt.Errorf("%w: %w", ErrInvalidKey, err),
		}
	}
	expr.Key = key

	if p.peek() != '/' {
		expr.Template = DefaultTemplate()
		return expr, nil
	}

	expr.Template, err = p.template()
	if err != nil {
		return nil, err
	}

	return expr, nil
}

// origin parses [fingerprint/path].
func (p *parser) origin() (Origin, error) {
	p.pos++

	start := p.pos
	if p.pos+8 > len(p.s) {
		return Origin{}, p.fail("fingerprint", ErrBadOrigin)
	}
	fp, err := hex.DecodeString(p.s[start : start+8])
	if err != nil {
		return Origin{}, p.fail("fingerprint", ErrBadOrigin)
	}
	p.pos += 8

	origin := Origin{Fingerprint: binary.BigEndian.Uint32(fp)}
	for p.peek() == '/' {
		p.pos++

		step, err := p.number()
		if err != nil {
			return Origin{}, err
		}
		if p.hardenedMarker() {
			step += hdkeychain.HardenedKeyStart
		}
		origin.Path = append(origin.Path, step)
	}

	if p.peek() != ']' {
		return Origin{}, p.fail("origin", ErrBadOrigin)
	}
	p.pos++

	return origin, nil
}

// template parses the steps following an extended key.
func (p *parser) template() (Template, error) {
	var (
		tmpl     Template
		wildcard bool
	)
	for p.peek() == '/' {
		if wildcard {
			return Template{}, p.fail("template",
				ErrWildcardPosition)
		}
		p.pos++

		switch p.peek() {
		case '*':
			p.pos++
			if p.hardenedMarker() {
				return Template{}, p.fail("wildcard",
					ErrHardenedTemplate)
			}
			wildcard = true

		case '<':
			if tmpl.Branches.IsSome() {
				return Template{}, p.fail("template",
					ErrBadMultipath)
			}

			branches, err := p.multipath()
			if err != nil {
				return Template{}, err
			}
			tmpl.Branches = fn.Some(branches)

			// The multipath step is the branch selector and has
			// to be directly followed by the wildcard.
			if !strings.HasPrefix(p.s[p.pos:], "/*") {
				return Template{}, p.fail("multipath",
					ErrBadMultipath)
			}

		default:
			step, err := p.number()
			if err != nil {
				return Template{}, err
			}
			if p.hardenedMarker() {
				return Template{}, p.fail("template",
					ErrHardenedTemplate)
			}
			tmpl.Fixed = append(tmpl.Fixed, step)
		}
	}

	if !wildcard {
		return Template{}, p.fail("template", ErrNotRanged)
	}

	return tmpl, nil
}

// multipath parses <a;b>.
func (p *parser) multipath() ([2]uint32, error) {
	p.pos++

	var alts []uint32
	for {
		step, err := p.number()
		if err != nil {
			return [2]uint32{}, err
		}
		if p.hardenedMarker() {
			return [2]uint32{}, p.fail("multipath",
				ErrHardenedTemplate)
		}
		alts = append(alts, step)

		if p.peek() != ';' {
			break
		}
		p.pos++
	}

	if err := p.expect('>'); err != nil {
		return [2]uint32{}, err
	}

	if len(alts) != 2 || alts[0] == alts[1] {
		return [2]uint32{}, p.fail(
			fmt.Sprintf("%d alternatives", len(alts)),
			ErrBadMultipath,
		)
	}

	return [2]uint32{alts[0], alts[1]}, nil
}

// number parses a non-hardened child number.
func (p *parser) number() (uint32, error) {
	start := p.pos
	for p.pos < len(p.s) && p.s[p.pos] >= '0' && p.s[p.pos] <= '9' {
		p.pos++
	}

	n, err := strconv.ParseUint(p.s[start:p.pos], 10, 32)
	if err != nil || n >= hdkeychain.HardenedKeyStart {
		return 0, &ParseError{
			Pos: start, Msg: "path step", Err: ErrSyntax,
		}
	}

	return uint32(n), nil
}

// hardenedMarker consumes an optional h, H or ' marker.
func (p *parser) hardenedMarker() bool {
	switch p.peek() {
	case 'h', 'H', '\'':
		p.pos++
		return true
	}

	return false
}

// isKeyTerminator reports whether c ends the base58 text of a key.
func isKeyTerminator(c byte) bool {
	return c == '/' || c == ',' || c == ')'
}
