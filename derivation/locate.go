package derivation

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcvault/walletcore/descriptor"
	"github.com/btcvault/walletcore/xpub"
)

// DefaultLookahead is the number of addresses scanned per branch when
// locating the derivation of an output script.
const DefaultLookahead = 1000

// ErrScriptNotFound is returned when an output script is not derived from
// the descriptor within the scanned range.
var ErrScriptNotFound = errors.New("script not derived from descriptor")

// Locator maps output scripts back to the address they were derived as. It
// derives both branches of a descriptor lazily, up to a limit per branch,
// and remembers everything it derived. A Locator is not safe for concurrent
// use.
type Locator struct {
	desc descriptor.Descriptor
	net  xpub.Network

	// limits and next are indexed by branch, receive first.
	limits [2]uint32
	next   [2]uint32

	scripts map[string]*Address
}

// NewLocator creates a Locator scanning receiveLimit receive and
// changeLimit change addresses of desc.
func NewLocator(desc descriptor.Descriptor, net xpub.Network, receiveLimit,
	changeLimit uint32) *Locator {

	return &Locator{
		desc: desc,
		net:  net,
		limits: [2]uint32{
			min(receiveLimit, hdkeychain.HardenedKeyStart),
			min(changeLimit, hdkeychain.HardenedKeyStart),
		},
		scripts: make(map[string]*Address),
	}
}

// Locate returns the derived address paying to pkScript.
func (l *Locator) Locate(pkScript []byte) (*Address, error) {
	if addr, ok := l.scripts[string(pkScript)]; ok {
		return addr, nil
	}

	for l.next[0] < l.limits[0] || l.next[1] < l.limits[1] {
		for branch := range l.next {
			if l.next[branch] >= l.limits[branch] {
				continue
			}

			addr, err := Derive(Request{
				Descriptor: l.desc,
				Index:      l.next[branch],
				Network:    l.net,
				Change:     branch == 1,
			})
			switch {
			// Single branch templates have no change addresses.
			case errors.Is(err, descriptor.ErrNoChangeBranch):
				l.limits[branch] = l.next[branch]
				continue

			case err != nil:
				return nil, err
			}

			l.next[branch]++
			l.scripts[string(addr.PkScript)] = addr
		}

		if addr, ok := l.scripts[string(pkScript)]; ok {
			return addr, nil
		}
	}

	return nil, fmt.Errorf("%w: %x after %d receive and %d change "+
		"addresses", ErrScriptNotFound, pkScript, l.next[0], l.next[1])
}
