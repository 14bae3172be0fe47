package xpub

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg"
)

// Network identifies the bitcoin network a key or address belongs to.
type Network uint8

const (
	// Mainnet is the bitcoin main network.
	Mainnet Network = iota

	// Testnet is testnet3.
	Testnet

	// Signet is the default signet.
	Signet

	// Regtest is the local regression test network.
	Regtest
)

// String returns the canonical name of the network.
func (n Network) String() string {
	switch n {
	case Mainnet:
		return "mainnet"
	case Testnet:
		return "testnet"
	case Signet:
		return "signet"
	case Regtest:
		return "regtest"
	default:
		return fmt.Sprintf("Network(%d)", uint8(n))
	}
}

// Params returns the chain parameters of the network.
func (n Network) Params() *chaincfg.Params {
	switch n {
	case Mainnet:
		return &chaincfg.MainNetParams
	case Testnet:
		return &chaincfg.TestNet3Params
	case Signet:
		return &chaincfg.SigNetParams
	case Regtest:
		return &chaincfg.RegressionNetParams
	default:
		panic(fmt.Sprintf("unknown network %d", uint8(n)))
	}
}

// IsMainnet reports whether the network uses the mainnet extended key
// prefixes. Testnet, signet and regtest all share the testnet prefixes.
func (n Network) IsMainnet() bool {
	return n == Mainnet
}

// CoinType returns the BIP-44 coin type of the network.
func (n Network) CoinType() uint32 {
	if n.IsMainnet() {
		return 0
	}

	return 1
}

// NetworkFromString maps a network name to a Network. Both "testnet" and
// "testnet3" are accepted.
func NetworkFromString(s string) (Network, error) {
	switch s {
	case "mainnet", "bitcoin":
		return Mainnet, nil
	case "testnet", "testnet3":
		return Testnet, nil
	case "signet":
		return Signet, nil
	case "regtest":
		return Regtest, nil
	default:
		return 0, fmt.Errorf("unknown network: %q", s)
	}
}
