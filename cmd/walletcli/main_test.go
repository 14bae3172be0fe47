package main

import (
	"flag"
	"testing"

	"github.com/btcvault/walletcore/descriptor"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli"
)

func TestParseOutPoint(t *testing.T) {
	t.Parallel()

	const txid = "4a5e1e4baab89f3a32518a88c31bc87f618f76673e2cc77ab2127b" +
		"7afdeda33b"

	op, err := parseOutPoint(txid + ":3")
	require.NoError(t, err)
	require.Equal(t, txid, op.Hash.String())
	require.EqualValues(t, 3, op.Index)

	for _, bad := range []string{
		txid, txid + ":x", txid + ":1:2", "zz:0", txid + ":4294967296",
	} {
		_, err := parseOutPoint(bad)
		require.Error(t, err, bad)
	}
}

func TestParseScriptType(t *testing.T) {
	t.Parallel()

	st, err := parseScriptType("p2sh-p2wpkh")
	require.NoError(t, err)
	require.Equal(t, descriptor.P2SHP2WPKH, st)

	_, err = parseScriptType("p2wsh")
	require.Error(t, err)
}

// TestConfigArgs checks that only the set global flags are forwarded, plus
// the CLI's own debug level.
func TestConfigArgs(t *testing.T) {
	t.Parallel()

	set := flag.NewFlagSet("walletcli", flag.ContinueOnError)
	set.String("appdir", "", "")
	set.String("configfile", "", "")
	set.String("network", "mainnet", "")
	set.String("debuglevel", defaultDebugLevel, "")
	set.String("esplora.url", "", "")
	set.Bool("nologfile", false, "")
	require.NoError(t, set.Parse([]string{
		"--network=signet", "--esplora.url=http://localhost:3002",
		"--nologfile",
	}))

	ctx := cli.NewContext(cli.NewApp(), set, nil)
	require.Equal(t, []string{
		"--network=signet",
		"--debuglevel=warn",
		"--esplora.url=http://localhost:3002",
		"--logging.file.disable",
	}, configArgs(ctx))
}

// TestUint32Flag checks that index and count values beyond 32 bits are
// rejected rather than truncated.
func TestUint32Flag(t *testing.T) {
	t.Parallel()

	newCtx := func(args ...string) *cli.Context {
		set := flag.NewFlagSet("derive", flag.ContinueOnError)
		set.Uint("index", 0, "")
		set.Uint("count", 1, "")
		require.NoError(t, set.Parse(args))

		return cli.NewContext(cli.NewApp(), set, nil)
	}

	ctx := newCtx("--index=4294967295", "--count=4294967296")
	index, err := uint32Flag(ctx, "index")
	require.NoError(t, err)
	require.EqualValues(t, uint32(4294967295), index)

	_, err = uint32Flag(ctx, "count")
	require.ErrorContains(t, err, "count 4294967296 exceeds")

	ctx = newCtx("--index=8589934593")
	_, err = uint32Flag(ctx, "index")
	require.ErrorContains(t, err, "index 8589934593 exceeds")

	count, err := uint32Flag(ctx, "count")
	require.NoError(t, err)
	require.EqualValues(t, 1, count)
}
