package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/btcvault/walletcore"
	"github.com/btcvault/walletcore/build"
	"github.com/urfave/cli"
)

// defaultDebugLevel keeps log lines from interleaving with the JSON
// responses written to stdout.
const defaultDebugLevel = "warn"

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "[walletcli] %v\n", err)
	os.Exit(1)
}

// printJSON writes resp to stdout as indented JSON.
func printJSON(resp interface{}) {
	b, err := json.Marshal(resp)
	if err != nil {
		fatal(err)
	}

	var out bytes.Buffer
	_ = json.Indent(&out, b, "", "    ")
	out.WriteString("\n")
	_, _ = out.WriteTo(os.Stdout)
}

// actionDecorator prefixes errors returned by a command with its name.
func actionDecorator(f func(*cli.Context) error) func(*cli.Context) error {
	return func(c *cli.Context) error {
		if err := f(c); err != nil {
			return fmt.Errorf("%s: %w", c.Command.Name, err)
		}

		return nil
	}
}

// globalFlags maps the CLI flags onto the engine's config options.
var globalFlags = []string{
	"appdir", "configfile", "network", "debuglevel", "esplora.url",
}

// configArgs converts the global flags into config arguments.
func configArgs(ctx *cli.Context) []string {
	var args []string
	for _, name := range globalFlags {
		if !ctx.GlobalIsSet(name) && name != "debuglevel" {
			continue
		}

		args = append(args, fmt.Sprintf(
			"--%s=%s", name, ctx.GlobalString(name),
		))
	}

	if ctx.GlobalBool("nologfile") {
		args = append(args, "--logging.file.disable")
	}

	return args
}

// getEngine loads the config and opens the engine. The returned cleanup
// closes it again.
func getEngine(ctx *cli.Context) (*walletcore.Engine, func()) {
	cfg, err := walletcore.LoadConfig(configArgs(ctx))
	if err != nil {
		fatal(fmt.Errorf("unable to load config: %w", err))
	}

	engine, err := walletcore.Open(cfg)
	if err != nil {
		fatal(fmt.Errorf("unable to open engine: %w", err))
	}

	cleanUp := func() {
		if err := engine.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "[walletcli] close: %v\n", err)
		}
	}

	return engine, cleanUp
}

func main() {
	app := cli.NewApp()
	app.Name = "walletcli"
	app.Version = build.Version() + " commit=" + build.Commit
	app.Usage = "derive addresses and build fee bumping transactions"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:      "appdir",
			Value:     walletcore.DefaultAppDir,
			Usage:     "The path to walletcore's base directory.",
			TakesFile: true,
		},
		cli.StringFlag{
			Name:      "configfile",
			Value:     walletcore.DefaultConfigFile,
			Usage:     "The path to the config file.",
			TakesFile: true,
		},
		cli.StringFlag{
			Name: "network, n",
			Usage: "The network to operate on, e.g. mainnet, " +
				"testnet, signet or regtest.",
			Value: "mainnet",
		},
		cli.StringFlag{
			Name:  "debuglevel",
			Usage: "Logging level for all subsystems.",
			Value: defaultDebugLevel,
		},
		cli.StringFlag{
			Name:  "esplora.url",
			Usage: "The base URL of the Esplora API.",
		},
		cli.BoolFlag{
			Name:  "nologfile",
			Usage: "Do not write a log file.",
		},
	}
	app.Commands = []cli.Command{
		validateXpubCommand,
		normalizeXpubCommand,
		parseDescriptorCommand,
		deriveCommand,
		inspectTxCommand,
		rbfCommand,
		cpfpCommand,
		walletCommand,
		publishCommand,
	}

	if err := app.Run(os.Args); err != nil {
		fatal(err)
	}
}
