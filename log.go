package walletcore

import (
	"github.com/btcsuite/btclog"
	"github.com/btcvault/walletcore/build"
	"github.com/btcvault/walletcore/cpfp"
	"github.com/btcvault/walletcore/derivation"
	"github.com/btcvault/walletcore/descriptor"
	"github.com/btcvault/walletcore/esplora"
	"github.com/btcvault/walletcore/monitoring"
	"github.com/btcvault/walletcore/psbtutil"
	"github.com/btcvault/walletcore/rbf"
	"github.com/btcvault/walletcore/txinspect"
	"github.com/btcvault/walletcore/walletdb"
	"github.com/btcvault/walletcore/xpub"
)

// Subsystem defines the logging code for the engine itself.
const Subsystem = "WLTC"

// log is the engine logger. Logging is disabled until SetupLoggers is called.
var log btclog.Logger

func init() {
	UseLogger(build.NewSubLogger(Subsystem, nil))
}

// UseLogger uses a specified Logger to output engine logging info.
func UseLogger(logger btclog.Logger) {
	log = logger
}

// SetupLoggers initializes all package-global logger variables.
func SetupLoggers(root *build.SubLoggerManager) {
	root.RegisterSubLogger(Subsystem, UseLogger)

	root.RegisterSubLogger(xpub.Subsystem, xpub.UseLogger)
	root.RegisterSubLogger(descriptor.Subsystem, descriptor.UseLogger)
	root.RegisterSubLogger(derivation.Subsystem, derivation.UseLogger)
	root.RegisterSubLogger(txinspect.Subsystem, txinspect.UseLogger)
	root.RegisterSubLogger(psbtutil.Subsystem, psbtutil.UseLogger)
	root.RegisterSubLogger(monitoring.Subsystem, monitoring.UseLogger)
	root.RegisterSubLogger(rbf.Subsystem, rbf.UseLogger)
	root.RegisterSubLogger(cpfp.Subsystem, cpfp.UseLogger)
	root.RegisterSubLogger(esplora.Subsystem, esplora.UseLogger)
	root.RegisterSubLogger(walletdb.Subsystem, walletdb.UseLogger)
}
