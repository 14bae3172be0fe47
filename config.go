package walletcore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcvault/walletcore/build"
	"github.com/btcvault/walletcore/corecfg"
	"github.com/btcvault/walletcore/xpub"
	flags "github.com/jessevdk/go-flags"
)

const (
	defaultNetwork    = "mainnet"
	defaultDebugLevel = "info"
)

var (
	// DefaultAppDir is the default directory holding the config file,
	// data and logs.
	DefaultAppDir = btcutil.AppDataDir("walletcore", false)

	// DefaultConfigFile is the default full path of the config file.
	DefaultConfigFile = filepath.Join(
		DefaultAppDir, corecfg.DefaultConfigFilename,
	)

	defaultDataDir = filepath.Join(DefaultAppDir, corecfg.DefaultDataDirname)
	defaultLogDir  = filepath.Join(DefaultAppDir, corecfg.DefaultLogDirname)
)

// Config defines the configuration options for walletcore.
//
// See LoadConfig for further details regarding the configuration loading and
// parsing process.
//
//nolint:ll
type Config struct {
	AppDir     string `long:"appdir" description:"The base directory that contains walletcore's data, logs, configuration file, etc."`
	ConfigFile string `short:"C" long:"configfile" description:"Path to configuration file"`
	DataDir    string `short:"b" long:"datadir" description:"The directory to store walletcore's data within"`
	LogDir     string `long:"logdir" description:"Directory to log output."`

	Network string `long:"network" description:"The bitcoin network to operate on" choice:"mainnet" choice:"testnet" choice:"signet" choice:"regtest"`

	DebugLevel string `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <global-level>,<subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems -- Use show to list available subsystems"`

	LogConfig *build.LogConfig `group:"logging" namespace:"logging"`

	Esplora *corecfg.Esplora `group:"esplora" namespace:"esplora"`

	DB *corecfg.DB `group:"db" namespace:"db"`

	Fee *corecfg.FeePolicy `group:"fee" namespace:"fee"`

	Prometheus corecfg.Prometheus `group:"prometheus" namespace:"prometheus"`

	// ActiveNetwork is the parsed Network.
	ActiveNetwork xpub.Network `no-flag:"true"`
}

// DefaultConfig returns all default values for the Config struct.
func DefaultConfig() Config {
	return Config{
		AppDir:     DefaultAppDir,
		ConfigFile: DefaultConfigFile,
		DataDir:    defaultDataDir,
		LogDir:     defaultLogDir,
		Network:    defaultNetwork,
		DebugLevel: defaultDebugLevel,
		LogConfig:  build.DefaultLogConfig(),
		Esplora:    corecfg.DefaultEsploraConfig(),
		DB:         corecfg.DefaultDB(),
		Fee:        corecfg.DefaultFeePolicy(),
		Prometheus: corecfg.DefaultPrometheus(),
	}
}

// LoadConfig initializes and parses the config using a config file and the
// given command line arguments.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Load configuration file overwriting defaults with any specified options
//  4. Parse the command line again so its options take precedence
//  5. Validate and clean the result
func LoadConfig(args []string) (*Config, error) {
	// Pre-parse the command line options to pick up an alternative config
	// file.
	preCfg := DefaultConfig()
	if _, err := flags.ParseArgs(&preCfg, args); err != nil {
		return nil, err
	}

	// A changed app dir moves the default config file along with it.
	appDir := corecfg.CleanAndExpandPath(preCfg.AppDir)
	configFilePath := corecfg.CleanAndExpandPath(preCfg.ConfigFile)
	if appDir != DefaultAppDir && configFilePath == DefaultConfigFile {
		configFilePath = filepath.Join(
			appDir, corecfg.DefaultConfigFilename,
		)
	}

	// Next, load any additional configuration options from the file.
	var configFileError error
	cfg := preCfg
	if err := flags.IniParse(configFilePath, &cfg); err != nil {
		// A missing file is fine, a broken one is not.
		var iniErr *flags.IniError
		if errors.As(err, &iniErr) {
			return nil, err
		}

		configFileError = err
	}

	// Finally, parse the remaining command line options again to ensure
	// they take precedence.
	if _, err := flags.ParseArgs(&cfg, args); err != nil {
		return nil, err
	}

	cleanCfg, err := ValidateConfig(cfg)
	if err != nil {
		return nil, err
	}

	if configFileError != nil && !os.IsNotExist(configFileError) {
		log.Warnf("%v", configFileError)
	}

	return cleanCfg, nil
}

// ValidateConfig checks the given configuration to be sane and normalizes
// all file system paths. Data and log directories are scoped to the active
// network. The cleaned up config is returned on success.
func ValidateConfig(cfg Config) (*Config, error) {
	appDir := corecfg.CleanAndExpandPath(cfg.AppDir)
	if appDir != DefaultAppDir {
		if cfg.DataDir == defaultDataDir {
			cfg.DataDir = filepath.Join(
				appDir, corecfg.DefaultDataDirname,
			)
		}
		if cfg.LogDir == defaultLogDir {
			cfg.LogDir = filepath.Join(
				appDir, corecfg.DefaultLogDirname,
			)
		}
	}
	cfg.AppDir = appDir
	cfg.ConfigFile = corecfg.CleanAndExpandPath(cfg.ConfigFile)

	net, err := xpub.NetworkFromString(cfg.Network)
	if err != nil {
		return nil, err
	}
	cfg.ActiveNetwork = net

	cfg.DataDir = filepath.Join(
		corecfg.CleanAndExpandPath(cfg.DataDir), net.String(),
	)
	cfg.LogDir = filepath.Join(
		corecfg.CleanAndExpandPath(cfg.LogDir), net.String(),
	)

	validators := []corecfg.Validator{cfg.LogConfig, cfg.DB, cfg.Fee}

	// The Esplora backend is optional, offline operations do not need
	// it.
	if cfg.Esplora.URL != "" {
		validators = append(validators, cfg.Esplora)
	}

	if err := corecfg.Validate(validators...); err != nil {
		return nil, err
	}

	if cfg.DebugLevel == "" {
		return nil, fmt.Errorf("debuglevel must be set")
	}

	return &cfg, nil
}

// HasChainBackend reports whether a network data provider is configured.
func (c *Config) HasChainBackend() bool {
	return c.Esplora.URL != ""
}
