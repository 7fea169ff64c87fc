package commands

import (
	"fmt"
	"os"

	"github.com/meshpay/meshpay/src/committee"
	"github.com/meshpay/meshpay/src/crypto/keys"
	"github.com/meshpay/meshpay/src/dag"
	"github.com/meshpay/meshpay/src/fastpay"
	"github.com/meshpay/meshpay/src/gossip"
	"github.com/meshpay/meshpay/src/node"
	"github.com/meshpay/meshpay/src/service"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

//NewRunCmd returns the command that starts a meshpay node
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "run",
		Short:   "Run node",
		PreRunE: loadConfig,
		RunE:    runMeshpay,
	}
	AddRunFlags(cmd)
	return cmd
}

/*******************************************************************************
* RUN
*******************************************************************************/

func runMeshpay(cmd *cobra.Command, args []string) error {
	if _config.Bootstrap {
		_config.Store = true
	}

	simpleKeyfile := keys.NewSimpleKeyfile(_config.Keyfile())

	key, err := simpleKeyfile.ReadKey()
	if err != nil {
		return fmt.Errorf("reading private key %s: %v", _config.Keyfile(), err)
	}
	_config.Key = key

	signer := node.NewSigner(key, _config.Moniker)

	c, err := committee.NewJSONCommittee(_config.DataDir).Committee(1)
	if err != nil {
		return fmt.Errorf("reading committee: %v", err)
	}

	var store dag.Store
	var ledger fastpay.Ledger
	if _config.Store {
		dbDir := _config.DatabaseDir

		//If the database dir exists and bootstrap is not requested, the node
		//would silently replay a stale history. Fail loudly instead.
		if _, err := os.Stat(dbDir); err == nil && !_config.Bootstrap {
			return fmt.Errorf("database already exists under %s; use --bootstrap to load it", dbDir)
		}

		badgerStore, err := dag.NewBadgerStore(_config.CacheSize, dbDir)
		if err != nil {
			return fmt.Errorf("opening block database: %v", err)
		}
		store = badgerStore

		badgerLedger, err := fastpay.NewBadgerLedger(_config.LedgerDir)
		if err != nil {
			return fmt.Errorf("opening account ledger: %v", err)
		}
		ledger = badgerLedger
	} else {
		store = dag.NewInmemStore(_config.CacheSize)
		ledger = fastpay.NewInmemLedger()
	}

	trans, err := gossip.NewTCPTransport(
		_config.BindAddr,
		_config.AdvertiseAddr,
		_config.MaxPool,
		_config.TCPTimeout,
		_config.Logger(),
	)
	if err != nil {
		return fmt.Errorf("creating transport: %v", err)
	}

	nodeConf := node.NewConfig(
		_config.HeartbeatTimeout,
		_config.TCPTimeout,
		_config.CacheSize,
		_config.SyncLimit,
		_config.FanOut,
		_config.RawLogger(),
	)
	nodeConf.SlowHeartbeatTimeout = _config.SlowHeartbeatTimeout
	nodeConf.Suspended = _config.MaintenanceMode

	n := node.NewNode(nodeConf, signer, c, store, ledger, trans)

	if err := n.Init(); err != nil {
		return fmt.Errorf("initialising node: %v", err)
	}

	if !_config.NoService {
		serviceServer := service.NewService(_config.ServiceAddr, n, _config.Logger())
		go serviceServer.Serve()
	}

	n.Run(true)

	return nil
}

/*******************************************************************************
* CONFIG
*******************************************************************************/

//AddRunFlags adds flags to the Run command
func AddRunFlags(cmd *cobra.Command) {

	cmd.Flags().String("datadir", _config.DataDir, "Top-level directory for configuration and data")
	cmd.Flags().String("log", _config.LogLevel, "debug, info, warn, error, fatal, panic")
	cmd.Flags().String("moniker", _config.Moniker, "Optional name")

	// Network
	cmd.Flags().StringP("listen", "l", _config.BindAddr, "Listen IP:Port for meshpay node")
	cmd.Flags().StringP("advertise", "a", _config.AdvertiseAddr, "Advertise IP:Port for meshpay node")
	cmd.Flags().DurationP("timeout", "t", _config.TCPTimeout, "TCP Timeout")
	cmd.Flags().Int("max-pool", _config.MaxPool, "Connection pool size max")
	cmd.Flags().Int("fan-out", _config.FanOut, "Number of gossip partners per round")

	// Service
	cmd.Flags().Bool("no-service", _config.NoService, "Disable the HTTP API service")
	cmd.Flags().StringP("service-listen", "s", _config.ServiceAddr, "Listen IP:Port for HTTP service")

	// Store
	cmd.Flags().Bool("store", _config.Store, "Use badgerDB instead of in-mem DB")
	cmd.Flags().String("db", _config.DatabaseDir, "Block database directory")
	cmd.Flags().String("ledger", _config.LedgerDir, "Account ledger directory")
	cmd.Flags().Bool("bootstrap", _config.Bootstrap, "Load from database")
	cmd.Flags().Int("cache-size", _config.CacheSize, "Number of items in LRU caches")

	// Node configuration
	cmd.Flags().Duration("heartbeat", _config.HeartbeatTimeout, "Time between gossips")
	cmd.Flags().Duration("slow-heartbeat", _config.SlowHeartbeatTimeout, "Time between gossips when there is nothing to gossip about")
	cmd.Flags().Int("sync-limit", _config.SyncLimit, "Max number of blocks for sync")
	cmd.Flags().Bool("maintenance-mode", _config.MaintenanceMode, "Start suspended: serve payments and reads, no gossip")
}

func loadConfig(cmd *cobra.Command, args []string) error {

	err := bindFlagsLoadViper(cmd)
	if err != nil {
		return err
	}

	// If --datadir was explicitely set, but not --db or --ledger, this will
	// update the default database dirs to be inside the new datadir
	_config.SetDataDir(_config.DataDir)

	logFields := logrus.Fields{
		"DataDir":          _config.DataDir,
		"BindAddr":         _config.BindAddr,
		"AdvertiseAddr":    _config.AdvertiseAddr,
		"NoService":        _config.NoService,
		"ServiceAddr":      _config.ServiceAddr,
		"MaxPool":          _config.MaxPool,
		"Store":            _config.Store,
		"LogLevel":         _config.LogLevel,
		"Moniker":          _config.Moniker,
		"HeartbeatTimeout": _config.HeartbeatTimeout,
		"TCPTimeout":       _config.TCPTimeout,
		"CacheSize":        _config.CacheSize,
		"SyncLimit":        _config.SyncLimit,
		"FanOut":           _config.FanOut,
		"MaintenanceMode":  _config.MaintenanceMode,
	}

	if _config.Store {
		logFields["DatabaseDir"] = _config.DatabaseDir
		logFields["LedgerDir"] = _config.LedgerDir
		logFields["Bootstrap"] = _config.Bootstrap
	}

	_config.Logger().WithFields(logFields).Debug("RUN")

	return nil
}

// Bind all flags and read the config into viper
func bindFlagsLoadViper(cmd *cobra.Command) error {
	// Register flags with viper. Include flags from this command and all other
	// persistent flags from the parent
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	// first unmarshal to read from CLI flags
	if err := viper.Unmarshal(_config); err != nil {
		return err
	}

	// look for config file in [datadir]/meshpay.toml (.json, .yaml also work)
	viper.SetConfigName("meshpay")       // name of config file (without extension)
	viper.AddConfigPath(_config.DataDir) // search root directory

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err == nil {
		_config.Logger().Debugf("Using config file: %s", viper.ConfigFileUsed())
	} else if _, ok := err.(viper.ConfigFileNotFoundError); ok {
		_config.Logger().Debugf("No config file found in: %s", _config.DataDir)
	} else {
		return err
	}

	// second unmarshal to read from config file
	return viper.Unmarshal(_config)
}
