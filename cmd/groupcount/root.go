package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/NivBraz/groupcount-service/internal/config"
)

var version = "dev"

type options struct {
	configPath string
	verbose    bool

	master    string
	sparkHome string
	jars      []string
	host      string
	cqlPort   int
	rpcPort   int
	keyspace  string
	table     string
	column    string
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:   "groupcount",
		Short: "Group tweets by a column and count each group",
		Long: `groupcount starts an embedded record extraction server, loads a keyspace
table through it into a local compute session, groups the rows by a column
and logs the size of every group.`,
		SilenceUsage: true,
	}

	pf := cmd.PersistentFlags()
	pf.StringVarP(&opts.configPath, "config", "c", config.DefaultPath, "path to the configuration file")
	pf.BoolVarP(&opts.verbose, "verbose", "v", false, "enable debug logging")
	pf.StringVar(&opts.master, "master", "", "compute master, e.g. local[4]")
	pf.StringVar(&opts.sparkHome, "spark-home", "", "compute installation directory")
	pf.StringSliceVar(&opts.jars, "jars", nil, "extra libraries shipped with the session")
	pf.StringVar(&opts.host, "host", "", "extractor host")
	pf.IntVar(&opts.cqlPort, "cql-port", 0, "extractor admin port")
	pf.IntVar(&opts.rpcPort, "rpc-port", 0, "extractor record protocol port")
	pf.StringVar(&opts.keyspace, "keyspace", "", "keyspace to read")
	pf.StringVar(&opts.table, "table", "", "table to read")
	pf.StringVar(&opts.column, "column", "", "column to group by")

	cmd.AddCommand(
		newRunCmd(opts),
		newServeCmd(opts),
		newSeedCmd(opts),
		newVersionCmd(),
	)
	return cmd
}

// config loads the configuration file and applies the flags set on cmd.
func (o *options) config(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("master") {
		cfg.Session.Master = o.master
	}
	if flags.Changed("spark-home") {
		cfg.Session.SparkHome = o.sparkHome
	}
	if flags.Changed("jars") {
		cfg.Session.Jars = o.jars
	}
	if flags.Changed("host") {
		cfg.Extractor.Host = o.host
	}
	if flags.Changed("cql-port") {
		cfg.Extractor.CQLPort = o.cqlPort
	}
	if flags.Changed("rpc-port") {
		cfg.Extractor.RPCPort = o.rpcPort
	}
	if flags.Changed("keyspace") {
		cfg.Extractor.Keyspace = o.keyspace
	}
	if flags.Changed("table") {
		cfg.Extractor.Table = o.table
	}
	if flags.Changed("column") {
		cfg.Grouping.Column = o.column
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (o *options) logger(cmd *cobra.Command) (*zap.Logger, error) {
	logger, err := loggerConfig(o.verbose).Build()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	return logger.With(zap.String("cmd", cmd.Name())), nil
}

// loggerConfig returns zap's development config when verbose is set and a
// console-encoded production config otherwise.
func loggerConfig(verbose bool) zap.Config {
	if verbose {
		return zap.NewDevelopmentConfig()
	}
	zc := zap.NewProductionConfig()
	zc.Encoding = "console"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zc.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	zc.DisableStacktrace = true
	return zc
}
