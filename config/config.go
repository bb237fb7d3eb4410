// Package config provides configuration management for the replicator using Viper.
package config

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/atedra-pmawrick/migrate-mongo-cluster/errors"
)

// Config holds all replicator configuration.
type Config struct {
	Source string `mapstructure:"source"`
	Target string `mapstructure:"target"`

	ConfigFile string `mapstructure:"config"`

	// Blacklist comes from the config file as a list of {database, collection}.
	Blacklist []BlacklistEntry `mapstructure:"blacklist"`
	// Exclude holds "db.coll", "db.*" or "db.{}" rules given on the command line.
	Exclude []string `mapstructure:"exclude"`

	Log LogConfig `mapstructure:",squash"`

	MongoDB MongoDBConfig `mapstructure:",squash"`

	Repl ReplConfig `mapstructure:",squash"`

	MetricsPort int `mapstructure:"metrics-port"`

	DeadLetter DeadLetterConfig `mapstructure:",squash"`
}

// BlacklistEntry excludes a collection, or a whole database when Collection is "{}".
type BlacklistEntry struct {
	Database   string `mapstructure:"database"`
	Collection string `mapstructure:"collection"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level   string `mapstructure:"log-level"`
	JSON    bool   `mapstructure:"log-json"`
	NoColor bool   `mapstructure:"log-no-color"`
}

// MongoDBConfig holds MongoDB client configuration.
type MongoDBConfig struct {
	OperationTimeout time.Duration `mapstructure:"mongodb-operation-timeout"`
}

// ReplConfig holds the oplog replication tuning.
type ReplConfig struct {
	QueueSize int `mapstructure:"repl-queue-size"`
	BatchSize int `mapstructure:"repl-batch-size"`
	// BatchMaxBytes is a human readable size (e.g. "16MiB").
	BatchMaxBytes string `mapstructure:"repl-batch-max-bytes"`

	IdleInterval      time.Duration `mapstructure:"repl-idle-interval"`
	LagReportInterval time.Duration `mapstructure:"repl-lag-report-interval"`
	ResumeWindow      time.Duration `mapstructure:"repl-resume-window"`

	// StartAt overrides the computed resume point ("T" or "T.I").
	StartAt string `mapstructure:"start-at"`

	ShutdownTimeout time.Duration `mapstructure:"shutdown-timeout"`
}

// DeadLetterConfig holds the NATS sink for operations that could not be applied.
type DeadLetterConfig struct {
	NATSURL string `mapstructure:"dead-letter-nats-url"`
	Subject string `mapstructure:"dead-letter-nats-subject"`
}

// legacyKeys maps the original JSON config keys to the current ones.
//
//nolint:gochecknoglobals
var legacyKeys = map[string]string{
	"sourceCluster":   "source",
	"targetCluster":   "target",
	"blackListFilter": "blacklist",
}

// AddFlags registers every configuration flag on fs.
func AddFlags(fs *pflag.FlagSet) {
	fs.StringP("config", "c", "", "Configuration file (JSON or YAML)")

	fs.StringP("source", "s", "", "MongoDB connection string or host list for the source")
	fs.StringP("target", "t", "", "MongoDB connection string or host list for the target")
	fs.StringSlice("exclude", nil,
		"Namespaces to exclude from the replication (e.g. db1.coll1,db2.*,db3.{})")

	fs.String("log-level", "info", "Log level")
	fs.Bool("log-json", false, "Output log in JSON format")
	fs.Bool("log-no-color", false, "Disable log color")

	fs.String("mongodb-operation-timeout", DefaultMongoDBOperationTimeout.String(),
		"Timeout for MongoDB operations (e.g., 30s, 5m)")

	fs.Int("repl-queue-size", DefaultReplQueueSize, "Maximum number of oplog entries buffered in memory")
	fs.Int("repl-batch-size", DefaultReplBatchSize, "Maximum number of operations per namespace bulk write")
	fs.String("repl-batch-max-bytes", DefaultReplBatchMaxBytes, "Maximum size of a namespace bulk write")
	fs.Duration("repl-idle-interval", DefaultReplIdleInterval, "Wait time when no oplog entry is available")
	fs.Duration("repl-lag-report-interval", DefaultReplLagReportInterval, "Minimum interval between lag reports")
	fs.Duration("repl-resume-window", DefaultReplResumeWindow,
		"How far before the last replicated insert to resume reading the source oplog")
	fs.String("start-at", "", "Start from this oplog timestamp (T or T.I) instead of the computed resume point")
	fs.Duration("shutdown-timeout", DefaultShutdownTimeout, "Time allowed to flush pending writes on shutdown")

	fs.Int("metrics-port", 0, "Serve Prometheus metrics on this port (0 disables)")

	fs.String("dead-letter-nats-url", "", "Publish operations that could not be applied to this NATS server")
	fs.String("dead-letter-nats-subject", DefaultDeadLetterSubject, "NATS subject for dead letters")
}

// Load initializes Viper and returns the Config. Call [Validate] before use.
func Load(cmd *cobra.Command) (*Config, error) {
	v := viper.New()

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if cmd.PersistentFlags() != nil {
		_ = v.BindPFlags(cmd.PersistentFlags())
	}

	if cmd.Flags() != nil {
		_ = v.BindPFlags(cmd.Flags())
	}

	bindEnvVars(v)

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)

		err := v.ReadInConfig()
		if err != nil {
			return nil, errors.Wrapf(err, "read config file %q", path)
		}

		// registering after the read moves file values onto the current keys
		for legacy, key := range legacyKeys {
			v.RegisterAlias(legacy, key)
		}
	}

	var cfg Config

	err := v.Unmarshal(&cfg, viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	))
	if err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}

	cfg.Source = NormalizeURI(cfg.Source)
	cfg.Target = NormalizeURI(cfg.Target)

	return &cfg, nil
}

func bindEnvVars(v *viper.Viper) {
	_ = v.BindEnv("source", "MMC_SOURCE_URI", "MMC_SOURCE")
	_ = v.BindEnv("target", "MMC_TARGET_URI", "MMC_TARGET")

	_ = v.BindEnv("log-level", "MMC_LOG_LEVEL")
	_ = v.BindEnv("log-json", "MMC_LOG_JSON")
	_ = v.BindEnv("log-no-color", "MMC_LOG_NO_COLOR", "NO_COLOR")

	_ = v.BindEnv("dead-letter-nats-url", "MMC_DEAD_LETTER_NATS_URL", "NATS_URL")
}

// NormalizeURI adds the mongodb:// scheme to a bare host list.
func NormalizeURI(uri string) string {
	uri = strings.TrimSpace(uri)
	if uri == "" || strings.Contains(uri, "://") {
		return uri
	}

	return "mongodb://" + uri
}

// ParseAndValidateBatchMaxBytes parses a byte size string and validates it.
// It allows values within [[MinReplBatchMaxBytes], [MaxReplBatchMaxBytes]].
func ParseAndValidateBatchMaxBytes(value string) (int, error) {
	sizeBytes, err := humanize.ParseBytes(value)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid repl-batch-max-bytes value: %s", value)
	}

	err = ValidateBatchMaxBytes(sizeBytes)
	if err != nil {
		return 0, err
	}

	return int(min(sizeBytes, math.MaxInt32)), nil //nolint:gosec
}

// ParseStartAt parses "T" or "T.I" into a BSON timestamp.
func ParseStartAt(value string) (bson.Timestamp, error) {
	t, i, _ := strings.Cut(strings.TrimSpace(value), ".")

	sec, err := strconv.ParseUint(t, 10, 32)
	if err != nil {
		return bson.Timestamp{}, errors.Wrapf(err, "invalid start-at value: %s", value)
	}

	var inc uint64
	if i != "" {
		inc, err = strconv.ParseUint(i, 10, 32)
		if err != nil {
			return bson.Timestamp{}, errors.Wrapf(err, "invalid start-at increment: %s", value)
		}
	}

	return bson.Timestamp{T: uint32(sec), I: uint32(inc)}, nil
}
