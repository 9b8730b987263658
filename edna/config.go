package edna

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/edna-db/edna/edna/encryption"
	"github.com/edna-db/edna/edna/records"
	"github.com/edna-db/edna/edna/rows"
	"github.com/edna-db/edna/edna/sharing"
)

const (
	// DefaultDriver is the database/sql driver used when none is configured.
	DefaultDriver = "sqlite"

	// StoreSQL keeps records in tables of the application database.
	StoreSQL = "sql"
	// StoreBolt keeps records in a separate bbolt file.
	StoreBolt = "bolt"

	defaultBoltPath = "edna-records.db"
)

// RecordsConfig contains settings for the persisted disguise records.
type RecordsConfig struct {
	Store       string
	BoltPath    string
	TablePrefix string
	PaddingMax  int
	DryRun      bool
}

// Config contains all settings for an Edna session.
type Config struct {
	LogLevel        uint32
	LogSilent       bool
	DBDriver        string
	DBDSN           string
	Records         RecordsConfig
	SchemaCacheSize int
	KDF             sharing.KDFParams
	MasterKeyVar    string
}

// NewDefaultConfig creates a new Config with default settings.
func NewDefaultConfig() *Config {
	config := &Config{
		DBDriver:        DefaultDriver,
		SchemaCacheSize: rows.DefaultSchemaCacheSize,
		KDF:             sharing.DefaultKDFParams,
		MasterKeyVar:    encryption.DefaultMasterKeyVar,
	}
	config.LogLevel = uint32(log.InfoLevel)
	config.Records.Store = StoreSQL
	config.Records.BoltPath = defaultBoltPath
	config.Records.TablePrefix = records.DefaultTablePrefix
	config.Records.PaddingMax = records.DefaultPaddingMax
	return config
}

// Dialect returns the SQL dialect of the configured driver.
func (c Config) Dialect() (rows.Dialect, error) {
	return rows.ParseDialect(c.DBDriver)
}

// String summarizes the settings for startup logs.
func (c Config) String() string {
	store := c.Records.Store
	if store == StoreBolt {
		store += ":" + c.Records.BoltPath
	} else {
		store += ":" + c.Records.TablePrefix + "*"
	}
	return fmt.Sprintf("[Driver: %s, Records: %s, Padding: %s, DryRun: %t, KDF: %d pass(es)/%s]",
		c.DBDriver, store, humanize.IBytes(uint64(c.Records.PaddingMax)), c.Records.DryRun,
		c.KDF.Time, humanize.IBytes(uint64(c.KDF.Memory)*1024))
}

// GetLogLevel converts the level string to its corresponding int value. It
// returns an error if the level is invalid.
func GetLogLevel(level string) (uint32, error) {
	var l uint32
	switch strings.ToLower(level) {
	case "debug":
		l = uint32(log.DebugLevel)
	case "info":
		l = uint32(log.InfoLevel)
	case "warn":
		l = uint32(log.WarnLevel)
	case "error":
		l = uint32(log.ErrorLevel)
	default:
		return 0, fmt.Errorf("Invalid log.level setting %q", level)
	}
	return l, nil
}

// NewConfig creates a new Config with default settings and applies any
// settings from the given configuration file.
func NewConfig(configFile string) (*Config, error) { // nolint: gocyclo
	config := NewDefaultConfig()
	if configFile == "" {
		return config, nil
	}

	v := viper.New()
	v.SetConfigFile(configFile)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "failed to read config %s", configFile)
	}

	if v.IsSet("log.level") {
		level, err := GetLogLevel(v.GetString("log.level"))
		if err != nil {
			return nil, err
		}
		config.LogLevel = level
	}
	if v.IsSet("log.silent") {
		config.LogSilent = v.GetBool("log.silent")
	}

	if v.IsSet("db.driver") {
		config.DBDriver = v.GetString("db.driver")
		if _, err := config.Dialect(); err != nil {
			return nil, err
		}
	}
	if v.IsSet("db.dsn") {
		config.DBDSN = v.GetString("db.dsn")
	}

	if v.IsSet("records.store") {
		store := strings.ToLower(v.GetString("records.store"))
		if store != StoreSQL && store != StoreBolt {
			return nil, fmt.Errorf("Invalid records.store setting %q", store)
		}
		config.Records.Store = store
	}
	if v.IsSet("records.bolt.path") {
		config.Records.BoltPath = v.GetString("records.bolt.path")
	}
	if v.IsSet("records.table.prefix") {
		config.Records.TablePrefix = v.GetString("records.table.prefix")
	}
	if v.IsSet("records.padding.max") {
		config.Records.PaddingMax = v.GetInt("records.padding.max")
	}
	if v.IsSet("records.dryrun") {
		config.Records.DryRun = v.GetBool("records.dryrun")
	}

	if v.IsSet("schema.cache.size") {
		config.SchemaCacheSize = v.GetInt("schema.cache.size")
	}

	if v.IsSet("sharing.kdf.time") {
		config.KDF.Time = v.GetUint32("sharing.kdf.time")
	}
	if v.IsSet("sharing.kdf.memory") {
		config.KDF.Memory = v.GetUint32("sharing.kdf.memory")
	}

	if v.IsSet("encryption.master.key.env") {
		config.MasterKeyVar = v.GetString("encryption.master.key.env")
	}

	return config, nil
}
