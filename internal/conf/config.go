package conf

import (
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// DatabaseConfig controls the pooled connection to the tabular storage port.
type DatabaseConfig struct {
	// DSN is the DuckDB file path (or ":memory:") used by internal/storage.
	DSN                      string
	MaxOpenConns             int
	MaxIdleConns             int
	ConnMaxLifetimeSeconds   int
	ConnMaxIdleTimeSeconds   int
}

// GroundTilesConfig controls the ground-tile upstream used by SculptEncoder.
type GroundTilesConfig struct {
	// URLPrefix is prepended to "map-<lod+1>-<x_tile>-<y_tile>-objects.jpg".
	URLPrefix             string
	RequestTimeoutSeconds int
}

// AssetsConfig controls the advisory HEAD check against the asset server.
type AssetsConfig struct {
	// ServerURLPrefix is the asset-server URL prefix for the advisory HEAD check.
	// Empty disables the check (HeadCheck always reports true).
	ServerURLPrefix    string
	HeadTimeoutSeconds int
}

// CacheConfig sizes the read-through caches the pipeline keeps in front of storage.
type CacheConfig struct {
	AssetLookupSize int
}

// Config is the full resolved runtime configuration.
type Config struct {
	Database    DatabaseConfig
	GroundTiles GroundTilesConfig
	Assets      AssetsConfig
	Cache       CacheConfig
	Debug       bool
}

// Configuration is the process-wide resolved configuration, populated by InitConfig.
var Configuration Config

// InitConfig loads configuration from an optional file, then lets
// environment variables prefixed with AppConfig.EnvPrefix override it.
func InitConfig(configFile string, debug bool) {
	v := viper.New()
	v.SetEnvPrefix(AppConfig.EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("database.dsn", "impostors.duckdb")
	v.SetDefault("database.maxopenconns", 4)
	v.SetDefault("database.maxidleconns", 2)
	v.SetDefault("database.connmaxlifetimeseconds", 300)
	v.SetDefault("database.connmaxidletimeseconds", 60)
	v.SetDefault("groundtiles.urlprefix", "")
	v.SetDefault("groundtiles.requesttimeoutseconds", 10)
	v.SetDefault("assets.serverurlprefix", "")
	v.SetDefault("assets.headtimeoutseconds", 5)
	v.SetDefault("cache.assetlookupsize", 4096)

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			log.Warnf("Unable to read config file %q: %v", configFile, err)
		}
	}

	Configuration = Config{
		Database: DatabaseConfig{
			DSN:                    v.GetString("database.dsn"),
			MaxOpenConns:           v.GetInt("database.maxopenconns"),
			MaxIdleConns:           v.GetInt("database.maxidleconns"),
			ConnMaxLifetimeSeconds: v.GetInt("database.connmaxlifetimeseconds"),
			ConnMaxIdleTimeSeconds: v.GetInt("database.connmaxidletimeseconds"),
		},
		GroundTiles: GroundTilesConfig{
			URLPrefix:             v.GetString("groundtiles.urlprefix"),
			RequestTimeoutSeconds: v.GetInt("groundtiles.requesttimeoutseconds"),
		},
		Assets: AssetsConfig{
			ServerURLPrefix:    v.GetString("assets.serverurlprefix"),
			HeadTimeoutSeconds: v.GetInt("assets.headtimeoutseconds"),
		},
		Cache: CacheConfig{
			AssetLookupSize: v.GetInt("cache.assetlookupsize"),
		},
		Debug: debug,
	}
}

// DumpConfig logs the resolved configuration once, at startup.
func DumpConfig() {
	log.Infof("Configuration: database.dsn=%s pool(open=%d,idle=%d) groundtiles.prefix=%q assets.prefix=%q cache.assetlookup=%d",
		Configuration.Database.DSN,
		Configuration.Database.MaxOpenConns,
		Configuration.Database.MaxIdleConns,
		Configuration.GroundTiles.URLPrefix,
		Configuration.Assets.ServerURLPrefix,
		Configuration.Cache.AssetLookupSize)
}
