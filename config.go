package main

import (
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"ltfs-xfer/diskio"
	"ltfs-xfer/pipeline"
	"ltfs-xfer/tapehardware"
	"ltfs-xfer/utils"
)

// the format of the config file, json or yaml
type Config struct {
	LibraryDevice    string                                `mapstructure:"librarydevice"`
	TapeDriveDevices map[int]*tapehardware.TapeDriveDevice `mapstructure:"tapedevices" validate:"dive"`

	Catalog          string          `mapstructure:"catalog" validate:"required"`
	DiskRoot         string          `mapstructure:"diskroot"`
	MaxOpenFiles     int             `mapstructure:"maxopenfiles" validate:"min=0"`
	WatchdogInterval time.Duration   `mapstructure:"watchdoginterval"`
	Logging          LoggingConfig   `mapstructure:"logging"`
	Session          pipeline.Config `mapstructure:"session"`
	S3               diskio.S3Config `mapstructure:"s3"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"omitempty,oneof=DEBUG INFO WARN ERROR debug info warn error"`
	Format string `mapstructure:"format" validate:"omitempty,oneof=text json"`
}

func (l LoggingConfig) LogConfig() utils.LogConfig {
	return utils.LogConfig{Level: l.Level, Format: l.Format}
}

const DEFAULT_CONFIG_FILE string = "config.json"
const DEFAULT_LOG_FILE string = "ltfs-xfer.log"
const DEFAULT_DB string = "./catalog.db"
const ENV_PREFIX string = "LTFSX"

func DefaultConfig() Config {
	return Config{
		Catalog:          DEFAULT_DB,
		MaxOpenFiles:     64,
		WatchdogInterval: 30 * time.Second,
		Logging:          LoggingConfig{Level: "INFO", Format: "text"},
		Session:          pipeline.DefaultConfig(),
	}
}

// LoadConfig reads the config file, then the LTFSX_* environment. A missing
// file leaves the defaults in place.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(ENV_PREFIX)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !os.IsNotExist(err) {
				return nil, errors.Wrapf(err, "unable to read configuration file %s", path)
			}
		}
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "unable to decode configuration")
	}
	if err := validator.New().Struct(cfg); err != nil {
		return nil, errors.Wrap(err, "configuration validation failed")
	}
	if err := cfg.Session.Validate(); err != nil {
		return nil, err
	}
	// each disk worker needs its own open file
	if cfg.MaxOpenFiles > 0 && cfg.MaxOpenFiles < cfg.Session.DiskWorkers {
		return nil, errors.Errorf("maxopenfiles %d is below the %d disk workers", cfg.MaxOpenFiles, cfg.Session.DiskWorkers)
	}
	return &cfg, nil
}

// env overrides only apply to keys viper knows about
func setDefaults(v *viper.Viper) {
	d := DefaultConfig()
	v.SetDefault("librarydevice", d.LibraryDevice)
	v.SetDefault("catalog", d.Catalog)
	v.SetDefault("diskroot", d.DiskRoot)
	v.SetDefault("maxopenfiles", d.MaxOpenFiles)
	v.SetDefault("watchdoginterval", d.WatchdogInterval)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("session.numberofblocks", d.Session.NumberOfBlocks)
	v.SetDefault("session.blocksize", d.Session.BlockSize)
	v.SetDefault("session.diskworkers", d.Session.DiskWorkers)
	v.SetDefault("session.maxfilesperbatch", d.Session.MaxFilesPerBatch)
	v.SetDefault("session.maxbytesperbatch", d.Session.MaxBytesPerBatch)
	v.SetDefault("session.reportbatchsize", d.Session.ReportBatchSize)
	v.SetDefault("s3.region", d.S3.Region)
	v.SetDefault("s3.endpoint", d.S3.Endpoint)
	v.SetDefault("s3.forcepathstyle", d.S3.ForcePathStyle)
	v.SetDefault("s3.partsize", d.S3.PartSize)
}

// s3 is only set up when the config names a region or an endpoint
func (c *Config) S3Enabled() bool {
	return c.S3.Region != "" || c.S3.Endpoint != ""
}
