package FayLSM

import (
	"os"

	"github.com/Kirov7/FayLSM/lsm"
	"github.com/Kirov7/FayLSM/utils"
	"github.com/goccy/go-yaml"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Options struct {
	WorkDir            string  `yaml:"work_dir"`
	DataDir            string  `yaml:"data_dir"`
	MemTableSize       int64   `yaml:"memtable_size"`
	TableCacheSize     int     `yaml:"table_cache_size"`
	BlockSize          int     `yaml:"block_size"`
	BloomFalsePositive float64 `yaml:"bloom_false_positive"`
	NumL0Partitions    int     `yaml:"l0_partitions"`
	VerifyChecksums    bool    `yaml:"verify_checksums"`
	// Preload opens every table through the table cache on Open.
	Preload            bool `yaml:"preload"`
	PreloadConcurrency int  `yaml:"preload_concurrency"`

	Logger LoggerOptions `yaml:"logger"`
}

type LoggerOptions struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

func DefaultOptions() Options {
	return Options{
		WorkDir:            "./faylsm",
		MemTableSize:       64 << 20,
		TableCacheSize:     1000,
		BlockSize:          4 << 10,
		BloomFalsePositive: 0.01,
		NumL0Partitions:    utils.DefaultL0Partitions,
		VerifyChecksums:    false,
		PreloadConcurrency: 4,
		Logger:             LoggerOptions{Level: "info"},
	}
}

// LoadOptions reads YAML options from path over the defaults. A missing file
// yields the defaults.
func LoadOptions(path string) (Options, error) {
	opt := DefaultOptions()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return opt, nil
		}
		return opt, errors.Wrapf(err, "read options %s", path)
	}
	if err := yaml.Unmarshal(data, &opt); err != nil {
		return opt, errors.Wrapf(err, "parse options %s", path)
	}
	return opt, opt.validate()
}

func (opt Options) validate() error {
	if opt.WorkDir == "" {
		return errors.New("options: work_dir is required")
	}
	if opt.BloomFalsePositive < 0 || opt.BloomFalsePositive >= 1 {
		return errors.Errorf("options: bloom_false_positive %v out of range [0, 1)", opt.BloomFalsePositive)
	}
	if opt.NumL0Partitions < 0 {
		return errors.Errorf("options: l0_partitions %d is negative", opt.NumL0Partitions)
	}
	return nil
}

// NewLogger builds a zap logger from the logger options.
func NewLogger(lo LoggerOptions) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if lo.Level != "" {
		if err := level.UnmarshalText([]byte(lo.Level)); err != nil {
			return nil, errors.Wrapf(err, "logger level %q", lo.Level)
		}
	}
	cfg := zap.NewProductionConfig()
	if !lo.JSON {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(level)
	return cfg.Build()
}

func (opt Options) lsmOptions(logger *zap.SugaredLogger, reg prometheus.Registerer) *lsm.Options {
	return &lsm.Options{
		WorkDir:            opt.WorkDir,
		DataDir:            opt.DataDir,
		MemTableSize:       opt.MemTableSize,
		TableCacheSize:     opt.TableCacheSize,
		BlockSize:          opt.BlockSize,
		BloomFalsePositive: opt.BloomFalsePositive,
		NumL0Partitions:    opt.NumL0Partitions,
		PreloadConcurrency: opt.PreloadConcurrency,
		VerifyChecksums:    opt.VerifyChecksums,
		Logger:             logger,
		Registerer:         reg,
	}
}
