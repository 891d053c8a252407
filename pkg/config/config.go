// Package config loads the TOML configuration for the czar and worker
// processes: a -cfg flag names a .toml file decoded once at startup
// with github.com/BurntSushi/toml.
package config

import (
	"fmt"

	"github.com/BurntSushi/toml"

	"github.com/jhoblitt/qserv/pkg/logutil"
)

// CzarConfig is the coordinator process configuration.
type CzarConfig struct {
	ListenAddr      string         `toml:"listen-addr"`
	ResultDB        DBConfig       `toml:"result-db"`
	QMetaDB         DBConfig       `toml:"qmeta-db"`
	Log             logutil.Config `toml:"log"`
	DefaultCzarID   int32          `toml:"czar-id"`
	Workers         []string       `toml:"workers"`
	DispatchTimeout int            `toml:"dispatch-timeout-seconds"`
	ResultDbName    string         `toml:"result-db-name"`
	ResultColumns   []string       `toml:"result-columns"`
}

// ScanTableConfig declares one table of the worker's shared-scan
// inventory with its scan-rate class (lower = slower).
type ScanTableConfig struct {
	Db         string `toml:"db"`
	Table      string `toml:"table"`
	ScanRating int32  `toml:"scan-rating"`
}

// WorkerConfig is the worker process configuration.
type WorkerConfig struct {
	Name            string            `toml:"name"`
	ListenAddr      string            `toml:"listen-addr"`
	MaxActiveChunks int               `toml:"max-active-chunks"`
	ScanSlots       int               `toml:"scan-slots"`
	MemManBudget    int64             `toml:"mem-man-budget-bytes"`
	BatchRows       int               `toml:"batch-rows"`
	Chunks          []int32           `toml:"chunks"`
	ScanTables      []ScanTableConfig `toml:"scan-tables"`
	LocalDB         DBConfig          `toml:"local-db"`
	Log             logutil.Config    `toml:"log"`
}

// DBConfig describes a go-sql-driver/mysql connection.
type DBConfig struct {
	DSN             string `toml:"dsn"`
	MaxOpenConns    int    `toml:"max-open-conns"`
	MaxIdleConns    int    `toml:"max-idle-conns"`
}

// LoadCzar decodes path into a CzarConfig.
func LoadCzar(path string) (CzarConfig, error) {
	var cfg CzarConfig
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("config: decode czar config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadWorker decodes path into a WorkerConfig.
func LoadWorker(path string) (WorkerConfig, error) {
	var cfg WorkerConfig
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("config: decode worker config %s: %w", path, err)
	}
	if cfg.MaxActiveChunks <= 0 {
		cfg.MaxActiveChunks = 4
	}
	if cfg.ScanSlots <= 0 {
		cfg.ScanSlots = 8
	}
	return cfg, nil
}
