package state

import (
	"fmt"
	"net/netip"
	"slices"
	"time"
)

// LocalCfg represents local node-level configuration
type LocalCfg struct {
	// Id is the unique node id, used as the originator id of
	// self-originated keys and in publication trails.
	Id string `yaml:"id"`
	// Bind is the address the kvstore control endpoint listens on.
	Bind netip.AddrPort `yaml:"bind"`
	// Areas this node participates in.
	Areas   []string `yaml:"areas"`
	LogPath string   `yaml:"log_path,omitempty"` // if not empty, strata will also write to this file
}

// FloodRate bounds outbound flooding with a token bucket.
type FloodRate struct {
	MsgPerSec float64 `yaml:"msg_per_sec"`
	BurstSize int64   `yaml:"burst_size"`
}

// KvConfig tunes the store itself. The zero value is not usable; start
// from DefaultKvConfig.
type KvConfig struct {
	KeyTtl                  time.Duration `yaml:"key_ttl"`
	TtlDecrement            time.Duration `yaml:"ttl_decrement"`
	FloodRate               *FloodRate    `yaml:"flood_rate,omitempty"`
	EnableFloodOptimization bool          `yaml:"enable_flood_optimization,omitempty"`
	IsFloodRoot             bool          `yaml:"is_flood_root,omitempty"`
	// EnableDefaultAreaFallback makes a single-area node answer
	// requests for the wildcard area "0" from its one configured area.
	EnableDefaultAreaFallback bool `yaml:"enable_default_area_fallback,omitempty"`
	// FilterKeys / FilterOriginators restrict which key-values this
	// node stores and syncs at all.
	FilterKeys        []string `yaml:"filter_keys,omitempty"`
	FilterOriginators []string `yaml:"filter_originators,omitempty"`
}

func DefaultKvConfig() KvConfig {
	return KvConfig{
		KeyTtl:       time.Minute * 5,
		TtlDecrement: time.Millisecond,
	}
}

// Filters builds the configured store-wide filter, nil when
// unrestricted.
func (c *KvConfig) Filters() *KvFilters {
	if len(c.FilterKeys) == 0 && len(c.FilterOriginators) == 0 {
		return nil
	}
	return NewKvFilters(c.FilterKeys, c.FilterOriginators, FilterOr)
}

func LocalConfigValidator(cfg *LocalCfg) error {
	if cfg.Id == "" {
		return fmt.Errorf("%w: node id must not be empty", ErrInvalidArgument)
	}
	if !cfg.Bind.IsValid() {
		return fmt.Errorf("%w: bind address is not valid", ErrInvalidArgument)
	}
	if len(cfg.Areas) == 0 {
		return fmt.Errorf("%w: node must participate in at least one area", ErrInvalidArgument)
	}
	areas := slices.Clone(cfg.Areas)
	slices.Sort(areas)
	if len(slices.Compact(areas)) != len(cfg.Areas) {
		return fmt.Errorf("%w: duplicate area id", ErrInvalidArgument)
	}
	for _, area := range cfg.Areas {
		if area == "" {
			return fmt.Errorf("%w: area id must not be empty", ErrInvalidArgument)
		}
	}
	return nil
}

func KvConfigValidator(cfg *KvConfig) error {
	if cfg.KeyTtl <= 0 {
		return fmt.Errorf("%w: key_ttl must be positive", ErrInvalidArgument)
	}
	if cfg.TtlDecrement < 0 || cfg.TtlDecrement >= cfg.KeyTtl {
		return fmt.Errorf("%w: ttl_decrement must be within [0, key_ttl)", ErrInvalidArgument)
	}
	if cfg.FloodRate != nil {
		if cfg.FloodRate.MsgPerSec <= 0 || cfg.FloodRate.BurstSize <= 0 {
			return fmt.Errorf("%w: flood rate and burst must be positive", ErrInvalidArgument)
		}
	}
	if cfg.IsFloodRoot && !cfg.EnableFloodOptimization {
		return fmt.Errorf("%w: is_flood_root requires enable_flood_optimization", ErrInvalidArgument)
	}
	return nil
}
