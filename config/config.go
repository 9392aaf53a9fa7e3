// Package config loads and validates the shard configuration from YAML.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// KVConfig holds substrate tuning knobs.
type KVConfig struct {
	BlockSizeBytes         int    `yaml:"block_size_bytes"`
	MetadataBlockSizeBytes int    `yaml:"metadata_block_size_bytes"`
	CacheSizeBytes         int64  `yaml:"cache_size_bytes"`
	BloomBitsPerKey        int    `yaml:"bloom_bits_per_key"`
	Compression            string `yaml:"compression"`
	CompactionStyle        string `yaml:"compaction_style"` // "universal" or "level"
	MaxOpenFiles           int    `yaml:"max_open_files"`
	MaxConcurrentCompact   int    `yaml:"max_concurrent_compactions"`
	WriteBufferSizeBytes   int64  `yaml:"write_buffer_size_bytes"`
}

// PartitionConfig holds the partition lifecycle knobs.
type PartitionConfig struct {
	Duration             string `yaml:"duration"`
	FileLimit            int    `yaml:"file_limit"`
	SizeLimitBytes       int64  `yaml:"size_limit_bytes"`
	CountSoftLimit       int    `yaml:"count_soft_limit"`
	TimestampGranularity string `yaml:"timestamp_granularity"`
	NewTimestampMargin   string `yaml:"new_timestamp_margin"`
	PrependedMinLifetime string `yaml:"prepended_min_lifetime"`
	HiPriCheckPeriod     string `yaml:"hi_pri_check_period"`
	LoPriCheckPeriod     string `yaml:"lo_pri_check_period"`
}

// FlushConfig holds the flush scheduler triggers.
type FlushConfig struct {
	DataAgeTrigger         string `yaml:"data_age_trigger"`
	IdleTrigger            string `yaml:"idle_trigger"`
	BytesWrittenTrigger    int64  `yaml:"bytes_written_trigger"`
	MemtableSizePerNode    int64  `yaml:"memtable_size_per_node"`
	MinManualFlushInterval string `yaml:"min_manual_flush_interval"`
	RedirtyGracePeriod     string `yaml:"redirty_grace_period"`
}

// CompactionConfig holds the compaction policy knobs.
type CompactionConfig struct {
	Schedule                 string  `yaml:"schedule"` // e.g. "3d,7d" or "auto"
	RateLimitBytesPerSec     int64   `yaml:"ratelimit_bytes_per_sec"`
	PartialFileNumThreshold  int     `yaml:"partial_file_num_threshold"`
	PartialFileSizeThreshold int64   `yaml:"partial_file_size_threshold"`
	PartialMaxFileSizeBytes  int64   `yaml:"partial_max_file_size_bytes"`
	PartialLargestFileShare  float64 `yaml:"partial_largest_file_share"`
	PartialMaxNumPerLoop     int     `yaml:"partial_max_num_per_loop"`
	PartialStallTrigger      int     `yaml:"partial_stall_trigger"`
	MetadataCompactionPeriod string  `yaml:"metadata_compaction_period"`
	SSTDeleteBytesPerSec     int64   `yaml:"sst_delete_bytes_per_sec"`
}

// ReadConfig holds the read path knobs.
type ReadConfig struct {
	UseCopysetIndex          bool   `yaml:"use_copyset_index"`
	ReadFindTimeIndex        bool   `yaml:"read_find_time_index"`
	DisableIterateUpperBound bool   `yaml:"disable_iterate_upper_bound"`
	FlushBlockPolicy         string `yaml:"flush_block_policy"` // default | each_log | each_copyset
}

// DurabilityConfig holds WAL and sync pacing knobs.
type DurabilityConfig struct {
	WALBytesPerSync   int  `yaml:"wal_bytes_per_sync"`
	BytesPerSync      int  `yaml:"bytes_per_sync"`
	BackgroundWALSync bool `yaml:"background_wal_sync"`
}

// SafetyConfig holds the shard protection knobs.
type SafetyConfig struct {
	VerifyChecksumDuringStore  bool    `yaml:"verify_checksum_during_store"`
	ReadOnly                   bool    `yaml:"read_only"`
	AutoCreateShards           bool    `yaml:"auto_create_shards"`
	FreeDiskSpaceThresholdLow  float64 `yaml:"free_disk_space_threshold_low"`
	SBRForce                   bool    `yaml:"sbr_force"`
	SpaceMonitorPeriod         string  `yaml:"space_monitor_period"`
	NumMetadataLocks           int     `yaml:"num_metadata_locks"`
	DirectoryConsistencyPeriod string  `yaml:"directory_consistency_check_period"`
}

// LoggingConfig holds logging-specific configurations.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // "debug", "info", "warn", "error"
	Output string `yaml:"output"` // "stdout", "stderr", "file"
	File   string `yaml:"file"`
}

// Config is the top-level configuration struct.
type Config struct {
	RootPath   string           `yaml:"root_path"`
	KV         KVConfig         `yaml:"kv"`
	Partition  PartitionConfig  `yaml:"partition"`
	Flush      FlushConfig      `yaml:"flush"`
	Compaction CompactionConfig `yaml:"compaction"`
	Read       ReadConfig       `yaml:"read"`
	Durability DurabilityConfig `yaml:"durability"`
	Safety     SafetyConfig     `yaml:"safety"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ParseDuration parses a duration string. Returns the default duration if
// the string is empty, "0" or invalid. Logs a warning if the string is
// invalid but not empty.
func ParseDuration(durationStr string, defaultDuration time.Duration, logger *slog.Logger) time.Duration {
	if durationStr == "" || durationStr == "0" {
		return defaultDuration
	}
	d, err := time.ParseDuration(durationStr)
	if err != nil {
		if logger != nil {
			logger.Warn("Invalid duration format, using default", "input", durationStr, "default", defaultDuration.String(), "error", err)
		}
		return defaultDuration
	}
	return d
}

// Load reads configuration from an io.Reader. This is the core logic,
// separated for testability.
func Load(r io.Reader) (*Config, error) {
	cfg := defaultConfig()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// LoadFromFile reads configuration from a file path.
func LoadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()
	return Load(f)
}

func defaultConfig() *Config {
	return &Config{
		RootPath: "/var/lib/logstore",
		KV: KVConfig{
			BlockSizeBytes:         4096,
			MetadataBlockSizeBytes: 4096,
			CacheSizeBytes:         256 << 20,
			BloomBitsPerKey:        10,
			Compression:            "lz4",
			CompactionStyle:        "universal",
			MaxOpenFiles:           1000,
			WriteBufferSizeBytes:   64 << 20,
		},
		Partition: PartitionConfig{
			Duration:             "15m",
			FileLimit:            200,
			SizeLimitBytes:       6 << 30,
			CountSoftLimit:       2000,
			TimestampGranularity: "10s",
			NewTimestampMargin:   "10s",
			PrependedMinLifetime: "300s",
			HiPriCheckPeriod:     "2s",
			LoPriCheckPeriod:     "30s",
		},
		Flush: FlushConfig{
			DataAgeTrigger:         "10m",
			IdleTrigger:            "5m",
			BytesWrittenTrigger:    200 << 20,
			MemtableSizePerNode:    10 << 30,
			MinManualFlushInterval: "2m",
			RedirtyGracePeriod:     "5s",
		},
		Compaction: CompactionConfig{
			Schedule:                 "auto",
			PartialFileNumThreshold:  10,
			PartialFileSizeThreshold: 2 << 20,
			PartialMaxFileSizeBytes:  256 << 20,
			PartialLargestFileShare:  0.7,
			PartialMaxNumPerLoop:     4,
			PartialStallTrigger:      50,
			MetadataCompactionPeriod: "1h",
		},
		Read: ReadConfig{
			UseCopysetIndex:   true,
			ReadFindTimeIndex: true,
			FlushBlockPolicy:  "default",
		},
		Durability: DurabilityConfig{
			WALBytesPerSync: 1 << 20,
			BytesPerSync:    1 << 20,
		},
		Safety: SafetyConfig{
			VerifyChecksumDuringStore:  true,
			AutoCreateShards:           true,
			FreeDiskSpaceThresholdLow:  0.2,
			SpaceMonitorPeriod:         "30s",
			NumMetadataLocks:           256,
			DirectoryConsistencyPeriod: "10m",
		},
		Logging: LoggingConfig{Level: "info", Output: "stdout"},
	}
}

// Validate checks cross-field constraints after defaults are applied.
func (c *Config) Validate() error {
	if c.RootPath == "" {
		return fmt.Errorf("root_path is required")
	}
	switch c.KV.CompactionStyle {
	case "universal", "level":
	default:
		return fmt.Errorf("kv.compaction_style must be universal or level, got %q", c.KV.CompactionStyle)
	}
	switch c.KV.Compression {
	case "none", "snappy", "zlib", "bzip2", "lz4", "lz4hc", "zstd", "xpress":
	default:
		return fmt.Errorf("kv.compression %q is not a known codec", c.KV.Compression)
	}
	switch c.Read.FlushBlockPolicy {
	case "default", "each_log", "each_copyset":
	default:
		return fmt.Errorf("read.flush_block_policy must be default, each_log or each_copyset, got %q", c.Read.FlushBlockPolicy)
	}
	if c.Safety.FreeDiskSpaceThresholdLow < 0 || c.Safety.FreeDiskSpaceThresholdLow > 1 {
		return fmt.Errorf("safety.free_disk_space_threshold_low must be within [0, 1]")
	}
	if c.Compaction.PartialLargestFileShare <= 0 || c.Compaction.PartialLargestFileShare > 1 {
		return fmt.Errorf("compaction.partial_largest_file_share must be within (0, 1]")
	}
	if c.Partition.CountSoftLimit < 1 {
		return fmt.Errorf("partition.count_soft_limit must be at least 1")
	}
	if c.Safety.NumMetadataLocks < 1 {
		return fmt.Errorf("safety.num_metadata_locks must be at least 1")
	}
	return nil
}

// BuildLogger constructs the process logger described by the logging
// section.
func (c *Config) BuildLogger() (*slog.Logger, error) {
	var level slog.Level
	switch c.Logging.Level {
	case "", "info":
		level = slog.LevelInfo
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level %q", c.Logging.Level)
	}
	var w io.Writer
	switch c.Logging.Output {
	case "", "stdout":
		w = os.Stdout
	case "stderr":
		w = os.Stderr
	case "file":
		f, err := os.OpenFile(c.Logging.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		w = f
	default:
		return nil, fmt.Errorf("unknown log output %q", c.Logging.Output)
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})), nil
}
