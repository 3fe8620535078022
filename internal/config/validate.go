package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gezibash/drop/internal/storage"
)

// Limits are the parsed byte sizes of StorageConfig. PoolCapacity is zero
// when the capacity should be derived from system memory.
type Limits struct {
	MaxFileSize     int64
	MaxRequestSize  int64
	StreamThreshold int64
	ReservedMemory  int64
	PoolCapacity    int64
	BufferSize      int64
}

// Limits parses the byte size settings.
func (s StorageConfig) Limits() (Limits, error) {
	var l Limits
	fields := []struct {
		name     string
		value    string
		dst      *int64
		optional bool
	}{
		{"max_file_size", s.MaxFileSize, &l.MaxFileSize, false},
		{"max_request_size", s.MaxRequestSize, &l.MaxRequestSize, false},
		{"stream_threshold", s.StreamThreshold, &l.StreamThreshold, false},
		{"reserved_memory", s.ReservedMemory, &l.ReservedMemory, true},
		{"pool_capacity", s.PoolCapacity, &l.PoolCapacity, true},
		{"buffer_size", s.BufferSize, &l.BufferSize, true},
	}
	for _, f := range fields {
		if strings.TrimSpace(f.value) == "" {
			if f.optional {
				continue
			}
			return Limits{}, storage.NewConfigError("storage", f.name, "cannot be empty")
		}
		n, err := storage.ParseBytes(f.value)
		if err != nil {
			var ce *storage.ConfigError
			if errors.As(err, &ce) {
				ce.Backend, ce.Field = "storage", f.name
			}
			return Limits{}, err
		}
		*f.dst = n
	}
	if l.MaxFileSize <= 0 {
		return Limits{}, storage.NewConfigErrorWithValue("storage", "max_file_size", s.MaxFileSize, "must be positive")
	}
	if l.MaxRequestSize < l.MaxFileSize {
		return Limits{}, storage.NewConfigErrorWithValue("storage", "max_request_size", s.MaxRequestSize,
			"must not be smaller than max_file_size")
	}
	return l, nil
}

// Validate reports the first malformed setting as a *storage.ConfigError.
func (c Config) Validate() error {
	if c.HTTP.Addr == "" {
		return storage.NewConfigError("http", "addr", "cannot be empty")
	}
	if _, err := c.Storage.Limits(); err != nil {
		return err
	}
	if c.Storage.PoolRatio <= 0 || c.Storage.PoolRatio > 1 {
		return storage.NewConfigErrorWithValue("storage", "pool_ratio", fmt.Sprint(c.Storage.PoolRatio), "must be in (0, 1]")
	}
	if c.Storage.DefaultTTL < 0 {
		return storage.NewConfigErrorWithValue("storage", "default_ttl", c.Storage.DefaultTTL.String(), "must not be negative")
	}
	if c.Storage.SweepInterval <= 0 {
		return storage.NewConfigErrorWithValue("storage", "sweep_interval", c.Storage.SweepInterval.String(), "must be positive")
	}
	if c.RateLimit.RequestsPerMinute < 0 {
		return storage.NewConfigErrorWithValue("rate_limit", "requests_per_minute", fmt.Sprint(c.RateLimit.RequestsPerMinute), "must not be negative")
	}
	if c.RateLimit.Window <= 0 {
		return storage.NewConfigErrorWithValue("rate_limit", "window", c.RateLimit.Window.String(), "must be positive")
	}
	if c.Metadata.Backend == "" {
		return storage.NewConfigError("metadata", "backend", "cannot be empty")
	}
	if c.Metadata.ProbeInterval <= 0 {
		return storage.NewConfigErrorWithValue("metadata", "probe_interval", c.Metadata.ProbeInterval.String(), "must be positive")
	}
	if c.Metadata.ProbeRetries < 1 {
		return storage.NewConfigErrorWithValue("metadata", "probe_retries", fmt.Sprint(c.Metadata.ProbeRetries), "must be at least 1")
	}
	if c.Observability.SampleRatio < 0 || c.Observability.SampleRatio > 1 {
		return storage.NewConfigErrorWithValue("observability", "trace_sample_ratio", fmt.Sprint(c.Observability.SampleRatio), "must be within [0, 1]")
	}
	switch c.Observability.OTLPProtocol {
	case "", "http", "grpc":
	default:
		return storage.NewConfigErrorWithValue("observability", "otlp_protocol", c.Observability.OTLPProtocol, "must be http or grpc")
	}
	return nil
}
