package config

import "time"

// CacheConfig defines settings for the response cache middleware that sits
// in front of the public show catalogue. When Enabled is false or no Redis
// client is configured, caching is disabled.
type CacheConfig struct {
	Enabled      bool
	Methods      map[string]bool // upper-cased HTTP methods eligible for caching
	TTL          time.Duration
	Prefix       string
	MaxBodyBytes int // responses larger than this are served but not stored
}

// LoadCacheConfig reads CACHE_* variables. Seat occupancy is never routed
// through the cache, so a short TTL only affects the catalogue.
func LoadCacheConfig() CacheConfig {
	cfg := CacheConfig{
		Enabled:      envBool("CACHE_ENABLED", true),
		Methods:      envSet("CACHE_METHODS", "GET"),
		TTL:          envDur("CACHE_TTL", 30*time.Second),
		Prefix:       envStr("CACHE_PREFIX", "cache"),
		MaxBodyBytes: envInt("CACHE_MAX_BODY_BYTES", 1<<20),
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Second
	}
	return cfg
}
