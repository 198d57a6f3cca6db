package config

// Redis backs rate limiting, the catalogue response cache and event
// consumer deduplication. Connection parameters come from REDIS_* variables.

import (
	"context"
	"crypto/tls"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
)

// NewRedisClient instantiates a Redis client using environment variables:
//
//	REDIS_ADDR     host:port (REDIS_HOST + REDIS_PORT take precedence)
//	REDIS_PASSWORD optional password
//	REDIS_DB       database number (default 0)
//	REDIS_TLS      enable TLS when truthy
//
// The returned client is nil if the server does not answer a ping; callers
// then run without caching, rate limiting and deduplication.
func NewRedisClient() *redis.Client {
	addr := envStr("REDIS_ADDR", "localhost:6379")
	if host, port := os.Getenv("REDIS_HOST"), os.Getenv("REDIS_PORT"); host != "" && port != "" {
		addr = host + ":" + port
	}
	var tlsConf *tls.Config
	if envBool("REDIS_TLS", false) {
		tlsConf = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	client := redis.NewClient(&redis.Options{
		Addr:      addr,
		Password:  os.Getenv("REDIS_PASSWORD"),
		DB:        envInt("REDIS_DB", 0),
		TLSConfig: tlsConf,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil
	}
	return client
}
