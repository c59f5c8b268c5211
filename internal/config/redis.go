package config

// Redis backs the distributed rate limiter and the response cache.  When
// the server cannot be reached at startup the client is nil and callers
// disable both features.

import (
	"context"
	"crypto/tls"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
)

// RedisConfig describes the Redis connection.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	TLS      bool
}

// loadRedis reads REDIS_ADDR, or REDIS_HOST + REDIS_PORT (which take
// precedence when both are set), REDIS_PASSWORD, REDIS_DB and REDIS_TLS.
func loadRedis(v *viper.Viper) RedisConfig {
	for _, k := range []string{"REDIS_HOST", "REDIS_PORT", "REDIS_ADDR", "REDIS_PASSWORD", "REDIS_DB", "REDIS_TLS"} {
		_ = v.BindEnv(k)
	}
	addr := v.GetString("REDIS_ADDR")
	if host, port := v.GetString("REDIS_HOST"), v.GetString("REDIS_PORT"); host != "" && port != "" {
		addr = host + ":" + port
	}
	if addr == "" {
		addr = "localhost:6379"
	}
	tlsEnv := v.GetString("REDIS_TLS")
	return RedisConfig{
		Addr:     addr,
		Password: v.GetString("REDIS_PASSWORD"),
		DB:       v.GetInt("REDIS_DB"),
		TLS:      strings.EqualFold(tlsEnv, "true") || tlsEnv == "1",
	}
}

// NewRedisClient connects and pings with a short timeout.  It returns nil
// when Redis is unavailable.
func NewRedisClient(rc RedisConfig) *redis.Client {
	var tlsConf *tls.Config
	if rc.TLS {
		tlsConf = &tls.Config{InsecureSkipVerify: true}
	}
	client := redis.NewClient(&redis.Options{
		Addr:      rc.Addr,
		Password:  rc.Password,
		DB:        rc.DB,
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
