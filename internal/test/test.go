// Package test provides the shared test fixtures (config, DB reset, Redis
// flush) used by the _test.go files throughout internal/, mirroring the
// teacher's own internal/test package.
package test

import (
	"context"
	"os"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"github.com/chirpstack/chirpstack-sub001/internal/config"
)

// GetConfig returns a Config suitable for the test suite, reading the
// TEST_POSTGRES_DSN / TEST_REDIS_URL environment variables the CI pipeline
// sets, falling back to the local-dev defaults otherwise.
func GetConfig() config.Config {
	var c config.Config

	c.PostgreSQL.DSN = os.Getenv("TEST_POSTGRES_DSN")
	if c.PostgreSQL.DSN == "" {
		c.PostgreSQL.DSN = "postgres://localhost/chirpstack_ns_test?sslmode=disable"
	}

	c.Redis.URL = os.Getenv("TEST_REDIS_URL")
	if c.Redis.URL == "" {
		c.Redis.URL = "redis://localhost:6379/1"
	}

	c.NetworkServer.Regions = []config.RegionConfig{
		{ID: "eu868", Band: "EU868"},
	}

	return c
}

// MustResetDB truncates every table the test suite touches, in FK-safe
// order, and panics on error (test helper, not production code).
func MustResetDB(db *sqlx.DB) {
	tables := []string{
		"device_queue_item",
		"device",
		"device_profile",
		"application",
		"tenant",
		"gateway",
	}

	for _, t := range tables {
		if _, err := db.Exec("truncate table " + t + " cascade"); err != nil {
			panic(err)
		}
	}
}

// MustFlushRedis flushes the selected Redis database, and panics on error.
func MustFlushRedis(rc *redis.Client) {
	if err := rc.FlushDB(context.Background()).Err(); err != nil {
		panic(err)
	}
}
