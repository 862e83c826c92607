// Package storage opens the shared infrastructure clients used by the
// tenantauth stores: a PostgreSQL pool (lib/pq), a Redis client (go-redis)
// and an S3 client (aws-sdk-go-v2).
//
// Each constructor verifies connectivity before returning, so a service that
// cannot reach a backing store fails at startup instead of serving requests
// it cannot decide.
//
//	db, err := storage.OpenPostgres(ctx, cfg.Postgres)
//	rdb, err := storage.NewRedisClient(ctx, cfg.Redis)
//
// EnsureSchema applies the idempotent bootstrap DDL in schema.sql. It is
// meant for development databases and integration tests.
package storage
