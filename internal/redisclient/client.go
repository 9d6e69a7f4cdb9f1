// Copyright 2025 James Ross

// Package redisclient builds a pooled go-redis client from engine
// configuration, shared by any cache or queue backend wired against Redis.
package redisclient

import (
	"runtime"

	"github.com/redis/go-redis/v9"
	"github.com/taskmesh/engine/internal/config"
)

// New returns a configured go-redis client with pooling and retries.
func New(cfg config.Redis) *redis.Client {
	poolSize := cfg.PoolSizeMultiplier * runtime.NumCPU()
	if poolSize <= 0 {
		poolSize = 10 * runtime.NumCPU()
	}
	return redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     poolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		MaxRetries:   cfg.MaxRetries,
	})
}
