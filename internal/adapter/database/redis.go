package database

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/perimetra/salvor/internal/config"
)

type RedisDatabase struct {
	config  *config.RedisConfig
	client  *redis.Client
	timeout time.Duration
}

func NewRedis(cfg *config.RedisConfig, stepTimeout time.Duration) *RedisDatabase {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &RedisDatabase{config: cfg, client: client, timeout: stepTimeout}
}

func (r *RedisDatabase) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}

// Snapshot asks the server for a background save, waits for it to
// finish, then copies the fresh RDB file to outputPath. Completion is
// detected by LASTSAVE moving past its pre-save value; a fixed sleep
// would either waste time or truncate a slow save.
func (r *RedisDatabase) Snapshot(ctx context.Context, outputPath string) error {
	base, err := r.client.LastSave(ctx).Result()
	if err != nil {
		return fmt.Errorf("redis lastsave: %w", err)
	}

	if err := r.client.BgSave(ctx).Err(); err != nil {
		// A save another client kicked off works just as well.
		if !strings.Contains(err.Error(), "in progress") {
			return fmt.Errorf("redis bgsave: %w", err)
		}
	}

	if err := r.waitForSave(ctx, base); err != nil {
		return err
	}

	if err := copyFile(r.config.RDBPath, outputPath); err != nil {
		return fmt.Errorf("copy rdb file: %w", err)
	}
	return nil
}

func (r *RedisDatabase) waitForSave(ctx context.Context, base int64) error {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.NewTimer(r.timeout)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("redis snapshot did not finish within %s", r.timeout)
		case <-ticker.C:
			last, err := r.client.LastSave(ctx).Result()
			if err != nil {
				return fmt.Errorf("redis lastsave: %w", err)
			}
			if last > base {
				return nil
			}
		}
	}
}

func (r *RedisDatabase) GetName() string {
	return r.config.Addr
}

func (r *RedisDatabase) GetType() string {
	return "redis"
}

func (r *RedisDatabase) Close() error {
	return r.client.Close()
}

func copyFile(srcPath, dstPath string) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer src.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dstPath), "."+filepath.Base(dstPath)+".tmp-*")
	if err != nil {
		return err
	}

	_, err = io.Copy(tmp, src)
	if err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return err
	}

	if err := os.Rename(tmp.Name(), dstPath); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}
