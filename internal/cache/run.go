package cache

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"
)

const lockFilename = ".lock"

// validateLockFilePath validates that a lock file path is safe for use,
// ensuring it stays within the cache directory.
func validateLockFilePath(lockFile, baseDir string) error {
	cleanLock := filepath.Clean(lockFile)
	cleanBase := filepath.Clean(baseDir)

	if strings.Contains(lockFile, "..") {
		return errors.New("unsafe lock file path (contains directory traversal): " + lockFile)
	}
	if !strings.HasPrefix(cleanLock, cleanBase) {
		return errors.New("lock file path outside of base directory: " + lockFile)
	}
	return nil
}

// Run starts the cache proxy: it acquires an exclusive lock on the cache
// directory (spec.md §5's single-writer discipline — only one cpcache may
// run against a given cache_directory at a time), wires the Server's
// components, and serves on the configured listen addresses until ctx is
// canceled. Grounded on the teacher's Run: acquire-lock-then-errgroup
// shape, generalized from one-shot mirror sync to a long-running proxy.
func Run(ctx context.Context, config *Config) error {
	lockFile := filepath.Join(config.CacheDirectory, lockFilename)
	if err := validateLockFilePath(lockFile, config.CacheDirectory); err != nil {
		return errors.Wrap(err, "Run")
	}

	if err := EnsureCacheLayout(config.CacheDirectory); err != nil {
		return errors.Wrap(err, "Run")
	}

	file, err := os.OpenFile(lockFile, os.O_WRONLY|os.O_CREATE, 0644) // #nosec G302,G304 - lockFile path validated above
	if err != nil {
		return errors.Wrap(err, "Run: open lock file")
	}
	defer func() {
		if err := file.Close(); err != nil {
			slog.Warn("failed to close lock file", "error", err)
		}
	}()

	fileLock := Flock{file}
	if err := fileLock.Lock(); err != nil {
		return errors.Wrap(err, "Run: another cpcache instance is already using this cache_directory")
	}
	defer func() {
		if err := fileLock.Unlock(); err != nil {
			slog.Warn("failed to unlock cache directory", "error", err)
		}
	}()

	server, err := NewServer(config)
	if err != nil {
		return errors.Wrap(err, "Run")
	}

	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return server.serializer.Run(ctx)
	})

	group.Go(func() error {
		return server.mirrors.RunAutoScoring(ctx)
	})

	for _, addr := range config.ListenAddresses() {
		addr := addr
		group.Go(func() error {
			return NewAcceptor(addr, server).Serve(ctx)
		})
	}

	slog.Info("cpcache started", "port", config.Port, "cache_directory", config.CacheDirectory, "ipv6", config.IPv6Enabled)

	err = group.Wait()

	slog.Info("cpcache stopping", "usage", server.stats.String())
	return err
}
