package storage

import (
	"context"
	"fmt"
)

// Backend names accepted by Open.
const (
	BackendFS     = "fs"
	BackendMemory = "memory"
	BackendS3     = "s3"
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"
)

// Options selects and configures a storage backend.
type Options struct {
	// Backend is one of fs, memory, s3, redis, sqlite.
	Backend string
	// Path is the fs root, sqlite file, or s3 "bucket/prefix".
	Path string
	// URL is the Redis connection URL.
	URL string
	// Prefix namespaces Redis keys.
	Prefix string
	// Region, Endpoint and UsePathStyle configure the S3 client.
	Region       string
	Endpoint     string
	UsePathStyle bool
}

// Open constructs the Store described by opts.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Backend {
	case BackendFS, "":
		return NewFSStore(opts.Path)
	case BackendMemory:
		return NewMemoryStore(), nil
	case BackendS3:
		bucket, prefix := ParseS3Path(opts.Path)
		return NewS3Store(ctx, S3Config{
			Bucket:       bucket,
			Prefix:       prefix,
			Region:       opts.Region,
			Endpoint:     opts.Endpoint,
			UsePathStyle: opts.UsePathStyle,
		})
	case BackendRedis:
		return NewRedisStore(opts.URL, opts.Prefix)
	case BackendSQLite:
		return OpenSQLite(opts.Path)
	default:
		return nil, fmt.Errorf("unknown storage backend %q (valid: fs, memory, s3, redis, sqlite)", opts.Backend)
	}
}
