package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/franksops/gocopy/config"
	"github.com/franksops/gocopy/provider"
)

// location is a user-supplied path resolved to the provider serving it and
// the path within that provider.
type location struct {
	provider provider.Provider
	path     string
	raw      string
}

// providerCache shares one S3 client per bucket and one local provider
// between all arguments of a command.
type providerCache struct {
	local *provider.LocalProvider
	s3    map[string]*provider.S3Provider
	newS3 func(ctx context.Context, bucket string) (*provider.S3Provider, error)
}

func newProviderCache(conf config.S3Config) *providerCache {
	opts := provider.S3Options{
		Region:    conf.Region,
		Endpoint:  conf.Endpoint,
		PathStyle: conf.PathStyle,
		PartSize:  conf.PartSize,
	}
	return &providerCache{
		local: provider.NewLocalProvider(""),
		s3:    make(map[string]*provider.S3Provider),
		newS3: func(ctx context.Context, bucket string) (*provider.S3Provider, error) {
			return provider.NewS3Provider(ctx, bucket, "", opts)
		},
	}
}

// resolve maps s3://bucket/key to a bucket-rooted S3 provider and anything
// else to the local filesystem.
func (c *providerCache) resolve(ctx context.Context, raw string) (location, error) {
	if bucket, key, ok := provider.ParseS3URL(raw); ok {
		p, found := c.s3[bucket]
		if !found {
			var err error
			p, err = c.newS3(ctx, bucket)
			if err != nil {
				return location{}, fmt.Errorf("creating S3 provider for %s: %w", raw, err)
			}
			c.s3[bucket] = p
		}
		return location{provider: p, path: key, raw: raw}, nil
	}

	abs, err := filepath.Abs(raw)
	if err != nil {
		return location{}, fmt.Errorf("resolving %s: %w", raw, err)
	}
	return location{provider: c.local, path: abs, raw: raw}, nil
}
