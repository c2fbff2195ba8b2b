package assets

import "context"

// QuotaProvider reports the total storage available to the cache.
type QuotaProvider interface {
	Quota(ctx context.Context) (int64, error)
}

// StaticQuota is a fixed quota, typically from configuration.
type StaticQuota int64

func (q StaticQuota) Quota(context.Context) (int64, error) { return int64(q), nil }

type QuotaFunc func(ctx context.Context) (int64, error)

func (f QuotaFunc) Quota(ctx context.Context) (int64, error) { return f(ctx) }

// DiskQuota reports the size of the filesystem holding Path.
type DiskQuota struct {
	Path string
}
