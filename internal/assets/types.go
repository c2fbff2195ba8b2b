package assets

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrEmptyURL         = errors.New("assets: empty url")
	ErrQuotaUnavailable = errors.New("assets: storage quota unavailable")
)

// StatusError reports a non-success HTTP answer for an asset.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fetch %s: unexpected status %d", e.URL, e.StatusCode)
}

// CachedAsset is one stored model binary.
type CachedAsset struct {
	URL        string
	AssetType  string
	Payload    []byte
	SizeBytes  int64
	StoredAt   time.Time
	LastAccess time.Time
}

// UsageSummary is derived on every Stats call.
type UsageSummary struct {
	ModelCount  int     `json:"modelCount"`
	TotalSize   int64   `json:"totalSize"`
	DeviceQuota int64   `json:"deviceQuota"`
	PercentUsed float64 `json:"percentUsed"`
}

// LoadState mirrors the most recent GetModel or PrefetchModel call.
type LoadState struct {
	Loading  bool
	Progress int
	Err      error
}

// Partition names in the shared store.
const (
	partAssets = "assets"
	partMeta   = "assetmeta"
)

// assetRow is the payload row; assetMeta is the small row used for stats
// and eviction. Both are written in one batch.
type assetRow struct {
	URL       string
	AssetType string
	Payload   []byte
	StoredAt  int64 // unix nanoseconds
}

type assetMeta struct {
	AssetType  string
	SizeBytes  int64
	StoredAt   int64
	LastAccess int64
}
