//go:build !linux && !darwin && !freebsd

package assets

import "context"

func (q DiskQuota) Quota(context.Context) (int64, error) {
	return 0, ErrQuotaUnavailable
}
