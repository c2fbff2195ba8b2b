//go:build linux || darwin || freebsd

package assets

import (
	"context"
	"fmt"

	"golang.org/x/sys/unix"
)

func (q DiskQuota) Quota(context.Context) (int64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(q.Path, &st); err != nil {
		return 0, fmt.Errorf("%w: statfs %s: %v", ErrQuotaUnavailable, q.Path, err)
	}
	return int64(st.Blocks) * int64(st.Bsize), nil
}
