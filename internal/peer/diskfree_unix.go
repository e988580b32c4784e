//go:build !windows

package peer

import "golang.org/x/sys/unix"

// diskFree returns the bytes available to the process on the filesystem
// holding path. Used as a preflight before committing to a download.
func diskFree(path string) (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, err
	}
	return uint64(st.Bavail) * uint64(st.Bsize), nil
}
