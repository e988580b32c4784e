//go:build windows

package peer

import "golang.org/x/sys/windows"

// diskFree returns the bytes available to the process on the volume holding
// path. Used as a preflight before committing to a download.
func diskFree(path string) (uint64, error) {
	p, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return 0, err
	}
	var free, total, totalFree uint64
	if err := windows.GetDiskFreeSpaceEx(p, &free, &total, &totalFree); err != nil {
		return 0, err
	}
	return free, nil
}
