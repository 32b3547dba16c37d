package chunkstore

import (
	"os"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// atimeBefore reports whether info's atime is strictly before cutoff.
func atimeBefore(info os.FileInfo, cutoff time.Time) bool {
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return false
	}
	atime := time.Unix(stat.Atim.Sec, stat.Atim.Nsec)
	return atime.Before(cutoff)
}

// noatimeMounted reports whether the filesystem containing path is mounted
// with noatime (the ST_NOATIME flag reported by statfs), in which case GC
// must refuse to run rather than silently sweep everything (or nothing).
// Other atime-related mount options are not checked.
func noatimeMounted(path string) (bool, error) {
	var stfs unix.Statfs_t
	if err := unix.Statfs(path, &stfs); err != nil {
		return false, err
	}
	return stfs.Flags&unix.ST_NOATIME != 0, nil
}
