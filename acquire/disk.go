package acquire

import (
	"context"
	"log"
	"syscall"
	"time"
)

// FreeMB returns the free space on the filesystem holding path, in MiB.
func FreeMB(path string) (int, error) {
	var st syscall.Statfs_t
	if err := syscall.Statfs(path, &st); err != nil {
		return 0, err
	}
	return int(uint64(st.Bavail) * uint64(st.Bsize) / (1 << 20)), nil
}

// DiskMonitor polls free space under Path and calls Low once when it drops
// below MinFreeMB.  A full disk on an autonomous platform is an unrecoverable
// condition; the lifecycle responds with a forced shutdown.
type DiskMonitor struct {
	Path      string
	MinFreeMB int
	Interval  time.Duration

	// Low fires (once) when free space is below the threshold
	Low func(freeMB int)

	// statfs is replaceable for tests
	statfs func(string) (int, error)
}

// Run polls until ctx is cancelled or the threshold trips.
func (m *DiskMonitor) Run(ctx context.Context) {
	statfs := m.statfs
	if statfs == nil {
		statfs = FreeMB
	}
	tick := time.NewTicker(m.Interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			free, err := statfs(m.Path)
			if err != nil {
				log.Printf("acquire: disk poll: %v", err)
				continue
			}
			if free < m.MinFreeMB {
				log.Printf("acquire: %d MB free on %s, below %d MB floor", free, m.Path, m.MinFreeMB)
				if m.Low != nil {
					m.Low(free)
				}
				return
			}
		}
	}
}
