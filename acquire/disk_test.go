package acquire

import (
	"context"
	"testing"
	"time"
)

func TestFreeMB(t *testing.T) {
	free, err := FreeMB(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if free <= 0 {
		t.Fatalf("free = %d", free)
	}
}

func TestDiskMonitorTrips(t *testing.T) {
	low := make(chan int, 1)
	readings := []int{900, 700, 300}
	i := 0
	m := &DiskMonitor{
		Path:      "/",
		MinFreeMB: 512,
		Interval:  5 * time.Millisecond,
		Low:       func(free int) { low <- free },
		statfs: func(string) (int, error) {
			r := readings[i]
			if i < len(readings)-1 {
				i++
			}
			return r, nil
		},
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go m.Run(ctx)
	select {
	case free := <-low:
		if free != 300 {
			t.Fatalf("low fired at %d", free)
		}
	case <-ctx.Done():
		t.Fatal("monitor never tripped")
	}
}

func TestDiskMonitorStopsOnCancel(t *testing.T) {
	m := &DiskMonitor{
		Path:      "/",
		MinFreeMB: 1,
		Interval:  time.Millisecond,
		statfs:    func(string) (int, error) { return 10_000, nil },
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("monitor did not exit on cancel")
	}
}
