package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// Usage is a point-in-time resource sample of a running stage process.
type Usage struct {
	PID        int       `json:"pid"`
	CPUPercent float64   `json:"cpuPercent"`
	RSSBytes   uint64    `json:"rssBytes"`
	Threads    int32     `json:"threads"`
	SampledAt  time.Time `json:"sampledAt"`
}

func sampleUsage(ctx context.Context, pid int) (Usage, error) {
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return Usage{}, err
	}
	u := Usage{PID: pid, SampledAt: time.Now()}
	if cpu, err := p.CPUPercentWithContext(ctx); err == nil {
		u.CPUPercent = cpu
	}
	if mem, err := p.MemoryInfoWithContext(ctx); err == nil && mem != nil {
		u.RSSBytes = mem.RSS
	}
	if n, err := p.NumThreadsWithContext(ctx); err == nil {
		u.Threads = n
	}
	return u, nil
}

// startSampler reports Usage for pid every interval until the returned stop
// function is called. stop blocks until the sampling goroutine has exited,
// so no report is delivered after it returns.
func startSampler(pid int, interval time.Duration, report func(Usage)) (stop func()) {
	if interval <= 0 || report == nil {
		return func() {}
	}

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				u, err := sampleUsage(ctx, pid)
				if err != nil {
					// Process already gone; Wait will notice shortly.
					continue
				}
				select {
				case <-ctx.Done():
					return
				default:
					report(u)
				}
			}
		}
	}()

	return func() {
		cancel()
		wg.Wait()
	}
}
