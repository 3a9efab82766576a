package supervisor

import (
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// Usage is a resource snapshot of a worker and the browser processes it
// started.
type Usage struct {
	PID        int           `json:"pid"`
	State      string        `json:"state"`
	Uptime     time.Duration `json:"uptime"`
	Processes  int           `json:"processes"`
	RSSBytes   uint64        `json:"rss_bytes"`
	CPUPercent float64       `json:"cpu_percent"`
}

// Usage sums memory and CPU over the worker's process tree. Children that
// exit while being walked are skipped.
func (p *Process) Usage() (Usage, error) {
	u := Usage{
		PID:    p.PID(),
		State:  p.State().String(),
		Uptime: p.Runtime(),
	}
	if p.Exited() {
		return u, ErrProcessExited
	}

	root, err := process.NewProcess(int32(u.PID))
	if err != nil {
		return u, fmt.Errorf("failed to inspect pid %d: %w", u.PID, err)
	}

	queue := []*process.Process{root}
	for len(queue) > 0 {
		proc := queue[0]
		queue = queue[1:]

		mem, err := proc.MemoryInfo()
		if err != nil {
			if proc == root {
				return u, fmt.Errorf("failed to read memory of pid %d: %w", u.PID, err)
			}
			continue
		}
		u.Processes++
		u.RSSBytes += mem.RSS
		if cpu, err := proc.CPUPercent(); err == nil {
			u.CPUPercent += cpu
		}

		children, err := proc.Children()
		if err == nil {
			queue = append(queue, children...)
		}
	}
	return u, nil
}

// Usage reports resource usage of the current worker. It returns
// ErrNotStarted when no worker is running.
func (s *Supervisor) Usage() (Usage, error) {
	proc := s.Process()
	if proc == nil {
		return Usage{}, ErrNotStarted
	}
	u, err := proc.Usage()
	if err == nil {
		s.opts.Metrics.RecordWorkerUsage(u.RSSBytes, u.Processes)
	}
	return u, err
}
