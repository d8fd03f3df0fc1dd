package process

import (
	"context"
	"fmt"
	"sync"
	"time"

	v1 "github.com/containerd/cgroups/stats/v1"
	v2 "github.com/containerd/cgroups/v2/stats"
	gopsprocess "github.com/shirou/gopsutil/v3/process"
)

// UsageSampler reports resource usage for a host PID.
type UsageSampler interface {
	Sample(ctx context.Context, pid int) (Usage, error)
}

// PIDSampler samples CPU and RSS with gopsutil. CPU percent is measured
// between consecutive samples of the same PID; the first sample reads 0.
type PIDSampler struct {
	mu   sync.Mutex
	proc *gopsprocess.Process
}

// Sample implements UsageSampler.
func (s *PIDSampler) Sample(ctx context.Context, pid int) (Usage, error) {
	if pid <= 0 {
		return Usage{}, fmt.Errorf("no process to sample")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.proc == nil || s.proc.Pid != int32(pid) {
		p, err := gopsprocess.NewProcessWithContext(ctx, int32(pid))
		if err != nil {
			return Usage{}, fmt.Errorf("sample pid %d: %w", pid, err)
		}
		s.proc = p
	}

	cpu, err := s.proc.PercentWithContext(ctx, 0)
	if err != nil {
		return Usage{}, fmt.Errorf("sample pid %d cpu: %w", pid, err)
	}
	mem, err := s.proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return Usage{}, fmt.Errorf("sample pid %d memory: %w", pid, err)
	}
	return Usage{CPUPercent: cpu, MemoryBytes: mem.RSS}, nil
}

// Cgroup metric type URLs reported by containerd task metrics.
const (
	cgroupV1MetricsURL = "io.containerd.cgroups.v1.Metrics"
	cgroupV2MetricsURL = "io.containerd.cgroups.v2.Metrics"
)

// CgroupSample is the raw counter pair read from a task's cgroup.
type CgroupSample struct {
	CPUNanos    uint64
	MemoryBytes uint64
	At          time.Time
}

// decodeCgroupMetrics decodes the payload of a containerd task metric.
func decodeCgroupMetrics(typeURL string, value []byte, at time.Time) (CgroupSample, error) {
	switch trimTypeURL(typeURL) {
	case cgroupV1MetricsURL:
		var m v1.Metrics
		if err := m.Unmarshal(value); err != nil {
			return CgroupSample{}, fmt.Errorf("decode cgroup v1 metrics: %w", err)
		}
		s := CgroupSample{At: at}
		if m.CPU != nil && m.CPU.Usage != nil {
			s.CPUNanos = m.CPU.Usage.Total
		}
		if m.Memory != nil {
			s.MemoryBytes = m.Memory.RSS
			if s.MemoryBytes == 0 && m.Memory.Usage != nil {
				s.MemoryBytes = m.Memory.Usage.Usage
			}
		}
		return s, nil
	case cgroupV2MetricsURL:
		var m v2.Metrics
		if err := m.Unmarshal(value); err != nil {
			return CgroupSample{}, fmt.Errorf("decode cgroup v2 metrics: %w", err)
		}
		s := CgroupSample{At: at}
		if m.CPU != nil {
			s.CPUNanos = m.CPU.UsageUsec * 1000
		}
		if m.Memory != nil {
			s.MemoryBytes = m.Memory.Usage
		}
		return s, nil
	default:
		return CgroupSample{}, fmt.Errorf("unsupported metrics type %q", typeURL)
	}
}

func trimTypeURL(u string) string {
	for i := len(u) - 1; i >= 0; i-- {
		if u[i] == '/' {
			return u[i+1:]
		}
	}
	return u
}

// cgroupUsage turns two samples into a Usage. Without a previous sample
// CPU percent is 0.
func cgroupUsage(prev, cur CgroupSample) Usage {
	u := Usage{MemoryBytes: cur.MemoryBytes}
	if prev.At.IsZero() || !cur.At.After(prev.At) || cur.CPUNanos < prev.CPUNanos {
		return u
	}
	wall := cur.At.Sub(prev.At).Nanoseconds()
	u.CPUPercent = float64(cur.CPUNanos-prev.CPUNanos) / float64(wall) * 100
	return u
}
