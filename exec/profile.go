package exec

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"
	"github.com/shono-io/pipex/sdk"
)

const DefaultProfileInterval = time.Second

// profiler samples the memory and cpu of a process tree until stopped.
type profiler struct {
	interval time.Duration
	log      zerolog.Logger

	mu       sync.Mutex
	peak     float64
	totalCPU float64
	samples  int

	stop chan struct{}
	done chan struct{}
}

func startProfiler(ctx context.Context, pid int, interval time.Duration) *profiler {
	if interval <= 0 {
		interval = DefaultProfileInterval
	}
	p := &profiler{
		interval: interval,
		log:      *zerolog.Ctx(ctx),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go p.run(int32(pid))
	return p
}

func (p *profiler) run(pid int32) {
	defer close(p.done)

	root, err := process.NewProcess(pid)
	if err != nil {
		p.log.Debug().Err(err).Int32("pid", pid).Msg("unable to profile process")
		return
	}
	tracked := map[int32]*process.Process{pid: root}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		if !p.sample(root, tracked) {
			return
		}
		select {
		case <-p.stop:
			return
		case <-ticker.C:
		}
	}
}

// sample takes one reading over the root and every descendant seen so far.
// It returns false once the root is gone.
func (p *profiler) sample(root *process.Process, tracked map[int32]*process.Process) bool {
	if running, err := root.IsRunning(); err != nil || !running {
		return false
	}
	if children, err := root.Children(); err == nil {
		for _, c := range children {
			if _, fnd := tracked[c.Pid]; !fnd {
				tracked[c.Pid] = c
			}
		}
	}

	var memMB, cpu float64
	for pid, proc := range tracked {
		mi, err := proc.MemoryInfo()
		if err != nil {
			delete(tracked, pid)
			continue
		}
		memMB += float64(mi.RSS) / (1024 * 1024)
		if pct, err := proc.Percent(0); err == nil {
			cpu += pct
		}
	}

	p.mu.Lock()
	if memMB > p.peak {
		p.peak = memMB
	}
	p.totalCPU += cpu
	p.samples++
	p.mu.Unlock()
	return true
}

// Stop ends sampling and returns what was collected.
func (p *profiler) Stop() *sdk.Usage {
	close(p.stop)
	<-p.done

	p.mu.Lock()
	defer p.mu.Unlock()
	u := &sdk.Usage{PeakMemoryMB: p.peak, Samples: p.samples}
	if p.samples > 0 {
		u.AvgCPU = p.totalCPU / float64(p.samples)
	}
	return u
}
