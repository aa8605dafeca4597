package guardrail

import (
	"context"

	"github.com/prometheus/procfs"
)

const bytesPerMB = 1024 * 1024

// MemoryProbe reports process memory usage. ok is false when the host
// cannot report it.
type MemoryProbe interface {
	UsageMB(ctx context.Context) (usage float64, ok bool)
}

// ProcessProbe reads resident set size from procfs, which includes memory
// allocated by the embedded engine outside the Go heap.
type ProcessProbe struct {
	MountPoint string
}

func (p ProcessProbe) UsageMB(context.Context) (float64, bool) {
	fs, err := p.fs()
	if err != nil {
		return 0, false
	}
	proc, err := fs.Self()
	if err != nil {
		return 0, false
	}
	stat, err := proc.Stat()
	if err != nil {
		return 0, false
	}
	return float64(stat.ResidentMemory()) / bytesPerMB, true
}

// HostMemoryMB returns total host memory, or 0 when unknown.
func (p ProcessProbe) HostMemoryMB() int64 {
	fs, err := p.fs()
	if err != nil {
		return 0
	}
	info, err := fs.Meminfo()
	if err != nil || info.MemTotal == nil {
		return 0
	}
	return int64(*info.MemTotal / 1024)
}

func (p ProcessProbe) fs() (procfs.FS, error) {
	if p.MountPoint != "" {
		return procfs.NewFS(p.MountPoint)
	}
	return procfs.NewDefaultFS()
}

// StaticProbe reports a fixed reading. A negative value reports "unknown".
type StaticProbe float64

func (p StaticProbe) UsageMB(context.Context) (float64, bool) {
	if p < 0 {
		return 0, false
	}
	return float64(p), true
}
