// Package quota estimates how much host storage the cache may use.
package quota

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v4/disk"

	"goflare.io/armodel/models"
)

const (
	MB = 1024 * 1024

	// MinRecommended and MaxRecommended bound Recommend.
	MinRecommended = 10 * MB
	MaxRecommended = 500 * MB

	// SharePercent is the part of available storage the cache claims.
	SharePercent = 5
)

// Estimate is a snapshot of host storage.
type Estimate struct {
	QuotaBytes int64
	UsedBytes  int64
}

// Available returns the unused part of the quota.
func (e Estimate) Available() int64 {
	if e.UsedBytes >= e.QuotaBytes {
		return 0
	}
	return e.QuotaBytes - e.UsedBytes
}

// Probe asks the host for its storage quota. Hosts without support return
// models.ErrUnsupported.
type Probe interface {
	Estimate(ctx context.Context) (Estimate, error)
}

// ProbeFunc adapts a function to Probe.
type ProbeFunc func(ctx context.Context) (Estimate, error)

// Estimate calls f.
func (f ProbeFunc) Estimate(ctx context.Context) (Estimate, error) {
	return f(ctx)
}

// Recommend returns the cache budget for e: five percent of the available
// storage clamped to [MinRecommended, MaxRecommended].
func Recommend(e Estimate) int64 {
	size := e.Available() / 100 * SharePercent
	switch {
	case size < MinRecommended:
		return MinRecommended
	case size > MaxRecommended:
		return MaxRecommended
	default:
		return size
	}
}

// DiskProbe reports the filesystem holding Path.
type DiskProbe struct {
	Path string
}

// NewDiskProbe probes the filesystem that contains path.
func NewDiskProbe(path string) *DiskProbe {
	return &DiskProbe{Path: path}
}

// Estimate reads filesystem usage with gopsutil.
func (p *DiskProbe) Estimate(ctx context.Context) (Estimate, error) {
	if p.Path == "" {
		return Estimate{}, fmt.Errorf("%w: no path to probe", models.ErrUnsupported)
	}

	usage, err := disk.UsageWithContext(ctx, p.Path)
	if err != nil {
		return Estimate{}, fmt.Errorf("failed to read disk usage of %s: %w", p.Path, err)
	}
	if usage.Total == 0 {
		return Estimate{}, fmt.Errorf("%w: %s reports no capacity", models.ErrUnsupported, p.Path)
	}

	return Estimate{
		QuotaBytes: int64(usage.Total),
		UsedBytes:  int64(usage.Total - usage.Free),
	}, nil
}
