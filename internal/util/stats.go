package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide link/traffic counter.
var Stats = &stats{}

type stats struct {
	LinksUp   atomic.Int64 // cumulative count of sessions promoted to links
	LinksDown atomic.Int64 // cumulative count of links that terminated
	MsgsSent  atomic.Int64 // messages written to channels
	MsgsRecv  atomic.Int64 // messages dispatched from channels
	BytesSent atomic.Int64 // payload bytes written to channels
	BytesRecv atomic.Int64 // payload bytes read from channels
}

func (s *stats) AddLink()    { s.LinksUp.Add(1) }
func (s *stats) RemoveLink() { s.LinksDown.Add(1) }

func (s *stats) AddSent(n int) {
	s.MsgsSent.Add(1)
	s.BytesSent.Add(int64(n))
}

func (s *stats) AddRecv(n int) {
	s.MsgsRecv.Add(1)
	s.BytesRecv.Add(int64(n))
}

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs mesh statistics every
// interval. It stays quiet while nothing changes and stops when ctx is
// cancelled.
func StartStatsReporter(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		var prevSent, prevRecv, prevUp, prevDown int64
		for {
			select {
			case <-ticker.C:
				up := Stats.LinksUp.Load()
				down := Stats.LinksDown.Load()
				sent := Stats.BytesSent.Load()
				recv := Stats.BytesRecv.Load()

				secs := interval.Seconds()
				outS := float64(sent-prevSent) / secs
				inS := float64(recv-prevRecv) / secs
				upC := up - prevUp
				downC := down - prevDown

				if upC > 0 || downC > 0 || inS > 10 || outS > 10 {
					pterm.DefaultLogger.Info(formatStats(inS, outS, up-down, upC, downC))
				}

				prevSent = sent
				prevRecv = recv
				prevUp = up
				prevDown = down

			case <-ctx.Done():
				return
			}
		}
	}()
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// formatBytes formats a byte count into a fixed-width (8 chars) string,
// for example: "99.0   B", " 1.5 KiB", " 0.1 MiB".
func formatBytes(b float64) string {
	unitIdx := 0

	// to prevent "100.0 KiB", which is 9 chars
	for b > 99 && unitIdx < 5 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

// formatStats returns a formatted summary line for the logger.
func formatStats(inS, outS float64, live, upC, downC int64) string {
	return fmt.Sprintf("In: %s/s | Out: %s/s | Links: %2d (%2d↑ %2d↓)",
		formatBytes(inS),
		formatBytes(outS),
		live,
		upC,
		downC,
	)
}
