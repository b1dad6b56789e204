package segmentpipe

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/asticode/go-astits"
	"github.com/shirou/gopsutil/v3/process"
)

// Remuxer converts decrypted fMP4 bytes to MPEG-TS.
type Remuxer interface {
	Remux(ctx context.Context, fmp4 []byte) ([]byte, error)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// validMPEGTS sanity-checks out as a well-formed MPEG-TS stream (sync byte
// present, and a PAT plus PMT seen), per SPEC_FULL.md §4.14's astits-backed
// corruption check: a corrupted ffmpeg remux is detected here so the
// pipeline can fall back to serving the raw fMP4 instead.
func validMPEGTS(out []byte) bool {
	if len(out) == 0 || out[0] != 0x47 {
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	dmx := astits.NewDemuxer(ctx, bytes.NewReader(out))
	sawPAT, sawPMT := false, false
	for {
		data, err := dmx.NextData()
		if err != nil {
			break
		}
		if data.PAT != nil {
			sawPAT = true
		}
		if data.PMT != nil {
			sawPMT = true
		}
		if sawPAT && sawPMT {
			return true
		}
	}
	return sawPAT && sawPMT
}

// SubprocessRemuxer shells out to a local ffmpeg binary per segment.
// Grounded on original_source/services/hls_proxy.py's _remux_to_ts: same
// flag set (-copyts, h264_mp4toannexb/aac_adtstoasc bitstream filters,
// stdin/stdout pipes) and the same pipe-race workaround (a non-zero exit
// code is ignored as long as stdout produced bytes).
type SubprocessRemuxer struct {
	ffmpegPath string
	logger     *slog.Logger
	monitor    *ProcessMonitor
}

// NewSubprocessRemuxer builds a SubprocessRemuxer. ffmpegPath defaults to
// "ffmpeg" (resolved via PATH) when empty. monitor may be nil.
func NewSubprocessRemuxer(ffmpegPath string, logger *slog.Logger, monitor *ProcessMonitor) *SubprocessRemuxer {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	return &SubprocessRemuxer{ffmpegPath: ffmpegPath, logger: logger, monitor: monitor}
}

func (r *SubprocessRemuxer) Remux(ctx context.Context, fmp4 []byte) ([]byte, error) {
	cmd := exec.CommandContext(ctx, r.ffmpegPath,
		"-y",
		"-i", "pipe:0",
		"-c", "copy",
		"-copyts",
		"-bsf:v", "h264_mp4toannexb",
		"-bsf:a", "aac_adtstoasc",
		"-f", "mpegts",
		"pipe:1",
	)
	cmd.Stdin = bytes.NewReader(fmp4)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if r.monitor != nil {
		r.monitor.trackStart()
		defer r.monitor.trackEnd()
	}

	runErr := cmd.Run()

	if stdout.Len() > 0 {
		if runErr != nil && r.logger != nil {
			r.logger.DebugContext(ctx, "ffmpeg remux exited non-zero but produced output, accepting as a pipe-race workaround",
				slog.String("stderr", truncate(stderr.String(), 200)))
		}
		if !validMPEGTS(stdout.Bytes()) {
			return nil, fmt.Errorf("segmentpipe: remux output failed MPEG-TS sanity check")
		}
		return stdout.Bytes(), nil
	}

	if runErr != nil {
		return nil, fmt.Errorf("segmentpipe: ffmpeg remux failed: %w: %s", runErr, truncate(stderr.String(), 500))
	}
	return stdout.Bytes(), nil
}

// ProcessStats reports the remux subprocess pool's live resource usage, for
// the /debug/relay/stats diagnostic endpoint.
type ProcessStats struct {
	ActiveRemuxes int
	SelfRSSBytes  uint64
	SelfFDCount   int32
}

// ProcessMonitor tracks the number of in-flight SubprocessRemuxer.Remux
// calls and this process's own memory/fd footprint, grounded on
// internal/http/handlers/health.go's gopsutil/v3/process usage.
type ProcessMonitor struct {
	mu     sync.Mutex
	active int
}

// NewProcessMonitor builds an empty ProcessMonitor.
func NewProcessMonitor() *ProcessMonitor {
	return &ProcessMonitor{}
}

func (m *ProcessMonitor) trackStart() {
	m.mu.Lock()
	m.active++
	m.mu.Unlock()
}

func (m *ProcessMonitor) trackEnd() {
	m.mu.Lock()
	m.active--
	m.mu.Unlock()
}

// Stats returns the current resource snapshot. gopsutil errors are
// swallowed: a stats endpoint degrading to zeroes is preferable to failing.
func (m *ProcessMonitor) Stats() ProcessStats {
	m.mu.Lock()
	active := m.active
	m.mu.Unlock()

	stats := ProcessStats{ActiveRemuxes: active}

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return stats
	}
	if memInfo, err := proc.MemoryInfo(); err == nil && memInfo != nil {
		stats.SelfRSSBytes = memInfo.RSS
	}
	if fds, err := proc.NumFDs(); err == nil {
		stats.SelfFDCount = fds
	}
	return stats
}
