package transfer

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// logInterval is the minimum wall-clock gap between progress log
// lines, per §4.5's "≥5 seconds" cadence.
const logInterval = 5 * time.Second

// Progress aggregates bytes reported between calls and emits a
// structured log line no more often than logInterval. It is safe for
// concurrent use: UploadStream reports from its part-upload worker
// goroutines, DownloadStream from its sequential write loop.
type Progress struct {
	mu            sync.Mutex
	log           zerolog.Logger
	correlationID string
	total         int64
	transferred   int64
	start         time.Time
	lastLog       time.Time
	lastLogBytes  int64

	nowFn func() time.Time
}

// New returns a Progress that logs against log, tagged with a fresh
// correlation ID, for a transfer of total bytes.
func New(log zerolog.Logger, total int64) *Progress {
	now := time.Now()
	id := uuid.NewString()

	return &Progress{
		log:           log.With().Str("transfer_id", id).Logger(),
		correlationID: id,
		total:         total,
		start:         now,
		lastLog:       now,
		nowFn:         time.Now,
	}
}

// CorrelationID returns the uuid tagging every log line this Progress
// emits.
func (p *Progress) CorrelationID() string {
	return p.correlationID
}

// Callback returns a func(int64) suitable for UploadStream /
// DownloadStream's progress parameter.
func (p *Progress) Callback() func(int64) {
	return p.Report
}

// Report records n additional transferred bytes and, if logInterval
// has elapsed since the last line, emits one.
func (p *Progress) Report(n int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.transferred += n

	now := p.nowFn()
	elapsed := now.Sub(p.lastLog)
	if elapsed < logInterval {
		return
	}

	p.logLocked(now, elapsed)
}

// Finish emits a final progress line unconditionally, so a transfer
// shorter than logInterval still produces one line of evidence.
func (p *Progress) Finish() {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.nowFn()
	p.logLocked(now, now.Sub(p.lastLog))
}

func (p *Progress) logLocked(now time.Time, sinceLast time.Duration) {
	deltaBytes := p.transferred - p.lastLogBytes
	mbps := 0.0
	if sinceLast > 0 {
		mbps = float64(deltaBytes) / (1024 * 1024) / sinceLast.Seconds()
	}

	pct := 0.0
	if p.total > 0 {
		pct = 100 * float64(p.transferred) / float64(p.total)
	}

	p.log.Info().
		Float64("percent", pct).
		Float64("mbps", mbps).
		Float64("transferred_mb", float64(p.transferred)/(1024*1024)).
		Float64("total_mb", float64(p.total)/(1024*1024)).
		Float64("elapsed_min", now.Sub(p.start).Minutes()).
		Msg("transfer progress")

	p.lastLog = now
	p.lastLogBytes = p.transferred
}
