package main

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/schollz/progressbar/v3"

	"github.com/John-Robertt/korpus/internal/app/run"
	"github.com/John-Robertt/korpus/internal/config"
	"github.com/John-Robertt/korpus/internal/domain"
)

var _ run.Observer = (*progressUI)(nil)

// progressUI 把 run 层的事件渲染成终端输出。
//
// - 过程信息写到 w（stderr），stdout 只留给报告
// - 交互终端用进度条；非交互时逐文件打印一行，并在长时间无输出时打印 keepalive
type progressUI struct {
	w   io.Writer
	out io.Writer // 分析结果

	interactive bool

	mu          sync.Mutex
	startedAt   time.Time
	lastPrinted time.Time

	bar *progressbar.ProgressBar

	workers int
	total   int
	done    int
	ok      int
	fail    int
	bytes   int64

	keepaliveThreshold time.Duration
	tickerInterval     time.Duration

	stopCh        chan struct{}
	tickerStarted bool
}

func newProgressUI(w, out io.Writer, interactive bool) *progressUI {
	return &progressUI{
		w:                  w,
		out:                out,
		interactive:        interactive,
		keepaliveThreshold: 6 * time.Second,
		tickerInterval:     2 * time.Second,
	}
}

func (p *progressUI) OnStart(cfg config.Config) {
	now := time.Now()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.startedAt.IsZero() {
		p.startedAt = now
	}

	mode := cfg.Mode
	if cfg.DryRun {
		mode += ", dry-run"
	}
	fmt.Fprintf(p.w, "[%s] korpus run (%s)\n", now.Format("15:04:05"), mode)
	fmt.Fprintln(p.w, "配置（生效）:")
	if cfg.ConfigFile != "" {
		fmt.Fprintf(p.w, "  config: %s\n", cfg.ConfigFile)
	}
	if cfg.Downloads() {
		fmt.Fprintf(p.w, "  page_url: %s\n", truncate(cfg.PageURL, 120))
		fmt.Fprintf(p.w, "  base_url: %s\n", truncate(cfg.BaseURL, 120))
		fmt.Fprintf(p.w, "  verify: %s\n", cfg.Trust)
		fmt.Fprintf(p.w, "  root: %s\n", cfg.Root)
		fmt.Fprintf(p.w, "  concurrency: %d\n", cfg.Concurrency)
		fmt.Fprintf(p.w, "  text_columns: %d\n", cfg.TextColumns)
		fmt.Fprintf(p.w, "  ffprobe: %s\n", orOff(cfg.FFProbePath))
		fmt.Fprintf(p.w, "  timeouts: download_idle=%s probe=%s\n", cfg.DownloadIdleTimeout, cfg.ProbeTimeout)
	}
	fmt.Fprintf(p.w, "  index: %s\n", cfg.IndexPath)
	if cfg.SQLitePath != "" {
		fmt.Fprintf(p.w, "  sqlite: %s\n", cfg.SQLitePath)
	}
	if cfg.Analyzes() {
		fmt.Fprintf(p.w, "  duration_column: %s\n", cfg.DurationColumn)
	}
	fmt.Fprintln(p.w)

	p.lastPrinted = time.Now()
}

func (p *progressUI) OnPhaseDone(name string, fields map[string]any, dur time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.clearBarLocked()
	switch name {
	case "discover":
		fmt.Fprintf(p.w, "发现: rows=%d records=%d parse_errors=%d files=%d (%s)\n",
			intField(fields, "rows"),
			intField(fields, "records"),
			intField(fields, "parse_errors"),
			intField(fields, "files"),
			formatShortDuration(dur),
		)
	case "plan":
		fmt.Fprintf(p.w, "盘点: targets=%d present=%d (%s) missing=%d conflicts=%d invalid=%d orphans=%d stale_temps=%d (%s)\n",
			intField(fields, "targets"),
			intField(fields, "present"),
			humanize.Bytes(uint64(intField(fields, "present_bytes"))),
			intField(fields, "missing"),
			intField(fields, "conflicts"),
			intField(fields, "invalid"),
			intField(fields, "orphans"),
			intField(fields, "stale_temps"),
			formatShortDuration(dur),
		)
	case "exec":
		p.workers = intField(fields, "workers")
		p.total = intField(fields, "files")
		fmt.Fprintf(p.w, "执行: workers=%d files=%d\n\n", p.workers, p.total)
		if p.total > 0 {
			if p.interactive {
				p.bar = newBar(p.w, p.total)
			} else if !p.tickerStarted {
				p.startTickerLocked()
			}
		}
	case "persist":
		p.finishLocked()
		fmt.Fprintf(p.w, "\n写入索引: rows=%d -> %s (%s)\n",
			intField(fields, "rows"), stringField(fields, "index"), formatShortDuration(dur),
		)
		if s := stringField(fields, "sqlite"); s != "" {
			fmt.Fprintf(p.w, "  sqlite: %s\n", s)
		}
	case "analyze":
		fmt.Fprintf(p.w, "分析: rows=%d durations=%d (%s)\n",
			intField(fields, "rows"), intField(fields, "durations"), formatShortDuration(dur),
		)
	default:
		// 兜底：未知阶段也不要静默。
		fmt.Fprintf(p.w, "%s (%s)\n", name, formatShortDuration(dur))
	}
	p.redrawBarLocked()

	p.lastPrinted = time.Now()
}

func (p *progressUI) OnFileDone(idx, total int, row domain.IndexRow, dur time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.done = idx
	p.total = total
	if row.Outcome.Status == domain.MirrorFailed {
		p.fail++
	} else {
		p.ok++
		p.bytes += row.Outcome.Bytes
	}

	if p.bar != nil {
		p.bar.Describe(truncate(row.Key, 32))
		_ = p.bar.Add(1)
		if row.Outcome.Status == domain.MirrorFailed {
			// 失败必须单独可见，不能只体现在进度条里。
			p.clearBarLocked()
			fmt.Fprintf(p.w, "[%d/%d] %s FAIL %s: %s\n", idx, total, row.Key, row.URL, truncate(row.Outcome.Reason, 160))
			p.redrawBarLocked()
		}
	} else {
		fmt.Fprintf(p.w, "[%d/%d] %s %s %s (%s)\n",
			idx, total, row.Key, fileStatus(row), truncate(fileDetail(row), 160), formatShortDuration(dur),
		)
	}

	p.lastPrinted = time.Now()

	// 最后一个文件：停止 ticker，避免结束后又冒出 keepalive。
	if p.done >= p.total {
		p.stopTickerLocked()
	}
}

func (p *progressUI) OnAnalysis(text string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.finishLocked()
	fmt.Fprint(p.out, text)
	p.lastPrinted = time.Now()
}

// Close 停止后台 ticker 并收起进度条（运行被取消时 OnFileDone 可能到不了 total）。
func (p *progressUI) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.finishLocked()
}

func (p *progressUI) finishLocked() {
	p.stopTickerLocked()
	if p.bar != nil {
		_ = p.bar.Finish()
		fmt.Fprintln(p.w)
		p.bar = nil
	}
}

func (p *progressUI) clearBarLocked() {
	if p.bar != nil {
		_ = p.bar.Clear()
	}
}

func (p *progressUI) redrawBarLocked() {
	if p.bar != nil {
		_ = p.bar.RenderBlank()
	}
}

func (p *progressUI) stopTickerLocked() {
	if p.tickerStarted {
		close(p.stopCh)
		p.tickerStarted = false
	}
}

func (p *progressUI) startTickerLocked() {
	p.stopCh = make(chan struct{})
	p.tickerStarted = true
	stop := p.stopCh

	interval := p.tickerInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	threshold := p.keepaliveThreshold
	if threshold <= 0 {
		threshold = 6 * time.Second
	}

	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()

		for {
			select {
			case <-t.C:
				p.mu.Lock()
				if p.total > 0 && time.Since(p.lastPrinted) > threshold {
					fmt.Fprintf(p.w, "进度: done=%d/%d ok=%d fail=%d size=%s elapsed=%s\n",
						p.done, p.total, p.ok, p.fail, humanize.Bytes(uint64(p.bytes)), formatElapsed(time.Since(p.startedAt)),
					)
					p.lastPrinted = time.Now()
				}
				p.mu.Unlock()
			case <-stop:
				return
			}
		}
	}()
}

func newBar(w io.Writer, total int) *progressbar.ProgressBar {
	return progressbar.NewOptions(total,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription("mirror"),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(30),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionThrottle(100*time.Millisecond),
	)
}

func fileStatus(row domain.IndexRow) string {
	switch row.Outcome.Status {
	case domain.MirrorDownloaded:
		return "OK"
	case domain.MirrorAlreadyPresent:
		return "SKIP"
	case domain.MirrorFailed:
		return "FAIL"
	default:
		return strings.ToUpper(row.Outcome.Status)
	}
}

func fileDetail(row domain.IndexRow) string {
	if row.Outcome.Status == domain.MirrorFailed {
		return row.URL + ": " + row.Outcome.Reason
	}
	s := row.LocalPath + " " + humanize.Bytes(uint64(row.Outcome.Bytes))
	if row.Meta != nil && row.Meta.Duration > 0 {
		s += fmt.Sprintf(" %.1fs", row.Meta.Duration)
	}
	return s
}

func orOff(s string) string {
	if strings.TrimSpace(s) == "" {
		return "off"
	}
	return s
}

func truncate(s string, max int) string {
	s = strings.TrimSpace(s)
	if max <= 0 || len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}

func formatShortDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	return fmt.Sprintf("%.1fs", d.Seconds())
}

func formatElapsed(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	sec := int(d.Seconds())
	h := sec / 3600
	m := (sec % 3600) / 60
	s := sec % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

func intField(fields map[string]any, key string) int {
	switch x := fields[key].(type) {
	case int:
		return x
	case int64:
		return int(x)
	default:
		return 0
	}
}

func stringField(fields map[string]any, key string) string {
	s, _ := fields[key].(string)
	return s
}
