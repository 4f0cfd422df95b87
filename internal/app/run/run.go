package run

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/John-Robertt/korpus/internal/analysis"
	"github.com/John-Robertt/korpus/internal/app"
	"github.com/John-Robertt/korpus/internal/app/planner"
	"github.com/John-Robertt/korpus/internal/config"
	"github.com/John-Robertt/korpus/internal/discover"
	"github.com/John-Robertt/korpus/internal/domain"
	"github.com/John-Robertt/korpus/internal/index"
	"github.com/John-Robertt/korpus/internal/infra/cache"
	"github.com/John-Robertt/korpus/internal/infra/httpx"
	"github.com/John-Robertt/korpus/internal/mirror"
	"github.com/John-Robertt/korpus/internal/probe"
	"github.com/John-Robertt/korpus/internal/scan"
)

// LoadError 表示 analyze 模式无法读取已有索引。
type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string { return fmt.Sprintf("读取索引失败：%q：%v", e.Path, e.Err) }
func (e *LoadError) Unwrap() error { return e.Err }

// Execute 执行一次运行，返回对外稳定的 RunReport。
//
// 单个文件的失败记录在索引与报告中，不会让 Execute 返回 error；
// 只有整次运行的前置条件不满足时才返回 error：
// - 源页面不可用（*discover.FetchError）
// - 索引无法写入（*index.PersistError）
// - analyze 模式读不到索引（*LoadError）
// - 运行被取消（ctx.Err()）：此时不覆盖已有索引
func Execute(ctx context.Context, cfg config.Config) (domain.RunReport, error) {
	return ExecuteWithObserver(ctx, cfg, nil)
}

// ExecuteWithObserver 与 Execute 相同，但允许传入 Observer 以输出进度/阶段信息（由上层决定是否启用）。
func ExecuteWithObserver(ctx context.Context, cfg config.Config, obs Observer) (domain.RunReport, error) {
	if obs == nil {
		obs = nopObserver{}
	}
	log := zap.S().Named("run")

	rr := domain.RunReport{
		RunID:     uuid.NewString(),
		Mode:      cfg.Mode,
		DryRun:    cfg.DryRun,
		PageURL:   cfg.PageURL,
		Root:      cfg.Root,
		IndexPath: cfg.IndexPath,
		StartedAt: time.Now(),
	}
	obs.OnStart(cfg)
	log.Debugw("run started", "run_id", rr.RunID, "mode", cfg.Mode, "dry_run", cfg.DryRun)

	finish := func(rows []domain.IndexRow, err error) (domain.RunReport, error) {
		rr.FinishedAt = time.Now()
		rr.Finalize(rows)
		return rr, err
	}

	var table domain.Table
	if cfg.Downloads() {
		t, err := acquire(ctx, cfg, obs, &rr)
		if err != nil {
			return finish(t.Rows, err)
		}
		table = t
	}

	if cfg.Analyzes() && !cfg.DryRun {
		started := time.Now()
		if !cfg.Downloads() {
			t, err := index.Load(cfg.IndexPath)
			if err != nil {
				return finish(nil, &LoadError{Path: cfg.IndexPath, Err: err})
			}
			table = t
			rr.Summary.Discovered = countKeys(t.Rows)
		}

		var buf bytes.Buffer
		opts := analysis.Options{
			DurationColumn: cfg.DurationColumn,
			CountFields:    analysis.DefaultCountFields(table.Header),
		}
		if err := analysis.Write(&buf, table, opts); err != nil {
			return finish(table.Rows, err)
		}
		obs.OnAnalysis(buf.String())
		obs.OnPhaseDone("analyze", map[string]any{
			"rows":      len(table.Rows),
			"durations": analysis.DurationStats(table, cfg.DurationColumn).Count,
		}, time.Since(started))
	}

	return finish(table.Rows, nil)
}

// acquire 是采集阶段：发现 -> 盘点 -> 镜像/元数据（worker pool）-> 持久化。
func acquire(ctx context.Context, cfg config.Config, obs Observer, rr *domain.RunReport) (domain.Table, error) {
	log := zap.S().Named("run")

	pageClient, err := httpx.NewPageClient(cfg.Trust)
	if err != nil {
		return domain.Table{}, err
	}
	dlClient, err := httpx.NewDownloadClient(cfg.Trust)
	if err != nil {
		return domain.Table{}, err
	}

	// 发现阶段：整页只抓取一次。
	started := time.Now()
	page, err := discover.New(pageClient, discover.Options{
		PageURL:     cfg.PageURL,
		BaseURL:     cfg.BaseURL,
		TextColumns: cfg.TextColumns,
	}).Discover(ctx)
	if err != nil {
		return domain.Table{}, err
	}

	store := cache.New(cfg.Root, cfg.DryRun)
	if prev, ok, err := store.ReadPage(cfg.PageURL); err == nil && ok && !bytes.Equal(prev, page.HTML) {
		log.Infow("源页面与上次快照不同", "page_url", cfg.PageURL)
	}
	if err := store.WritePage(cfg.PageURL, page.HTML); err != nil && !errors.Is(err, cache.ErrReadOnly) {
		log.Warnw("保存页面快照失败", "error", err)
	}

	// 记录序列可重复遍历：盘点与构建各自从头遍历，解析错误只在构建阶段上报。
	records := app.AssignKeys(page.Records())
	var nRecords, nParseErrors, nFiles int
	for rec, err := range records {
		if err != nil {
			nParseErrors++
			continue
		}
		nRecords++
		nFiles += len(rec.Files)
	}
	rr.Summary.Discovered = nRecords
	rr.Summary.ParseErrors = nParseErrors
	obs.OnPhaseDone("discover", map[string]any{
		"rows":         page.Len(),
		"records":      nRecords,
		"parse_errors": nParseErrors,
		"files":        nFiles,
	}, time.Since(started))

	started = time.Now()
	reserved := reservedPaths(cfg)
	plan := planner.Build(cfg.Root, records, reserved...)
	rr.Plan = &domain.PlanSummary{
		Targets:      plan.Total(),
		Present:      plan.Present,
		PresentBytes: plan.PresentBytes,
		Missing:      plan.Missing,
		Conflicts:    plan.Conflicts,
		Invalid:      plan.Invalid,
	}
	if audit, err := auditRoot(cfg, plan); err != nil {
		log.Warnw("扫描镜像目录失败", "root", cfg.Root, "error", err)
	} else {
		rr.Plan.Orphans = len(audit.Orphans)
		rr.Plan.StaleTemps = len(audit.StaleTemps)
		for _, p := range audit.StaleTemps {
			log.Warnw("发现中断写入留下的临时文件", "path", p)
		}
	}
	obs.OnPhaseDone("plan", map[string]any{
		"targets":       plan.Total(),
		"present":       plan.Present,
		"present_bytes": plan.PresentBytes,
		"missing":       plan.Missing,
		"conflicts":     plan.Conflicts,
		"invalid":       plan.Invalid,
		"orphans":       rr.Plan.Orphans,
		"stale_temps":   rr.Plan.StaleTemps,
	}, time.Since(started))
	if cfg.DryRun {
		return domain.Table{}, nil
	}

	started = time.Now()
	mw := mirror.New(dlClient, cfg.Root)
	mw.IdleTimeout = cfg.DownloadIdleTimeout
	mw.Reserve(reserved...)
	b := &index.Builder{
		Mirror:  mw,
		Probe:   probe.New(cfg.FFProbePath, cfg.ProbeTimeout),
		Workers: cfg.Concurrency,
		OnParseError: func(err error) {
			log.Warnw("跳过无法解析的行", "error", err)
		},
		OnFile: func(done int, row domain.IndexRow, dur time.Duration) {
			if row.Outcome.Status == domain.MirrorFailed {
				log.Warnw("镜像失败", "key", row.Key, "url", row.URL, "reason", row.Outcome.Reason)
			}
			obs.OnFileDone(done, nFiles, row, dur)
		},
	}
	obs.OnPhaseDone("exec", map[string]any{
		"workers": cfg.Concurrency,
		"files":   nFiles,
	}, 0)
	table, _, err := b.Build(ctx, records)
	if err != nil {
		// 被取消：已处理的文件各自原子落盘，但索引不覆盖（整体成功才替换）。
		return table, err
	}
	log.Debugw("mirror finished", "rows", len(table.Rows), "elapsed", time.Since(started))

	started = time.Now()
	if err := index.Persist(table, cfg.IndexPath); err != nil {
		return table, err
	}
	if cfg.SQLitePath != "" {
		if err := index.PersistSQLite(table, cfg.SQLitePath); err != nil {
			return table, err
		}
	}
	obs.OnPhaseDone("persist", map[string]any{
		"rows":   len(table.Rows),
		"index":  cfg.IndexPath,
		"sqlite": cfg.SQLitePath,
	}, time.Since(started))
	return table, nil
}

// reservedPaths 是运行自身会写入的位置：页面中的文件链接不能落在这些路径上。
func reservedPaths(cfg config.Config) []string {
	out := []string{cfg.IndexPath, filepath.Join(cfg.Root, "cache")}
	if cfg.SQLitePath != "" {
		out = append(out, cfg.SQLitePath, cfg.SQLitePath+"-journal", cfg.SQLitePath+"-wal", cfg.SQLitePath+"-shm")
	}
	return out
}

// auditRoot 对比镜像根目录与本次引用的路径：找出不再被引用的文件和中断写入的残留。
func auditRoot(cfg config.Config, plan planner.Plan) (scan.Audit, error) {
	files, err := scan.Files(cfg.Root, []string{cfg.IndexPath, cfg.SQLitePath})
	if err != nil {
		return scan.Audit{}, err
	}
	referenced := make(map[string]struct{}, len(plan.Targets))
	for _, t := range plan.Targets {
		if t.LocalPath != "" {
			referenced[t.LocalPath] = struct{}{}
		}
	}
	return scan.Compare(files, referenced), nil
}

func countKeys(rows []domain.IndexRow) int {
	seen := make(map[string]struct{}, len(rows))
	for _, r := range rows {
		seen[r.Key] = struct{}{}
	}
	return len(seen)
}
