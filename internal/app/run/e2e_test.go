package run

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/John-Robertt/korpus/internal/config"
	"github.com/John-Robertt/korpus/internal/discover"
	"github.com/John-Robertt/korpus/internal/domain"
	"github.com/John-Robertt/korpus/internal/index"
)

// corpusSite 模拟源站：/meinedgs/ling/start.html 是表格页，/meinedgs/korpus/ 下是文件。
type corpusSite struct {
	*httptest.Server
	downloads atomic.Int32
	rows      int
	badRow    int
	missing   string
}

func newCorpusSite(t *testing.T, rows, badRow int, missing string) *corpusSite {
	t.Helper()
	s := &corpusSite{rows: rows, badRow: badRow, missing: missing}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Close)
	return s
}

func (s *corpusSite) serve(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/meinedgs/ling/start.html":
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(s.page()))
	case strings.HasPrefix(r.URL.Path, "/meinedgs/korpus/"):
		s.downloads.Add(1)
		name := filepath.Base(r.URL.Path)
		if name == s.missing {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("content of " + name + "\n"))
	default:
		http.NotFound(w, r)
	}
}

func (s *corpusSite) page() string {
	var b strings.Builder
	b.WriteString("<html><body><table>\n<tr><th>Transcript</th><th>Age Group</th><th>Format</th><th>Topics</th><th>SRT</th><th>Video Total</th></tr>\n")
	for i := 0; i < s.rows; i++ {
		if i == s.badRow {
			b.WriteString("<tr><td>broken</td></tr>\n")
			continue
		}
		// 每两行共用一个 Transcript，检验 key 的出现次序。
		fmt.Fprintf(&b, `<tr><td>t%d</td><td>18-30</td><td>free</td><td><a href="#">Food</a></td>`+
			`<td><a href="../korpus/r%[2]d.srt">srt</a></td><td><a href="../korpus/r%[2]d.txt">video</a></td></tr>`+"\n", i/2, i)
	}
	b.WriteString("</table></body></html>")
	return b.String()
}

func (s *corpusSite) config(root string) config.Config {
	return config.Config{
		PageURL:        s.URL + "/meinedgs/ling/start.html",
		BaseURL:        s.URL + "/meinedgs/",
		Trust:          config.DefaultTrust(),
		Root:           root,
		IndexPath:      filepath.Join(root, config.DefaultIndexName),
		Mode:           domain.ModeDownload,
		Concurrency:    4,
		TextColumns:    4,
		DurationColumn: config.DefaultDurationColumn,
	}
}

func TestExecute_SecondRunIsIdempotent(t *testing.T) {
	site := newCorpusSite(t, 6, -1, "")
	root := t.TempDir()
	cfg := site.config(root)

	rr1, err := Execute(context.Background(), cfg)
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if rr1.Summary.Downloaded != 12 || rr1.Summary.Failed != 0 {
		t.Fatalf("第一次运行应下载 12 个文件：%+v", rr1.Summary)
	}
	first, err := index.Load(cfg.IndexPath)
	if err != nil {
		t.Fatalf("读取索引失败：%v", err)
	}

	before := site.downloads.Load()
	rr2, err := Execute(context.Background(), cfg)
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if got := site.downloads.Load(); got != before {
		t.Fatalf("第二次运行不应下载任何文件：%d -> %d", before, got)
	}
	if rr2.Summary.AlreadyPresent != 12 || rr2.Summary.Downloaded != 0 {
		t.Fatalf("第二次运行应全部 already_present：%+v", rr2.Summary)
	}

	second, err := index.Load(cfg.IndexPath)
	if err != nil {
		t.Fatalf("读取索引失败：%v", err)
	}
	if len(first.Rows) != len(second.Rows) {
		t.Fatalf("行数不一致：%d vs %d", len(first.Rows), len(second.Rows))
	}
	for i := range first.Rows {
		a, b := first.Rows[i], second.Rows[i]
		if a.Key != b.Key || a.URL != b.URL || a.LocalPath != b.LocalPath || a.Outcome.Bytes != b.Outcome.Bytes {
			t.Fatalf("第 %d 行不一致：\n%+v\n%+v", i, a, b)
		}
		if b.Outcome.Status != domain.MirrorAlreadyPresent {
			t.Fatalf("第 %d 行状态应为 already_present：%q", i, b.Outcome.Status)
		}
	}

	// 之后的运行字节级一致。
	b2, _ := os.ReadFile(cfg.IndexPath)
	if _, err := Execute(context.Background(), cfg); err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	b3, _ := os.ReadFile(cfg.IndexPath)
	if string(b2) != string(b3) {
		t.Fatalf("稳定状态下索引应字节一致")
	}

	if first.Rows[0].Key != "t0__0" || first.Rows[2].Key != "t0__1" {
		t.Fatalf("key 不符合预期：%q %q", first.Rows[0].Key, first.Rows[2].Key)
	}
}

func TestExecute_FailureIsolation(t *testing.T) {
	site := newCorpusSite(t, 4, -1, "r2.txt")
	root := t.TempDir()
	cfg := site.config(root)

	rr, err := Execute(context.Background(), cfg)
	if err != nil {
		t.Fatalf("单个文件失败不应让运行失败：%v", err)
	}
	if rr.Summary.Failed != 1 || rr.Summary.Downloaded != 7 {
		t.Fatalf("summary 不符合预期：%+v", rr.Summary)
	}
	if len(rr.Failures) != 1 || rr.Failures[0].Reason != "HTTP 404" || !strings.HasSuffix(rr.Failures[0].URL, "/r2.txt") {
		t.Fatalf("failures 不符合预期：%+v", rr.Failures)
	}

	tb, err := index.Load(cfg.IndexPath)
	if err != nil {
		t.Fatalf("读取索引失败：%v", err)
	}
	if len(tb.Rows) != 8 {
		t.Fatalf("所有行都应被持久化：%d", len(tb.Rows))
	}
	var failed int
	for _, r := range tb.Rows {
		if r.Outcome.Status == domain.MirrorFailed {
			failed++
			if r.Outcome.Reason == "" {
				t.Fatalf("失败行必须带原因：%+v", r)
			}
		}
	}
	if failed != 1 {
		t.Fatalf("索引中应恰好 1 行失败，实际 %d", failed)
	}
	if _, err := os.Stat(filepath.Join(root, "korpus", "r2.txt")); !os.IsNotExist(err) {
		t.Fatalf("失败的文件不应出现在目标路径：%v", err)
	}
}

func TestExecute_MalformedRowIsSkipped(t *testing.T) {
	site := newCorpusSite(t, 10, 3, "")
	root := t.TempDir()

	rr, err := Execute(context.Background(), site.config(root))
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if rr.Summary.Discovered != 9 || rr.Summary.ParseErrors != 1 || rr.Summary.Files != 18 {
		t.Fatalf("summary 不符合预期：%+v", rr.Summary)
	}
}

func TestExecute_UnreachablePageIsFatal(t *testing.T) {
	site := newCorpusSite(t, 2, -1, "")
	root := t.TempDir()
	cfg := site.config(root)
	site.Close()

	rr, err := Execute(context.Background(), cfg)
	var fe *discover.FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("期望 FetchError，实际 %v", err)
	}
	if rr.Summary.Files != 0 {
		t.Fatalf("致命错误前不应产生任何行：%+v", rr.Summary)
	}
	if _, err := os.Stat(cfg.IndexPath); !os.IsNotExist(err) {
		t.Fatalf("致命错误不应写索引：%v", err)
	}
}

func TestExecute_TextFileHasNoMetadata(t *testing.T) {
	site := newCorpusSite(t, 1, -1, "")
	root := t.TempDir()
	cfg := site.config(root)
	cfg.FFProbePath = "ffprobe"

	if _, err := Execute(context.Background(), cfg); err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	tb, err := index.Load(cfg.IndexPath)
	if err != nil {
		t.Fatalf("读取索引失败：%v", err)
	}
	for _, r := range tb.Rows {
		if r.Outcome.Status != domain.MirrorDownloaded || r.Meta != nil {
			t.Fatalf("文本文件应 downloaded 且无元数据：%+v", r)
		}
	}
}

func TestExecute_PersistFailureIsFatal(t *testing.T) {
	site := newCorpusSite(t, 1, -1, "")
	root := t.TempDir()
	cfg := site.config(root)
	blocker := filepath.Join(root, "blocker")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatalf("写文件失败：%v", err)
	}
	cfg.IndexPath = filepath.Join(blocker, "index.csv")

	_, err := Execute(context.Background(), cfg)
	var pe *index.PersistError
	if !errors.As(err, &pe) {
		t.Fatalf("期望 PersistError，实际 %v", err)
	}
}

func TestExecute_DryRunWritesNothing(t *testing.T) {
	site := newCorpusSite(t, 2, -1, "")
	root := t.TempDir()
	cfg := site.config(root)
	cfg.DryRun = true

	rr, err := Execute(context.Background(), cfg)
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if rr.Plan == nil || rr.Plan.Missing != 4 || rr.Plan.Present != 0 {
		t.Fatalf("plan 不符合预期：%+v", rr.Plan)
	}
	if site.downloads.Load() != 0 {
		t.Fatalf("dry-run 不应下载")
	}
	entries, _ := os.ReadDir(root)
	if len(entries) != 0 {
		t.Fatalf("dry-run 不应写任何文件：%v", entries)
	}
}

func TestExecute_PlanAuditsRoot(t *testing.T) {
	site := newCorpusSite(t, 2, -1, "")
	root := t.TempDir()
	cfg := site.config(root)
	cfg.DryRun = true

	for name, body := range map[string]string{
		"korpus/r0.srt":          "content of r0.srt\n",
		"korpus/gone.txt":        "removed upstream\n",
		"korpus/.r1.srt.tmp-123": "partial",
	} {
		p := filepath.Join(root, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatalf("创建目录失败：%v", err)
		}
		if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
			t.Fatalf("写文件失败：%v", err)
		}
	}

	rr, err := Execute(context.Background(), cfg)
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	want := domain.PlanSummary{Targets: 4, Present: 1, PresentBytes: int64(len("content of r0.srt\n")), Missing: 3, Orphans: 1, StaleTemps: 1}
	if rr.Plan == nil || *rr.Plan != want {
		t.Fatalf("plan 期望 %+v，实际 %+v", want, rr.Plan)
	}
	if _, err := os.Stat(filepath.Join(root, "korpus", "gone.txt")); err != nil {
		t.Fatalf("不再被引用的文件只报告、不删除：%v", err)
	}
}

func TestExecute_LinkOntoIndexPathIsFailed(t *testing.T) {
	site := newCorpusSite(t, 2, -1, "")
	root := t.TempDir()
	cfg := site.config(root)
	// 页面中 r0.srt 的本地路径恰好是索引文件。
	cfg.IndexPath = filepath.Join(root, "korpus", "r0.srt")

	rr, err := Execute(context.Background(), cfg)
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if rr.Plan == nil || rr.Plan.Invalid != 1 {
		t.Fatalf("冲突目标应在盘点中标为 invalid：%+v", rr.Plan)
	}
	if rr.Summary.Failed != 1 || rr.Summary.Downloaded != 3 {
		t.Fatalf("冲突目标应失败，其余照常下载：%+v", rr.Summary)
	}
	if len(rr.Failures) != 1 || !strings.Contains(rr.Failures[0].Reason, "运行产物") {
		t.Fatalf("失败原因不符合预期：%+v", rr.Failures)
	}
	if got := site.downloads.Load(); got != 3 {
		t.Fatalf("冲突目标不应发起请求：downloads=%d", got)
	}
	table, err := index.Load(cfg.IndexPath)
	if err != nil {
		t.Fatalf("索引应完整写入，不被下载覆盖：%v", err)
	}
	if len(table.Rows) != 4 {
		t.Fatalf("索引应有 4 行，实际 %d", len(table.Rows))
	}
}

func TestExecute_AnalyzeOnlyReadsIndex(t *testing.T) {
	root := t.TempDir()
	idx := filepath.Join(root, "idx.csv")
	fields := []domain.Field{{Name: "Transcript", Value: "t"}, {Name: "Topics", Value: "Food"}}
	err := index.Persist(domain.Table{
		Header: []string{"Transcript", "Topics"},
		Rows: []domain.IndexRow{
			{Key: "t__0", Fields: fields, Column: "Video Total", Outcome: domain.Downloaded(1), Meta: &domain.MediaMetadata{Duration: 90}},
		},
	}, idx)
	if err != nil {
		t.Fatalf("写索引失败：%v", err)
	}

	obs := &recordObserver{}
	rr, err := ExecuteWithObserver(context.Background(), config.Config{
		Mode:           domain.ModeAnalyze,
		IndexPath:      idx,
		DurationColumn: "Video Total",
	}, obs)
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if rr.Summary.Discovered != 1 || rr.Summary.WithMetadata != 1 {
		t.Fatalf("summary 不符合预期：%+v", rr.Summary)
	}
	if !strings.Contains(obs.analysis, "Total duration: 1 minutes, 30.00 seconds") {
		t.Fatalf("分析输出不符合预期：%q", obs.analysis)
	}

	_, err = Execute(context.Background(), config.Config{Mode: domain.ModeAnalyze, IndexPath: filepath.Join(root, "nope.csv")})
	var le *LoadError
	if !errors.As(err, &le) {
		t.Fatalf("期望 LoadError，实际 %v", err)
	}
}

func TestExecute_CanceledDoesNotOverwriteIndex(t *testing.T) {
	site := newCorpusSite(t, 2, -1, "")
	root := t.TempDir()
	cfg := site.config(root)
	if err := os.WriteFile(cfg.IndexPath, []byte("previous"), 0o644); err != nil {
		t.Fatalf("写文件失败：%v", err)
	}

	obs := &recordObserver{}
	ctx, cancel := context.WithCancel(context.Background())
	obs.onPhase = func(name string) {
		if name == "exec" {
			cancel()
		}
	}

	_, err := ExecuteWithObserver(ctx, cfg, obs)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("期望 context.Canceled，实际 %v", err)
	}
	b, _ := os.ReadFile(cfg.IndexPath)
	if string(b) != "previous" {
		t.Fatalf("取消的运行不应覆盖索引：%q", string(b))
	}
}

type recordObserver struct {
	mu sync.Mutex

	startCalls int
	phases     []string
	files      int
	analysis   string
	onPhase    func(name string)
}

func (o *recordObserver) OnStart(config.Config) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.startCalls++
}

func (o *recordObserver) OnPhaseDone(name string, fields map[string]any, dur time.Duration) {
	o.mu.Lock()
	o.phases = append(o.phases, name)
	hook := o.onPhase
	o.mu.Unlock()
	if hook != nil {
		hook(name)
	}
}

func (o *recordObserver) OnFileDone(idx, total int, row domain.IndexRow, dur time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.files++
}

func (o *recordObserver) OnAnalysis(text string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.analysis = text
}

func TestExecuteWithObserver_EmitsPhaseAndFileEvents(t *testing.T) {
	site := newCorpusSite(t, 3, -1, "")
	root := t.TempDir()
	cfg := site.config(root)
	cfg.Mode = domain.ModeBoth

	obs := &recordObserver{}
	if _, err := ExecuteWithObserver(context.Background(), cfg, obs); err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if obs.startCalls != 1 {
		t.Fatalf("期望 OnStart 调用 1 次，实际 %d", obs.startCalls)
	}
	want := []string{"discover", "plan", "exec", "persist", "analyze"}
	if strings.Join(obs.phases, ",") != strings.Join(want, ",") {
		t.Fatalf("阶段事件不符合预期：got=%v want=%v", obs.phases, want)
	}
	if obs.files != 6 {
		t.Fatalf("期望 6 个文件事件，实际 %d", obs.files)
	}
	if _, err := os.Stat(filepath.Join(root, "cache", "pages")); err != nil {
		t.Fatalf("应保存页面快照：%v", err)
	}
}
