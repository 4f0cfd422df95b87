package index

import (
	"context"
	"iter"
	"sort"
	"sync"
	"time"

	"github.com/John-Robertt/korpus/internal/domain"
	"github.com/John-Robertt/korpus/internal/probe"
)

// Mirrorer 是 Builder 对镜像层的最小依赖。
type Mirrorer interface {
	Mirror(ctx context.Context, ref domain.FileReference) domain.MirrorOutcome
	Path(ref domain.FileReference) (string, error)
}

// Builder 把发现结果、镜像结果与元数据组装为索引表。
type Builder struct {
	Mirror  Mirrorer
	Probe   probe.Extractor
	Workers int

	// OnParseError 在遇到行级解析错误时调用（该行被跳过）。
	OnParseError func(err error)
	// OnFile 在每个文件引用处理完成时调用；总是在同一个 goroutine 中调用。
	OnFile func(done int, row domain.IndexRow, dur time.Duration)
}

type BuildStats struct {
	Records     int
	ParseErrors int
	Files       int
}

type job struct {
	seq int // 全局顺序：记录顺序 + 行内文件顺序
	rec *domain.ResourceRecord
	ref domain.FileReference
}

type result struct {
	seq int
	row domain.IndexRow
	dur time.Duration
}

// Build 消费 records，按文件引用并发镜像（worker pool），并按源表格顺序重组结果。
//
// - 每个文件引用恰好产生一行；没有文件的记录产生一行 no_files
// - 只有 already_present/downloaded 才提取元数据
// - ctx 取消后不再开始新的文件：尚未开始的引用记为 failed(context canceled)，返回的表仍然完整
//
// 返回的 error 只可能是 ctx.Err()。
func (b *Builder) Build(ctx context.Context, records iter.Seq2[domain.ResourceRecord, error]) (domain.Table, BuildStats, error) {
	workers := b.Workers
	if workers < 1 {
		workers = 1
	}
	ext := b.Probe
	if ext == nil {
		ext = probe.Nop{}
	}

	var (
		stats  BuildStats
		header []string
		seen   = map[string]struct{}{}
	)

	jobs := make(chan job)
	results := make(chan result, workers*2)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				started := time.Now()
				row := b.processOne(ctx, ext, j)
				results <- result{seq: j.seq, row: row, dur: time.Since(started)}
			}
		}()
	}

	go func() {
		defer func() {
			close(jobs)
			wg.Wait()
			close(results)
		}()

		seq := 0
		for rec, err := range records {
			if err != nil {
				stats.ParseErrors++
				if b.OnParseError != nil {
					b.OnParseError(err)
				}
				continue
			}
			stats.Records++
			for _, n := range rec.FieldNames() {
				if _, ok := seen[n]; !ok {
					seen[n] = struct{}{}
					header = append(header, n)
				}
			}

			r := rec
			if len(r.Files) == 0 {
				results <- result{seq: seq, row: rowFor(&r, domain.FileReference{}, domain.MirrorOutcome{Status: domain.MirrorNoFiles})}
				seq++
				continue
			}
			for _, ref := range r.Files {
				stats.Files++
				j := job{seq: seq, rec: &r, ref: ref}
				seq++
				if ctx.Err() != nil {
					results <- result{seq: j.seq, row: rowFor(j.rec, ref, domain.Failed(ctx.Err().Error()))}
					continue
				}
				select {
				case jobs <- j:
				case <-ctx.Done():
					results <- result{seq: j.seq, row: rowFor(j.rec, ref, domain.Failed(ctx.Err().Error()))}
				}
			}
		}
	}()

	type ordered struct {
		seq int
		row domain.IndexRow
	}
	collected := make([]ordered, 0, 256)
	done := 0
	for r := range results {
		collected = append(collected, ordered{seq: r.seq, row: r.row})
		if r.row.Outcome.Status == domain.MirrorNoFiles {
			continue
		}
		done++
		if b.OnFile != nil {
			b.OnFile(done, r.row, r.dur)
		}
	}

	sort.Slice(collected, func(i, j int) bool { return collected[i].seq < collected[j].seq })
	t := domain.Table{Header: header, Rows: make([]domain.IndexRow, 0, len(collected))}
	for _, o := range collected {
		t.Rows = append(t.Rows, o.row)
	}
	return t, stats, ctx.Err()
}

func (b *Builder) processOne(ctx context.Context, ext probe.Extractor, j job) domain.IndexRow {
	out := b.Mirror.Mirror(ctx, j.ref)
	row := rowFor(j.rec, j.ref, out)
	if !out.Present() {
		return row
	}
	p, err := b.Mirror.Path(j.ref)
	if err != nil {
		return row
	}
	row.Meta = ext.Extract(ctx, p)
	return row
}

func rowFor(rec *domain.ResourceRecord, ref domain.FileReference, out domain.MirrorOutcome) domain.IndexRow {
	return domain.IndexRow{
		Row:       rec.Row,
		Key:       rec.Key,
		Fields:    rec.Fields,
		Column:    ref.Column,
		URL:       ref.URL,
		LocalPath: ref.LocalPath,
		Outcome:   out,
	}
}
