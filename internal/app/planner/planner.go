package planner

import (
	"iter"
	"sort"

	"github.com/John-Robertt/korpus/internal/domain"
	"github.com/John-Robertt/korpus/internal/infra/fsx"
)

// TargetState 是某个镜像目标在运行开始前的磁盘状态。
type TargetState string

const (
	TargetPresent  TargetState = "present"  // 已存在普通文件：镜像时不会发起请求
	TargetMissing  TargetState = "missing"  // 需要下载
	TargetConflict TargetState = "conflict" // 目标被目录/特殊文件占用，或被另一个 URL 占用
	TargetInvalid  TargetState = "invalid"  // URL 无法推导出镜像根目录下的路径
)

type Target struct {
	Key       string
	Column    string
	URL       string
	LocalPath string
	State     TargetState
	Size      int64
	Reason    string
}

// Plan 是一次只读的盘点结果（只做 Stat，不读文件内容、不做任何写入）。
type Plan struct {
	Targets []Target

	Present   int
	Missing   int
	Conflicts int
	Invalid   int
	// PresentBytes 是已存在目标的总大小。
	PresentBytes int64
}

// Build 盘点 records 中每个文件引用在 root 下的现状。
//
// - 同一 LocalPath 被同一 URL 重复引用只计一次（镜像时会被合并）
// - 同一 LocalPath 被不同 URL 引用视为冲突：后出现的那个标记为 conflict
// - 落在 reserved（索引、SQLite、cache/ 等运行产物的绝对路径）上的目标视为 invalid
// - Targets 稳定排序：按 LocalPath 字典序
func Build(root string, records iter.Seq2[domain.ResourceRecord, error], reserved ...string) Plan {
	var p Plan
	owner := make(map[string]string, 256)

	for rec, err := range records {
		if err != nil {
			continue
		}
		for _, ref := range rec.Files {
			t := Target{Key: rec.Key, Column: ref.Column, URL: ref.URL, LocalPath: ref.LocalPath}

			if prev, ok := owner[ref.LocalPath]; ok && ref.LocalPath != "" {
				if prev == ref.URL {
					continue
				}
				t.State = TargetConflict
				t.Reason = "本地路径已被另一个 URL 使用：" + prev
				p.add(t)
				continue
			}
			owner[ref.LocalPath] = ref.URL

			abs, err := fsx.JoinUnder(root, ref.LocalPath)
			if err == nil {
				err = fsx.CheckReserved(abs, reserved)
			}
			if err != nil {
				t.State = TargetInvalid
				t.Reason = err.Error()
				p.add(t)
				continue
			}

			size, exists, err := fsx.StatFile(abs)
			switch {
			case err != nil:
				t.State = TargetConflict
				t.Reason = err.Error()
			case exists:
				t.State = TargetPresent
				t.Size = size
			default:
				t.State = TargetMissing
			}
			p.add(t)
		}
	}

	SortTargets(p.Targets)
	return p
}

func (p *Plan) add(t Target) {
	p.Targets = append(p.Targets, t)
	switch t.State {
	case TargetPresent:
		p.Present++
		p.PresentBytes += t.Size
	case TargetMissing:
		p.Missing++
	case TargetConflict:
		p.Conflicts++
	case TargetInvalid:
		p.Invalid++
	}
}

// Total 返回盘点到的目标数。
func (p Plan) Total() int { return len(p.Targets) }

// SortTargets 让上层在需要时可显式保证稳定顺序。
func SortTargets(ts []Target) {
	sort.SliceStable(ts, func(i, j int) bool {
		if ts[i].LocalPath != ts[j].LocalPath {
			return ts[i].LocalPath < ts[j].LocalPath
		}
		return ts[i].URL < ts[j].URL
	})
}
