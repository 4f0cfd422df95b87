package domain

import (
	"encoding/json"
	"sort"
	"time"
)

const (
	ModeDownload = "download"
	ModeAnalyze  = "analyze"
	ModeBoth     = "both"
)

// RunReport 是一次运行的对外摘要（stdout JSON / 终端摘要）。
// 单条失败只出现在 Failures 与索引中，不会中断运行。
type RunReport struct {
	RunID  string `json:"run_id"`
	Mode   string `json:"mode"`
	DryRun bool   `json:"dry_run"`

	PageURL   string `json:"page_url"`
	Root      string `json:"root"`
	IndexPath string `json:"index_path"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	Summary  ReportSummary `json:"summary"`
	Plan     *PlanSummary  `json:"plan,omitempty"`
	Failures []FailureItem `json:"failures"`
}

// PlanSummary 是运行前对镜像目标的盘点（dry-run 时是唯一的文件级信息）。
type PlanSummary struct {
	Targets      int   `json:"targets"`
	Present      int   `json:"present"`
	PresentBytes int64 `json:"present_bytes"`
	Missing      int   `json:"missing"`
	Conflicts    int   `json:"conflicts"`
	Invalid      int   `json:"invalid"`
	// Orphans 是镜像目录中不再被页面引用的文件数（只报告，不删除）。
	Orphans    int `json:"orphans"`
	StaleTemps int `json:"stale_temps"`
}

type ReportSummary struct {
	Discovered     int   `json:"discovered"`
	ParseErrors    int   `json:"parse_errors"`
	Files          int   `json:"files"`
	Downloaded     int   `json:"downloaded"`
	AlreadyPresent int   `json:"already_present"`
	Failed         int   `json:"failed"`
	WithMetadata   int   `json:"with_metadata"`
	Bytes          int64 `json:"bytes"`
}

// FailureItem 让每个失败都能单独定位（行 key + url + 原因）。
type FailureItem struct {
	Key    string `json:"key"`
	Column string `json:"column"`
	URL    string `json:"url"`
	Reason string `json:"reason"`
}

// Finalize 做三件事：
// 1) 时间统一为 UTC
// 2) 文件级计数由 rows 计算得出（Discovered/ParseErrors 由调用方填写）
// 3) failures 稳定排序：按 key，再按 url
func (r *RunReport) Finalize(rows []IndexRow) {
	r.StartedAt = r.StartedAt.UTC()
	r.FinishedAt = r.FinishedAt.UTC()

	s := r.Summary
	s.Files, s.Downloaded, s.AlreadyPresent, s.Failed, s.WithMetadata, s.Bytes = 0, 0, 0, 0, 0, 0
	failures := make([]FailureItem, 0, 8)
	for _, row := range rows {
		switch row.Outcome.Status {
		case MirrorDownloaded:
			s.Downloaded++
		case MirrorAlreadyPresent:
			s.AlreadyPresent++
		case MirrorFailed:
			s.Failed++
			failures = append(failures, FailureItem{Key: row.Key, Column: row.Column, URL: row.URL, Reason: row.Outcome.Reason})
		case MirrorNoFiles:
			continue
		}
		s.Files++
		s.Bytes += row.Outcome.Bytes
		if row.Meta != nil {
			s.WithMetadata++
		}
	}
	r.Summary = s

	sort.SliceStable(failures, func(i, j int) bool {
		if failures[i].Key != failures[j].Key {
			return failures[i].Key < failures[j].Key
		}
		return failures[i].URL < failures[j].URL
	})
	r.Failures = failures
}

// MarshalJSON 仅用于集中约束输出的稳定性（避免未来不小心引入非确定字段）。
func (r RunReport) MarshalJSON() ([]byte, error) {
	type Alias RunReport
	return json.Marshal(Alias(r))
}
