package analysis

import (
	"fmt"
	"io"
	"math"
	"sort"
	"strings"

	"github.com/John-Robertt/korpus/internal/domain"
)

// Stats 是一组时长（秒）的描述统计。Std 为样本标准差（n-1）。
type Stats struct {
	Count  int
	Mean   float64
	Std    float64
	Median float64
	Max    float64
	Min    float64
	Total  float64
}

// DurationStats 统计带元数据的行的时长；column 非空时只统计该列（例如 "Video Total"）。
func DurationStats(t domain.Table, column string) Stats {
	ds := make([]float64, 0, len(t.Rows))
	for _, r := range t.Rows {
		if r.Meta == nil || r.Meta.Duration <= 0 {
			continue
		}
		if column != "" && r.Column != column {
			continue
		}
		ds = append(ds, r.Meta.Duration)
	}
	return describe(ds)
}

func describe(ds []float64) Stats {
	var s Stats
	s.Count = len(ds)
	if s.Count == 0 {
		return s
	}
	sort.Float64s(ds)
	s.Min, s.Max = ds[0], ds[len(ds)-1]
	for _, d := range ds {
		s.Total += d
	}
	s.Mean = s.Total / float64(s.Count)
	if mid := s.Count / 2; s.Count%2 == 1 {
		s.Median = ds[mid]
	} else {
		s.Median = (ds[mid-1] + ds[mid]) / 2
	}
	if s.Count > 1 {
		var sq float64
		for _, d := range ds {
			sq += (d - s.Mean) * (d - s.Mean)
		}
		s.Std = math.Sqrt(sq / float64(s.Count-1))
	}
	return s
}

// FormatHMS 把秒格式化为 "H hours, M minutes, S.SS seconds"（为 0 的小时/分钟省略）。
func FormatHMS(seconds float64) string {
	if seconds < 0 || math.IsNaN(seconds) {
		seconds = 0
	}
	h := int(seconds / 3600)
	m := int(math.Mod(seconds, 3600) / 60)
	s := math.Mod(seconds, 60)

	parts := make([]string, 0, 3)
	if h > 0 {
		parts = append(parts, fmt.Sprintf("%d hours", h))
	}
	if m > 0 {
		parts = append(parts, fmt.Sprintf("%d minutes", m))
	}
	parts = append(parts, fmt.Sprintf("%.2f seconds", s))
	return strings.Join(parts, ", ")
}

type Count struct {
	Value string
	N     int
}

// Counts 统计某个文本字段的取值分布。每条记录（按 key）只计一次；sep 非空时先按 sep 拆分（例如 topics 的 ", "）。
// 结果按次数降序、再按取值升序。
func Counts(t domain.Table, field, sep string) []Count {
	seen := make(map[string]struct{}, len(t.Rows))
	n := make(map[string]int, 64)
	for _, r := range t.Rows {
		if _, ok := seen[r.Key]; ok {
			continue
		}
		seen[r.Key] = struct{}{}

		v := strings.TrimSpace(r.Field(field))
		if v == "" {
			continue
		}
		vals := []string{v}
		if sep != "" {
			vals = strings.Split(v, sep)
		}
		for _, x := range vals {
			if x = strings.TrimSpace(x); x != "" {
				n[x]++
			}
		}
	}

	out := make([]Count, 0, len(n))
	for v, c := range n {
		out = append(out, Count{Value: v, N: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].N != out[j].N {
			return out[i].N > out[j].N
		}
		return out[i].Value < out[j].Value
	})
	return out
}

// Options 控制 Write 输出哪些内容。
type Options struct {
	DurationColumn string
	// CountFields 是需要输出分布的文本列；值为拆分分隔符（空串表示不拆分）。
	CountFields map[string]string
}

// Write 以纯文本输出时长统计与字段分布。
func Write(w io.Writer, t domain.Table, opts Options) error {
	s := DurationStats(t, opts.DurationColumn)
	label := "videos"
	if opts.DurationColumn != "" {
		label = fmt.Sprintf("videos (%s)", opts.DurationColumn)
	}
	lines := []string{
		fmt.Sprintf("Number of %s: %d", label, s.Count),
	}
	if s.Count > 0 {
		lines = append(lines,
			"Mean duration: "+FormatHMS(s.Mean),
			"Standard deviation: "+FormatHMS(s.Std),
			"Median duration: "+FormatHMS(s.Median),
			"Maximum duration: "+FormatHMS(s.Max),
			"Minimum duration: "+FormatHMS(s.Min),
			"Total duration: "+FormatHMS(s.Total),
		)
	}

	fields := make([]string, 0, len(opts.CountFields))
	for f := range opts.CountFields {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	for _, f := range fields {
		cs := Counts(t, f, opts.CountFields[f])
		if len(cs) == 0 {
			continue
		}
		lines = append(lines, "", "Distribution of "+f+":")
		for _, c := range cs {
			lines = append(lines, fmt.Sprintf("  %-32s %d", c.Value, c.N))
		}
	}

	_, err := io.WriteString(w, strings.Join(lines, "\n")+"\n")
	return err
}

// DefaultCountFields 返回表头中存在的常见分类列。
func DefaultCountFields(header []string) map[string]string {
	known := map[string]string{"Age Group": "", "Format": "", "Topics": ", "}
	out := make(map[string]string, len(known))
	for _, h := range header {
		if sep, ok := known[h]; ok {
			out[h] = sep
		}
	}
	return out
}
