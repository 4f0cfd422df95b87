package app

import (
	"iter"
	"strconv"
	"strings"

	"github.com/John-Robertt/korpus/internal/domain"
)

// KeySep 连接第一列的值与其出现次序。
const KeySep = "__"

// AssignKeys 给每条记录分配稳定主键 <第一列>__<该值此前出现的次数>。
//
// - 主键只由表格内容与行顺序决定，与插入顺序、并发无关：重跑得到相同主键
// - 第一列为空时使用 "row"
// - ParseError 原样透传，不消耗计数
// - 每次遍历都从零计数，因此与 Page.Records 一样可重复遍历
func AssignKeys(records iter.Seq2[domain.ResourceRecord, error]) iter.Seq2[domain.ResourceRecord, error] {
	return func(yield func(domain.ResourceRecord, error) bool) {
		seen := make(map[string]int, 128)
		for rec, err := range records {
			if err != nil {
				if !yield(rec, err) {
					return
				}
				continue
			}
			base := keyBase(rec)
			n := seen[base]
			seen[base] = n + 1
			rec.Key = base + KeySep + strconv.Itoa(n)
			if !yield(rec, nil) {
				return
			}
		}
	}
}

func keyBase(rec domain.ResourceRecord) string {
	if len(rec.Fields) > 0 {
		if v := strings.TrimSpace(rec.Fields[0].Value); v != "" {
			return v
		}
	}
	return "row"
}
