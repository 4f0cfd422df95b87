package discover

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNoTable  = errors.New("页面中没有 <table>")
	ErrNoHeader = errors.New("表格缺少 <th> 表头行")
)

// FetchError 表示源页面不可用（网络/TLS/非 2xx/整体结构不可解析）。
// 没有页面就无法发现任何记录，因此对整个运行是致命的。
type FetchError struct {
	URL        string
	Stage      string // "fetch" / "status" / "parse"
	StatusCode int    // 仅 Stage=="status"
	Err        error
}

func (e *FetchError) Error() string {
	switch e.Stage {
	case "status":
		return fmt.Sprintf("抓取源页面失败：%s 返回 HTTP %d", e.URL, e.StatusCode)
	case "parse":
		return fmt.Sprintf("解析源页面失败：%s：%v", e.URL, e.Err)
	default:
		return fmt.Sprintf("抓取源页面失败：%s：%v", e.URL, e.Err)
	}
}

func (e *FetchError) Unwrap() error { return e.Err }

// ParseError 表示某一行结构不符合表头（列数不一致等）。该行被跳过，其余行继续。
type ParseError struct {
	Row    int // body 行号（从 0 开始）
	Reason string
}

func (e *ParseError) Error() string {
	if strings.TrimSpace(e.Reason) == "" {
		return fmt.Sprintf("第 %d 行解析失败", e.Row)
	}
	return fmt.Sprintf("第 %d 行解析失败：%s", e.Row, e.Reason)
}
