package run

import (
	"time"

	"github.com/John-Robertt/korpus/internal/config"
	"github.com/John-Robertt/korpus/internal/domain"
)

// Observer 用于把“运行进度/阶段/文件结果”从核心执行流程中解耦出来。
//
// 约束：
// - run 包只负责发事件，不做任何输出（stdout 留给 JSON 报告）。
// - OnFileDone 总是从同一个 goroutine 调用；其余事件也都来自调用 Execute 的 goroutine。
type Observer interface {
	// OnStart 在 ExecuteWithObserver 开始时调用（应尽量早，保证用户 1 秒内看到输出）。
	OnStart(cfg config.Config)
	// OnPhaseDone 在阶段结束/就绪时调用（用于打印阶段统计与耗时）。
	OnPhaseDone(name string, fields map[string]any, dur time.Duration)
	// OnFileDone 在每个文件引用处理完成时调用。
	OnFileDone(idx, total int, row domain.IndexRow, dur time.Duration)
	// OnAnalysis 交付分析阶段的文本结果。
	OnAnalysis(text string)
}

type nopObserver struct{}

func (nopObserver) OnStart(config.Config) {}
func (nopObserver) OnPhaseDone(string, map[string]any, time.Duration) {}
func (nopObserver) OnFileDone(int, int, domain.IndexRow, time.Duration) {}
func (nopObserver) OnAnalysis(string) {}
