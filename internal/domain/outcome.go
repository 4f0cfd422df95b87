package domain

import "strings"

const (
	MirrorAlreadyPresent = "already_present"
	MirrorDownloaded     = "downloaded"
	MirrorFailed         = "failed"
	// MirrorNoFiles 只用于没有任何文件引用的记录（保证每个条目都在索引中可见）。
	MirrorNoFiles = "no_files"
)

// MirrorOutcome 是一次镜像尝试的结果。每个 FileReference 必须恰好产生一个 MirrorOutcome。
type MirrorOutcome struct {
	Status string
	Reason string // 仅 Status==failed 时非空
	Bytes  int64  // 本地文件大小（failed 时为 0）
}

func AlreadyPresent(size int64) MirrorOutcome {
	return MirrorOutcome{Status: MirrorAlreadyPresent, Bytes: size}
}

func Downloaded(size int64) MirrorOutcome {
	return MirrorOutcome{Status: MirrorDownloaded, Bytes: size}
}

// Failed 构造失败结果；reason 为空时填充占位，避免索引里出现“失败但无原因”。
func Failed(reason string) MirrorOutcome {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "unknown error"
	}
	return MirrorOutcome{Status: MirrorFailed, Reason: reason}
}

// Present 表示本地文件可用（可以进入元数据提取）。
func (o MirrorOutcome) Present() bool {
	return o.Status == MirrorAlreadyPresent || o.Status == MirrorDownloaded
}

// MediaMetadata 是 ffprobe 得到的最小媒体信息。nil 表示不可用（不是错误）。
type MediaMetadata struct {
	Duration float64 // 秒
	Width    int
	Height   int
	Codec    string
	BitRate  int64 // bit/s
	Format   string
}
