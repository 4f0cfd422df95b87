package probe

import (
	"context"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/floostack/transcoder"
	"github.com/floostack/transcoder/ffmpeg"
	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"

	"github.com/John-Robertt/korpus/internal/domain"
)

// Extractor 读取已镜像文件的媒体信息。
//
// 元数据是 best-effort 的：任何失败都返回 nil（并记录 warning），不会让索引行消失。
// 实现必须对文件只读。
type Extractor interface {
	Extract(ctx context.Context, path string) *domain.MediaMetadata
}

// Nop 不提取元数据（ffprobe 被关闭或不可用）。
type Nop struct{}

func (Nop) Extract(context.Context, string) *domain.MediaMetadata { return nil }

// 通过可替换的函数指针，让测试不依赖本机安装 ffprobe。
var probeFile = runFFProbe

// DefaultTimeout 是单个文件 ffprobe 的最长等待时间。
const DefaultTimeout = 60 * time.Second

// FFProbe 先用文件头嗅探类型，只有 video/* 与 audio/* 才调用 ffprobe。
type FFProbe struct {
	BinPath string
	// Timeout <= 0 时使用 DefaultTimeout。
	Timeout time.Duration
	log     *zap.SugaredLogger
}

// New 返回可用的 Extractor：bin 为空表示关闭；找不到可执行文件时记录一次 warning 并退化为 Nop。
func New(bin string, timeout time.Duration) Extractor {
	bin = strings.TrimSpace(bin)
	if bin == "" {
		return Nop{}
	}
	log := zap.S().Named("probe")
	path, err := exec.LookPath(bin)
	if err != nil {
		log.Warnw("ffprobe 不可用，跳过元数据提取", "bin", bin, "error", err)
		return Nop{}
	}
	return &FFProbe{BinPath: path, Timeout: timeout, log: log}
}

func (p *FFProbe) Extract(ctx context.Context, path string) *domain.MediaMetadata {
	if ctx.Err() != nil {
		return nil
	}
	mt, err := mimetype.DetectFile(path)
	if err != nil {
		p.logger().Warnw("无法识别文件类型", "path", path, "error", err)
		return nil
	}
	if !IsMedia(mt.String()) {
		return nil
	}

	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	// transcoder 不接受 ctx：在后台等待，到期或取消时放弃结果，worker 不被卡住。
	type result struct {
		md  *domain.MediaMetadata
		err error
	}
	ch := make(chan result, 1)
	go func() {
		md, err := probeFile(p.BinPath, path)
		ch <- result{md: md, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case r := <-ch:
		if r.err != nil {
			p.logger().Warnw("ffprobe 失败", "path", path, "mime", mt.String(), "error", r.err)
			return nil
		}
		return r.md
	case <-timer.C:
		p.logger().Warnw("ffprobe 超时，跳过元数据", "path", path, "timeout", timeout)
		return nil
	case <-ctx.Done():
		return nil
	}
}

func (p *FFProbe) logger() *zap.SugaredLogger {
	if p.log == nil {
		p.log = zap.S().Named("probe")
	}
	return p.log
}

// IsMedia 判断 MIME 是否为音视频。
func IsMedia(mime string) bool {
	mime = strings.ToLower(mime)
	return strings.HasPrefix(mime, "video/") || strings.HasPrefix(mime, "audio/")
}

func runFFProbe(bin, path string) (*domain.MediaMetadata, error) {
	cfg := ffmpeg.Config{FfprobeBinPath: bin}
	md, err := ffmpeg.New(&cfg).Input(path).GetMetadata()
	if err != nil {
		return nil, err
	}
	return fromTranscoder(md), nil
}

// fromTranscoder 取第一条视频流（没有则取第一条流）的编码与尺寸，时长与码率取容器级别。
func fromTranscoder(md transcoder.Metadata) *domain.MediaMetadata {
	if md == nil {
		return nil
	}
	out := &domain.MediaMetadata{}
	if f := md.GetFormat(); f != nil {
		out.Duration = parseFloat(f.GetDuration())
		out.BitRate = parseInt(f.GetBitRate())
		out.Format = f.GetFormatName()
	}

	streams := md.GetStreams()
	var pick transcoder.Streams
	for _, s := range streams {
		if s != nil && s.GetCodecType() == "video" {
			pick = s
			break
		}
	}
	if pick == nil && len(streams) > 0 {
		pick = streams[0]
	}
	if pick != nil {
		out.Codec = pick.GetCodecName()
		out.Width = pick.GetWidth()
		out.Height = pick.GetHeight()
		if out.BitRate == 0 {
			out.BitRate = parseInt(pick.GetBitRate())
		}
	}
	return out
}

func parseFloat(s string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || v < 0 {
		return 0
	}
	return v
}

func parseInt(s string) int64 {
	v, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || v < 0 {
		return 0
	}
	return v
}
