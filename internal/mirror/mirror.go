package mirror

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/John-Robertt/korpus/internal/domain"
	"github.com/John-Robertt/korpus/internal/infra/fsx"
)

// DefaultIdleTimeout 是下载过程中允许的最长“无数据”时间。
const DefaultIdleTimeout = 60 * time.Second

// Writer 把 FileReference 镜像到 root 之下。
//
// 约束：
// - 目标已存在（普通文件）时直接返回 already_present，不发起任何网络请求
// - 下载先写同目录临时文件，完成后 rename：中断/失败不会在目标路径留下半截文件
// - 任何错误都转为 failed(reason) 返回，不会 panic，也不会让整个运行中止
// - 连续 IdleTimeout 收不到数据即放弃：停滞的连接不会永久占住 worker
// - 只写 root 之下，且不写保留路径（索引、cache/ 等运行产物）
type Writer struct {
	client *http.Client
	root   string
	group  singleflight.Group
	log    *zap.SugaredLogger

	// IdleTimeout <= 0 时使用 DefaultIdleTimeout。
	IdleTimeout time.Duration

	reserved []string
}

func New(client *http.Client, root string) *Writer {
	if client == nil {
		client = http.DefaultClient
	}
	return &Writer{client: client, root: root, log: zap.S().Named("mirror")}
}

// Reserve 登记不允许被镜像覆盖的绝对路径（文件或目录）。
func (w *Writer) Reserve(paths ...string) {
	w.reserved = append(w.reserved, paths...)
}

// Path 返回 ref 在镜像根目录下的绝对路径。
func (w *Writer) Path(ref domain.FileReference) (string, error) {
	if ref.LocalPath == "" {
		return "", fmt.Errorf("无法从 URL 推导本地路径：%q", ref.URL)
	}
	p, err := fsx.JoinUnder(w.root, ref.LocalPath)
	if err != nil {
		return "", err
	}
	if err := fsx.CheckReserved(p, w.reserved); err != nil {
		return "", err
	}
	return p, nil
}

// Mirror 确保 ref 在本地存在。每个 ref 恰好得到一个 MirrorOutcome。
//
// 同一目标路径的并发调用会被合并为一次下载，共享同一结果。
func (w *Writer) Mirror(ctx context.Context, ref domain.FileReference) domain.MirrorOutcome {
	dst, err := w.Path(ref)
	if err != nil {
		return domain.Failed(err.Error())
	}
	v, _, _ := w.group.Do(dst, func() (any, error) {
		return w.mirror(ctx, ref.URL, dst), nil
	})
	return v.(domain.MirrorOutcome)
}

func (w *Writer) mirror(ctx context.Context, rawURL, dst string) (out domain.MirrorOutcome) {
	defer func() {
		if r := recover(); r != nil {
			out = domain.Failed(fmt.Sprintf("panic: %v", r))
		}
	}()

	size, exists, err := fsx.StatFile(dst)
	if err != nil {
		return domain.Failed(err.Error())
	}
	if exists {
		return domain.AlreadyPresent(size)
	}

	if err := ctx.Err(); err != nil {
		return domain.Failed(err.Error())
	}

	// 每次成功读到数据都会重置计时；计时到期即取消请求，阻塞中的 Read 随之返回错误。
	idle := w.IdleTimeout
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}
	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var stalled atomic.Bool
	timer := time.AfterFunc(idle, func() {
		stalled.Store(true)
		cancel()
	})
	defer timer.Stop()

	stallErr := func(err error) domain.MirrorOutcome {
		if stalled.Load() && ctx.Err() == nil {
			return domain.Failed(fmt.Sprintf("下载超时：%s 内没有收到数据", idle))
		}
		return domain.Failed(err.Error())
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		return domain.Failed(err.Error())
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return stallErr(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return domain.Failed(fmt.Sprintf("HTTP %d", resp.StatusCode))
	}

	// 正文短于 Content-Length 时 net/http 会返回 io.ErrUnexpectedEOF，临时文件随之删除。
	body := &idleReader{r: resp.Body, timer: timer, idle: idle}
	n, err := fsx.WriteStreamAtomic(dst, body)
	if err != nil {
		if stalled.Load() && ctx.Err() == nil {
			return stallErr(err)
		}
		return domain.Failed(fmt.Sprintf("写入失败：%v", err))
	}
	w.log.Debugw("downloaded", "url", rawURL, "path", dst, "bytes", n)
	return domain.Downloaded(n)
}

// idleReader 在每次读到数据时把停滞计时器往后推。
type idleReader struct {
	r     io.Reader
	timer *time.Timer
	idle  time.Duration
}

func (ir *idleReader) Read(p []byte) (int, error) {
	n, err := ir.r.Read(p)
	if n > 0 {
		ir.timer.Reset(ir.idle)
	}
	return n, err
}
