package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/John-Robertt/korpus/internal/app/run"
	"github.com/John-Robertt/korpus/internal/config"
	"github.com/John-Robertt/korpus/internal/domain"
	"github.com/John-Robertt/korpus/internal/infra/fsx"
)

// 退出码：0 成功（单个文件失败已记录在索引中）；1 致命错误；2 参数/配置错误。
const (
	exitOK     = 0
	exitFatal  = 1
	exitConfig = 2
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := runApp(ctx, os.Args, os.Stdout, os.Stderr)
	stop()
	_ = zap.L().Sync()
	os.Exit(code)
}

// runApp 返回退出码而不是直接退出，便于测试。
func runApp(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	code := exitOK
	app := newApp(stdout, stderr, &code)
	if err := app.RunContext(ctx, args); err != nil {
		var ec cli.ExitCoder
		if errors.As(err, &ec) {
			if msg := ec.Error(); msg != "" {
				fmt.Fprintln(stderr, msg)
			}
			return ec.ExitCode()
		}
		// urfave/cli 自身的参数解析错误。
		fmt.Fprintf(stderr, "参数错误：%v\n", err)
		return exitConfig
	}
	return code
}

func newApp(stdout, stderr io.Writer, code *int) *cli.App {
	return &cli.App{
		Name:            "korpus",
		Usage:           "mirror a corpus published as an HTML table and build a CSV index",
		Writer:          stdout,
		ErrWriter:       stderr,
		HideHelpCommand: true,
		// 退出码由 runApp 统一处理。
		ExitErrHandler: func(*cli.Context, error) {},
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "verbose", Aliases: []string{"v"}, Usage: "debug logging"},
		},
		Before: func(c *cli.Context) error {
			return setupLogger(c.Bool("verbose"))
		},
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "discover, mirror, index and/or analyze",
				Flags:  runFlags(),
				Action: func(c *cli.Context) error { return runCmd(c, stdout, stderr, code) },
			},
		},
	}
}

func runFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "config `FILE` (default ./" + config.DefaultConfigName + " if present)"},
		&cli.StringFlag{Name: "page-url", Usage: "`URL` of the page holding the corpus table"},
		&cli.StringFlag{Name: "base-url", Usage: "`URL` that relative file links resolve against"},
		&cli.StringFlag{Name: "verify", Usage: "TLS verification: true | false | path to a CA `FILE`"},
		&cli.StringFlag{Name: "root", Usage: "mirror root `DIR`"},
		&cli.StringFlag{Name: "index-name", Usage: "index file `NAME` under the root"},
		&cli.StringFlag{Name: "index-path", Usage: "explicit index `PATH` (overrides --index-name)"},
		&cli.StringFlag{Name: "mode", Usage: "download | analyze | both"},
		&cli.IntFlag{Name: "concurrency", Usage: "parallel downloads (1-32)"},
		&cli.IntFlag{Name: "text-columns", Usage: "number of leading text columns"},
		&cli.StringFlag{Name: "ffprobe", Usage: "ffprobe `BINARY`; empty disables metadata"},
		&cli.StringFlag{Name: "sqlite", Usage: "also write the index to this SQLite `FILE`"},
		&cli.StringFlag{Name: "duration-column", Usage: "file column used for duration statistics"},
		&cli.DurationFlag{Name: "download-idle-timeout", Usage: "give up a download after this long without data (e.g. 60s)"},
		&cli.DurationFlag{Name: "probe-timeout", Usage: "per-file ffprobe time limit (e.g. 60s)"},
		&cli.BoolFlag{Name: "dry-run", Usage: "discover and plan only; download and write nothing"},
	}
}

func setupLogger(verbose bool) error {
	cfg := zap.NewDevelopmentConfig()
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	cfg.DisableStacktrace = true
	if !verbose {
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	logger, err := cfg.Build()
	if err != nil {
		return cli.Exit(fmt.Sprintf("初始化日志失败：%v", err), exitFatal)
	}
	zap.ReplaceGlobals(logger)
	return nil
}

func cliArgs(c *cli.Context) config.CLIArgs {
	str := func(name string) *string {
		if !c.IsSet(name) {
			return nil
		}
		v := c.String(name)
		return &v
	}
	num := func(name string) *int {
		if !c.IsSet(name) {
			return nil
		}
		v := c.Int(name)
		return &v
	}
	dur := func(name string) *time.Duration {
		if !c.IsSet(name) {
			return nil
		}
		v := c.Duration(name)
		return &v
	}
	return config.CLIArgs{
		ConfigPath:     c.String("config"),
		DryRun:         c.Bool("dry-run"),
		PageURL:        str("page-url"),
		BaseURL:        str("base-url"),
		Verify:         str("verify"),
		Root:           str("root"),
		IndexName:      str("index-name"),
		IndexPath:      str("index-path"),
		Mode:           str("mode"),
		Concurrency:    num("concurrency"),
		TextColumns:    num("text-columns"),
		FFProbe:        str("ffprobe"),
		SQLite:         str("sqlite"),
		DurationColumn: str("duration-column"),

		DownloadIdleTimeout: dur("download-idle-timeout"),
		ProbeTimeout:        dur("probe-timeout"),
	}
}

func runCmd(c *cli.Context, stdout, stderr io.Writer, code *int) error {
	if c.NArg() > 0 {
		return cli.Exit(fmt.Sprintf("参数错误：不接受位置参数 %q", c.Args().First()), exitConfig)
	}

	cwd, err := os.Getwd()
	if err != nil {
		return cli.Exit(fmt.Sprintf("读取当前目录失败：%v", err), exitFatal)
	}
	cfg, err := config.Load(cwd, cliArgs(c))
	if err != nil {
		return cli.Exit(fmt.Sprintf("配置错误（%s）：%v", config.Code(err), err), exitConfig)
	}

	ui := newProgressUI(stderr, analysisWriter(stdout, stderr), isTTY(stderr))
	rr, runErr := run.ExecuteWithObserver(c.Context, cfg, ui)
	ui.Close()

	// 非 dry-run 的采集会在 <root>/cache/report.json 留下本次报告。
	if cfg.Downloads() && !cfg.DryRun && cfg.Root != "" {
		if err := writeReportFile(cfg.Root, rr); err != nil {
			zap.S().Named("cli").Warnw("写入 report.json 失败", "error", err)
		}
	}
	emitReport(stdout, stderr, rr)

	if runErr != nil {
		if errors.Is(runErr, context.Canceled) {
			return cli.Exit("已中断：索引未更新（已下载的文件保留，重跑时会跳过）", exitFatal)
		}
		return cli.Exit(fmt.Sprintf("运行失败：%v", runErr), exitFatal)
	}
	*code = exitOK
	return nil
}

// analysisWriter：stdout 是终端时分析结果直接输出到 stdout；否则 stdout 只留给 JSON 报告。
func analysisWriter(stdout, stderr io.Writer) io.Writer {
	if isTTY(stdout) {
		return stdout
	}
	return stderr
}

func emitReport(stdout, stderr io.Writer, rr domain.RunReport) {
	s := rr.Summary
	line := fmt.Sprintf("完成：discovered=%d parse_errors=%d files=%d downloaded=%d already_present=%d failed=%d metadata=%d size=%s",
		s.Discovered, s.ParseErrors, s.Files, s.Downloaded, s.AlreadyPresent, s.Failed, s.WithMetadata, humanize.Bytes(uint64(s.Bytes)),
	)
	if rr.Plan != nil && rr.DryRun {
		line += fmt.Sprintf(" plan(present=%d missing=%d conflicts=%d invalid=%d)",
			rr.Plan.Present, rr.Plan.Missing, rr.Plan.Conflicts, rr.Plan.Invalid)
	}

	if isTTY(stdout) {
		fmt.Fprintln(stdout, line)
		for _, f := range rr.Failures {
			fmt.Fprintf(stderr, "%s %s %s: %s\n", f.Key, f.Column, f.URL, f.Reason)
		}
		return
	}

	// stdout 非 TTY：stdout 必须且仅输出一个 RunReport JSON（日志/摘要走 stderr）。
	enc := json.NewEncoder(stdout)
	_ = enc.Encode(rr)
	fmt.Fprintln(stderr, line)
}

func writeReportFile(root string, rr domain.RunReport) error {
	b, err := json.MarshalIndent(rr, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')
	return fsx.WriteFileAtomic(filepath.Join(root, "cache"), "report.json", b)
}

func isTTY(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}
