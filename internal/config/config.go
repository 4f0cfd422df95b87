package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/ilyakaznacheev/cleanenv"
	"gopkg.in/yaml.v3"

	"github.com/John-Robertt/korpus/internal/domain"
)

const (
	// ErrCodeNotFound 表示显式指定的配置文件不存在。
	ErrCodeNotFound = "config_not_found"
	// ErrCodeInvalid 表示配置文件/环境变量无法读取/解析，或字段不合法。
	ErrCodeInvalid = "config_invalid"
	// ErrCodeMissingRoot 表示 download/both 模式缺少镜像根目录。
	ErrCodeMissingRoot = "config_missing_root"
)

const (
	// DefaultConfigName 是 cwd 下自动发现的配置文件名（可选）。
	DefaultConfigName = "korpus.yaml"

	DefaultPageURL     = "https://www.sign-lang.uni-hamburg.de/meinedgs/ling/start-name_en.html"
	DefaultBaseURL     = "https://www.sign-lang.uni-hamburg.de/meinedgs/"
	DefaultIndexName   = "korpus_index.csv"
	DefaultConcurrency = 4
	// DefaultTextColumns：前 4 列（Transcript/Age Group/Format/Topics）为文本列，其余为文件列。
	DefaultTextColumns    = 4
	DefaultFFProbe        = "ffprobe"
	DefaultDurationColumn = "Video Total"
	// DefaultDownloadIdleTimeout：下载连续这么久收不到数据即放弃该文件。
	DefaultDownloadIdleTimeout = 60 * time.Second
	DefaultProbeTimeout        = 60 * time.Second
)

// CLIArgs 是命令行入口。指针为 nil 表示“未显式指定”，这样覆盖优先级才可实现：
// 例如 --ffprobe="" 必须能覆盖配置文件里的 ffprobe 路径（用于关闭元数据提取）。
type CLIArgs struct {
	ConfigPath string
	// DryRun 只发现与盘点，不下载、不写索引。
	DryRun bool

	PageURL        *string
	BaseURL        *string
	Verify         *string
	Root           *string
	IndexName      *string
	IndexPath      *string
	Mode           *string
	Concurrency    *int
	TextColumns    *int
	FFProbe        *string
	SQLite         *string
	DurationColumn *string

	DownloadIdleTimeout *time.Duration
	ProbeTimeout        *time.Duration
}

// FileConfig 对应 korpus.yaml（YAML 或 JSON 语法均可）。
type FileConfig struct {
	PageURL        string  `yaml:"page_url"`
	BaseURL        string  `yaml:"base_url"`
	Verify         *Trust  `yaml:"verify"`
	Root           string  `yaml:"root"`
	IndexName      string  `yaml:"index_name"`
	IndexPath      string  `yaml:"index_path"`
	Mode           string  `yaml:"mode"`
	Concurrency    int     `yaml:"concurrency"`
	TextColumns    int     `yaml:"text_columns"`
	FFProbe        *string `yaml:"ffprobe"`
	SQLite         string  `yaml:"sqlite"`
	DurationColumn string  `yaml:"duration_column"`
	// 时长写作 "60s"、"2m" 等。
	DownloadIdleTimeout time.Duration `yaml:"download_idle_timeout"`
	ProbeTimeout        time.Duration `yaml:"probe_timeout"`
}

// EnvConfig 是 KORPUS_* 环境变量（由 cleanenv 读取，未设置的变量保持空值）。
type EnvConfig struct {
	PageURL             string        `env:"KORPUS_PAGE_URL"`
	BaseURL             string        `env:"KORPUS_BASE_URL"`
	Verify              string        `env:"KORPUS_VERIFY"`
	Root                string        `env:"KORPUS_ROOT"`
	IndexName           string        `env:"KORPUS_INDEX_NAME"`
	IndexPath           string        `env:"KORPUS_INDEX_PATH"`
	Mode                string        `env:"KORPUS_MODE"`
	Concurrency         int           `env:"KORPUS_CONCURRENCY"`
	TextColumns         int           `env:"KORPUS_TEXT_COLUMNS"`
	FFProbe             string        `env:"KORPUS_FFPROBE"`
	SQLite              string        `env:"KORPUS_SQLITE"`
	DurationColumn      string        `env:"KORPUS_DURATION_COLUMN"`
	DownloadIdleTimeout time.Duration `env:"KORPUS_DOWNLOAD_IDLE_TIMEOUT"`
	ProbeTimeout        time.Duration `env:"KORPUS_PROBE_TIMEOUT"`
}

// Config 是合并并规范化后的最终配置，通过参数显式传入流水线（不存在包级默认状态）。
type Config struct {
	ConfigFile string // 实际读取的配置文件；未读取时为空

	PageURL string
	BaseURL string
	Trust   Trust

	Root      string
	IndexPath string // 绝对路径：index_path 优先，否则 <root>/<index_name>
	Mode      string
	DryRun    bool

	Concurrency    int
	TextColumns    int
	FFProbePath    string // 为空表示关闭元数据提取
	SQLitePath     string
	DurationColumn string

	DownloadIdleTimeout time.Duration
	ProbeTimeout        time.Duration
}

// Downloads 表示本次运行需要执行采集阶段。
func (c Config) Downloads() bool { return c.Mode == domain.ModeDownload || c.Mode == domain.ModeBoth }

// Analyzes 表示本次运行需要执行分析阶段。
func (c Config) Analyzes() bool { return c.Mode == domain.ModeAnalyze || c.Mode == domain.ModeBoth }

// Error 是配置阶段的结构化错误（带 error_code）。
type Error struct {
	Code string
	Path string
	Err  error
}

func (e *Error) Error() string {
	switch e.Code {
	case ErrCodeNotFound:
		return fmt.Sprintf("%s：未找到配置文件 %q", e.Code, e.Path)
	case ErrCodeMissingRoot:
		return fmt.Sprintf("%s：未指定镜像根目录（--root / root / KORPUS_ROOT）", e.Code)
	default:
		if e.Err != nil && e.Path != "" {
			return fmt.Sprintf("%s：配置 %q 无效：%v", e.Code, e.Path, e.Err)
		}
		if e.Err != nil {
			return fmt.Sprintf("%s：%v", e.Code, e.Err)
		}
		return e.Code
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Code 从 error 中提取 error_code；若不是 *Error 则返回空串。
func Code(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Load 发现并读取配置文件、读取环境变量，再与 CLI 参数合并为最终配置。
//
// 发现规则：
// 1) CLI 提供 --config：必须存在
// 2) 否则尝试 <cwd>/korpus.yaml（可选）
//
// 覆盖优先级：CLI > env > 配置文件 > 内置默认值。
func Load(cwd string, cli CLIArgs) (Config, error) {
	cwdAbs, err := filepath.Abs(cwd)
	if err != nil {
		return Config{}, &Error{Code: ErrCodeInvalid, Path: cwd, Err: err}
	}

	var (
		cfgPath string
		fc      FileConfig
		exists  bool
	)
	if strings.TrimSpace(cli.ConfigPath) != "" {
		cfgPath = absCleanFrom(cwdAbs, cli.ConfigPath)
		fc, exists, err = readFileConfig(cfgPath)
		if err != nil {
			return Config{}, &Error{Code: ErrCodeInvalid, Path: cfgPath, Err: err}
		}
		if !exists {
			return Config{}, &Error{Code: ErrCodeNotFound, Path: cfgPath, Err: os.ErrNotExist}
		}
	} else {
		cfgPath = filepath.Join(cwdAbs, DefaultConfigName)
		fc, exists, err = readFileConfig(cfgPath)
		if err != nil {
			return Config{}, &Error{Code: ErrCodeInvalid, Path: cfgPath, Err: err}
		}
		if !exists {
			cfgPath = ""
		}
	}

	var env EnvConfig
	if err := cleanenv.ReadEnv(&env); err != nil {
		return Config{}, &Error{Code: ErrCodeInvalid, Path: "env", Err: err}
	}

	return merge(cwdAbs, cfgPath, cli, env, fc)
}

func merge(cwdAbs, cfgPath string, cli CLIArgs, env EnvConfig, fc FileConfig) (Config, error) {
	var problems error

	cfg := Config{
		ConfigFile:     cfgPath,
		DryRun:         cli.DryRun,
		PageURL:        pickString(cli.PageURL, env.PageURL, fc.PageURL, DefaultPageURL),
		BaseURL:        pickString(cli.BaseURL, env.BaseURL, fc.BaseURL, DefaultBaseURL),
		Root:           pickString(cli.Root, env.Root, fc.Root, ""),
		Mode:           strings.ToLower(pickString(cli.Mode, env.Mode, fc.Mode, domain.ModeBoth)),
		SQLitePath:     pickString(cli.SQLite, env.SQLite, fc.SQLite, ""),
		DurationColumn: pickString(cli.DurationColumn, env.DurationColumn, fc.DurationColumn, DefaultDurationColumn),
	}

	// verify：CLI > env > config > 默认校验
	cfg.Trust = DefaultTrust()
	switch {
	case cli.Verify != nil:
		cfg.Trust, _ = ParseTrust(*cli.Verify)
	case strings.TrimSpace(env.Verify) != "":
		cfg.Trust, _ = ParseTrust(env.Verify)
	case fc.Verify != nil:
		cfg.Trust = *fc.Verify
	}
	if cfg.Trust.Mode == TrustExplicit {
		cfg.Trust.CAFile = absCleanFrom(cwdAbs, cfg.Trust.CAFile)
		if _, err := os.Stat(cfg.Trust.CAFile); err != nil {
			problems = multierror.Append(problems, fmt.Errorf("verify 证书不可读：%w", err))
		}
	}

	// ffprobe：允许显式设置为空串以关闭元数据提取，因此区分“未设置”和“空”。
	cfg.FFProbePath = DefaultFFProbe
	switch {
	case cli.FFProbe != nil:
		cfg.FFProbePath = strings.TrimSpace(*cli.FFProbe)
	case strings.TrimSpace(env.FFProbe) != "":
		cfg.FFProbePath = strings.TrimSpace(env.FFProbe)
	case fc.FFProbe != nil:
		cfg.FFProbePath = strings.TrimSpace(*fc.FFProbe)
	}

	cfg.Concurrency = pickInt(cli.Concurrency, env.Concurrency, fc.Concurrency, DefaultConcurrency)
	// 约定范围 [1, 32]；超出截断（对远端服务器保持礼貌）。
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.Concurrency > 32 {
		cfg.Concurrency = 32
	}
	cfg.TextColumns = pickInt(cli.TextColumns, env.TextColumns, fc.TextColumns, DefaultTextColumns)
	if cfg.TextColumns < 1 {
		problems = multierror.Append(problems, fmt.Errorf("text_columns 必须 >= 1，实际 %d", cfg.TextColumns))
	}

	cfg.DownloadIdleTimeout = pickDuration(cli.DownloadIdleTimeout, env.DownloadIdleTimeout, fc.DownloadIdleTimeout, DefaultDownloadIdleTimeout)
	if cfg.DownloadIdleTimeout <= 0 {
		problems = multierror.Append(problems, fmt.Errorf("download_idle_timeout 必须 > 0，实际 %s", cfg.DownloadIdleTimeout))
	}
	cfg.ProbeTimeout = pickDuration(cli.ProbeTimeout, env.ProbeTimeout, fc.ProbeTimeout, DefaultProbeTimeout)
	if cfg.ProbeTimeout <= 0 {
		problems = multierror.Append(problems, fmt.Errorf("probe_timeout 必须 > 0，实际 %s", cfg.ProbeTimeout))
	}

	switch cfg.Mode {
	case domain.ModeDownload, domain.ModeAnalyze, domain.ModeBoth:
	case "analyse":
		cfg.Mode = domain.ModeAnalyze
	default:
		problems = multierror.Append(problems, fmt.Errorf("mode 只能是 download/analyze/both，实际是 %q", cfg.Mode))
	}

	if cfg.Downloads() {
		if err := validateHTTPURL("page_url", cfg.PageURL); err != nil {
			problems = multierror.Append(problems, err)
		}
		if err := validateHTTPURL("base_url", cfg.BaseURL); err != nil {
			problems = multierror.Append(problems, err)
		}
	}

	if cfg.Root != "" {
		cfg.Root = absCleanFrom(cwdAbs, cfg.Root)
	}
	indexPath := pickString(cli.IndexPath, env.IndexPath, fc.IndexPath, "")
	indexName := pickString(cli.IndexName, env.IndexName, fc.IndexName, DefaultIndexName)
	switch {
	case indexPath != "":
		cfg.IndexPath = absCleanFrom(cwdAbs, indexPath)
	case cfg.Root != "":
		cfg.IndexPath = filepath.Join(cfg.Root, filepath.Base(indexName))
	}
	if cfg.SQLitePath != "" {
		cfg.SQLitePath = absCleanFrom(cwdAbs, cfg.SQLitePath)
	}

	if problems != nil {
		return Config{}, &Error{Code: ErrCodeInvalid, Path: cfgPath, Err: problems}
	}
	// 下载需要根目录；仅分析时只要能定位到索引文件即可。
	if cfg.Root == "" && (cfg.Downloads() || cfg.IndexPath == "") {
		return Config{}, &Error{Code: ErrCodeMissingRoot, Path: cfgPath}
	}
	return cfg, nil
}

func pickString(cli *string, env, file, def string) string {
	if cli != nil {
		return strings.TrimSpace(*cli)
	}
	if s := strings.TrimSpace(env); s != "" {
		return s
	}
	if s := strings.TrimSpace(file); s != "" {
		return s
	}
	return def
}

func pickInt(cli *int, env, file, def int) int {
	if cli != nil {
		return *cli
	}
	if env != 0 {
		return env
	}
	if file != 0 {
		return file
	}
	return def
}

func pickDuration(cli *time.Duration, env, file, def time.Duration) time.Duration {
	if cli != nil {
		return *cli
	}
	if env != 0 {
		return env
	}
	if file != 0 {
		return file
	}
	return def
}

func validateHTTPURL(name, raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%s 无效：%q", name, raw)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s 必须是 http/https：%q", name, raw)
	}
	return nil
}

// absCleanFrom 以 base 为基准，把 p 变为 clean + absolute。
func absCleanFrom(base, p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return ""
	}
	p = filepath.Clean(p)
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Clean(filepath.Join(base, p))
}

// readFileConfig 读取并解析配置文件。exists 表示该文件是否存在（不存在不算错误）。
func readFileConfig(path string) (fc FileConfig, exists bool, err error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return FileConfig{}, false, nil
		}
		return FileConfig{}, false, err
	}
	if err := yaml.Unmarshal(b, &fc); err != nil {
		return FileConfig{}, true, err
	}
	return fc, true, nil
}
