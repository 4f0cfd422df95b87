package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/John-Robertt/korpus/internal/domain"
)

func strp(s string) *string { return &s }
func intp(n int) *int       { return &n }

func TestLoad_ExplicitConfigNotFound(t *testing.T) {
	cwd := t.TempDir()

	_, err := Load(cwd, CLIArgs{ConfigPath: "nope.yaml"})
	if Code(err) != ErrCodeNotFound {
		t.Fatalf("期望 %q，实际 err=%v (code=%q)", ErrCodeNotFound, err, Code(err))
	}
}

func TestLoad_MissingRoot(t *testing.T) {
	cwd := t.TempDir()

	_, err := Load(cwd, CLIArgs{})
	if Code(err) != ErrCodeMissingRoot {
		t.Fatalf("期望 %q，实际 err=%v (code=%q)", ErrCodeMissingRoot, err, Code(err))
	}
}

func TestLoad_AnalyzeOnlyWithIndexPath(t *testing.T) {
	cwd := t.TempDir()

	cfg, err := Load(cwd, CLIArgs{Mode: strp("analyse"), IndexPath: strp("idx.csv")})
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if cfg.Mode != domain.ModeAnalyze || cfg.Downloads() || !cfg.Analyzes() {
		t.Fatalf("mode 不符合预期：%q", cfg.Mode)
	}
	if cfg.IndexPath != filepath.Join(cwd, "idx.csv") {
		t.Fatalf("index_path 不符合预期：%q", cfg.IndexPath)
	}
}

func TestLoad_DefaultsFromAutoDiscoveredFile(t *testing.T) {
	cwd := t.TempDir()
	writeFile(t, filepath.Join(cwd, DefaultConfigName), []byte("root: data\nconcurrency: 100\n"))

	cfg, err := Load(cwd, CLIArgs{})
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if cfg.ConfigFile != filepath.Join(cwd, DefaultConfigName) {
		t.Fatalf("ConfigFile 不符合预期：%q", cfg.ConfigFile)
	}
	if cfg.Root != filepath.Join(cwd, "data") {
		t.Fatalf("root 不符合预期：%q", cfg.Root)
	}
	if cfg.IndexPath != filepath.Join(cwd, "data", DefaultIndexName) {
		t.Fatalf("index_path 应为 <root>/<index_name>，实际 %q", cfg.IndexPath)
	}
	if cfg.Concurrency != 32 {
		t.Fatalf("concurrency 应截断为 32，实际 %d", cfg.Concurrency)
	}
	if cfg.PageURL != DefaultPageURL || cfg.BaseURL != DefaultBaseURL || cfg.Mode != domain.ModeBoth {
		t.Fatalf("默认值不符合预期：%+v", cfg)
	}
	if cfg.Trust.Mode != TrustDefault || cfg.FFProbePath != DefaultFFProbe {
		t.Fatalf("默认 trust/ffprobe 不符合预期：%+v", cfg)
	}
}

func TestLoad_MergeOrder_CLIOverEnvOverFile(t *testing.T) {
	cwd := t.TempDir()
	writeFile(t, filepath.Join(cwd, "c.yaml"), []byte(`{"root": "file-root", "page_url": "https://file.test/p.html", "concurrency": 2, "ffprobe": "/opt/ffprobe"}`))
	t.Setenv("KORPUS_ROOT", "env-root")
	t.Setenv("KORPUS_PAGE_URL", "https://env.test/p.html")

	cfg, err := Load(cwd, CLIArgs{
		ConfigPath: "c.yaml",
		Root:       strp("cli-root"),
		FFProbe:    strp(""), // 显式关闭元数据
	})
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if cfg.Root != filepath.Join(cwd, "cli-root") {
		t.Fatalf("CLI 应覆盖 env/file：%q", cfg.Root)
	}
	if cfg.PageURL != "https://env.test/p.html" {
		t.Fatalf("env 应覆盖 file：%q", cfg.PageURL)
	}
	if cfg.Concurrency != 2 {
		t.Fatalf("file 中的 concurrency 应生效：%d", cfg.Concurrency)
	}
	if cfg.FFProbePath != "" {
		t.Fatalf("--ffprobe=\"\" 应关闭元数据提取：%q", cfg.FFProbePath)
	}
}

func TestLoad_EnvCoversEveryOption(t *testing.T) {
	cwd := t.TempDir()
	writeFile(t, filepath.Join(cwd, DefaultConfigName), []byte("root: r\nmode: download\ntext_columns: 2\nindex_name: file.csv\nduration_column: File Col\n"))
	t.Setenv("KORPUS_MODE", "analyze")
	t.Setenv("KORPUS_INDEX_NAME", "env.csv")
	t.Setenv("KORPUS_TEXT_COLUMNS", "3")
	t.Setenv("KORPUS_DURATION_COLUMN", "Env Col")
	t.Setenv("KORPUS_DOWNLOAD_IDLE_TIMEOUT", "5s")
	t.Setenv("KORPUS_PROBE_TIMEOUT", "2m")

	cfg, err := Load(cwd, CLIArgs{})
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if cfg.Mode != domain.ModeAnalyze {
		t.Fatalf("KORPUS_MODE 应覆盖 file：%q", cfg.Mode)
	}
	if cfg.IndexPath != filepath.Join(cwd, "r", "env.csv") {
		t.Fatalf("KORPUS_INDEX_NAME 应覆盖 file：%q", cfg.IndexPath)
	}
	if cfg.TextColumns != 3 {
		t.Fatalf("KORPUS_TEXT_COLUMNS 应覆盖 file：%d", cfg.TextColumns)
	}
	if cfg.DurationColumn != "Env Col" {
		t.Fatalf("KORPUS_DURATION_COLUMN 应覆盖 file：%q", cfg.DurationColumn)
	}
	if cfg.DownloadIdleTimeout != 5*time.Second || cfg.ProbeTimeout != 2*time.Minute {
		t.Fatalf("超时环境变量未生效：%s / %s", cfg.DownloadIdleTimeout, cfg.ProbeTimeout)
	}

	// CLI 仍然优先
	cfg, err = Load(cwd, CLIArgs{Mode: strp("both"), TextColumns: intp(1)})
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if cfg.Mode != domain.ModeBoth || cfg.TextColumns != 1 {
		t.Fatalf("CLI 应覆盖 env：mode=%q text_columns=%d", cfg.Mode, cfg.TextColumns)
	}
}

func TestLoad_Timeouts(t *testing.T) {
	cwd := t.TempDir()

	cfg, err := Load(cwd, CLIArgs{Root: strp("r")})
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if cfg.DownloadIdleTimeout != DefaultDownloadIdleTimeout || cfg.ProbeTimeout != DefaultProbeTimeout {
		t.Fatalf("默认超时不符合预期：%s / %s", cfg.DownloadIdleTimeout, cfg.ProbeTimeout)
	}

	writeFile(t, filepath.Join(cwd, DefaultConfigName), []byte("root: r\ndownload_idle_timeout: 90s\nprobe_timeout: 10s\n"))
	cfg, err = Load(cwd, CLIArgs{})
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if cfg.DownloadIdleTimeout != 90*time.Second || cfg.ProbeTimeout != 10*time.Second {
		t.Fatalf("配置文件中的超时未生效：%s / %s", cfg.DownloadIdleTimeout, cfg.ProbeTimeout)
	}

	neg := -time.Second
	_, err = Load(cwd, CLIArgs{DownloadIdleTimeout: &neg, ProbeTimeout: &neg})
	if Code(err) != ErrCodeInvalid {
		t.Fatalf("期望 %q，实际 err=%v", ErrCodeInvalid, err)
	}
	for _, want := range []string{"download_idle_timeout", "probe_timeout"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("错误信息应包含 %q：%s", want, err.Error())
		}
	}
}

func TestLoad_VerifyVariants(t *testing.T) {
	cwd := t.TempDir()
	ca := filepath.Join(cwd, "ca.crt")
	writeFile(t, ca, []byte("pem"))

	cases := []struct {
		name string
		yaml string
		want Trust
	}{
		{"bool-true", "root: r\nverify: true\n", DefaultTrust()},
		{"bool-false", "root: r\nverify: false\n", SkipTrust()},
		{"path", "root: r\nverify: ca.crt\n", ExplicitTrust(ca)},
		{"absent", "root: r\n", DefaultTrust()},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			writeFile(t, filepath.Join(cwd, DefaultConfigName), []byte(tc.yaml))
			cfg, err := Load(cwd, CLIArgs{})
			if err != nil {
				t.Fatalf("不期望错误：%v", err)
			}
			if cfg.Trust != tc.want {
				t.Fatalf("期望 %v，实际 %v", tc.want, cfg.Trust)
			}
		})
	}
}

func TestLoad_VerifyCLIOverridesFile(t *testing.T) {
	cwd := t.TempDir()
	writeFile(t, filepath.Join(cwd, DefaultConfigName), []byte("root: r\nverify: true\n"))

	cfg, err := Load(cwd, CLIArgs{Verify: strp("false")})
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if cfg.Trust.Mode != TrustSkip {
		t.Fatalf("--verify=false 应覆盖配置：%v", cfg.Trust)
	}
}

func TestLoad_InvalidAggregatesProblems(t *testing.T) {
	cwd := t.TempDir()

	_, err := Load(cwd, CLIArgs{
		Root:        strp("r"),
		Mode:        strp("bogus"),
		TextColumns: intp(-1),
		Verify:      strp("missing-ca.crt"),
	})
	if Code(err) != ErrCodeInvalid {
		t.Fatalf("期望 %q，实际 err=%v", ErrCodeInvalid, err)
	}
	msg := err.Error()
	for _, want := range []string{"mode", "text_columns", "verify"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("错误信息应包含 %q：%s", want, msg)
		}
	}
}

func TestLoad_InvalidPageURL(t *testing.T) {
	cwd := t.TempDir()

	_, err := Load(cwd, CLIArgs{Root: strp("r"), PageURL: strp("ftp://x/y")})
	if Code(err) != ErrCodeInvalid {
		t.Fatalf("期望 %q，实际 err=%v", ErrCodeInvalid, err)
	}
}

func TestParseTrust(t *testing.T) {
	for in, want := range map[string]TrustMode{
		"":          TrustDefault,
		"TRUE":      TrustDefault,
		"false":     TrustSkip,
		"/etc/x.pm": TrustExplicit,
	} {
		got, err := ParseTrust(in)
		if err != nil {
			t.Fatalf("不期望错误：%v", err)
		}
		if got.Mode != want {
			t.Fatalf("ParseTrust(%q) 期望 %v，实际 %v", in, want, got.Mode)
		}
	}
}

func writeFile(t *testing.T, path string, b []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("创建目录失败：%v", err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		t.Fatalf("写文件失败：%v", err)
	}
}
