package cache

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/John-Robertt/korpus/internal/infra/fsx"
)

// Store 提供 <root>/cache/ 下的文件缓存读写。
//
// 目前只缓存源页面快照：每次运行覆盖写入，便于事后追溯“本次索引是基于哪一版页面生成的”。
// 快照只用于追溯，不参与下一次运行的发现阶段（发现阶段总是重新抓取页面）。
type Store struct {
	Root     string // 镜像根目录
	ReadOnly bool
}

var ErrReadOnly = errors.New("cache: read-only")

func New(root string, readOnly bool) Store {
	return Store{
		Root:     filepath.Clean(strings.TrimSpace(root)),
		ReadOnly: readOnly,
	}
}

// PagePath 返回页面快照的绝对路径：<root>/cache/pages/<host>_<path>.html
func (s Store) PagePath(pageURL string) (string, error) {
	name, err := pageName(pageURL)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.Root, "cache", "pages", name), nil
}

func (s Store) ReadPage(pageURL string) ([]byte, bool, error) {
	path, err := s.PagePath(pageURL)
	if err != nil {
		return nil, false, err
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return b, true, nil
}

func (s Store) WritePage(pageURL string, html []byte) error {
	if s.ReadOnly {
		return ErrReadOnly
	}
	path, err := s.PagePath(pageURL)
	if err != nil {
		return err
	}
	return fsx.WriteFileAtomic(filepath.Dir(path), filepath.Base(path), html)
}

var unsafeNameRE = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

func pageName(pageURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(pageURL))
	if err != nil {
		return "", err
	}
	if u.Host == "" {
		return "", fmt.Errorf("页面 URL 缺少 host：%q", pageURL)
	}
	// 最小约束：只保留安全字符，避免路径穿越。
	raw := u.Host + "_" + strings.Trim(u.Path, "/")
	name := strings.Trim(unsafeNameRE.ReplaceAllString(raw, "_"), "._")
	name = strings.TrimSuffix(name, ".html")
	return name + ".html", nil
}
