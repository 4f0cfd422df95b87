package discover

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
)

var ErrNoFilename = errors.New("无法从 URL 推导文件名")

// ResolveFileURL 把表格中的 href 解析为绝对 URL。
//
// 页面里的文件链接是相对于页面所在目录的（例如 "../korpus/x.mp4"），而文件实际位于
// base_url 之下：因此先去掉开头的 "../" 与 "./"，再相对 base 解析。绝对 URL 原样保留。
// 返回空串表示该链接不是文件（锚点、mailto、javascript 等）。
func ResolveFileURL(base *url.URL, href string) (string, error) {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") {
		return "", nil
	}
	low := strings.ToLower(href)
	if strings.HasPrefix(low, "mailto:") || strings.HasPrefix(low, "javascript:") {
		return "", nil
	}

	ref, err := url.Parse(href)
	if err != nil {
		return "", err
	}
	if ref.IsAbs() || strings.HasPrefix(href, "//") {
		return base.ResolveReference(ref).String(), nil
	}

	rel := href
	for {
		switch {
		case strings.HasPrefix(rel, "../"):
			rel = rel[3:]
			continue
		case strings.HasPrefix(rel, "./"):
			rel = rel[2:]
			continue
		}
		break
	}
	ref, err = url.Parse(rel)
	if err != nil {
		return "", err
	}
	return base.ResolveReference(ref).String(), nil
}

// LocalPathFor 只根据 URL 推导镜像根目录下的相对路径（'/' 分隔）。
//
//   - URL 位于 base 之下：取相对 base 路径的部分，例如 base=/meinedgs/，/meinedgs/ilex/a.mp4 -> ilex/a.mp4
//   - 否则：<host>/<path>
//
// path.Clean 会消除 ".." 段，因此结果永远不会逃出镜像根目录。查询串不参与推导。
func LocalPathFor(base *url.URL, fileURL string) (string, error) {
	u, err := url.Parse(fileURL)
	if err != nil {
		return "", err
	}
	if u.Host == "" {
		return "", fmt.Errorf("URL 缺少 host：%q", fileURL)
	}
	if strings.HasSuffix(u.Path, "/") {
		return "", ErrNoFilename
	}

	p := path.Clean("/" + u.Path)
	if p == "/" {
		return "", ErrNoFilename
	}
	basePath := strings.TrimSuffix(path.Clean("/"+base.Path), "/")

	var rel string
	switch {
	case strings.EqualFold(u.Host, base.Host) && strings.HasPrefix(p, basePath+"/"):
		rel = strings.TrimPrefix(p, basePath+"/")
	default:
		rel = sanitizeHost(u.Host) + p
	}

	rel = strings.Trim(rel, "/")
	name := path.Base(rel)
	if rel == "" || strings.ReplaceAll(name, ".", "") == "" {
		return "", ErrNoFilename
	}
	return rel, nil
}

func sanitizeHost(host string) string {
	return strings.ReplaceAll(strings.ToLower(host), ":", "_")
}
