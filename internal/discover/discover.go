package discover

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"iter"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html/charset"

	"github.com/John-Robertt/korpus/internal/domain"
)

// DefaultTextColumns 是表格前几列为文本列（其后都是文件列）。
const DefaultTextColumns = 4

// 源页面通常在几百 KB 以内；超过上限视为异常页面。
const maxPageBytes = 32 << 20

type Options struct {
	PageURL string
	BaseURL string

	// TextColumns：下标 < TextColumns 的列是文本列，其余列中的 <a href> 是文件链接。
	TextColumns int
}

// Discoverer 抓取源页面并解析其中的数据表。
type Discoverer struct {
	client *http.Client
	opts   Options
}

func New(client *http.Client, opts Options) *Discoverer {
	if client == nil {
		client = http.DefaultClient
	}
	return &Discoverer{client: client, opts: opts}
}

// Discover 只请求一次页面。
//
// 任何网络/TLS/非 2xx/整体结构错误都返回 *FetchError：没有页面就没有记录，调用方应终止运行。
func (d *Discoverer) Discover(ctx context.Context) (*Page, error) {
	body, err := d.fetch(ctx)
	if err != nil {
		return nil, err
	}
	p, err := ParsePage(body, d.opts)
	if err != nil {
		return nil, &FetchError{URL: d.opts.PageURL, Stage: "parse", Err: err}
	}
	return p, nil
}

func (d *Discoverer) fetch(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.opts.PageURL, nil)
	if err != nil {
		return nil, &FetchError{URL: d.opts.PageURL, Stage: "fetch", Err: err}
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, &FetchError{URL: d.opts.PageURL, Stage: "fetch", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil, &FetchError{URL: d.opts.PageURL, Stage: "status", StatusCode: resp.StatusCode}
	}

	// 统一转为 UTF-8：charset 会综合 Content-Type、BOM 与 <meta charset> 判断源编码。
	r, err := charset.NewReader(io.LimitReader(resp.Body, maxPageBytes+1), resp.Header.Get("Content-Type"))
	if err != nil {
		return nil, &FetchError{URL: d.opts.PageURL, Stage: "fetch", Err: err}
	}
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, &FetchError{URL: d.opts.PageURL, Stage: "fetch", Err: err}
	}
	if len(b) > maxPageBytes {
		return nil, &FetchError{URL: d.opts.PageURL, Stage: "fetch", Err: fmt.Errorf("页面超过 %d 字节", maxPageBytes)}
	}
	return b, nil
}

// Page 是已解析的源页面。Records 每次调用都会从文档重新遍历，不依赖进程状态。
type Page struct {
	HTML   []byte
	Header []string

	base     *url.URL
	textCols int
	rows     *goquery.Selection
}

// ParsePage 定位页面中的第一张 <table>，读取第一行 <th> 作为表头。
func ParsePage(html []byte, opts Options) (*Page, error) {
	base, err := url.Parse(strings.TrimSpace(opts.BaseURL))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("base_url 无效：%q", opts.BaseURL)
	}
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return nil, err
	}
	table := doc.Find("table").First()
	if table.Length() == 0 {
		return nil, ErrNoTable
	}

	trs := table.Find("tr")
	var header []string
	headerIdx := -1
	for i := range trs.Nodes {
		ths := trs.Eq(i).Find("th")
		if ths.Length() == 0 {
			continue
		}
		ths.Each(func(_ int, s *goquery.Selection) {
			header = append(header, normSpace(s.Text()))
		})
		headerIdx = i
		break
	}
	if headerIdx < 0 {
		return nil, ErrNoHeader
	}

	textCols := opts.TextColumns
	if textCols <= 0 {
		textCols = DefaultTextColumns
	}
	if textCols > len(header) {
		textCols = len(header)
	}

	// 表头之后所有含 <td> 的行都是数据行。
	rows := trs.Slice(headerIdx+1, goquery.ToEnd).FilterFunction(func(_ int, s *goquery.Selection) bool {
		return s.ChildrenFiltered("td").Length() > 0
	})

	return &Page{
		HTML:     html,
		Header:   header,
		base:     base,
		textCols: textCols,
		rows:     rows,
	}, nil
}

// Len 返回数据行数（包括之后会产生 ParseError 的行）。
func (p *Page) Len() int { return p.rows.Length() }

// Records 按表格顺序产出记录。
//
// 某行 <td> 数量与表头不一致时产出 (零值, *ParseError) 并跳过该行；调用方决定记录与计数，迭代继续。
// 记录的 Key 留空，由 app.AssignKeys 统一分配。
func (p *Page) Records() iter.Seq2[domain.ResourceRecord, error] {
	return func(yield func(domain.ResourceRecord, error) bool) {
		for i := range p.rows.Nodes {
			rec, err := p.parseRow(i, p.rows.Eq(i))
			if err != nil {
				if !yield(domain.ResourceRecord{}, err) {
					return
				}
				continue
			}
			if !yield(rec, nil) {
				return
			}
		}
	}
}

func (p *Page) parseRow(i int, tr *goquery.Selection) (domain.ResourceRecord, error) {
	tds := tr.ChildrenFiltered("td")
	if tds.Length() != len(p.Header) {
		return domain.ResourceRecord{}, &ParseError{
			Row:    i,
			Reason: fmt.Sprintf("期望 %d 列，实际 %d 列", len(p.Header), tds.Length()),
		}
	}

	rec := domain.ResourceRecord{
		Row:    i,
		Fields: make([]domain.Field, 0, p.textCols),
	}
	for c := 0; c < tds.Length(); c++ {
		td := tds.Eq(c)
		col := p.Header[c]
		if c < p.textCols {
			rec.Fields = append(rec.Fields, domain.Field{Name: col, Value: cellText(td)})
			continue
		}
		td.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
			href, _ := a.Attr("href")
			u, err := ResolveFileURL(p.base, href)
			if err != nil {
				// 保留引用：镜像阶段会把它记为 failed，而不是悄悄丢掉。
				rec.Files = append(rec.Files, domain.FileReference{Column: col, Href: href, URL: strings.TrimSpace(href)})
				return
			}
			if u == "" {
				return
			}
			lp, _ := LocalPathFor(p.base, u)
			rec.Files = append(rec.Files, domain.FileReference{
				Column:    col,
				Href:      href,
				URL:       u,
				LocalPath: lp,
			})
		})
	}
	return rec, nil
}

// cellText：含链接的文本列（例如 topics）取各链接文字并以 ", " 连接，否则取单元格文字。
func cellText(td *goquery.Selection) string {
	anchors := td.Find("a")
	if anchors.Length() == 0 {
		return normSpace(td.Text())
	}
	parts := make([]string, 0, anchors.Length())
	anchors.Each(func(_ int, a *goquery.Selection) {
		if t := normSpace(a.Text()); t != "" {
			parts = append(parts, t)
		}
	})
	return strings.Join(parts, ", ")
}

var reSpace = regexp.MustCompile(`\s+`)

func normSpace(s string) string {
	return strings.TrimSpace(reSpace.ReplaceAllString(s, " "))
}
