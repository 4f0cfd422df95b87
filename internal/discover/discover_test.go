package discover

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/John-Robertt/korpus/internal/domain"
)

const testBase = "https://corpus.test/meinedgs/"

func testOpts() Options {
	return Options{PageURL: "https://corpus.test/meinedgs/ling/start-name_en.html", BaseURL: testBase, TextColumns: 4}
}

// corpusPage 生成一张 n 行的表：4 个文本列 + 2 个文件列。badRow >= 0 时该行少一列。
func corpusPage(n, badRow int) string {
	var b strings.Builder
	b.WriteString(`<html><body><table>
<tr><th>Transcript</th><th>Format</th><th>Topics</th><th>Region</th><th>Video A</th><th>Video Total</th></tr>
`)
	for i := 0; i < n; i++ {
		if i == badRow {
			fmt.Fprintf(&b, "<tr><td>t%d</td><td>f</td><td>x</td></tr>\n", i)
			continue
		}
		fmt.Fprintf(&b, `<tr><td> t%[1]d </td><td>free</td><td><a href="#">Food</a> <a href="#">Travel</a></td><td>Berlin</td>`+
			`<td><a href="../korpus/t%[1]d_a.mp4">a</a></td><td><a href="../korpus/t%[1]d_total.mp4">total</a></td></tr>`+"\n", i)
	}
	b.WriteString("</table></body></html>")
	return b.String()
}

func collect(t *testing.T, p *Page) ([]domain.ResourceRecord, []error) {
	t.Helper()
	var recs []domain.ResourceRecord
	var errs []error
	for rec, err := range p.Records() {
		if err != nil {
			errs = append(errs, err)
			continue
		}
		recs = append(recs, rec)
	}
	return recs, errs
}

func TestParsePage_MalformedRowIsSkippedAndReported(t *testing.T) {
	p, err := ParsePage([]byte(corpusPage(10, 3)), testOpts())
	require.NoError(t, err)
	assert.Equal(t, 10, p.Len())

	recs, errs := collect(t, p)
	require.Len(t, recs, 9)
	require.Len(t, errs, 1)

	var pe *ParseError
	require.True(t, errors.As(errs[0], &pe))
	assert.Equal(t, 3, pe.Row)

	for _, r := range recs {
		assert.NotEqual(t, 3, r.Row)
	}
}

func TestParsePage_ColumnRules(t *testing.T) {
	p, err := ParsePage([]byte(corpusPage(1, -1)), testOpts())
	require.NoError(t, err)
	assert.Equal(t, []string{"Transcript", "Format", "Topics", "Region", "Video A", "Video Total"}, p.Header)

	recs, errs := collect(t, p)
	require.Empty(t, errs)
	require.Len(t, recs, 1)
	r := recs[0]

	assert.Equal(t, []string{"Transcript", "Format", "Topics", "Region"}, r.FieldNames())
	assert.Equal(t, "t0", field(r, "Transcript"))
	assert.Equal(t, "Food, Travel", field(r, "Topics"))

	require.Len(t, r.Files, 2)
	assert.Equal(t, domain.FileReference{
		Column:    "Video A",
		Href:      "../korpus/t0_a.mp4",
		URL:       "https://corpus.test/meinedgs/korpus/t0_a.mp4",
		LocalPath: "korpus/t0_a.mp4",
	}, r.Files[0])
	assert.Equal(t, "Video Total", r.Files[1].Column)
}

func TestParsePage_RecordsIsRestartable(t *testing.T) {
	p, err := ParsePage([]byte(corpusPage(5, 2)), testOpts())
	require.NoError(t, err)

	first, _ := collect(t, p)
	second, _ := collect(t, p)
	assert.Equal(t, first, second)
}

func TestParsePage_StopsWhenConsumerBreaks(t *testing.T) {
	p, err := ParsePage([]byte(corpusPage(5, -1)), testOpts())
	require.NoError(t, err)

	n := 0
	for range p.Records() {
		n++
		if n == 2 {
			break
		}
	}
	assert.Equal(t, 2, n)
}

func TestParsePage_StructuralErrors(t *testing.T) {
	_, err := ParsePage([]byte("<html><body><p>nothing</p></body></html>"), testOpts())
	assert.ErrorIs(t, err, ErrNoTable)

	_, err = ParsePage([]byte("<table><tr><td>a</td></tr></table>"), testOpts())
	assert.ErrorIs(t, err, ErrNoHeader)

	_, err = ParsePage([]byte(corpusPage(1, -1)), Options{BaseURL: "not a url"})
	assert.Error(t, err)
}

func TestDiscover_FetchesAndDecodesCharset(t *testing.T) {
	// "Überblick" in ISO-8859-1。
	page := strings.Replace(corpusPage(1, -1), "Berlin", "\xdcberblick", 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=iso-8859-1")
		_, _ = w.Write([]byte(page))
	}))
	defer srv.Close()

	opts := testOpts()
	opts.PageURL = srv.URL + "/start.html"
	p, err := New(srv.Client(), opts).Discover(context.Background())
	require.NoError(t, err)

	recs, _ := collect(t, p)
	require.Len(t, recs, 1)
	assert.Equal(t, "Überblick", field(recs[0], "Region"))
}

func TestDiscover_NonSuccessStatusIsFetchError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	opts := testOpts()
	opts.PageURL = srv.URL
	_, err := New(srv.Client(), opts).Discover(context.Background())

	var fe *FetchError
	require.True(t, errors.As(err, &fe), "err=%v", err)
	assert.Equal(t, "status", fe.Stage)
	assert.Equal(t, http.StatusServiceUnavailable, fe.StatusCode)
}

func TestDiscover_ConnectionRefusedIsFetchError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	opts := testOpts()
	opts.PageURL = addr
	_, err := New(nil, opts).Discover(context.Background())

	var fe *FetchError
	require.True(t, errors.As(err, &fe), "err=%v", err)
	assert.Equal(t, "fetch", fe.Stage)
}

func TestDiscover_PageWithoutTableIsFetchError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html><body>maintenance</body></html>"))
	}))
	defer srv.Close()

	opts := testOpts()
	opts.PageURL = srv.URL
	_, err := New(srv.Client(), opts).Discover(context.Background())

	var fe *FetchError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, "parse", fe.Stage)
	assert.ErrorIs(t, err, ErrNoTable)
}

func field(r domain.ResourceRecord, name string) string {
	v, _ := r.Field(name)
	return v
}
