package index

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/John-Robertt/korpus/internal/domain"
	"github.com/John-Robertt/korpus/internal/infra/fsx"
)

// FileColumns 是每行在源表格文本列之后固定追加的列。
var FileColumns = []string{
	"row", "key", "column", "url", "local_path",
	"status", "reason", "bytes",
	"duration", "width", "height", "codec", "bitrate", "format",
}

// PersistError 表示索引无法写入目标位置。对整个运行是致命的。
type PersistError struct {
	Path string
	Err  error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("写入索引失败：%q：%v", e.Path, e.Err)
}

func (e *PersistError) Unwrap() error { return e.Err }

// Persist 把表写为 CSV（带表头，每个 IndexRow 一行），整体替换 dest 处已有的文件。
//
// 写入走临时文件 + rename：失败时 dest 保持原样。
func Persist(t domain.Table, dest string) error {
	data, err := Encode(t)
	if err != nil {
		return &PersistError{Path: dest, Err: err}
	}
	dir, name := filepath.Split(filepath.Clean(dest))
	if dir == "" {
		dir = "."
	}
	if err := fsx.WriteFileAtomic(dir, name, data); err != nil {
		return &PersistError{Path: dest, Err: err}
	}
	return nil
}

// Encode 把表编码为 CSV 字节。相同的表总是得到相同的字节。
func Encode(t domain.Table) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	header := make([]string, 0, len(t.Header)+len(FileColumns))
	header = append(header, t.Header...)
	header = append(header, FileColumns...)
	if err := w.Write(header); err != nil {
		return nil, err
	}

	rec := make([]string, len(header))
	for _, r := range t.Rows {
		for i, name := range t.Header {
			rec[i] = r.Field(name)
		}
		copy(rec[len(t.Header):], fileValues(r))
		if err := w.Write(rec); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func fileValues(r domain.IndexRow) []string {
	v := []string{
		strconv.Itoa(r.Row), r.Key, r.Column, r.URL, r.LocalPath,
		r.Outcome.Status, r.Outcome.Reason, "",
		"", "", "", "", "", "",
	}
	if r.Outcome.Present() {
		v[7] = strconv.FormatInt(r.Outcome.Bytes, 10)
	}
	if m := r.Meta; m != nil {
		v[8] = strconv.FormatFloat(m.Duration, 'f', 3, 64)
		v[9] = itoaNonZero(int64(m.Width))
		v[10] = itoaNonZero(int64(m.Height))
		v[11] = m.Codec
		v[12] = itoaNonZero(m.BitRate)
		v[13] = m.Format
	}
	return v
}

func itoaNonZero(n int64) string {
	if n == 0 {
		return ""
	}
	return strconv.FormatInt(n, 10)
}

var ErrBadHeader = errors.New("索引表头缺少固定列")

// Load 读取 Persist 写出的索引（analyze 模式的唯一输入）。
func Load(path string) (domain.Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return domain.Table{}, err
	}
	defer f.Close()
	return Decode(f)
}

// Decode 按位置解析：末尾 len(FileColumns) 列是固定列，其余是源表格文本列。
func Decode(r io.Reader) (domain.Table, error) {
	cr := csv.NewReader(r)
	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return domain.Table{}, ErrBadHeader
		}
		return domain.Table{}, err
	}
	nf := len(header) - len(FileColumns)
	if nf < 0 {
		return domain.Table{}, ErrBadHeader
	}
	for i, c := range FileColumns {
		if header[nf+i] != c {
			return domain.Table{}, fmt.Errorf("%w：第 %d 列期望 %q，实际 %q", ErrBadHeader, nf+i+1, c, header[nf+i])
		}
	}

	t := domain.Table{Header: append([]string(nil), header[:nf]...)}
	line := 1
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return domain.Table{}, err
		}
		row, err := decodeRow(t.Header, rec[nf:], rec[:nf])
		if err != nil {
			return domain.Table{}, fmt.Errorf("第 %d 行：%w", line, err)
		}
		t.Rows = append(t.Rows, row)
	}
	return t, nil
}

func decodeRow(names, v, fields []string) (domain.IndexRow, error) {
	row := domain.IndexRow{
		Key:       v[1],
		Column:    v[2],
		URL:       v[3],
		LocalPath: v[4],
		Outcome:   domain.MirrorOutcome{Status: v[5], Reason: v[6]},
		Fields:    make([]domain.Field, len(names)),
	}
	for i, n := range names {
		row.Fields[i] = domain.Field{Name: n, Value: fields[i]}
	}

	var err error
	if row.Row, err = strconv.Atoi(v[0]); err != nil {
		return row, fmt.Errorf("row 无效：%q", v[0])
	}
	if v[7] != "" {
		if row.Outcome.Bytes, err = strconv.ParseInt(v[7], 10, 64); err != nil {
			return row, fmt.Errorf("bytes 无效：%q", v[7])
		}
	}

	if v[8] == "" && v[9] == "" && v[10] == "" && v[11] == "" && v[12] == "" && v[13] == "" {
		return row, nil
	}
	m := &domain.MediaMetadata{Codec: v[11], Format: v[13]}
	if v[8] != "" {
		if m.Duration, err = strconv.ParseFloat(v[8], 64); err != nil {
			return row, fmt.Errorf("duration 无效：%q", v[8])
		}
	}
	if m.Width, err = atoiEmpty(v[9]); err != nil {
		return row, fmt.Errorf("width 无效：%q", v[9])
	}
	if m.Height, err = atoiEmpty(v[10]); err != nil {
		return row, fmt.Errorf("height 无效：%q", v[10])
	}
	if v[12] != "" {
		if m.BitRate, err = strconv.ParseInt(v[12], 10, 64); err != nil {
			return row, fmt.Errorf("bitrate 无效：%q", v[12])
		}
	}
	row.Meta = m
	return row, nil
}

func atoiEmpty(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}
