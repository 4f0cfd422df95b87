package domain

// IndexRow 是索引的持久化单元：一条 FileReference 对应一行，共享所属记录的文本字段。
type IndexRow struct {
	Row    int
	Key    string
	Fields []Field

	Column    string
	URL       string
	LocalPath string

	Outcome MirrorOutcome
	Meta    *MediaMetadata
}

// Table 是语料索引表。Header 为源表格文本列名（按表头顺序）。
type Table struct {
	Header []string
	Rows   []IndexRow
}

// Field 按列名读取文本字段（Rows 的 Fields 与 Header 对齐，但这里不依赖下标）。
func (r IndexRow) Field(name string) string {
	for _, f := range r.Fields {
		if f.Name == name {
			return f.Value
		}
	}
	return ""
}
