package domain

// Field 是源表格中的一个文本列（按表头顺序保存，值为原样抓取后 trim 的文本）。
type Field struct {
	Name  string
	Value string
}

// FileReference 描述表格中引用的一个远端文件。
//
// 不变量：
// - URL 已按 base_url 解析为绝对地址
// - LocalPath 只由 URL 推导（相对镜像根目录、使用 '/' 分隔），同一 URL 在任意进程中都得到同一路径
type FileReference struct {
	Column    string // 所在列的表头，例如 "Video Total"
	Href      string // 页面中原始的 href
	URL       string
	LocalPath string
}

// ResourceRecord 是源表格的一行：文本字段 + 零个或多个文件引用。
// 解析完成后不再修改；最终被折叠为一个或多个 IndexRow。
type ResourceRecord struct {
	Row    int    // 表格 body 中的行号（从 0 开始），也是索引的主排序键
	Key    string // 稳定主键：<第一列>__<同值出现次序>
	Fields []Field
	Files  []FileReference
}

// Field 按表头名查找文本字段。
func (r ResourceRecord) Field(name string) (string, bool) {
	for _, f := range r.Fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return "", false
}

// FieldNames 返回字段名（保持表头顺序）。
func (r ResourceRecord) FieldNames() []string {
	out := make([]string, 0, len(r.Fields))
	for _, f := range r.Fields {
		out = append(out, f.Name)
	}
	return out
}
