package scan

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/John-Robertt/korpus/internal/infra/fsx"
)

// LocalFile 是镜像根目录下的一个普通文件。
type LocalFile struct {
	RelPath string // '/' 分隔，相对 root
	Size    int64
	// Temp 表示原子写入中断后留下的临时文件。
	Temp bool
}

// Audit 是镜像根目录与索引引用的对比结果。
type Audit struct {
	Files      int
	Orphans    []string // 未被任何引用指向的文件
	StaleTemps []string
}

// Files 扫描 root 下的普通文件，并应用排除规则。
//
// 规则（硬约束）：
// - 永久排除：<root>/cache/
// - excludes：索引/SQLite 等运行产物，可以是文件或目录；相对路径按相对 root 处理
// - root 不存在时返回空结果（首次运行）
//
// 注意：扫描阶段只做 stat（DirEntry.Info），不读文件内容。
func Files(root string, excludes []string) ([]LocalFile, error) {
	root = filepath.Clean(root)
	if _, err := os.Stat(root); os.IsNotExist(err) {
		return nil, nil
	}
	excluded := buildExcluded(root, excludes)

	files := make([]LocalFile, 0, 128)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}

		if isExcluded(path, excluded) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}

		files = append(files, LocalFile{
			RelPath: filepath.ToSlash(rel),
			Size:    info.Size(),
			Temp:    fsx.IsTempName(d.Name()),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	// 强制稳定输出，避免不同平台/文件系统行为差异带来的不确定性。
	sort.Slice(files, func(i, j int) bool { return files[i].RelPath < files[j].RelPath })
	return files, nil
}

// Compare 把扫描结果与被引用的相对路径（'/' 分隔）对比。
func Compare(files []LocalFile, referenced map[string]struct{}) Audit {
	a := Audit{Files: len(files)}
	for _, f := range files {
		switch {
		case f.Temp:
			a.StaleTemps = append(a.StaleTemps, f.RelPath)
		default:
			if _, ok := referenced[f.RelPath]; !ok {
				a.Orphans = append(a.Orphans, f.RelPath)
			}
		}
	}
	return a
}

func buildExcluded(root string, excludes []string) []string {
	excluded := make([]string, 0, 1+len(excludes))
	excluded = append(excluded, filepath.Join(root, "cache"))

	for _, x := range excludes {
		x = strings.TrimSpace(x)
		if x == "" {
			continue
		}
		if filepath.IsAbs(x) {
			excluded = append(excluded, filepath.Clean(x))
			continue
		}
		excluded = append(excluded, filepath.Clean(filepath.Join(root, x)))
	}

	sort.Strings(excluded)
	return excluded
}

func isExcluded(path string, excluded []string) bool {
	for _, base := range excluded {
		if fsx.IsUnder(path, base) {
			return true
		}
	}
	return false
}
