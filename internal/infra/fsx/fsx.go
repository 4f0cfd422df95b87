package fsx

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// 通过可替换的函数指针，让测试能稳定模拟 EXDEV 等错误。
var renameFunc = os.Rename

// TempPrefix 是同目录临时文件的前缀（'.' 开头，避免被当作已镜像文件）。
const TempPrefix = "."

// PathTypeConflictError 表示目标路径类型冲突（例如期望文件但实际是目录）。
type PathTypeConflictError struct {
	Path string
	Want string
	Got  string
}

func (e *PathTypeConflictError) Error() string {
	return fmt.Sprintf("目标路径类型冲突：%q（期望 %s，实际 %s）", e.Path, e.Want, e.Got)
}

func IsPathTypeConflict(err error) bool {
	var e *PathTypeConflictError
	return errors.As(err, &e)
}

// CrossDeviceError 表示跨盘（EXDEV）导致的 rename 失败。
// 临时文件总是与目标同目录，正常不会出现；出现即说明目录被挂载点替换，直接失败。
type CrossDeviceError struct {
	Src string
	Dst string
	Err error
}

func (e *CrossDeviceError) Error() string {
	return fmt.Sprintf("跨盘移动失败（EXDEV）：%q -> %q：%v", e.Src, e.Dst, e.Err)
}

func (e *CrossDeviceError) Unwrap() error { return e.Err }

// IsCrossDevice 判断 err 是否为跨盘（EXDEV）错误。
func IsCrossDevice(err error) bool {
	var e *CrossDeviceError
	return errors.As(err, &e)
}

// Rename 封装 os.Rename，并把 EXDEV 显式标记为 CrossDeviceError。
func Rename(src, dst string) error {
	if err := renameFunc(src, dst); err != nil {
		if isEXDEV(err) {
			return &CrossDeviceError{Src: src, Dst: dst, Err: err}
		}
		return err
	}
	return nil
}

// EscapeRootError 表示相对路径为空、是绝对路径或会逃出根目录。
type EscapeRootError struct {
	Root string
	Rel  string
}

func (e *EscapeRootError) Error() string {
	return fmt.Sprintf("路径不在镜像根目录下：root=%q rel=%q", e.Root, e.Rel)
}

// JoinUnder 把 '/' 分隔的相对路径拼到 root 下；结果保证位于 root 之内。
func JoinUnder(root, rel string) (string, error) {
	if strings.TrimSpace(rel) == "" || strings.HasPrefix(rel, "/") || filepath.IsAbs(rel) {
		return "", &EscapeRootError{Root: root, Rel: rel}
	}
	root = filepath.Clean(root)
	p := filepath.Join(root, filepath.FromSlash(rel))
	r, err := filepath.Rel(root, p)
	if err != nil || r == "." || r == ".." || strings.HasPrefix(r, ".."+string(filepath.Separator)) {
		return "", &EscapeRootError{Root: root, Rel: rel}
	}
	return p, nil
}

// ReservedPathError 表示镜像目标落在运行产物（索引、SQLite、cache/）上。
type ReservedPathError struct {
	Path     string
	Reserved string
}

func (e *ReservedPathError) Error() string {
	return fmt.Sprintf("目标路径与运行产物冲突：%q（保留 %q）", e.Path, e.Reserved)
}

// IsUnder 判断 path 是否等于 base 或位于 base 之下。
func IsUnder(path, base string) bool {
	path, base = filepath.Clean(path), filepath.Clean(base)
	if path == base {
		return true
	}
	return strings.HasPrefix(path, base+string(filepath.Separator))
}

// CheckReserved 在 path 落到任一保留路径（文件或目录）上时返回 *ReservedPathError。空串被忽略。
func CheckReserved(path string, reserved []string) error {
	for _, r := range reserved {
		if strings.TrimSpace(r) == "" {
			continue
		}
		if IsUnder(path, r) {
			return &ReservedPathError{Path: path, Reserved: r}
		}
	}
	return nil
}

// StatFile 返回已存在普通文件的大小。
// 不存在返回 (0, false, nil)；存在但不是普通文件返回 PathTypeConflictError。
func StatFile(path string) (size int64, exists bool, err error) {
	fi, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, false, nil
		}
		return 0, false, err
	}
	if fi.IsDir() {
		return 0, true, &PathTypeConflictError{Path: path, Want: "file", Got: "dir"}
	}
	if !fi.Mode().IsRegular() {
		return 0, true, &PathTypeConflictError{Path: path, Want: "regular file", Got: fi.Mode().Type().String()}
	}
	return fi.Size(), true, nil
}

// WriteFileAtomic 在 dir 下原子写入 name（临时文件 + rename），目标已存在则覆盖。
func WriteFileAtomic(dir, name string, data []byte) error {
	_, err := WriteStreamAtomic(filepath.Join(dir, name), bytes.NewReader(data))
	return err
}

// WriteStreamAtomic 把 r 流式写入 dst：先写同目录临时文件，fsync 后 rename。
//
// - 任何失败（包括 r 读取失败/ctx 取消导致的读取错误）都会删除临时文件，dst 保持原样
// - 缺失的父目录会被创建（已存在不是错误）
// - 返回写入的字节数
func WriteStreamAtomic(dst string, r io.Reader) (int64, error) {
	dst = filepath.Clean(dst)
	dir, name := filepath.Split(dst)
	if name == "" {
		return 0, fmt.Errorf("目标路径缺少文件名：%q", dst)
	}
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, err
	}

	tmp, err := os.CreateTemp(dir, TempPrefix+name+".tmp-*")
	if err != nil {
		return 0, err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	n, err := io.Copy(tmp, r)
	if err != nil {
		return n, err
	}
	if err := tmp.Chmod(0o644); err != nil {
		return n, err
	}
	if err := tmp.Sync(); err != nil {
		return n, err
	}
	if err := tmp.Close(); err != nil {
		return n, err
	}

	if err := Rename(tmpName, dst); err != nil {
		return n, err
	}

	// 目录 fsync：best-effort（不同平台/文件系统的语义差异很大）。
	_ = syncDirBestEffort(dir)
	return n, nil
}

// IsTempName 判断文件名是否为本包产生的临时文件。
func IsTempName(name string) bool {
	return strings.HasPrefix(name, TempPrefix) && strings.Contains(name, ".tmp-")
}

func syncDirBestEffort(dir string) error {
	// Windows 上目录 Sync 的语义与支持情况不稳定，这里直接跳过。
	if runtime.GOOS == "windows" {
		return nil
	}
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}
