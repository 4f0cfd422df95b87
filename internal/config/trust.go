package config

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// TrustMode 是 TLS 证书校验策略。三种取值是穷尽的，调用方用 switch 处理。
type TrustMode int

const (
	// TrustDefault 使用系统/默认根证书校验。
	TrustDefault TrustMode = iota
	// TrustExplicit 只信任 CAFile 中的证书（PEM）。
	TrustExplicit
	// TrustSkip 跳过校验。
	TrustSkip
)

// Trust 是 verify 配置项的解析结果（tagged variant）。
//
// 配置文件中 verify 可以写成：
//   - true  / 省略：TrustDefault
//   - false：TrustSkip
//   - "/path/to/ca.crt"：TrustExplicit
type Trust struct {
	Mode   TrustMode
	CAFile string // 仅 TrustExplicit 时非空
}

func DefaultTrust() Trust { return Trust{Mode: TrustDefault} }

func ExplicitTrust(caFile string) Trust { return Trust{Mode: TrustExplicit, CAFile: caFile} }

func SkipTrust() Trust { return Trust{Mode: TrustSkip} }

// ParseTrust 解析 CLI/env 中的字符串形式（"true" / "false" / 证书路径）。
func ParseTrust(s string) (Trust, error) {
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case "", "true", "yes", "1":
		return DefaultTrust(), nil
	case "false", "no", "0":
		return SkipTrust(), nil
	}
	return ExplicitTrust(s), nil
}

func (t Trust) String() string {
	switch t.Mode {
	case TrustSkip:
		return "skip"
	case TrustExplicit:
		return "ca:" + t.CAFile
	default:
		return "default"
	}
}

// UnmarshalYAML 接受 bool 或字符串标量。
func (t *Trust) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		*t = DefaultTrust()
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("verify 只能是 true/false 或证书路径（第 %d 行）", value.Line)
	}
	if value.Tag == "!!bool" {
		var b bool
		if err := value.Decode(&b); err != nil {
			return err
		}
		if b {
			*t = DefaultTrust()
		} else {
			*t = SkipTrust()
		}
		return nil
	}
	tr, err := ParseTrust(value.Value)
	if err != nil {
		return err
	}
	*t = tr
	return nil
}
