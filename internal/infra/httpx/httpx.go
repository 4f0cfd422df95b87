package httpx

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/John-Robertt/korpus/internal/config"
)

const (
	defaultPageTimeout = 60 * time.Second
	defaultRetryMax    = 2

	userAgent = "korpus/1.0 (+https://github.com/John-Robertt/korpus)"
)

// Transport 把“UA + 有界重试”固化为统一策略。
//
// discover/mirror 只负责“请求什么 + 怎么处理响应”，不关心网络策略细节。
type Transport struct {
	Base *http.Transport

	// RetryMax 表示最大重试次数（不含首次尝试）。例如 2 表示最多 3 次尝试。
	RetryMax int

	// Backoff 是两次尝试之间的等待（线性递增）；测试可设为 0。
	Backoff time.Duration
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req == nil {
		return nil, errors.New("nil request")
	}
	if t.Base == nil {
		return nil, errors.New("nil base transport")
	}

	// 只对“可重放”的请求做重试：GET/HEAD 且无 body。
	canRetry := (req.Method == http.MethodGet || req.Method == http.MethodHead) && req.Body == nil
	max := t.RetryMax
	if max < 0 || !canRetry {
		max = 0
	}

	var lastErr error
	for attempt := 0; attempt <= max; attempt++ {
		if attempt > 0 && t.Backoff > 0 {
			select {
			case <-time.After(time.Duration(attempt) * t.Backoff):
			case <-req.Context().Done():
				return nil, lastErr
			}
		}

		r := req.Clone(req.Context())
		if r.Header.Get("User-Agent") == "" {
			r.Header.Set("User-Agent", userAgent)
		}

		resp, err := t.Base.RoundTrip(r)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if req.Context().Err() != nil {
			// ctx 已取消：不再重试，直接返回最后错误。
			return nil, lastErr
		}
		if isTLSVerifyError(err) {
			// 证书不受信任时重试没有意义。
			return nil, lastErr
		}
	}
	return nil, lastErr
}

// NewPageClient 构造用于抓取源页面的 client：整体请求有超时。
func NewPageClient(trust config.Trust) (*http.Client, error) {
	tr, err := newTransport(trust)
	if err != nil {
		return nil, err
	}
	return &http.Client{Transport: tr, Timeout: defaultPageTimeout}, nil
}

// NewDownloadClient 构造用于镜像文件的 client。
//
// 视频文件可能很大，因此不设整体超时：连接/TLS/响应头各自有超时，正文读取由 ctx 取消控制。
func NewDownloadClient(trust config.Trust) (*http.Client, error) {
	tr, err := newTransport(trust)
	if err != nil {
		return nil, err
	}
	return &http.Client{Transport: tr}, nil
}

func newTransport(trust config.Trust) (*Transport, error) {
	tlsCfg, err := TLSConfig(trust)
	if err != nil {
		return nil, err
	}
	base := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		TLSClientConfig:       tlsCfg,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConnsPerHost:   8,
	}
	return &Transport{
		Base:     base,
		RetryMax: defaultRetryMax,
		Backoff:  500 * time.Millisecond,
	}, nil
}

// TLSConfig 把 Trust 映射为 tls.Config。
func TLSConfig(trust config.Trust) (*tls.Config, error) {
	switch trust.Mode {
	case config.TrustSkip:
		return &tls.Config{InsecureSkipVerify: true}, nil //nolint:gosec // 用户显式要求 verify=false
	case config.TrustExplicit:
		pem, err := os.ReadFile(trust.CAFile)
		if err != nil {
			return nil, fmt.Errorf("读取证书失败：%w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("证书文件中没有可用的 PEM 证书：%q", trust.CAFile)
		}
		return &tls.Config{RootCAs: pool}, nil
	default:
		return &tls.Config{}, nil
	}
}

func isTLSVerifyError(err error) bool {
	var ua x509.UnknownAuthorityError
	var hn x509.HostnameError
	var ci x509.CertificateInvalidError
	var tv *tls.CertificateVerificationError
	return errors.As(err, &ua) || errors.As(err, &hn) || errors.As(err, &ci) || errors.As(err, &tv)
}
