package stream

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/rushteam/riskrank/core"
	"github.com/rushteam/riskrank/pkg/retry"
)

// 默认导出接口路径
const (
	DefaultWorkloadsPath = "/v1/export/vuln-mgmt/workloads"
	DefaultAlertsPath    = "/v1/export/alerts"
	DefaultPoliciesPath  = "/v1/export/policies"
)

// DefaultMaxLineSize 单条导出记录的默认最大字节数，超长的行整行跳过
const DefaultMaxLineSize = 64 << 20

// retryStatusCodes 触发退避重试的 HTTP 状态码
var retryStatusCodes = map[int]bool{
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// HTTPExportSource 从远程 JSON Lines 导出接口流式读取部署记录。
//
// 每行一条记录；空行和无法解析的行记 WARN 后跳过；每条记录按导出形态校验
// （result.deployment.id + result.images），不合法的跳过。
// 可选地并行拉取告警和策略两路辅助数据，告警按部署 id 缓存，在产出记录前拼接到 result.alerts。
//
// 使用示例：
//
//	src, err := stream.NewHTTPExportSource("https://central.example.com",
//	    stream.WithBearerToken(token),
//	    stream.WithRetry(5, time.Second, 30*time.Second),
//	    stream.WithAuxiliaryStreams(true, true),
//	)
//	for rec, err := range src.StreamSamples(ctx, core.Filters{Cluster: "prod"}, 1000) { ... }
type HTTPExportSource struct {
	baseURL       *url.URL
	workloadsPath string
	alertsPath    string
	policiesPath  string

	client  *http.Client
	timeout time.Duration
	token   string

	certFile, keyFile, caFile string
	insecureSkipVerify        bool

	maxAttempts    int
	backoffInitial time.Duration
	backoffMax     time.Duration

	collectAlerts    bool
	collectPolicies  bool
	collectorTimeout time.Duration
	alertCacheSize   int
	cache            *auxCache

	maxLineSize int

	validator *RecordValidator
	logger    *slog.Logger
	metrics   *Metrics
}

// HTTPOption HTTP 数据源配置选项
type HTTPOption func(*HTTPExportSource)

// WithBearerToken 设置 Authorization: Bearer <token>
func WithBearerToken(token string) HTTPOption {
	return func(s *HTTPExportSource) { s.token = token }
}

// WithClientCertificate 使用 mTLS（客户端证书 + 私钥 + CA）
func WithClientCertificate(certFile, keyFile, caFile string) HTTPOption {
	return func(s *HTTPExportSource) {
		s.certFile, s.keyFile, s.caFile = certFile, keyFile, caFile
	}
}

// WithInsecureSkipVerify 跳过服务端证书校验（仅用于测试环境）
func WithInsecureSkipVerify(skip bool) HTTPOption {
	return func(s *HTTPExportSource) { s.insecureSkipVerify = skip }
}

// WithHTTPClient 使用自定义 http.Client（忽略 TLS 相关选项）
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(s *HTTPExportSource) { s.client = c }
}

// WithTimeout 设置单次请求超时（包含读取整个流式响应的时间）
func WithTimeout(d time.Duration) HTTPOption {
	return func(s *HTTPExportSource) { s.timeout = d }
}

// WithRetry 设置最大尝试次数和指数退避区间
func WithRetry(attempts int, initial, max time.Duration) HTTPOption {
	return func(s *HTTPExportSource) {
		s.maxAttempts = attempts
		s.backoffInitial = initial
		s.backoffMax = max
	}
}

// WithAuxiliaryStreams 开启告警 / 策略辅助数据拉取
func WithAuxiliaryStreams(alerts, policies bool) HTTPOption {
	return func(s *HTTPExportSource) {
		s.collectAlerts = alerts
		s.collectPolicies = policies
	}
}

// WithCollectorTimeout 设置辅助数据拉取的超时时间
func WithCollectorTimeout(d time.Duration) HTTPOption {
	return func(s *HTTPExportSource) { s.collectorTimeout = d }
}

// WithAlertCacheSize 设置告警缓存容量（按部署数计）
func WithAlertCacheSize(n int) HTTPOption {
	return func(s *HTTPExportSource) { s.alertCacheSize = n }
}

// WithPaths 覆盖默认的导出接口路径，空串保持默认
func WithPaths(workloads, alerts, policies string) HTTPOption {
	return func(s *HTTPExportSource) {
		if workloads != "" {
			s.workloadsPath = workloads
		}
		if alerts != "" {
			s.alertsPath = alerts
		}
		if policies != "" {
			s.policiesPath = policies
		}
	}
}

// WithMaxLineSize 设置单条记录的最大字节数
func WithMaxLineSize(n int) HTTPOption {
	return func(s *HTTPExportSource) {
		if n > 0 {
			s.maxLineSize = n
		}
	}
}

// WithLogger 设置日志
func WithLogger(l *slog.Logger) HTTPOption {
	return func(s *HTTPExportSource) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetrics 设置监控指标
func WithMetrics(m *Metrics) HTTPOption {
	return func(s *HTTPExportSource) { s.metrics = m }
}

// NewHTTPExportSource 创建 HTTP 导出数据源，endpoint 为导出服务的根地址
func NewHTTPExportSource(endpoint string, opts ...HTTPOption) (*HTTPExportSource, error) {
	u, err := url.Parse(endpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, core.NewDomainError(core.ModuleStream, core.ErrorCodeInvalidInput,
			fmt.Sprintf("invalid export endpoint %q", endpoint))
	}
	s := &HTTPExportSource{
		baseURL:          u,
		workloadsPath:    DefaultWorkloadsPath,
		alertsPath:       DefaultAlertsPath,
		policiesPath:     DefaultPoliciesPath,
		timeout:          30 * time.Minute,
		maxAttempts:      3,
		backoffInitial:   time.Second,
		backoffMax:       30 * time.Second,
		collectorTimeout: 30 * time.Second,
		alertCacheSize:   10000,
		maxLineSize:      DefaultMaxLineSize,
		logger:           slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = NewMetrics(nil)
	}
	if s.client == nil {
		transport, err := s.transport()
		if err != nil {
			return nil, err
		}
		s.client = &http.Client{Transport: transport}
	}
	if s.validator, err = NewRecordValidator(); err != nil {
		return nil, err
	}
	if s.cache, err = newAuxCache(s.alertCacheSize); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *HTTPExportSource) transport() (*http.Transport, error) {
	t := http.DefaultTransport.(*http.Transport).Clone()
	if s.certFile == "" && s.caFile == "" && !s.insecureSkipVerify {
		return t, nil
	}
	cfg := &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: s.insecureSkipVerify}
	if s.certFile != "" {
		cert, err := tls.LoadX509KeyPair(s.certFile, s.keyFile)
		if err != nil {
			return nil, core.WrapDomainError(core.ModuleStream, core.ErrorCodeInvalidInput, "load client certificate", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	if s.caFile != "" {
		pem, err := os.ReadFile(s.caFile)
		if err != nil {
			return nil, core.WrapDomainError(core.ModuleStream, core.ErrorCodeInvalidInput, "read CA file", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, core.NewDomainError(core.ModuleStream, core.ErrorCodeInvalidInput, "no certificates found in CA file")
		}
		cfg.RootCAs = pool
	}
	t.TLSClientConfig = cfg
	return t, nil
}

// Name 数据源名称
func (s *HTTPExportSource) Name() string { return "http_export" }

// StreamSamples 流式读取导出记录。消费方 break 或 ctx 取消时关闭响应体并停止辅助拉取。
func (s *HTTPExportSource) StreamSamples(ctx context.Context, filters core.Filters, limit int) iter.Seq2[core.RawRecord, error] {
	return func(yield func(core.RawRecord, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		var aux *collectors
		if s.collectAlerts || s.collectPolicies {
			aux = s.startCollectors(ctx, filters)
		}
		finished := false
		defer func() {
			if aux != nil {
				aux.stop(!finished)
			}
		}()

		body, err := s.open(ctx, s.workloadsPath, workloadQuery(filters))
		if err != nil {
			yield(nil, err)
			return
		}
		defer body.Close()

		reader := bufio.NewReaderSize(body, 64*1024)
		var buf []byte
		received, yielded, lineNo := 0, 0, 0
		for {
			line, oversized, err := readLine(reader, s.maxLineSize, buf)
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				if ctx.Err() != nil {
					yield(nil, ctx.Err())
					return
				}
				yield(nil, core.WrapDomainError(core.ModuleStream, core.ErrorCodeTransientTransport, "read export stream", err))
				return
			}
			buf = line
			lineNo++
			if oversized {
				received++
				s.logger.Warn("skip oversized export line", "line", lineNo, "max_bytes", s.maxLineSize)
				s.metrics.LinesSkipped.WithLabelValues("oversize").Inc()
				continue
			}
			line = bytes.TrimSpace(line)
			if len(line) == 0 {
				continue
			}
			received++
			var rec core.RawRecord
			if err := json.Unmarshal(line, &rec); err != nil {
				s.logger.Warn("skip unparsable export line", "line", lineNo, "error", err)
				s.metrics.LinesSkipped.WithLabelValues("parse").Inc()
				continue
			}
			if err := s.validator.Validate(rec); err != nil {
				s.logger.Warn("skip invalid export record", "line", lineNo, "error", err)
				s.metrics.LinesSkipped.WithLabelValues("schema").Inc()
				continue
			}
			s.cache.splice(rec)
			if !yield(rec, nil) {
				return
			}
			yielded++
			if limit > 0 && yielded >= limit {
				s.logger.Info("export stream reached limit", "limit", limit)
				break
			}
		}
		finished = true

		if received == 0 {
			s.logger.Warn("export returned no workloads, filters may be too restrictive",
				"cluster", filters.Cluster, "namespace", filters.Namespace)
		}
		s.logger.Info("export stream completed", "received", received, "yielded", yielded)
	}
}

// Close 清空告警 / 策略缓存
func (s *HTTPExportSource) Close() error {
	s.cache.clear()
	s.metrics.AlertsCached.Set(0)
	s.client.CloseIdleConnections()
	return nil
}

// open 发起 GET 请求，429/5xx 和网络错误按指数退避重试，其余 4xx 立即失败。返回解压后的响应体。
func (s *HTTPExportSource) open(ctx context.Context, path string, query url.Values) (io.ReadCloser, error) {
	u := s.baseURL.JoinPath(path)
	u.RawQuery = query.Encode()
	endpoint := u.String()

	backoff := retry.ExponentialBackoff(s.backoffInitial, 2, s.backoffMax)
	return retry.Blocking(ctx, backoff, s.maxAttempts, func(attempt int) (io.ReadCloser, error) {
		if attempt > 1 {
			s.metrics.HTTPRetries.Inc()
			s.logger.Warn("retrying export request", "path", path, "attempt", attempt)
		}
		return s.do(ctx, path, endpoint)
	})
}

func (s *HTTPExportSource) do(ctx context.Context, path, endpoint string) (io.ReadCloser, error) {
	reqCtx, cancel := context.WithTimeout(ctx, s.timeout)
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, endpoint, nil)
	if err != nil {
		cancel()
		return nil, core.WrapDomainError(core.ModuleStream, core.ErrorCodeInvalidInput, "build export request", err)
	}
	req.Header.Set("Accept", "application/x-ndjson, application/json")
	req.Header.Set("Accept-Encoding", "gzip, zstd")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		cancel()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		s.metrics.HTTPRequests.WithLabelValues(path, "error").Inc()
		return nil, fmt.Errorf("%w: %w", retry.ErrRetry,
			core.WrapDomainError(core.ModuleStream, core.ErrorCodeTransientTransport, "export request failed", err))
	}
	s.metrics.HTTPRequests.WithLabelValues(path, strconv.Itoa(resp.StatusCode)).Inc()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		resp.Body.Close()
		cancel()
		text := fmt.Sprintf("export %s returned %d: %s", path, resp.StatusCode, strings.TrimSpace(string(msg)))
		if retryStatusCodes[resp.StatusCode] {
			return nil, fmt.Errorf("%w: %w", retry.ErrRetry,
				core.NewDomainError(core.ModuleStream, core.ErrorCodeTransientTransport, text))
		}
		return nil, core.NewDomainError(core.ModuleStream, core.ErrorCodePermanentTransport, text)
	}

	body, err := decodeBody(resp)
	if err != nil {
		resp.Body.Close()
		cancel()
		return nil, core.WrapDomainError(core.ModuleStream, core.ErrorCodePermanentTransport, "decode export body", err)
	}
	return &cancelReadCloser{ReadCloser: body, raw: resp.Body, cancel: cancel}, nil
}

// decodeBody 按 Content-Encoding 解压响应体
func decodeBody(resp *http.Response) (io.ReadCloser, error) {
	switch strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding"))) {
	case "", "identity":
		return resp.Body, nil
	case "gzip":
		return gzip.NewReader(resp.Body)
	case "zstd":
		d, err := zstd.NewReader(resp.Body)
		if err != nil {
			return nil, err
		}
		return d.IOReadCloser(), nil
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", resp.Header.Get("Content-Encoding"))
	}
}

// cancelReadCloser 关闭时同时关闭解压器、原始响应体并取消请求 context
type cancelReadCloser struct {
	io.ReadCloser
	raw    io.Closer
	cancel context.CancelFunc
}

func (c *cancelReadCloser) Close() error {
	err := c.ReadCloser.Close()
	if c.raw != nil && c.raw != c.ReadCloser {
		err = errors.Join(err, c.raw.Close())
	}
	c.cancel()
	return err
}

// workloadQuery 构建工作负载导出的查询参数
func workloadQuery(f core.Filters) url.Values {
	q := url.Values{}
	q.Set("format", "json")
	if f.Cluster != "" {
		q.Set("cluster", f.Cluster)
	}
	if f.Namespace != "" {
		q.Set("namespace", f.Namespace)
	}
	if f.MinCVSS != nil {
		q.Set("min_cvss", strconv.FormatFloat(*f.MinCVSS, 'f', -1, 64))
	}
	if f.Active != nil {
		q.Set("active", strconv.FormatBool(*f.Active))
	}
	if f.VulnState != "" {
		q.Set("vuln_state", f.VulnState)
	}
	return q
}
