package stream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/url"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"

	"github.com/rushteam/riskrank/core"
	"github.com/rushteam/riskrank/pkg/conv"
)

// maxCollectorWorkers 辅助数据拉取的并发上限
const maxCollectorWorkers = 2

// auxCache 缓存辅助数据：告警按部署 id，策略按策略 id。实例内私有，Close 时清空。
type auxCache struct {
	mu       sync.Mutex
	alerts   *lru.Cache[string, []map[string]any]
	policies map[string]map[string]any
}

func newAuxCache(size int) (*auxCache, error) {
	if size <= 0 {
		size = 10000
	}
	alerts, err := lru.New[string, []map[string]any](size)
	if err != nil {
		return nil, err
	}
	return &auxCache{alerts: alerts, policies: make(map[string]map[string]any)}, nil
}

func (c *auxCache) addAlert(alert map[string]any) bool {
	id := alertDeploymentID(alert)
	if id == "" {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	existing, _ := c.alerts.Get(id)
	c.alerts.Add(id, append(existing, alert))
	return true
}

func (c *auxCache) addPolicy(policy map[string]any) bool {
	id := conv.String(policy, "id")
	if id == "" {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.policies[id] = policy
	return true
}

// alertsFor 返回部署的缓存告警副本
func (c *auxCache) alertsFor(deploymentID string) []map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	alerts, ok := c.alerts.Peek(deploymentID)
	if !ok {
		return nil
	}
	return append([]map[string]any(nil), alerts...)
}

func (c *auxCache) policy(id string) (map[string]any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.policies[id]
	return p, ok
}

func (c *auxCache) sizes() (alerts, policies int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.alerts.Len(), len(c.policies)
}

func (c *auxCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alerts.Purge()
	clear(c.policies)
}

// splice 把缓存中该部署的告警追加到 result.alerts；告警只带策略 id 时用缓存的策略补全。
func (c *auxCache) splice(rec core.RawRecord) {
	result := conv.Map(rec, "result")
	if result == nil {
		return
	}
	alerts := c.alertsFor(DeploymentID(rec))
	if len(alerts) == 0 {
		return
	}
	merged := conv.Slice(result, "alerts")
	for _, a := range alerts {
		if p := conv.Map(a, "policy"); p == nil {
			if policy, ok := c.policy(conv.String(a, "policy_id")); ok {
				a = cloneWith(a, "policy", policy)
			}
		}
		merged = append(merged, a)
	}
	result["alerts"] = merged
}

func cloneWith(m map[string]any, key string, v any) map[string]any {
	out := make(map[string]any, len(m)+1)
	for k, val := range m {
		out[k] = val
	}
	out[key] = v
	return out
}

// alertDeploymentID 告警所属的部署 id：deployment.id / deployment_id / resource.deployment_id
func alertDeploymentID(alert map[string]any) string {
	if id := conv.String(conv.Map(alert, "deployment"), "id"); id != "" {
		return id
	}
	if id := conv.String(alert, "deployment_id"); id != "" {
		return id
	}
	return conv.String(conv.Map(alert, "resource"), "deployment_id")
}

// unwrapAux 取出辅助流记录的主体：result.alert / result.violation / result.policy / result / 记录本身。
// 告警自身也带 policy 子对象，所以只有不含 deployment 的记录才按策略展开。
func unwrapAux(rec map[string]any) map[string]any {
	root := rec
	if result := conv.Map(rec, "result"); result != nil {
		root = result
	}
	if m := conv.Map(root, "alert", "violation"); m != nil {
		return m
	}
	if _, ok := root["deployment"]; !ok {
		if m := conv.Map(root, "policy"); m != nil {
			return m
		}
	}
	return root
}

// collectors 管理一次数据流中的辅助拉取任务
type collectors struct {
	g       *errgroup.Group
	cancel  context.CancelFunc
	logger  *slog.Logger
	started time.Time
	src     *HTTPExportSource
}

func (s *HTTPExportSource) startCollectors(ctx context.Context, filters core.Filters) *collectors {
	cctx, cancel := context.WithTimeout(ctx, s.collectorTimeout)
	g := &errgroup.Group{}
	g.SetLimit(maxCollectorWorkers)
	c := &collectors{g: g, cancel: cancel, logger: s.logger, started: time.Now(), src: s}

	if s.collectAlerts {
		g.Go(func() error {
			n, err := s.collect(cctx, s.alertsPath, alertQuery(filters), s.cache.addAlert)
			s.logCollector("alerts", n, err)
			return nil
		})
	}
	if s.collectPolicies {
		g.Go(func() error {
			n, err := s.collect(cctx, s.policiesPath, url.Values{"format": {"json"}}, s.cache.addPolicy)
			s.logCollector("policies", n, err)
			return nil
		})
	}
	return c
}

// stop 等待辅助拉取结束；abort 为 true 时先取消
func (c *collectors) stop(abort bool) {
	if abort {
		c.cancel()
	}
	_ = c.g.Wait()
	c.cancel()
	alerts, policies := c.src.cache.sizes()
	c.src.metrics.AlertsCached.Set(float64(alerts))
	c.logger.Info("auxiliary collection finished",
		"alerts_cached", alerts, "policies_cached", policies, "elapsed", time.Since(c.started), "aborted", abort)
}

func (s *HTTPExportSource) logCollector(kind string, n int, err error) {
	if err != nil {
		s.logger.Error("auxiliary collection failed", "type", kind, "count", n, "error", err)
		return
	}
	s.logger.Info("auxiliary collection completed", "type", kind, "count", n)
}

// collect 拉取一路辅助数据，每条记录交给 add，返回被接受的条数
func (s *HTTPExportSource) collect(ctx context.Context, path string, query url.Values, add func(map[string]any) bool) (int, error) {
	body, err := s.open(ctx, path, query)
	if err != nil {
		return 0, err
	}
	defer body.Close()

	reader := bufio.NewReaderSize(body, 64*1024)
	var buf []byte
	count := 0
	for {
		line, oversized, err := readLine(reader, s.maxLineSize, buf)
		if errors.Is(err, io.EOF) {
			return count, nil
		}
		if err != nil {
			return count, err
		}
		buf = line
		if oversized {
			s.metrics.LinesSkipped.WithLabelValues("aux_oversize").Inc()
			continue
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var rec map[string]any
		if err := json.Unmarshal(line, &rec); err != nil {
			s.metrics.LinesSkipped.WithLabelValues("aux_parse").Inc()
			continue
		}
		if add(unwrapAux(rec)) {
			count++
		}
	}
}

func alertQuery(f core.Filters) url.Values {
	q := url.Values{}
	q.Set("format", "json")
	if f.Cluster != "" {
		q.Set("cluster", f.Cluster)
	}
	if f.Namespace != "" {
		q.Set("namespace", f.Namespace)
	}
	return q
}
