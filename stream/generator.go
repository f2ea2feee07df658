package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"math/rand/v2"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/rushteam/riskrank/core"
)

var (
	generatorNamespaces = []string{"default", "kube-system", "monitoring", "app-namespace"}
	generatorSeverities = []string{"CRITICAL_SEVERITY", "HIGH_SEVERITY", "MEDIUM_SEVERITY", "LOW_SEVERITY"}
	generatorWeights    = []float64{0.1, 0.2, 0.4, 0.3}
	generatorComponents = []string{"openssl", "zlib", "curl", "bash", "glibc", "busybox", "libxml2", "python3", "wget", "musl"}
)

// Generator 生成合成的部署记录（扁平形态），用于冒烟训练和测试。相同种子生成相同数据。
type Generator struct {
	src      *rand.ChaCha8
	rng      *rand.Rand
	now      time.Time
	clusters []string
}

// NewGenerator 创建合成数据生成器，clusters 为分组数（至少 1）
func NewGenerator(seed uint64, clusters int, now time.Time) *Generator {
	var key [32]byte
	for i := range 8 {
		key[i] = byte(seed >> (8 * i))
	}
	src := rand.NewChaCha8(key)
	g := &Generator{src: src, rng: rand.New(src), now: now}
	if clusters < 1 {
		clusters = 1
	}
	for i := range clusters {
		g.clusters = append(g.clusters, fmt.Sprintf("cluster-%02d", i))
	}
	return g
}

// Generate 生成 n 条记录
func (g *Generator) Generate(n int) []core.RawRecord {
	out := make([]core.RawRecord, 0, n)
	for i := range n {
		out = append(out, core.RawRecord{
			"deployment":          g.deployment(i),
			"images":              g.images(1 + g.rng.IntN(3)),
			"alerts":              g.alerts(g.rng.IntN(6)),
			"baseline_violations": g.violations(g.rng.IntN(3)),
		})
	}
	return out
}

// WriteFile 生成 n 条记录写入 JSON 训练文件（{"deployments": [...]}）
func (g *Generator) WriteFile(path string, n int) error {
	data, err := json.MarshalIndent(map[string]any{
		"deployments": g.Generate(n),
		"metadata": map[string]any{
			"generated_at": g.now.UTC().Format(time.RFC3339),
			"num_samples":  n,
			"generator":    "riskrank",
		},
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal generated data: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return core.WrapDomainError(core.ModuleStream, core.ErrorCodeStorageIO, "write generated data", err)
	}
	return nil
}

// GeneratedSource 把生成器包装成 StreamSource，产出 n 条合成记录
type GeneratedSource struct {
	records []core.RawRecord
}

// Source 预先生成 n 条记录并返回数据源
func (g *Generator) Source(n int) *GeneratedSource {
	return &GeneratedSource{records: g.Generate(n)}
}

// Name 数据源名称
func (s *GeneratedSource) Name() string { return "generated" }

// StreamSamples 按生成顺序产出记录
func (s *GeneratedSource) StreamSamples(ctx context.Context, filters core.Filters, limit int) iter.Seq2[core.RawRecord, error] {
	return func(yield func(core.RawRecord, error) bool) {
		emitRecords(ctx, s.records, limit, yield)
	}
}

// Close 释放生成的记录
func (s *GeneratedSource) Close() error {
	s.records = nil
	return nil
}

func (g *Generator) id() string {
	u, err := uuid.NewRandomFromReader(g.src)
	if err != nil {
		return fmt.Sprintf("gen-%016x", g.rng.Uint64())
	}
	return u.String()
}

func (g *Generator) chance(p float64) bool { return g.rng.Float64() < p }

func (g *Generator) deployment(index int) map[string]any {
	containers := make([]any, 0, 4)
	for i := range 1 + g.rng.IntN(4) {
		sc := map[string]any{
			"privileged":                g.chance(0.1),
			"read_only_root_filesystem": g.chance(0.5),
		}
		if g.chance(0.2) {
			sc["add_capabilities"] = []any{"NET_ADMIN"}
		}
		if g.chance(0.6) {
			sc["drop_capabilities"] = []any{"ALL"}
		}
		c := map[string]any{
			"id":               fmt.Sprintf("container-%d", i),
			"name":             fmt.Sprintf("container-%d", i),
			"security_context": sc,
		}
		if g.chance(0.4) {
			c["volumes"] = []any{map[string]any{"name": "data", "read_only": g.chance(0.5)}}
		}
		if g.chance(0.3) {
			c["secrets"] = []any{map[string]any{"name": "token"}}
		}
		containers = append(containers, c)
	}

	ports := make([]any, 0, 3)
	for range g.rng.IntN(4) {
		exposure := "INTERNAL"
		if g.chance(0.3) {
			exposure = []string{"INTERNAL", "EXTERNAL", "NODE"}[g.rng.IntN(3)]
		}
		ports = append(ports, map[string]any{
			"container_port": 8000 + g.rng.IntN(1000),
			"protocol":       "TCP",
			"exposure":       exposure,
		})
	}

	return map[string]any{
		"id":                              g.id(),
		"name":                            fmt.Sprintf("sample-deployment-%d", index),
		"namespace":                       generatorNamespaces[g.rng.IntN(len(generatorNamespaces))],
		"cluster_id":                      g.clusters[g.rng.IntN(len(g.clusters))],
		"replicas":                        1 + g.rng.IntN(10),
		"host_network":                    g.chance(0.05),
		"host_pid":                        g.chance(0.025),
		"host_ipc":                        g.chance(0.025),
		"automount_service_account_token": g.chance(0.5),
		"created":                         map[string]any{"seconds": g.now.AddDate(0, 0, -g.rng.IntN(1000)).Unix()},
		"containers":                      containers,
		"ports":                           ports,
	}
}

func (g *Generator) images(n int) []any {
	out := make([]any, 0, n)
	for i := range n {
		vulns := g.rng.IntN(51)
		out = append(out, map[string]any{
			"id": fmt.Sprintf("image-id-%d", i),
			"name": map[string]any{
				"registry":  "docker.io",
				"remote":    fmt.Sprintf("sample/image-%d", i),
				"tag":       "latest",
				"full_name": fmt.Sprintf("docker.io/sample/image-%d:latest", i),
			},
			"metadata": map[string]any{
				"v1": map[string]any{
					"created": map[string]any{"seconds": g.now.AddDate(0, 0, -g.rng.IntN(500)).Unix()},
				},
			},
			"scan": map[string]any{
				"components": g.components(10+g.rng.IntN(191), vulns),
			},
		})
	}
	return out
}

func (g *Generator) components(n, vulns int) []any {
	out := make([]any, 0, n)
	remaining := vulns
	for i := range n {
		count := 0
		if remaining > 0 {
			count = g.rng.IntN(min(remaining, 5) + 1)
			remaining -= count
		}
		list := make([]any, 0, count)
		for range count {
			list = append(list, map[string]any{
				"cve":      fmt.Sprintf("CVE-2023-%d", 1000+g.rng.IntN(9000)),
				"severity": g.severity(),
				"cvss":     1 + 9*g.rng.Float64(),
			})
		}
		name := fmt.Sprintf("component-%d", i)
		if i < len(generatorComponents) && g.chance(0.3) {
			name = generatorComponents[i]
		}
		out = append(out, map[string]any{
			"name":    name,
			"version": fmt.Sprintf("1.%d.%d", g.rng.IntN(11), g.rng.IntN(11)),
			"vulns":   list,
		})
	}
	return out
}

func (g *Generator) alerts(n int) []any {
	out := make([]any, 0, n)
	for i := range n {
		out = append(out, map[string]any{
			"id": fmt.Sprintf("alert-%d", i),
			"policy": map[string]any{
				"id":       fmt.Sprintf("policy-%d", 1+g.rng.IntN(20)),
				"name":     fmt.Sprintf("Sample Policy %d", i),
				"severity": g.severity(),
			},
			"violation_state": "ACTIVE",
		})
	}
	return out
}

func (g *Generator) violations(n int) []any {
	out := make([]any, 0, n)
	for i := range n {
		out = append(out, map[string]any{"process": fmt.Sprintf("/usr/bin/proc-%d", i)})
	}
	return out
}

func (g *Generator) severity() string {
	r := g.rng.Float64()
	for i, w := range generatorWeights {
		if r < w {
			return generatorSeverities[i]
		}
		r -= w
	}
	return generatorSeverities[len(generatorSeverities)-1]
}
