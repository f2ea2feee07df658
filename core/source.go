package core

import (
	"context"
	"iter"
)

// RawRecord 是数据源产出的原始部署记录（JSON 解码后的松散结构）。
//
// 支持两种形态：
//   - 导出形态：{"result": {"deployment", "images", "vulnerabilities", "risk"}, "workload_cvss"}
//   - 扁平形态：{"deployment", "images", "alerts", "baseline_violations", "risk", "current_risk_score"}
type RawRecord map[string]any

// IsExportShape 判断记录是否为导出形态（存在 result 对象）
func (r RawRecord) IsExportShape() bool {
	_, ok := r["result"].(map[string]any)
	return ok
}

// Filters 是拉取数据时的过滤条件，HTTP 数据源会转成查询参数。
type Filters struct {
	Cluster   string
	Namespace string
	MinCVSS   *float64
	Active    *bool
	VulnState string
}

// StreamSource 是原始部署记录的数据源接口。
//
// 实现：
//   - stream.HTTPExportSource：远程 JSON Lines 导出接口
//   - stream.JSONFileSource / stream.JSONLinesFileSource：本地训练文件
//   - stream.ProcessedSampleSource：已提取特征的样本文件
//
// StreamSamples 返回惰性序列，由消费方驱动；消费方提前 break 时实现必须释放底层连接/文件句柄。
// 序列中的 error 表示整个数据流失败（传输或结构错误），单条记录的问题由实现自行跳过。
type StreamSource interface {
	// Name 返回数据源名称（用于日志/监控）
	Name() string

	// StreamSamples 按数据源自然顺序产出记录，limit <= 0 表示不限制
	StreamSamples(ctx context.Context, filters Filters, limit int) iter.Seq2[RawRecord, error]

	// Close 释放数据源持有的资源和缓存
	Close() error
}
