// Package riskrank 为 Kubernetes 部署计算安全风险排序。
//
// 设计要点：
// - 数据流：导出记录 → 特征提取（feature）→ 训练样本流（stream）→ 排序模型（model）→ 模型存储（storage）
// - 基线可回退：没有模型时 BaselineCalculator 给出的规则分与导出接口的风险分一致
// - 模型可热加载：PredictionService 原子替换当前模型，支持 HTTP、NATS 与存储目录变更触发
//
// 命令行入口见 cmd/riskrank-train 与 cmd/riskrank-serve。
package riskrank

import "github.com/rushteam/riskrank/core"

// 轻量 facade：便于直接 import "riskrank" 使用核心抽象。
type (
	RawRecord     = core.RawRecord
	Filters       = core.Filters
	StreamSource  = core.StreamSource
	ModelStorage  = core.ModelStorage
	ModelMetadata = core.ModelMetadata
	DomainError   = core.DomainError
)
