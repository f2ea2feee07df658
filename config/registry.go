package config

import (
	"fmt"
	"sort"
	"sync"

	"github.com/rushteam/riskrank/core"
)

// SourceBuilder 根据配置构建训练数据源。
// 各数据源在 init 中调用 RegisterSource(typeName, builder) 即可被 data.source 选择。
type SourceBuilder func(f *Factory) (core.StreamSource, error)

var (
	sourceBuilders   = make(map[string]SourceBuilder)
	sourceBuildersMu sync.RWMutex
)

func init() {
	RegisterSource(SourceFile, buildFileSource)
	RegisterSource(SourceHTTP, buildHTTPSource)
	RegisterSource(SourceGenerated, buildGeneratedSource)
}

// RegisterSource 注册一种数据源的构建逻辑，同名覆盖
func RegisterSource(typeName string, builder SourceBuilder) {
	if typeName == "" || builder == nil {
		return
	}
	sourceBuildersMu.Lock()
	defer sourceBuildersMu.Unlock()
	sourceBuilders[typeName] = builder
}

// SupportedSources 返回已注册的数据源类型（排序），用于错误提示与校验
func SupportedSources() []string {
	sourceBuildersMu.RLock()
	defer sourceBuildersMu.RUnlock()
	return sortedSourceTypes()
}

func lookupSource(typeName string) (SourceBuilder, error) {
	sourceBuildersMu.RLock()
	defer sourceBuildersMu.RUnlock()
	b, ok := sourceBuilders[typeName]
	if !ok {
		return nil, core.NewDomainError(core.ModuleConfig, core.ErrorCodeInvalidInput,
			fmt.Sprintf("unsupported data source %q (supported: %v)", typeName, sortedSourceTypes()))
	}
	return b, nil
}

// sortedSourceTypes 调用方需持有读锁
func sortedSourceTypes() []string {
	types := make([]string, 0, len(sourceBuilders))
	for t := range sourceBuilders {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
