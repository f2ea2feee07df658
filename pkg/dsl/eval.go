package dsl

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

var (
	// celEnv 是全局的 CEL 环境，线程安全，可复用
	celEnv     *cel.Env
	celEnvErr  error
	celEnvOnce sync.Once
)

// 表达式中可用的变量
const (
	VarDeployment = "deployment"
	VarImages     = "images"
	VarRisk       = "risk"
	VarRecord     = "record"
)

// initCELEnv 初始化 CEL 环境，定义变量
func initCELEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable(VarDeployment, cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable(VarImages, cel.ListType(cel.DynType)),
		cel.Variable(VarRisk, cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable(VarRecord, cel.MapType(cel.StringType, cel.DynType)),
	)
}

// getCELEnv 获取或创建 CEL 环境
func getCELEnv() (*cel.Env, error) {
	celEnvOnce.Do(func() {
		celEnv, celEnvErr = initCELEnv()
	})
	return celEnv, celEnvErr
}

// Filter 是编译好的记录过滤表达式，使用 CEL (Common Expression Language) 实现。
// 编译一次，可并发多次求值。
//
// 表达式语法（CEL 标准语法）：
//   - 基础：deployment.namespace != "kube-system"
//   - 数值：size(images) > 0 / risk.score >= 2.0
//   - 逻辑：deployment.cluster_id == "prod" && size(images) > 0
//   - 存在性：has(deployment.risk_score) 或 "risk_score" in deployment
//   - 字符串：deployment.name.startsWith("payments-")
//
// 变量不存在的字段会导致求值错误，调用方应使用 has() 检查。
type Filter struct {
	expr string
	prg  cel.Program
}

// Compile 编译过滤表达式；空表达式返回 nil（匹配所有记录）
func Compile(expr string) (*Filter, error) {
	if expr == "" {
		return nil, nil
	}
	env, err := getCELEnv()
	if err != nil {
		return nil, fmt.Errorf("cel env: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile error: %w", issues.Err())
	}
	if out := ast.OutputType(); !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("expression must return boolean, got %s", ast.OutputType())
	}

	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("program error: %w", err)
	}
	return &Filter{expr: expr, prg: prg}, nil
}

// String 返回原始表达式
func (f *Filter) String() string {
	if f == nil {
		return ""
	}
	return f.expr
}

// Match 对一组变量求值；nil Filter 总是匹配。未提供的变量以空值代替。
func (f *Filter) Match(vars map[string]any) (bool, error) {
	if f == nil {
		return true, nil
	}
	input := map[string]any{
		VarDeployment: map[string]any{},
		VarImages:     []any{},
		VarRisk:       map[string]any{},
		VarRecord:     map[string]any{},
	}
	for k, v := range vars {
		if v != nil {
			input[k] = v
		}
	}

	out, _, err := f.prg.Eval(input)
	if err != nil {
		return false, fmt.Errorf("eval error: %w", err)
	}
	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expression must return boolean, got %T", out.Value())
	}
	return result, nil
}
