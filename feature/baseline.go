package feature

import (
	"fmt"
	"math"
	"time"
)

// MultiplierCaps 各乘数的上限
var MultiplierCaps = map[string]float64{
	MultiplierPolicyViolations: 4.0,
	MultiplierProcessBaseline:  2.0,
	MultiplierVulnerabilities:  4.0,
	MultiplierServiceConfig:    2.0,
	MultiplierReachability:     1.5,
	MultiplierRiskyComponents:  1.5,
	MultiplierComponentCount:   1.5,
	MultiplierImageAge:         1.3,
}

// 乘数名称
const (
	MultiplierPolicyViolations = "policy_violations"
	MultiplierProcessBaseline  = "process_baseline"
	MultiplierVulnerabilities  = "vulnerabilities"
	MultiplierServiceConfig    = "service_config"
	MultiplierReachability     = "reachability"
	MultiplierRiskyComponents  = "risky_components"
	MultiplierComponentCount   = "component_count"
	MultiplierImageAge         = "image_age"
)

const (
	policySaturation      = 50
	policyMaxValue        = 4.0
	vulnSaturation        = 50
	vulnMaxValue          = 4.0
	riskyCompSaturation   = 10
	riskyCompMaxValue     = 1.5
	componentSaturation   = 500
	componentMaxValue     = 1.5
	imageAgeThresholdDays = 365
	imageAgeMaxValue      = 1.3
	configSaturation      = 8
	configMaxValue        = 2.0
	reachabilityMaxValue  = 1.5
)

// RiskFactor 单个乘数的说明，用于解释
type RiskFactor struct {
	Name       string  `json:"name"`
	Multiplier float64 `json:"multiplier"`
	Message    string  `json:"message,omitempty"`
}

// BaselineRiskFactors 基线风险的八个乘数及其乘积。每个乘数 >= 1.0 且不超过 MultiplierCaps 中的上限。
type BaselineRiskFactors struct {
	PolicyViolations float64 `json:"policy_violations"`
	ProcessBaseline  float64 `json:"process_baseline"`
	Vulnerabilities  float64 `json:"vulnerabilities"`
	ServiceConfig    float64 `json:"service_config"`
	Reachability     float64 `json:"reachability"`
	RiskyComponents  float64 `json:"risky_components"`
	ComponentCount   float64 `json:"component_count"`
	ImageAge         float64 `json:"image_age"`
	OverallScore     float64 `json:"overall_score"`

	RiskFactors []RiskFactor `json:"risk_factors,omitempty"`
}

func newBaselineRiskFactors() *BaselineRiskFactors {
	return &BaselineRiskFactors{
		PolicyViolations: 1, ProcessBaseline: 1, Vulnerabilities: 1, ServiceConfig: 1,
		Reachability: 1, RiskyComponents: 1, ComponentCount: 1, ImageAge: 1, OverallScore: 1,
		RiskFactors: make([]RiskFactor, 0, 8),
	}
}

// Multipliers 返回乘数名到乘数值的映射
func (f *BaselineRiskFactors) Multipliers() map[string]float64 {
	return map[string]float64{
		MultiplierPolicyViolations: f.PolicyViolations,
		MultiplierProcessBaseline:  f.ProcessBaseline,
		MultiplierVulnerabilities:  f.Vulnerabilities,
		MultiplierServiceConfig:    f.ServiceConfig,
		MultiplierReachability:     f.Reachability,
		MultiplierRiskyComponents:  f.RiskyComponents,
		MultiplierComponentCount:   f.ComponentCount,
		MultiplierImageAge:         f.ImageAge,
	}
}

func (f *BaselineRiskFactors) product() float64 {
	return f.PolicyViolations *
		f.ProcessBaseline *
		f.Vulnerabilities *
		f.ServiceConfig *
		f.Reachability *
		f.RiskyComponents *
		f.ComponentCount *
		f.ImageAge
}

// BaselineCalculator 复现规则引擎的乘法风险公式。
//
// 对固定的输入和时钟，Calculate 是纯函数：相同输入得到逐位相同的结果。
type BaselineCalculator struct {
	now func() time.Time
}

// BaselineOption 基线计算器选项
type BaselineOption func(*BaselineCalculator)

// WithClock 设置计算镜像年龄使用的时钟
func WithClock(now func() time.Time) BaselineOption {
	return func(c *BaselineCalculator) {
		if now != nil {
			c.now = now
		}
	}
}

// NewBaselineCalculator 创建基线计算器
func NewBaselineCalculator(opts ...BaselineOption) *BaselineCalculator {
	c := &BaselineCalculator{now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Calculate 从原始记录计算基线乘数；缺少 deployment 时返回 INVALID_RECORD，其余缺失字段取中性值
func (c *BaselineCalculator) Calculate(in RecordInput) (*BaselineRiskFactors, error) {
	rec, err := ParseRecord(in)
	if err != nil {
		return nil, err
	}
	return c.CalculateParsed(rec), nil
}

// CalculateParsed 对已解析的记录计算基线乘数
func (c *BaselineCalculator) CalculateParsed(rec *ParsedRecord) *BaselineRiskFactors {
	f := newBaselineRiskFactors()
	now := c.now()

	f.PolicyViolations = policyViolationsMultiplier(rec.Alerts)
	f.ProcessBaseline = processBaselineMultiplier(rec.BaselineViolationCount)
	f.Vulnerabilities = vulnerabilitiesMultiplier(rec.Images)
	f.RiskyComponents = riskyComponentsMultiplier(rec.Images)
	f.ComponentCount = componentCountMultiplier(rec.Images)
	f.ImageAge = imageAgeMultiplier(rec.Images, now)
	f.ServiceConfig = serviceConfigMultiplier(ServiceConfigOf(rec.Deployment))
	f.Reachability = reachabilityMultiplier(rec.Deployment.Ports)
	f.OverallScore = f.product()

	if f.PolicyViolations > 1 {
		f.add(MultiplierPolicyViolations, f.PolicyViolations, fmt.Sprintf("%d policy violations", len(rec.Alerts)))
	}
	if f.ProcessBaseline > 1 {
		f.add(MultiplierProcessBaseline, f.ProcessBaseline, fmt.Sprintf("%d process baseline violations", rec.BaselineViolationCount))
	}
	if f.Vulnerabilities > 1 {
		f.add(MultiplierVulnerabilities, f.Vulnerabilities, "image vulnerabilities")
	}
	if f.ServiceConfig > 1 {
		f.add(MultiplierServiceConfig, f.ServiceConfig, "service configuration")
	}
	if f.Reachability > 1 {
		f.add(MultiplierReachability, f.Reachability, fmt.Sprintf("%d exposed ports", len(rec.Deployment.Ports)))
	}
	if f.RiskyComponents > 1 {
		f.add(MultiplierRiskyComponents, f.RiskyComponents, "risky components in images")
	}
	if f.ComponentCount > 1 {
		f.add(MultiplierComponentCount, f.ComponentCount, "image component count")
	}
	if f.ImageAge > 1 {
		f.add(MultiplierImageAge, f.ImageAge, "image age")
	}
	return f
}

func (f *BaselineRiskFactors) add(name string, multiplier float64, msg string) {
	f.RiskFactors = append(f.RiskFactors, RiskFactor{Name: name, Multiplier: multiplier, Message: msg})
}

func policyViolationsMultiplier(alerts []AlertInfo) float64 {
	if len(alerts) == 0 {
		return 1.0
	}
	return Normalize(PolicySeverityScore(alerts), policySaturation, policyMaxValue)
}

func processBaselineMultiplier(n int) float64 {
	if n <= 0 {
		return 1.0
	}
	return math.Min(1.0+0.1*float64(n), 2.0)
}

func imageVulnerabilityMultiplier(img ImageInfo) float64 {
	v := img.VulnerabilityScore()
	if v <= 0 {
		return 1.0
	}
	return Normalize(v, vulnSaturation, vulnMaxValue)
}

func vulnerabilitiesMultiplier(images []ImageInfo) float64 {
	m := 1.0
	for _, img := range images {
		m = math.Max(m, imageVulnerabilityMultiplier(img))
	}
	return m
}

func riskyComponentsMultiplier(images []ImageInfo) float64 {
	total := 0
	for _, img := range images {
		total += img.RiskyComponentCount
	}
	if total == 0 {
		return 1.0
	}
	return Normalize(float64(total), riskyCompSaturation, riskyCompMaxValue)
}

func componentCountMultiplier(images []ImageInfo) float64 {
	if len(images) == 0 {
		return 1.0
	}
	sum := 0
	for _, img := range images {
		sum += img.ComponentCount
	}
	return Normalize(float64(sum)/float64(len(images)), componentSaturation, componentMaxValue)
}

func imageAgeMultiplier(images []ImageInfo, now time.Time) float64 {
	m := 1.0
	for _, img := range images {
		days := img.AgeAt(now)
		if days <= imageAgeThresholdDays {
			continue
		}
		factor := (days - imageAgeThresholdDays) / imageAgeThresholdDays
		m = math.Max(m, math.Min(1.0+factor*0.3, imageAgeMaxValue))
	}
	return m
}

// ServiceConfig 服务配置风险的汇总计数，基线乘数和服务配置特征共用
type ServiceConfig struct {
	RWVolumeCount          int
	SecretCount            int
	RiskyCapabilitiesAdded int
	NoCapabilitiesDropped  bool
	PrivilegedCount        int
}

// ServiceConfigOf 汇总部署下所有容器的服务配置
func ServiceConfigOf(d *DeploymentInfo) ServiceConfig {
	var sc ServiceConfig
	anyDropped := false
	for _, c := range d.Containers {
		sc.RWVolumeCount += c.RWVolumeCount
		sc.SecretCount += c.SecretCount
		for _, capability := range c.AddCapabilities {
			if IsRiskyCapability(capability) {
				sc.RiskyCapabilitiesAdded++
			}
		}
		if len(c.DropCapabilities) > 0 {
			anyDropped = true
		}
		if c.Privileged {
			sc.PrivilegedCount++
		}
	}
	sc.NoCapabilitiesDropped = len(d.Containers) > 0 && !anyDropped
	return sc
}

// serviceConfigMultiplier 每类风险配置计 1 分，存在特权容器时总分翻倍，
// 再以饱和值 8、上限 2.0 归一化。
func serviceConfigMultiplier(sc ServiceConfig) float64 {
	score := 0.0
	if sc.RWVolumeCount > 0 {
		score++
	}
	if sc.SecretCount > 0 {
		score++
	}
	if sc.RiskyCapabilitiesAdded > 0 {
		score++
	}
	if sc.NoCapabilitiesDropped {
		score++
	}
	if sc.PrivilegedCount > 0 {
		score++
		score *= 2
	}
	if score == 0 {
		return 1.0
	}
	return math.Min(Normalize(score, configSaturation, configMaxValue), configMaxValue)
}

func reachabilityMultiplier(ports []PortInfo) float64 {
	if len(ports) == 0 {
		return 1.0
	}
	m := 1.0 + 0.05*float64(len(ports))
	for _, p := range ports {
		if p.IsExternal() {
			m *= 1.2
			break
		}
	}
	return math.Min(m, reachabilityMaxValue)
}
