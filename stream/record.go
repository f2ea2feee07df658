package stream

import (
	"github.com/rushteam/riskrank/core"
	"github.com/rushteam/riskrank/feature"
	"github.com/rushteam/riskrank/pkg/conv"
)

// IsProcessedRecord 判断记录是否为已提取特征的样本（{features, risk_score}）
func IsProcessedRecord(rec core.RawRecord) bool {
	_, ok := rec["features"].(map[string]any)
	return ok && !rec.IsExportShape()
}

// SplitRecord 识别记录形态（导出 / 扁平），拆出特征提取所需的各部分并选出有效目标分。
func SplitRecord(rec core.RawRecord) (feature.ExtractInput, error) {
	var in feature.ExtractInput
	root := map[string]any(rec)
	if rec.IsExportShape() {
		root = conv.Map(root, "result")
		if v, ok := conv.Lookup(rec, "workload_cvss"); ok {
			if f, ok := conv.ToFloat64(v); ok {
				in.WorkloadCVSS = &f
			}
		}
	}

	dep := conv.Map(root, "deployment", "deployment_data")
	if dep == nil {
		return in, core.NewDomainError(core.ModuleStream, core.ErrorCodeInvalidRecord, "record has no deployment")
	}
	in.Deployment = dep
	in.Images = conv.MapSlice(root, "images")
	in.Vulnerabilities = conv.MapSlice(root, "vulnerabilities")
	in.Alerts = conv.MapSlice(root, "alerts")
	in.BaselineViolations = conv.MapSlice(root, "baseline_violations")

	sel := EffectiveScore(rec)
	in.RiskScore = sel.Score
	in.HasUserAdjustment = sel.UserAdjusted
	in.ScoreSource = sel.Source
	return in, nil
}

// DeploymentID 返回记录中的部署 id，取不到时返回空串
func DeploymentID(rec core.RawRecord) string {
	root := map[string]any(rec)
	if result := conv.Map(root, "result"); result != nil {
		root = result
	}
	return conv.String(conv.Map(root, "deployment", "deployment_data"), "id")
}

// filterVars 构建 CEL 过滤表达式的变量
func filterVars(rec core.RawRecord) map[string]any {
	root := map[string]any(rec)
	if result := conv.Map(root, "result"); result != nil {
		root = result
	}
	vars := map[string]any{"record": map[string]any(rec)}
	if dep := conv.Map(root, "deployment", "deployment_data"); dep != nil {
		vars["deployment"] = dep
	}
	if images := conv.Slice(root, "images"); images != nil {
		vars["images"] = images
	}
	if risk := conv.Map(root, "risk"); risk != nil {
		vars["risk"] = risk
	}
	return vars
}
