package feature

import (
	"strings"
	"time"

	"github.com/rushteam/riskrank/core"
	"github.com/rushteam/riskrank/pkg/conv"
)

// DeploymentInfo 是从原始记录中解析出的部署信息，缺失字段取中性值。
type DeploymentInfo struct {
	ID                    string
	Name                  string
	Namespace             string
	ClusterID             string
	Replicas              int
	HostNetwork           bool
	HostPID               bool
	HostIPC               bool
	AutomountSAToken      bool
	PermissionLevel       int
	OrchestratorComponent bool
	Created               time.Time
	Containers            []ContainerInfo
	Ports                 []PortInfo
	RiskScore             *float64
}

// ContainerInfo 容器安全上下文
type ContainerInfo struct {
	Name             string
	Privileged       bool
	AddCapabilities  []string
	DropCapabilities []string
	RWVolumeCount    int
	VolumeCount      int
	SecretCount      int
}

// PortInfo 端口暴露信息
type PortInfo struct {
	Port     int
	Exposure string // INTERNAL / EXTERNAL / NODE
}

// IsExternal 端口是否对集群外暴露（EXTERNAL 或 NODE）
func (p PortInfo) IsExternal() bool {
	return p.Exposure == "EXTERNAL" || p.Exposure == "NODE"
}

// ImageInfo 是从原始记录中解析出的镜像信息。
//
// 组件既可能以明细列表给出（含每个组件的漏洞），也可能只给出汇总数量；
// 汇总路径下 ComponentsFromSummary 为 true，CVSS 由严重级别计数估算，属于有损路径。
type ImageInfo struct {
	ID                    string
	Name                  string
	LayerCount            int
	Created               time.Time
	AgeDays               float64 // 记录直接给出的镜像天数，<= 0 表示未给出
	ComponentCount        int
	RiskyComponentCount   int
	ComponentsFromSummary bool
	CriticalCount         int
	HighCount             int
	MediumCount           int
	LowCount              int
	AvgCVSS               float64
	MaxCVSS               float64
}

// VulnerabilityScore 加权漏洞分：10*critical + 4*high + 1*medium + 0.25*low
func (img ImageInfo) VulnerabilityScore() float64 {
	return 10*float64(img.CriticalCount) +
		4*float64(img.HighCount) +
		float64(img.MediumCount) +
		0.25*float64(img.LowCount)
}

// AgeAt 返回镜像在 now 时刻的天数，没有时间信息时返回 0
func (img ImageInfo) AgeAt(now time.Time) float64 {
	if img.AgeDays > 0 {
		return img.AgeDays
	}
	if img.Created.IsZero() {
		return 0
	}
	return now.Sub(img.Created).Hours() / 24
}

// AlertInfo 策略违规告警
type AlertInfo struct {
	PolicyName string
	Severity   string // CRITICAL / HIGH / MEDIUM / LOW
}

// riskyCapabilities 被视为高风险的新增 capability
var riskyCapabilities = map[string]struct{}{
	"ALL":             {},
	"SYS_ADMIN":       {},
	"NET_ADMIN":       {},
	"SYS_MODULE":      {},
	"SYS_PTRACE":      {},
	"SYS_RAWIO":       {},
	"SYS_BOOT":        {},
	"DAC_READ_SEARCH": {},
	"NET_RAW":         {},
}

// IsRiskyCapability 判断 capability 是否高风险（大小写、CAP_ 前缀不敏感）
func IsRiskyCapability(capability string) bool {
	c := strings.TrimPrefix(strings.ToUpper(strings.TrimSpace(capability)), "CAP_")
	_, ok := riskyCapabilities[c]
	return ok
}

// riskyComponents 镜像中被视为高风险的组件（包管理器、网络工具、shell 等）
var riskyComponents = map[string]struct{}{
	"apk": {}, "apt": {}, "apt-get": {}, "aptitude": {}, "dnf": {}, "dpkg": {}, "rpm": {},
	"yum": {}, "zypper": {}, "pip": {}, "npm": {},
	"curl": {}, "wget": {}, "nc": {}, "netcat": {}, "ncat": {}, "socat": {}, "telnet": {},
	"nmap": {}, "ssh": {}, "scp": {}, "sshd": {}, "openssh": {}, "openssh-client": {},
	"bash": {}, "sh": {}, "zsh": {}, "ksh": {}, "tcsh": {}, "csh": {}, "busybox": {},
	"gcc": {}, "make": {}, "perl": {}, "python": {}, "python3": {}, "ruby": {},
}

// IsRiskyComponent 判断组件名是否属于高风险组件
func IsRiskyComponent(name string) bool {
	_, ok := riskyComponents[strings.ToLower(strings.TrimSpace(name))]
	return ok
}

// orchestratorNamespaces 编排系统自身组件所在的 namespace
var orchestratorNamespaces = []string{"kube-system", "kube-public", "kube-node-lease", "stackrox", "istio-system"}

func isOrchestratorNamespace(ns string) bool {
	for _, n := range orchestratorNamespaces {
		if ns == n {
			return true
		}
	}
	return strings.HasPrefix(ns, "openshift-") || ns == "openshift"
}

// ParseDeployment 解析 deployment 对象，deployment 为 nil 时返回 INVALID_RECORD
func ParseDeployment(d map[string]any) (*DeploymentInfo, error) {
	if d == nil {
		return nil, core.NewDomainError(core.ModuleFeature, core.ErrorCodeInvalidRecord, "record has no deployment")
	}
	info := &DeploymentInfo{
		ID:                    conv.String(d, "id"),
		Name:                  conv.String(d, "name"),
		Namespace:             conv.String(d, "namespace"),
		ClusterID:             conv.String(d, "cluster_id", "cluster_name", "cluster"),
		Replicas:              conv.Int(d, 1, "replicas", "replica_count"),
		HostNetwork:           conv.Bool(d, "host_network"),
		HostPID:               conv.Bool(d, "host_pid"),
		HostIPC:               conv.Bool(d, "host_ipc"),
		AutomountSAToken:      conv.Bool(d, "automount_service_account_token"),
		PermissionLevel:       parsePermissionLevel(d),
		OrchestratorComponent: conv.Bool(d, "orchestrator_component"),
	}
	if info.Replicas < 1 {
		info.Replicas = 1
	}
	if v, ok := conv.Lookup(d, "created", "creation_timestamp", "created_at"); ok {
		info.Created, _ = conv.ToTime(v)
	}
	if v, ok := conv.Lookup(d, "risk_score"); ok {
		if f, ok := conv.ToFloat64(v); ok {
			info.RiskScore = &f
		}
	}
	for _, c := range conv.MapSlice(d, "containers") {
		info.Containers = append(info.Containers, parseContainer(c))
	}
	for _, p := range conv.MapSlice(d, "ports") {
		info.Ports = append(info.Ports, PortInfo{
			Port:     conv.Int(p, 0, "container_port", "port"),
			Exposure: normalizeExposure(conv.String(p, "exposure", "exposure_type", "level")),
		})
	}
	return info, nil
}

func parseContainer(c map[string]any) ContainerInfo {
	sc := conv.Map(c, "security_context")
	info := ContainerInfo{
		Name:             conv.String(c, "name"),
		Privileged:       conv.Bool(sc, "privileged") || conv.Bool(c, "privileged"),
		AddCapabilities:  conv.StringSlice(sc, "add_capabilities"),
		DropCapabilities: conv.StringSlice(sc, "drop_capabilities"),
	}
	for _, v := range conv.MapSlice(c, "volumes") {
		info.VolumeCount++
		// readOnly 缺省视为可写
		if !conv.Bool(v, "read_only") {
			info.RWVolumeCount++
		}
	}
	info.SecretCount = len(conv.Slice(c, "secrets"))
	return info
}

// permissionLevels 服务账号权限级别，数值越大权限越高
var permissionLevels = map[string]int{
	"NONE":                  0,
	"DEFAULT":               1,
	"ELEVATED_IN_NAMESPACE": 2,
	"ELEVATED_CLUSTER_WIDE": 3,
	"CLUSTER_ADMIN":         4,
}

func parsePermissionLevel(d map[string]any) int {
	v, ok := conv.Lookup(d, "service_account_permission_level")
	if !ok {
		return 0
	}
	if s, ok := v.(string); ok {
		return permissionLevels[strings.ToUpper(s)]
	}
	level, _ := conv.ToInt(v)
	return level
}

func normalizeExposure(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	switch {
	case strings.Contains(s, "EXTERNAL"):
		return "EXTERNAL"
	case strings.Contains(s, "NODE"):
		return "NODE"
	case strings.Contains(s, "HOST"):
		return "HOST"
	default:
		return "INTERNAL"
	}
}

// ParseImages 解析镜像列表；vulnerabilities 为导出形态中 result.vulnerabilities，
// 仅在镜像自身没有扫描数据时使用，按 image_id 归属，无法归属的计入第一个镜像。
func ParseImages(images []map[string]any, vulnerabilities []map[string]any) []ImageInfo {
	out := make([]ImageInfo, 0, len(images))
	for _, img := range images {
		out = append(out, ParseImage(img))
	}
	if len(vulnerabilities) == 0 || len(out) == 0 {
		return out
	}
	byID := make(map[string]int, len(out))
	for i, img := range out {
		byID[img.ID] = i
	}
	fallback := -1
	for i := range out {
		if !out[i].hasScanData() {
			fallback = i
			break
		}
	}
	extra := make(map[int]*vulnTally)
	for _, v := range vulnerabilities {
		idx := fallback
		if id := conv.String(v, "image_id"); id != "" {
			if i, ok := byID[id]; ok {
				idx = i
			}
		}
		if idx < 0 || out[idx].hasScanData() {
			continue
		}
		t := extra[idx]
		if t == nil {
			t = &vulnTally{}
			extra[idx] = t
		}
		t.add(v)
	}
	for idx, t := range extra {
		t.apply(&out[idx])
	}
	return out
}

func (img ImageInfo) hasScanData() bool {
	return img.CriticalCount+img.HighCount+img.MediumCount+img.LowCount > 0
}

// ParseImage 解析单个镜像
func ParseImage(img map[string]any) ImageInfo {
	info := ImageInfo{ID: conv.String(img, "id")}

	switch name := img["name"].(type) {
	case string:
		info.Name = name
	case map[string]any:
		info.Name = conv.String(name, "full_name")
	}

	meta := conv.Map(conv.Map(img, "metadata"), "v1")
	info.LayerCount = conv.Int(img, 0, "layer_count")
	if info.LayerCount == 0 {
		if shas := conv.Slice(img, "layer_shas"); shas != nil {
			info.LayerCount = len(shas)
		} else if layers := conv.Slice(meta, "layers"); layers != nil {
			info.LayerCount = len(layers)
		}
	}
	if v, ok := conv.Lookup(img, "created", "creation_timestamp"); ok {
		info.Created, _ = conv.ToTime(v)
	} else if v, ok := conv.Lookup(meta, "created"); ok {
		info.Created, _ = conv.ToTime(v)
	}
	info.AgeDays = conv.Float(img, 0, "image_age_days", "age_days")

	scan := conv.Map(img, "scan")
	components, hasList := componentList(img, scan)
	if hasList {
		t := &vulnTally{}
		for _, c := range components {
			if IsRiskyComponent(conv.String(c, "name")) {
				info.RiskyComponentCount++
			}
			for _, v := range conv.MapSlice(c, "vulns", "vulnerabilities") {
				t.add(v)
			}
		}
		info.ComponentCount = len(components)
		t.apply(&info)
	} else {
		info.ComponentsFromSummary = true
		info.ComponentCount = summaryInt(img, scan, "component_count", "components", "total_component_count")
		info.RiskyComponentCount = summaryInt(img, scan, "risky_component_count")
	}

	// 严重级别计数优先（汇总形态），覆盖从组件明细统计的结果
	if c, ok := severityCount(img, scan, "critical"); ok {
		info.CriticalCount = c
	}
	if c, ok := severityCount(img, scan, "high"); ok {
		info.HighCount = c
	}
	if c, ok := severityCount(img, scan, "medium"); ok {
		info.MediumCount = c
	}
	if c, ok := severityCount(img, scan, "low"); ok {
		info.LowCount = c
	}
	if info.ComponentsFromSummary || info.MaxCVSS == 0 {
		info.estimateCVSS()
	}
	return info
}

func componentList(img, scan map[string]any) ([]map[string]any, bool) {
	for _, m := range []map[string]any{scan, img} {
		if m == nil {
			continue
		}
		if list := conv.Slice(m, "components"); list != nil {
			return conv.ConvertSlice(list, conv.TypeAssert[map[string]any]), true
		}
	}
	return nil, false
}

func summaryInt(img, scan map[string]any, keys ...string) int {
	for _, m := range []map[string]any{scan, img} {
		if v, ok := conv.Lookup(m, keys...); ok {
			if n, ok := conv.ToInt(v); ok {
				return n
			}
		}
	}
	return 0
}

func severityCount(img, scan map[string]any, level string) (int, bool) {
	keys := []string{level + "_vuln_count", level + "_count", level + "_cvss_count", level}
	for _, m := range []map[string]any{scan, img, conv.Map(scan, "summary"), conv.Map(img, "vulnerability_summary")} {
		if v, ok := conv.Lookup(m, keys...); ok {
			if n, ok := conv.ToInt(v); ok {
				return n, true
			}
		}
	}
	return 0, false
}

// representativeCVSS 汇总路径下每个严重级别的代表性 CVSS 分
var representativeCVSS = map[string]float64{"critical": 9.5, "high": 7.5, "medium": 5.0, "low": 2.0}

func (img *ImageInfo) estimateCVSS() {
	counts := map[string]int{
		"critical": img.CriticalCount,
		"high":     img.HighCount,
		"medium":   img.MediumCount,
		"low":      img.LowCount,
	}
	total, sum, max := 0, 0.0, 0.0
	for level, n := range counts {
		if n <= 0 {
			continue
		}
		score := representativeCVSS[level]
		total += n
		sum += score * float64(n)
		if score > max {
			max = score
		}
	}
	if total == 0 {
		return
	}
	img.AvgCVSS = sum / float64(total)
	img.MaxCVSS = max
}

type vulnTally struct {
	critical, high, medium, low int
	cvssSum, cvssMax            float64
	cvssCount                   int
}

func (t *vulnTally) add(v map[string]any) {
	cvss := conv.Float(v, 0, "cvss", "score")
	switch severityLevel(conv.String(v, "severity"), cvss) {
	case "critical":
		t.critical++
	case "high":
		t.high++
	case "medium":
		t.medium++
	case "low":
		t.low++
	}
	if cvss > 0 {
		t.cvssSum += cvss
		t.cvssCount++
		if cvss > t.cvssMax {
			t.cvssMax = cvss
		}
	}
}

func (t *vulnTally) apply(img *ImageInfo) {
	img.CriticalCount += t.critical
	img.HighCount += t.high
	img.MediumCount += t.medium
	img.LowCount += t.low
	if t.cvssCount > 0 {
		img.AvgCVSS = t.cvssSum / float64(t.cvssCount)
		img.MaxCVSS = t.cvssMax
	}
}

func severityLevel(severity string, cvss float64) string {
	s := strings.ToUpper(severity)
	switch {
	case strings.Contains(s, "CRITICAL"):
		return "critical"
	case strings.Contains(s, "IMPORTANT"), strings.Contains(s, "HIGH"):
		return "high"
	case strings.Contains(s, "MODERATE"), strings.Contains(s, "MEDIUM"):
		return "medium"
	case strings.Contains(s, "LOW"):
		return "low"
	}
	switch {
	case cvss >= 9:
		return "critical"
	case cvss >= 7:
		return "high"
	case cvss >= 4:
		return "medium"
	case cvss > 0:
		return "low"
	}
	return ""
}

// ParseAlerts 解析告警列表，严重级别兼容 CRITICAL 与 CRITICAL_SEVERITY 两种写法
func ParseAlerts(alerts []map[string]any) []AlertInfo {
	out := make([]AlertInfo, 0, len(alerts))
	for _, a := range alerts {
		policy := conv.Map(a, "policy")
		severity := conv.String(policy, "severity")
		if severity == "" {
			severity = conv.String(a, "severity")
		}
		out = append(out, AlertInfo{
			PolicyName: conv.String(policy, "name"),
			Severity:   normalizeSeverity(severity),
		})
	}
	return out
}

func normalizeSeverity(s string) string {
	s = strings.TrimSuffix(strings.ToUpper(strings.TrimSpace(s)), "_SEVERITY")
	switch s {
	case "CRITICAL", "HIGH", "MEDIUM", "LOW":
		return s
	}
	return "LOW"
}

// severityWeights 策略严重级别权重
var severityWeights = map[string]float64{"CRITICAL": 4, "HIGH": 3, "MEDIUM": 2, "LOW": 1}

// PolicySeverityScore 告警严重级别权重的平方和 S = Σ w²
func PolicySeverityScore(alerts []AlertInfo) float64 {
	s := 0.0
	for _, a := range alerts {
		w := severityWeights[a.Severity]
		s += w * w
	}
	return s
}
