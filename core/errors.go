package core

import (
	"errors"
	"fmt"
)

// DomainError 是领域层的统一错误类型。
//
// 设计原则：
//   - 所有领域层错误都使用此类型，按 Code 区分错误种类
//   - 支持 %w 包装底层错误（Err），可配合 errors.Is / errors.As 使用
//   - 提供错误检查函数（IsXXX）
//
// 使用场景：
//   - stream：INVALID_RECORD、TRANSIENT_TRANSPORT、PERMANENT_TRANSPORT、SHAPE_MISMATCH
//   - model：MODEL_NOT_READY、DEGENERATE_DATASET
//   - storage：CORRUPT_MODEL、STORAGE_IO、NOT_FOUND
type DomainError struct {
	Code    string // 错误代码（如 "MODEL_NOT_READY"）
	Message string // 错误消息
	Module  string // 模块名称（如 "stream", "model", "storage"）
	Err     error  // 底层错误，可为空
}

func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *DomainError) Unwrap() error { return e.Err }

// IsDomainError 检查错误链中是否存在 DomainError
func IsDomainError(err error) bool {
	return GetDomainError(err) != nil
}

// GetDomainError 获取错误链中的第一个 DomainError，如果没有则返回 nil
func GetDomainError(err error) *DomainError {
	if err == nil {
		return nil
	}
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr
	}
	return nil
}

// NewDomainError 创建新的领域错误
func NewDomainError(module, code, message string) *DomainError {
	return &DomainError{
		Module:  module,
		Code:    code,
		Message: message,
	}
}

// WrapDomainError 创建包装了底层错误的领域错误
func WrapDomainError(module, code, message string, err error) *DomainError {
	return &DomainError{
		Module:  module,
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// 错误代码常量
const (
	ErrorCodeNotFound           = "NOT_FOUND"           // 资源不存在
	ErrorCodeInvalidInput       = "INVALID_INPUT"       // 输入无效
	ErrorCodeInvalidRecord      = "INVALID_RECORD"      // 记录缺少 deployment 或格式错误
	ErrorCodeTransientTransport = "TRANSIENT_TRANSPORT" // 可重试的传输错误（429/5xx/网络）
	ErrorCodePermanentTransport = "PERMANENT_TRANSPORT" // 不可重试的传输错误（认证失败、其他 4xx）
	ErrorCodeShapeMismatch      = "SHAPE_MISMATCH"      // 文件顶层结构不符合预期
	ErrorCodeModelNotReady      = "MODEL_NOT_READY"     // 模型未加载/未训练
	ErrorCodeCorruptModel       = "CORRUPT_MODEL"       // 校验和不一致
	ErrorCodeDegenerateDataset  = "DEGENERATE_DATASET"  // 训练目标只有一个取值
	ErrorCodeStorageIO          = "STORAGE_IO"          // 文件或对象存储读写失败
)

// 模块名称常量
const (
	ModuleFeature  = "feature"  // 特征模块
	ModuleStream   = "stream"   // 数据流模块
	ModuleModel    = "model"    // 模型模块
	ModuleStorage  = "storage"  // 模型存储模块
	ModuleStore    = "store"    // 对象存储后端
	ModuleService  = "service"  // 预测服务模块
	ModuleTraining = "training" // 训练编排模块
	ModuleConfig   = "config"   // 配置模块
)

func hasCode(err error, code string) bool {
	if domainErr := GetDomainError(err); domainErr != nil {
		return domainErr.Code == code
	}
	return false
}

// IsNotFound 检查错误是否为 NOT_FOUND
func IsNotFound(err error) bool { return hasCode(err, ErrorCodeNotFound) }

// IsInvalidInput 检查错误是否为 INVALID_INPUT
func IsInvalidInput(err error) bool { return hasCode(err, ErrorCodeInvalidInput) }

// IsInvalidRecord 检查错误是否为 INVALID_RECORD
func IsInvalidRecord(err error) bool { return hasCode(err, ErrorCodeInvalidRecord) }

// IsTransientTransport 检查错误是否为 TRANSIENT_TRANSPORT
func IsTransientTransport(err error) bool { return hasCode(err, ErrorCodeTransientTransport) }

// IsPermanentTransport 检查错误是否为 PERMANENT_TRANSPORT
func IsPermanentTransport(err error) bool { return hasCode(err, ErrorCodePermanentTransport) }

// IsShapeMismatch 检查错误是否为 SHAPE_MISMATCH
func IsShapeMismatch(err error) bool { return hasCode(err, ErrorCodeShapeMismatch) }

// IsModelNotReady 检查错误是否为 MODEL_NOT_READY
func IsModelNotReady(err error) bool { return hasCode(err, ErrorCodeModelNotReady) }

// IsCorruptModel 检查错误是否为 CORRUPT_MODEL
func IsCorruptModel(err error) bool { return hasCode(err, ErrorCodeCorruptModel) }

// IsDegenerateDataset 检查错误是否为 DEGENERATE_DATASET
func IsDegenerateDataset(err error) bool { return hasCode(err, ErrorCodeDegenerateDataset) }

// IsStorageIO 检查错误是否为 STORAGE_IO
func IsStorageIO(err error) bool { return hasCode(err, ErrorCodeStorageIO) }

// ErrModelNotReady 预测时没有可用模型
var ErrModelNotReady = NewDomainError(ModuleModel, ErrorCodeModelNotReady, "model not ready")
