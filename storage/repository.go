// Package storage 提供版本化模型存储：本地文件系统、对象存储、主备管理器，以及版本流转工具。
//
// 使用示例：
//
//	local, _ := storage.NewLocalStorage("/var/lib/riskrank")
//	backup := storage.NewObjectStorage(objects, "riskrank/")
//	s := storage.NewManager(local, storage.WithBackup(backup))
//	_ = s.SaveModel(ctx, blob, meta)
//	blob, meta, err := s.LoadModel(ctx, "deployment_risk", "") // 最新版本
package storage

import (
	"cmp"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/rushteam/riskrank/core"
)

const (
	// DefaultExtension 元数据未指定扩展名时使用
	DefaultExtension = "json"

	modelsPrefix = "models/"
	metadataFile = "metadata.json"
	modelFile    = "model."
)

// errMissing blobIO 在 key 不存在时返回
var errMissing = errors.New("storage: blob missing")

// blobIO 是版本化存储依赖的最小读写原语，key 为 "/" 分隔的相对路径。
type blobIO interface {
	read(ctx context.Context, key string) ([]byte, error)
	write(ctx context.Context, key string, data []byte) error
	// list 返回 prefix 下的全部 key（字典序）
	list(ctx context.Context, prefix string) ([]string, error)
	// removeAll 删除 prefix 下的全部 key
	removeAll(ctx context.Context, prefix string) error
}

// repository 在 blobIO 之上实现 core.ModelStorage 的目录约定：
//
//	models/<model_id>/v<version>/model.<ext>
//	models/<model_id>/v<version>/metadata.json
//
// 写入顺序为先模型文件后元数据，元数据存在即表示版本完整。
type repository struct {
	io      blobIO
	backend string
	logger  *slog.Logger
	now     func() time.Time
}

func (r *repository) SaveModel(ctx context.Context, blob []byte, meta *core.ModelMetadata) error {
	if meta == nil {
		return invalidInput("metadata is required")
	}
	if err := validateRef(meta.ModelID, meta.Version); err != nil {
		return err
	}
	ext := cmp.Or(meta.FileExtension, DefaultExtension)
	if !validSegment(ext) {
		return invalidInput("invalid file extension " + ext)
	}

	prev, _ := r.readMetadata(ctx, meta.ModelID, meta.Version)

	now := r.timestamp()
	meta.FileExtension = ext
	meta.Checksum = Checksum(blob)
	meta.ModelSizeBytes = int64(len(blob))
	meta.UpdatedAt = now
	if meta.CreatedAt == "" {
		meta.CreatedAt = now
	}
	if meta.TrainingTimestamp == "" {
		meta.TrainingTimestamp = now
	}
	if meta.Status == "" {
		meta.Status = core.StatusDraft
	}
	if meta.SemanticVersion == "" {
		meta.SemanticVersion = SemanticFromVersion(meta.Version)
	}

	dir := versionPrefix(meta.ModelID, meta.Version)
	if err := r.io.write(ctx, dir+modelFile+ext, blob); err != nil {
		return storageIO("write model "+meta.ModelID+"/"+meta.Version, err)
	}
	if err := r.writeMetadata(ctx, meta); err != nil {
		return err
	}
	if prev != nil && prev.FileExtension != "" && prev.FileExtension != ext {
		if err := r.io.removeAll(ctx, dir+modelFile+prev.FileExtension); err != nil {
			r.logger.Warn("Failed to remove stale model file", "model_id", meta.ModelID, "version", meta.Version, "error", err)
		}
	}

	r.logger.Info("Stored model",
		"model_id", meta.ModelID,
		"version", meta.Version,
		"size", meta.ModelSizeBytes,
		"checksum", meta.Checksum)
	return nil
}

func (r *repository) LoadModel(ctx context.Context, modelID, version string) ([]byte, *core.ModelMetadata, error) {
	if !validSegment(modelID) {
		return nil, nil, invalidInput("invalid model id " + strconv.Quote(modelID))
	}
	if version == "" {
		versions, err := r.versions(ctx, modelID)
		if err != nil {
			return nil, nil, err
		}
		if len(versions) == 0 {
			return nil, nil, notFound("model " + modelID + " has no versions")
		}
		version = LatestVersion(versions)
	} else if !validSegment(version) {
		return nil, nil, invalidInput("invalid version " + strconv.Quote(version))
	}

	meta, err := r.readMetadata(ctx, modelID, version)
	if err != nil {
		return nil, nil, err
	}
	ext := cmp.Or(meta.FileExtension, DefaultExtension)
	blob, err := r.io.read(ctx, versionPrefix(modelID, version)+modelFile+ext)
	if errors.Is(err, errMissing) {
		return nil, nil, corrupt(modelID+"/"+version+": model file missing", nil)
	}
	if err != nil {
		return nil, nil, storageIO("read model "+modelID+"/"+version, err)
	}
	if sum := Checksum(blob); sum != meta.Checksum {
		return nil, nil, corrupt(modelID+"/"+version+": checksum mismatch (expected "+meta.Checksum+", got "+sum+")", nil)
	}
	return blob, meta, nil
}

func (r *repository) ListModels(ctx context.Context, modelID string) ([]*core.ModelMetadata, error) {
	prefix := modelsPrefix
	if modelID != "" {
		if !validSegment(modelID) {
			return nil, invalidInput("invalid model id " + strconv.Quote(modelID))
		}
		prefix += modelID + "/"
	}
	keys, err := r.io.list(ctx, prefix)
	if err != nil {
		return nil, storageIO("list "+prefix, err)
	}

	out := make([]*core.ModelMetadata, 0)
	for _, key := range keys {
		id, version, ok := parseMetadataKey(key)
		if !ok {
			continue
		}
		meta, err := r.readMetadata(ctx, id, version)
		if err != nil {
			r.logger.Warn("Skipping unreadable model metadata", "model_id", id, "version", version, "error", err)
			continue
		}
		out = append(out, meta)
	}
	sortByTrainedDesc(out)
	return out, nil
}

func (r *repository) ModelExists(ctx context.Context, modelID, version string) (bool, error) {
	if !validSegment(modelID) {
		return false, invalidInput("invalid model id " + strconv.Quote(modelID))
	}
	if version == "" {
		versions, err := r.versions(ctx, modelID)
		return len(versions) > 0, err
	}
	if !validSegment(version) {
		return false, invalidInput("invalid version " + strconv.Quote(version))
	}
	_, err := r.io.read(ctx, versionPrefix(modelID, version)+metadataFile)
	if errors.Is(err, errMissing) {
		return false, nil
	}
	if err != nil {
		return false, storageIO("stat "+modelID+"/"+version, err)
	}
	return true, nil
}

func (r *repository) DeleteModel(ctx context.Context, modelID, version string) error {
	exists, err := r.ModelExists(ctx, modelID, version)
	if err != nil {
		return err
	}
	if !exists {
		return notFound("model " + modelID + " " + version + " not found")
	}
	prefix := modelsPrefix + modelID + "/"
	if version != "" {
		prefix = versionPrefix(modelID, version)
	}
	if err := r.io.removeAll(ctx, prefix); err != nil {
		return storageIO("delete "+prefix, err)
	}
	r.logger.Info("Deleted model", "model_id", modelID, "version", version)
	return nil
}

// UpdateMetadata 只重写 metadata.json；校验和、大小、扩展名始终保留存储中的值
func (r *repository) UpdateMetadata(ctx context.Context, meta *core.ModelMetadata) error {
	if meta == nil {
		return invalidInput("metadata is required")
	}
	if err := validateRef(meta.ModelID, meta.Version); err != nil {
		return err
	}
	stored, err := r.readMetadata(ctx, meta.ModelID, meta.Version)
	if err != nil {
		return err
	}
	// 未指定状态时沿用已存储的状态
	meta.Status = cmp.Or(meta.Status, stored.Status)
	if !meta.Status.Valid() {
		return invalidInput("invalid status " + strconv.Quote(string(meta.Status)))
	}
	meta.Checksum = stored.Checksum
	meta.ModelSizeBytes = stored.ModelSizeBytes
	meta.FileExtension = stored.FileExtension
	meta.CreatedAt = cmp.Or(meta.CreatedAt, stored.CreatedAt)
	meta.TrainingTimestamp = cmp.Or(meta.TrainingTimestamp, stored.TrainingTimestamp)
	meta.UpdatedAt = r.timestamp()
	return r.writeMetadata(ctx, meta)
}

// versions 列出模型下元数据完整的版本号
func (r *repository) versions(ctx context.Context, modelID string) ([]string, error) {
	keys, err := r.io.list(ctx, modelsPrefix+modelID+"/")
	if err != nil {
		return nil, storageIO("list "+modelID, err)
	}
	var out []string
	for _, key := range keys {
		if id, version, ok := parseMetadataKey(key); ok && id == modelID {
			out = append(out, version)
		}
	}
	return out, nil
}

func (r *repository) readMetadata(ctx context.Context, modelID, version string) (*core.ModelMetadata, error) {
	data, err := r.io.read(ctx, versionPrefix(modelID, version)+metadataFile)
	if errors.Is(err, errMissing) {
		return nil, notFound("model " + modelID + " version " + version + " not found")
	}
	if err != nil {
		return nil, storageIO("read metadata "+modelID+"/"+version, err)
	}
	var meta core.ModelMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, corrupt(modelID+"/"+version+": invalid metadata", err)
	}
	return &meta, nil
}

func (r *repository) writeMetadata(ctx context.Context, meta *core.ModelMetadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return invalidInputWrap("encode metadata", err)
	}
	if err := r.io.write(ctx, versionPrefix(meta.ModelID, meta.Version)+metadataFile, data); err != nil {
		return storageIO("write metadata "+meta.ModelID+"/"+meta.Version, err)
	}
	return nil
}

func (r *repository) timestamp() string {
	return r.now().UTC().Format(time.RFC3339Nano)
}

// Checksum 模型文件内容的 SHA-256（十六进制）
func Checksum(blob []byte) string {
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:])
}

// LatestVersion 选出最新版本：全部为点分数字时按数值比较，否则按字典序
func LatestVersion(versions []string) string {
	if len(versions) == 0 {
		return ""
	}
	numeric := true
	for _, v := range versions {
		if _, ok := parseDotted(v); !ok {
			numeric = false
			break
		}
	}
	if !numeric {
		return slices.Max(versions)
	}
	return slices.MaxFunc(versions, func(a, b string) int {
		pa, _ := parseDotted(a)
		pb, _ := parseDotted(b)
		return slices.Compare(pa, pb)
	})
}

func parseDotted(v string) ([]int, bool) {
	parts := strings.Split(v, ".")
	out := make([]int, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return nil, false
		}
		out[i] = n
	}
	return out, true
}

// sortByTrainedDesc 按训练时间倒序，时间相同按版本倒序
func sortByTrainedDesc(metas []*core.ModelMetadata) {
	slices.SortStableFunc(metas, func(a, b *core.ModelMetadata) int {
		if c := b.TrainedAt().Compare(a.TrainedAt()); c != 0 {
			return c
		}
		if c := cmp.Compare(b.TrainingTimestamp, a.TrainingTimestamp); c != 0 {
			return c
		}
		if c := cmp.Compare(a.ModelID, b.ModelID); c != 0 {
			return c
		}
		return cmp.Compare(b.Version, a.Version)
	})
}

func versionPrefix(modelID, version string) string {
	return modelsPrefix + modelID + "/v" + version + "/"
}

// parseMetadataKey 解析 models/<id>/v<version>/metadata.json
func parseMetadataKey(key string) (modelID, version string, ok bool) {
	rest, found := strings.CutPrefix(key, modelsPrefix)
	if !found {
		return "", "", false
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 3 || parts[2] != metadataFile || !strings.HasPrefix(parts[1], "v") {
		return "", "", false
	}
	version = parts[1][1:]
	if !validSegment(parts[0]) || !validSegment(version) {
		return "", "", false
	}
	return parts[0], version, true
}

func validSegment(s string) bool {
	return s != "" && s != "." && s != ".." && !strings.ContainsAny(s, `/\`)
}

func validateRef(modelID, version string) error {
	if !validSegment(modelID) {
		return invalidInput("invalid model id " + strconv.Quote(modelID))
	}
	if !validSegment(version) {
		return invalidInput("invalid version " + strconv.Quote(version))
	}
	return nil
}

func invalidInput(msg string) error {
	return core.NewDomainError(core.ModuleStorage, core.ErrorCodeInvalidInput, msg)
}

func invalidInputWrap(msg string, err error) error {
	return core.WrapDomainError(core.ModuleStorage, core.ErrorCodeInvalidInput, msg, err)
}

func notFound(msg string) error {
	return core.NewDomainError(core.ModuleStorage, core.ErrorCodeNotFound, msg)
}

func corrupt(msg string, err error) error {
	return core.WrapDomainError(core.ModuleStorage, core.ErrorCodeCorruptModel, msg, err)
}

func storageIO(msg string, err error) error {
	return core.WrapDomainError(core.ModuleStorage, core.ErrorCodeStorageIO, msg, err)
}
