package stream

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rushteam/riskrank/core"
	"github.com/rushteam/riskrank/feature"
)

// processedWrapKey processed-samples 文件中样本数组的字段名
const processedWrapKey = "training_samples"

// ProcessedMetadata processed-samples 文件的元数据
type ProcessedMetadata struct {
	Count         int      `json:"count"`
	SchemaVersion string   `json:"schema_version"`
	FeatureNames  []string `json:"feature_names"`
	Timestamp     string   `json:"timestamp"`
}

type processedFile struct {
	TrainingSamples []*feature.TrainingSample `json:"training_samples"`
	Metadata        ProcessedMetadata         `json:"metadata"`
}

// SaveProcessedData 把已提取的样本写成 processed-samples 文件，供后续跳过特征提取直接训练
func SaveProcessedData(samples []*feature.TrainingSample, path string) error {
	meta := ProcessedMetadata{
		Count:     len(samples),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if len(samples) > 0 {
		if sc := samples[0].Features.Schema(); sc != nil {
			meta.SchemaVersion = sc.Version
			meta.FeatureNames = sc.Names()
		}
	}
	data, err := json.MarshalIndent(processedFile{TrainingSamples: samples, Metadata: meta}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal processed data: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return core.WrapDomainError(core.ModuleStream, core.ErrorCodeStorageIO, "create output dir", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return core.WrapDomainError(core.ModuleStream, core.ErrorCodeStorageIO, "write processed data", err)
	}
	return nil
}

// LoadProcessedData 读取 processed-samples 文件，按 schema 重建样本
func LoadProcessedData(path string, schema *feature.Schema) ([]*feature.TrainingSample, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, core.WrapDomainError(core.ModuleStream, core.ErrorCodeStorageIO, "read processed data", err)
	}
	records, err := decodeRecordArray(data, processedWrapKey)
	if err != nil {
		return nil, err
	}
	samples := make([]*feature.TrainingSample, 0, len(records))
	for i, rec := range records {
		s, err := feature.SampleFromProcessed(schema, rec)
		if err != nil {
			return nil, core.WrapDomainError(core.ModuleStream, core.ErrorCodeShapeMismatch,
				fmt.Sprintf("processed sample %d", i), err)
		}
		samples = append(samples, s)
	}
	return samples, nil
}
