package stream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"os"

	"github.com/rushteam/riskrank/core"
)

// FileOption 文件数据源配置选项
type FileOption func(*fileSource)

// WithFileLogger 设置日志
func WithFileLogger(l *slog.Logger) FileOption {
	return func(s *fileSource) {
		if l != nil {
			s.logger = l
		}
	}
}

type fileSource struct {
	path   string
	logger *slog.Logger
}

func newFileSource(path string, opts []FileOption) fileSource {
	s := fileSource{path: path, logger: slog.Default()}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// JSONFileSource 从 JSON 训练文件读取记录：{"deployments": [...]} 或顶层数组。
// 文件一次性加载后逐条产出。
type JSONFileSource struct {
	fileSource
}

// NewJSONFileSource 创建 JSON 文件数据源
func NewJSONFileSource(path string, opts ...FileOption) *JSONFileSource {
	return &JSONFileSource{fileSource: newFileSource(path, opts)}
}

// Name 数据源名称
func (s *JSONFileSource) Name() string { return "json_file" }

// StreamSamples 产出文件中的记录；顶层结构不符合时返回 SHAPE_MISMATCH
func (s *JSONFileSource) StreamSamples(ctx context.Context, filters core.Filters, limit int) iter.Seq2[core.RawRecord, error] {
	return func(yield func(core.RawRecord, error) bool) {
		records, err := s.load()
		if err != nil {
			yield(nil, err)
			return
		}
		emitRecords(ctx, records, limit, yield)
	}
}

func (s *JSONFileSource) load() ([]core.RawRecord, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, core.WrapDomainError(core.ModuleStream, core.ErrorCodeStorageIO, "read file", err)
	}
	records, err := decodeRecordArray(data, "deployments")
	if err != nil {
		return nil, err
	}
	s.logger.Info("loaded training file", "path", s.path, "records", len(records))
	return records, nil
}

// Close 文件数据源不持有资源
func (s *JSONFileSource) Close() error { return nil }

// JSONLinesFileSource 逐行读取 JSON Lines 训练文件，坏行记 WARN 后跳过。
type JSONLinesFileSource struct {
	fileSource
}

// NewJSONLinesFileSource 创建 JSON Lines 文件数据源
func NewJSONLinesFileSource(path string, opts ...FileOption) *JSONLinesFileSource {
	return &JSONLinesFileSource{fileSource: newFileSource(path, opts)}
}

// Name 数据源名称
func (s *JSONLinesFileSource) Name() string { return "jsonl_file" }

// StreamSamples 逐行产出记录，消费方 break 时关闭文件
func (s *JSONLinesFileSource) StreamSamples(ctx context.Context, filters core.Filters, limit int) iter.Seq2[core.RawRecord, error] {
	return func(yield func(core.RawRecord, error) bool) {
		f, err := os.Open(s.path)
		if err != nil {
			yield(nil, core.WrapDomainError(core.ModuleStream, core.ErrorCodeStorageIO, "open file", err))
			return
		}
		defer f.Close()

		reader := bufio.NewReaderSize(f, 64*1024)
		var buf []byte
		lineNo, yielded := 0, 0
		for {
			line, oversized, err := readLine(reader, DefaultMaxLineSize, buf)
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(nil, core.WrapDomainError(core.ModuleStream, core.ErrorCodeStorageIO, "read file", err))
				return
			}
			buf = line
			lineNo++
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			if oversized {
				s.logger.Warn("skip oversized line", "path", s.path, "line", lineNo, "max_bytes", DefaultMaxLineSize)
				continue
			}
			line = bytes.TrimSpace(line)
			if len(line) == 0 {
				continue
			}
			var rec core.RawRecord
			if err := json.Unmarshal(line, &rec); err != nil {
				s.logger.Warn("skip unparsable line", "path", s.path, "line", lineNo, "error", err)
				continue
			}
			if !yield(rec, nil) {
				return
			}
			yielded++
			if limit > 0 && yielded >= limit {
				return
			}
		}
	}
}

// Close 文件数据源不持有资源
func (s *JSONLinesFileSource) Close() error { return nil }

// ProcessedSampleSource 读取已提取特征的样本文件（JSON 数组 {features, risk_score, ...}，
// 或 SaveProcessedData 写出的 {"training_samples": [...]}），
// SampleStream 对这类记录跳过特征提取。
type ProcessedSampleSource struct {
	fileSource
}

// NewProcessedSampleSource 创建 processed-samples 数据源
func NewProcessedSampleSource(path string, opts ...FileOption) *ProcessedSampleSource {
	return &ProcessedSampleSource{fileSource: newFileSource(path, opts)}
}

// Name 数据源名称
func (s *ProcessedSampleSource) Name() string { return "processed_file" }

// StreamSamples 产出样本记录，不含 features 对象的记录返回 SHAPE_MISMATCH
func (s *ProcessedSampleSource) StreamSamples(ctx context.Context, filters core.Filters, limit int) iter.Seq2[core.RawRecord, error] {
	return func(yield func(core.RawRecord, error) bool) {
		data, err := os.ReadFile(s.path)
		if err != nil {
			yield(nil, core.WrapDomainError(core.ModuleStream, core.ErrorCodeStorageIO, "read file", err))
			return
		}
		records, err := decodeRecordArray(data, processedWrapKey)
		if err != nil {
			yield(nil, err)
			return
		}
		for i, rec := range records {
			if !IsProcessedRecord(rec) {
				yield(nil, core.NewDomainError(core.ModuleStream, core.ErrorCodeShapeMismatch,
					fmt.Sprintf("%s: record %d has no features object", s.path, i)))
				return
			}
		}
		s.logger.Info("loaded processed samples", "path", s.path, "records", len(records))
		emitRecords(ctx, records, limit, yield)
	}
}

// Close 文件数据源不持有资源
func (s *ProcessedSampleSource) Close() error { return nil }

// decodeRecordArray 解析顶层数组或 {wrapKey: [...]}，其他结构返回 SHAPE_MISMATCH
func decodeRecordArray(data []byte, wrapKey string) ([]core.RawRecord, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, core.NewDomainError(core.ModuleStream, core.ErrorCodeShapeMismatch, "empty file")
	}
	switch data[0] {
	case '[':
		var records []core.RawRecord
		if err := json.Unmarshal(data, &records); err != nil {
			return nil, core.WrapDomainError(core.ModuleStream, core.ErrorCodeShapeMismatch, "top-level array is not a list of objects", err)
		}
		return records, nil
	case '{':
		var wrapped map[string]json.RawMessage
		if err := json.Unmarshal(data, &wrapped); err != nil {
			return nil, core.WrapDomainError(core.ModuleStream, core.ErrorCodeShapeMismatch, "invalid JSON object", err)
		}
		raw, ok := wrapped[wrapKey]
		if !ok {
			return nil, core.NewDomainError(core.ModuleStream, core.ErrorCodeShapeMismatch,
				fmt.Sprintf("expected top-level %q array", wrapKey))
		}
		var records []core.RawRecord
		if err := json.Unmarshal(raw, &records); err != nil {
			return nil, core.WrapDomainError(core.ModuleStream, core.ErrorCodeShapeMismatch,
				fmt.Sprintf("%q is not a list of objects", wrapKey), err)
		}
		return records, nil
	}
	return nil, core.NewDomainError(core.ModuleStream, core.ErrorCodeShapeMismatch, "expected a JSON array or object")
}

func emitRecords(ctx context.Context, records []core.RawRecord, limit int, yield func(core.RawRecord, error) bool) {
	for i, rec := range records {
		if limit > 0 && i >= limit {
			return
		}
		if err := ctx.Err(); err != nil {
			yield(nil, err)
			return
		}
		if !yield(rec, nil) {
			return
		}
	}
}
