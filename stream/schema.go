package stream

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/rushteam/riskrank/core"
)

// exportRecordSchema 导出形态记录的最小结构：result.deployment.id 和 result.images
const exportRecordSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["result"],
  "properties": {
    "result": {
      "type": "object",
      "required": ["deployment", "images"],
      "properties": {
        "deployment": {
          "type": "object",
          "required": ["id"],
          "properties": {"id": {"type": "string", "minLength": 1}}
        },
        "images": {"type": "array"},
        "vulnerabilities": {"type": "array"},
        "risk": {"type": "object"}
      }
    },
    "workload_cvss": {"type": ["number", "null"]}
  }
}`

// RecordValidator 校验导出记录结构，编译后的 schema 可并发使用
type RecordValidator struct {
	schema *jsonschema.Schema
}

// NewRecordValidator 编译导出记录 schema
func NewRecordValidator() (*RecordValidator, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	if err := compiler.AddResource("export-record.json", strings.NewReader(exportRecordSchema)); err != nil {
		return nil, fmt.Errorf("failed to add schema resource: %w", err)
	}
	schema, err := compiler.Compile("export-record.json")
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}
	return &RecordValidator{schema: schema}, nil
}

// Validate 校验一条记录，不符合时返回 INVALID_RECORD
func (v *RecordValidator) Validate(rec core.RawRecord) error {
	if err := v.schema.Validate(map[string]any(rec)); err != nil {
		return core.WrapDomainError(core.ModuleStream, core.ErrorCodeInvalidRecord, "export record does not match schema", err)
	}
	return nil
}
