// Package conv 提供松散 JSON 结构（map[string]any）的类型转换与取值工具，
// 用于解析导出接口和训练文件中字段命名不统一（snake_case / camelCase）的记录。
package conv

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// ToFloat64 将 any 转为 float64。
// 支持各种整数/浮点类型、json.Number 以及数字字符串；bool 视为 1.0/0.0。
func ToFloat64(v any) (float64, bool) {
	if v == nil {
		return 0, false
	}
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case int32:
		return float64(val), true
	case uint64:
		return float64(val), true
	case uint32:
		return float64(val), true
	case json.Number:
		f, err := val.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		return f, err == nil
	case bool:
		if val {
			return 1.0, true
		}
		return 0.0, true
	default:
		return 0, false
	}
}

// ToInt 将 any 转为 int，浮点数向零截断。
func ToInt(v any) (int, bool) {
	f, ok := ToFloat64(v)
	if !ok {
		return 0, false
	}
	return int(f), true
}

// ToString 将 any 转为 string。
// 仅支持 string 类型，否则返回 ("", false)。
func ToString(v any) (string, bool) {
	if v == nil {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// ToBool 将 any 转为 bool，支持 bool、数字（非 0 为 true）和 "true"/"false" 字符串。
func ToBool(v any) (bool, bool) {
	switch val := v.(type) {
	case bool:
		return val, true
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(val))
		return b, err == nil
	case nil:
		return false, false
	}
	f, ok := ToFloat64(v)
	if !ok {
		return false, false
	}
	return f != 0, true
}

// ToTime 将 unix 秒（数字或数字字符串）、RFC3339 字符串或 {"seconds": n} 对象转为 time.Time。
func ToTime(v any) (time.Time, bool) {
	switch val := v.(type) {
	case nil:
		return time.Time{}, false
	case string:
		s := strings.TrimSpace(val)
		if s == "" {
			return time.Time{}, false
		}
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
			if t, err := time.Parse(layout, s); err == nil {
				return t, true
			}
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil && f > 0 {
			return unixSeconds(f), true
		}
		return time.Time{}, false
	case map[string]any:
		return ToTime(val["seconds"])
	}
	f, ok := ToFloat64(v)
	if !ok || f <= 0 {
		return time.Time{}, false
	}
	return unixSeconds(f), true
}

func unixSeconds(f float64) time.Time {
	sec := int64(f)
	nsec := int64((f - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC()
}

// CamelCase 将 snake_case 转为 camelCase，如 "user_ranking_adjustment" -> "userRankingAdjustment"。
func CamelCase(s string) string {
	if !strings.Contains(s, "_") {
		return s
	}
	parts := strings.Split(s, "_")
	var b strings.Builder
	b.Grow(len(s))
	b.WriteString(parts[0])
	for _, p := range parts[1:] {
		if p == "" {
			continue
		}
		b.WriteString(strings.ToUpper(p[:1]))
		b.WriteString(p[1:])
	}
	return b.String()
}

// Lookup 按 snake_case key 取值，不存在时再尝试对应的 camelCase key。
// 可以传入多个候选 key，按顺序返回第一个存在且非 nil 的值。
func Lookup(m map[string]any, keys ...string) (any, bool) {
	if m == nil {
		return nil, false
	}
	for _, key := range keys {
		if v, ok := m[key]; ok && v != nil {
			return v, true
		}
		if camel := CamelCase(key); camel != key {
			if v, ok := m[camel]; ok && v != nil {
				return v, true
			}
		}
	}
	return nil, false
}

// Map 取嵌套对象，不是对象时返回 nil。
func Map(m map[string]any, keys ...string) map[string]any {
	v, ok := Lookup(m, keys...)
	if !ok {
		return nil
	}
	out, _ := v.(map[string]any)
	return out
}

// Slice 取数组，不是数组时返回 nil。
func Slice(m map[string]any, keys ...string) []any {
	v, ok := Lookup(m, keys...)
	if !ok {
		return nil
	}
	switch s := v.(type) {
	case []any:
		return s
	case []map[string]any:
		return ConvertSlice(s, func(m map[string]any) (any, bool) { return m, true })
	case []string:
		return ConvertSlice(s, func(str string) (any, bool) { return str, true })
	}
	return nil
}

// MapSlice 取对象数组，跳过非对象元素。
func MapSlice(m map[string]any, keys ...string) []map[string]any {
	return ConvertSlice(Slice(m, keys...), TypeAssert[map[string]any])
}

// StringSlice 取字符串数组，跳过非字符串元素。
func StringSlice(m map[string]any, keys ...string) []string {
	return ConvertSlice(Slice(m, keys...), ToString)
}

// Float 取数字字段，取不到时返回 defaultVal。
func Float(m map[string]any, defaultVal float64, keys ...string) float64 {
	v, ok := Lookup(m, keys...)
	if !ok {
		return defaultVal
	}
	if f, ok := ToFloat64(v); ok {
		return f
	}
	return defaultVal
}

// Int 取整数字段，取不到时返回 defaultVal。
func Int(m map[string]any, defaultVal int, keys ...string) int {
	v, ok := Lookup(m, keys...)
	if !ok {
		return defaultVal
	}
	if i, ok := ToInt(v); ok {
		return i
	}
	return defaultVal
}

// Bool 取布尔字段，取不到时返回 false。
func Bool(m map[string]any, keys ...string) bool {
	v, ok := Lookup(m, keys...)
	if !ok {
		return false
	}
	b, _ := ToBool(v)
	return b
}

// String 取字符串字段，取不到时返回空串。
func String(m map[string]any, keys ...string) string {
	v, ok := Lookup(m, keys...)
	if !ok {
		return ""
	}
	s, _ := ToString(v)
	return s
}

// TypeAssert 对 v 做类型断言为 T，等价于 v.(T) 的 (val, ok) 形式。
func TypeAssert[T any](v any) (T, bool) {
	t, ok := v.(T)
	return t, ok
}

// ConvertMap 将 map[K]V1 按 convert 转为 map[K]V2，convert 返回 false 的条目被跳过。
func ConvertMap[K comparable, V1, V2 any](m map[K]V1, convert func(V1) (V2, bool)) map[K]V2 {
	if m == nil {
		return nil
	}
	out := make(map[K]V2, len(m))
	for k, v := range m {
		if v2, ok := convert(v); ok {
			out[k] = v2
		}
	}
	return out
}

// MapToFloat64 将 map[string]any 转为 map[string]float64，仅保留可转为 float64 的 value。
func MapToFloat64(m map[string]any) map[string]float64 {
	return ConvertMap(m, ToFloat64)
}

// ConvertSlice 将 []T 按 convert 转为 []U，convert 返回 false 的元素被跳过。
func ConvertSlice[T, U any](s []T, convert func(T) (U, bool)) []U {
	if s == nil {
		return nil
	}
	out := make([]U, 0, len(s))
	for _, v := range s {
		if u, ok := convert(v); ok {
			out = append(out, u)
		}
	}
	return out
}

// ConfigGet 从 map[string]any（如 YAML/JSON 解析结果）按 key 取 T，取不到或类型不符时返回 defaultVal。
func ConfigGet[T any](m map[string]any, key string, defaultVal T) T {
	if m == nil {
		return defaultVal
	}
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	t, ok := v.(T)
	if !ok {
		return defaultVal
	}
	return t
}
