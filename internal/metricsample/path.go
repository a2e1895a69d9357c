// Package metricsample resolves dotted metric paths (e.g. "cpu.usage",
// "disk.maxUsedPercent") against a types.MetricSample for rule evaluation.
package metricsample

import (
	"reflect"
	"strconv"
	"strings"

	"github.com/opsagent/agent/internal/types"
)

// aggregateResolvers handles derived paths that have no direct struct
// field, per the rule-engine metric-path contract.
var aggregateResolvers = map[string]func(types.MetricSample) (float64, bool){
	"disk.maxUsedPercent": func(s types.MetricSample) (float64, bool) {
		return s.Disk.MaxUsedPercent()
	},
	"disk.totalUsed": func(s types.MetricSample) (float64, bool) {
		return float64(s.Disk.TotalUsed()), true
	},
}

// GetValue walks a dotted path against the sample's nested fields
// (case-insensitive on each segment, matching Go field names without the
// json tag). An unknown path yields (0, false) so the rule evaluating it
// is skipped silently, per the forward-compatibility contract.
func GetValue(sample types.MetricSample, path string) (float64, bool) {
	if fn, ok := aggregateResolvers[path]; ok {
		return fn(sample)
	}

	segments := strings.Split(path, ".")
	v := reflect.ValueOf(sample)

	for _, seg := range segments {
		v = dereference(v)
		if !v.IsValid() || v.Kind() != reflect.Struct {
			return 0, false
		}
		field := findFieldCaseInsensitive(v, seg)
		if !field.IsValid() {
			return 0, false
		}
		v = field
	}

	return toFloat(dereference(v))
}

func dereference(v reflect.Value) reflect.Value {
	for v.IsValid() && v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return reflect.Value{}
		}
		v = v.Elem()
	}
	return v
}

func findFieldCaseInsensitive(v reflect.Value, name string) reflect.Value {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		if strings.EqualFold(f.Name, name) {
			return v.Field(i)
		}
	}
	return reflect.Value{}
}

func toFloat(v reflect.Value) (float64, bool) {
	if !v.IsValid() {
		return 0, false
	}
	switch v.Kind() {
	case reflect.Float32, reflect.Float64:
		return v.Float(), true
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(v.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(v.Uint()), true
	case reflect.Bool:
		if v.Bool() {
			return 1, true
		}
		return 0, true
	case reflect.String:
		f, err := strconv.ParseFloat(v.String(), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}
