package service

import (
	"encoding/json"
	"errors"
	"math"
)

// 面向调用方的错误分类，HTTP 层据此映射状态码
var (
	ErrRuleNotFound = errors.New("rule not found")
	ErrValidation   = errors.New("validation error")
	ErrConflict     = errors.New("conflict")
	ErrNotFound     = errors.New("task not found")
)

// metaInt reads an integer from a JSON map that may hold json.Number, float64 or int.
func metaInt(m map[string]interface{}, key string) int {
	switch v := m[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(math.Round(v))
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0
		}
		return int(n)
	}
	return 0
}
