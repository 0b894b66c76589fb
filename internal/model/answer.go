package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// AnswerKind 作答形态
type AnswerKind int

const (
	AnswerSingle AnswerKind = iota + 1
	AnswerMulti
)

// Answer 单选或多选作答，入库前统一归一化
type Answer struct {
	kind   AnswerKind
	values []string
}

// SingleChoice 单选作答
func SingleChoice(value string) Answer {
	value = strings.TrimSpace(value)
	if value == "" {
		return Answer{kind: AnswerSingle}
	}
	return Answer{kind: AnswerSingle, values: []string{value}}
}

// MultiChoice 多选作答，去除空值和重复值并保留顺序
func MultiChoice(values ...string) Answer {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return Answer{kind: AnswerMulti, values: out}
}

func (a Answer) Kind() AnswerKind { return a.kind }

func (a Answer) IsMulti() bool { return a.kind == AnswerMulti }

func (a Answer) IsZero() bool { return len(a.values) == 0 }

// Single 返回第一个选项
func (a Answer) Single() string {
	if len(a.values) == 0 {
		return ""
	}
	return a.values[0]
}

func (a Answer) Values() []string {
	out := make([]string, len(a.values))
	copy(out, a.values)
	return out
}

// Set 作答的集合形式
func (a Answer) Set() map[string]struct{} {
	set := make(map[string]struct{}, len(a.values))
	for _, v := range a.values {
		set[v] = struct{}{}
	}
	return set
}

// Equal 按集合比较，不区分单选与单元素多选
func (a Answer) Equal(b Answer) bool {
	if len(a.values) != len(b.values) {
		return false
	}
	x, y := a.Values(), b.Values()
	sort.Strings(x)
	sort.Strings(y)
	for i := range x {
		if x[i] != y[i] {
			return false
		}
	}
	return true
}

func (a Answer) String() string {
	if a.kind == AnswerMulti {
		return "[" + strings.Join(a.values, ",") + "]"
	}
	return a.Single()
}

func (a Answer) MarshalJSON() ([]byte, error) {
	switch {
	case a.IsZero():
		return []byte("null"), nil
	case a.kind == AnswerMulti:
		return json.Marshal(a.values)
	default:
		return json.Marshal(a.values[0])
	}
}

func (a *Answer) UnmarshalJSON(data []byte) error {
	parsed, err := ParseAnswer(data)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// ParseAnswer 解析作答，兼容纯字符串、JSON数组编码的字符串、数组以及 {"option": ...} 对象
func ParseAnswer(raw []byte) (Answer, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return Answer{}, nil
	}

	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return Answer{}, fmt.Errorf("解析作答字符串失败: %w", err)
		}
		return ParseAnswerString(s), nil
	case '[':
		var list []string
		if err := json.Unmarshal(raw, &list); err != nil {
			return Answer{}, fmt.Errorf("解析作答数组失败: %w", err)
		}
		return MultiChoice(list...), nil
	case '{':
		var obj struct {
			Option json.RawMessage `json:"option"`
		}
		if err := json.Unmarshal(raw, &obj); err != nil {
			return Answer{}, fmt.Errorf("解析作答对象失败: %w", err)
		}
		if len(obj.Option) == 0 {
			return Answer{}, fmt.Errorf("作答对象缺少 option 字段")
		}
		return ParseAnswer(obj.Option)
	}
	return Answer{}, fmt.Errorf("无法识别的作答格式: %s", string(raw))
}

// ParseAnswerString 字符串形式的作答，以 [ 开头时按JSON数组解析
func ParseAnswerString(s string) Answer {
	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(trimmed, "[") {
		var list []string
		if err := json.Unmarshal([]byte(trimmed), &list); err == nil {
			return MultiChoice(list...)
		}
	}
	return SingleChoice(trimmed)
}
