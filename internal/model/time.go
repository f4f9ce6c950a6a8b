package model

import (
	"fmt"
	"strings"
	"time"
)

// LocalTime 在 JSON 中以 "2006-01-02 15:04:05"（本地时区）表示，文档列表等面向前端的 DTO 使用。
type LocalTime time.Time

const localTimeLayout = "2006-01-02 15:04:05"

func (t LocalTime) String() string {
	return time.Time(t).Format(localTimeLayout)
}

func (t LocalTime) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf("%q", t.String())), nil
}

// UnmarshalJSON 接受同样的格式，null 或空串解析为零值。
func (t *LocalTime) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*t = LocalTime{}
		return nil
	}
	parsed, err := time.ParseInLocation(localTimeLayout, s, time.Local)
	if err != nil {
		return fmt.Errorf("invalid time %q: %w", s, err)
	}
	*t = LocalTime(parsed)
	return nil
}
