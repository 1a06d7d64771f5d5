package model

import (
	"fmt"
	"time"
)

// LocalTime 以 "YYYY-MM-DD HH:MM:SS" 的形式序列化时间，
// 用于管理端统计响应等对人展示的字段。
type LocalTime time.Time

const localTimeLayout = "2006-01-02 15:04:05"

// NowLocal 返回当前时间的 LocalTime。
func NowLocal() LocalTime {
	return LocalTime(time.Now())
}

// String 返回格式化后的时间字符串。
func (t LocalTime) String() string {
	return time.Time(t).Format(localTimeLayout)
}

// MarshalJSON 实现 json.Marshaler 接口。
func (t LocalTime) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf("%q", t.String())), nil
}
