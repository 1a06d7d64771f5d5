package model

import (
	"testing"
	"time"
)

func TestLocalTimeMarshalJSON(t *testing.T) {
	ts := LocalTime(time.Date(2024, 1, 15, 9, 30, 5, 0, time.UTC))
	got, err := ts.MarshalJSON()
	if err != nil {
		t.Fatalf("序列化失败: %v", err)
	}
	if string(got) != `"2024-01-15 09:30:05"` {
		t.Fatalf("时间格式错误: %s", got)
	}
}
