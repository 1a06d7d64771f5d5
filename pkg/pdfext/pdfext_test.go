package pdfext

import (
	"errors"
	"testing"
	"time"

	"biomeai-go/internal/apperr"
)

func TestIsPDF(t *testing.T) {
	cases := []struct {
		name string
		want bool
	}{
		{"report.pdf", true},
		{"REPORT.PDF", true},
		{"report.Pdf", true},
		{"report.txt", false},
		{"report", false},
		{"report.pdf.exe", false},
	}
	for _, c := range cases {
		if got := IsPDF(c.name); got != c.want {
			t.Fatalf("IsPDF(%q) = %v, want %v", c.name, got, c.want)
		}
	}
}

func TestExtractPagesCorruptInput(t *testing.T) {
	_, err := ExtractPages([]byte("not a pdf at all"))
	if err == nil {
		t.Fatal("损坏输入应返回错误")
	}
	var extErr *apperr.ExtractionError
	if !errors.As(err, &extErr) {
		t.Fatalf("错误类型应为 ExtractionError, got: %T", err)
	}
}

func TestClean(t *testing.T) {
	in := "Gut  Report\n3\nPage 2 diversity_score   high"
	got := Clean(in)
	want := "Gut Report diversity score high"
	if got != want {
		t.Fatalf("Clean() = %q, want %q", got, want)
	}
}

func TestExtractSampleDateISO(t *testing.T) {
	d := ExtractSampleDate("Patient report. Sample Date: 2024-01-15. Diversity high.")
	if d == nil {
		t.Fatal("应解析出采样日期")
	}
	if d.Year() != 2024 || d.Month() != time.January || d.Day() != 15 {
		t.Fatalf("日期解析错误: %v", d)
	}
}

func TestExtractSampleDateVariants(t *testing.T) {
	cases := []string{
		"sample date 01/15/2024",
		"Sample collected on 01-15-2024",
		"test date: 01.15.2024",
	}
	for _, text := range cases {
		d := ExtractSampleDate(text)
		if d == nil {
			t.Fatalf("未能从 %q 解析出日期", text)
		}
		if d.Month() != time.January || d.Day() != 15 {
			t.Fatalf("从 %q 解析的日期错误: %v", text, d)
		}
	}
}

func TestExtractSampleDateMissing(t *testing.T) {
	if d := ExtractSampleDate("no dates here"); d != nil {
		t.Fatalf("无日期文本应返回 nil, got: %v", d)
	}
}

func TestExtractMetadata(t *testing.T) {
	now := time.Date(2024, 7, 15, 0, 0, 0, 0, time.UTC)
	text := "Viome Gut Intelligence. Sample Date: 2024-01-15. Shannon diversity index 3.8"
	md := ExtractMetadata(text, now)

	if md.SampleDate == nil {
		t.Fatal("应解析出采样日期")
	}
	if md.SampleAgeMonths != 6 {
		t.Fatalf("报告月龄应为 6, got: %d", md.SampleAgeMonths)
	}
	if md.LabName != "Viome" {
		t.Fatalf("检测机构应为 Viome, got: %q", md.LabName)
	}
	if md.DiversityScore != "3.8" {
		t.Fatalf("多样性指标应为 3.8, got: %q", md.DiversityScore)
	}
}

func TestExtractMetadataNoSignals(t *testing.T) {
	md := ExtractMetadata("plain text without any report markers", time.Now())
	if md.SampleDate != nil || md.LabName != "" || md.DiversityScore != "" {
		t.Fatalf("无信号文本不应解析出元数据: %+v", md)
	}
}
