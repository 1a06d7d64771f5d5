// Package pdfext 提供本地的 PDF 文本提取与报告元数据解析功能。
package pdfext

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"
	"time"

	"biomeai-go/internal/apperr"

	"github.com/ledongthuc/pdf"
)

// ExtractPages 从 PDF 字节中按页提取纯文本，保持页面顺序。
// 损坏、加密或无法解析的文件返回 *apperr.ExtractionError。
func ExtractPages(data []byte) ([]string, error) {
	reader := bytes.NewReader(data)
	pdfReader, err := pdf.NewReader(reader, int64(len(data)))
	if err != nil {
		return nil, &apperr.ExtractionError{Err: fmt.Errorf("error creating PDF reader: %w", err)}
	}

	var pages []string
	for i := 1; i <= pdfReader.NumPage(); i++ {
		page := pdfReader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			return nil, &apperr.ExtractionError{Err: fmt.Errorf("could not read content of page %d: %w", i, err)}
		}
		if strings.TrimSpace(text) != "" {
			pages = append(pages, text)
		}
	}

	if len(pages) == 0 {
		return nil, &apperr.ExtractionError{Err: fmt.Errorf("no text content found in PDF")}
	}
	return pages, nil
}

// IsPDF checks if the provided filename has a .pdf extension (case-insensitive).
func IsPDF(filename string) bool {
	return strings.EqualFold(strings.TrimSpace(getExt(filename)), ".pdf")
}

func getExt(filename string) string {
	idx := strings.LastIndex(filename, ".")
	if idx < 0 {
		return ""
	}
	return filename[idx:]
}

var (
	reWhitespace = regexp.MustCompile(`\s+`)
	rePageNumber = regexp.MustCompile(`\n\d+\n`)
	rePageLabel  = regexp.MustCompile(`Page \d+`)
)

// Clean 对提取出的文本做归一化：压缩空白、去掉页码类残留。
func Clean(text string) string {
	text = rePageNumber.ReplaceAllString(text, "\n")
	text = rePageLabel.ReplaceAllString(text, "")
	text = strings.ReplaceAll(text, "_", " ")
	text = reWhitespace.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}

// 报告中常见的采样日期写法；ISO 在前，优先匹配明确标注的日期。
var datePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)sample\s*date\s*[:\s]\s*(\d{4}-\d{2}-\d{2})`),
	regexp.MustCompile(`(?i)sample.*?date.*?(\d{1,2}[/\-.]\d{1,2}[/\-.]\d{2,4})`),
	regexp.MustCompile(`(?i)collected.*?(\d{1,2}[/\-.]\d{1,2}[/\-.]\d{2,4})`),
	regexp.MustCompile(`(?i)test.*?date.*?(\d{1,2}[/\-.]\d{1,2}[/\-.]\d{2,4})`),
	regexp.MustCompile(`(\d{4}-\d{2}-\d{2})`),
	regexp.MustCompile(`(\d{1,2}[/\-.]\d{1,2}[/\-.]\d{2,4})`),
}

var dateLayouts = []string{
	"2006-01-02",
	"01/02/2006",
	"01-02-2006",
	"01.02.2006",
	"02/01/2006",
	"01/02/06",
}

// ExtractSampleDate 从报告文本中解析采样日期，找不到时返回 nil。
func ExtractSampleDate(text string) *time.Time {
	for _, pattern := range datePatterns {
		matches := pattern.FindStringSubmatch(text)
		if len(matches) < 2 {
			continue
		}
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, matches[1]); err == nil {
				return &t
			}
		}
	}
	return nil
}

var reLabName = regexp.MustCompile(`(?i)(Viome|Thryve|uBiome|Gut Intelligence|Microba)`)

var diversityPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)shannon.*?diversity.*?(\d+\.?\d*)`),
	regexp.MustCompile(`(?i)simpson.*?index.*?(\d+\.?\d*)`),
}

// Metadata 是从报告文本中解析出的派生属性。
type Metadata struct {
	SampleDate      *time.Time
	SampleAgeMonths int
	LabName         string
	DiversityScore  string
}

// ExtractMetadata 解析采样日期、检测机构与多样性指标。
func ExtractMetadata(text string, now time.Time) Metadata {
	md := Metadata{}

	if sampleDate := ExtractSampleDate(text); sampleDate != nil {
		md.SampleDate = sampleDate
		md.SampleAgeMonths = (now.Year()-sampleDate.Year())*12 + int(now.Month()) - int(sampleDate.Month())
	}

	if m := reLabName.FindStringSubmatch(text); len(m) > 1 {
		md.LabName = m[1]
	}

	for _, pattern := range diversityPatterns {
		if m := pattern.FindStringSubmatch(text); len(m) > 1 {
			md.DiversityScore = m[1]
			break
		}
	}

	return md
}
