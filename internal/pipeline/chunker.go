package pipeline

import "strings"

// SplitText 将长文本切分为带重叠的窗口。
// 窗口右边界优先落在句号或段落边界上（不早于窗口中点），
// 以避免语义被硬切断；相同输入与配置下切分结果是确定的。
func SplitText(text string, chunkSize int, chunkOverlap int) []string {
	if chunkSize <= 0 {
		return nil
	}
	if chunkOverlap < 0 || chunkOverlap >= chunkSize {
		// Fallback to simple split if overlap is invalid
		return simpleSplit(text, chunkSize)
	}

	runes := []rune(text)
	if len(runes) == 0 {
		return nil
	}

	var chunks []string
	start := 0
	for start < len(runes) {
		end := start + chunkSize
		if end >= len(runes) {
			end = len(runes)
		} else {
			// 在窗口后半段寻找句子边界，找不到再找段落边界
			if br := lastIndexInRange(runes, '.', start+chunkSize/2, end); br >= 0 {
				end = br + 1
			} else if br := lastIndexInRange(runes, '\n', start+chunkSize/2, end); br >= 0 {
				end = br
			}
		}

		chunk := strings.TrimSpace(string(runes[start:end]))
		if chunk != "" {
			chunks = append(chunks, chunk)
		}

		if end == len(runes) {
			break
		}
		next := end - chunkOverlap
		if next <= start {
			next = start + 1 // 保证前进，防止死循环
		}
		start = next
	}
	return chunks
}

func simpleSplit(text string, chunkSize int) []string {
	var chunks []string
	runes := []rune(text)
	if len(runes) == 0 {
		return nil
	}
	for i := 0; i < len(runes); i += chunkSize {
		end := i + chunkSize
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, strings.TrimSpace(string(runes[i:end])))
	}
	return chunks
}

// lastIndexInRange 在 runes[from:to) 中从后往前找目标字符，返回绝对下标。
func lastIndexInRange(runes []rune, target rune, from, to int) int {
	if from < 0 {
		from = 0
	}
	for i := to - 1; i >= from; i-- {
		if runes[i] == target {
			return i
		}
	}
	return -1
}
