package transcriber

import (
	"regexp"
	"strings"
)

// recordingSIDPattern 录音SID格式: RE后跟32位十六进制
var recordingSIDPattern = regexp.MustCompile(`^RE[0-9a-fA-F]{32}$`)

// ExtractRecordingSID 从各种形态的录音URL中提取录音SID。
// 依次尝试 /Recordings/ 路径段、/recordings/ 路径段，
// 最后从URL末尾向前扫描RE开头的片段。提取不到或格式非法时返回空串。
func ExtractRecordingSID(audioURL string) string {
	if audioURL == "" {
		return ""
	}

	var candidate string
	switch {
	case strings.Contains(audioURL, "/Recordings/"):
		parts := strings.Split(audioURL, "/Recordings/")
		candidate = strings.SplitN(parts[len(parts)-1], "?", 2)[0]
	case strings.Contains(audioURL, "/recordings/"):
		parts := strings.Split(audioURL, "/recordings/")
		candidate = strings.SplitN(parts[len(parts)-1], "?", 2)[0]
	default:
		parts := strings.Split(audioURL, "/")
		for i := len(parts) - 1; i >= 0; i-- {
			part := parts[i]
			if strings.HasPrefix(part, "RE") && len(part) > 10 {
				candidate = strings.SplitN(part, "?", 2)[0]
				break
			}
		}
	}

	// 去掉媒体格式后缀，URL可能直接指向.mp3/.wav/.json资源
	for _, ext := range []string{".json", ".mp3", ".wav"} {
		candidate = strings.TrimSuffix(candidate, ext)
	}

	if !recordingSIDPattern.MatchString(candidate) {
		return ""
	}
	return candidate
}
