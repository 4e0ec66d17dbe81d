package transcriber

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

const validSID = "RE0123456789abcdef0123456789abcdef"

func TestExtractRecordingSID(t *testing.T) {
	cases := []struct {
		name string
		url  string
		want string
	}{
		{
			name: "标准Recordings路径",
			url:  "https://api.twilio.com/2010-04-01/Accounts/AC1/Recordings/" + validSID,
			want: validSID,
		},
		{
			name: "小写recordings路径",
			url:  "https://api.twilio.com/2010-04-01/Accounts/AC1/recordings/" + validSID,
			want: validSID,
		},
		{
			name: "带查询参数",
			url:  "https://api.twilio.com/2010-04-01/Accounts/AC1/Recordings/" + validSID + "?Download=true",
			want: validSID,
		},
		{
			name: "带json后缀",
			url:  "https://api.twilio.com/2010-04-01/Accounts/AC1/Recordings/" + validSID + ".json",
			want: validSID,
		},
		{
			name: "带mp3后缀",
			url:  "https://api.twilio.com/2010-04-01/Accounts/AC1/Recordings/" + validSID + ".mp3",
			want: validSID,
		},
		{
			name: "无Recordings段时从末尾扫描",
			url:  "https://media.example.com/archive/" + validSID,
			want: validSID,
		},
		{
			name: "扫描时跳过非SID片段",
			url:  "https://media.example.com/REGION1/files/" + validSID + "?x=1",
			want: validSID,
		},
		{
			name: "SID长度不足",
			url:  "https://api.twilio.com/2010-04-01/Accounts/AC1/Recordings/RE123",
			want: "",
		},
		{
			name: "SID含非十六进制字符",
			url:  "https://api.twilio.com/2010-04-01/Accounts/AC1/Recordings/REzzzz56789abcdef0123456789abcdef",
			want: "",
		},
		{
			name: "完全无SID",
			url:  "https://example.com/audio/file.mp3",
			want: "",
		},
		{
			name: "空URL",
			url:  "",
			want: "",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ExtractRecordingSID(tc.url))
		})
	}
}
