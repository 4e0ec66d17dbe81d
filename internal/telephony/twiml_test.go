package telephony

import (
	"encoding/xml"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGreetingAndQuestionTwiML(t *testing.T) {
	b := NewTwiMLBuilder(120, 10)
	out := b.GreetingAndQuestion("Tell me about yourself.", "https://example.com/api/v1/webhooks/record-response?session_id=s1&question_number=1")

	assert.True(t, strings.HasPrefix(out, xml.Header), "应带XML头")
	assert.Contains(t, out, "<Say>Hello! Welcome to your automated interview. Let&#39;s begin.</Say>")
	assert.Contains(t, out, "Question: Tell me about yourself.")
	assert.Contains(t, out, `maxLength="120"`)
	assert.Contains(t, out, `timeout="10"`)
	assert.Contains(t, out, `playBeep="true"`)
	assert.Contains(t, out, `transcribe="false"`)
	assert.Contains(t, out, `method="POST"`)
	assert.NotContains(t, out, "<Hangup>", "提问文档不应挂断")

	// 回调地址里的&必须被正确转义，整体仍是合法XML
	var parsed struct {
		XMLName xml.Name `xml:"Response"`
		Says    []string `xml:"Say"`
	}
	require.NoError(t, xml.Unmarshal([]byte(out), &parsed))
	assert.Len(t, parsed.Says, 3)
}

func TestNextQuestionTwiML(t *testing.T) {
	b := NewTwiMLBuilder(0, 0)
	out := b.NextQuestion("What are your strengths?", "https://example.com/cb")

	assert.Contains(t, out, "Thank you. Here is your next question.")
	assert.Contains(t, out, "Question: What are your strengths?")
	assert.Contains(t, out, `maxLength="120"`, "零值配置应落到默认录音上限")
	assert.Contains(t, out, `timeout="10"`)
}

func TestFarewellTwiML(t *testing.T) {
	b := NewTwiMLBuilder(120, 10)
	out := b.Farewell()

	assert.Contains(t, out, "Thank you for completing the interview.")
	assert.Contains(t, out, "<Hangup")
	assert.NotContains(t, out, "<Record", "结束文档不应再录音")
}

func TestTechnicalDifficultiesTwiML(t *testing.T) {
	out := TechnicalDifficulties()

	assert.Contains(t, out, "technical difficulties")
	assert.Contains(t, out, "<Hangup")

	var parsed struct {
		XMLName xml.Name `xml:"Response"`
		Says    []string `xml:"Say"`
	}
	require.NoError(t, xml.Unmarshal([]byte(out), &parsed))
	assert.Len(t, parsed.Says, 1)
}
