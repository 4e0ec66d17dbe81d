package telephony

import (
	"encoding/xml"
	"fmt"
)

// TwiML语音指令，字段对应Twilio兼容网关的XML属性

type Say struct {
	XMLName xml.Name `xml:"Say"`
	Text    string   `xml:",chardata"`
}

type Pause struct {
	XMLName xml.Name `xml:"Pause"`
	Length  int      `xml:"length,attr"`
}

type Record struct {
	XMLName    xml.Name `xml:"Record"`
	Action     string   `xml:"action,attr"`
	Method     string   `xml:"method,attr"`
	MaxLength  int      `xml:"maxLength,attr"`
	Timeout    int      `xml:"timeout,attr"`
	PlayBeep   bool     `xml:"playBeep,attr"`
	Transcribe bool     `xml:"transcribe,attr"`
}

type Hangup struct {
	XMLName xml.Name `xml:"Hangup"`
}

// VoiceResponse 是一段完整的TwiML文档，verbs按追加顺序输出
type VoiceResponse struct {
	XMLName xml.Name `xml:"Response"`
	Verbs   []interface{}
}

func (r *VoiceResponse) say(text string) *VoiceResponse {
	r.Verbs = append(r.Verbs, Say{Text: text})
	return r
}

func (r *VoiceResponse) pause(seconds int) *VoiceResponse {
	r.Verbs = append(r.Verbs, Pause{Length: seconds})
	return r
}

func (r *VoiceResponse) record(actionURL string, maxLength, timeout int) *VoiceResponse {
	r.Verbs = append(r.Verbs, Record{
		Action:     actionURL,
		Method:     "POST",
		MaxLength:  maxLength,
		Timeout:    timeout,
		PlayBeep:   true,
		Transcribe: false,
	})
	return r
}

func (r *VoiceResponse) hangup() *VoiceResponse {
	r.Verbs = append(r.Verbs, Hangup{})
	return r
}

// Render 序列化为带XML头的TwiML文档。
// 序列化失败时退回固定的故障提示文档，保证通话端永远拿到合法TwiML。
func (r *VoiceResponse) Render() string {
	out, err := xml.Marshal(r)
	if err != nil {
		return TechnicalDifficulties()
	}
	return xml.Header + string(out)
}

// TwiMLBuilder 生成面试通话各阶段的TwiML
type TwiMLBuilder struct {
	recordMaxSeconds     int
	recordTimeoutSeconds int
}

// NewTwiMLBuilder 创建TwiML生成器。录音上限和静默超时为0时使用默认值。
func NewTwiMLBuilder(recordMaxSeconds, recordTimeoutSeconds int) *TwiMLBuilder {
	if recordMaxSeconds <= 0 {
		recordMaxSeconds = 120
	}
	if recordTimeoutSeconds <= 0 {
		recordTimeoutSeconds = 10
	}
	return &TwiMLBuilder{
		recordMaxSeconds:     recordMaxSeconds,
		recordTimeoutSeconds: recordTimeoutSeconds,
	}
}

// GreetingAndQuestion 开场白加第一个问题，录音结束后回调actionURL
func (b *TwiMLBuilder) GreetingAndQuestion(question, actionURL string) string {
	r := &VoiceResponse{}
	r.say("Hello! Welcome to your automated interview. Let's begin.")
	r.pause(1)
	r.say(fmt.Sprintf("Question: %s", question))
	r.pause(1)
	r.say("Please provide your answer now.")
	r.record(actionURL, b.recordMaxSeconds, b.recordTimeoutSeconds)
	return r.Render()
}

// NextQuestion 过渡语加下一个问题
func (b *TwiMLBuilder) NextQuestion(question, actionURL string) string {
	r := &VoiceResponse{}
	r.say("Thank you. Here is your next question.")
	r.pause(1)
	r.say(fmt.Sprintf("Question: %s", question))
	r.pause(1)
	r.say("Please provide your answer now.")
	r.record(actionURL, b.recordMaxSeconds, b.recordTimeoutSeconds)
	return r.Render()
}

// Farewell 结束语并挂断
func (b *TwiMLBuilder) Farewell() string {
	r := &VoiceResponse{}
	r.say("Thank you for completing the interview. We will review your responses and get back to you soon. Goodbye!")
	r.hangup()
	return r.Render()
}

// TechnicalDifficulties 兜底的故障提示文档
func TechnicalDifficulties() string {
	r := &VoiceResponse{}
	r.say("We're experiencing technical difficulties. Please try again later.")
	r.hangup()
	out, err := xml.Marshal(r)
	if err != nil {
		// 手写兜底，Render依赖本函数，不能再递归
		return xml.Header + "<Response><Say>We're experiencing technical difficulties. Please try again later.</Say><Hangup></Hangup></Response>"
	}
	return xml.Header + string(out)
}
