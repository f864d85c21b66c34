package transcript

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Inbound message names.
const (
	MsgRecognitionStarted = "RecognitionStarted"
	MsgPartial            = "AddPartialTranscript"
	MsgFinal              = "AddTranscript"
	MsgEndOfTranscript    = "EndOfTranscript"
	MsgError              = "Error"
	MsgAudioAdded         = "AudioAdded"
	MsgInfo               = "Info"
	MsgWarning            = "Warning"
)

// ConfigureMessage is sent once per connection before any audio.
type ConfigureMessage struct {
	Type           string `json:"type"`
	Language       string `json:"language"`
	OperatingPoint string `json:"operatingPoint"`
	EnablePartials bool   `json:"enablePartials"`
}

// EndOfStreamMessage tells the backend no more audio will follow.
type EndOfStreamMessage struct {
	Type      string `json:"type"`
	LastSeqNo int64  `json:"lastSeqNo"`
}

type Alternative struct {
	Content    string  `json:"content"`
	Confidence float64 `json:"confidence,omitempty"`
}

type Result struct {
	Alternatives []Alternative `json:"alternatives"`
	IsEOS        bool          `json:"is_eos,omitempty"`
	StartTime    float64       `json:"start_time,omitempty"`
	EndTime      float64       `json:"end_time,omitempty"`
}

// ServerMessage is the union of all inbound frames.
type ServerMessage struct {
	Message string   `json:"message"`
	Results []Result `json:"results,omitempty"`
	Error   string   `json:"error,omitempty"`
	Reason  string   `json:"reason,omitempty"`
	Type    string   `json:"type,omitempty"`
}

// Text joins the first alternative of every result. Punctuation-only
// contents attach to the previous word without a space.
func (m ServerMessage) Text() string {
	var b strings.Builder
	for _, r := range m.Results {
		if len(r.Alternatives) == 0 {
			continue
		}
		c := strings.TrimSpace(r.Alternatives[0].Content)
		if c == "" {
			continue
		}
		if b.Len() > 0 && !attaches(c) {
			b.WriteByte(' ')
		}
		b.WriteString(c)
	}
	return b.String()
}

// EndOfSentence reports whether any result closes the utterance.
func (m ServerMessage) EndOfSentence() bool {
	for _, r := range m.Results {
		if r.IsEOS {
			return true
		}
	}
	return false
}

func (m ServerMessage) reason() string {
	switch {
	case m.Reason != "":
		return m.Reason
	case m.Error != "":
		return m.Error
	case m.Type != "":
		return m.Type
	default:
		return "unknown error"
	}
}

func attaches(s string) bool {
	r, _ := utf8.DecodeRuneInString(s)
	return unicode.IsPunct(r) && r != '(' && r != '"' && r != '\''
}
