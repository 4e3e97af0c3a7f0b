// Package protocol defines the control envelope exchanged between the
// orchestrator, its workers and its clients.
package protocol

import (
	"fmt"
	"time"
)

// Message keys shared by every channel.
const (
	KeyError      = "error"
	KeyWarning    = "warning"
	KeyFileReport = "fileReport"
	KeyProgress   = "progress"
	KeyStatus     = "status"
	KeyOK         = "ok"
	KeyRollcall   = "rollcall"
	KeyAlloc      = "alloc"
	KeyReset      = "reset"

	KeyGetState        = "getstate"
	KeyGetStatus       = "getstatus"
	KeySetState        = "setstate"
	KeySetConfig       = "setconfig"
	KeySetRecord       = "setrecord"
	KeySetBypass       = "setbypass"
	KeySelectPlatform  = "selectplatform"
	KeyGetInstrument   = "getinstrument"
	KeyInstrument      = "instrument"
	KeyStoreJSONConfig = "storejsonconfig"
)

// Topics on the back-publish channel.
const (
	TopicAll       = "all"
	TopicPartition = "partition"
)

// Reference epoch for timestamp ids: 1990-01-01T00:00:00Z.
const epochOffset = 631152000

// Header identifies a message. MsgID correlates requests and replies.
type Header struct {
	Key      string `json:"key"`
	MsgID    string `json:"msg_id"`
	SenderID string `json:"sender_id,omitempty"`
}

// Message is the envelope carried on every channel.
type Message struct {
	Header Header         `json:"header"`
	Body   map[string]any `json:"body"`
}

// TimestampID formats t as "<seconds since 1990 zero-padded to 10>-<nanoseconds zero-padded to 9>".
func TimestampID(t time.Time) string {
	return fmt.Sprintf("%010d-%09d", t.Unix()-epochOffset, t.Nanosecond())
}

// NewMsg builds a message with a fresh timestamp id when msgID is empty.
func NewMsg(key, msgID, senderID string, body map[string]any) Message {
	if msgID == "" {
		msgID = TimestampID(time.Now())
	}
	if body == nil {
		body = map[string]any{}
	}
	return Message{
		Header: Header{Key: key, MsgID: msgID, SenderID: senderID},
		Body:   body,
	}
}

// Reply answers req with the same msg_id.
func Reply(req Message, key, senderID string, body map[string]any) Message {
	return NewMsg(key, req.Header.MsgID, senderID, body)
}

func (m Message) Key() string   { return m.Header.Key }
func (m Message) MsgID() string { return m.Header.MsgID }

// ErrInfo returns the participant-reported failure carried in the body.
func (m Message) ErrInfo() (string, bool) {
	if m.Body == nil {
		return "", false
	}
	raw, ok := m.Body["err_info"]
	if !ok {
		return "", false
	}
	s, ok := raw.(string)
	if !ok {
		return fmt.Sprint(raw), true
	}
	return s, true
}

func (m Message) String() string {
	return fmt.Sprintf("key=%q msg_id=%q sender=%q", m.Header.Key, m.Header.MsgID, m.Header.SenderID)
}

// IsReport reports whether key is one of the out-of-band report keys.
func IsReport(key string) bool {
	switch key {
	case KeyError, KeyWarning, KeyFileReport:
		return true
	}
	return false
}

func ErrorMsg(text string) Message {
	return NewMsg(KeyError, "", "", map[string]any{"err_info": text})
}

func WarningMsg(text string) Message {
	return NewMsg(KeyWarning, "", "", map[string]any{"err_info": text})
}

func FileReportMsg(path string) Message {
	return NewMsg(KeyFileReport, "", "", map[string]any{"path": path})
}

func ProgressMsg(transition string, elapsed, total int) Message {
	return NewMsg(KeyProgress, "", "", map[string]any{
		"transition": transition,
		"elapsed":    elapsed,
		"total":      total,
	})
}

func OKMsg(req Message) Message {
	return Reply(req, KeyOK, "", nil)
}

// ErrorReply answers req with an error body.
func ErrorReply(req Message, text string) Message {
	return Reply(req, KeyError, "", map[string]any{"err_info": text})
}
