package protocol

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
)

// MaxLineBytes caps one encoded envelope.
const MaxLineBytes = 1 << 20

var (
	ErrMessageTooLarge = errors.New("protocol: message too large")
	ErrMissingKey      = errors.New("protocol: missing header key")
)

// Delivery is one message tagged with the topic it was published on.
type Delivery struct {
	Topic string  `json:"topic"`
	Msg   Message `json:"msg"`
}

// WriteLine encodes v as one JSON line.
func WriteLine(w io.Writer, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if len(payload) > MaxLineBytes {
		return ErrMessageTooLarge
	}
	payload = append(payload, '\n')
	_, err = w.Write(payload)
	return err
}

func readLine(r *bufio.Reader, v any) error {
	line, err := r.ReadBytes('\n')
	if err != nil {
		return err
	}
	if len(line) > MaxLineBytes {
		return ErrMessageTooLarge
	}
	return json.Unmarshal(line, v)
}

// ReadMessage decodes one message line and rejects envelopes without a key.
func ReadMessage(r *bufio.Reader) (Message, error) {
	var msg Message
	if err := readLine(r, &msg); err != nil {
		return Message{}, err
	}
	if msg.Header.Key == "" {
		return Message{}, ErrMissingKey
	}
	if msg.Body == nil {
		msg.Body = map[string]any{}
	}
	return msg, nil
}

func ReadDelivery(r *bufio.Reader) (Delivery, error) {
	var d Delivery
	if err := readLine(r, &d); err != nil {
		return Delivery{}, err
	}
	if d.Msg.Header.Key == "" {
		return Delivery{}, ErrMissingKey
	}
	if d.Msg.Body == nil {
		d.Msg.Body = map[string]any{}
	}
	return d, nil
}
