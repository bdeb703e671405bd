package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	// WireTimeLayout is the collector date format, always rendered in UTC ("+0000").
	WireTimeLayout = "2006-01-02 15:04 -0700"
	// LogTextLimit bounds how many runes of a body reach the logs.
	LogTextLimit = 32
)

// MessageType identifies the capture source of an event.
type MessageType string

const (
	// MessageTypeSMS is a received SMS.
	MessageTypeSMS MessageType = "sms"
	// MessageTypeNotification is a posted system notification.
	MessageTypeNotification MessageType = "notification"
)

// ParseMessageType validates a wire/storage message type value.
func ParseMessageType(raw string) (MessageType, error) {
	switch MessageType(strings.ToLower(strings.TrimSpace(raw))) {
	case MessageTypeSMS:
		return MessageTypeSMS, nil
	case MessageTypeNotification:
		return MessageTypeNotification, nil
	default:
		return "", fmt.Errorf("invalid message type %q", raw)
	}
}

// MessageEvent is a captured item pending or already forwarded.
type MessageEvent struct {
	ID              int64       `json:"id"`
	DeviceID        string      `json:"device_id"`
	MessageType     MessageType `json:"message_type"`
	Source          string      `json:"source"`
	CapturedAt      time.Time   `json:"captured_at"`
	OriginTimestamp time.Time   `json:"origin_timestamp"`
	Body            string      `json:"body"`
	Sent            bool        `json:"sent"`
}

// Validate checks the fields a capture collaborator must provide.
func (e MessageEvent) Validate() error {
	if strings.TrimSpace(e.DeviceID) == "" {
		return errors.New("device_id is required")
	}
	if _, err := ParseMessageType(string(e.MessageType)); err != nil {
		return err
	}
	if strings.TrimSpace(e.Source) == "" {
		return errors.New("source is required")
	}
	if !utf8.ValidString(e.Body) {
		return errors.New("body must be valid UTF-8")
	}
	return nil
}

// LogText returns the body truncated for log output.
func (e MessageEvent) LogText() string {
	return Truncate(e.Body, LogTextLimit)
}

// Truncate cuts s to limit runes and appends an ellipsis when it was longer.
func Truncate(s string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit]) + "…"
}

// MinuteUTC normalizes a timestamp to UTC at minute resolution.
func MinuteUTC(t time.Time) time.Time {
	return t.UTC().Truncate(time.Minute)
}

// FormatWireTime renders t in the collector date format.
func FormatWireTime(t time.Time) string {
	return t.UTC().Format(WireTimeLayout)
}
