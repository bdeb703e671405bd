package network

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"golang.org/x/crypto/blake2b"

	"smsrelay/models"
)

// RequestItem is one element of the add-sms JSON array.
type RequestItem struct {
	DeviceID    string `json:"device_id"`
	MessageType string `json:"message_type"`
	DateTime    string `json:"date_time"`
	SMSDateTime string `json:"sms_date_time"`
	Tel         string `json:"tel"`
	Text        string `json:"text"`
}

// NewRequestItem converts a persisted event to its wire form.
func NewRequestItem(event models.MessageEvent) (RequestItem, error) {
	messageType, err := models.ParseMessageType(string(event.MessageType))
	if err != nil {
		return RequestItem{}, err
	}
	if event.CapturedAt.IsZero() {
		return RequestItem{}, errors.New("captured_at is required")
	}
	originAt := event.OriginTimestamp
	if originAt.IsZero() {
		originAt = event.CapturedAt
	}

	return RequestItem{
		DeviceID:    event.DeviceID,
		MessageType: string(messageType),
		DateTime:    models.FormatWireTime(event.CapturedAt),
		SMSDateTime: models.FormatWireTime(originAt),
		Tel:         event.Source,
		Text:        event.Body,
	}, nil
}

// encodedChunk is a chunk body plus the ids of the items that made it in.
type encodedChunk struct {
	body    []byte
	ids     []int64
	dropped []droppedItem
}

type droppedItem struct {
	event models.MessageEvent
	err   error
}

// encodeChunk builds the JSON array body. Items that fail to encode are
// dropped individually and reported back.
func encodeChunk(events []models.MessageEvent) encodedChunk {
	out := encodedChunk{
		ids: make([]int64, 0, len(events)),
	}

	raw := make([]json.RawMessage, 0, len(events))
	for _, event := range events {
		item, err := NewRequestItem(event)
		if err != nil {
			out.dropped = append(out.dropped, droppedItem{event: event, err: err})
			continue
		}
		encoded, err := json.Marshal(item)
		if err != nil {
			out.dropped = append(out.dropped, droppedItem{event: event, err: fmt.Errorf("marshal request item: %w", err)})
			continue
		}
		raw = append(raw, encoded)
		out.ids = append(out.ids, event.ID)
	}

	if len(raw) == 0 {
		return out
	}
	// Marshaling a slice of already-valid RawMessage values cannot fail.
	out.body, _ = json.Marshal(raw)
	return out
}

// IdempotencyKey digests the device id and the chunk's row ids.
func IdempotencyKey(deviceID string, ids []int64) string {
	sorted := append([]int64(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	h, _ := blake2b.New256(nil)
	_, _ = h.Write([]byte(deviceID))
	for _, id := range sorted {
		_, _ = h.Write([]byte{':'})
		_, _ = h.Write([]byte(strconv.FormatInt(id, 10)))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// splitChunks splits events into consecutive chunks of at most size items.
func splitChunks(events []models.MessageEvent, size int) [][]models.MessageEvent {
	if size <= 0 {
		size = MaxChunkSize
	}
	chunks := make([][]models.MessageEvent, 0, (len(events)+size-1)/size)
	for start := 0; start < len(events); start += size {
		end := start + size
		if end > len(events) {
			end = len(events)
		}
		chunks = append(chunks, events[start:end])
	}
	return chunks
}
