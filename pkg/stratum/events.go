// Copyright (C) 2025 Stratum Labs.
// See LICENSE for copying information.

package stratum

import (
	"encoding/json"
	"time"

	"github.com/zeebo/errs"
)

// ErrEvent is returned for malformed event records.
var ErrEvent = errs.Class("event")

// EventType identifies a file lifecycle event.
type EventType string

const (
	// EventFileCreated is emitted when a file record is registered.
	EventFileCreated EventType = "file:created"
	// EventFileUpdated is emitted when a file record changes.
	EventFileUpdated EventType = "file:updated"
	// EventFileDeleted is emitted when a file record is soft-deleted.
	EventFileDeleted EventType = "file:deleted"
)

// ParseEventType parses an event type string.
func ParseEventType(s string) (EventType, error) {
	switch EventType(s) {
	case EventFileCreated, EventFileUpdated, EventFileDeleted:
		return EventType(s), nil
	}
	return "", ErrEvent.New("unknown event type %q", s)
}

// EventMetadata is the typed payload carried inside an event's metadata
// JSON string.
type EventMetadata struct {
	OriginalFilename string          `json:"original_filename,omitempty"`
	StorageFilename  string          `json:"storage_filename,omitempty"`
	StoragePath      string          `json:"storage_path,omitempty"`
	FileSize         int64           `json:"file_size,omitempty"`
	Checksum         string          `json:"checksum_sha256,omitempty"`
	ContentType      string          `json:"content_type,omitempty"`
	RetentionPolicy  RetentionPolicy `json:"retention_policy,omitempty"`
	DeletionReason   string          `json:"deletion_reason,omitempty"`
}

// Event is a single file lifecycle event as it travels over the stream.
// Metadata is carried as a JSON string inside the stream entry.
type Event struct {
	Type             EventType `json:"event_type"`
	FileID           FileID    `json:"file_id"`
	StorageElementID string    `json:"storage_element_id"`
	Timestamp        time.Time `json:"timestamp"`

	Metadata EventMetadata `json:"-"`
}

// StreamValues flattens the event into stream entry fields.
func (event Event) StreamValues() (map[string]interface{}, error) {
	metadata, err := json.Marshal(event.Metadata)
	if err != nil {
		return nil, ErrEvent.Wrap(err)
	}
	return map[string]interface{}{
		"event_type":         string(event.Type),
		"file_id":            event.FileID.String(),
		"storage_element_id": event.StorageElementID,
		"timestamp":          event.Timestamp.UTC().Format(time.RFC3339Nano),
		"metadata":           string(metadata),
	}, nil
}

// EventFromStreamValues decodes an event from stream entry fields.
func EventFromStreamValues(values map[string]interface{}) (Event, error) {
	var event Event

	eventType, err := ParseEventType(stringField(values, "event_type"))
	if err != nil {
		return Event{}, err
	}
	event.Type = eventType

	event.FileID, err = FileIDFromString(stringField(values, "file_id"))
	if err != nil {
		return Event{}, ErrEvent.Wrap(err)
	}

	event.StorageElementID = stringField(values, "storage_element_id")

	event.Timestamp, err = time.Parse(time.RFC3339Nano, stringField(values, "timestamp"))
	if err != nil {
		return Event{}, ErrEvent.New("invalid timestamp: %v", err)
	}

	if metadata := stringField(values, "metadata"); metadata != "" {
		if err := json.Unmarshal([]byte(metadata), &event.Metadata); err != nil {
			return Event{}, ErrEvent.New("invalid metadata: %v", err)
		}
	}

	return event, nil
}

// DedupKey identifies an event for idempotent handling.
func (event Event) DedupKey() string {
	return string(event.Type) + "/" + event.FileID.String() + "/" +
		event.Timestamp.UTC().Format(time.RFC3339Nano)
}

func stringField(values map[string]interface{}, key string) string {
	switch v := values[key].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return ""
	}
}
