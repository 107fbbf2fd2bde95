package models

import (
	"encoding/base64"
	"errors"
	"strings"
	"time"
)

// ChatRoom represents a conversation container. It records which providers answer in the room and when it was
// created; it exclusively owns its messages, so deleting a room deletes every message in it.
type ChatRoom struct {
	ID        string       `json:"id"`
	Title     string       `json:"title"`
	Providers []ProviderID `json:"providers"`
	CreatedAt int64        `json:"createdAt"`
}

// Message represents an individual entry within a chat room. A user message carries no Provider and its TurnLink
// is its own ID; a provider reply carries the provider that produced it and the TurnLink of the user message it
// answers.
type Message struct {
	ID       string     `json:"id"`
	RoomID   string     `json:"roomId"`
	Content  string     `json:"content"`
	Image    string     `json:"image,omitempty"`
	TurnLink string     `json:"turnLink"`
	Provider ProviderID `json:"provider,omitempty"`

	// CreatedAt is in epoch seconds.
	CreatedAt int64 `json:"createdAt"`
}

// IsUser reports whether the message was written by the user rather than a provider.
func (m Message) IsUser() bool {
	return m.Provider == ""
}

var (
	// ErrRoomNotFound is returned by stores when a chat room does not exist.
	ErrRoomNotFound = errors.New("chat room not found")
	// ErrInvalidTurnLink is returned when a provider reply does not link to a user message of the same room.
	ErrInvalidTurnLink = errors.New("turn link does not reference a user message in the room")
	// ErrInvalidDataURL is returned when an inline image is not a base64 data URL.
	ErrInvalidDataURL = errors.New("image is not a base64 data URL")
)

// Now returns the current time in epoch seconds, the resolution messages and rooms are stamped with.
func Now() int64 {
	return time.Now().Unix()
}

// RoomTitle derives a room title from the first user message.
func RoomTitle(text string) string {
	const maxLen = 48

	title := strings.Join(strings.Fields(text), " ")
	runes := []rune(title)
	if len(runes) <= maxLen {
		return title
	}
	return string(runes[:maxLen-1]) + "…"
}

// ParseDataURL splits an inline image of the form "data:<media type>;base64,<payload>" into its media type and
// raw base64 payload. The payload is validated but returned still encoded.
func ParseDataURL(image string) (mediaType, payload string, err error) {
	rest, ok := strings.CutPrefix(image, "data:")
	if !ok {
		return "", "", ErrInvalidDataURL
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return "", "", ErrInvalidDataURL
	}
	mediaType, ok = strings.CutSuffix(meta, ";base64")
	if !ok || mediaType == "" {
		return "", "", ErrInvalidDataURL
	}
	if _, err := base64.StdEncoding.DecodeString(payload); err != nil {
		return "", "", ErrInvalidDataURL
	}
	return mediaType, payload, nil
}
