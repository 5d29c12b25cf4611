package telegram

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Update is an inbound Bot API update. Besides the Bot API shape it accepts
// a flat form where the chat id sits directly on message or callback.
type Update struct {
	UpdateID      int64          `json:"update_id"`
	Message       *Message       `json:"message,omitempty"`
	CallbackQuery *CallbackQuery `json:"callback_query,omitempty"`
	Callback      *CallbackQuery `json:"callback,omitempty"`
}

// ChatID is an opaque chat identifier. It decodes from a JSON string or
// number.
type ChatID string

func (id *ChatID) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ChatID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("chat_id: %w", err)
	}
	*id = ChatID(n.String())
	return nil
}

type Chat struct {
	ID int64 `json:"id"`
}

type Message struct {
	MessageID int64       `json:"message_id,omitempty"`
	Chat      *Chat       `json:"chat,omitempty"`
	ChatID    ChatID      `json:"chat_id,omitempty"`
	Text      string      `json:"text,omitempty"`
	Caption   string      `json:"caption,omitempty"`
	Photo     []PhotoSize `json:"photo,omitempty"`
}

type PhotoSize struct {
	FileID string `json:"file_id"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

type CallbackQuery struct {
	ID      string   `json:"id,omitempty"`
	Data    string   `json:"data"`
	Message *Message `json:"message,omitempty"`
	ChatID  ChatID   `json:"chat_id,omitempty"`
}

// Inbound is the transport-independent view of an update.
type Inbound struct {
	ChatID       string
	Text         string
	PhotoFileID  string
	IsCallback   bool
	CallbackID   string
	CallbackData string
}

func (m *Message) chatID() string {
	if m == nil {
		return ""
	}
	if m.Chat != nil && m.Chat.ID != 0 {
		return strconv.FormatInt(m.Chat.ID, 10)
	}
	return string(m.ChatID)
}

// Normalize extracts the chat and payload. It returns false when the update
// carries neither a message nor a callback with a chat id.
func (u Update) Normalize() (Inbound, bool) {
	cb := u.CallbackQuery
	if cb == nil {
		cb = u.Callback
	}
	if cb != nil {
		id := string(cb.ChatID)
		if id == "" {
			id = cb.Message.chatID()
		}
		if id == "" {
			return Inbound{}, false
		}
		return Inbound{
			ChatID:       id,
			IsCallback:   true,
			CallbackID:   cb.ID,
			CallbackData: cb.Data,
		}, true
	}

	if u.Message == nil {
		return Inbound{}, false
	}
	id := u.Message.chatID()
	if id == "" {
		return Inbound{}, false
	}
	in := Inbound{
		ChatID: id,
		Text:   strings.TrimSpace(u.Message.Text),
	}
	if n := len(u.Message.Photo); n > 0 {
		// Sizes are ordered smallest first.
		in.PhotoFileID = u.Message.Photo[n-1].FileID
		if in.Text == "" {
			in.Text = strings.TrimSpace(u.Message.Caption)
		}
	}
	return in, true
}
