package store

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// MessageType tags the payload variant carried by a Message.
type MessageType string

const (
	TextMessage  MessageType = "text"
	ImageMessage MessageType = "image"
	FileMessage  MessageType = "file"
)

// Content is the payload of a Message. It is one of TextContent, ImageContent
// or FileContent.
type Content interface {
	Type() MessageType
	// Preview is the one-line summary shown in the chat list.
	Preview() string
	validate() error
}

type TextContent struct {
	Body string
}

func (TextContent) Type() MessageType  { return TextMessage }
func (c TextContent) Preview() string { return c.Body }

func (c TextContent) validate() error {
	if strings.TrimSpace(c.Body) == "" {
		return errors.New("text message has no body")
	}
	return nil
}

// ImageContent references an uploaded image blob.
type ImageContent struct {
	Ref  string
	Name string
	Size int64
	MIME string
}

func (ImageContent) Type() MessageType { return ImageMessage }
func (ImageContent) Preview() string   { return "Image" }

func (c ImageContent) validate() error {
	if c.Ref == "" {
		return errors.New("image message has no blob reference")
	}
	return nil
}

// FileContent references an uploaded file blob.
type FileContent struct {
	Ref  string
	Name string
	Size int64
	MIME string
}

func (FileContent) Type() MessageType { return FileMessage }
func (c FileContent) Preview() string { return "File: " + c.Name }

func (c FileContent) validate() error {
	if c.Ref == "" {
		return errors.New("file message has no blob reference")
	}
	if c.Name == "" {
		return errors.New("file message has no name")
	}
	return nil
}

// ValidateContent reports whether c is a well-formed payload.
func ValidateContent(c Content) error {
	if c == nil {
		return errors.New("message has no content")
	}
	return c.validate()
}

// Message is a single chat message. Messages are immutable once created; the
// only mutation is removal by delete-for-everyone.
type Message struct {
	ID         string
	ChatID     string
	SenderID   string
	ReceiverID string
	Timestamp  time.Time
	Content    Content
}

// messageDoc is the flat document form of a Message shared by the remote store
// and the local mirror.
type messageDoc struct {
	ID         string      `json:"id"`
	ChatID     string      `json:"chatId"`
	SenderID   string      `json:"senderId"`
	ReceiverID string      `json:"receiverId"`
	Timestamp  int64       `json:"timestamp"`
	Type       MessageType `json:"type"`
	Text       string      `json:"text,omitempty"`
	FileRef    string      `json:"fileRef,omitempty"`
	FileName   string      `json:"fileName,omitempty"`
	FileSize   int64       `json:"fileSize,omitempty"`
	FileType   string      `json:"fileType,omitempty"`
}

func (m Message) MarshalJSON() ([]byte, error) {
	doc := messageDoc{
		ID:         m.ID,
		ChatID:     m.ChatID,
		SenderID:   m.SenderID,
		ReceiverID: m.ReceiverID,
		Timestamp:  m.Timestamp.UnixMilli(),
	}
	switch c := m.Content.(type) {
	case TextContent:
		doc.Type, doc.Text = TextMessage, c.Body
	case ImageContent:
		doc.Type, doc.FileRef, doc.FileName, doc.FileSize, doc.FileType =
			ImageMessage, c.Ref, c.Name, c.Size, c.MIME
	case FileContent:
		doc.Type, doc.FileRef, doc.FileName, doc.FileSize, doc.FileType =
			FileMessage, c.Ref, c.Name, c.Size, c.MIME
	default:
		return nil, errors.Errorf("message %s has unsupported content %T",
			m.ID, m.Content)
	}
	return json.Marshal(doc)
}

func (m *Message) UnmarshalJSON(data []byte) error {
	var doc messageDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}

	*m = Message{
		ID:         doc.ID,
		ChatID:     doc.ChatID,
		SenderID:   doc.SenderID,
		ReceiverID: doc.ReceiverID,
		Timestamp:  time.UnixMilli(doc.Timestamp),
	}
	switch doc.Type {
	case TextMessage, "":
		// Records written before message types existed carry no type.
		m.Content = TextContent{Body: doc.Text}
	case ImageMessage:
		m.Content = ImageContent{
			Ref: doc.FileRef, Name: doc.FileName, Size: doc.FileSize, MIME: doc.FileType}
	case FileMessage:
		m.Content = FileContent{
			Ref: doc.FileRef, Name: doc.FileName, Size: doc.FileSize, MIME: doc.FileType}
	default:
		return errors.Errorf("unknown message type %q", doc.Type)
	}
	return nil
}

// User is an entry of the user directory.
type User struct {
	ID            string     `json:"id"`
	Username      string     `json:"username"`
	AvatarRef     *string    `json:"avatar"`
	Online        bool       `json:"online"`
	LastSeen      *time.Time `json:"-"`
	SelectedFrame *string    `json:"selectedFrame,omitempty"`
	Bio           *string    `json:"bio,omitempty"`
	Activity      *string    `json:"activity,omitempty"`
}

type userAlias User

type userDoc struct {
	userAlias
	LastSeen *int64 `json:"lastSeen"`
}

func (u User) MarshalJSON() ([]byte, error) {
	doc := userDoc{userAlias: userAlias(u)}
	if u.LastSeen != nil {
		ms := u.LastSeen.UnixMilli()
		doc.LastSeen = &ms
	}
	return json.Marshal(doc)
}

func (u *User) UnmarshalJSON(data []byte) error {
	var doc userDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	*u = User(doc.userAlias)
	if doc.LastSeen != nil {
		t := time.UnixMilli(*doc.LastSeen)
		u.LastSeen = &t
	}
	return nil
}

// PinnedMessage is the single pinned message of a chat. A nil MessageID is a
// tombstone left by unpinning and means the chat has no pin.
type PinnedMessage struct {
	ChatID      string  `json:"chatId"`
	MessageID   *string `json:"messageId"`
	MessageText string  `json:"messageText"`
	SenderID    string  `json:"senderId"`
	SenderName  string  `json:"senderName"`
	Timestamp   int64   `json:"timestamp"`
}

// IsTombstone reports whether the record marks an unpinned chat.
func (p PinnedMessage) IsTombstone() bool {
	return p.MessageID == nil || *p.MessageID == ""
}

// ChatSummary is the denormalized per-chat row of the chats table.
type ChatSummary struct {
	ChatID            string   `json:"chatId"`
	Participants      []string `json:"participants"`
	LastMessage       string   `json:"lastMessage"`
	LastMessageTime   int64    `json:"lastMessageTime"`
	LastMessageSender string   `json:"lastMessageSender"`
}

// CallStatus is the signaling state of a call record.
type CallStatus string

const (
	CallRinging   CallStatus = "ringing"
	CallAccepted  CallStatus = "accepted"
	CallDeclined  CallStatus = "declined"
	CallCancelled CallStatus = "cancelled"
	CallEnded     CallStatus = "ended"
)

// Finished reports whether the status is terminal.
func (s CallStatus) Finished() bool {
	switch s {
	case CallDeclined, CallCancelled, CallEnded:
		return true
	}
	return false
}

type Call struct {
	ID         string     `json:"id"`
	CallerID   string     `json:"callerId"`
	ReceiverID string     `json:"receiverId"`
	Status     CallStatus `json:"status"`
	CreatedAt  int64      `json:"createdAt"`
}

// Wallpaper is the background chosen for a chat. A nil URL is a reset
// tombstone.
type Wallpaper struct {
	ChatID    string  `json:"chatId"`
	URL       *string `json:"wallpaperUrl"`
	UpdatedAt int64   `json:"updatedAt"`
	UpdatedBy string  `json:"updatedBy"`
}

func (w Wallpaper) String() string {
	if w.URL == nil {
		return fmt.Sprintf("%s: none", w.ChatID)
	}
	return fmt.Sprintf("%s: %s", w.ChatID, *w.URL)
}
