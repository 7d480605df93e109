package domain

import "time"

// ChatStatus is the parse status shown to users for an imported chat.
type ChatStatus string

const (
	ChatQueued     ChatStatus = "queued"
	ChatProcessing ChatStatus = "processing"
	ChatCompleted  ChatStatus = "completed"
	ChatFailed     ChatStatus = "failed"
)

// ImportState is a step of the import state machine.
type ImportState string

const (
	StateQueued     ImportState = "queued"
	StateExtracting ImportState = "extracting"
	StateParsing    ImportState = "parsing"
	StateMapping    ImportState = "mapping"
	StatePersisting ImportState = "persisting"
	StateCompleted  ImportState = "completed"
	StateFailed     ImportState = "failed"
)

// Terminal reports whether no further transition can leave the state.
func (s ImportState) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

type MessageType string

const (
	MessageText     MessageType = "text"
	MessageImage    MessageType = "image"
	MessageVideo    MessageType = "video"
	MessageAudio    MessageType = "audio"
	MessageDocument MessageType = "document"
	MessageLink     MessageType = "link"
	MessageSystem   MessageType = "system"
)

// Metadata keys written on every parsed message.
const (
	MetaOriginalLine  = "original_line"
	MetaSystem        = "system"
	MetaMediaFilename = "media_filename"
	MetaMediaMissing  = "media_missing"
	MetaMediaOmitted  = "media_omitted"
)

type Chat struct {
	ID               string     `json:"id"`
	OwnerID          string     `json:"ownerId"`
	Name             string     `json:"name"`
	OriginalFilename string     `json:"originalFilename"`
	Status           ChatStatus `json:"status"`
	ErrorMessage     string     `json:"errorMessage,omitempty"`
	MessageCount     int        `json:"messageCount"`
	SizeBytes        int64      `json:"sizeBytes"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
}

// RawMessage is one transcript message. Timestamp holds the wall-clock time
// written in the export; the source carries no zone information.
type RawMessage struct {
	ID            string            `json:"id,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
	SenderName    string            `json:"senderName"`
	Body          string            `json:"body"`
	Type          MessageType       `json:"messageType"`
	MediaFilename string            `json:"mediaFilename,omitempty"`
	OrderIndex    int               `json:"orderIndex"`
	Owner         bool              `json:"senderIsMe"`
	Metadata      map[string]string `json:"metadata"`
	Media         *MediaReference   `json:"media,omitempty"`
}

// IsSystem reports whether the message is a system event line.
func (m RawMessage) IsSystem() bool {
	return m.Type == MessageSystem
}

// MediaReference links a message to an extracted file. Unresolved references
// are kept with Missing set.
type MediaReference struct {
	Filename     string            `json:"filename"`
	ResolvedPath string            `json:"-"`
	MatchRule    string            `json:"matchRule,omitempty"`
	MimeType     string            `json:"mimeType,omitempty"`
	SizeBytes    int64             `json:"sizeBytes,omitempty"`
	Missing      bool              `json:"missing"`
	StorageKey   string            `json:"storageKey,omitempty"`
	ThumbKey     string            `json:"thumbKey,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// MediaRecord is the persisted row describing a stored media file.
type MediaRecord struct {
	ID           string            `json:"id"`
	MessageID    string            `json:"messageId"`
	ChatID       string            `json:"chatId"`
	OwnerID      string            `json:"ownerId"`
	OriginalName string            `json:"originalName"`
	StorageKey   string            `json:"storageKey"`
	ThumbKey     string            `json:"thumbKey,omitempty"`
	MimeType     string            `json:"mimeType"`
	SizeBytes    int64             `json:"sizeBytes"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedAt    time.Time         `json:"createdAt"`
}

// ImportJob is the queue-side record of one archive import.
type ImportJob struct {
	ID              string      `json:"id"`
	OwnerID         string      `json:"ownerUserId"`
	ChatID          string      `json:"chatId"`
	ArchivePath     string      `json:"archivePath"`
	ChatName        string      `json:"chatName,omitempty"`
	State           ImportState `json:"state"`
	Progress        int         `json:"progressPercent"`
	LastError       string      `json:"lastError,omitempty"`
	Attempts        int         `json:"attemptCount"`
	CancelRequested bool        `json:"cancelRequested,omitempty"`
	CreatedAt       time.Time   `json:"createdAt"`
	UpdatedAt       time.Time   `json:"updatedAt"`
}
