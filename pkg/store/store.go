package store

import (
	"context"
	"fmt"

	"chatvault/pkg/domain"
)

// DefaultBatchSize bounds rows per insert statement. Twelve columns per
// message row keeps a batch far below Postgres' 65535 bind parameter limit.
const DefaultBatchSize = 1000

// Gateway is the persistence surface an import writes through.
type Gateway interface {
	UpdateChatStatus(ctx context.Context, chatID string, status domain.ChatStatus, errMsg string) error
	UpdateChatStats(ctx context.Context, chatID string, messageCount int, sizeBytes int64) error
	RenameChat(ctx context.Context, chatID, name string) error
	// ReplaceMessages supersedes every stored message of the chat with msgs.
	ReplaceMessages(ctx context.Context, chatID string, msgs []domain.RawMessage) error
	// ReplaceMediaRecords supersedes every stored media record of the chat.
	ReplaceMediaRecords(ctx context.Context, chatID string, recs []domain.MediaRecord) error
	ListMediaRecords(ctx context.Context, chatID string) ([]domain.MediaRecord, error)
}

// Store adds the chat lifecycle and read operations used by the service and CLI.
type Store interface {
	Gateway

	SaveChat(ctx context.Context, chat domain.Chat) error
	GetChat(ctx context.Context, id string) (domain.Chat, bool, error)
	ListChatsByOwner(ctx context.Context, ownerID string) ([]domain.Chat, error)
	ListMessages(ctx context.Context, chatID string, limit int) ([]domain.RawMessage, error)
}

// PersistenceError wraps a failed gateway operation. It is fatal for the
// current import attempt and eligible for retry.
type PersistenceError struct {
	Op     string
	ChatID string
	Err    error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s for chat %s: %v", e.Op, e.ChatID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func wrap(op, chatID string, err error) error {
	if err == nil {
		return nil
	}
	return &PersistenceError{Op: op, ChatID: chatID, Err: err}
}
