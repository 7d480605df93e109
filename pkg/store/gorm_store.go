package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"chatvault/pkg/domain"
)

const migrateLockID int64 = 51827301

// ErrChatNotFound is returned when an update targets a chat that does not exist.
var ErrChatNotFound = errors.New("chat not found")

type GormStoreOptions struct {
	BatchSize int
}

type GormStoreOption func(*GormStoreOptions)

// WithBatchSize sets the number of rows per bulk insert statement.
func WithBatchSize(n int) GormStoreOption {
	return func(opts *GormStoreOptions) {
		opts.BatchSize = n
	}
}

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db        *gorm.DB
	batchSize int
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string, options ...GormStoreOption) (*GormStore, error) {
	opts := GormStoreOptions{}
	for _, option := range options {
		if option != nil {
			option(&opts)
		}
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}

	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, migrate); err != nil {
		return nil, err
	}
	return &GormStore{db: db, batchSize: opts.BatchSize}, nil
}

func migrate(tx *gorm.DB) error {
	if err := tx.AutoMigrate(&ChatModel{}, &MessageModel{}, &MediaFileModel{}); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	if err := tx.Exec(`
		DO $$
		BEGIN
			IF NOT EXISTS (
				SELECT 1 FROM information_schema.table_constraints
				WHERE table_schema = 'public'
				AND table_name = 'message_models'
				AND constraint_name = 'message_models_chat_id_fkey'
			) THEN
				ALTER TABLE message_models
				ADD CONSTRAINT message_models_chat_id_fkey
				FOREIGN KEY (chat_id) REFERENCES chat_models(id) ON DELETE CASCADE;
			END IF;
			IF NOT EXISTS (
				SELECT 1 FROM information_schema.table_constraints
				WHERE table_schema = 'public'
				AND table_name = 'media_file_models'
				AND constraint_name = 'media_file_models_chat_id_fkey'
			) THEN
				ALTER TABLE media_file_models
				ADD CONSTRAINT media_file_models_chat_id_fkey
				FOREIGN KEY (chat_id) REFERENCES chat_models(id) ON DELETE CASCADE;
			END IF;
			IF NOT EXISTS (
				SELECT 1 FROM information_schema.table_constraints
				WHERE table_schema = 'public'
				AND table_name = 'media_file_models'
				AND constraint_name = 'media_file_models_message_id_fkey'
			) THEN
				ALTER TABLE media_file_models
				ADD CONSTRAINT media_file_models_message_id_fkey
				FOREIGN KEY (message_id) REFERENCES message_models(id) ON DELETE CASCADE;
			END IF;
		END $$;
	`).Error; err != nil {
		return fmt.Errorf("ensure chat foreign keys: %w", err)
	}
	return nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// Close releases the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SaveChat stores or updates a chat.
func (s *GormStore) SaveChat(ctx context.Context, c domain.Chat) error {
	model := chatToModel(c)
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"owner_id", "name", "original_filename", "status", "error_message", "message_count", "size_bytes", "updated_at"}),
	}).Create(&model).Error
	return wrap("save chat", c.ID, err)
}

// GetChat retrieves a chat.
func (s *GormStore) GetChat(ctx context.Context, id string) (domain.Chat, bool, error) {
	var model ChatModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Chat{}, false, nil
		}
		return domain.Chat{}, false, wrap("get chat", id, err)
	}
	return chatFromModel(model), true, nil
}

// ListChatsByOwner returns an owner's chats, newest first.
func (s *GormStore) ListChatsByOwner(ctx context.Context, ownerID string) ([]domain.Chat, error) {
	var models []ChatModel
	if err := s.db.WithContext(ctx).Where("owner_id = ?", ownerID).Order("created_at DESC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Chat, 0, len(models))
	for _, m := range models {
		res = append(res, chatFromModel(m))
	}
	return res, nil
}

func (s *GormStore) updateChat(ctx context.Context, op, chatID string, updates map[string]any) error {
	updates["updated_at"] = time.Now().UTC()
	res := s.db.WithContext(ctx).Model(&ChatModel{}).Where("id = ?", chatID).Updates(updates)
	if res.Error != nil {
		return wrap(op, chatID, res.Error)
	}
	if res.RowsAffected == 0 {
		return wrap(op, chatID, ErrChatNotFound)
	}
	return nil
}

// UpdateChatStatus sets the chat status and error message.
func (s *GormStore) UpdateChatStatus(ctx context.Context, chatID string, status domain.ChatStatus, errMsg string) error {
	return s.updateChat(ctx, "update chat status", chatID, map[string]any{
		"status":        string(status),
		"error_message": errMsg,
	})
}

// UpdateChatStats records message count and extracted size.
func (s *GormStore) UpdateChatStats(ctx context.Context, chatID string, messageCount int, sizeBytes int64) error {
	return s.updateChat(ctx, "update chat stats", chatID, map[string]any{
		"message_count": messageCount,
		"size_bytes":    sizeBytes,
	})
}

// RenameChat sets the chat display name.
func (s *GormStore) RenameChat(ctx context.Context, chatID, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil
	}
	return s.updateChat(ctx, "rename chat", chatID, map[string]any{"name": name})
}

// ReplaceMessages deletes the chat's messages (and, through them, their media
// records) and inserts msgs in batches, all in one transaction.
func (s *GormStore) ReplaceMessages(ctx context.Context, chatID string, msgs []domain.RawMessage) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&MediaFileModel{}, "chat_id = ?", chatID).Error; err != nil {
			return err
		}
		if err := tx.Delete(&MessageModel{}, "chat_id = ?", chatID).Error; err != nil {
			return err
		}
		if len(msgs) == 0 {
			return nil
		}
		now := time.Now().UTC()
		models := make([]MessageModel, 0, len(msgs))
		for _, msg := range msgs {
			model := messageToModel(msg)
			model.ChatID = chatID
			model.CreatedAt = now
			models = append(models, model)
		}
		return tx.CreateInBatches(&models, s.batchSize).Error
	})
	return wrap("replace messages", chatID, err)
}

// ReplaceMediaRecords replaces all media records for a chat.
func (s *GormStore) ReplaceMediaRecords(ctx context.Context, chatID string, recs []domain.MediaRecord) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&MediaFileModel{}, "chat_id = ?", chatID).Error; err != nil {
			return err
		}
		if len(recs) == 0 {
			return nil
		}
		models := make([]MediaFileModel, 0, len(recs))
		for _, rec := range recs {
			model := mediaToModel(rec)
			model.ChatID = chatID
			models = append(models, model)
		}
		return tx.CreateInBatches(&models, s.batchSize).Error
	})
	return wrap("replace media records", chatID, err)
}

// ListMediaRecords returns the chat's media records.
func (s *GormStore) ListMediaRecords(ctx context.Context, chatID string) ([]domain.MediaRecord, error) {
	var models []MediaFileModel
	if err := s.db.WithContext(ctx).Where("chat_id = ?", chatID).Order("created_at ASC").Find(&models).Error; err != nil {
		return nil, wrap("list media records", chatID, err)
	}
	recs := make([]domain.MediaRecord, 0, len(models))
	for _, m := range models {
		recs = append(recs, mediaFromModel(m))
	}
	return recs, nil
}

// ListMessages returns the chat's messages in order. A non-positive limit
// returns all of them.
func (s *GormStore) ListMessages(ctx context.Context, chatID string, limit int) ([]domain.RawMessage, error) {
	query := s.db.WithContext(ctx).Where("chat_id = ?", chatID).Order("order_index ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var models []MessageModel
	if err := query.Find(&models).Error; err != nil {
		return nil, wrap("list messages", chatID, err)
	}
	msgs := make([]domain.RawMessage, 0, len(models))
	for _, m := range models {
		msgs = append(msgs, messageFromModel(m))
	}
	return msgs, nil
}

func chatToModel(c domain.Chat) ChatModel {
	return ChatModel{
		ID:               c.ID,
		OwnerID:          c.OwnerID,
		Name:             c.Name,
		OriginalFilename: c.OriginalFilename,
		Status:           string(c.Status),
		ErrorMessage:     c.ErrorMessage,
		MessageCount:     c.MessageCount,
		SizeBytes:        c.SizeBytes,
		CreatedAt:        c.CreatedAt,
		UpdatedAt:        c.UpdatedAt,
	}
}

func chatFromModel(m ChatModel) domain.Chat {
	return domain.Chat{
		ID:               m.ID,
		OwnerID:          m.OwnerID,
		Name:             m.Name,
		OriginalFilename: m.OriginalFilename,
		Status:           domain.ChatStatus(m.Status),
		ErrorMessage:     m.ErrorMessage,
		MessageCount:     m.MessageCount,
		SizeBytes:        m.SizeBytes,
		CreatedAt:        m.CreatedAt,
		UpdatedAt:        m.UpdatedAt,
	}
}

func messageToModel(msg domain.RawMessage) MessageModel {
	id := msg.ID
	if id == "" {
		id = uuid.NewString()
	}
	meta, _ := json.Marshal(msg.Metadata)
	return MessageModel{
		ID:            id,
		OrderIndex:    msg.OrderIndex,
		Timestamp:     msg.Timestamp,
		SenderName:    msg.SenderName,
		SenderIsMe:    msg.Owner,
		MessageType:   string(msg.Type),
		Body:          msg.Body,
		MediaFilename: msg.MediaFilename,
		Metadata:      meta,
	}
}

func messageFromModel(m MessageModel) domain.RawMessage {
	var meta map[string]string
	if len(m.Metadata) > 0 {
		_ = json.Unmarshal(m.Metadata, &meta)
	}
	return domain.RawMessage{
		ID:            m.ID,
		Timestamp:     m.Timestamp,
		SenderName:    m.SenderName,
		Body:          m.Body,
		Type:          domain.MessageType(m.MessageType),
		MediaFilename: m.MediaFilename,
		OrderIndex:    m.OrderIndex,
		Owner:         m.SenderIsMe,
		Metadata:      meta,
	}
}

func mediaToModel(rec domain.MediaRecord) MediaFileModel {
	id := rec.ID
	if id == "" {
		id = uuid.NewString()
	}
	created := rec.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	meta, _ := json.Marshal(rec.Metadata)
	return MediaFileModel{
		ID:           id,
		MessageID:    rec.MessageID,
		OwnerID:      rec.OwnerID,
		OriginalName: rec.OriginalName,
		StorageKey:   rec.StorageKey,
		ThumbKey:     rec.ThumbKey,
		MimeType:     rec.MimeType,
		SizeBytes:    rec.SizeBytes,
		Metadata:     meta,
		CreatedAt:    created,
	}
}

func mediaFromModel(m MediaFileModel) domain.MediaRecord {
	var meta map[string]string
	if len(m.Metadata) > 0 {
		_ = json.Unmarshal(m.Metadata, &meta)
	}
	return domain.MediaRecord{
		ID:           m.ID,
		MessageID:    m.MessageID,
		ChatID:       m.ChatID,
		OwnerID:      m.OwnerID,
		OriginalName: m.OriginalName,
		StorageKey:   m.StorageKey,
		ThumbKey:     m.ThumbKey,
		MimeType:     m.MimeType,
		SizeBytes:    m.SizeBytes,
		Metadata:     meta,
		CreatedAt:    m.CreatedAt,
	}
}
