package cache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/activitypanel/backend/internal/activity"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// SchemaVersion is embedded in the cache file name. Bumping it points every
// installation at a fresh, empty file; previous files are left on disk.
const SchemaVersion = 3

const (
	opInitialize       = "cache.initialize"
	opFetch            = "cache.fetch"
	opInsertActivities = "cache.insert_activities"
	opUpsertNote       = "cache.upsert_note"

	reasonOpenFailed      = "open_failed"
	reasonMigrateFailed   = "migrate_failed"
	reasonQueryFailed     = "query_failed"
	reasonEncodeFailed    = "encode_failed"
	reasonInsertFailed    = "insert_failed"
	reasonInvalidArgument = "invalid_argument"

	fieldEntityType = "entity_type"
	fieldEntityID   = "entity_id"
	fieldActivityID = "activity_id"
	fieldNoteID     = "note_id"
)

var (
	errMissingDirectory = errors.New("cache directory is required")
	errMissingEntity    = errors.New("entity type and id are required")
	errEmptyThread      = errors.New("note thread must not be empty")
	noOpLogger          = zap.NewNop()
)

// Error carries an operation.reason code for a failed cache operation.
type Error struct {
	code string
	err  error
}

func (e *Error) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *Error) Unwrap() error {
	return e.err
}

// Code returns the operation.reason code.
func (e *Error) Code() string {
	return e.code
}

func newError(operation, reason string, cause error) error {
	return &Error{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// Config describes where the cache lives.
type Config struct {
	Directory string
	Logger    *zap.Logger
	Clock     func() time.Time
}

// Store is the durable activity cache. It holds no open connection between calls.
type Store struct {
	path   string
	logger *zap.Logger
	clock  func() time.Time
}

// FetchResult holds the cached activities and note threads of one entity.
type FetchResult struct {
	Activities map[activity.ID]activity.Event
	Notes      map[activity.NoteID]activity.NoteThread
}

func emptyFetchResult() FetchResult {
	return FetchResult{
		Activities: map[activity.ID]activity.Event{},
		Notes:      map[activity.NoteID]activity.NoteThread{},
	}
}

// FileName returns the versioned base name of the cache file.
func FileName() string {
	return fmt.Sprintf("activity_stream_v%d.sqlite", SchemaVersion)
}

// NewStore builds a Store rooted at cfg.Directory.
func NewStore(cfg Config) (*Store, error) {
	directory := strings.TrimSpace(cfg.Directory)
	if directory == "" {
		return nil, newError(opInitialize, reasonInvalidArgument, errMissingDirectory)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Store{
		path:   filepath.Join(directory, FileName()),
		logger: logger,
		clock:  clock,
	}, nil
}

// Path returns the cache file location.
func (s *Store) Path() string {
	return s.path
}

// Initialize creates the cache tables and indices when absent.
func (s *Store) Initialize(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		s.logError(opInitialize, reasonOpenFailed, err)
		return newError(opInitialize, reasonOpenFailed, err)
	}
	err := s.withDatabase(ctx, opInitialize, func(db *gorm.DB) error {
		if err := db.AutoMigrate(&EntityIndex{}, &ActivityRecord{}, &NoteRecord{}); err != nil {
			s.logError(opInitialize, reasonMigrateFailed, err)
			return newError(opInitialize, reasonMigrateFailed, err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.logger.Info("activity cache initialized", zap.String("path", s.path))
	return nil
}

// Fetch returns the most recent limit activities of an entity together with their note
// threads. A note is surfaced once: older activities about an already surfaced note are
// dropped. On failure the result is empty and the error is returned for reporting only.
func (s *Store) Fetch(ctx context.Context, entityType string, entityID int64, limit int) (FetchResult, error) {
	if entityType == "" || entityID <= 0 {
		return emptyFetchResult(), newError(opFetch, reasonInvalidArgument, errMissingEntity)
	}

	var rows []streamRow
	err := s.withDatabase(ctx, opFetch, func(db *gorm.DB) error {
		query := db.Table("entity_index AS e").
			Select("a.activity_id AS activity_id, a.payload AS activity_payload, n.note_id AS note_id, n.payload AS note_payload").
			Joins("INNER JOIN activity AS a ON a.activity_id = e.activity_id").
			Joins("LEFT JOIN note AS n ON n.note_id = a.note_id").
			Where("e.entity_type = ? AND e.entity_id = ?", entityType, entityID).
			Order("e.activity_id DESC")
		if limit > 0 {
			query = query.Limit(limit)
		}
		if err := query.Scan(&rows).Error; err != nil {
			s.logError(opFetch, reasonQueryFailed, err,
				zap.String(fieldEntityType, entityType),
				zap.Int64(fieldEntityID, entityID))
			return newError(opFetch, reasonQueryFailed, err)
		}
		return nil
	})
	if err != nil {
		return emptyFetchResult(), err
	}

	return s.collectRows(rows), nil
}

func (s *Store) collectRows(rows []streamRow) FetchResult {
	result := emptyFetchResult()
	for _, row := range rows {
		event, err := activity.DecodeEvent(row.ActivityPayload)
		if err != nil {
			s.logger.Warn("skipping undecodable cached activity",
				zap.Int64(fieldActivityID, row.ActivityID), zap.Error(err))
			continue
		}

		noteID, isNote := event.NoteID()
		if !isNote {
			result.Activities[event.ID] = event
			continue
		}
		if _, seen := result.Notes[noteID]; seen {
			continue
		}

		thread := activity.ThreadFromEntity(*event.PrimaryEntity)
		if row.NoteID != nil && len(row.NotePayload) > 0 {
			decoded, decodeErr := activity.DecodeThread(row.NotePayload)
			if decodeErr != nil {
				s.logger.Warn("cached note thread unreadable, using primary entity",
					zap.Int64(fieldNoteID, noteID.Int64()), zap.Error(decodeErr))
			} else if len(decoded) > 0 {
				thread = decoded
			}
		}
		result.Activities[event.ID] = event
		result.Notes[noteID] = thread
	}
	return result
}

// InsertActivities stores events for an entity. Rows that already exist are left untouched.
func (s *Store) InsertActivities(ctx context.Context, entityType string, entityID int64, events []activity.Event) error {
	if entityType == "" || entityID <= 0 {
		return newError(opInsertActivities, reasonInvalidArgument, errMissingEntity)
	}
	if len(events) == 0 {
		return nil
	}

	activityRows := make([]ActivityRecord, 0, len(events))
	indexRows := make([]EntityIndex, 0, len(events))
	for _, event := range events {
		payload, err := activity.EncodeEvent(event)
		if err != nil {
			s.logError(opInsertActivities, reasonEncodeFailed, err, zap.Int64(fieldActivityID, event.ID.Int64()))
			return newError(opInsertActivities, reasonEncodeFailed, err)
		}
		createdAt := event.CreatedAt.UTC().Unix()
		record := ActivityRecord{
			ActivityID:       event.ID.Int64(),
			Payload:          payload,
			CreatedAtSeconds: createdAt,
		}
		if noteID, ok := event.NoteID(); ok {
			value := noteID.Int64()
			record.NoteID = &value
		}
		activityRows = append(activityRows, record)
		indexRows = append(indexRows, EntityIndex{
			EntityType:       entityType,
			EntityID:         entityID,
			ActivityID:       event.ID.Int64(),
			CreatedAtSeconds: createdAt,
		})
	}

	return s.withDatabase(ctx, opInsertActivities, func(db *gorm.DB) error {
		return db.Transaction(func(transaction *gorm.DB) error {
			if err := transaction.Clauses(clause.OnConflict{DoNothing: true}).Create(&activityRows).Error; err != nil {
				s.logError(opInsertActivities, reasonInsertFailed, err,
					zap.String(fieldEntityType, entityType), zap.Int64(fieldEntityID, entityID))
				return newError(opInsertActivities, reasonInsertFailed, err)
			}
			if err := transaction.Clauses(clause.OnConflict{DoNothing: true}).Create(&indexRows).Error; err != nil {
				s.logError(opInsertActivities, reasonInsertFailed, err,
					zap.String(fieldEntityType, entityType), zap.Int64(fieldEntityID, entityID))
				return newError(opInsertActivities, reasonInsertFailed, err)
			}
			return nil
		})
	})
}

// UpsertNote replaces the stored thread of a note and links the activity to it.
func (s *Store) UpsertNote(ctx context.Context, activityID activity.ID, noteID activity.NoteID, thread activity.NoteThread) error {
	if len(thread) == 0 {
		return newError(opUpsertNote, reasonInvalidArgument, errEmptyThread)
	}
	payload, err := activity.EncodeThread(thread)
	if err != nil {
		s.logError(opUpsertNote, reasonEncodeFailed, err, zap.Int64(fieldNoteID, noteID.Int64()))
		return newError(opUpsertNote, reasonEncodeFailed, err)
	}

	return s.withDatabase(ctx, opUpsertNote, func(db *gorm.DB) error {
		return db.Transaction(func(transaction *gorm.DB) error {
			if err := transaction.Where("note_id = ?", noteID.Int64()).Delete(&NoteRecord{}).Error; err != nil {
				s.logError(opUpsertNote, reasonInsertFailed, err, zap.Int64(fieldNoteID, noteID.Int64()))
				return newError(opUpsertNote, reasonInsertFailed, err)
			}
			record := NoteRecord{
				NoteID:           noteID.Int64(),
				Payload:          payload,
				CreatedAtSeconds: s.clock().UTC().Unix(),
			}
			if err := transaction.Create(&record).Error; err != nil {
				s.logError(opUpsertNote, reasonInsertFailed, err, zap.Int64(fieldNoteID, noteID.Int64()))
				return newError(opUpsertNote, reasonInsertFailed, err)
			}
			if err := transaction.Model(&ActivityRecord{}).
				Where("activity_id = ?", activityID.Int64()).
				Update("note_id", noteID.Int64()).Error; err != nil {
				s.logError(opUpsertNote, reasonInsertFailed, err,
					zap.Int64(fieldActivityID, activityID.Int64()), zap.Int64(fieldNoteID, noteID.Int64()))
				return newError(opUpsertNote, reasonInsertFailed, err)
			}
			return nil
		})
	})
}

func (s *Store) withDatabase(ctx context.Context, operation string, fn func(*gorm.DB) error) error {
	db, err := gorm.Open(sqlite.Open(s.path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		s.logError(operation, reasonOpenFailed, err)
		return newError(operation, reasonOpenFailed, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		s.logError(operation, reasonOpenFailed, err)
		return newError(operation, reasonOpenFailed, err)
	}
	defer sqlDB.Close()
	sqlDB.SetMaxOpenConns(1)

	return fn(db.WithContext(ctx))
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.String("path", s.path),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("activity cache error", attrs...)
}
