package storeserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/stackfall/stackfall/internal/store"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opGetDoc    = "storeserver.get_doc"
	opSetDoc    = "storeserver.set_doc"
	opUpdateDoc = "storeserver.update_doc"
	opDeleteDoc = "storeserver.delete_doc"
	opHooks     = "storeserver.disconnect_hooks"

	// maxClockSkewMs is the allowance applied when rejecting future
	// timestamps at write time.
	maxClockSkewMs = 2000
)

var (
	errMissingDatabase = errors.New("database handle is required")
	// ErrFutureTimestamp indicates a record carried a timestamp past
	// server-observed now.
	ErrFutureTimestamp = errors.New("storeserver: timestamp in the future")
	// ErrInvalidPath indicates an empty or malformed document path.
	ErrInvalidPath = errors.New("storeserver: invalid path")
)

// timestampFields lists the top-level record fields validated against
// server time on every write.
var timestampFields = []string{"lastUpdate", "lastSeen", "lastSpawnTime", "timestamp"}

// ServiceConfig describes the dependencies of the KV service.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service is the shared key/value database behind the store API: durable
// last-write-wins documents plus watch-stream fan-out. A single write lock
// serializes mutations with their notifications so watchers observe
// per-path write order.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	logger     *zap.Logger
	writeMu    sync.Mutex
	dispatcher *dispatcher
}

// NewService constructs the KV service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:         cfg.Database,
		clock:      clock,
		logger:     logger,
		dispatcher: newDispatcher(),
	}, nil
}

// GetDoc reads the document at a path; nil when absent.
func (s *Service) GetDoc(ctx context.Context, path string) (json.RawMessage, error) {
	if err := validatePath(path); err != nil {
		return nil, err
	}
	var document Document
	err := s.db.WithContext(ctx).Where("path = ?", path).Take(&document).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		s.logError(opGetDoc, "query_failed", err, zap.String("path", path))
		return nil, err
	}
	return json.RawMessage(document.DocJSON), nil
}

// GetChildren reads every immediate child document under a path.
func (s *Service) GetChildren(ctx context.Context, path string) (store.Snapshot, error) {
	if err := validatePath(path); err != nil {
		return nil, err
	}
	var documents []Document
	prefix := path + "/"
	err := s.db.WithContext(ctx).Where("path LIKE ?", prefix+"%").Find(&documents).Error
	if err != nil {
		s.logError(opGetDoc, "query_failed", err, zap.String("path", path))
		return nil, err
	}
	snapshot := make(store.Snapshot)
	for _, document := range documents {
		key := document.Path[len(prefix):]
		if strings.Contains(key, "/") {
			continue
		}
		snapshot[key] = json.RawMessage(document.DocJSON)
	}
	return snapshot, nil
}

// SetDoc replaces the document at a path and notifies watchers.
func (s *Service) SetDoc(ctx context.Context, path string, doc json.RawMessage) error {
	if err := validatePath(path); err != nil {
		return err
	}
	now := s.clock().UnixMilli()
	if err := validateTimestamps(doc, now); err != nil {
		s.logError(opSetDoc, "future_timestamp", err, zap.String("path", path))
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	document := Document{Path: path, DocJSON: string(doc), UpdatedAtMs: now}
	if err := s.db.WithContext(ctx).Save(&document).Error; err != nil {
		s.logError(opSetDoc, "save_failed", err, zap.String("path", path))
		return err
	}
	s.publishLocked(ctx, path)
	return nil
}

// UpdateDoc merges fields into the document at a path, creating it if
// absent, and notifies watchers.
func (s *Service) UpdateDoc(ctx context.Context, path string, fields map[string]interface{}) error {
	if err := validatePath(path); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	existing, err := s.GetDoc(ctx, path)
	if err != nil {
		return err
	}
	merged, err := store.MergeFields(existing, fields)
	if err != nil {
		s.logError(opUpdateDoc, "merge_failed", err, zap.String("path", path))
		return err
	}
	now := s.clock().UnixMilli()
	if err := validateTimestamps(merged, now); err != nil {
		s.logError(opUpdateDoc, "future_timestamp", err, zap.String("path", path))
		return err
	}

	document := Document{Path: path, DocJSON: string(merged), UpdatedAtMs: now}
	if err := s.db.WithContext(ctx).Save(&document).Error; err != nil {
		s.logError(opUpdateDoc, "save_failed", err, zap.String("path", path))
		return err
	}
	s.publishLocked(ctx, path)
	return nil
}

// DeleteDoc removes the document at a path, and everything beneath it, and
// notifies watchers.
func (s *Service) DeleteDoc(ctx context.Context, path string) error {
	if err := validatePath(path); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	err := s.db.WithContext(ctx).
		Where("path = ? OR path LIKE ?", path, path+"/%").
		Delete(&Document{}).Error
	if err != nil {
		s.logError(opDeleteDoc, "delete_failed", err, zap.String("path", path))
		return err
	}
	s.publishLocked(ctx, path)
	return nil
}

// RunDisconnectOps applies the cleanup operations of a dropped session.
func (s *Service) RunDisconnectOps(ctx context.Context, clientID string, ops []store.DisconnectOp) {
	for _, op := range ops {
		var err error
		switch op.Action {
		case store.DisconnectDelete:
			err = s.DeleteDoc(ctx, op.Path)
		case store.DisconnectUpdate:
			err = s.UpdateDoc(ctx, op.Path, op.Fields)
		default:
			err = fmt.Errorf("unknown disconnect action %q", op.Action)
		}
		if err != nil {
			s.logError(opHooks, "hook_failed", err,
				zap.String("client_id", clientID),
				zap.String("path", op.Path))
		}
	}
}

func (s *Service) publishLocked(ctx context.Context, changed string) {
	s.dispatcher.publish(changed,
		func(path string) store.Snapshot {
			snapshot, err := s.GetChildren(ctx, path)
			if err != nil {
				return store.Snapshot{}
			}
			return snapshot
		},
		func(path string) ([]byte, bool) {
			doc, err := s.GetDoc(ctx, path)
			if err != nil || doc == nil {
				return nil, false
			}
			return doc, true
		})
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("store service error", attrs...)
}

func validatePath(path string) error {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" || trimmed != path {
		return fmt.Errorf("%w: %q", ErrInvalidPath, path)
	}
	if strings.Contains(path, "//") {
		return fmt.Errorf("%w: %q", ErrInvalidPath, path)
	}
	return nil
}

// validateTimestamps rejects documents whose timestamp fields run ahead of
// server-observed now. Nested lastRowCompletion stamps are checked too.
func validateTimestamps(doc json.RawMessage, nowMs int64) error {
	if len(doc) == 0 {
		return nil
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(doc, &decoded); err != nil {
		// Non-object documents carry no timestamps to validate.
		return nil
	}
	return validateTimestampFields(decoded, nowMs)
}

func validateTimestampFields(decoded map[string]interface{}, nowMs int64) error {
	for _, field := range timestampFields {
		value, ok := decoded[field].(float64)
		if !ok {
			continue
		}
		if int64(value) > nowMs+maxClockSkewMs {
			return fmt.Errorf("%w: %s=%d now=%d", ErrFutureTimestamp, field, int64(value), nowMs)
		}
	}
	if nested, ok := decoded["lastRowCompletion"].(map[string]interface{}); ok {
		return validateTimestampFields(nested, nowMs)
	}
	return nil
}
