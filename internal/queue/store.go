package queue

import (
	"context"
	"encoding/json"

	"teamchat/internal/constants"
	"teamchat/internal/errors"
	"teamchat/internal/models"
	"teamchat/internal/storage"

	"github.com/sirupsen/logrus"
)

// StorageKey returns the namespaced key the queue blob lives under.
func StorageKey(appName string) string {
	if appName == "" {
		appName = constants.DefaultAppName
	}
	return "@" + appName + constants.QueueStorageKeySuffix
}

// Store persists the queue as one JSON array under a single key. Every
// operation is a full read-modify-write; callers serialise access.
type Store struct {
	kv     storage.KeyValueStore
	key    string
	logger *logrus.Logger
}

func NewStore(kv storage.KeyValueStore, appName string, logger *logrus.Logger) *Store {
	return &Store{
		kv:     kv,
		key:    StorageKey(appName),
		logger: logger,
	}
}

// Key returns the storage key of the queue blob.
func (s *Store) Key() string {
	return s.key
}

// GetAll returns every queued entry. A missing key is an empty queue. A
// blob that fails to decode is logged and reported as an empty queue with a
// STORAGE_CODEC error so writers may replace it.
func (s *Store) GetAll(ctx context.Context) ([]models.QueuedMessage, error) {
	raw, ok, err := s.kv.GetItem(ctx, s.key)
	if err != nil {
		s.logger.WithError(err).WithField(constants.LogFieldOperation, "get_all").Warn("Failed to read message queue, treating as empty")
		return nil, errors.NewStorageError("read", err)
	}
	if !ok || raw == "" {
		return nil, nil
	}

	var entries []models.QueuedMessage
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		s.logger.WithError(err).WithField("key", s.key).Error("Message queue blob is corrupt, treating as empty")
		return nil, errors.Wrap(err, errors.ErrCodeStorageCodec, "decode message queue")
	}
	return entries, nil
}

// load is GetAll for writers: a corrupt blob is overwritten, a read failure
// aborts the write so nothing already on disk is lost.
func (s *Store) load(ctx context.Context) ([]models.QueuedMessage, error) {
	entries, err := s.GetAll(ctx)
	if err != nil && errors.GetCode(err) != errors.ErrCodeStorageCodec {
		return nil, err
	}
	return entries, nil
}

func (s *Store) save(ctx context.Context, entries []models.QueuedMessage) error {
	if entries == nil {
		entries = []models.QueuedMessage{}
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeStorageCodec, "encode message queue")
	}
	if err := s.kv.SetItem(ctx, s.key, string(data)); err != nil {
		return errors.NewStorageError("write", err)
	}
	return nil
}

// Append adds entry. A localId already present is rejected.
func (s *Store) Append(ctx context.Context, entry models.QueuedMessage) error {
	entries, err := s.load(ctx)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.LocalID == entry.LocalID {
			return errors.New(errors.ErrCodeQueue, "local id already queued").
				WithContext(constants.LogFieldLocalID, entry.LocalID)
		}
	}
	return s.save(ctx, append(entries, entry))
}

// RemoveByID deletes the entry with localID and reports whether it existed.
func (s *Store) RemoveByID(ctx context.Context, localID string) (bool, error) {
	n, err := s.ClearWhere(ctx, func(e models.QueuedMessage) bool {
		return e.LocalID == localID
	})
	return n > 0, err
}

// UpdateByID applies patch to the entry with localID. The patched entry is
// returned; found is false when no entry matched.
func (s *Store) UpdateByID(ctx context.Context, localID string, patch func(*models.QueuedMessage)) (models.QueuedMessage, bool, error) {
	entries, err := s.load(ctx)
	if err != nil {
		return models.QueuedMessage{}, false, err
	}
	for i := range entries {
		if entries[i].LocalID != localID {
			continue
		}
		patch(&entries[i])
		entries[i].LocalID = localID
		if err := s.save(ctx, entries); err != nil {
			return models.QueuedMessage{}, false, err
		}
		return entries[i], true, nil
	}
	return models.QueuedMessage{}, false, nil
}

// Clear removes the queue blob entirely.
func (s *Store) Clear(ctx context.Context) error {
	if err := s.kv.RemoveItem(ctx, s.key); err != nil {
		return errors.NewStorageError("clear", err)
	}
	return nil
}

// ClearWhere removes every entry matching pred and returns how many went.
func (s *Store) ClearWhere(ctx context.Context, pred func(models.QueuedMessage) bool) (int, error) {
	entries, err := s.load(ctx)
	if err != nil {
		return 0, err
	}
	kept := entries[:0]
	for _, e := range entries {
		if !pred(e) {
			kept = append(kept, e)
		}
	}
	removed := len(entries) - len(kept)
	if removed == 0 {
		return 0, nil
	}
	if err := s.save(ctx, kept); err != nil {
		return 0, err
	}
	return removed, nil
}
