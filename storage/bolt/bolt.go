// Package bolt provides a bbolt-backed token, client and settings store.
//
// bbolt allows a single read-write transaction at a time, so every
// WithinTx call is serialized and refresh-token rotation needs no extra
// locking. Raw bearer secrets are never written: records and indexes are
// keyed by storage.HashToken.
package bolt

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	bbolt "go.etcd.io/bbolt"

	"github.com/giantswarm/oidc-server/storage"
)

const (
	dirPerm     = fs.FileMode(0o700)
	filePerm    = fs.FileMode(0o600)
	openTimeout = 5 * time.Second
)

var (
	accessBucket          = []byte("access_tokens")
	accessByHashBucket    = []byte("access_tokens_by_hash")
	accessByRefreshBucket = []byte("access_tokens_by_refresh")
	refreshBucket         = []byte("refresh_tokens")
	refreshByHashBucket   = []byte("refresh_tokens_by_hash")
	refreshChildrenBucket = []byte("refresh_token_children")
	clientsBucket         = []byte("clients")
	settingsBucket        = []byte("settings")

	allBuckets = [][]byte{
		accessBucket, accessByHashBucket, accessByRefreshBucket,
		refreshBucket, refreshByHashBucket, refreshChildrenBucket,
		clientsBucket, settingsBucket,
	}
)

// Store wraps a bbolt database.
type Store struct {
	db     *bbolt.DB
	logger *slog.Logger
}

var (
	_ storage.TokenStore    = (*Store)(nil)
	_ storage.ClientStore   = (*Store)(nil)
	_ storage.SettingsStore = (*Store)(nil)
)

// Open opens the database at path, creating it and its buckets if needed.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(filepath.Dir(path), dirPerm); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := bbolt.Open(path, filePerm, &bbolt.Options{Timeout: openTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening bolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initializing bolt db: %w", err)
	}

	return &Store{db: db, logger: logger}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// WithinTx runs fn inside one read-write bbolt transaction.
func (s *Store) WithinTx(ctx context.Context, fn func(tx storage.TokenTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(btx *bbolt.Tx) error {
		return fn(&tx{btx: btx})
	})
}

// DeleteExpired removes every token whose ExpiresAt is before now along
// with its index entries.
func (s *Store) DeleteExpired(ctx context.Context, now time.Time) (accessDeleted, refreshDeleted int, err error) {
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}

	err = s.db.Update(func(btx *bbolt.Tx) error {
		t := &tx{btx: btx}

		var expiredAccess []*accessRecord
		err := btx.Bucket(accessBucket).ForEach(func(_, v []byte) error {
			var rec accessRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if rec.ExpiresAt.Before(now) {
				expiredAccess = append(expiredAccess, &rec)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, rec := range expiredAccess {
			if err := t.deleteAccess(rec); err != nil {
				return err
			}
		}

		var expiredRefresh []*refreshRecord
		err = btx.Bucket(refreshBucket).ForEach(func(_, v []byte) error {
			var rec refreshRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if rec.ExpiresAt.Before(now) {
				expiredRefresh = append(expiredRefresh, &rec)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, rec := range expiredRefresh {
			if err := t.deleteRefresh(rec); err != nil {
				return err
			}
		}

		accessDeleted, refreshDeleted = len(expiredAccess), len(expiredRefresh)
		return nil
	})
	if err != nil {
		return 0, 0, fmt.Errorf("deleting expired tokens: %w", err)
	}

	return accessDeleted, refreshDeleted, nil
}

// SaveClient registers or replaces a client application.
func (s *Store) SaveClient(_ context.Context, client *storage.Client) error {
	if client == nil || client.ClientID == "" {
		return fmt.Errorf("invalid client")
	}
	if client.CreatedAt.IsZero() {
		c := *client
		c.CreatedAt = time.Now()
		client = &c
	}

	data, err := json.Marshal(client)
	if err != nil {
		return err
	}

	return s.db.Update(func(btx *bbolt.Tx) error {
		return btx.Bucket(clientsBucket).Put([]byte(client.ClientID), data)
	})
}

// GetClient retrieves a client by ID.
func (s *Store) GetClient(_ context.Context, clientID string) (*storage.Client, error) {
	var client *storage.Client

	err := s.db.View(func(btx *bbolt.Tx) error {
		v := btx.Bucket(clientsBucket).Get([]byte(clientID))
		if v == nil {
			return fmt.Errorf("client %s: %w", clientID, storage.ErrNotFound)
		}
		client = &storage.Client{}
		return json.Unmarshal(v, client)
	})
	if err != nil {
		return nil, err
	}

	return client, nil
}

// SetSetting stores a settings value.
func (s *Store) SetSetting(_ context.Context, key, value string) error {
	return s.db.Update(func(btx *bbolt.Tx) error {
		return btx.Bucket(settingsBucket).Put([]byte(key), []byte(value))
	})
}

// GetSetting returns the raw value for key.
func (s *Store) GetSetting(_ context.Context, key string) (string, error) {
	var value string

	err := s.db.View(func(btx *bbolt.Tx) error {
		v := btx.Bucket(settingsBucket).Get([]byte(key))
		if v == nil {
			return storage.ErrNotFound
		}
		value = string(v)
		return nil
	})

	return value, err
}
