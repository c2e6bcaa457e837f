// Package postgres provides a PostgreSQL token, client and settings store.
//
// Rotation safety comes from the database: the presented refresh token is
// read with SELECT ... FOR UPDATE and marked replaced with a conditional
// UPDATE ... WHERE revoked = FALSE, so a concurrent rotation of the same
// token blocks and then observes it as already revoked.
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/giantswarm/oidc-server/storage"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Storage is a pgx connection pool implementing the storage interfaces.
type Storage struct {
	db *pgxpool.Pool
}

var (
	_ storage.TokenStore    = (*Storage)(nil)
	_ storage.ClientStore   = (*Storage)(nil)
	_ storage.SettingsStore = (*Storage)(nil)
)

// New connects to PostgreSQL and verifies the connection.
func New(ctx context.Context, dbURL string) (*Storage, error) {
	const op = "postgres.New"

	config, err := pgxpool.ParseConfig(dbURL)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	db, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if err := db.Ping(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &Storage{db: db}, nil
}

// Close closes the connection pool.
func (s *Storage) Close() {
	s.db.Close()
}

// Migrate applies the embedded schema. Every statement is idempotent.
func (s *Storage) Migrate(ctx context.Context) error {
	const op = "postgres.Migrate"

	entries, err := migrations.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	for _, entry := range entries {
		sql, err := migrations.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		if _, err := s.db.Exec(ctx, string(sql)); err != nil {
			return fmt.Errorf("%s: %s: %w", op, entry.Name(), err)
		}
	}

	return nil
}

// WithinTx runs fn in a database transaction. Row locks taken through tx
// are held until commit or rollback.
func (s *Storage) WithinTx(ctx context.Context, fn func(tx storage.TokenTx) error) error {
	return pgx.BeginFunc(ctx, s.db, func(pgTx pgx.Tx) error {
		return fn(&tx{q: pgTx})
	})
}

// DeleteExpired removes expired access and refresh tokens in one transaction.
func (s *Storage) DeleteExpired(ctx context.Context, now time.Time) (accessDeleted, refreshDeleted int, err error) {
	const op = "postgres.DeleteExpired"

	err = pgx.BeginFunc(ctx, s.db, func(pgTx pgx.Tx) error {
		tag, err := pgTx.Exec(ctx, `DELETE FROM access_tokens WHERE expires_at < $1`, now)
		if err != nil {
			return err
		}
		accessDeleted = int(tag.RowsAffected())

		tag, err = pgTx.Exec(ctx, `DELETE FROM refresh_tokens WHERE expires_at < $1`, now)
		if err != nil {
			return err
		}
		refreshDeleted = int(tag.RowsAffected())
		return nil
	})
	if err != nil {
		return 0, 0, fmt.Errorf("%s: %w", op, err)
	}

	return accessDeleted, refreshDeleted, nil
}

// SaveClient inserts or replaces a client application.
func (s *Storage) SaveClient(ctx context.Context, client *storage.Client) error {
	const op = "postgres.SaveClient"

	createdAt := client.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	query := `
		INSERT INTO client_applications
			(client_id, client_secret_hash, client_type, client_name, redirect_uris, grant_types, scopes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (client_id) DO UPDATE SET
			client_secret_hash = EXCLUDED.client_secret_hash,
			client_type = EXCLUDED.client_type,
			client_name = EXCLUDED.client_name,
			redirect_uris = EXCLUDED.redirect_uris,
			grant_types = EXCLUDED.grant_types,
			scopes = EXCLUDED.scopes
	`

	_, err := s.db.Exec(ctx, query,
		client.ClientID,
		client.ClientSecretHash,
		client.ClientType,
		client.ClientName,
		nonNil(client.RedirectURIs),
		nonNil(client.GrantTypes),
		nonNil(client.Scopes),
		createdAt,
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

// GetClient retrieves a client application by ID.
func (s *Storage) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	const op = "postgres.GetClient"

	query := `
		SELECT client_id, client_secret_hash, client_type, client_name, redirect_uris, grant_types, scopes, created_at
		FROM client_applications
		WHERE client_id = $1
	`

	var c storage.Client
	err := s.db.QueryRow(ctx, query, clientID).Scan(
		&c.ClientID,
		&c.ClientSecretHash,
		&c.ClientType,
		&c.ClientName,
		&c.RedirectURIs,
		&c.GrantTypes,
		&c.Scopes,
		&c.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", op, storage.ErrNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &c, nil
}

// SetSetting upserts a settings value.
func (s *Storage) SetSetting(ctx context.Context, key, value string) error {
	const op = "postgres.SetSetting"

	_, err := s.db.Exec(ctx, `
		INSERT INTO app_settings (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

// GetSetting returns the raw value for key.
func (s *Storage) GetSetting(ctx context.Context, key string) (string, error) {
	const op = "postgres.GetSetting"

	var value string
	err := s.db.QueryRow(ctx, `SELECT value FROM app_settings WHERE key = $1`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("%s: %w", op, storage.ErrNotFound)
		}
		return "", fmt.Errorf("%s: %w", op, err)
	}

	return value, nil
}

// mapInsertError translates unique violations into storage.ErrAlreadyExists.
func mapInsertError(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
		return fmt.Errorf("%s: %w", op, storage.ErrAlreadyExists)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
