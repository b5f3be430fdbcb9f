package readmodel

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/bytedance/sonic"

	"eventcore/domain"
	"eventcore/internal/sqlitedb"
	"eventcore/readmodel/migrations"
)

// SQLite persists the read model as JSON documents. Saves are a single
// upsert that json_patches the present fields onto the stored document, so
// concurrent merges of the same key never lose fields.
type SQLite struct {
	db *sql.DB
}

var _ domain.ReadModel = (*SQLite)(nil)

// OpenSQLite opens or creates the read model database at path.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sqlitedb.Open(path, migrations.FS, ".")
	if err != nil {
		return nil, domain.Persistence("open read model", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLite) GetUser(ctx context.Context, id string) (*domain.User, error) {
	var u domain.User
	ok, err := s.getDoc(ctx, "SELECT data FROM users WHERE id = ?", id, &u)
	if err != nil || !ok {
		return nil, err
	}
	return &u, nil
}

func (s *SQLite) ListUsers(ctx context.Context) ([]domain.User, error) {
	out := []domain.User{}
	err := s.listDocs(ctx, "SELECT data FROM users ORDER BY id", nil, func(data []byte) error {
		var u domain.User
		if err := sonic.Unmarshal(data, &u); err != nil {
			return err
		}
		out = append(out, u)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SQLite) SaveUser(ctx context.Context, upd domain.UserUpdate) error {
	if upd.ID == "" {
		return errMissingID
	}
	patch, err := sonic.Marshal(upd)
	if err != nil {
		return fmt.Errorf("encode user: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO users (id, data) VALUES (?, ?)
ON CONFLICT(id) DO UPDATE SET data = json_patch(users.data, excluded.data)`, upd.ID, string(patch))
	return domain.Persistence("save user", err)
}

func (s *SQLite) DeleteUser(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM users WHERE id = ?", id)
	return domain.Persistence("delete user", err)
}

func (s *SQLite) GetItem(ctx context.Context, id string) (*domain.Item, error) {
	var it domain.Item
	ok, err := s.getDoc(ctx, "SELECT data FROM items WHERE id = ?", id, &it)
	if err != nil || !ok {
		return nil, err
	}
	return &it, nil
}

func (s *SQLite) ListItems(ctx context.Context, ownerID string) ([]domain.Item, error) {
	query, args := "SELECT data FROM items ORDER BY id", []any(nil)
	if ownerID != "" {
		query, args = "SELECT data FROM items WHERE user_id = ? ORDER BY id", []any{ownerID}
	}
	out := []domain.Item{}
	err := s.listDocs(ctx, query, args, func(data []byte) error {
		var it domain.Item
		if err := sonic.Unmarshal(data, &it); err != nil {
			return err
		}
		out = append(out, it)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SQLite) SaveItem(ctx context.Context, upd domain.ItemUpdate) error {
	if upd.ID == "" {
		return errMissingID
	}
	patch, err := sonic.Marshal(upd)
	if err != nil {
		return fmt.Errorf("encode item: %w", err)
	}
	var owner any
	if upd.UserID != nil {
		owner = *upd.UserID
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO items (id, user_id, data) VALUES (?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
    data = json_patch(items.data, excluded.data),
    user_id = COALESCE(excluded.user_id, items.user_id)`, upd.ID, owner, string(patch))
	return domain.Persistence("save item", err)
}

func (s *SQLite) DeleteItem(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM items WHERE id = ?", id)
	return domain.Persistence("delete item", err)
}

func (s *SQLite) GetRole(ctx context.Context, id string) (*domain.Role, error) {
	var r domain.Role
	ok, err := s.getDoc(ctx, "SELECT data FROM roles WHERE id = ?", id, &r)
	if err != nil || !ok {
		return nil, err
	}
	return &r, nil
}

func (s *SQLite) ListRoles(ctx context.Context) ([]domain.Role, error) {
	out := []domain.Role{}
	err := s.listDocs(ctx, "SELECT data FROM roles ORDER BY id", nil, func(data []byte) error {
		var r domain.Role
		if err := sonic.Unmarshal(data, &r); err != nil {
			return err
		}
		out = append(out, r)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SQLite) SaveRole(ctx context.Context, role domain.Role) error {
	if role.ID == "" {
		return errMissingID
	}
	data, err := sonic.Marshal(role)
	if err != nil {
		return fmt.Errorf("encode role: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO roles (id, data) VALUES (?, ?)
ON CONFLICT(id) DO UPDATE SET data = excluded.data`, role.ID, string(data))
	return domain.Persistence("save role", err)
}

func (s *SQLite) getDoc(ctx context.Context, query, id string, dst any) (bool, error) {
	var data string
	err := s.db.QueryRowContext(ctx, query, id).Scan(&data)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, domain.Persistence("load record", err)
	}
	if err := sonic.Unmarshal([]byte(data), dst); err != nil {
		return false, domain.Persistence("decode record", err)
	}
	return true, nil
}

func (s *SQLite) listDocs(ctx context.Context, query string, args []any, each func([]byte) error) error {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return domain.Persistence("list records", err)
	}
	defer rows.Close()
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return domain.Persistence("scan record", err)
		}
		if err := each([]byte(data)); err != nil {
			return domain.Persistence("decode record", err)
		}
	}
	return domain.Persistence("list records", rows.Err())
}
