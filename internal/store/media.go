package store

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"

	"github.com/felixgeelhaar/mediamcp/internal/embed"
	"github.com/felixgeelhaar/mediamcp/internal/media"
)

// LoadSnapshot reads every persisted media item, tombstones included.
func (s *SQLiteStore) LoadSnapshot(ctx context.Context) ([]media.Item, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT path, hash, vector, mod_time, size, kind, state, indexed_at FROM media_items ORDER BY path`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []media.Item
	for rows.Next() {
		var it media.Item
		var blob []byte
		var mod, indexed int64
		var kind, state string
		if err := rows.Scan(&it.Path, &it.Hash, &blob, &mod, &it.Size, &kind, &state, &indexed); err != nil {
			return nil, err
		}
		vec, err := decodeVector(blob)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", it.Path, err)
		}
		it.Vector = vec
		it.ModTime, it.IndexedAt = fromUnixNano(mod), fromUnixNano(indexed)
		it.Kind, it.State = embed.Modality(kind), media.State(state)
		switch it.State {
		case media.StateIndexed, media.StateStale, media.StateDeleted:
		default:
			return nil, fmt.Errorf("%s: unknown state %q", it.Path, state)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// SaveSnapshot replaces the persisted items with items.
func (s *SQLiteStore) SaveSnapshot(ctx context.Context, items []media.Item) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM media_items`); err != nil {
			return err
		}
		return putItems(ctx, tx, items)
	})
}

// PutItems upserts items in a single transaction.
func (s *SQLiteStore) PutItems(ctx context.Context, items []media.Item) error {
	if len(items) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return putItems(ctx, tx, items)
	})
}

func (s *SQLiteStore) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func putItems(ctx context.Context, tx *sql.Tx, items []media.Item) error {
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO media_items (path, hash, vector, mod_time, size, kind, state, indexed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET hash = excluded.hash, vector = excluded.vector, mod_time = excluded.mod_time,
			size = excluded.size, kind = excluded.kind, state = excluded.state, indexed_at = excluded.indexed_at`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, it := range items {
		blob, err := encodeVector(it.Vector)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, it.Path, it.Hash, blob, unixNano(it.ModTime), it.Size,
			string(it.Kind), string(it.State), unixNano(it.IndexedAt)); err != nil {
			return fmt.Errorf("failed to store %s: %w", it.Path, err)
		}
	}
	return nil
}

// Vectors are stored as little-endian float32.
func encodeVector(v []float32) ([]byte, error) {
	if len(v) == 0 {
		return nil, nil
	}
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, v); err != nil {
		return nil, fmt.Errorf("failed to encode vector: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeVector(blob []byte) ([]float32, error) {
	if len(blob) == 0 {
		return nil, nil
	}
	if len(blob)%4 != 0 {
		return nil, fmt.Errorf("vector blob of %d bytes is not a float32 array", len(blob))
	}
	v := make([]float32, len(blob)/4)
	if err := binary.Read(bytes.NewReader(blob), binary.LittleEndian, v); err != nil {
		return nil, fmt.Errorf("failed to decode vector: %w", err)
	}
	return v, nil
}
