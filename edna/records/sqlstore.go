package records

import (
	"context"
	"encoding/base64"
	"strconv"

	sq "github.com/Masterminds/squirrel"
	"github.com/pkg/errors"

	"github.com/edna-db/edna/edna/rows"
)

// DefaultTablePrefix prefixes the tables of the SQL store.
const DefaultTablePrefix = "edna_"

// SQLStore keeps the Controller's state in tables of the application
// database. Blobs are stored base64-encoded.
type SQLStore struct {
	conn   *rows.Conn
	prefix string
}

var _ Store = (*SQLStore)(nil)

// NewSQLStore returns a store writing to tables named prefix+<kind>.
func NewSQLStore(q rows.Querier, dialect rows.Dialect, prefix string) *SQLStore {
	if prefix == "" {
		prefix = DefaultTablePrefix
	}
	return &SQLStore{conn: rows.NewConn(q, dialect, nil), prefix: prefix}
}

func (s *SQLStore) table(name string) string {
	return s.prefix + name
}

// Init creates the store tables if needed.
func (s *SQLStore) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ` + rows.Quote(s.table(PrincipalsName)) +
			` (uid TEXT PRIMARY KEY, is_anon INTEGER NOT NULL, pubkey TEXT, locindex TEXT NOT NULL, forget INTEGER NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS ` + rows.Quote(s.table(LocatorsName)) + ` (idx TEXT NOT NULL, ct TEXT NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS ` + rows.Quote(s.table(BagsName)) + ` (id TEXT PRIMARY KEY, ct TEXT NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS ` + rows.Quote(s.table(SharesName)) + ` (idx TEXT PRIMARY KEY, share TEXT NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS ` + rows.Quote(s.table(SharedObjectsName)) + ` (obj TEXT PRIMARY KEY, data TEXT NOT NULL)`,
	}
	for _, stmt := range stmts {
		if _, err := s.conn.Querier().ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "failed to create record store tables")
		}
	}
	return nil
}

// Principals loads every principal.
func (s *SQLStore) Principals(ctx context.Context) (map[string]*PrincipalData, error) {
	rs, err := s.conn.Select(ctx, s.table(PrincipalsName), "")
	if err != nil {
		return nil, err
	}
	out := make(map[string]*PrincipalData, len(rs))
	for _, r := range rs {
		pub, err := decodeText(r.MustGet("pubkey"))
		if err != nil {
			return nil, err
		}
		out[r.MustGet("uid").String()] = &PrincipalData{
			PubKey:   pub,
			IsAnon:   r.MustGet("is_anon").String() == "1",
			LocIndex: r.MustGet("locindex").String(),
			Forget:   r.MustGet("forget").String() == "1",
		}
	}
	return out, nil
}

// PutPrincipal inserts or replaces a principal.
func (s *SQLStore) PutPrincipal(ctx context.Context, uid string, p *PrincipalData) error {
	if err := s.DeletePrincipal(ctx, uid); err != nil {
		return err
	}
	r := rows.NewRow(s.table(PrincipalsName))
	r.Set("uid", rows.Text(uid))
	r.Set("is_anon", boolValue(p.IsAnon))
	if p.PubKey != nil {
		r.Set("pubkey", encodeText(p.PubKey))
	} else {
		r.Set("pubkey", rows.Null())
	}
	r.Set("locindex", rows.Text(p.LocIndex))
	r.Set("forget", boolValue(p.Forget))
	return s.conn.Insert(ctx, r)
}

// DeletePrincipal removes a principal.
func (s *SQLStore) DeletePrincipal(ctx context.Context, uid string) error {
	t := s.table(PrincipalsName)
	_, err := s.conn.Delete(ctx, t, rows.Eq(t, "uid", rows.Text(uid)))
	return err
}

// AddLocator adds a ciphertext to the locator set at index.
func (s *SQLStore) AddLocator(ctx context.Context, index string, ciphertext []byte) error {
	r := rows.NewRow(s.table(LocatorsName))
	r.Set("idx", rows.Text(index))
	r.Set("ct", encodeText(ciphertext))
	return s.conn.Insert(ctx, r)
}

// Locators returns the locator set at index.
func (s *SQLStore) Locators(ctx context.Context, index string) ([][]byte, error) {
	t := s.table(LocatorsName)
	rs, err := s.conn.Select(ctx, t, "", rows.Eq(t, "idx", rows.Text(index)))
	if err != nil {
		return nil, err
	}
	out := make([][]byte, 0, len(rs))
	for _, r := range rs {
		ct, err := decodeText(r.MustGet("ct"))
		if err != nil {
			return nil, err
		}
		out = append(out, ct)
	}
	return out, nil
}

// DeleteLocator removes one ciphertext from the locator set at index.
func (s *SQLStore) DeleteLocator(ctx context.Context, index string, ciphertext []byte) error {
	t := s.table(LocatorsName)
	_, err := s.conn.Delete(ctx, t, sq.And{
		rows.Eq(t, "idx", rows.Text(index)),
		rows.Eq(t, "ct", encodeText(ciphertext)),
	})
	return err
}

// DeleteLocators removes the whole locator set at index.
func (s *SQLStore) DeleteLocators(ctx context.Context, index string) error {
	t := s.table(LocatorsName)
	_, err := s.conn.Delete(ctx, t, rows.Eq(t, "idx", rows.Text(index)))
	return err
}

// PutBag stores a bag ciphertext.
func (s *SQLStore) PutBag(ctx context.Context, id uint64, ciphertext []byte) error {
	if err := s.DeleteBag(ctx, id); err != nil {
		return err
	}
	r := rows.NewRow(s.table(BagsName))
	r.Set("id", bagKey(id))
	r.Set("ct", encodeText(ciphertext))
	return s.conn.Insert(ctx, r)
}

// GetBag returns a bag ciphertext or nil.
func (s *SQLStore) GetBag(ctx context.Context, id uint64) ([]byte, error) {
	t := s.table(BagsName)
	return s.getOne(ctx, t, "ct", rows.Eq(t, "id", bagKey(id)))
}

// DeleteBag removes a bag.
func (s *SQLStore) DeleteBag(ctx context.Context, id uint64) error {
	t := s.table(BagsName)
	_, err := s.conn.Delete(ctx, t, rows.Eq(t, "id", bagKey(id)))
	return err
}

// PutShare stores a sealed server-retained share.
func (s *SQLStore) PutShare(ctx context.Context, index string, share []byte) error {
	t := s.table(SharesName)
	if _, err := s.conn.Delete(ctx, t, rows.Eq(t, "idx", rows.Text(index))); err != nil {
		return err
	}
	r := rows.NewRow(t)
	r.Set("idx", rows.Text(index))
	r.Set("share", encodeText(share))
	return s.conn.Insert(ctx, r)
}

// GetShare returns a sealed share or nil.
func (s *SQLStore) GetShare(ctx context.Context, index string) ([]byte, error) {
	t := s.table(SharesName)
	return s.getOne(ctx, t, "share", rows.Eq(t, "idx", rows.Text(index)))
}

// PutSharedObject stores a shared-object entry.
func (s *SQLStore) PutSharedObject(ctx context.Context, key string, data []byte) error {
	if err := s.DeleteSharedObject(ctx, key); err != nil {
		return err
	}
	r := rows.NewRow(s.table(SharedObjectsName))
	r.Set("obj", encodeText([]byte(key)))
	r.Set("data", encodeText(data))
	return s.conn.Insert(ctx, r)
}

// GetSharedObject returns a shared-object entry or nil.
func (s *SQLStore) GetSharedObject(ctx context.Context, key string) ([]byte, error) {
	t := s.table(SharedObjectsName)
	return s.getOne(ctx, t, "data", rows.Eq(t, "obj", encodeText([]byte(key))))
}

// DeleteSharedObject removes a shared-object entry.
func (s *SQLStore) DeleteSharedObject(ctx context.Context, key string) error {
	t := s.table(SharedObjectsName)
	_, err := s.conn.Delete(ctx, t, rows.Eq(t, "obj", encodeText([]byte(key))))
	return err
}

// Usage sums the stored bytes of every store table.
func (s *SQLStore) Usage(ctx context.Context) (map[string]int64, error) {
	cols := map[string][]string{
		PrincipalsName:    {"uid", "pubkey", "locindex"},
		LocatorsName:      {"idx", "ct"},
		BagsName:          {"id", "ct"},
		SharesName:        {"idx", "share"},
		SharedObjectsName: {"obj", "data"},
	}
	out := make(map[string]int64, len(cols))
	for name, cs := range cols {
		var total int64
		for _, c := range cs {
			query := `SELECT COALESCE(SUM(LENGTH(` + rows.Quote(c) + `)), 0) FROM ` + rows.Quote(s.table(name))
			rs, err := s.conn.Querier().QueryContext(ctx, query)
			if err != nil {
				return nil, errors.Wrapf(err, "failed to measure %s", name)
			}
			var n int64
			if rs.Next() {
				if err := rs.Scan(&n); err != nil {
					rs.Close()
					return nil, errors.Wrapf(err, "failed to measure %s", name)
				}
			}
			rs.Close()
			total += n
		}
		out[name] = total
	}
	return out, nil
}

// Close is a no-op; the database belongs to the caller.
func (s *SQLStore) Close() error {
	return nil
}

func (s *SQLStore) getOne(ctx context.Context, table, col string, where sq.Sqlizer) ([]byte, error) {
	r, err := s.conn.SelectOne(ctx, table, where)
	if err != nil || r == nil {
		return nil, err
	}
	return decodeText(r.MustGet(col))
}

func bagKey(id uint64) rows.Value {
	return rows.Text(strconv.FormatUint(id, 10))
}

func boolValue(b bool) rows.Value {
	if b {
		return rows.Int(1)
	}
	return rows.Int(0)
}

func encodeText(b []byte) rows.Value {
	return rows.Text(base64.StdEncoding.EncodeToString(b))
}

func decodeText(v rows.Value) ([]byte, error) {
	if v.IsNull() {
		return nil, nil
	}
	b, err := base64.StdEncoding.DecodeString(v.String())
	if err != nil {
		return nil, errors.Wrap(err, "corrupt base64 column")
	}
	return b, nil
}
