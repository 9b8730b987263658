package rows

import (
	lru "github.com/hashicorp/golang-lru"
)

// DefaultSchemaCacheSize is the number of tables whose column lists are kept.
const DefaultSchemaCacheSize = 128

// SchemaCache caches table column lists.
type SchemaCache struct {
	cache *lru.Cache
}

// NewSchemaCache returns a cache holding up to size tables.
func NewSchemaCache(size int) (*SchemaCache, error) {
	if size <= 0 {
		size = DefaultSchemaCacheSize
	}
	c, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &SchemaCache{cache: c}, nil
}

// Invalidate drops every cached table, e.g. after a schema migration.
func (s *SchemaCache) Invalidate() {
	s.cache.Purge()
}

func (s *SchemaCache) get(table string) ([]string, bool) {
	v, ok := s.cache.Get(table)
	if !ok {
		return nil, false
	}
	return v.([]string), true
}

func (s *SchemaCache) add(table string, cols []string) {
	s.cache.Add(table, cols)
}
