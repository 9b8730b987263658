// Package edna implements the disguise engine: it applies reversible,
// privacy-preserving transformations to the rows of an application database
// on behalf of a principal, and reveals them again from the encrypted
// records kept by the Record Controller.
package edna

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"

	"github.com/edna-db/edna/edna/disguise"
	"github.com/edna-db/edna/edna/encryption"
	"github.com/edna-db/edna/edna/logger"
	"github.com/edna-db/edna/edna/records"
	"github.com/edna-db/edna/edna/rows"
)

var (
	// ErrUnknownPrincipal is returned when a disguise names a principal that
	// was never registered.
	ErrUnknownPrincipal = errors.New("unknown principal")

	// ErrPrincipalExists is returned when registering a known principal.
	ErrPrincipalExists = records.ErrPrincipalExists
)

// Edna is a disguising session. It owns the Record Controller and the
// schema; the application database is passed to every call so callers can
// scope apply and reveal to a transaction.
type Edna struct {
	config     *Config
	schema     *disguise.Schema
	dialect    rows.Dialect
	cache      *rows.SchemaCache
	controller *records.Controller
	logger     logger.Logger

	mu      sync.Mutex
	updates []recordUpdate

	applyLatency  *latency
	revealLatency *latency
	failedRows    int64
	minted        int64
}

type recordUpdate struct {
	registered int64
	fn         func([]rows.Row) []rows.Row
}

// New creates a session. db holds the record tables when the SQL record
// store is configured.
func New(config *Config, schema *disguise.Schema, db rows.Querier) (*Edna, error) {
	if config == nil {
		config = NewDefaultConfig()
	}
	if schema == nil || schema.Generator == nil {
		return nil, errors.New("schema with a pseudoprincipal generator is required")
	}
	dialect, err := config.Dialect()
	if err != nil {
		return nil, err
	}
	cache, err := rows.NewSchemaCache(config.SchemaCacheSize)
	if err != nil {
		return nil, err
	}

	var log logger.Logger
	if config.LogSilent {
		log = logger.NewSilentLogger()
	} else {
		log = logger.NewLogger(config.LogLevel)
	}

	var store records.Store
	switch config.Records.Store {
	case StoreBolt:
		store, err = records.NewBoltStore(config.Records.BoltPath)
		if err != nil {
			return nil, err
		}
	default:
		if db == nil {
			return nil, errors.New("the sql record store needs a database")
		}
		store = records.NewSQLStore(db, dialect, config.Records.TablePrefix)
	}

	shares, err := encryption.NewHandler(config.MasterKeyVar)
	if err != nil {
		store.Close()
		return nil, err
	}
	controller, err := records.NewController(context.Background(), records.ControllerConfig{
		Store:      store,
		Shares:     shares,
		Logger:     log,
		KDF:        config.KDF,
		PaddingMax: config.Records.PaddingMax,
	})
	if err != nil {
		store.Close()
		return nil, err
	}
	log.Debugf("Edna session started %s", config)

	return &Edna{
		config:        config,
		schema:        schema,
		dialect:       dialect,
		cache:         cache,
		controller:    controller,
		logger:        log,
		applyLatency:  newLatency(),
		revealLatency: newLatency(),
	}, nil
}

// Controller returns the session's Record Controller.
func (e *Edna) Controller() *records.Controller {
	return e.controller
}

// Logger returns the session logger.
func (e *Edna) Logger() logger.Logger {
	return e.logger
}

// Schema returns the session schema.
func (e *Edna) Schema() *disguise.Schema {
	return e.schema
}

// Close releases the record store.
func (e *Edna) Close() error {
	return e.controller.Close()
}

func (e *Edna) conn(q rows.Querier) *rows.Conn {
	return rows.NewConn(q, e.dialect, e.cache)
}

// RegisterPrincipal registers uid with a fresh keypair and returns the
// private key, which the caller must keep: it is the capability needed to
// reveal uid's disguises. In dry-run mode no keys are created and the
// returned key is nil.
func (e *Edna) RegisterPrincipal(ctx context.Context, uid string) ([]byte, error) {
	priv, err := e.controller.RegisterPrincipal(ctx, uid, false, e.config.Records.DryRun)
	if err != nil {
		return nil, err
	}
	e.logger.Debugf("Registered principal %s", uid)
	return priv, nil
}

// RegisterPrincipalSecretSharing registers uid with a keypair recoverable
// from its password or from the returned portable share.
func (e *Edna) RegisterPrincipalSecretSharing(ctx context.Context, uid, password string) (*records.PortableShare, error) {
	share, err := e.controller.RegisterPrincipalSecretSharing(ctx, uid, password)
	if err != nil {
		return nil, err
	}
	e.logger.Debugf("Registered principal %s with secret sharing", uid)
	return share, nil
}

// GetPrivKey recovers the capability of uid from its password or portable
// share. It returns nil if neither recovers the key.
func (e *Edna) GetPrivKey(ctx context.Context, uid, password string, portable *records.PortableShare) *records.Capability {
	return e.controller.GetPrivKey(ctx, uid, password, portable)
}

// GetPseudoprincipals returns every pseudoprincipal reachable with cap.
func (e *Edna) GetPseudoprincipals(ctx context.Context, cap records.Capability) ([]string, error) {
	return e.controller.Descendants(ctx, cap)
}

// RecordUpdate registers a migration applied to the rows of diff records
// created before now, so records written under an older schema can still be
// revealed. Columns introspected before the migration are discarded.
func (e *Edna) RecordUpdate(fn func([]rows.Row) []rows.Row) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.updates = append(e.updates, recordUpdate{registered: time.Now().UnixNano(), fn: fn})
	e.cache.Invalidate()
}

func (e *Edna) migrate(d *records.DiffRecord) {
	e.mu.Lock()
	updates := e.updates
	e.mu.Unlock()
	for _, u := range updates {
		if d.Created >= u.registered {
			continue
		}
		if len(d.Old) > 0 {
			d.Old = u.fn(d.Old)
		}
		if len(d.New) > 0 {
			d.New = u.fn(d.New)
		}
	}
}

// SpaceOverhead is the storage used by disguise records.
type SpaceOverhead struct {
	Tables map[string]int64
	Total  int64
}

func (s SpaceOverhead) String() string {
	names := make([]string, 0, len(s.Tables))
	for n := range s.Tables {
		names = append(names, n)
	}
	sort.Strings(names)
	str := "["
	for _, n := range names {
		str += n + ": " + humanize.IBytes(uint64(s.Tables[n])) + ", "
	}
	return str + "Total: " + humanize.IBytes(uint64(s.Total)) + "]"
}

// GetSpaceOverhead reports the bytes held by the record store.
func (e *Edna) GetSpaceOverhead(ctx context.Context) (SpaceOverhead, error) {
	usage, err := e.controller.Usage(ctx)
	if err != nil {
		return SpaceOverhead{}, err
	}
	out := SpaceOverhead{Tables: usage}
	for _, n := range usage {
		out.Total += n
	}
	return out, nil
}

// Stats returns latency and outcome statistics of the session.
func (e *Edna) Stats() Stats {
	return Stats{
		Apply:            e.applyLatency.snapshot(),
		Reveal:           e.revealLatency.snapshot(),
		FailedRows:       atomic.LoadInt64(&e.failedRows),
		Pseudoprincipals: atomic.LoadInt64(&e.minted),
	}
}
