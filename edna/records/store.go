package records

import (
	"context"
)

// Store persists the Controller's state: principal metadata, encrypted
// locator sets, encrypted bags, sealed key shares and the shared-object
// removal map. Implementations return nil data, not an error, for missing
// keys.
type Store interface {
	Init(ctx context.Context) error

	Principals(ctx context.Context) (map[string]*PrincipalData, error)
	PutPrincipal(ctx context.Context, uid string, p *PrincipalData) error
	DeletePrincipal(ctx context.Context, uid string) error

	AddLocator(ctx context.Context, index string, ciphertext []byte) error
	Locators(ctx context.Context, index string) ([][]byte, error)
	DeleteLocator(ctx context.Context, index string, ciphertext []byte) error
	DeleteLocators(ctx context.Context, index string) error

	PutBag(ctx context.Context, id uint64, ciphertext []byte) error
	GetBag(ctx context.Context, id uint64) ([]byte, error)
	DeleteBag(ctx context.Context, id uint64) error

	PutShare(ctx context.Context, index string, share []byte) error
	GetShare(ctx context.Context, index string) ([]byte, error)

	PutSharedObject(ctx context.Context, key string, data []byte) error
	GetSharedObject(ctx context.Context, key string) ([]byte, error)
	DeleteSharedObject(ctx context.Context, key string) error

	// Usage returns the bytes held per kind of state.
	Usage(ctx context.Context) (map[string]int64, error)
	Close() error
}

// Names of the kinds of persisted state, used as table suffixes, bucket
// names and Usage keys.
const (
	PrincipalsName    = "principals"
	LocatorsName      = "locators"
	BagsName          = "bags"
	SharesName        = "shares"
	SharedObjectsName = "shared_objects"
)
