// Package records holds the persisted bookkeeping of disguises: the diff
// records describing what changed, the speaks-for edges between principals
// and pseudoprincipals, and the Controller that encrypts them into per
// principal bags.
package records

import (
	"crypto/rand"
	"encoding/binary"
	"strconv"

	"github.com/pkg/errors"

	"github.com/edna-db/edna/edna/rows"
)

// DID identifies one application of a disguise.
type DID uint64

// NewDID returns a random, non-zero DID.
func NewDID() DID {
	for {
		if d := DID(randUint64()); d != 0 {
			return d
		}
	}
}

// ParseDID parses the decimal form of a DID.
func ParseDID(s string) (DID, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid disguise id %q", s)
	}
	return DID(v), nil
}

func (d DID) String() string {
	return strconv.FormatUint(uint64(d), 10)
}

// DiffType enumerates what a DiffRecord undoes.
type DiffType uint8

const (
	// DiffRemove records deleted rows.
	DiffRemove DiffType = iota + 1
	// DiffModify records rewritten column values.
	DiffModify
	// DiffDecorrelate records ownership moved to a pseudoprincipal.
	DiffDecorrelate
	// DiffNewPseudoprincipal records a minted pseudoprincipal.
	DiffNewPseudoprincipal
	// DiffRemovePrincipal records removed principal metadata.
	DiffRemovePrincipal
)

func (t DiffType) String() string {
	switch t {
	case DiffRemove:
		return "remove"
	case DiffModify:
		return "modify"
	case DiffDecorrelate:
		return "decorrelate"
	case DiffNewPseudoprincipal:
		return "new-pseudoprincipal"
	case DiffRemovePrincipal:
		return "remove-principal"
	default:
		return "diff(" + strconv.Itoa(int(t)) + ")"
	}
}

// DiffRecord is the unit of what changed. Old and New hold the rows before
// and after the change; either may be empty.
type DiffRecord struct {
	DID     DID        `codec:"did"`
	UID     string     `codec:"uid"`
	Type    DiffType   `codec:"type"`
	Created int64      `codec:"created"`
	Old     []rows.Row `codec:"old,omitempty"`
	New     []rows.Row `codec:"new,omitempty"`

	// DiffRemovePrincipal.
	PubKey   []byte `codec:"pubkey,omitempty"`
	LocIndex string `codec:"locindex,omitempty"`
	IsAnon   bool   `codec:"anon,omitempty"`

	// DiffNewPseudoprincipal.
	OldUID string `codec:"olduid,omitempty"`
	NewUID string `codec:"newuid,omitempty"`
}

// SpeaksForRecord is the edge OldUID -> NewUID created when NewUID was minted
// to stand in for OldUID.
type SpeaksForRecord struct {
	DID    DID    `codec:"did"`
	OldUID string `codec:"old"`
	NewUID string `codec:"new"`
}

// PrivkeyRecord lets OldUID act as NewUID.
type PrivkeyRecord struct {
	DID     DID    `codec:"did"`
	OldUID  string `codec:"old"`
	NewUID  string `codec:"new"`
	PrivKey []byte `codec:"key,omitempty"`
}

// Bag is the persisted, encrypted state of one principal for one disguise.
type Bag struct {
	Diffs []DiffRecord             `codec:"diffs"`
	Owns  []SpeaksForRecord        `codec:"owns"`
	PKs   map[string]PrivkeyRecord `codec:"pks"`
	Pad   []byte                   `codec:"pad"`
}

func newBag() *Bag {
	return &Bag{PKs: make(map[string]PrivkeyRecord)}
}

// Empty reports whether the bag carries no records.
func (b *Bag) Empty() bool {
	return len(b.Diffs) == 0 && len(b.Owns) == 0 && len(b.PKs) == 0
}

// Locator addresses a bag. It is stored encrypted under the owner's public
// key at the owner's locator index.
type Locator struct {
	ID     uint64 `codec:"id"`
	UID    string `codec:"uid"`
	DID    DID    `codec:"did"`
	PubKey []byte `codec:"pubkey,omitempty"`
}

// PrincipalData is the live metadata of a principal. PubKey is nil for
// principals registered without keys.
type PrincipalData struct {
	PubKey   []byte
	IsAnon   bool
	LocIndex string
	// Forget marks a principal removed by a disguise. Its metadata is erased
	// once no bag references it.
	Forget bool
}

func (p *PrincipalData) clone() *PrincipalData {
	c := *p
	return &c
}

// Capability grants access to a principal's bags.
type Capability struct {
	UID     string
	PrivKey []byte
}

// Records is the result of reading bags.
type Records struct {
	Diffs []DiffRecord
	Owns  []SpeaksForRecord
	PKs   []PrivkeyRecord
	// Edges holds every speaks-for edge seen while reading, regardless of
	// disguise, so callers can resolve ancestors.
	Edges []SpeaksForRecord
}

// SharedOwner is one owner column of a shared object. PP is minted when the
// first co-owner removes the object and replaces UID once UID removes it too.
// UID is empty when the column already held a pseudoprincipal.
type SharedOwner struct {
	UID     string `codec:"uid"`
	PP      string `codec:"pp"`
	Removed bool   `codec:"removed"`
}

// SharedObject tracks a row with several owners that some, but not all, of
// its owners removed. Owners is keyed by owner column.
type SharedObject struct {
	Table  string                 `codec:"table"`
	Owners map[string]SharedOwner `codec:"owners"`
}

// NewSharedObject returns an empty entry for table.
func NewSharedObject(table string) *SharedObject {
	return &SharedObject{Table: table, Owners: make(map[string]SharedOwner)}
}

// Removers returns the number of owner columns already removed.
func (o *SharedObject) Removers() int {
	n := 0
	for _, so := range o.Owners {
		if so.Removed {
			n++
		}
	}
	return n
}

// Pending returns the pseudoprincipals minted for owners that have not
// removed the object.
func (o *SharedObject) Pending() []string {
	var out []string
	for _, so := range o.Owners {
		if !so.Removed && so.PP != "" {
			out = append(out, so.PP)
		}
	}
	return out
}

func randUint64() uint64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(err)
	}
	return binary.LittleEndian.Uint64(b[:])
}

func randBytes(n int) []byte {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return b
}
