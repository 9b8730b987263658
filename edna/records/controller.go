package records

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"math/big"
	"sync"
	"time"

	"github.com/Workiva/go-datastructures/queue"
	"github.com/pkg/errors"

	"github.com/edna-db/edna/edna/encryption"
	"github.com/edna-db/edna/edna/logger"
	"github.com/edna-db/edna/edna/sharing"
)

// DefaultPaddingMax bounds the random padding added to every bag.
const DefaultPaddingMax = 256

var (
	// ErrNotRegistered is returned when records are staged for a principal
	// the Controller does not know.
	ErrNotRegistered = errors.New("principal not registered")

	// ErrPrincipalExists is returned when registering a known principal.
	ErrPrincipalExists = errors.New("principal already registered")
)

// ControllerConfig configures a Controller.
type ControllerConfig struct {
	Store Store
	// Shares seals server-retained key shares at rest.
	Shares     encryption.Handler
	Logger     logger.Logger
	KDF        sharing.KDFParams
	PaddingMax int
}

// Controller manages principal identities, encrypted bags and the locators
// addressing them. It is safe for concurrent use; persisting a disguise
// serializes on a single lock.
type Controller struct {
	mu           sync.Mutex
	store        Store
	shares       encryption.Handler
	log          logger.Logger
	kdf          sharing.KDFParams
	paddingMax   int
	principals   map[string]*PrincipalData
	recorrelated map[string]string
}

// NewController initializes the store and loads principal metadata.
func NewController(ctx context.Context, config ControllerConfig) (*Controller, error) {
	if config.Store == nil {
		return nil, errors.New("no record store configured")
	}
	if config.Shares == nil {
		config.Shares, _ = encryption.NewHandler("")
	}
	if config.Logger == nil {
		config.Logger = logger.NewSilentLogger()
	}
	if config.KDF.Time == 0 {
		config.KDF = sharing.DefaultKDFParams
	}
	if config.PaddingMax < 0 {
		config.PaddingMax = 0
	}
	if err := config.Store.Init(ctx); err != nil {
		return nil, err
	}
	principals, err := config.Store.Principals(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load principals")
	}
	return &Controller{
		store:        config.Store,
		shares:       config.Shares,
		log:          config.Logger,
		kdf:          config.KDF,
		paddingMax:   config.PaddingMax,
		principals:   principals,
		recorrelated: make(map[string]string),
	}, nil
}

// Store returns the underlying store.
func (c *Controller) Store() Store {
	return c.store
}

// RegisterPrincipal registers uid with a fresh keypair and returns the
// private key. A dry-run principal has no keys; its bags are stored in
// plaintext and the returned key is nil.
func (c *Controller) RegisterPrincipal(ctx context.Context, uid string, isAnon, dryRun bool) ([]byte, error) {
	var pub, priv []byte
	if !dryRun {
		var err error
		if pub, priv, err = encryption.GenerateKeyPair(); err != nil {
			return nil, err
		}
	}
	if err := c.register(ctx, uid, pub, isAnon); err != nil {
		return nil, err
	}
	return priv, nil
}

// PortableShare is the share handed to a principal registered with secret
// sharing. Together with the server-retained share it recovers the
// principal's private key without the password.
type PortableShare struct {
	UID   string        `codec:"uid"`
	Index string        `codec:"idx"`
	Point sharing.Point `codec:"pt"`
}

// String serializes the share as a single token.
func (p *PortableShare) String() string {
	data, err := encode(p)
	if err != nil {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString(data)
}

// ParsePortableShare parses a token produced by PortableShare.String.
func ParsePortableShare(token string) (*PortableShare, error) {
	data, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, errors.Wrap(err, "invalid portable share")
	}
	p := new(PortableShare)
	if err := decode(data, p); err != nil {
		return nil, err
	}
	return p, nil
}

type serverShare struct {
	Point sharing.Point `codec:"pt"`
	Salt  []byte        `codec:"salt"`
}

// RegisterPrincipalSecretSharing registers uid with a fresh keypair whose
// private key is split between password, server and the returned portable
// share. The private key itself is never stored.
func (c *Controller) RegisterPrincipalSecretSharing(ctx context.Context, uid, password string) (*PortableShare, error) {
	secret, err := sharing.NewSecret()
	if err != nil {
		return nil, err
	}
	pub, err := encryption.PublicKey(secret)
	if err != nil {
		return nil, err
	}
	split, err := sharing.SplitSecret(secret, password, c.kdf)
	if err != nil {
		return nil, err
	}
	data, err := encode(serverShare{Point: split.Server, Salt: split.Salt})
	if err != nil {
		return nil, err
	}
	sealed, err := c.shares.Seal(data)
	if err != nil {
		return nil, err
	}
	if err := c.register(ctx, uid, pub, false); err != nil {
		return nil, err
	}
	index := shareIndex(uid, password)
	if err := c.store.PutShare(ctx, index, sealed); err != nil {
		return nil, errors.Wrapf(err, "failed to store share of %s", uid)
	}
	return &PortableShare{UID: uid, Index: index, Point: split.Portable}, nil
}

// GetPrivKey recovers the capability of uid from any two of the password
// point, the server share and the portable share. It returns nil when fewer
// than two points are available or the recovered key does not match the
// registered public key.
func (c *Controller) GetPrivKey(ctx context.Context, uid, password string, portable *PortableShare) *Capability {
	c.mu.Lock()
	p, ok := c.principals[uid]
	c.mu.Unlock()
	if !ok || p.PubKey == nil {
		return nil
	}

	if portable != nil && portable.UID != uid {
		portable = nil
	}
	var (
		points []sharing.Point
		server *serverShare
	)
	// The password point is only derived when the password finds its server
	// share; otherwise the portable share locates it.
	if password != "" {
		if server = c.serverShare(ctx, shareIndex(uid, password)); server != nil {
			if pt, err := sharing.PasswordPoint(password, server.Salt, c.kdf); err == nil {
				points = append(points, pt)
			}
		}
	}
	if server == nil && portable != nil {
		server = c.serverShare(ctx, portable.Index)
	}
	if server != nil {
		points = append(points, server.Point)
	}
	if portable != nil {
		points = append(points, portable.Point)
	}
	if len(points) < 2 {
		return nil
	}
	secret, err := sharing.Recover(points...)
	if err != nil {
		c.log.Debugf("Failed to recover key of %s: %v", uid, err)
		return nil
	}
	pub, err := encryption.PublicKey(secret)
	if err != nil || !bytes.Equal(pub, p.PubKey) {
		return nil
	}
	return &Capability{UID: uid, PrivKey: secret}
}

func (c *Controller) serverShare(ctx context.Context, index string) *serverShare {
	sealed, err := c.store.GetShare(ctx, index)
	if err != nil || sealed == nil {
		return nil
	}
	data, err := c.shares.Read(sealed)
	if err != nil {
		c.log.Warnf("Failed to unseal share: %v", err)
		return nil
	}
	s := new(serverShare)
	if err := decode(data, s); err != nil {
		return nil
	}
	return s
}

func (c *Controller) register(ctx context.Context, uid string, pub []byte, isAnon bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.principals[uid]; ok {
		return errors.Wrap(ErrPrincipalExists, uid)
	}
	p := &PrincipalData{
		PubKey:   pub,
		IsAnon:   isAnon,
		LocIndex: hex.EncodeToString(encryption.Hash(randBytes(32))),
	}
	if err := c.store.PutPrincipal(ctx, uid, p); err != nil {
		return errors.Wrapf(err, "failed to register %s", uid)
	}
	c.principals[uid] = p
	return nil
}

// Principal returns a copy of the metadata of uid.
func (c *Controller) Principal(uid string) (*PrincipalData, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.principals[uid]
	if !ok {
		return nil, false
	}
	return p.clone(), true
}

// IsPseudoprincipal reports whether uid is a registered pseudoprincipal.
func (c *Controller) IsPseudoprincipal(uid string) bool {
	p, ok := c.Principal(uid)
	return ok && p.IsAnon
}

// Restore re-registers the metadata of a removed principal, or clears its
// Forget mark if the metadata is still present.
func (c *Controller) Restore(ctx context.Context, uid string, p PrincipalData) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur, ok := c.principals[uid]
	if ok {
		cur = cur.clone()
		cur.Forget = false
	} else {
		cur = &p
		cur.Forget = false
	}
	if err := c.store.PutPrincipal(ctx, uid, cur); err != nil {
		return errors.Wrapf(err, "failed to restore %s", uid)
	}
	c.principals[uid] = cur
	return nil
}

// Forget marks uid as removed. Its metadata is erased once no locators
// remain.
func (c *Controller) Forget(ctx context.Context, uid string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.forgetLocked(ctx, uid)
}

func (c *Controller) forgetLocked(ctx context.Context, uid string) error {
	p, ok := c.principals[uid]
	if !ok || p.Forget {
		return nil
	}
	p = p.clone()
	p.Forget = true
	if err := c.store.PutPrincipal(ctx, uid, p); err != nil {
		return errors.Wrapf(err, "failed to forget %s", uid)
	}
	c.principals[uid] = p
	return nil
}

// Recorrelate records that newUID was merged back into oldUID.
func (c *Controller) Recorrelate(newUID, oldUID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if newUID != oldUID {
		c.recorrelated[newUID] = oldUID
	}
}

// Recorrelated returns the principal uid was merged back into, if any.
func (c *Controller) Recorrelated(uid string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	old, ok := c.recorrelated[uid]
	return old, ok
}

// Ancestor follows recorrelations from uid and returns the last principal
// reached.
func (c *Controller) Ancestor(uid string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	seen := map[string]bool{uid: true}
	for {
		next, ok := c.recorrelated[uid]
		if !ok || seen[next] {
			return uid
		}
		seen[next] = true
		uid = next
	}
}

// Staging accumulates the records of one disguise until they are persisted
// by SaveAndClearDisguise.
type Staging struct {
	DID     DID
	UID     string
	created int64
	bags    map[string]*Bag
	forget  map[string]bool
	order   []string
}

// StartDisguise begins staging a disguise applied on behalf of uid, or
// system-wide when uid is empty.
func (c *Controller) StartDisguise(uid string) *Staging {
	return &Staging{
		DID:     NewDID(),
		UID:     uid,
		created: time.Now().UnixNano(),
		bags:    make(map[string]*Bag),
		forget:  make(map[string]bool),
	}
}

func (s *Staging) bag(uid string) *Bag {
	b, ok := s.bags[uid]
	if !ok {
		b = newBag()
		s.bags[uid] = b
		s.order = append(s.order, uid)
	}
	return b
}

// StageDiff stages d in the bag of uid.
func (s *Staging) StageDiff(uid string, d DiffRecord) {
	d.DID = s.DID
	d.UID = uid
	d.Created = s.created
	b := s.bag(uid)
	b.Diffs = append(b.Diffs, d)
}

// StageSpeaksFor stages the edge oldUID -> newUID in the bag of oldUID.
func (s *Staging) StageSpeaksFor(oldUID, newUID string) {
	b := s.bag(oldUID)
	b.Owns = append(b.Owns, SpeaksForRecord{DID: s.DID, OldUID: oldUID, NewUID: newUID})
}

// StagePrivkey gives oldUID the private key of newUID.
func (s *Staging) StagePrivkey(oldUID, newUID string, priv []byte) {
	b := s.bag(oldUID)
	b.PKs[newUID] = PrivkeyRecord{DID: s.DID, OldUID: oldUID, NewUID: newUID, PrivKey: priv}
}

// MarkForget marks uid to be forgotten once the disguise is persisted.
func (s *Staging) MarkForget(uid string) {
	s.forget[uid] = true
}

// SaveAndClearDisguise encrypts every staged bag under its principal's
// public key, stores it at a fresh locator and adds the encrypted locator
// at the principal's locator index. Principals marked to be forgotten are
// then flagged.
func (c *Controller) SaveAndClearDisguise(ctx context.Context, s *Staging) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, uid := range s.order {
		b := s.bags[uid]
		if b.Empty() {
			continue
		}
		p, ok := c.principals[uid]
		if !ok {
			return errors.Wrapf(ErrNotRegistered, "cannot save records of %s", uid)
		}
		if err := c.saveBag(ctx, uid, p, s.DID, b); err != nil {
			return err
		}
		c.log.Debugf("Saved %d diffs, %d edges, %d keys for %s in disguise %s",
			len(b.Diffs), len(b.Owns), len(b.PKs), uid, s.DID)
	}
	for uid := range s.forget {
		if err := c.forgetLocked(ctx, uid); err != nil {
			return err
		}
	}
	s.bags = make(map[string]*Bag)
	s.forget = make(map[string]bool)
	s.order = nil
	return nil
}

func (c *Controller) saveBag(ctx context.Context, uid string, p *PrincipalData, did DID, b *Bag) error {
	b.Pad = randBytes(c.padding())
	data, err := encode(b)
	if err != nil {
		return err
	}
	ct, err := seal(p.PubKey, data)
	if err != nil {
		return err
	}
	loc := Locator{ID: randUint64(), UID: uid, DID: did, PubKey: p.PubKey}
	if err := c.store.PutBag(ctx, loc.ID, ct); err != nil {
		return errors.Wrapf(err, "failed to store bag of %s", uid)
	}
	data, err = encode(loc)
	if err != nil {
		return err
	}
	lct, err := seal(p.PubKey, data)
	if err != nil {
		return err
	}
	if err := c.store.AddLocator(ctx, p.LocIndex, lct); err != nil {
		return errors.Wrapf(err, "failed to store locator of %s", uid)
	}
	return nil
}

func (c *Controller) padding() int {
	if c.paddingMax <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(c.paddingMax)+1))
	if err != nil {
		return 0
	}
	return int(n.Int64())
}

type locatorEntry struct {
	Locator
	ct []byte
}

type bagEntry struct {
	loc locatorEntry
	bag *Bag
}

type node struct {
	cap  Capability
	bags []bagEntry
}

// Locators returns the locators readable with cap. Unknown principals and
// ciphertexts that fail to open yield no locators.
func (c *Controller) Locators(ctx context.Context, cap Capability) ([]Locator, error) {
	entries, err := c.locators(ctx, cap)
	if err != nil {
		return nil, err
	}
	out := make([]Locator, len(entries))
	for i, e := range entries {
		out[i] = e.Locator
	}
	return out, nil
}

func (c *Controller) locators(ctx context.Context, cap Capability) ([]locatorEntry, error) {
	p, ok := c.Principal(cap.UID)
	if !ok {
		return nil, nil
	}
	cts, err := c.store.Locators(ctx, p.LocIndex)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read locators of %s", cap.UID)
	}
	out := make([]locatorEntry, 0, len(cts))
	for _, ct := range cts {
		data, ok := open(p.PubKey, cap.PrivKey, ct)
		if !ok {
			continue
		}
		var loc Locator
		if err := decode(data, &loc); err != nil {
			c.log.Warnf("Skipping corrupt locator of %s: %v", cap.UID, err)
			continue
		}
		out = append(out, locatorEntry{Locator: loc, ct: ct})
	}
	return out, nil
}

func (c *Controller) readBag(ctx context.Context, cap Capability, loc Locator) (*Bag, error) {
	ct, err := c.store.GetBag(ctx, loc.ID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read bag of %s", cap.UID)
	}
	if ct == nil {
		return nil, nil
	}
	data, ok := open(loc.PubKey, cap.PrivKey, ct)
	if !ok {
		return nil, nil
	}
	b := newBag()
	if err := decode(data, b); err != nil {
		return nil, err
	}
	if b.PKs == nil {
		b.PKs = make(map[string]PrivkeyRecord)
	}
	return b, nil
}

// walk visits the principals reachable from the starting nodes through
// privkey records, breadth first, and returns them in visiting order.
// Starting nodes with no bags are expanded from their locators.
func (c *Controller) walk(ctx context.Context, start []node) ([]node, error) {
	work := queue.New(int64(len(start)))
	defer work.Dispose()
	for i := range start {
		n := start[i]
		if err := work.Put(&n); err != nil {
			return nil, err
		}
	}
	visited := make(map[string]bool)
	var out []node
	for !work.Empty() {
		items, err := work.Get(1)
		if err != nil {
			return nil, err
		}
		n := items[0].(*node)
		if visited[n.cap.UID] {
			continue
		}
		visited[n.cap.UID] = true
		if n.bags == nil {
			locs, err := c.locators(ctx, n.cap)
			if err != nil {
				return nil, err
			}
			for _, loc := range locs {
				b, err := c.readBag(ctx, n.cap, loc.Locator)
				if err != nil {
					return nil, err
				}
				if b != nil {
					n.bags = append(n.bags, bagEntry{loc: loc, bag: b})
				}
			}
		}
		out = append(out, *n)
		for _, be := range n.bags {
			for _, pk := range be.bag.PKs {
				if visited[pk.NewUID] {
					continue
				}
				next := &node{cap: Capability{UID: pk.NewUID, PrivKey: pk.PrivKey}}
				if err := work.Put(next); err != nil {
					return nil, err
				}
			}
		}
	}
	return out, nil
}

func collect(nodes []node, did DID, all bool) *Records {
	out := new(Records)
	for _, n := range nodes {
		for _, be := range n.bags {
			for _, d := range be.bag.Diffs {
				if all || d.DID == did {
					out.Diffs = append(out.Diffs, d)
				}
			}
			for _, o := range be.bag.Owns {
				if all || o.DID == did {
					out.Owns = append(out.Owns, o)
				}
				out.Edges = append(out.Edges, o)
			}
			for _, pk := range be.bag.PKs {
				out.PKs = append(out.PKs, pk)
			}
		}
	}
	return out
}

// GetUserRecords reads the bag at loc with cap and every bag reachable from
// it through privkey records.
func (c *Controller) GetUserRecords(ctx context.Context, cap Capability, loc Locator) (*Records, error) {
	b, err := c.readBag(ctx, cap, loc)
	if err != nil || b == nil {
		return new(Records), err
	}
	start := node{cap: cap, bags: []bagEntry{{loc: locatorEntry{Locator: loc}, bag: b}}}
	nodes, err := c.walk(ctx, []node{start})
	if err != nil {
		return nil, err
	}
	return collect(nodes, 0, true), nil
}

// RecordsForDisguise returns the records of did readable with cap,
// including those of every pseudoprincipal reachable from it. Edges holds
// every speaks-for edge seen, whatever its disguise.
func (c *Controller) RecordsForDisguise(ctx context.Context, cap Capability, did DID) (*Records, error) {
	nodes, err := c.walk(ctx, []node{{cap: cap}})
	if err != nil {
		return nil, err
	}
	return collect(nodes, did, false), nil
}

// DryRunRecordsForDisguise returns the records of did stored by principals
// registered without keys.
func (c *Controller) DryRunRecordsForDisguise(ctx context.Context, did DID) (*Records, error) {
	nodes, err := c.walk(ctx, c.dryRunNodes())
	if err != nil {
		return nil, err
	}
	return collect(nodes, did, false), nil
}

func (c *Controller) dryRunNodes() []node {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []node
	for uid, p := range c.principals {
		if p.PubKey == nil && !p.IsAnon {
			out = append(out, node{cap: Capability{UID: uid}})
		}
	}
	return out
}

// Descendants returns the pseudoprincipals reachable from cap.
func (c *Controller) Descendants(ctx context.Context, cap Capability) ([]string, error) {
	nodes, err := c.walk(ctx, []node{{cap: cap}})
	if err != nil {
		return nil, err
	}
	var out []string
	for _, n := range nodes[1:] {
		out = append(out, n.cap.UID)
	}
	return out, nil
}

// CleanupDisguise strips the records of did from every bag reachable with
// cap, or from the dry-run principals' bags when cap is nil.
func (c *Controller) CleanupDisguise(ctx context.Context, did DID, cap *Capability) error {
	var start []node
	if cap == nil {
		start = c.dryRunNodes()
	} else {
		start = []node{{cap: *cap}}
	}
	nodes, err := c.walk(ctx, start)
	if err != nil {
		return err
	}
	return c.cleanup(ctx, did, nodes)
}

// CleanupUserRecords strips the records of did from the bag at loc and the
// bags reachable from it. It reports which record kinds remain empty in the
// bag at loc.
func (c *Controller) CleanupUserRecords(ctx context.Context, did DID, cap Capability, loc Locator) (diffsEmpty, ownsEmpty, pksEmpty bool, err error) {
	b, err := c.readBag(ctx, cap, loc)
	if err != nil || b == nil {
		return true, true, true, err
	}
	var entry locatorEntry
	locs, err := c.locators(ctx, cap)
	if err != nil {
		return false, false, false, err
	}
	for _, l := range locs {
		if l.ID == loc.ID {
			entry = l
		}
	}
	if entry.ct == nil {
		entry = locatorEntry{Locator: loc}
	}
	start := node{cap: cap, bags: []bagEntry{{loc: entry, bag: b}}}
	nodes, err := c.walk(ctx, []node{start})
	if err != nil {
		return false, false, false, err
	}
	if err := c.cleanup(ctx, did, nodes); err != nil {
		return false, false, false, err
	}
	return len(b.Diffs) == 0, len(b.Owns) == 0, len(b.PKs) == 0, nil
}

// cleanup processes nodes in reverse visiting order so that descendants are
// handled before the bags holding their keys.
func (c *Controller) cleanup(ctx context.Context, did DID, nodes []node) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(nodes) - 1; i >= 0; i-- {
		n := nodes[i]
		for _, be := range n.bags {
			b := be.bag
			b.Diffs = filterDiffs(b.Diffs, did)
			for pp := range b.PKs {
				gone, err := c.eraseIfUnreferenced(ctx, pp, true)
				if err != nil {
					return err
				}
				if gone {
					delete(b.PKs, pp)
				}
			}
			// Edges to live pseudoprincipals are kept so later reveals can
			// still resolve their ancestors.
			b.Owns = c.filterOwns(b.Owns, did)
			if err := c.persistBag(ctx, be); err != nil {
				return err
			}
		}
		if _, err := c.eraseIfUnreferenced(ctx, n.cap.UID, false); err != nil {
			return err
		}
	}
	return nil
}

// eraseIfUnreferenced erases the metadata of a forgotten principal with no
// locators left. Pseudoprincipals are only erased together with the privkey
// record pointing at them.
func (c *Controller) eraseIfUnreferenced(ctx context.Context, uid string, fromKey bool) (bool, error) {
	p, ok := c.principals[uid]
	if !ok {
		return fromKey, nil
	}
	if !p.Forget || p.IsAnon != fromKey {
		return false, nil
	}
	locs, err := c.store.Locators(ctx, p.LocIndex)
	if err != nil {
		return false, errors.Wrapf(err, "failed to read locators of %s", uid)
	}
	if len(locs) > 0 {
		return false, nil
	}
	if err := c.store.DeletePrincipal(ctx, uid); err != nil {
		return false, errors.Wrapf(err, "failed to erase %s", uid)
	}
	if err := c.store.DeleteLocators(ctx, p.LocIndex); err != nil {
		return false, err
	}
	delete(c.principals, uid)
	c.log.Debugf("Erased metadata of %s", uid)
	return true, nil
}

func (c *Controller) persistBag(ctx context.Context, be bagEntry) error {
	loc := be.loc
	if be.bag.Empty() {
		if err := c.store.DeleteBag(ctx, loc.ID); err != nil {
			return errors.Wrap(err, "failed to delete bag")
		}
		if loc.ct == nil {
			return nil
		}
		p, ok := c.principals[loc.UID]
		if !ok {
			return nil
		}
		return c.store.DeleteLocator(ctx, p.LocIndex, loc.ct)
	}
	data, err := encode(be.bag)
	if err != nil {
		return err
	}
	ct, err := seal(loc.PubKey, data)
	if err != nil {
		return err
	}
	return c.store.PutBag(ctx, loc.ID, ct)
}

func filterDiffs(ds []DiffRecord, did DID) []DiffRecord {
	out := ds[:0]
	for _, d := range ds {
		if d.DID != did {
			out = append(out, d)
		}
	}
	return out
}

func (c *Controller) filterOwns(os []SpeaksForRecord, did DID) []SpeaksForRecord {
	out := os[:0]
	for _, o := range os {
		_, live := c.principals[o.NewUID]
		if o.DID != did || live {
			out = append(out, o)
		}
	}
	return out
}

// GetSharedObject returns the removal entry of a shared object, or nil.
func (c *Controller) GetSharedObject(ctx context.Context, key string) (*SharedObject, error) {
	data, err := c.store.GetSharedObject(ctx, key)
	if err != nil || data == nil {
		return nil, err
	}
	obj := new(SharedObject)
	if err := decode(data, obj); err != nil {
		return nil, err
	}
	if obj.Owners == nil {
		obj.Owners = make(map[string]SharedOwner)
	}
	return obj, nil
}

// PutSharedObject stores the removal entry of a shared object.
func (c *Controller) PutSharedObject(ctx context.Context, key string, obj *SharedObject) error {
	data, err := encode(obj)
	if err != nil {
		return err
	}
	return c.store.PutSharedObject(ctx, key, data)
}

// DeleteSharedObject removes the removal entry of a shared object.
func (c *Controller) DeleteSharedObject(ctx context.Context, key string) error {
	return c.store.DeleteSharedObject(ctx, key)
}

// Usage reports the bytes held by the store.
func (c *Controller) Usage(ctx context.Context) (map[string]int64, error) {
	return c.store.Usage(ctx)
}

// Close closes the store.
func (c *Controller) Close() error {
	return c.store.Close()
}

func shareIndex(uid, password string) string {
	return hex.EncodeToString(encryption.Hash([]byte(uid), []byte(password)))
}

func seal(pub, data []byte) ([]byte, error) {
	if pub == nil {
		return data, nil
	}
	return encryption.Seal(pub, data)
}

func open(pub, priv, ct []byte) ([]byte, bool) {
	if pub == nil {
		return ct, true
	}
	return encryption.Open(pub, priv, ct)
}
