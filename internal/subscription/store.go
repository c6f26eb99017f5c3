package subscription

import (
	"errors"
	"fmt"
	"maps"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/vyrodovalexey/enforcer/internal/observability"
)

// Store errors.
var (
	ErrUnknownKind  = errors.New("unknown entity kind")
	ErrTypeMismatch = errors.New("entity does not match kind")
	ErrUnknownOp    = errors.New("unknown delta operation")
)

// Op is the operation carried by a Delta.
type Op int

// Delta operations.
const (
	OpUpsert Op = iota
	OpRemove
)

// String returns the operation name.
func (o Op) String() string {
	switch o {
	case OpUpsert:
		return "upsert"
	case OpRemove:
		return "remove"
	default:
		return fmt.Sprintf("op(%d)", int(o))
	}
}

// Snapshot is the complete content of one kind.
type Snapshot struct {
	Kind  Kind
	Items []Entity
}

// Delta is a change to a single entity.
type Delta struct {
	Kind Kind
	Op   Op
	Item Entity
}

// Store is the read and write surface of the subscription data.
// Lookups never fail; a missing entry is reported by the boolean.
type Store interface {
	GetAPIByContextAndVersion(context, version string) (*API, bool)
	GetDefaultAPIByContext(context string) (*API, bool)
	GetApplicationByID(id int32) (*Application, bool)
	GetKeyMapping(consumerKey, keyManager string) (*KeyMapping, bool)
	GetSubscriptionByID(appID, apiID int32) (*Subscription, bool)
	GetApplicationPolicyByName(name, tenant string) (*Policy, bool)
	GetSubscriptionPolicyByName(name, tenant string) (*Policy, bool)
	GetAPIPolicyByName(name, tenant string) (*Policy, bool)

	// ReplaceAll swaps the whole collection of the snapshot's kind.
	ReplaceAll(s Snapshot) error
	// ApplyDelta applies one change and reports whether the store changed.
	ApplyDelta(d Delta) (bool, error)

	Counts() map[Kind]int
}

// table is one copy-on-write collection. Readers load the current map
// without locking; writers serialize on mu and publish a new map.
type table[T Entity] struct {
	mu sync.Mutex
	m  atomic.Pointer[map[string]T]
}

func newTable[T Entity]() *table[T] {
	t := &table[T]{}
	empty := make(map[string]T)
	t.m.Store(&empty)
	return t
}

func (t *table[T]) get(key string) (T, bool) {
	v, ok := (*t.m.Load())[key]
	return v, ok
}

// view returns the current generation. It must not be modified.
func (t *table[T]) view() map[string]T {
	return *t.m.Load()
}

func (t *table[T]) len() int {
	return len(*t.m.Load())
}

func (t *table[T]) replace(next map[string]T) {
	t.mu.Lock()
	t.m.Store(&next)
	t.mu.Unlock()
}

// upsert stores v under key unless accept rejects it against the current
// entry. The comparison and the write happen under the same lock.
func (t *table[T]) upsert(key string, v T, accept func(cur, next T) bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur := *t.m.Load()
	if old, ok := cur[key]; ok && accept != nil && !accept(old, v) {
		return false
	}
	next := maps.Clone(cur)
	next[key] = v
	t.m.Store(&next)
	return true
}

func (t *table[T]) remove(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur := *t.m.Load()
	if _, ok := cur[key]; !ok {
		return false
	}
	next := maps.Clone(cur)
	delete(next, key)
	t.m.Store(&next)
	return true
}

// DataStore is the in-memory Store.
type DataStore struct {
	apis          *table[*API]
	applications  *table[*Application]
	keyMappings   *table[*KeyMapping]
	subscriptions *table[*Subscription]
	policies      map[Kind]*table[*Policy]

	logger  observability.Logger
	metrics *observability.Metrics
}

// StoreOption configures a DataStore.
type StoreOption func(*DataStore)

// WithStoreLogger sets the logger.
func WithStoreLogger(logger observability.Logger) StoreOption {
	return func(d *DataStore) {
		d.logger = logger
	}
}

// WithStoreMetrics publishes entry counts per kind.
func WithStoreMetrics(metrics *observability.Metrics) StoreOption {
	return func(d *DataStore) {
		d.metrics = metrics
	}
}

// NewDataStore creates an empty store.
func NewDataStore(opts ...StoreOption) *DataStore {
	d := &DataStore{
		apis:          newTable[*API](),
		applications:  newTable[*Application](),
		keyMappings:   newTable[*KeyMapping](),
		subscriptions: newTable[*Subscription](),
		policies: map[Kind]*table[*Policy]{
			KindApplicationPolicy:  newTable[*Policy](),
			KindSubscriptionPolicy: newTable[*Policy](),
			KindAPIPolicy:          newTable[*Policy](),
		},
		logger: observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// GetAPIByContextAndVersion implements Store.
func (d *DataStore) GetAPIByContextAndVersion(context, version string) (*API, bool) {
	return d.apis.get(APIKey(context, version))
}

// GetDefaultAPIByContext returns the API flagged as default version whose
// context without the trailing version segment equals context.
func (d *DataStore) GetDefaultAPIByContext(context string) (*API, bool) {
	for key, api := range d.apis.view() {
		if !api.IsDefaultVersion || !strings.HasPrefix(key, context) {
			continue
		}
		if strings.TrimSuffix(api.Context, "/"+api.Version) == context {
			return api, true
		}
	}
	return nil, false
}

// GetApplicationByID implements Store.
func (d *DataStore) GetApplicationByID(id int32) (*Application, bool) {
	return d.applications.get(ApplicationKey(id))
}

// GetKeyMapping implements Store.
func (d *DataStore) GetKeyMapping(consumerKey, keyManager string) (*KeyMapping, bool) {
	return d.keyMappings.get(KeyMappingKey(consumerKey, keyManager))
}

// GetSubscriptionByID implements Store.
func (d *DataStore) GetSubscriptionByID(appID, apiID int32) (*Subscription, bool) {
	return d.subscriptions.get(SubscriptionKey(appID, apiID))
}

// GetApplicationPolicyByName implements Store.
func (d *DataStore) GetApplicationPolicyByName(name, tenant string) (*Policy, bool) {
	return d.policies[KindApplicationPolicy].get(PolicyKey(PolicyTypeApplication, name, tenant))
}

// GetSubscriptionPolicyByName implements Store.
func (d *DataStore) GetSubscriptionPolicyByName(name, tenant string) (*Policy, bool) {
	return d.policies[KindSubscriptionPolicy].get(PolicyKey(PolicyTypeSubscription, name, tenant))
}

// GetAPIPolicyByName implements Store.
func (d *DataStore) GetAPIPolicyByName(name, tenant string) (*Policy, bool) {
	return d.policies[KindAPIPolicy].get(PolicyKey(PolicyTypeAPI, name, tenant))
}

// ReplaceAll implements Store. A snapshot with an item of the wrong type is
// rejected as a whole and the current generation is kept.
func (d *DataStore) ReplaceAll(s Snapshot) error {
	var err error
	switch s.Kind {
	case KindAPI:
		err = replaceTable(d.apis, s)
	case KindApplication:
		err = replaceTable(d.applications, s)
	case KindKeyMapping:
		err = replaceTable(d.keyMappings, s)
	case KindSubscription:
		err = replaceTable(d.subscriptions, s)
	case KindApplicationPolicy, KindSubscriptionPolicy, KindAPIPolicy:
		err = d.replacePolicies(s)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownKind, s.Kind)
	}
	if err != nil {
		return err
	}

	d.logger.Debug("store snapshot applied",
		observability.String("kind", string(s.Kind)),
		observability.Int("entries", len(s.Items)),
	)
	d.changed(s.Kind)
	return nil
}

// ApplyDelta implements Store. Subscription upserts older than the cached
// entry are dropped and reported as not applied.
func (d *DataStore) ApplyDelta(delta Delta) (bool, error) {
	var (
		applied bool
		err     error
	)
	switch delta.Kind {
	case KindAPI:
		applied, err = applyTable(d.apis, delta, nil)
	case KindApplication:
		applied, err = applyTable(d.applications, delta, nil)
	case KindKeyMapping:
		applied, err = applyTable(d.keyMappings, delta, nil)
	case KindSubscription:
		applied, err = applyTable(d.subscriptions, delta, newerSubscription)
	case KindApplicationPolicy, KindSubscriptionPolicy, KindAPIPolicy:
		p, perr := normalizePolicy(delta.Kind, delta.Item)
		if perr != nil {
			return false, perr
		}
		delta.Item = p
		applied, err = applyTable(d.policies[delta.Kind], delta, nil)
	default:
		return false, fmt.Errorf("%w: %q", ErrUnknownKind, delta.Kind)
	}
	if err != nil {
		return false, err
	}

	if applied {
		d.changed(delta.Kind)
	} else if delta.Op == OpUpsert {
		d.logger.Debug("stale update dropped",
			observability.String("kind", string(delta.Kind)),
			observability.String("key", delta.Item.CacheKey()),
		)
	}
	return applied, nil
}

// Counts implements Store.
func (d *DataStore) Counts() map[Kind]int {
	return map[Kind]int{
		KindAPI:                d.apis.len(),
		KindApplication:        d.applications.len(),
		KindKeyMapping:         d.keyMappings.len(),
		KindSubscription:       d.subscriptions.len(),
		KindApplicationPolicy:  d.policies[KindApplicationPolicy].len(),
		KindSubscriptionPolicy: d.policies[KindSubscriptionPolicy].len(),
		KindAPIPolicy:          d.policies[KindAPIPolicy].len(),
	}
}

func (d *DataStore) count(kind Kind) int {
	switch kind {
	case KindAPI:
		return d.apis.len()
	case KindApplication:
		return d.applications.len()
	case KindKeyMapping:
		return d.keyMappings.len()
	case KindSubscription:
		return d.subscriptions.len()
	}
	if t, ok := d.policies[kind]; ok {
		return t.len()
	}
	return 0
}

func (d *DataStore) changed(kind Kind) {
	if d.metrics != nil {
		d.metrics.SetStoreEntries(string(kind), d.count(kind))
	}
}

func (d *DataStore) replacePolicies(s Snapshot) error {
	next := make(map[string]*Policy, len(s.Items))
	for i, item := range s.Items {
		p, err := normalizePolicy(s.Kind, item)
		if err != nil {
			return fmt.Errorf("item %d: %w", i, err)
		}
		next[p.CacheKey()] = p
	}
	d.policies[s.Kind].replace(next)
	return nil
}

// newerSubscription accepts an update unless it is older than the cached
// entry. Equal timestamps apply so that redelivered events are idempotent.
func newerSubscription(cur, next *Subscription) bool {
	return next.Timestamp >= cur.Timestamp
}

// normalizePolicy returns a copy of item with its type set from kind.
func normalizePolicy(kind Kind, item Entity) (*Policy, error) {
	p, ok := item.(*Policy)
	if !ok || p == nil {
		return nil, fmt.Errorf("%w: %s got %T", ErrTypeMismatch, kind, item)
	}
	typ, _ := PolicyTypeOf(kind)
	if p.Type != "" && p.Type != typ {
		return nil, fmt.Errorf("%w: %s got policy type %s", ErrTypeMismatch, kind, p.Type)
	}
	cp := *p
	cp.Type = typ
	if cp.Tenant == "" {
		cp.Tenant = DefaultTenant
	}
	return &cp, nil
}

func replaceTable[T Entity](t *table[T], s Snapshot) error {
	next := make(map[string]T, len(s.Items))
	for i, item := range s.Items {
		v, ok := item.(T)
		if !ok {
			return fmt.Errorf("%w: %s item %d is %T", ErrTypeMismatch, s.Kind, i, item)
		}
		next[v.CacheKey()] = v
	}
	t.replace(next)
	return nil
}

func applyTable[T Entity](t *table[T], d Delta, accept func(cur, next T) bool) (bool, error) {
	v, ok := d.Item.(T)
	if !ok {
		return false, fmt.Errorf("%w: %s got %T", ErrTypeMismatch, d.Kind, d.Item)
	}
	switch d.Op {
	case OpUpsert:
		return t.upsert(v.CacheKey(), v, accept), nil
	case OpRemove:
		return t.remove(v.CacheKey()), nil
	default:
		return false, fmt.Errorf("%w: %s", ErrUnknownOp, d.Op)
	}
}

var _ Store = (*DataStore)(nil)
