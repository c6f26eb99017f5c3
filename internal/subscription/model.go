package subscription

import (
	"strconv"
	"strings"
)

// Kind identifies one entity collection of the store.
type Kind string

// Entity kinds.
const (
	KindAPI                Kind = "API"
	KindApplication        Kind = "Application"
	KindKeyMapping         Kind = "ApplicationKeyMapping"
	KindSubscription       Kind = "Subscription"
	KindApplicationPolicy  Kind = "ApplicationPolicy"
	KindSubscriptionPolicy Kind = "SubscriptionPolicy"
	KindAPIPolicy          Kind = "APIPolicy"
)

// AllKinds returns every kind in dependency order.
func AllKinds() []Kind {
	return []Kind{
		KindAPI,
		KindApplication,
		KindKeyMapping,
		KindSubscription,
		KindApplicationPolicy,
		KindSubscriptionPolicy,
		KindAPIPolicy,
	}
}

// ParseKind returns the kind named s, case-insensitively.
func ParseKind(s string) (Kind, bool) {
	for _, k := range AllKinds() {
		if strings.EqualFold(string(k), s) {
			return k, true
		}
	}
	return "", false
}

// IsPolicy reports whether k is one of the policy kinds.
func (k Kind) IsPolicy() bool {
	return k == KindApplicationPolicy || k == KindSubscriptionPolicy || k == KindAPIPolicy
}

// State is the lifecycle state of a subscription.
type State string

// Subscription states.
const (
	StateActive            State = "ACTIVE"
	StateBlocked           State = "BLOCKED"
	StateOnHold            State = "ON_HOLD"
	StateRejected          State = "REJECTED"
	StateProdOnlyBlocked   State = "PROD_ONLY_BLOCKED"
	StateUnblocked         State = "UNBLOCKED"
	StateTierUpdatePending State = "TIER_UPDATE_PENDING"
)

// Key types of an application key mapping.
const (
	KeyTypeProduction = "PRODUCTION"
	KeyTypeSandbox    = "SANDBOX"
)

// PolicyType is the level a throttling policy applies at.
type PolicyType string

// Policy types. They prefix policy cache keys.
const (
	PolicyTypeApplication  PolicyType = "APPLICATION"
	PolicyTypeSubscription PolicyType = "SUBSCRIPTION"
	PolicyTypeAPI          PolicyType = "API"
)

// PolicyTypeOf returns the policy type stored under kind.
func PolicyTypeOf(kind Kind) (PolicyType, bool) {
	switch kind {
	case KindApplicationPolicy:
		return PolicyTypeApplication, true
	case KindSubscriptionPolicy:
		return PolicyTypeSubscription, true
	case KindAPIPolicy:
		return PolicyTypeAPI, true
	}
	return "", false
}

// DefaultTenant is used when an entity carries no tenant.
const DefaultTenant = "carbon.super"

// QuotaTypeBandwidth marks a policy counting bytes instead of requests.
const QuotaTypeBandwidth = "bandwidthVolume"

// Entity is anything the store can hold.
type Entity interface {
	CacheKey() string
}

// URLMapping is one resource of an API and the scopes it requires.
type URLMapping struct {
	HTTPMethod string   `json:"httpMethod"`
	URLPattern string   `json:"urlPattern"`
	Scopes     []string `json:"scopes,omitempty"`
}

// API is a deployed API.
type API struct {
	ID               int32        `json:"apiId"`
	UUID             string       `json:"uuid"`
	Name             string       `json:"name"`
	Context          string       `json:"context"`
	Version          string       `json:"version"`
	Provider         string       `json:"provider"`
	Policy           string       `json:"policy"`
	APIType          string       `json:"apiType"`
	Status           string       `json:"status,omitempty"`
	IsDefaultVersion bool         `json:"isDefaultVersion"`
	Tenant           string       `json:"tenantDomain,omitempty"`
	URLMappings      []URLMapping `json:"urlMappings,omitempty"`
	Timestamp        int64        `json:"timeStamp,omitempty"`
}

// CacheKey implements Entity.
func (a *API) CacheKey() string {
	return APIKey(a.Context, a.Version)
}

// Application is a consumer application.
type Application struct {
	ID         int32             `json:"id"`
	UUID       string            `json:"uuid"`
	Name       string            `json:"name"`
	Policy     string            `json:"policy"`
	SubName    string            `json:"subName"`
	TokenType  string            `json:"tokenType"`
	GroupIDs   []string          `json:"groupIds,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Tenant     string            `json:"tenantDomain,omitempty"`
	Timestamp  int64             `json:"timeStamp,omitempty"`
}

// CacheKey implements Entity.
func (a *Application) CacheKey() string {
	return ApplicationKey(a.ID)
}

// KeyMapping binds an OAuth consumer key of a key manager to an application.
type KeyMapping struct {
	ApplicationID   int32  `json:"applicationId"`
	ApplicationUUID string `json:"applicationUUID,omitempty"`
	ConsumerKey     string `json:"consumerKey"`
	KeyType         string `json:"keyType"`
	KeyManager      string `json:"keyManager"`
	Tenant          string `json:"tenantDomain,omitempty"`
	Timestamp       int64  `json:"timeStamp,omitempty"`
}

// CacheKey implements Entity.
func (m *KeyMapping) CacheKey() string {
	return KeyMappingKey(m.ConsumerKey, m.KeyManager)
}

// Subscription of an application to an API.
type Subscription struct {
	ID        int32  `json:"subscriptionId"`
	UUID      string `json:"subscriptionUUID,omitempty"`
	PolicyID  string `json:"policyId"`
	APIID     int32  `json:"apiId"`
	AppID     int32  `json:"appId"`
	State     State  `json:"subscriptionState"`
	Tenant    string `json:"tenantDomain,omitempty"`
	Timestamp int64  `json:"timeStamp,omitempty"`
}

// CacheKey implements Entity.
func (s *Subscription) CacheKey() string {
	return SubscriptionKey(s.AppID, s.APIID)
}

// Policy is an application, subscription or API level throttling policy.
type Policy struct {
	ID                   int32      `json:"id"`
	Name                 string     `json:"name"`
	Type                 PolicyType `json:"policyType,omitempty"`
	Tenant               string     `json:"tenantDomain,omitempty"`
	QuotaType            string     `json:"quotaType"`
	RateLimitCount       int32      `json:"rateLimitCount,omitempty"`
	RateLimitTimeUnit    string     `json:"rateLimitTimeUnit,omitempty"`
	StopOnQuotaReach     bool       `json:"stopOnQuotaReach,omitempty"`
	ContentAware         bool       `json:"contentAware,omitempty"`
	GraphQLMaxDepth      int32      `json:"graphQLMaxDepth,omitempty"`
	GraphQLMaxComplexity int32      `json:"graphQLMaxComplexity,omitempty"`
	Timestamp            int64      `json:"timeStamp,omitempty"`
}

// CacheKey implements Entity.
func (p *Policy) CacheKey() string {
	return PolicyKey(p.Type, p.Name, p.Tenant)
}

// IsContentAware reports whether quota accounting depends on payload size.
func (p *Policy) IsContentAware() bool {
	return p != nil && (p.ContentAware || p.QuotaType == QuotaTypeBandwidth)
}

// APIKey is the cache key of an API.
func APIKey(context, version string) string {
	return context + ":" + version
}

// ApplicationKey is the cache key of an application.
func ApplicationKey(id int32) string {
	return itoa(id)
}

// KeyMappingKey is the cache key of a key mapping. Consumer keys are
// free-form, so the key is length prefixed to keep distinct pairs apart.
func KeyMappingKey(consumerKey, keyManager string) string {
	return strconv.Itoa(len(consumerKey)) + ":" + consumerKey + "+" + keyManager
}

// SubscriptionKey is the cache key of a subscription.
func SubscriptionKey(appID, apiID int32) string {
	return itoa(appID) + ":" + itoa(apiID)
}

// PolicyKey is the cache key of a policy. An empty tenant is the default
// tenant.
func PolicyKey(typ PolicyType, name, tenant string) string {
	if tenant == "" {
		tenant = DefaultTenant
	}
	return string(typ) + ":" + name + ":" + tenant
}

func itoa(n int32) string {
	return strconv.FormatInt(int64(n), 10)
}
