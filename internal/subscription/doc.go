// Package subscription holds the in-memory view of APIs, applications, key
// mappings, subscriptions and throttling policies that authorization
// decisions are made against.
//
// A DataStore is refreshed in two ways. Full snapshots from discovery go
// through ReplaceAll and swap a whole kind at once; readers see either the
// old or the new generation. Change events go through ApplyDelta and touch
// a single entry. Subscription upserts carry a timestamp and are dropped
// when older than the cached entry.
//
// LoadingStore sits in front of a Store and loads missing entries from a
// remote Loader on demand. Concurrent misses for the same key share one
// remote call.
package subscription
