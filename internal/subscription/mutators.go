package subscription

// Typed mutators over ReplaceAll and ApplyDelta. The item types are fixed by
// the signatures, so the type errors of the generic operations cannot occur.

// AddAPIs replaces all APIs.
func (d *DataStore) AddAPIs(apis []*API) {
	_ = d.ReplaceAll(Snapshot{Kind: KindAPI, Items: entities(apis)})
}

// AddOrUpdateAPI stores one API.
func (d *DataStore) AddOrUpdateAPI(api *API) {
	_, _ = d.ApplyDelta(Delta{Kind: KindAPI, Op: OpUpsert, Item: api})
}

// RemoveAPI removes one API.
func (d *DataStore) RemoveAPI(api *API) {
	_, _ = d.ApplyDelta(Delta{Kind: KindAPI, Op: OpRemove, Item: api})
}

// AddApplications replaces all applications.
func (d *DataStore) AddApplications(apps []*Application) {
	_ = d.ReplaceAll(Snapshot{Kind: KindApplication, Items: entities(apps)})
}

// AddOrUpdateApplication stores one application.
func (d *DataStore) AddOrUpdateApplication(app *Application) {
	_, _ = d.ApplyDelta(Delta{Kind: KindApplication, Op: OpUpsert, Item: app})
}

// RemoveApplication removes one application.
func (d *DataStore) RemoveApplication(app *Application) {
	_, _ = d.ApplyDelta(Delta{Kind: KindApplication, Op: OpRemove, Item: app})
}

// AddKeyMappings replaces all key mappings.
func (d *DataStore) AddKeyMappings(mappings []*KeyMapping) {
	_ = d.ReplaceAll(Snapshot{Kind: KindKeyMapping, Items: entities(mappings)})
}

// AddOrUpdateKeyMapping stores one key mapping.
func (d *DataStore) AddOrUpdateKeyMapping(m *KeyMapping) {
	_, _ = d.ApplyDelta(Delta{Kind: KindKeyMapping, Op: OpUpsert, Item: m})
}

// RemoveKeyMapping removes one key mapping.
func (d *DataStore) RemoveKeyMapping(m *KeyMapping) {
	_, _ = d.ApplyDelta(Delta{Kind: KindKeyMapping, Op: OpRemove, Item: m})
}

// AddSubscriptions replaces all subscriptions.
func (d *DataStore) AddSubscriptions(subs []*Subscription) {
	_ = d.ReplaceAll(Snapshot{Kind: KindSubscription, Items: entities(subs)})
}

// AddOrUpdateSubscription stores sub unless the cached entry is newer.
func (d *DataStore) AddOrUpdateSubscription(sub *Subscription) bool {
	applied, _ := d.ApplyDelta(Delta{Kind: KindSubscription, Op: OpUpsert, Item: sub})
	return applied
}

// RemoveSubscription removes one subscription.
func (d *DataStore) RemoveSubscription(sub *Subscription) {
	_, _ = d.ApplyDelta(Delta{Kind: KindSubscription, Op: OpRemove, Item: sub})
}

// AddPolicies replaces all policies of a policy kind.
func (d *DataStore) AddPolicies(kind Kind, policies []*Policy) error {
	return d.ReplaceAll(Snapshot{Kind: kind, Items: entities(policies)})
}

// AddOrUpdatePolicy stores one policy of a policy kind.
func (d *DataStore) AddOrUpdatePolicy(kind Kind, p *Policy) error {
	_, err := d.ApplyDelta(Delta{Kind: kind, Op: OpUpsert, Item: p})
	return err
}

// RemovePolicy removes one policy of a policy kind.
func (d *DataStore) RemovePolicy(kind Kind, p *Policy) error {
	_, err := d.ApplyDelta(Delta{Kind: kind, Op: OpRemove, Item: p})
	return err
}

func entities[T Entity](items []T) []Entity {
	out := make([]Entity, len(items))
	for i, item := range items {
		out[i] = item
	}
	return out
}
