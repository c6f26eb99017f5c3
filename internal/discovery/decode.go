package discovery

import (
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/anypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/vyrodovalexey/enforcer/internal/subscription"
)

const (
	typeURLPrefix = "type.googleapis.com/enforcer.discovery."
	typeURLSuffix = "List"
)

// TypeURL is the discovery type URL of a kind.
func TypeURL(kind subscription.Kind) string {
	return typeURLPrefix + string(kind) + typeURLSuffix
}

// KindFromTypeURL is the inverse of TypeURL.
func KindFromTypeURL(typeURL string) (subscription.Kind, bool) {
	name, ok := strings.CutPrefix(typeURL, typeURLPrefix)
	if !ok {
		return "", false
	}
	name, ok = strings.CutSuffix(name, typeURLSuffix)
	if !ok {
		return "", false
	}
	for _, k := range subscription.AllKinds() {
		if string(k) == name {
			return k, true
		}
	}
	return "", false
}

// DecodeResources decodes discovery resources of kind. Each resource is a
// google.protobuf.Struct whose JSON form is the entity.
func DecodeResources(kind subscription.Kind, resources []*anypb.Any) ([]subscription.Entity, error) {
	out := make([]subscription.Entity, 0, len(resources))
	for i, res := range resources {
		var st structpb.Struct
		if err := res.UnmarshalTo(&st); err != nil {
			return nil, fmt.Errorf("resource %d: %w", i, err)
		}
		raw, err := protojson.Marshal(&st)
		if err != nil {
			return nil, fmt.Errorf("resource %d: %w", i, err)
		}
		e, err := DecodeEntity(kind, raw)
		if err != nil {
			return nil, fmt.Errorf("resource %d: %w", i, err)
		}
		out = append(out, e)
	}
	return out, nil
}

// DecodeEntity decodes the JSON form of one entity of kind.
func DecodeEntity(kind subscription.Kind, data []byte) (subscription.Entity, error) {
	var e subscription.Entity
	switch kind {
	case subscription.KindAPI:
		e = &subscription.API{}
	case subscription.KindApplication:
		e = &subscription.Application{}
	case subscription.KindKeyMapping:
		e = &subscription.KeyMapping{}
	case subscription.KindSubscription:
		e = &subscription.Subscription{}
	case subscription.KindApplicationPolicy, subscription.KindSubscriptionPolicy, subscription.KindAPIPolicy:
		e = &subscription.Policy{}
	default:
		return nil, fmt.Errorf("%w: %q", subscription.ErrUnknownKind, kind)
	}
	if err := json.Unmarshal(data, e); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", kind, err)
	}
	return e, nil
}

// EncodeResource wraps an entity the way DecodeResources expects it.
func EncodeResource(e subscription.Entity) (*anypb.Any, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	var fields map[string]interface{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	st, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, err
	}
	return anypb.New(st)
}
