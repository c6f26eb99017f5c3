package server

import (
	"context"
	"sync"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/vyrodovalexey/enforcer/internal/apierror"
)

// Throttle states reported on the metadata stream.
const (
	ThrottleOK        = "OK"
	ThrottleOverLimit = "OVER_LIMIT"
)

// Inbound metadata message fields.
const (
	FieldBasePath      = "basePath"
	FieldVersion       = "version"
	FieldApplicationID = "applicationId"
	FieldUsername      = "username"
	FieldFrameLength   = "frameLength"
)

// Reply fields.
const (
	FieldThrottleState  = "throttleState"
	FieldThrottlePeriod = "throttlePeriod"
	FieldAPIMErrorCode  = "apimErrorCode"
)

// StreamThrottle is the throttle state of one metadata stream.
type StreamThrottle struct {
	APIKey          string
	SubscriptionKey string
	ApplicationKey  string
	Frames          int64
	Bytes           int64
	State           string
	// Until is when an OVER_LIMIT state lapses back to OK.
	Until time.Time
}

// ThrottleTracker is the default MetadataHandler. It derives the throttle
// keys of a stream from its first message, counts frames and answers each
// message with the current throttle state.
type ThrottleTracker struct {
	mu      sync.Mutex
	streams map[string]*StreamThrottle
	now     func() time.Time
}

// NewThrottleTracker creates an empty tracker.
func NewThrottleTracker() *ThrottleTracker {
	return &ThrottleTracker{
		streams: make(map[string]*StreamThrottle),
		now:     time.Now,
	}
}

// Handle implements MetadataHandler.
func (t *ThrottleTracker) Handle(_ context.Context, streamID string, msg *structpb.Struct) (*structpb.Struct, error) {
	fields := msg.GetFields()

	t.mu.Lock()
	st := t.entry(streamID)
	if st.APIKey == "" {
		if basePath := fields[FieldBasePath].GetStringValue(); basePath != "" {
			appID := fields[FieldApplicationID].GetStringValue()
			st.APIKey = basePath + ":" + fields[FieldVersion].GetStringValue()
			st.SubscriptionKey = appID + ":" + st.APIKey
			st.ApplicationKey = appID + ":" + fields[FieldUsername].GetStringValue()
		}
	}
	st.Frames++
	st.Bytes += int64(fields[FieldFrameLength].GetNumberValue())

	reply := t.reply(streamID, st, t.now())
	t.mu.Unlock()

	return reply, nil
}

// StateMessage returns the current throttle state of streamID in reply
// form, for pushing through StreamRegistry.Send.
func (t *ThrottleTracker) StateMessage(streamID string) *structpb.Struct {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reply(streamID, t.entry(streamID), t.now())
}

// reply must be called with the lock held. An OVER_LIMIT state past its
// period lapses to OK.
func (t *ThrottleTracker) reply(streamID string, st *StreamThrottle, now time.Time) *structpb.Struct {
	if st.State == ThrottleOverLimit && !st.Until.IsZero() && !now.Before(st.Until) {
		st.State = ThrottleOK
		st.Until = time.Time{}
	}

	fields := map[string]*structpb.Value{
		FieldStreamID:      structpb.NewStringValue(streamID),
		FieldThrottleState: structpb.NewStringValue(st.State),
		FieldAPIMErrorCode: structpb.NewNumberValue(0),
	}
	if st.State == ThrottleOverLimit {
		fields[FieldAPIMErrorCode] = structpb.NewNumberValue(float64(apierror.ThrottledOut.Code()))
		if !st.Until.IsZero() {
			fields[FieldThrottlePeriod] = structpb.NewNumberValue(float64(st.Until.Sub(now).Milliseconds()))
		}
	}
	return &structpb.Struct{Fields: fields}
}

// Close implements MetadataHandler.
func (t *ThrottleTracker) Close(streamID string) {
	t.mu.Lock()
	delete(t.streams, streamID)
	t.mu.Unlock()
}

// SetOverLimit marks a stream over its limit for period. A zero period
// holds until Reset.
func (t *ThrottleTracker) SetOverLimit(streamID string, period time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st := t.entry(streamID)
	st.State = ThrottleOverLimit
	st.Until = time.Time{}
	if period > 0 {
		st.Until = t.now().Add(period)
	}
}

// Reset returns a stream to the OK state.
func (t *ThrottleTracker) Reset(streamID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if st, ok := t.streams[streamID]; ok {
		st.State = ThrottleOK
		st.Until = time.Time{}
	}
}

// Snapshot returns a copy of the state of streamID.
func (t *ThrottleTracker) Snapshot(streamID string) (StreamThrottle, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.streams[streamID]
	if !ok {
		return StreamThrottle{}, false
	}
	return *st, true
}

// entry must be called with the lock held.
func (t *ThrottleTracker) entry(streamID string) *StreamThrottle {
	st, ok := t.streams[streamID]
	if !ok {
		st = &StreamThrottle{State: ThrottleOK}
		t.streams[streamID] = st
	}
	return st
}
