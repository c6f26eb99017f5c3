package admin

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"google.golang.org/protobuf/types/known/structpb"

	grpcserver "github.com/vyrodovalexey/enforcer/internal/grpc/server"
	"github.com/vyrodovalexey/enforcer/internal/subscription"
)

// StoreCounter reports entity counts per kind.
type StoreCounter interface {
	Counts() map[subscription.Kind]int
}

// Throttler holds the throttle state of metadata streams.
type Throttler interface {
	SetOverLimit(streamID string, period time.Duration)
	Reset(streamID string)
	Close(streamID string)
	Snapshot(streamID string) (grpcserver.StreamThrottle, bool)
	StateMessage(streamID string) *structpb.Struct
}

// StreamSender pushes a message to an open metadata stream.
type StreamSender interface {
	Send(streamID string, msg *structpb.Struct) error
}

// ThrottleRequest is the body of a throttle update. Period is a Go
// duration; empty holds the state until reset.
type ThrottleRequest struct {
	Period string `json:"period"`
}

// ThrottleResponse describes the throttle state of a stream.
type ThrottleResponse struct {
	StreamID string    `json:"streamId"`
	State    string    `json:"state"`
	Until    time.Time `json:"until,omitempty"`
	Frames   int64     `json:"frames"`
	Bytes    int64     `json:"bytes"`
}

func (s *Server) registerRoutes() {
	if s.health != nil {
		s.health.RegisterRoutes(s.engine)
	}
	if s.metrics != nil {
		s.engine.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}

	debug := s.engine.Group("/debug")
	if s.store != nil {
		debug.GET("/store", s.storeCounts)
	}
	if s.throttle != nil && s.streams != nil {
		debug.GET("/streams/:id/throttle", s.getThrottle)
		debug.PUT("/streams/:id/throttle", s.setThrottle)
		debug.DELETE("/streams/:id/throttle", s.resetThrottle)
	}
}

func (s *Server) storeCounts(c *gin.Context) {
	counts := s.store.Counts()
	total := 0
	for _, n := range counts {
		total += n
	}
	c.JSON(http.StatusOK, gin.H{
		"total": total,
		"kinds": counts,
	})
}

func (s *Server) getThrottle(c *gin.Context) {
	id := c.Param("id")
	st, ok := s.throttle.Snapshot(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "stream not found"})
		return
	}
	c.JSON(http.StatusOK, throttleResponse(id, st))
}

func (s *Server) setThrottle(c *gin.Context) {
	id := c.Param("id")

	var req ThrottleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	var period time.Duration
	if req.Period != "" {
		d, err := time.ParseDuration(req.Period)
		if err != nil || d < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid period " + req.Period})
			return
		}
		period = d
	}

	s.throttle.SetOverLimit(id, period)
	s.push(c, id)
}

func (s *Server) resetThrottle(c *gin.Context) {
	id := c.Param("id")
	s.throttle.Reset(id)
	s.push(c, id)
}

// push sends the current state of id to its stream and answers with it.
func (s *Server) push(c *gin.Context, id string) {
	err := s.streams.Send(id, s.throttle.StateMessage(id))
	switch {
	case errors.Is(err, grpcserver.ErrStreamNotFound):
		s.throttle.Close(id)
		c.JSON(http.StatusNotFound, gin.H{"error": "stream not found"})
		return
	case err != nil:
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}

	st, _ := s.throttle.Snapshot(id)
	c.JSON(http.StatusOK, throttleResponse(id, st))
}

func throttleResponse(id string, st grpcserver.StreamThrottle) ThrottleResponse {
	return ThrottleResponse{
		StreamID: id,
		State:    st.State,
		Until:    st.Until,
		Frames:   st.Frames,
		Bytes:    st.Bytes,
	}
}
