package httpapi

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	contractx "github.com/tanpawarit/agent-relay/relay/contract"
	"github.com/tanpawarit/agent-relay/relay/gateway"
)

type triggerRequest struct {
	Query         string `json:"query" binding:"required"`
	SourceSystem  string `json:"source_system" binding:"required"`
	SourceProcess string `json:"source_process" binding:"required"`
	Timestamp     string `json:"timestamp" binding:"required"`
	CallerID      string `json:"caller_id"`
	ThreadID      string `json:"thread_id"`
	Channel       string `json:"channel"`
}

var triggerFieldNames = map[string]string{
	"Query":         "query",
	"SourceSystem":  "source_system",
	"SourceProcess": "source_process",
	"Timestamp":     "timestamp",
}

type errorResponse struct {
	Success bool              `json:"success"`
	Error   string            `json:"error"`
	Details map[string]string `json:"details,omitempty"`
}

func (s *Server) handleTrigger(c *gin.Context) {
	var req triggerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.rejectBinding(c, err)
		return
	}
	s.admit(c, gateway.Trigger{
		Query:         req.Query,
		SourceSystem:  req.SourceSystem,
		SourceProcess: req.SourceProcess,
		Timestamp:     req.Timestamp,
		CallerID:      req.CallerID,
		ThreadID:      req.ThreadID,
		Channel:       req.Channel,
	})
}

// rejectBinding answers 400 for a body gin could not bind and traces the
// rejection the same way the gateway does.
func (s *Server) rejectBinding(c *gin.Context, err error) {
	details := map[string]string{"body": "must be a JSON object"}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		details = make(map[string]string, len(verrs))
		for _, fe := range verrs {
			name, ok := triggerFieldNames[fe.Field()]
			if !ok {
				name = fe.Field()
			}
			details[name] = "is " + fe.Tag()
		}
	}
	s.tracer.Emit("", contractx.StageAdmission, contractx.EventRejected, map[string]any{"error": err})
	c.JSON(http.StatusBadRequest, errorResponse{
		Error:   contractx.ErrValidation.Error(),
		Details: details,
	})
}

// admit reports whether the trigger was enqueued.
func (s *Server) admit(c *gin.Context, trigger gateway.Trigger) bool {
	ack, err := s.admitter.Admit(c.Request.Context(), trigger)
	if err == nil {
		c.JSON(http.StatusAccepted, ack)
		return true
	}

	var verr *gateway.ValidationError
	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusBadRequest, errorResponse{Error: contractx.ErrValidation.Error(), Details: verr.Fields})
	case errors.Is(err, contractx.ErrValidation):
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
	case errors.Is(err, contractx.ErrEnqueue):
		_ = c.Error(err)
		c.JSON(http.StatusServiceUnavailable, errorResponse{Error: contractx.ErrEnqueue.Error()})
	default:
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
	return false
}

type requestStatus struct {
	TrackingID string                     `json:"tracking_id"`
	Status     string                     `json:"status"`
	Records    []contractx.DeliveryRecord `json:"records"`
}

func (s *Server) handleRequestStatus(c *gin.Context) {
	id := c.Param("tracking_id")
	recs, err := s.ledger.Records(c.Request.Context(), id)
	switch {
	case errors.Is(err, contractx.ErrNotFound):
		c.JSON(http.StatusNotFound, errorResponse{Error: "no delivery recorded for tracking id " + id})
		return
	case err != nil:
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return
	}

	status := "pending"
	if n := len(recs); n > 0 {
		switch recs[n-1].Result {
		case contractx.DeliverySuccess:
			status = "delivered"
		case contractx.DeliveryTerminalFailure:
			status = "failed"
		default:
			status = "retrying"
		}
	}
	c.JSON(http.StatusOK, requestStatus{TrackingID: id, Status: status, Records: recs})
}

func (s *Server) handleDeadLetters(c *gin.Context) {
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, errorResponse{
				Error:   contractx.ErrValidation.Error(),
				Details: map[string]string{"limit": "must be a positive integer"},
			})
			return
		}
		limit = n
	}

	items, err := s.deadLetters.DeadLetters(c.Request.Context(), limit)
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusBadGateway, errorResponse{Error: "dead-letter store unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(items), "items": items})
}
