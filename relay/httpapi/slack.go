package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"

	"github.com/tanpawarit/agent-relay/relay/gateway"
)

const (
	slackSourceSystem = "slack"
	maxSlackBody      = 1 << 20
	slackSeenEvents   = 4096
)

var leadingMention = regexp.MustCompile(`^(\s*<@[A-Z0-9]+>\s*)+`)

func (s *Server) handleSlackEvent(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxSlackBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "unreadable body"})
		return
	}

	if secret := strings.TrimSpace(s.cfg.SlackSigningSecret); secret != "" {
		sv, err := slack.NewSecretsVerifier(c.Request.Header, secret)
		if err != nil {
			c.JSON(http.StatusUnauthorized, errorResponse{Error: "missing slack signature"})
			return
		}
		if _, err := sv.Write(body); err != nil {
			c.JSON(http.StatusUnauthorized, errorResponse{Error: "invalid slack signature"})
			return
		}
		if err := sv.Ensure(); err != nil {
			c.JSON(http.StatusUnauthorized, errorResponse{Error: "invalid slack signature"})
			return
		}
	}

	event, err := slackevents.ParseEvent(json.RawMessage(body), slackevents.OptionNoVerifyToken())
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "malformed slack event"})
		return
	}

	switch event.Type {
	case slackevents.URLVerification:
		var challenge slackevents.ChallengeResponse
		if err := json.Unmarshal(body, &challenge); err != nil {
			c.JSON(http.StatusBadRequest, errorResponse{Error: "malformed challenge"})
			return
		}
		c.String(http.StatusOK, challenge.Challenge)
		return

	case slackevents.CallbackEvent:
		mention, ok := event.InnerEvent.Data.(*slackevents.AppMentionEvent)
		if !ok {
			c.Status(http.StatusOK)
			return
		}
		var eventID string
		if cb, ok := event.Data.(*slackevents.EventsAPICallbackEvent); ok {
			eventID = cb.EventID
		}
		if s.slackRetry(c, eventID) {
			c.Status(http.StatusOK)
			return
		}
		if !s.admit(c, mentionTrigger(mention)) && eventID != "" {
			// let Slack's retry try again
			s.slackSeen.Remove(eventID)
		}
		return
	}

	c.Status(http.StatusOK)
}

// slackRetry reports whether the event was already admitted. Events seen by
// this process are matched on event_id; a retry this process never saw was
// still received by a peer when Slack reports a timeout.
func (s *Server) slackRetry(c *gin.Context, eventID string) bool {
	if eventID != "" {
		if seen, _ := s.slackSeen.ContainsOrAdd(eventID, struct{}{}); seen {
			return true
		}
	}
	if c.GetHeader("X-Slack-Retry-Num") != "" && c.GetHeader("X-Slack-Retry-Reason") == "http_timeout" {
		if eventID != "" {
			s.slackSeen.Remove(eventID)
		}
		return true
	}
	return false
}

func mentionTrigger(ev *slackevents.AppMentionEvent) gateway.Trigger {
	thread := ev.ThreadTimeStamp
	if thread == "" {
		thread = ev.TimeStamp
	}
	return gateway.Trigger{
		Query:         strings.TrimSpace(leadingMention.ReplaceAllString(ev.Text, "")),
		SourceSystem:  slackSourceSystem,
		SourceProcess: ev.Channel,
		Timestamp:     slackTimestamp(ev.TimeStamp),
		CallerID:      ev.User,
		ThreadID:      thread,
		Channel:       ev.Channel,
	}
}

// slackTimestamp turns "1700000000.123456" into RFC 3339. Unparseable input
// is passed through so the gateway rejects it.
func slackTimestamp(ts string) string {
	secs, frac, _ := strings.Cut(ts, ".")
	sec, err := strconv.ParseInt(secs, 10, 64)
	if err != nil {
		return ts
	}
	var nsec int64
	if frac != "" {
		if len(frac) > 9 {
			frac = frac[:9]
		}
		frac += strings.Repeat("0", 9-len(frac))
		if n, err := strconv.ParseInt(frac, 10, 64); err == nil {
			nsec = n
		}
	}
	return time.Unix(sec, nsec).UTC().Format(time.RFC3339Nano)
}
