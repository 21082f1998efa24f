package websocket

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	gorillaws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devos-ai/devos/internal/common/logger"
	"github.com/devos-ai/devos/internal/events"
	"github.com/devos-ai/devos/internal/events/bus"
	v1 "github.com/devos-ai/devos/pkg/api/v1"
	ws "github.com/devos-ai/devos/pkg/websocket"
)

type wsEnv struct {
	hub *Hub
	bus bus.EventBus
	srv *httptest.Server
}

func newWSEnv(t *testing.T, validate TokenValidator, backlog OutputBacklogProvider) *wsEnv {
	t.Helper()

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)

	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)

	dispatcher := ws.NewDispatcher()
	RegisterHealthHandler(dispatcher)

	hub := NewHub(dispatcher, log)
	hub.SetOutputBacklogProvider(backlog)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)
	RegisterEventBridge(ctx, eventBus, hub, log)

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.GET("/ws", NewHandler(hub, validate, log).HandleConnection)

	srv := httptest.NewServer(engine)
	t.Cleanup(srv.Close)

	return &wsEnv{hub: hub, bus: eventBus, srv: srv}
}

func (e *wsEnv) dial(t *testing.T, query string, header http.Header) *msgReader {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws" + query
	conn, _, err := gorillaws.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &msgReader{conn: conn}
}

// msgReader reads envelope messages, splitting write-pump batches.
type msgReader struct {
	conn    *gorillaws.Conn
	pending []*ws.Message
}

func (r *msgReader) send(t *testing.T, id, action string, payload interface{}) {
	t.Helper()
	msg, err := ws.NewRequest(id, action, payload)
	require.NoError(t, err)
	require.NoError(t, r.conn.WriteJSON(msg))
}

func (r *msgReader) next(t *testing.T) *ws.Message {
	t.Helper()
	if len(r.pending) == 0 {
		require.NoError(t, r.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, data, err := r.conn.ReadMessage()
		require.NoError(t, err)
		for _, part := range bytes.Split(data, []byte{'\n'}) {
			var m ws.Message
			require.NoError(t, json.Unmarshal(part, &m))
			r.pending = append(r.pending, &m)
		}
	}
	m := r.pending[0]
	r.pending = r.pending[1:]
	return m
}

// expectNone asserts no further message arrives. The read deadline poisons
// the connection, so this must be the last read on it.
func (r *msgReader) expectNone(t *testing.T) {
	t.Helper()
	require.Empty(t, r.pending)
	require.NoError(t, r.conn.SetReadDeadline(time.Now().Add(250*time.Millisecond)))
	_, data, err := r.conn.ReadMessage()
	require.Error(t, err, "unexpected message: %s", data)
}

func (r *msgReader) subscribe(t *testing.T, topic string) {
	t.Helper()
	r.send(t, "sub-"+topic, ws.ActionSubscribe, map[string]string{"topic": topic})
	resp := r.next(t)
	require.Equal(t, ws.MessageTypeResponse, resp.Type)
	var ack map[string]interface{}
	require.NoError(t, resp.ParsePayload(&ack))
	require.Equal(t, true, ack["success"])
	require.Equal(t, topic, ack["topic"])
}

func payloadOf(t *testing.T, msg *ws.Message) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	require.NoError(t, msg.ParsePayload(&m))
	return m
}

func TestGateway_HealthCheck(t *testing.T) {
	env := newWSEnv(t, nil, nil)
	conn := env.dial(t, "", nil)

	conn.send(t, "req-1", ws.ActionHealthCheck, nil)
	resp := conn.next(t)
	assert.Equal(t, ws.MessageTypeResponse, resp.Type)
	assert.Equal(t, "req-1", resp.ID)
	body := payloadOf(t, resp)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "devos", body["service"])
}

func TestGateway_UnknownAction(t *testing.T) {
	env := newWSEnv(t, nil, nil)
	conn := env.dial(t, "", nil)

	conn.send(t, "req-1", "teleport", nil)
	resp := conn.next(t)
	assert.Equal(t, ws.MessageTypeError, resp.Type)
	var errPayload ws.ErrorPayload
	require.NoError(t, resp.ParsePayload(&errPayload))
	assert.Equal(t, ws.ErrorCodeUnknownAction, errPayload.Code)
}

func TestGateway_SubscribeValidation(t *testing.T) {
	env := newWSEnv(t, nil, nil)
	conn := env.dial(t, "", nil)

	conn.send(t, "req-1", ws.ActionSubscribe, map[string]string{})
	resp := conn.next(t)
	require.Equal(t, ws.MessageTypeError, resp.Type)
	var errPayload ws.ErrorPayload
	require.NoError(t, resp.ParsePayload(&errPayload))
	assert.Equal(t, ws.ErrorCodeValidation, errPayload.Code)

	conn.send(t, "req-2", ws.ActionSubscribe, "not an object")
	resp = conn.next(t)
	require.Equal(t, ws.MessageTypeError, resp.Type)
	require.NoError(t, resp.ParsePayload(&errPayload))
	assert.Equal(t, ws.ErrorCodeBadRequest, errPayload.Code)
}

func TestGateway_PipelineEventsReachSubscribers(t *testing.T) {
	env := newWSEnv(t, nil, nil)
	ctx := context.Background()

	byType := env.dial(t, "", nil)
	byType.subscribe(t, events.TypePipelineStateChanged)

	byProject := env.dial(t, "", nil)
	byProject.subscribe(t, ProjectTopic("proj-1"))

	for _, projectID := range []string{"proj-1", "proj-2"} {
		event := bus.NewEvent(events.TypePipelineStateChanged, "test", map[string]interface{}{
			"project_id": projectID,
			"from":       string(v1.StateIdle),
			"to":         string(v1.StatePlanning),
			"trigger":    "planner job started",
		})
		require.NoError(t, env.bus.Publish(ctx, events.SubjectPipelineStateChanged, event))
	}

	// The type topic sees both projects; delivery order is not guaranteed.
	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		msg := byType.next(t)
		require.Equal(t, ws.MessageTypeNotification, msg.Type)
		require.Equal(t, events.TypePipelineStateChanged, msg.Action)
		seen[payloadOf(t, msg)["project_id"].(string)] = true
	}
	assert.True(t, seen["proj-1"] && seen["proj-2"], "saw %v", seen)

	// The project topic sees only its own pipeline.
	msg := byProject.next(t)
	assert.Equal(t, events.TypePipelineStateChanged, msg.Action)
	assert.Equal(t, "proj-1", payloadOf(t, msg)["project_id"])
	byProject.expectNone(t)
}

func TestGateway_ProgressEventsOnTypeTopic(t *testing.T) {
	env := newWSEnv(t, nil, nil)
	conn := env.dial(t, "", nil)
	conn.subscribe(t, events.TypeQAProgress)

	event := bus.NewEvent(events.ProgressType(v1.AgentQA), "test", map[string]interface{}{
		"session_id": "sess-1",
		"story_id":   "1-1",
		"step":       "run-tests",
		"status":     "completed",
		"percentage": 80,
	})
	require.NoError(t, env.bus.Publish(context.Background(), events.ProgressSubject(v1.AgentQA), event))

	msg := conn.next(t)
	assert.Equal(t, ws.MessageTypeNotification, msg.Type)
	assert.Equal(t, events.TypeQAProgress, msg.Action)
	assert.Equal(t, "run-tests", payloadOf(t, msg)["step"])
}

func TestGateway_SessionLiveTailWithBacklog(t *testing.T) {
	backlog := func(ctx context.Context, sessionID string) ([]string, error) {
		if sessionID == "sess-1" {
			return []string{"line one", "line two"}, nil
		}
		return nil, errors.New("no active output buffer")
	}
	env := newWSEnv(t, nil, backlog)
	conn := env.dial(t, "", nil)
	conn.subscribe(t, SessionTopic("sess-1"))

	// Buffered output is replayed first.
	msg := conn.next(t)
	require.Equal(t, ws.MessageTypeNotification, msg.Type)
	require.Equal(t, ws.ActionSessionOutputBacklog, msg.Action)
	body := payloadOf(t, msg)
	assert.Equal(t, "sess-1", body["session_id"])
	assert.Equal(t, []interface{}{"line one", "line two"}, body["lines"])

	// Then the live tail.
	for _, sessionID := range []string{"sess-1", "sess-2"} {
		event := bus.NewEvent(events.TypeSessionOutput, "supervisor", map[string]interface{}{
			"session_id": sessionID,
			"agent_type": string(v1.AgentDev),
			"metadata":   map[string]interface{}{"line": "compiling " + sessionID},
		})
		require.NoError(t, env.bus.Publish(context.Background(), events.SubjectSessionOutput, event))
	}

	msg = conn.next(t)
	assert.Equal(t, events.TypeSessionOutput, msg.Action)
	assert.Equal(t, "sess-1", payloadOf(t, msg)["session_id"])
	conn.expectNone(t)
}

func TestGateway_BacklogFailureIsSilent(t *testing.T) {
	backlog := func(ctx context.Context, sessionID string) ([]string, error) {
		return nil, errors.New("no active output buffer")
	}
	env := newWSEnv(t, nil, backlog)
	conn := env.dial(t, "", nil)

	// Subscribing to a session with no buffer succeeds with no replay.
	conn.subscribe(t, SessionTopic("sess-gone"))
	conn.expectNone(t)
}

func TestGateway_Unsubscribe(t *testing.T) {
	env := newWSEnv(t, nil, nil)
	conn := env.dial(t, "", nil)
	conn.subscribe(t, events.TypePipelineStateChanged)

	publish := func() {
		event := bus.NewEvent(events.TypePipelineStateChanged, "test", map[string]interface{}{
			"project_id": "proj-1",
		})
		require.NoError(t, env.bus.Publish(context.Background(), events.SubjectPipelineStateChanged, event))
	}

	publish()
	msg := conn.next(t)
	require.Equal(t, events.TypePipelineStateChanged, msg.Action)

	conn.send(t, "req-2", ws.ActionUnsubscribe, map[string]string{"topic": events.TypePipelineStateChanged})
	resp := conn.next(t)
	require.Equal(t, ws.MessageTypeResponse, resp.Type)

	publish()
	conn.expectNone(t)
}

func TestGateway_TokenValidation(t *testing.T) {
	validate := func(ctx context.Context, token string) error {
		if token != "secret" {
			return fmt.Errorf("unknown bearer token")
		}
		return nil
	}
	env := newWSEnv(t, validate, nil)

	url := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/ws"
	_, resp, err := gorillaws.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Query token for browser clients, Authorization header for everyone else.
	conn := env.dial(t, "?token=secret", nil)
	conn.send(t, "req-1", ws.ActionHealthCheck, nil)
	assert.Equal(t, ws.MessageTypeResponse, conn.next(t).Type)

	header := http.Header{"Authorization": []string{"Bearer secret"}}
	conn = env.dial(t, "", header)
	conn.send(t, "req-1", ws.ActionHealthCheck, nil)
	assert.Equal(t, ws.MessageTypeResponse, conn.next(t).Type)
}
