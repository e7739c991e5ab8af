package ha

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// mockHAServer creates a mock Home Assistant WebSocket server
func mockHAServer(t *testing.T, handler func(*websocket.Conn)) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("Failed to upgrade connection: %v", err)
			return
		}
		defer conn.Close()

		handler(conn)
	}))
}

// standardAuthFlow handles the standard authentication flow
func standardAuthFlow(t *testing.T, conn *websocket.Conn, token string) {
	err := conn.WriteJSON(Message{Type: "auth_required"})
	require.NoError(t, err)

	var authMsg AuthMessage
	err = conn.ReadJSON(&authMsg)
	require.NoError(t, err)
	assert.Equal(t, "auth", authMsg.Type)
	assert.Equal(t, token, authMsg.AccessToken)

	err = conn.WriteJSON(Message{Type: "auth_ok"})
	require.NoError(t, err)
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestClient_Connect(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	token := "test_token"

	t.Run("successful connection", func(t *testing.T) {
		server := mockHAServer(t, func(conn *websocket.Conn) {
			standardAuthFlow(t, conn, token)
			time.Sleep(100 * time.Millisecond)
		})
		defer server.Close()

		client := NewClient(wsURL(server), token, logger)

		err := client.Connect()
		require.NoError(t, err)
		assert.True(t, client.IsConnected())

		require.NoError(t, client.Disconnect())
		assert.False(t, client.IsConnected())
	})

	t.Run("invalid token", func(t *testing.T) {
		server := mockHAServer(t, func(conn *websocket.Conn) {
			conn.WriteJSON(Message{Type: "auth_required"})
			var authMsg AuthMessage
			conn.ReadJSON(&authMsg)
			conn.WriteJSON(Message{Type: "auth_invalid"})
		})
		defer server.Close()

		client := NewClient(wsURL(server), "wrong", logger)

		err := client.Connect()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid token")
		assert.False(t, client.IsConnected())
	})

	t.Run("already connected", func(t *testing.T) {
		server := mockHAServer(t, func(conn *websocket.Conn) {
			standardAuthFlow(t, conn, token)
			time.Sleep(100 * time.Millisecond)
		})
		defer server.Close()

		client := NewClient(wsURL(server), token, logger)
		require.NoError(t, client.Connect())
		defer client.Disconnect()

		err := client.Connect()
		assert.Error(t, err)
	})
}

func TestClient_NotConnected(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	client := NewClient("ws://localhost:1", "token", logger)

	err := client.CallService("calendar", "create_event", map[string]interface{}{})
	assert.EqualError(t, err, "not connected")

	_, err = client.CallServiceWithResponse("calendar", "get_events", nil)
	assert.EqualError(t, err, "not connected")
}

func TestClient_CallService(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	token := "test_token"
	received := make(chan CallServiceRequest, 1)

	server := mockHAServer(t, func(conn *websocket.Conn) {
		standardAuthFlow(t, conn, token)

		var req CallServiceRequest
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		received <- req

		success := true
		conn.WriteJSON(Message{ID: req.ID, Type: "result", Success: &success})
		time.Sleep(50 * time.Millisecond)
	})
	defer server.Close()

	client := NewClient(wsURL(server), token, logger)
	require.NoError(t, client.Connect())
	defer client.Disconnect()

	err := client.CallService("calendar", "create_event", map[string]interface{}{
		"entity_id":  "calendar.family",
		"start_date": "2025-03-01",
	})
	require.NoError(t, err)

	req := <-received
	assert.Equal(t, "call_service", req.Type)
	assert.Equal(t, "calendar", req.Domain)
	assert.Equal(t, "create_event", req.Service)
	assert.False(t, req.ReturnResponse)
	assert.Equal(t, "calendar.family", req.ServiceData["entity_id"])
}

func TestClient_CallServiceWithResponse(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	token := "test_token"

	server := mockHAServer(t, func(conn *websocket.Conn) {
		standardAuthFlow(t, conn, token)

		var req CallServiceRequest
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		assert.True(t, req.ReturnResponse)

		result, _ := json.Marshal(map[string]interface{}{
			"context": map[string]string{"id": "abc"},
			"response": map[string]interface{}{
				"calendar.family": map[string]interface{}{
					"events": []map[string]string{{"summary": "Tax - Due - AB12CDE"}},
				},
			},
		})
		success := true
		conn.WriteJSON(Message{ID: req.ID, Type: "result", Success: &success, Result: result})
		time.Sleep(50 * time.Millisecond)
	})
	defer server.Close()

	client := NewClient(wsURL(server), token, logger)
	require.NoError(t, client.Connect())
	defer client.Disconnect()

	raw, err := client.CallServiceWithResponse("calendar", "get_events", map[string]interface{}{
		"entity_id": "calendar.family",
	})
	require.NoError(t, err)

	var response map[string]struct {
		Events []struct {
			Summary string `json:"summary"`
		} `json:"events"`
	}
	require.NoError(t, json.Unmarshal(raw, &response))
	require.Len(t, response["calendar.family"].Events, 1)
	assert.Equal(t, "Tax - Due - AB12CDE", response["calendar.family"].Events[0].Summary)
}

func TestClient_ServiceError(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	token := "test_token"

	server := mockHAServer(t, func(conn *websocket.Conn) {
		standardAuthFlow(t, conn, token)

		var req CallServiceRequest
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		success := false
		conn.WriteJSON(Message{
			ID:      req.ID,
			Type:    "result",
			Success: &success,
			Error:   &Error{Code: "service_validation_error", Message: "Entity does not support this service"},
		})
		time.Sleep(50 * time.Millisecond)
	})
	defer server.Close()

	client := NewClient(wsURL(server), token, logger)
	require.NoError(t, client.Connect())
	defer client.Disconnect()

	err := client.CallService("calendar", "create_event", map[string]interface{}{})
	require.Error(t, err)

	var serviceErr *ServiceError
	require.True(t, errors.As(err, &serviceErr))
	assert.Equal(t, "service_validation_error", serviceErr.Code)
}

func TestClient_GetAllStates(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	token := "test_token"

	server := mockHAServer(t, func(conn *websocket.Conn) {
		standardAuthFlow(t, conn, token)

		var req GetStatesRequest
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		states, _ := json.Marshal([]State{
			{EntityID: "calendar.family", State: "off", Attributes: map[string]interface{}{"supported_features": 7}},
			{EntityID: "calendar.holidays", State: "off", Attributes: map[string]interface{}{}},
		})
		success := true
		conn.WriteJSON(Message{ID: req.ID, Type: "result", Success: &success, Result: states})
		time.Sleep(50 * time.Millisecond)
	})
	defer server.Close()

	client := NewClient(wsURL(server), token, logger)
	require.NoError(t, client.Connect())
	defer client.Disconnect()

	states, err := client.GetAllStates()
	require.NoError(t, err)
	require.Len(t, states, 2)
	assert.Equal(t, 7, states[0].SupportedFeatures())
	assert.Equal(t, 0, states[1].SupportedFeatures())
}
