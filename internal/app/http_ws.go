package app

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"collabboard/api/internal/policy"
	"collabboard/api/internal/realtime"
)

func (s *HTTPServer) upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if s.corsOrigin == "*" {
				return true
			}
			origin := r.Header.Get("Origin")
			return origin == "" || origin == s.corsOrigin
		},
	}
}

func (s *HTTPServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimSpace(r.URL.Query().Get("token"))
	if token == "" {
		token = bearerToken(r)
	}
	if token == "" {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	upgrader := s.upgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf(`{"event":"ws_upgrade_failed","error":%q}`, err.Error())
		return
	}

	client := realtime.NewClient(s.hub, conn, session.UserID, session.UserName)
	s.hub.Join(client, realtime.UserRoom(session.UserID))

	go client.WritePump()
	client.ReadPump(r.Context(), s.socketHandler(session))
}

// socketHandler dispatches client→server socket events for one connection.
// Authorization is re-checked per event: room membership is required before
// joining, and message operations go through the same service paths as REST.
func (s *HTTPServer) socketHandler(session Session) realtime.EventHandler {
	return func(ctx context.Context, client *realtime.Client, event string, data json.RawMessage) {
		switch event {
		case "join-project":
			var body struct {
				ProjectID string `json:"projectId"`
			}
			if err := json.Unmarshal(data, &body); err != nil || body.ProjectID == "" {
				client.Send("error", map[string]any{"message": "projectId is required"})
				return
			}
			if _, err := s.service.GetProject(ctx, session, body.ProjectID); err != nil {
				_, message := mapError(err)
				client.Send("error", map[string]any{"message": message})
				return
			}
			s.hub.Join(client, realtime.ProjectRoom(body.ProjectID))
			client.Send("joined-project", map[string]any{"projectId": body.ProjectID})

		case "leave-project":
			var body struct {
				ProjectID string `json:"projectId"`
			}
			if err := json.Unmarshal(data, &body); err != nil || body.ProjectID == "" {
				return
			}
			s.hub.Leave(client, realtime.ProjectRoom(body.ProjectID))

		case "send-message":
			var body struct {
				ProjectID string `json:"projectId"`
				Content   string `json:"content"`
			}
			if err := json.Unmarshal(data, &body); err != nil || body.ProjectID == "" {
				client.Send("error", map[string]any{"message": "projectId is required"})
				return
			}
			if _, err := s.service.SendMessage(ctx, session, body.ProjectID, body.Content, client); err != nil {
				_, message := mapError(err)
				client.Send("error", map[string]any{"message": message})
			}

		case "update-message":
			var body struct {
				MessageID string `json:"messageId"`
				Content   string `json:"content"`
			}
			if err := json.Unmarshal(data, &body); err != nil || body.MessageID == "" {
				client.Send("error", map[string]any{"message": "messageId is required"})
				return
			}
			if _, err := s.service.UpdateMessage(ctx, session, body.MessageID, body.Content, client); err != nil {
				_, message := mapError(err)
				client.Send("error", map[string]any{"message": message})
			}

		case "delete-message":
			var body struct {
				MessageID string `json:"messageId"`
			}
			if err := json.Unmarshal(data, &body); err != nil || body.MessageID == "" {
				client.Send("error", map[string]any{"message": "messageId is required"})
				return
			}
			if err := s.service.DeleteMessage(ctx, session, body.MessageID, client); err != nil {
				_, message := mapError(err)
				client.Send("error", map[string]any{"message": message})
			}

		case "typing":
			var body struct {
				ProjectID string `json:"projectId"`
			}
			if err := json.Unmarshal(data, &body); err != nil || body.ProjectID == "" {
				return
			}
			// Typing is only relayed for rooms the client has joined.
			if !s.hub.InRoom(client, realtime.ProjectRoom(body.ProjectID)) {
				client.Send("error", map[string]any{"message": policy.ReasonNotMember})
				return
			}
			s.hub.StartTyping(client, body.ProjectID)

		case "stop-typing":
			var body struct {
				ProjectID string `json:"projectId"`
			}
			if err := json.Unmarshal(data, &body); err != nil || body.ProjectID == "" {
				return
			}
			if !s.hub.InRoom(client, realtime.ProjectRoom(body.ProjectID)) {
				return
			}
			s.hub.StopTyping(client, body.ProjectID)

		default:
			client.Send("error", map[string]any{"message": "Unknown event: " + event})
		}
	}
}
