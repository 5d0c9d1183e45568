package app

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Chair4ce/MyEPBuddy-sub001/internal/collab"
	"github.com/Chair4ce/MyEPBuddy-sub001/internal/store"
)

const (
	wsMaxPayloadBytes = 64 << 10
	wsPingInterval    = 30 * time.Second
	wsPongWait        = 90 * time.Second
	wsWriteWait       = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(*http.Request) bool {
		return true
	},
}

// wsCommand is one client frame. Fields beyond type are read per command.
type wsCommand struct {
	Type           string  `json:"type"`
	StatementID    string  `json:"statementId,omitempty"`
	Code           string  `json:"code,omitempty"`
	ParticipantID  string  `json:"participantId,omitempty"`
	DraftText      *string `json:"draftText,omitempty"`
	CursorPosition *int    `json:"cursorPosition,omitempty"`
}

type wsReply struct {
	Type        string           `json:"type"`
	SessionCode string           `json:"sessionCode,omitempty"`
	Snapshot    *collab.Snapshot `json:"snapshot,omitempty"`
	Code        string           `json:"code,omitempty"`
	Message     string           `json:"message,omitempty"`
}

// handleWS upgrades the connection and binds a fresh coordinator to it. The
// coordinator lives exactly as long as the socket; closing the socket tears
// down timers and the channel subscription without touching durable state.
func (s *HTTPServer) handleWS(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, string(collab.CodeUnauthenticated), "Missing caller identity", nil)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws: upgrade failed: %v", err)
		return
	}

	coordinator := collab.NewCoordinator(s.store, s.transport, identity, collab.Options{
		HeartbeatInterval: s.cfg.HeartbeatInterval,
		SessionCodeLength: s.cfg.SessionCodeLength,
	})

	client := &wsClient{
		conn:        conn,
		coordinator: coordinator,
		out:         make(chan wsReply, 32),
		done:        make(chan struct{}),
	}
	coordinator.OnChange(func(snap collab.Snapshot) {
		client.send(wsReply{Type: "snapshot", Snapshot: &snap})
	})

	go client.writeLoop()
	client.readLoop()
}

type wsClient struct {
	conn        *websocket.Conn
	coordinator *collab.Coordinator
	out         chan wsReply
	done        chan struct{}
}

func (c *wsClient) send(reply wsReply) {
	select {
	case c.out <- reply:
	case <-c.done:
	default:
		// Slow consumer; the next snapshot supersedes this one anyway.
	}
}

func (c *wsClient) writeLoop() {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case reply := <-c.out:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteJSON(reply); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *wsClient) readLoop() {
	defer func() {
		close(c.done)
		_ = c.conn.Close()
		c.coordinator.Close()
	}()

	c.conn.SetReadLimit(wsMaxPayloadBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var cmd wsCommand
		if err := json.Unmarshal(raw, &cmd); err != nil {
			c.send(wsReply{Type: "error", Code: "INVALID_FRAME", Message: "malformed command"})
			continue
		}
		c.handleCommand(cmd)
	}
}

func (c *wsClient) handleCommand(cmd wsCommand) {
	ctx := context.Background()
	switch cmd.Type {
	case "start":
		var initial *store.WorkspaceState
		if cmd.DraftText != nil || cmd.CursorPosition != nil {
			initial = &store.WorkspaceState{CursorPosition: cmd.CursorPosition}
			if cmd.DraftText != nil {
				initial.DraftText = *cmd.DraftText
			}
		}
		code, err := c.coordinator.StartEditing(ctx, cmd.StatementID, initial)
		if err != nil {
			c.sendError(err)
			return
		}
		c.send(wsReply{Type: "started", SessionCode: code})
	case "join":
		if err := c.coordinator.RequestToJoin(ctx, cmd.Code); err != nil {
			c.sendError(err)
		}
	case "approve":
		if err := c.coordinator.ApproveJoinRequest(ctx, cmd.ParticipantID); err != nil {
			c.sendError(err)
		}
	case "reject":
		if err := c.coordinator.RejectJoinRequest(ctx, cmd.ParticipantID); err != nil {
			c.sendError(err)
		}
	case "state":
		err := c.coordinator.BroadcastState(ctx, collab.StatePatch{
			DraftText:      cmd.DraftText,
			CursorPosition: cmd.CursorPosition,
		})
		if err != nil {
			c.sendError(err)
		}
	case "activity":
		c.coordinator.UpdateActivity(ctx)
	case "leave":
		if err := c.coordinator.LeaveSession(ctx); err != nil {
			c.sendError(err)
		}
	case "end":
		if err := c.coordinator.EndSession(ctx); err != nil {
			c.sendError(err)
		}
	case "snapshot":
		snap := c.coordinator.Snapshot()
		c.send(wsReply{Type: "snapshot", Snapshot: &snap})
	default:
		c.send(wsReply{Type: "error", Code: "UNKNOWN_COMMAND", Message: "unknown command type " + cmd.Type})
	}
}

func (c *wsClient) sendError(err error) {
	_, code, message := mapCollabError(err)
	c.send(wsReply{Type: "error", Code: code, Message: message})
}
