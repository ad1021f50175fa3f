package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/SABBIR-1-HASAN-1-JOY/AnonymousMessenger-sub001/internal/auth"
	"github.com/SABBIR-1-HASAN-1-JOY/AnonymousMessenger-sub001/internal/models"
	"github.com/SABBIR-1-HASAN-1-JOY/AnonymousMessenger-sub001/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// GroupSender 是 ws 层依赖的群服务能力，实时消息与 REST 走同一套校验和淘汰逻辑。
type GroupSender interface {
	Get(ctx context.Context, groupID uint) (*models.Group, error)
	IsMember(ctx context.Context, username string, groupID uint) (bool, error)
	SendMessage(ctx context.Context, sender string, groupID uint, text string) (*models.GroupMessage, error)
}

type Client struct {
	group    *GroupHub
	conn     *websocket.Conn
	send     chan []byte
	groups   GroupSender
	username string
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type InboundMessage struct {
	Type     string `json:"type"`
	Content  string `json:"content"`
	IsTyping bool   `json:"is_typing"`
}

func Serve(h *Hub, groups GroupSender, secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		gid64, err := strconv.ParseUint(c.Query("group_id"), 10, 64)
		if err != nil || gid64 == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid group_id"})
			return
		}
		groupID := uint(gid64)

		// WS 通过 token 查询参数或 Authorization 头携带令牌
		authz := c.GetHeader("Authorization")
		token := c.Query("token")
		if token == "" && len(authz) > 7 && (authz[:7] == "Bearer " || authz[:7] == "bearer ") {
			token = authz[7:]
		}
		if token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
			return
		}
		claims, err := auth.ParseAccessToken(token, secret)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		ctx := c.Request.Context()
		if _, err := groups.Get(ctx, groupID); err != nil {
			if errors.Is(err, service.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "group not found"})
				return
			}
			log.Error().Err(err).Uint("group_id", groupID).Msg("ws group lookup failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		member, err := groups.IsMember(ctx, claims.Username, groupID)
		if err != nil {
			log.Error().Err(err).Uint("group_id", groupID).Msg("ws membership check failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		if !member {
			c.JSON(http.StatusForbidden, gin.H{"error": "not a member of this group"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			return
		}
		gh := h.GetGroup(groupID)
		client := &Client{group: gh, conn: conn, send: make(chan []byte, 256), groups: groups, username: claims.Username}
		if !gh.join(client) {
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "group expired"))
			_ = conn.Close()
			return
		}

		go client.writePump()
		client.readPump()
	}
}

func (c *Client) readPump() {
	defer func() {
		c.group.leave(c)
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(16 << 10)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		var in InboundMessage
		if err := json.Unmarshal(data, &in); err != nil {
			continue
		}
		// typing 信号不落库
		if in.Type == "typing" {
			evt := map[string]interface{}{"type": "typing", "group_id": c.group.groupID, "username": c.username, "is_typing": in.IsTyping}
			if b, err := json.Marshal(evt); err == nil {
				c.group.send(b)
			}
			continue
		}
		if in.Type != "message" {
			continue
		}
		// 广播由 GroupService 发布的 group.message 事件完成
		if _, err := c.groups.SendMessage(context.Background(), c.username, c.group.groupID, in.Content); err != nil {
			log.Debug().Err(err).Str("username", c.username).Uint("group_id", c.group.groupID).Msg("ws message rejected")
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(message)
			_ = w.Close()
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
