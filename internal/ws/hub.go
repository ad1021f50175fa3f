package ws

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/SABBIR-1-HASAN-1-JOY/AnonymousMessenger-sub001/internal/events"
	"github.com/SABBIR-1-HASAN-1-JOY/AnonymousMessenger-sub001/internal/metrics"

	"github.com/rs/zerolog/log"
)

// Hub 管理群级别的子 Hub，实现延迟创建与并发安全；同时作为 events.Publisher 接收群事件。
type Hub struct {
	mu     sync.RWMutex
	groups map[uint]*GroupHub
}

func NewHub() *Hub { return &Hub{groups: make(map[uint]*GroupHub)} }

// GetGroup 若群未初始化则懒加载一个 GroupHub。
func (h *Hub) GetGroup(groupID uint) *GroupHub {
	h.mu.RLock()
	gh := h.groups[groupID]
	h.mu.RUnlock()
	if gh != nil {
		return gh
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	gh = h.groups[groupID]
	if gh != nil {
		return gh
	}
	gh = NewGroupHub(groupID)
	h.groups[groupID] = gh
	go gh.run()
	return gh
}

func (h *Hub) Online(groupID uint) int {
	h.mu.RLock()
	gh := h.groups[groupID]
	h.mu.RUnlock()
	if gh == nil {
		return 0
	}
	return gh.Online()
}

// Publish 把 group.* 事件推送给订阅该群的连接；成员退出时踢掉其连接，群过期时关闭全部连接。
func (h *Hub) Publish(_ context.Context, e events.Event) {
	if e.GroupID == 0 || !strings.HasPrefix(e.Type, "group.") {
		return
	}
	if e.Type == events.GroupExpired {
		h.closeGroup(e.GroupID)
		return
	}
	h.mu.RLock()
	gh := h.groups[e.GroupID]
	h.mu.RUnlock()
	if gh == nil {
		return
	}
	if e.Type == events.GroupLeft && e.Username != "" {
		// 先同步踢人，之后发布的消息不会再送达
		gh.evict(e.Username)
	}
	b, err := json.Marshal(e)
	if err != nil {
		return
	}
	gh.send(b)
}

func (h *Hub) closeGroup(groupID uint) {
	h.mu.Lock()
	gh := h.groups[groupID]
	delete(h.groups, groupID)
	h.mu.Unlock()
	if gh != nil {
		gh.close()
	}
}

type GroupHub struct {
	groupID    uint
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	kick       chan string
	broadcast  chan []byte
	done       chan struct{}
	closeOnce  sync.Once
	online     int32
}

func NewGroupHub(groupID uint) *GroupHub {
	return &GroupHub{
		groupID:    groupID,
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		kick:       make(chan string),
		broadcast:  make(chan []byte, 256),
		done:       make(chan struct{}),
	}
}

func (gh *GroupHub) run() {
	for {
		select {
		case c := <-gh.register:
			gh.clients[c] = true
			atomic.StoreInt32(&gh.online, int32(len(gh.clients)))
			metrics.WsConnections.Inc()
			gh.fanout(gh.presenceFrame("online", c))
		case c := <-gh.unregister:
			if _, ok := gh.clients[c]; ok {
				gh.drop(c)
				gh.fanout(gh.presenceFrame("offline", c))
			}
		case name := <-gh.kick:
			for c := range gh.clients {
				if c.username == name {
					gh.drop(c)
				}
			}
		case msg := <-gh.broadcast:
			gh.fanout(msg)
		case <-gh.done:
			for c := range gh.clients {
				gh.drop(c)
			}
			return
		}
	}
}

func (gh *GroupHub) presenceFrame(kind string, c *Client) []byte {
	evt := map[string]interface{}{
		"type":     kind,
		"group_id": gh.groupID,
		"username": c.username,
		"online":   int(atomic.LoadInt32(&gh.online)),
	}
	b, _ := json.Marshal(evt)
	return b
}

func (gh *GroupHub) fanout(msg []byte) {
	for c := range gh.clients {
		select {
		case c.send <- msg:
		default:
			gh.drop(c)
		}
	}
}

func (gh *GroupHub) drop(c *Client) {
	delete(gh.clients, c)
	close(c.send)
	atomic.StoreInt32(&gh.online, int32(len(gh.clients)))
	metrics.WsConnections.Dec()
}

// send 非阻塞地投递广播；缓冲区满或群已关闭时丢弃。
func (gh *GroupHub) send(b []byte) {
	select {
	case <-gh.done:
	case gh.broadcast <- b:
	default:
		log.Warn().Uint("group_id", gh.groupID).Msg("ws broadcast buffer full, dropping event")
	}
}

func (gh *GroupHub) join(c *Client) bool {
	select {
	case gh.register <- c:
		return true
	case <-gh.done:
		return false
	}
}

func (gh *GroupHub) leave(c *Client) {
	select {
	case gh.unregister <- c:
	case <-gh.done:
	}
}

// evict 断开该用户名在本群的全部连接，返回时已生效。
func (gh *GroupHub) evict(username string) {
	select {
	case gh.kick <- username:
	case <-gh.done:
	}
}

func (gh *GroupHub) close() { gh.closeOnce.Do(func() { close(gh.done) }) }

// Online 返回群内在线连接数量，供 REST 接口复用。
func (gh *GroupHub) Online() int { return int(atomic.LoadInt32(&gh.online)) }
