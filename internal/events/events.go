package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// 事件类型，业务写入成功后尽力发布，发布失败不影响写入本身。
const (
	P2PMatched   = "p2p.matched"
	P2PMessage   = "p2p.message"
	P2PLeft      = "p2p.left"
	GroupCreated = "group.created"
	GroupJoined  = "group.joined"
	GroupLeft    = "group.left"
	GroupMessage = "group.message"
	GroupExpired = "group.expired"
)

type Event struct {
	Type         string    `json:"type"`
	GroupID      uint      `json:"group_id,omitempty"`
	ConnectionID string    `json:"connection_id,omitempty"`
	Username     string    `json:"username,omitempty"`
	Partner      string    `json:"partner,omitempty"`
	MessageID    uint      `json:"message_id,omitempty"`
	Message      string    `json:"message,omitempty"`
	At           time.Time `json:"at"`
}

// Subject 返回事件对应的 NATS 主题，例如 chat.group.message.42。
func Subject(e Event) string {
	switch {
	case e.GroupID != 0:
		return fmt.Sprintf("chat.%s.%d", e.Type, e.GroupID)
	case e.ConnectionID != "":
		return fmt.Sprintf("chat.%s.%s", e.Type, e.ConnectionID)
	default:
		return "chat." + e.Type
	}
}

type Publisher interface {
	Publish(ctx context.Context, e Event)
}

type Nop struct{}

func (Nop) Publish(context.Context, Event) {}

// Fanout 按顺序把事件投递给每个 Publisher，跳过 nil。
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, e Event) {
	for _, p := range f {
		if p != nil {
			p.Publish(ctx, e)
		}
	}
}

type NATSPublisher struct {
	nc *nats.Conn
}

// ConnectNATS 连接 NATS 并开启无限重连。
func ConnectNATS(url string) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("anonymous-messenger"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &NATSPublisher{nc: nc}, nil
}

func (p *NATSPublisher) Publish(_ context.Context, e Event) {
	data, err := json.Marshal(e)
	if err != nil {
		log.Error().Err(err).Str("type", e.Type).Msg("marshal event")
		return
	}
	if err := p.nc.Publish(Subject(e), data); err != nil {
		log.Warn().Err(err).Str("subject", Subject(e)).Msg("publish event")
	}
}

// Close 先 Drain 未发送的消息再关闭连接。
func (p *NATSPublisher) Close() {
	if err := p.nc.Drain(); err != nil {
		p.nc.Close()
	}
}
