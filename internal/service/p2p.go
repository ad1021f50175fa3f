package service

import (
	"context"
	"fmt"
	"time"

	"github.com/SABBIR-1-HASAN-1-JOY/AnonymousMessenger-sub001/internal/events"
	"github.com/SABBIR-1-HASAN-1-JOY/AnonymousMessenger-sub001/internal/metrics"
	"github.com/SABBIR-1-HASAN-1-JOY/AnonymousMessenger-sub001/internal/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// P2PService 封装匿名 1:1 匹配队列、连接状态机和连接内消息。
type P2PService struct {
	db       *gorm.DB
	now      Clock
	presence *PresenceService
	pub      events.Publisher
}

func NewP2PService(db *gorm.DB, now Clock, presence *PresenceService, pub events.Publisher) *P2PService {
	if pub == nil {
		pub = events.Nop{}
	}
	return &P2PService{db: db, now: now, presence: presence, pub: pub}
}

type JoinResult struct {
	Status       string `json:"status"`
	Matched      bool   `json:"matched"`
	Partner      string `json:"partner,omitempty"`
	ConnectionID string `json:"connection_id"`
}

type CheckResult struct {
	Connected    bool   `json:"connected"`
	Waiting      bool   `json:"waiting"`
	Partner      string `json:"partner,omitempty"`
	ConnectionID string `json:"connection_id,omitempty"`
}

type P2PMessages struct {
	ServerNow time.Time           `json:"server_now"`
	Messages  []models.P2PMessage `json:"messages"`
}

type QueueStats struct {
	Waiting           int64 `json:"waiting"`
	ActiveConnections int64 `json:"active_connections"`
	TotalActiveUsers  int64 `json:"total_active_users"`
}

func joinResult(conn models.Connection, username string) *JoinResult {
	if conn.Status == models.StatusActive {
		return &JoinResult{Status: "matched", Matched: true, Partner: conn.Partner(username), ConnectionID: conn.ID}
	}
	return &JoinResult{Status: "waiting", ConnectionID: conn.ID}
}

// Join 将用户放入匹配队列。已有未过期的等待/活跃连接时原样返回；
// 否则随机认领一个等待中的连接，找不到则创建新的等待连接。
func (s *P2PService) Join(ctx context.Context, username string) (*JoinResult, error) {
	username, err := normalizeUsername(username)
	if err != nil {
		return nil, err
	}
	if err := s.presence.Touch(ctx, username); err != nil {
		return nil, err
	}
	now := s.now()

	existing, err := s.liveConnection(ctx, username, now)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		metrics.MatchesTotal.WithLabelValues("existing").Inc()
		return joinResult(*existing, username), nil
	}

	for attempt := 0; attempt < maxClaimAttempts; attempt++ {
		var candidates []models.Connection
		err := s.db.WithContext(ctx).
			Where("status = ? AND user2 IS NULL AND user1 <> ? AND expires_at > ?", models.StatusWaiting, username, now).
			Order("RANDOM()").
			Limit(1).
			Find(&candidates).Error
		if err != nil {
			return nil, fmt.Errorf("find waiting connection: %w", err)
		}
		if len(candidates) == 0 {
			break
		}
		cand := candidates[0]
		ok, err := s.claim(ctx, cand.ID, username, now)
		if err != nil {
			return nil, err
		}
		if !ok {
			metrics.ClaimConflictsTotal.Inc()
			continue
		}
		metrics.MatchesTotal.WithLabelValues("matched").Inc()
		s.pub.Publish(ctx, events.Event{Type: events.P2PMatched, ConnectionID: cand.ID, Username: username, Partner: cand.User1, At: now})
		return &JoinResult{Status: "matched", Matched: true, Partner: cand.User1, ConnectionID: cand.ID}, nil
	}

	conn := models.Connection{
		ID:        uuid.NewString(),
		User1:     username,
		Status:    models.StatusWaiting,
		StartedAt: now,
		ExpiresAt: now.Add(WaitingTTL),
	}
	if err := s.db.WithContext(ctx).Create(&conn).Error; err != nil {
		return nil, fmt.Errorf("create waiting connection: %w", err)
	}
	metrics.MatchesTotal.WithLabelValues("waiting").Inc()
	return &JoinResult{Status: "waiting", ConnectionID: conn.ID}, nil
}

// claim 以比较并交换的方式认领等待中的连接：只有仍处于 waiting 且未被认领时才会更新成功。
func (s *P2PService) claim(ctx context.Context, connID, username string, now time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.Connection{}).
		Where("id = ? AND status = ? AND user2 IS NULL AND expires_at > ?", connID, models.StatusWaiting, now).
		Updates(map[string]interface{}{
			"user2":      username,
			"status":     models.StatusActive,
			"expires_at": now.Add(ActiveTTL),
		})
	if res.Error != nil {
		return false, fmt.Errorf("claim connection: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// liveConnection 返回用户当前未过期的等待/活跃连接；过期但尚未被清扫的连接视为不存在。
func (s *P2PService) liveConnection(ctx context.Context, username string, now time.Time) (*models.Connection, error) {
	var conns []models.Connection
	err := s.db.WithContext(ctx).
		Where("(user1 = ? OR user2 = ?) AND status IN ? AND expires_at > ?",
			username, username, []string{models.StatusWaiting, models.StatusActive}, now).
		Order("started_at desc").
		Limit(1).
		Find(&conns).Error
	if err != nil {
		return nil, fmt.Errorf("find live connection: %w", err)
	}
	if len(conns) == 0 {
		return nil, nil
	}
	return &conns[0], nil
}

func (s *P2PService) Check(ctx context.Context, username string) (*CheckResult, error) {
	username, err := normalizeUsername(username)
	if err != nil {
		return nil, err
	}
	if err := s.presence.Touch(ctx, username); err != nil {
		return nil, err
	}
	conn, err := s.liveConnection(ctx, username, s.now())
	if err != nil {
		return nil, err
	}
	if conn == nil {
		return &CheckResult{}, nil
	}
	if conn.Status == models.StatusActive {
		return &CheckResult{Connected: true, Partner: conn.Partner(username), ConnectionID: conn.ID}, nil
	}
	return &CheckResult{Waiting: true, ConnectionID: conn.ID}, nil
}

// Leave 强制结束用户所有等待/活跃连接，消息保留到后续清理。
func (s *P2PService) Leave(ctx context.Context, username string) error {
	username, err := normalizeUsername(username)
	if err != nil {
		return err
	}
	now := s.now()
	var conns []models.Connection
	err = s.db.WithContext(ctx).
		Where("(user1 = ? OR user2 = ?) AND status IN ?", username, username,
			[]string{models.StatusWaiting, models.StatusActive}).
		Find(&conns).Error
	if err != nil {
		return fmt.Errorf("find connections: %w", err)
	}
	if len(conns) == 0 {
		return nil
	}
	ids := make([]string, 0, len(conns))
	for _, c := range conns {
		ids = append(ids, c.ID)
	}
	err = s.db.WithContext(ctx).Model(&models.Connection{}).
		Where("id IN ?", ids).
		Updates(map[string]interface{}{"status": models.StatusEnded, "expires_at": now}).Error
	if err != nil {
		return fmt.Errorf("end connections: %w", err)
	}
	for _, c := range conns {
		s.pub.Publish(ctx, events.Event{Type: events.P2PLeft, ConnectionID: c.ID, Username: username, Partner: c.Partner(username), At: now})
	}
	return nil
}

// SendMessage 要求双方之间存在未过期的活跃连接；消息过期时间取发送时连接的过期时间。
func (s *P2PService) SendMessage(ctx context.Context, sender, receiver, text string) (*models.P2PMessage, error) {
	sender, err := normalizeUsername(sender)
	if err != nil {
		return nil, err
	}
	receiver, err = normalizeUsername(receiver)
	if err != nil {
		return nil, err
	}
	if sender == receiver {
		return nil, ErrSelfMessage
	}
	text, err = normalizeMessage(text)
	if err != nil {
		return nil, err
	}
	now := s.now()

	var conns []models.Connection
	err = s.db.WithContext(ctx).
		Where("status = ? AND expires_at > ? AND ((user1 = ? AND user2 = ?) OR (user1 = ? AND user2 = ?))",
			models.StatusActive, now, sender, receiver, receiver, sender).
		Limit(1).
		Find(&conns).Error
	if err != nil {
		return nil, fmt.Errorf("find active connection: %w", err)
	}
	if len(conns) == 0 {
		return nil, ErrNoActiveConnection
	}
	conn := conns[0]

	if err := s.presence.Touch(ctx, sender); err != nil {
		return nil, err
	}
	msg := models.P2PMessage{
		ConnectionID: conn.ID,
		Sender:       sender,
		Message:      text,
		SentAt:       now,
		ExpiresAt:    conn.ExpiresAt,
	}
	if err := s.db.WithContext(ctx).Create(&msg).Error; err != nil {
		return nil, fmt.Errorf("create p2p message: %w", err)
	}
	metrics.MessagesTotal.WithLabelValues("p2p").Inc()
	s.pub.Publish(ctx, events.Event{
		Type:         events.P2PMessage,
		ConnectionID: conn.ID,
		Username:     sender,
		Partner:      receiver,
		MessageID:    msg.ID,
		Message:      msg.Message,
		At:           now,
	})
	return &msg, nil
}

// GetMessages 返回双方最近一条连接（任意状态）中未过期的消息，按发送时间升序。
func (s *P2PService) GetMessages(ctx context.Context, username, partner string) (*P2PMessages, error) {
	username, err := normalizeUsername(username)
	if err != nil {
		return nil, err
	}
	partner, err = normalizeUsername(partner)
	if err != nil {
		return nil, err
	}
	now := s.now()

	var conns []models.Connection
	err = s.db.WithContext(ctx).
		Where("(user1 = ? AND user2 = ?) OR (user1 = ? AND user2 = ?)", username, partner, partner, username).
		Order("started_at desc").
		Limit(1).
		Find(&conns).Error
	if err != nil {
		return nil, fmt.Errorf("find connection: %w", err)
	}
	if len(conns) == 0 {
		return nil, ErrConnectionNotFound
	}

	msgs := make([]models.P2PMessage, 0)
	err = s.db.WithContext(ctx).
		Where("connection_id = ? AND expires_at > ?", conns[0].ID, now).
		Order("sent_at asc, id asc").
		Find(&msgs).Error
	if err != nil {
		return nil, fmt.Errorf("list p2p messages: %w", err)
	}
	return &P2PMessages{ServerNow: now, Messages: msgs}, nil
}

func (s *P2PService) QueueStats(ctx context.Context) (*QueueStats, error) {
	now := s.now()
	var stats QueueStats
	db := s.db.WithContext(ctx)
	if err := db.Model(&models.Connection{}).
		Where("status = ? AND expires_at > ?", models.StatusWaiting, now).
		Count(&stats.Waiting).Error; err != nil {
		return nil, err
	}
	if err := db.Model(&models.Connection{}).
		Where("status = ? AND expires_at > ?", models.StatusActive, now).
		Count(&stats.ActiveConnections).Error; err != nil {
		return nil, err
	}
	n, err := s.presence.CountActive(ctx)
	if err != nil {
		return nil, err
	}
	stats.TotalActiveUsers = n
	return &stats, nil
}

// RefreshStatsGauges 将队列统计写入 Prometheus gauge，由调度器周期调用。
func (s *P2PService) RefreshStatsGauges(ctx context.Context) error {
	stats, err := s.QueueStats(ctx)
	if err != nil {
		return err
	}
	metrics.QueueWaiting.Set(float64(stats.Waiting))
	metrics.QueueActive.Set(float64(stats.ActiveConnections))
	metrics.ActiveUsers.Set(float64(stats.TotalActiveUsers))
	return nil
}
