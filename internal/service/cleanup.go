package service

import (
	"context"
	"fmt"

	"github.com/SABBIR-1-HASAN-1-JOY/AnonymousMessenger-sub001/internal/events"
	"github.com/SABBIR-1-HASAN-1-JOY/AnonymousMessenger-sub001/internal/metrics"
	"github.com/SABBIR-1-HASAN-1-JOY/AnonymousMessenger-sub001/internal/models"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// CleanupService 负责回收过期状态。各个清扫互相独立、可重复执行，单个实体失败只记录日志。
type CleanupService struct {
	db  *gorm.DB
	now Clock
	pub events.Publisher
}

func NewCleanupService(db *gorm.DB, now Clock, pub events.Publisher) *CleanupService {
	if pub == nil {
		pub = events.Nop{}
	}
	return &CleanupService{db: db, now: now, pub: pub}
}

// CleanupUserPreservingGroups 删除用户及其依赖数据，但保留其创建的群：
// 群及其未过期消息的过期时间延长到至少 now+CreatorGrace，并解除创建者关联。
// 步骤顺序固定，群的保留必须在其它删除之前完成。
func (s *CleanupService) CleanupUserPreservingGroups(ctx context.Context, username string) error {
	username, err := normalizeUsername(username)
	if err != nil {
		return err
	}
	return s.cleanupUser(ctx, username, "logout")
}

func (s *CleanupService) cleanupUser(ctx context.Context, username, reason string) error {
	now := s.now()
	db := s.db.WithContext(ctx)

	// 1. 保留创建的群
	var owned []models.Group
	if err := db.Where("creator = ?", username).Find(&owned).Error; err != nil {
		return fmt.Errorf("find owned groups: %w", err)
	}
	floor := now.Add(CreatorGrace)
	for _, g := range owned {
		expires := g.ExpiresAt
		if expires.Before(floor) {
			expires = floor
		}
		err := db.Model(&models.Group{}).Where("id = ?", g.ID).Updates(map[string]interface{}{
			"expires_at": expires,
			"creator":    gorm.Expr("NULL"),
		}).Error
		if err != nil {
			return fmt.Errorf("preserve group %d: %w", g.ID, err)
		}
		// 未过期的消息随群一起延长，剩余成员在宽限期内仍能看到历史
		err = db.Model(&models.GroupMessage{}).
			Where("group_id = ? AND expires_at > ? AND expires_at < ?", g.ID, now, expires).
			Update("expires_at", expires).Error
		if err != nil {
			return fmt.Errorf("preserve group %d messages: %w", g.ID, err)
		}
	}

	// 2. 结束等待/活跃连接
	var live []models.Connection
	if err := db.Where("(user1 = ? OR user2 = ?) AND status IN ?", username, username,
		[]string{models.StatusWaiting, models.StatusActive}).Find(&live).Error; err != nil {
		return fmt.Errorf("find live connections: %w", err)
	}
	if err := db.Model(&models.Connection{}).
		Where("(user1 = ? OR user2 = ?) AND status IN ?", username, username,
			[]string{models.StatusWaiting, models.StatusActive}).
		Updates(map[string]interface{}{"status": models.StatusEnded, "expires_at": now}).Error; err != nil {
		return fmt.Errorf("end connections: %w", err)
	}

	// 3. 删除这些连接中的私聊消息
	var connIDs []string
	if err := db.Model(&models.Connection{}).
		Where("user1 = ? OR user2 = ?", username, username).
		Pluck("id", &connIDs).Error; err != nil {
		return fmt.Errorf("list connections: %w", err)
	}
	if len(connIDs) > 0 {
		if err := db.Where("connection_id IN ?", connIDs).Delete(&models.P2PMessage{}).Error; err != nil {
			return fmt.Errorf("delete p2p messages: %w", err)
		}
	}

	// 4. 删除群成员关系和本人发送的群消息（创建的群有宽限期，发送的消息没有）
	var joined, authored []uint
	if err := db.Model(&models.GroupMember{}).Where("username = ?", username).Pluck("group_id", &joined).Error; err != nil {
		return fmt.Errorf("list memberships: %w", err)
	}
	if err := db.Model(&models.GroupMessage{}).Where("sender = ?", username).Distinct().Pluck("group_id", &authored).Error; err != nil {
		return fmt.Errorf("list authored groups: %w", err)
	}
	if err := db.Where("username = ?", username).Delete(&models.GroupMember{}).Error; err != nil {
		return fmt.Errorf("delete memberships: %w", err)
	}
	if err := db.Where("sender = ?", username).Delete(&models.GroupMessage{}).Error; err != nil {
		return fmt.Errorf("delete group messages: %w", err)
	}
	touched := make(map[uint]struct{}, len(joined)+len(authored))
	for _, id := range append(joined, authored...) {
		touched[id] = struct{}{}
	}
	for id := range touched {
		if err := recountGroup(db, id, now); err != nil {
			return err
		}
	}

	// 5. 消息删除后再删除已结束的连接
	if len(connIDs) > 0 {
		if err := db.Where("id IN ?", connIDs).Delete(&models.Connection{}).Error; err != nil {
			return fmt.Errorf("delete connections: %w", err)
		}
	}

	// 6. 最后删除用户本身
	if err := db.Where("username = ?", username).Delete(&models.LoginCode{}).Error; err != nil {
		return fmt.Errorf("delete login codes: %w", err)
	}
	if err := db.Where("username = ?", username).Delete(&models.User{}).Error; err != nil {
		return fmt.Errorf("delete user: %w", err)
	}

	metrics.UsersCleaned.WithLabelValues(reason).Inc()
	for _, c := range live {
		s.pub.Publish(ctx, events.Event{Type: events.P2PLeft, ConnectionID: c.ID, Username: username, Partner: c.Partner(username), At: now})
	}
	for _, id := range joined {
		s.pub.Publish(ctx, events.Event{Type: events.GroupLeft, GroupID: id, Username: username, At: now})
	}
	log.Info().Str("username", username).Str("reason", reason).
		Int("preserved_groups", len(owned)).Int("connections", len(connIDs)).Msg("user cleaned up")
	return nil
}

// ExpireConnections 将已过期但未结束的连接标记为 ended。
func (s *CleanupService) ExpireConnections(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).Model(&models.Connection{}).
		Where("expires_at < ? AND status <> ?", s.now(), models.StatusEnded).
		Update("status", models.StatusEnded)
	if res.Error != nil {
		return 0, fmt.Errorf("expire connections: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// SweepInactiveUsers 清理超过不活跃窗口且窗口内没有发送过任何消息的用户。
// 单个用户失败不影响其它用户，失败者 last_active 不变，下一轮会重试。
func (s *CleanupService) SweepInactiveUsers(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-InactivityWindow)
	var names []string
	err := s.db.WithContext(ctx).Model(&models.User{}).
		Where("last_active < ?", cutoff).
		Where("NOT EXISTS (SELECT 1 FROM p2p_messages WHERE p2p_messages.sender = users.username AND p2p_messages.sent_at > ?)", cutoff).
		Where("NOT EXISTS (SELECT 1 FROM group_messages WHERE group_messages.sender = users.username AND group_messages.sent_at > ?)", cutoff).
		Pluck("username", &names).Error
	if err != nil {
		return 0, fmt.Errorf("find inactive users: %w", err)
	}
	cleaned := 0
	for _, name := range names {
		if err := s.cleanupUser(ctx, name, "inactive"); err != nil {
			log.Error().Err(err).Str("username", name).Msg("inactive user cleanup")
			continue
		}
		cleaned++
	}
	return cleaned, nil
}

func (s *CleanupService) PurgeExpiredLoginCodes(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).Where("expires_at < ?", s.now()).Delete(&models.LoginCode{})
	if res.Error != nil {
		return 0, fmt.Errorf("purge login codes: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// TrimGroupMessages 全局兜底：每个群只保留最新的 GroupWindow 条消息。
func (s *CleanupService) TrimGroupMessages(ctx context.Context) (int, error) {
	db := s.db.WithContext(ctx)
	var groupIDs []uint
	if err := db.Model(&models.GroupMessage{}).
		Group("group_id").
		Having("COUNT(*) > ?", GroupWindow).
		Pluck("group_id", &groupIDs).Error; err != nil {
		return 0, fmt.Errorf("find oversized groups: %w", err)
	}
	now := s.now()
	trimmed := 0
	for _, gid := range groupIDs {
		var ids []uint
		if err := db.Model(&models.GroupMessage{}).
			Where("group_id = ?", gid).
			Order("sent_at desc, id desc").
			Pluck("id", &ids).Error; err != nil {
			log.Error().Err(err).Uint("group_id", gid).Msg("trim group messages")
			continue
		}
		if len(ids) <= GroupWindow {
			continue
		}
		stale := ids[GroupWindow:]
		if err := db.Where("id IN ?", stale).Delete(&models.GroupMessage{}).Error; err != nil {
			log.Error().Err(err).Uint("group_id", gid).Msg("trim group messages")
			continue
		}
		if err := recountGroup(db, gid, now); err != nil {
			log.Error().Err(err).Uint("group_id", gid).Msg("trim group messages")
		}
		trimmed += len(stale)
	}
	if trimmed > 0 {
		metrics.GroupMessagesEvicted.WithLabelValues("sweep").Add(float64(trimmed))
	}
	return trimmed, nil
}

// SweepExpiredGroups 删除已过期的群及其成员关系和消息。
func (s *CleanupService) SweepExpiredGroups(ctx context.Context) (int, error) {
	now := s.now()
	db := s.db.WithContext(ctx)
	var ids []uint
	if err := db.Model(&models.Group{}).Where("expires_at < ?", now).Pluck("id", &ids).Error; err != nil {
		return 0, fmt.Errorf("find expired groups: %w", err)
	}
	removed := 0
	for _, id := range ids {
		if err := deleteGroup(db, id); err != nil {
			log.Error().Err(err).Uint("group_id", id).Msg("expired group cleanup")
			continue
		}
		removed++
		s.pub.Publish(ctx, events.Event{Type: events.GroupExpired, GroupID: id, At: now})
	}
	return removed, nil
}

func deleteGroup(db *gorm.DB, id uint) error {
	if err := db.Where("group_id = ?", id).Delete(&models.GroupMessage{}).Error; err != nil {
		return fmt.Errorf("delete group messages: %w", err)
	}
	if err := db.Where("group_id = ?", id).Delete(&models.GroupMember{}).Error; err != nil {
		return fmt.Errorf("delete group members: %w", err)
	}
	if err := db.Where("id = ?", id).Delete(&models.Group{}).Error; err != nil {
		return fmt.Errorf("delete group: %w", err)
	}
	return nil
}
