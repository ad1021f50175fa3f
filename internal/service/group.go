package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/SABBIR-1-HASAN-1-JOY/AnonymousMessenger-sub001/internal/events"
	"github.com/SABBIR-1-HASAN-1-JOY/AnonymousMessenger-sub001/internal/metrics"
	"github.com/SABBIR-1-HASAN-1-JOY/AnonymousMessenger-sub001/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GroupService 封装话题群的创建、成员关系以及有界消息窗口。
type GroupService struct {
	db       *gorm.DB
	now      Clock
	presence *PresenceService
	pub      events.Publisher
}

func NewGroupService(db *gorm.DB, now Clock, presence *PresenceService, pub events.Publisher) *GroupService {
	if pub == nil {
		pub = events.Nop{}
	}
	return &GroupService{db: db, now: now, presence: presence, pub: pub}
}

type GroupMessages struct {
	ServerNow time.Time             `json:"server_now"`
	Messages  []models.GroupMessage `json:"messages"`
}

// Create 创建话题群，创建者自动成为第一个成员。
func (s *GroupService) Create(ctx context.Context, creator, topic, description string) (*models.Group, error) {
	creator, err := normalizeUsername(creator)
	if err != nil {
		return nil, err
	}
	topic = strings.TrimSpace(topic)
	if n := utf8.RuneCountInString(topic); n < minTopicLen || n > maxTopicLen {
		return nil, ErrInvalidTopic
	}
	description = strings.TrimSpace(description)
	if utf8.RuneCountInString(description) > maxDescriptionLen {
		return nil, ErrDescriptionLong
	}
	if err := s.presence.Touch(ctx, creator); err != nil {
		return nil, err
	}
	now := s.now()

	group := models.Group{
		Topic:       topic,
		Description: description,
		Creator:     &creator,
		CreatedAt:   now,
		ExpiresAt:   now.Add(GroupTTL),
	}
	db := s.db.WithContext(ctx)
	if err := db.Create(&group).Error; err != nil {
		return nil, fmt.Errorf("create group: %w", err)
	}
	member := models.GroupMember{GroupID: group.ID, Username: creator, JoinedAt: now}
	if err := db.Create(&member).Error; err != nil {
		return nil, fmt.Errorf("add creator to group: %w", err)
	}
	if err := recountGroup(db, group.ID, now); err != nil {
		return nil, err
	}
	if err := db.First(&group, group.ID).Error; err != nil {
		return nil, fmt.Errorf("reload group: %w", err)
	}
	s.pub.Publish(ctx, events.Event{Type: events.GroupCreated, GroupID: group.ID, Username: creator, At: now})
	return &group, nil
}

// List 返回未过期的群，可按话题/描述做大小写不敏感的子串过滤，最新的在前。
func (s *GroupService) List(ctx context.Context, search string, limit int) ([]models.Group, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	q := s.db.WithContext(ctx).Where("expires_at > ?", s.now())
	if search = strings.TrimSpace(search); search != "" {
		like := "%" + strings.ToLower(search) + "%"
		q = q.Where("(LOWER(topic) LIKE ? OR LOWER(description) LIKE ?)", like, like)
	}
	groups := make([]models.Group, 0)
	if err := q.Order("created_at desc, id desc").Limit(limit).Find(&groups).Error; err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	return groups, nil
}

// Join 已是成员时直接成功；否则要求群未过期。
func (s *GroupService) Join(ctx context.Context, username string, groupID uint) error {
	username, err := normalizeUsername(username)
	if err != nil {
		return err
	}
	member, err := s.IsMember(ctx, username, groupID)
	if err != nil {
		return err
	}
	if member {
		return nil
	}
	now := s.now()
	if _, err := s.liveGroup(ctx, groupID, now); err != nil {
		return err
	}
	if err := s.presence.Touch(ctx, username); err != nil {
		return err
	}
	db := s.db.WithContext(ctx)
	m := models.GroupMember{GroupID: groupID, Username: username, JoinedAt: now}
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&m).Error; err != nil {
		return fmt.Errorf("join group: %w", err)
	}
	if err := recountGroup(db, groupID, now); err != nil {
		return err
	}
	s.pub.Publish(ctx, events.Event{Type: events.GroupJoined, GroupID: groupID, Username: username, At: now})
	return nil
}

// Leave 删除成员关系；群本身即使没有成员也保留，直到自身过期。
func (s *GroupService) Leave(ctx context.Context, username string, groupID uint) error {
	username, err := normalizeUsername(username)
	if err != nil {
		return err
	}
	now := s.now()
	db := s.db.WithContext(ctx)
	res := db.Where("group_id = ? AND username = ?", groupID, username).Delete(&models.GroupMember{})
	if res.Error != nil {
		return fmt.Errorf("leave group: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil
	}
	if err := recountGroup(db, groupID, now); err != nil {
		return err
	}
	s.pub.Publish(ctx, events.Event{Type: events.GroupLeft, GroupID: groupID, Username: username, At: now})
	return nil
}

// SendMessage 写入前先淘汰最旧的消息，使新消息恰好成为窗口内的第 GroupWindow 条。
func (s *GroupService) SendMessage(ctx context.Context, sender string, groupID uint, text string) (*models.GroupMessage, error) {
	sender, err := normalizeUsername(sender)
	if err != nil {
		return nil, err
	}
	text, err = normalizeMessage(text)
	if err != nil {
		return nil, err
	}
	now := s.now()
	group, err := s.liveGroup(ctx, groupID, now)
	if err != nil {
		return nil, err
	}
	member, err := s.IsMember(ctx, sender, groupID)
	if err != nil {
		return nil, err
	}
	if !member {
		return nil, ErrNotGroupMember
	}
	if err := s.presence.Touch(ctx, sender); err != nil {
		return nil, err
	}

	db := s.db.WithContext(ctx)
	evicted, err := evictOverflow(db, groupID, now)
	if err != nil {
		return nil, err
	}
	if evicted > 0 {
		metrics.GroupMessagesEvicted.WithLabelValues("write").Add(float64(evicted))
	}
	msg := models.GroupMessage{
		GroupID:   groupID,
		Sender:    sender,
		Message:   text,
		SentAt:    now,
		ExpiresAt: group.ExpiresAt,
	}
	if err := db.Create(&msg).Error; err != nil {
		return nil, fmt.Errorf("create group message: %w", err)
	}
	if err := recountGroup(db, groupID, now); err != nil {
		return nil, err
	}
	metrics.MessagesTotal.WithLabelValues("group").Inc()
	s.pub.Publish(ctx, events.Event{
		Type:      events.GroupMessage,
		GroupID:   groupID,
		Username:  sender,
		MessageID: msg.ID,
		Message:   msg.Message,
		At:        now,
	})
	return &msg, nil
}

// Messages 返回最多 GroupWindow 条未过期消息，按发送时间升序。
func (s *GroupService) Messages(ctx context.Context, username string, groupID uint) (*GroupMessages, error) {
	username, err := normalizeUsername(username)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if _, err := s.liveGroup(ctx, groupID, now); err != nil {
		return nil, err
	}
	member, err := s.IsMember(ctx, username, groupID)
	if err != nil {
		return nil, err
	}
	if !member {
		return nil, ErrNotGroupMember
	}

	msgs := make([]models.GroupMessage, 0, GroupWindow)
	err = s.db.WithContext(ctx).
		Where("group_id = ? AND expires_at > ?", groupID, now).
		Order("sent_at desc, id desc").
		Limit(GroupWindow).
		Find(&msgs).Error
	if err != nil {
		return nil, fmt.Errorf("list group messages: %w", err)
	}
	// 反转为升序
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return &GroupMessages{ServerNow: now, Messages: msgs}, nil
}

func (s *GroupService) IsMember(ctx context.Context, username string, groupID uint) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.GroupMember{}).
		Where("group_id = ? AND username = ?", groupID, username).
		Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("check membership: %w", err)
	}
	return n > 0, nil
}

// Get 返回未过期的群。
func (s *GroupService) Get(ctx context.Context, groupID uint) (*models.Group, error) {
	return s.liveGroup(ctx, groupID, s.now())
}

func (s *GroupService) liveGroup(ctx context.Context, groupID uint, now time.Time) (*models.Group, error) {
	var group models.Group
	err := s.db.WithContext(ctx).Where("id = ? AND expires_at > ?", groupID, now).First(&group).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrGroupNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find group: %w", err)
	}
	return &group, nil
}

// evictOverflow 在未过期消息达到 GroupWindow 条时删除最旧的 (count-GroupWindow+1) 条。
func evictOverflow(db *gorm.DB, groupID uint, now time.Time) (int, error) {
	var live int64
	if err := db.Model(&models.GroupMessage{}).
		Where("group_id = ? AND expires_at > ?", groupID, now).
		Count(&live).Error; err != nil {
		return 0, fmt.Errorf("count group messages: %w", err)
	}
	if live < GroupWindow {
		return 0, nil
	}
	excess := int(live) - (GroupWindow - 1)
	var ids []uint
	if err := db.Model(&models.GroupMessage{}).
		Where("group_id = ? AND expires_at > ?", groupID, now).
		Order("sent_at asc, id asc").
		Limit(excess).
		Pluck("id", &ids).Error; err != nil {
		return 0, fmt.Errorf("select oldest group messages: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	if err := db.Where("id IN ?", ids).Delete(&models.GroupMessage{}).Error; err != nil {
		return 0, fmt.Errorf("evict group messages: %w", err)
	}
	return len(ids), nil
}

// recountGroup 是群计数的唯一入口：成员数与未过期消息数均全量重算。
func recountGroup(db *gorm.DB, groupID uint, now time.Time) error {
	err := db.Model(&models.Group{}).Where("id = ?", groupID).Updates(map[string]interface{}{
		"member_count": gorm.Expr(
			"(SELECT COUNT(*) FROM group_members WHERE group_members.group_id = ?)", groupID),
		"message_count": gorm.Expr(
			"(SELECT COUNT(*) FROM group_messages WHERE group_messages.group_id = ? AND group_messages.expires_at > ?)", groupID, now),
	}).Error
	if err != nil {
		return fmt.Errorf("recount group %d: %w", groupID, err)
	}
	return nil
}
