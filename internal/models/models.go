package models

import "time"

// 连接状态：waiting -> active -> ended，ended 为终态。
const (
	StatusWaiting = "waiting"
	StatusActive  = "active"
	StatusEnded   = "ended"
)

// User 是匿名聊天的临时身份，没有持久凭证。
type User struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	Username   string    `gorm:"uniqueIndex;size:64;not null" json:"username"`
	CreatedAt  time.Time `json:"created_at"`
	LastActive time.Time `gorm:"index;not null" json:"last_active"`
}

func (User) TableName() string { return "users" }

// Connection 是一次 1:1 匹配，User2 在被认领之前为空。
type Connection struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	User1     string    `gorm:"index;size:64;not null" json:"user1"`
	User2     *string   `gorm:"index;size:64" json:"user2,omitempty"`
	Status    string    `gorm:"index;size:16;not null" json:"status"`
	StartedAt time.Time `json:"started_at"`
	ExpiresAt time.Time `gorm:"index;not null" json:"expires_at"`
}

func (Connection) TableName() string { return "connections" }

// Partner 返回连接中 username 的对端，未匹配时为空。
func (c Connection) Partner(username string) string {
	if c.User1 == username {
		if c.User2 == nil {
			return ""
		}
		return *c.User2
	}
	return c.User1
}

type P2PMessage struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	ConnectionID string    `gorm:"index;size:36;not null" json:"connection_id"`
	Sender       string    `gorm:"index;size:64;not null" json:"sender"`
	Message      string    `gorm:"type:text;not null" json:"message"`
	SentAt       time.Time `gorm:"index;not null" json:"sent_at"`
	ExpiresAt    time.Time `gorm:"index;not null" json:"expires_at"`
}

func (P2PMessage) TableName() string { return "p2p_messages" }

// Group 是按话题创建的群聊；Creator 在创建者离开后被清空。
type Group struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	Topic        string    `gorm:"size:50;not null" json:"topic"`
	Description  string    `gorm:"size:200" json:"description,omitempty"`
	Creator      *string   `gorm:"index;size:64" json:"creator"`
	CreatedAt    time.Time `gorm:"index" json:"created_at"`
	ExpiresAt    time.Time `gorm:"index;not null" json:"expires_at"`
	MemberCount  int       `gorm:"not null;default:0" json:"member_count"`
	MessageCount int       `gorm:"not null;default:0" json:"message_count"`
}

func (Group) TableName() string { return "chat_groups" }

type GroupMember struct {
	ID       uint      `gorm:"primaryKey" json:"id"`
	GroupID  uint      `gorm:"uniqueIndex:idx_group_member;not null" json:"group_id"`
	Username string    `gorm:"uniqueIndex:idx_group_member;index;size:64;not null" json:"username"`
	JoinedAt time.Time `json:"joined_at"`
}

func (GroupMember) TableName() string { return "group_members" }

type GroupMessage struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	GroupID   uint      `gorm:"index;not null" json:"group_id"`
	Sender    string    `gorm:"index;size:64;not null" json:"sender"`
	Message   string    `gorm:"type:text;not null" json:"message"`
	SentAt    time.Time `gorm:"index;not null" json:"sent_at"`
	ExpiresAt time.Time `gorm:"index;not null" json:"expires_at"`
}

func (GroupMessage) TableName() string { return "group_messages" }

// LoginCode 是一次性登录码，只保存 bcrypt 哈希。
type LoginCode struct {
	ID        uint      `gorm:"primaryKey"`
	Username  string    `gorm:"index;size:64;not null"`
	CodeHash  string    `gorm:"not null"`
	ExpiresAt time.Time `gorm:"index;not null"`
	UsedAt    *time.Time
	CreatedAt time.Time
}

func (LoginCode) TableName() string { return "login_codes" }
