package service

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/SABBIR-1-HASAN-1-JOY/AnonymousMessenger-sub001/internal/auth"
	"github.com/SABBIR-1-HASAN-1-JOY/AnonymousMessenger-sub001/internal/events"
	"github.com/SABBIR-1-HASAN-1-JOY/AnonymousMessenger-sub001/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

func TestCleanupUserPreservingGroups(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	owned, err := env.groups.Create(ctx, "alice", "chess", "")
	require.NoError(t, err)
	require.NoError(t, env.groups.Join(ctx, "bob", owned.ID))
	other, err := env.groups.Create(ctx, "bob", "music", "")
	require.NoError(t, err)
	require.NoError(t, env.groups.Join(ctx, "alice", other.ID))

	_, err = env.groups.SendMessage(ctx, "alice", owned.ID, "from alice")
	require.NoError(t, err)
	_, err = env.groups.SendMessage(ctx, "bob", owned.ID, "from bob")
	require.NoError(t, err)
	_, err = env.groups.SendMessage(ctx, "alice", other.ID, "alice in music")
	require.NoError(t, err)

	_, err = env.p2p.Join(ctx, "alice")
	require.NoError(t, err)
	match, err := env.p2p.Join(ctx, "bob")
	require.NoError(t, err)
	require.True(t, match.Matched)
	_, err = env.p2p.SendMessage(ctx, "bob", "alice", "hey")
	require.NoError(t, err)

	// 群还剩 10 分钟过期
	env.clock.Advance(20 * time.Minute)
	now := env.clock.Now()

	require.NoError(t, env.cleanup.CleanupUserPreservingGroups(ctx, "alice"))

	var g models.Group
	require.NoError(t, env.db.First(&g, owned.ID).Error)
	assert.Nil(t, g.Creator)
	assert.False(t, g.ExpiresAt.Before(now.Add(CreatorGrace)))
	assert.Equal(t, 1, g.MemberCount)
	assert.Equal(t, 1, g.MessageCount)

	var u int64
	require.NoError(t, env.db.Model(&models.User{}).Where("username = ?", "alice").Count(&u).Error)
	assert.Zero(t, u)

	var live int64
	require.NoError(t, env.db.Model(&models.Connection{}).
		Where("(user1 = ? OR user2 = ?) AND status <> ?", "alice", "alice", models.StatusEnded).
		Count(&live).Error)
	assert.Zero(t, live)

	var conns, p2pMsgs, memberships, authored int64
	require.NoError(t, env.db.Model(&models.Connection{}).Where("user1 = ? OR user2 = ?", "alice", "alice").Count(&conns).Error)
	require.NoError(t, env.db.Model(&models.P2PMessage{}).Count(&p2pMsgs).Error)
	require.NoError(t, env.db.Model(&models.GroupMember{}).Where("username = ?", "alice").Count(&memberships).Error)
	require.NoError(t, env.db.Model(&models.GroupMessage{}).Where("sender = ?", "alice").Count(&authored).Error)
	assert.Zero(t, conns)
	assert.Zero(t, p2pMsgs)
	assert.Zero(t, memberships)
	assert.Zero(t, authored)

	var m models.Group
	require.NoError(t, env.db.First(&m, other.ID).Error)
	require.NotNil(t, m.Creator, "groups created by others keep their creator")
	assert.Equal(t, 1, m.MemberCount)
	assert.Equal(t, 0, m.MessageCount)

	cb, err := env.p2p.Check(ctx, "bob")
	require.NoError(t, err)
	assert.False(t, cb.Connected)

	msgs, err := env.groups.Messages(ctx, "bob", owned.ID)
	require.NoError(t, err)
	require.Len(t, msgs.Messages, 1)
	assert.Equal(t, "from bob", msgs.Messages[0].Message)

	assert.Contains(t, env.pub.types(), events.P2PLeft)

	// 原本 30 分钟的消息寿命随群延长
	env.clock.Advance(15 * time.Minute)
	msgs, err = env.groups.Messages(ctx, "bob", owned.ID)
	require.NoError(t, err)
	require.Len(t, msgs.Messages, 1)
	assert.Equal(t, "from bob", msgs.Messages[0].Message)
}

func TestCleanupUserPreservingGroups_KeepsLaterExpiry(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	g, err := env.groups.Create(ctx, "alice", "long lived", "")
	require.NoError(t, err)
	far := env.clock.Now().Add(24 * time.Hour)
	require.NoError(t, env.db.Model(&models.Group{}).Where("id = ?", g.ID).Update("expires_at", far).Error)

	require.NoError(t, env.cleanup.CleanupUserPreservingGroups(ctx, "alice"))

	var got models.Group
	require.NoError(t, env.db.First(&got, g.ID).Error)
	assert.True(t, got.ExpiresAt.Equal(far))
	assert.Nil(t, got.Creator)

	assert.ErrorIs(t, env.cleanup.CleanupUserPreservingGroups(ctx, " "), ErrValidation)
	assert.NoError(t, env.cleanup.CleanupUserPreservingGroups(ctx, "nobody"), "cleanup is idempotent")
}

func TestExpireConnections(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	waiting, err := env.p2p.Join(ctx, "alice")
	require.NoError(t, err)
	env.clock.Advance(WaitingTTL + time.Second)
	fresh, err := env.p2p.Join(ctx, "bob")
	require.NoError(t, err)

	n, err := env.cleanup.ExpireConnections(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	var expired, live models.Connection
	require.NoError(t, env.db.First(&expired, "id = ?", waiting.ConnectionID).Error)
	assert.Equal(t, models.StatusEnded, expired.Status)
	require.NoError(t, env.db.First(&live, "id = ?", fresh.ConnectionID).Error)
	assert.Equal(t, models.StatusWaiting, live.Status)

	n, err = env.cleanup.ExpireConnections(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSweepInactiveUsers(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	g, err := env.groups.Create(ctx, "alice", "chess", "")
	require.NoError(t, err)
	require.NoError(t, env.groups.Join(ctx, "bob", g.ID))
	require.NoError(t, env.presence.Touch(ctx, "carol"))

	env.clock.Advance(5 * time.Minute)
	_, err = env.groups.SendMessage(ctx, "bob", g.ID, "still here")
	require.NoError(t, err)
	// bob 的 last_active 过期，但窗口内发过消息
	require.NoError(t, env.db.Model(&models.User{}).Where("username = ?", "bob").
		Update("last_active", env.clock.Now().Add(-time.Hour)).Error)

	env.clock.Advance(6 * time.Minute)
	require.NoError(t, env.presence.Touch(ctx, "dave"))

	cleaned, err := env.cleanup.SweepInactiveUsers(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, cleaned)

	var names []string
	require.NoError(t, env.db.Model(&models.User{}).Order("username").Pluck("username", &names).Error)
	assert.Equal(t, []string{"bob", "dave"}, names)

	var got models.Group
	require.NoError(t, env.db.First(&got, g.ID).Error)
	assert.Nil(t, got.Creator)
	assert.Equal(t, 1, got.MemberCount)
}

// failLoginCodeDelete 让针对 username 的 login_codes 删除失败，直到 enabled 被置为 false。
func failLoginCodeDelete(username string, enabled *atomic.Bool) func(*gorm.DB) {
	return func(tx *gorm.DB) {
		if !enabled.Load() || tx.Statement.Table != "login_codes" {
			return
		}
		c, ok := tx.Statement.Clauses["WHERE"]
		if !ok {
			return
		}
		where, ok := c.Expression.(clause.Where)
		if !ok {
			return
		}
		for _, e := range where.Exprs {
			if expr, ok := e.(clause.Expr); ok && len(expr.Vars) == 1 && expr.Vars[0] == username {
				_ = tx.AddError(errors.New("login_codes unavailable"))
				return
			}
		}
	}
}

func TestSweepInactiveUsers_FailureIsolated(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for _, name := range []string{"alice", "carol", "erin"} {
		require.NoError(t, env.presence.Touch(ctx, name))
	}
	env.clock.Advance(InactivityWindow + time.Minute)
	require.NoError(t, env.presence.Touch(ctx, "dave"))

	before, err := env.presence.Get(ctx, "carol")
	require.NoError(t, err)
	require.NotNil(t, before)

	var failing atomic.Bool
	failing.Store(true)
	require.NoError(t, env.db.Callback().Delete().Before("gorm:delete").
		Register("test:fail_carol", failLoginCodeDelete("carol", &failing)))

	cleaned, err := env.cleanup.SweepInactiveUsers(ctx)
	require.NoError(t, err, "one failing user does not fail the sweep")
	assert.Equal(t, 2, cleaned)

	var names []string
	require.NoError(t, env.db.Model(&models.User{}).Order("username").Pluck("username", &names).Error)
	assert.Equal(t, []string{"carol", "dave"}, names)

	after, err := env.presence.Get(ctx, "carol")
	require.NoError(t, err)
	require.NotNil(t, after)
	assert.True(t, after.LastActive.Equal(before.LastActive))

	failing.Store(false)
	cleaned, err = env.cleanup.SweepInactiveUsers(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, cleaned)

	gone, err := env.presence.Get(ctx, "carol")
	require.NoError(t, err)
	assert.Nil(t, gone)
}

func TestTrimGroupMessages(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	g, err := env.groups.Create(ctx, "alice", "chess", "")
	require.NoError(t, err)
	small, err := env.groups.Create(ctx, "bob", "music", "")
	require.NoError(t, err)

	base := env.clock.Now()
	rows := make([]models.GroupMessage, 0, 65)
	for i := 0; i < 60; i++ {
		rows = append(rows, models.GroupMessage{
			GroupID:   g.ID,
			Sender:    "alice",
			Message:   fmt.Sprintf("m%d", i),
			SentAt:    base.Add(time.Duration(i) * time.Second),
			ExpiresAt: g.ExpiresAt,
		})
	}
	for i := 0; i < 5; i++ {
		rows = append(rows, models.GroupMessage{
			GroupID:   small.ID,
			Sender:    "bob",
			Message:   "x",
			SentAt:    base,
			ExpiresAt: small.ExpiresAt,
		})
	}
	require.NoError(t, env.db.Create(&rows).Error)

	trimmed, err := env.cleanup.TrimGroupMessages(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10, trimmed)

	var oldest models.GroupMessage
	require.NoError(t, env.db.Where("group_id = ?", g.ID).Order("sent_at asc").First(&oldest).Error)
	assert.Equal(t, "m10", oldest.Message)

	var n int64
	require.NoError(t, env.db.Model(&models.GroupMessage{}).Where("group_id = ?", small.ID).Count(&n).Error)
	assert.EqualValues(t, 5, n)

	var got models.Group
	require.NoError(t, env.db.First(&got, g.ID).Error)
	assert.Equal(t, GroupWindow, got.MessageCount)

	trimmed, err = env.cleanup.TrimGroupMessages(ctx)
	require.NoError(t, err)
	assert.Zero(t, trimmed)
}

func TestSweepExpiredGroups(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	old, err := env.groups.Create(ctx, "alice", "old", "")
	require.NoError(t, err)
	_, err = env.groups.SendMessage(ctx, "alice", old.ID, "bye")
	require.NoError(t, err)
	env.clock.Advance(20 * time.Minute)
	fresh, err := env.groups.Create(ctx, "bob", "fresh", "")
	require.NoError(t, err)
	env.clock.Advance(11 * time.Minute)

	removed, err := env.cleanup.SweepExpiredGroups(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	var groups, members, msgs int64
	require.NoError(t, env.db.Model(&models.Group{}).Count(&groups).Error)
	require.NoError(t, env.db.Model(&models.GroupMember{}).Where("group_id = ?", old.ID).Count(&members).Error)
	require.NoError(t, env.db.Model(&models.GroupMessage{}).Where("group_id = ?", old.ID).Count(&msgs).Error)
	assert.EqualValues(t, 1, groups)
	assert.Zero(t, members)
	assert.Zero(t, msgs)

	_, err = env.groups.Get(ctx, fresh.ID)
	assert.NoError(t, err)
	assert.Contains(t, env.pub.types(), events.GroupExpired)
}

func TestPurgeExpiredLoginCodes(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	now := env.clock.Now()

	require.NoError(t, auth.SaveLoginCode(env.db, "alice", "c1", now, now.Add(time.Minute)))
	require.NoError(t, auth.SaveLoginCode(env.db, "bob", "c2", now, now.Add(2*time.Hour)))
	env.clock.Advance(time.Hour)

	n, err := env.cleanup.PurgeExpiredLoginCodes(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}
