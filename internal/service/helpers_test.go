package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/SABBIR-1-HASAN-1-JOY/AnonymousMessenger-sub001/internal/config"
	"github.com/SABBIR-1-HASAN-1-JOY/AnonymousMessenger-sub001/internal/db"
	"github.com/SABBIR-1-HASAN-1-JOY/AnonymousMessenger-sub001/internal/events"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type recordingPublisher struct {
	mu  sync.Mutex
	got []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e events.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.got = append(p.got, e)
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.got))
	for _, e := range p.got {
		out = append(out, e.Type)
	}
	return out
}

type testEnv struct {
	db       *gorm.DB
	clock    *fakeClock
	pub      *recordingPublisher
	presence *PresenceService
	p2p      *P2PService
	groups   *GroupService
	cleanup  *CleanupService
	users    *UserService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: clock.Now,
	})
	require.NoError(t, err)
	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	// 每个 :memory: 连接都是独立数据库，固定为单连接。
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.Migrate(gdb))

	pub := &recordingPublisher{}
	presence := NewPresenceService(gdb, clock.Now)
	cleanup := NewCleanupService(gdb, clock.Now, pub)
	cfg := config.Config{JWTSecret: "test-secret", AccessTokenTTLMinutes: 60, LoginCodeTTLMinutes: 60}
	return &testEnv{
		db:       gdb,
		clock:    clock,
		pub:      pub,
		presence: presence,
		p2p:      NewP2PService(gdb, clock.Now, presence, pub),
		groups:   NewGroupService(gdb, clock.Now, presence, pub),
		cleanup:  cleanup,
		users:    NewUserService(gdb, clock.Now, cfg, presence, cleanup),
	}
}
