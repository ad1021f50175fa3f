package service

import (
	"strings"
	"time"
	"unicode/utf8"
)

const (
	WaitingTTL       = 5 * time.Minute
	ActiveTTL        = 10 * time.Minute
	GroupTTL         = 30 * time.Minute
	CreatorGrace     = 5 * time.Hour
	InactivityWindow = 10 * time.Minute

	// GroupWindow 是每个群保留的最新消息条数。
	GroupWindow = 50

	maxUsernameLen    = 64
	minTopicLen       = 3
	maxTopicLen       = 50
	maxDescriptionLen = 200
	maxMessageLen     = 1000
	maxClaimAttempts  = 3
)

// Clock 返回当前时间；测试注入固定时钟以获得确定的过期行为。
type Clock func() time.Time

func SystemClock() time.Time { return time.Now().UTC() }

func normalizeUsername(username string) (string, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return "", ErrUsernameRequired
	}
	if utf8.RuneCountInString(username) > maxUsernameLen {
		return "", ErrUsernameTooLong
	}
	return username, nil
}

func normalizeMessage(text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmptyMessage
	}
	if utf8.RuneCountInString(text) > maxMessageLen {
		return "", ErrMessageTooLong
	}
	return text, nil
}
