package events

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

type recorder struct{ got []Event }

func (r *recorder) Publish(_ context.Context, e Event) { r.got = append(r.got, e) }

func TestSubject(t *testing.T) {
	tests := []struct {
		name string
		evt  Event
		want string
	}{
		{"group scoped", Event{Type: GroupMessage, GroupID: 42}, "chat.group.message.42"},
		{"connection scoped", Event{Type: P2PMatched, ConnectionID: "abc"}, "chat.p2p.matched.abc"},
		{"unscoped", Event{Type: P2PLeft}, "chat.p2p.left"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Subject(tt.evt))
		})
	}
}

func TestFanout_DeliversToAll(t *testing.T) {
	a, b := &recorder{}, &recorder{}
	f := Fanout{a, nil, b, Nop{}}

	f.Publish(context.Background(), Event{Type: GroupJoined, GroupID: 1, Username: "alice"})

	assert.Len(t, a.got, 1)
	assert.Len(t, b.got, 1)
	assert.Equal(t, "alice", b.got[0].Username)
}
