package ws

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/SABBIR-1-HASAN-1-JOY/AnonymousMessenger-sub001/internal/events"
)

func newClient(gh *GroupHub, name string) *Client {
	return &Client{group: gh, username: name, send: make(chan []byte, 256)}
}

// recv 读取下一条非 online/offline 的帧。
func recv(t *testing.T, c *Client) map[string]interface{} {
	t.Helper()
	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				t.Fatal("send channel closed")
			}
			var m map[string]interface{}
			if err := json.Unmarshal(msg, &m); err != nil {
				t.Fatalf("bad frame %s: %v", msg, err)
			}
			if m["type"] == "online" || m["type"] == "offline" {
				continue
			}
			return m
		case <-time.After(200 * time.Millisecond):
			t.Fatal("timed out waiting for frame")
		}
	}
}

func TestNewHub(t *testing.T) {
	hub := NewHub()
	if hub == nil {
		t.Fatal("NewHub() returned nil")
	}
	if hub.groups == nil {
		t.Error("NewHub() groups map is nil")
	}
}

func TestHub_Online_NonExistentGroup(t *testing.T) {
	hub := NewHub()
	if online := hub.Online(999); online != 0 {
		t.Errorf("Online() for non-existent group = %d, want 0", online)
	}
}

func TestGroupHub_RegisterUnregister(t *testing.T) {
	gh := NewGroupHub(1)
	go gh.run()
	defer gh.close()

	client := newClient(gh, "alice")
	if !gh.join(client) {
		t.Fatal("join() on open group returned false")
	}
	time.Sleep(10 * time.Millisecond)
	if gh.Online() != 1 {
		t.Errorf("Online() after register = %d, want 1", gh.Online())
	}

	gh.leave(client)
	time.Sleep(10 * time.Millisecond)
	if gh.Online() != 0 {
		t.Errorf("Online() after unregister = %d, want 0", gh.Online())
	}
}

func TestHub_PublishGroupMessage(t *testing.T) {
	hub := NewHub()
	gh1 := hub.GetGroup(1)
	gh2 := hub.GetGroup(2)

	clients := []*Client{newClient(gh1, "alice"), newClient(gh1, "bob")}
	for _, c := range clients {
		gh1.join(c)
	}
	other := newClient(gh2, "carol")
	gh2.join(other)
	time.Sleep(20 * time.Millisecond)

	if hub.Online(1) != 2 || hub.Online(2) != 1 {
		t.Fatalf("Online() = %d/%d, want 2/1", hub.Online(1), hub.Online(2))
	}

	hub.Publish(context.Background(), events.Event{Type: events.GroupMessage, GroupID: 1, Username: "alice", Message: "e4"})

	var wg sync.WaitGroup
	for _, c := range clients {
		wg.Add(1)
		go func(c *Client) {
			defer wg.Done()
			m := recv(t, c)
			if m["type"] != events.GroupMessage || m["message"] != "e4" {
				t.Errorf("client %s got %v", c.username, m)
			}
		}(c)
	}
	wg.Wait()

	// 其他群与 p2p 事件不会推送到该群
	hub.Publish(context.Background(), events.Event{Type: events.P2PMessage, ConnectionID: "x", Message: "secret"})
	select {
	case msg := <-other.send:
		var m map[string]interface{}
		_ = json.Unmarshal(msg, &m)
		if m["type"] != "online" {
			t.Errorf("group 2 received %s", msg)
		}
	case <-time.After(20 * time.Millisecond):
	}
}

func TestHub_PublishWithoutSubscribers(t *testing.T) {
	hub := NewHub()
	hub.Publish(context.Background(), events.Event{Type: events.GroupMessage, GroupID: 7, Message: "hi"})
	if _, ok := hub.groups[7]; ok {
		t.Error("Publish() created a group hub with no subscribers")
	}
}

func TestHub_GroupExpiredClosesClients(t *testing.T) {
	hub := NewHub()
	gh := hub.GetGroup(3)
	client := newClient(gh, "alice")
	gh.join(client)
	time.Sleep(10 * time.Millisecond)

	hub.Publish(context.Background(), events.Event{Type: events.GroupExpired, GroupID: 3})

	deadline := time.After(200 * time.Millisecond)
	for {
		select {
		case _, ok := <-client.send:
			if !ok {
				if hub.Online(3) != 0 {
					t.Errorf("Online() after expiry = %d, want 0", hub.Online(3))
				}
				if gh.join(newClient(gh, "late")) {
					t.Error("join() on an expired group returned true")
				}
				gh.leave(client)
				return
			}
		case <-deadline:
			t.Fatal("client send channel was not closed")
		}
	}
}

func TestGroupHub_Concurrent(t *testing.T) {
	gh := NewGroupHub(1)
	go gh.run()
	defer gh.close()

	var wg sync.WaitGroup
	numClients := 10
	for i := 0; i < numClients; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			gh.join(&Client{group: gh, username: "user", send: make(chan []byte, 256)})
		}()
	}
	wg.Wait()
	time.Sleep(50 * time.Millisecond)

	if gh.Online() != numClients {
		t.Errorf("Online() after concurrent register = %d, want %d", gh.Online(), numClients)
	}
}

func TestHub_GroupLeftEvictsMember(t *testing.T) {
	hub := NewHub()
	gh := hub.GetGroup(5)
	alice := newClient(gh, "alice")
	bob := newClient(gh, "bob")
	gh.join(alice)
	gh.join(bob)
	time.Sleep(10 * time.Millisecond)

	hub.Publish(context.Background(), events.Event{Type: events.GroupLeft, GroupID: 5, Username: "bob"})
	hub.Publish(context.Background(), events.Event{Type: events.GroupMessage, GroupID: 5, Username: "alice", Message: "secret"})

	if hub.Online(5) != 1 {
		t.Errorf("Online() after leave = %d, want 1", hub.Online(5))
	}
	for msg := range bob.send {
		var m map[string]interface{}
		_ = json.Unmarshal(msg, &m)
		if m["type"] == events.GroupMessage {
			t.Fatalf("bob received %s after leaving", msg)
		}
	}
	if m := recv(t, alice); m["type"] != events.GroupLeft {
		t.Errorf("alice got %v, want group.left", m)
	}
	if m := recv(t, alice); m["message"] != "secret" {
		t.Errorf("alice got %v, want the message", m)
	}
}
