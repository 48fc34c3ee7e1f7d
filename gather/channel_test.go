package gather

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/go-playground/assert/v2"
)

// testHub is an in-memory double of the realtime comment hub.
type testHub struct {
	upgrader websocket.Upgrader

	mutex  sync.Mutex
	conns  []*websocket.Conn
	joins  []string
	leaves []string

	server *httptest.Server
}

func newTestHub() *testHub {
	hub := &testHub{}
	hub.server = httptest.NewServer(http.HandlerFunc(hub.handle))
	return hub
}

func (self *testHub) handle(w http.ResponseWriter, r *http.Request) {
	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	self.mutex.Lock()
	self.conns = append(self.conns, ws)
	self.mutex.Unlock()

	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			return
		}
		frame := &channelFrame{}
		if err := json.Unmarshal(message, frame); err != nil {
			continue
		}
		switch frame.Type {
		case eventAddToGroup:
			self.mutex.Lock()
			self.joins = append(self.joins, frame.ActivityId)
			self.mutex.Unlock()
		case eventRemoveFromGroup:
			self.mutex.Lock()
			self.leaves = append(self.leaves, frame.ActivityId)
			self.mutex.Unlock()
		case eventSendComment:
			// broadcast back to the group, author included
			self.push(frame.ActivityId, &CommentRecord{
				Id:        frame.InvocationId,
				CreatedAt: time.Now().UTC().Format(time.RFC3339),
				Body:      frame.Body,
				Username:  "alice",
			})
		}
	}
}

func (self *testHub) push(activityId string, comment *CommentRecord) {
	frame := &channelFrame{
		Type:       eventCommentPosted,
		ActivityId: activityId,
		Comment:    comment,
	}
	frameBytes, _ := json.Marshal(frame)

	self.mutex.Lock()
	defer self.mutex.Unlock()
	for _, ws := range self.conns {
		ws.WriteMessage(websocket.TextMessage, frameBytes)
	}
}

func (self *testHub) joinCount() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.joins)
}

func (self *testHub) leaveCount() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.leaves)
}

func (self *testHub) closeConns() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	for _, ws := range self.conns {
		ws.Close()
	}
}

func newTestChannel(hub *testHub) (*ActivityRegistry, *CommentChannel) {
	registry := NewActivityRegistry()
	channel := NewCommentChannelWithDefaults(context.Background(), hub.server.URL, registry)
	return registry, channel
}

func commentCount(registry *ActivityRegistry, activityId string) int {
	activity, ok := registry.Get(activityId)
	if !ok {
		return -1
	}
	return len(activity.Comments)
}

func TestChannelConnectJoinReceive(t *testing.T) {
	hub := newTestHub()
	defer hub.server.Close()

	registry, channel := newTestChannel(hub)
	defer channel.Close()

	a1 := testActivity("a1", time.Date(2026, 9, 12, 18, 0, 0, 0, time.UTC))
	a1.Comments = []*Comment{{Id: "c0", Body: "first"}}
	registry.Put(a1)

	err := channel.Connect("a1", "")
	assert.Equal(t, err, nil)
	assert.Equal(t, ChannelJoinedGroup, channel.State())
	assert.Equal(t, "a1", channel.JoinedActivityId())
	waitFor(t, 5*time.Second, func() bool {
		return hub.joinCount() == 1
	})

	hub.push("a1", &CommentRecord{
		Id:        "c1",
		CreatedAt: "2026-09-12T18:05:00Z",
		Body:      "on my way",
		Username:  "bob",
	})
	waitFor(t, 5*time.Second, func() bool {
		return commentCount(registry, "a1") == 2
	})

	cached, _ := registry.Get("a1")
	// arrival order, appended after the existing comments
	assert.Equal(t, "first", cached.Comments[0].Body)
	assert.Equal(t, "on my way", cached.Comments[1].Body)
	assert.Equal(t, "bob", cached.Comments[1].Username)
}

func TestChannelDropsUnknownActivity(t *testing.T) {
	hub := newTestHub()
	defer hub.server.Close()

	registry, channel := newTestChannel(hub)
	defer channel.Close()

	registry.Put(testActivity("a1", time.Date(2026, 9, 12, 18, 0, 0, 0, time.UTC)))

	err := channel.Connect("a1", "")
	assert.Equal(t, err, nil)

	// an event for an uncached activity is dropped without effect
	hub.push("ghost", &CommentRecord{
		Id:        "c1",
		CreatedAt: "2026-09-12T18:05:00Z",
		Body:      "anyone here?",
	})
	hub.push("a1", &CommentRecord{
		Id:        "c2",
		CreatedAt: "2026-09-12T18:06:00Z",
		Body:      "hello",
	})
	waitFor(t, 5*time.Second, func() bool {
		return commentCount(registry, "a1") == 1
	})

	assert.Equal(t, 1, registry.Len())
	_, ok := registry.Get("ghost")
	assert.Equal(t, false, ok)
}

func TestChannelSendCommentEcho(t *testing.T) {
	hub := newTestHub()
	defer hub.server.Close()

	registry, channel := newTestChannel(hub)
	defer channel.Close()

	registry.Put(testActivity("a1", time.Date(2026, 9, 12, 18, 0, 0, 0, time.UTC)))

	err := channel.Connect("a1", "")
	assert.Equal(t, err, nil)

	err = channel.SendComment("see you there")
	assert.Equal(t, err, nil)

	// the comment is not appended locally. it arrives back through the
	// broadcast path like any other client's comment.
	waitFor(t, 5*time.Second, func() bool {
		return commentCount(registry, "a1") == 1
	})
	cached, _ := registry.Get("a1")
	assert.Equal(t, "see you there", cached.Comments[0].Body)

	// and exactly once
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, commentCount(registry, "a1"))
}

// inbound comment delivery must never write into an activity a reader
// already holds. run with the race detector.
func TestChannelReadersDuringInbound(t *testing.T) {
	hub := newTestHub()
	defer hub.server.Close()

	registry, channel := newTestChannel(hub)
	defer channel.Close()

	registry.Put(testActivity("a1", time.Date(2026, 9, 12, 18, 0, 0, 0, time.UTC)))
	before, _ := registry.Get("a1")

	err := channel.Connect("a1", "")
	assert.Equal(t, err, nil)

	stop := make(chan struct{})
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			select {
			case <-stop:
				return
			default:
			}
			if activity, ok := registry.Get("a1"); ok {
				for _, comment := range activity.Comments {
					_ = comment.Body
				}
			}
		}
	}()

	n := 20
	for i := 0; i < n; i += 1 {
		hub.push("a1", &CommentRecord{
			Id:        fmt.Sprintf("c%d", i),
			CreatedAt: "2026-09-12T18:05:00Z",
			Body:      fmt.Sprintf("comment %d", i),
		})
	}
	waitFor(t, 5*time.Second, func() bool {
		return commentCount(registry, "a1") == n
	})

	close(stop)
	<-readerDone

	// a pointer obtained before the traffic is a frozen snapshot
	assert.Equal(t, 0, len(before.Comments))

	// delivery order is preserved in the current entry
	cached, _ := registry.Get("a1")
	for i, comment := range cached.Comments {
		assert.Equal(t, fmt.Sprintf("comment %d", i), comment.Body)
	}
}

func TestChannelConnectFailure(t *testing.T) {
	hub := newTestHub()
	hub.server.Close()

	_, channel := newTestChannel(hub)
	defer channel.Close()

	err := channel.Connect("a1", "")
	assert.NotEqual(t, err, nil)
	assert.Equal(t, ChannelDisconnected, channel.State())

	// the failed connect leaves the channel usable for another attempt
	err = channel.Connect("a1", "")
	assert.NotEqual(t, err, nil)
	assert.Equal(t, ChannelDisconnected, channel.State())
}

func TestChannelStateGuards(t *testing.T) {
	hub := newTestHub()
	defer hub.server.Close()

	registry, channel := newTestChannel(hub)
	defer channel.Close()

	registry.Put(testActivity("a1", time.Date(2026, 9, 12, 18, 0, 0, 0, time.UTC)))

	// send is only valid with a joined group
	err := channel.SendComment("hello?")
	assert.Equal(t, true, errors.Is(err, ErrChannelState))

	// disconnect with nothing connected is safe
	err = channel.Disconnect()
	assert.Equal(t, err, nil)

	err = channel.Connect("a1", "")
	assert.Equal(t, err, nil)

	// a second connect is invalid while connected
	err = channel.Connect("a1", "")
	assert.Equal(t, true, errors.Is(err, ErrChannelState))
	assert.Equal(t, ChannelJoinedGroup, channel.State())
}

func TestChannelDisconnectLeavesGroup(t *testing.T) {
	hub := newTestHub()
	defer hub.server.Close()

	registry, channel := newTestChannel(hub)
	defer channel.Close()

	registry.Put(testActivity("a1", time.Date(2026, 9, 12, 18, 0, 0, 0, time.UTC)))

	err := channel.Connect("a1", "")
	assert.Equal(t, err, nil)

	err = channel.Disconnect()
	assert.Equal(t, err, nil)
	assert.Equal(t, ChannelDisconnected, channel.State())
	assert.Equal(t, "", channel.JoinedActivityId())
	waitFor(t, 5*time.Second, func() bool {
		return hub.leaveCount() == 1
	})

	// a second disconnect is a safe no-op
	err = channel.Disconnect()
	assert.Equal(t, err, nil)

	// and the channel can connect again
	err = channel.Connect("a1", "")
	assert.Equal(t, err, nil)
	assert.Equal(t, ChannelJoinedGroup, channel.State())
}

func TestChannelDisconnectAfterConnectionLost(t *testing.T) {
	hub := newTestHub()
	defer hub.server.Close()

	registry, channel := newTestChannel(hub)
	defer channel.Close()

	registry.Put(testActivity("a1", time.Date(2026, 9, 12, 18, 0, 0, 0, time.UTC)))

	err := channel.Connect("a1", "")
	assert.Equal(t, err, nil)

	// the server drops the connection. the leave request may fail, and
	// disconnect must still complete the teardown.
	hub.closeConns()
	waitFor(t, 5*time.Second, func() bool {
		err := channel.Disconnect()
		assert.Equal(t, err, nil)
		return channel.State() == ChannelDisconnected
	})
}
