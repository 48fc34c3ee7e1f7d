package gather

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"github.com/oklog/ulid/v2"
)

// ErrChannelState is returned when a channel operation is invoked from a
// state it is not valid in.
var ErrChannelState = errors.New("invalid channel state")

type ChannelState int

const (
	ChannelDisconnected ChannelState = iota
	ChannelConnecting
	ChannelConnected
	ChannelJoinedGroup
	ChannelLeavingGroup
)

func (self ChannelState) String() string {
	switch self {
	case ChannelDisconnected:
		return "disconnected"
	case ChannelConnecting:
		return "connecting"
	case ChannelConnected:
		return "connected"
	case ChannelJoinedGroup:
		return "joined"
	case ChannelLeavingGroup:
		return "leaving"
	default:
		return fmt.Sprintf("unknown(%d)", int(self))
	}
}

type channelEventType string

const (
	eventAddToGroup      channelEventType = "add_to_group"
	eventRemoveFromGroup channelEventType = "remove_from_group"
	eventSendComment     channelEventType = "send_comment"
	eventCommentPosted   channelEventType = "comment_posted"
)

// channelFrame is the JSON envelope for both directions on the wire.
type channelFrame struct {
	Type         channelEventType `json:"type"`
	InvocationId string           `json:"invocation_id,omitempty"`
	ActivityId   string           `json:"activity_id,omitempty"`
	Body         string           `json:"body,omitempty"`
	Comment      *CommentRecord   `json:"comment,omitempty"`
}

func newInvocationId() string {
	return ulid.Make().String()
}

type CommentChannelSettings struct {
	WsHandshakeTimeout time.Duration
	WriteTimeout       time.Duration
	PingTimeout        time.Duration
}

func DefaultCommentChannelSettings() *CommentChannelSettings {
	return &CommentChannelSettings{
		WsHandshakeTimeout: 2 * time.Second,
		WriteTimeout:       5 * time.Second,
		PingTimeout:        15 * time.Second,
	}
}

// CommentChannel is the persistent realtime channel for comment traffic.
// At most one connection, bound to at most one activity group at a time.
// Inbound comments are applied to the registry; the channel never keeps
// its own copy of an activity.
//
// There is no automatic reconnect. A failed connect leaves the channel
// disconnected and reports the error to the caller.
type CommentChannel struct {
	ctx    context.Context
	cancel context.CancelFunc

	channelUrl string
	registry   *ActivityRegistry

	settings *CommentChannelSettings

	// writeMutex serializes frame writes. control pings are exempt,
	// gorilla allows WriteControl concurrent with one writer.
	writeMutex sync.Mutex

	mutex      sync.Mutex
	state      ChannelState
	activityId string
	ws         *websocket.Conn
	// closed on teardown of the current connection so the ping loop
	// exits promptly instead of waiting out its next tick
	wsDone chan struct{}
}

func NewCommentChannelWithDefaults(
	ctx context.Context,
	channelUrl string,
	registry *ActivityRegistry,
) *CommentChannel {
	return NewCommentChannel(ctx, channelUrl, registry, DefaultCommentChannelSettings())
}

func NewCommentChannel(
	ctx context.Context,
	channelUrl string,
	registry *ActivityRegistry,
	settings *CommentChannelSettings,
) *CommentChannel {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &CommentChannel{
		ctx:        cancelCtx,
		cancel:     cancel,
		channelUrl: channelUrl,
		registry:   registry,
		settings:   settings,
		state:      ChannelDisconnected,
	}
}

func (self *CommentChannel) State() ChannelState {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.state
}

// JoinedActivityId returns the id of the joined group, or "" when no
// group is joined.
func (self *CommentChannel) JoinedActivityId() string {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.activityId
}

// Connect dials the channel endpoint, then joins the group for
// `activityId`. Valid only from the disconnected state. On any failure
// the channel is left disconnected and the error is returned.
func (self *CommentChannel) Connect(activityId string, authToken string) error {
	self.mutex.Lock()
	if self.state != ChannelDisconnected {
		state := self.state
		self.mutex.Unlock()
		return fmt.Errorf("%w: connect from %s", ErrChannelState, state)
	}
	self.state = ChannelConnecting
	self.mutex.Unlock()

	fail := func(err error) error {
		self.mutex.Lock()
		self.state = ChannelDisconnected
		self.ws = nil
		self.activityId = ""
		if self.wsDone != nil {
			close(self.wsDone)
			self.wsDone = nil
		}
		self.mutex.Unlock()
		return err
	}

	dialUrl, err := channelDialUrl(self.channelUrl, authToken)
	if err != nil {
		return fail(err)
	}

	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
	}
	ws, _, err := dialer.DialContext(self.ctx, dialUrl, nil)
	if err != nil {
		glog.Infof("[ch]connect error = %s\n", err)
		return fail(err)
	}

	done := make(chan struct{})
	self.mutex.Lock()
	self.state = ChannelConnected
	self.ws = ws
	self.wsDone = done
	self.mutex.Unlock()

	join := &channelFrame{
		Type:         eventAddToGroup,
		InvocationId: newInvocationId(),
		ActivityId:   activityId,
	}
	if err := self.writeFrame(ws, join); err != nil {
		glog.Infof("[ch]join error %s = %s\n", activityId, err)
		ws.Close()
		return fail(err)
	}

	self.mutex.Lock()
	self.state = ChannelJoinedGroup
	self.activityId = activityId
	self.mutex.Unlock()

	go self.readLoop(ws)
	go self.pingLoop(ws, done)

	glog.V(2).Infof("[ch]joined %s\n", activityId)
	return nil
}

// Disconnect leaves the current group (best effort) and tears down the
// connection. Safe to call with no group joined, and safe to call again
// after the connection is already gone.
func (self *CommentChannel) Disconnect() error {
	self.mutex.Lock()
	switch self.state {
	case ChannelDisconnected:
		self.mutex.Unlock()
		return nil
	case ChannelConnecting, ChannelLeavingGroup:
		state := self.state
		self.mutex.Unlock()
		return fmt.Errorf("%w: disconnect from %s", ErrChannelState, state)
	}
	ws := self.ws
	activityId := self.activityId
	joined := self.state == ChannelJoinedGroup
	if joined {
		self.state = ChannelLeavingGroup
	}
	self.mutex.Unlock()

	if joined {
		leave := &channelFrame{
			Type:         eventRemoveFromGroup,
			InvocationId: newInvocationId(),
			ActivityId:   activityId,
		}
		if err := self.writeFrame(ws, leave); err != nil {
			// best effort. teardown proceeds regardless.
			glog.Infof("[ch]leave error %s = %s\n", activityId, err)
		}
	}

	ws.Close()

	self.mutex.Lock()
	if self.ws == ws {
		self.state = ChannelDisconnected
		self.ws = nil
		self.activityId = ""
		if self.wsDone != nil {
			close(self.wsDone)
			self.wsDone = nil
		}
	}
	self.mutex.Unlock()

	glog.V(2).Infof("[ch]disconnected\n")
	return nil
}

// SendComment submits a comment for the joined activity. The comment is
// not appended locally; the author receives their own broadcast through
// the read loop like every other group member, which keeps a single code
// path for comment-list mutation and server-side arrival order.
func (self *CommentChannel) SendComment(body string) error {
	self.mutex.Lock()
	if self.state != ChannelJoinedGroup {
		state := self.state
		self.mutex.Unlock()
		return fmt.Errorf("%w: send from %s", ErrChannelState, state)
	}
	ws := self.ws
	activityId := self.activityId
	self.mutex.Unlock()

	send := &channelFrame{
		Type:         eventSendComment,
		InvocationId: newInvocationId(),
		ActivityId:   activityId,
		Body:         body,
	}
	if err := self.writeFrame(ws, send); err != nil {
		glog.Infof("[chs]send error %s = %s\n", activityId, err)
		return err
	}
	glog.V(2).Infof("[chs]%s->\n", activityId)
	return nil
}

func (self *CommentChannel) Close() {
	self.Disconnect()
	self.cancel()
}

func (self *CommentChannel) writeFrame(ws *websocket.Conn, frame *channelFrame) error {
	frameBytes, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	self.writeMutex.Lock()
	defer self.writeMutex.Unlock()
	ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	return ws.WriteMessage(websocket.TextMessage, frameBytes)
}

func (self *CommentChannel) readLoop(ws *websocket.Conn) {
	defer func() {
		ws.Close()
		self.mutex.Lock()
		if self.ws == ws {
			self.state = ChannelDisconnected
			self.ws = nil
			self.activityId = ""
			if self.wsDone != nil {
				close(self.wsDone)
				self.wsDone = nil
			}
		}
		self.mutex.Unlock()
	}()

	for {
		messageType, message, err := ws.ReadMessage()
		if err != nil {
			glog.V(2).Infof("[chr]<- closed = %s\n", err)
			return
		}

		switch messageType {
		case websocket.TextMessage:
			frame := &channelFrame{}
			if err := json.Unmarshal(message, frame); err != nil {
				glog.Infof("[chr]<- bad frame = %s\n", err)
				continue
			}
			self.handleFrame(frame)
		default:
			glog.V(2).Infof("[chr]<- other=%d\n", messageType)
		}
	}
}

func (self *CommentChannel) handleFrame(frame *channelFrame) {
	switch frame.Type {
	case eventCommentPosted:
		if frame.Comment == nil {
			glog.Infof("[chr]comment event without payload\n")
			return
		}
		comment, err := parseComment(frame.Comment)
		if err != nil {
			glog.Infof("[chr]bad comment = %s\n", err)
			return
		}
		// resolve the activity through the registry by id. events for
		// activities not in the cache are dropped.
		activity, ok := self.registry.Get(frame.ActivityId)
		if !ok {
			glog.V(2).Infof("[chr]drop comment for %s\n", frame.ActivityId)
			return
		}
		next := activity.clone()
		next.Comments = append(next.Comments, comment)
		self.registry.Put(next)
		glog.V(2).Infof("[chr]%s<-\n", frame.ActivityId)
	default:
		glog.V(2).Infof("[chr]<- other type=%s\n", frame.Type)
	}
}

func (self *CommentChannel) pingLoop(ws *websocket.Conn, done chan struct{}) {
	for {
		select {
		case <-self.ctx.Done():
			return
		case <-done:
			return
		case <-time.After(self.settings.PingTimeout):
		}

		deadline := time.Now().Add(self.settings.WriteTimeout)
		if err := ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
			glog.V(2).Infof("[ch]ping error = %s\n", err)
			return
		}
	}
}

// channelDialUrl converts the configured endpoint to a websocket url and
// attaches the bearer credential the way the hub expects it, as an
// `access_token` query parameter.
func channelDialUrl(channelUrl string, authToken string) (string, error) {
	u, err := url.Parse(channelUrl)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("bad channel url scheme %q", u.Scheme)
	}
	if authToken != "" {
		query := u.Query()
		query.Set("access_token", authToken)
		u.RawQuery = query.Encode()
	}
	return u.String(), nil
}
