package gather

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/golang/glog"

	"github.com/google/uuid"
)

// ErrNotCached is returned when an operation requires an activity to be
// present in the registry and it is not. This is a precondition
// violation by the caller, not a recoverable service condition.
var ErrNotCached = errors.New("activity not in registry")

// ErrNotAuthenticated is returned when an operation needs the current
// user identity and no token has been set.
var ErrNotAuthenticated = errors.New("no current user")

// ErrNoActiveActivity is returned by the operations that act on the
// currently selected activity when none is selected.
var ErrNoActiveActivity = errors.New("no active activity")

// NoticeFunc receives the user-visible failure notices.
type NoticeFunc func(message string)

// Store is the composition root of the client state layer. It owns the
// activity registry, the service api, and the comment channel, and is
// the only writer of the operation flags.
//
// All operations are blocking calls: the caller suspends for the network
// round trip and resumes with the outcome, with the registry and flags
// already consistent with it. Operations on unrelated activities may run
// concurrently; registry writes apply in completion order.
type Store struct {
	ctx    context.Context
	cancel context.CancelFunc

	registry *ActivityRegistry
	api      *ServiceApi
	channel  *CommentChannel

	mutex            sync.Mutex
	authToken        string
	user             *UserClaims
	activeActivityId string

	loadingInitial bool
	submitting     bool
	loading        bool
	targets        map[string]bool

	noticeFunc NoticeFunc
}

func NewStoreWithDefaults(ctx context.Context, apiUrl string, channelUrl string) *Store {
	cancelCtx, cancel := context.WithCancel(ctx)
	registry := NewActivityRegistry()
	return &Store{
		ctx:      cancelCtx,
		cancel:   cancel,
		registry: registry,
		api:      NewServiceApiWithContext(cancelCtx, apiUrl),
		channel:  NewCommentChannelWithDefaults(cancelCtx, channelUrl, registry),
		targets:  map[string]bool{},
	}
}

func NewStore(
	ctx context.Context,
	apiUrl string,
	channelUrl string,
	channelSettings *CommentChannelSettings,
) *Store {
	cancelCtx, cancel := context.WithCancel(ctx)
	registry := NewActivityRegistry()
	return &Store{
		ctx:      cancelCtx,
		cancel:   cancel,
		registry: registry,
		api:      NewServiceApiWithContext(cancelCtx, apiUrl),
		channel:  NewCommentChannel(cancelCtx, channelUrl, registry, channelSettings),
		targets:  map[string]bool{},
	}
}

func (self *Store) Close() {
	self.channel.Close()
	self.api.Close()
	self.cancel()
}

// Registry exposes read access to the cache for presentation callers.
func (self *Store) Registry() *ActivityRegistry {
	return self.registry
}

func (self *Store) Api() *ServiceApi {
	return self.api
}

func (self *Store) Channel() *CommentChannel {
	return self.channel
}

// SetAuthToken installs the session credential and derives the current
// user identity from its claims. The token lifecycle is owned by the
// session collaborator; the store only consumes the value.
func (self *Store) SetAuthToken(authToken string) error {
	user, err := ParseUserClaimsUnverified(authToken)
	if err != nil {
		return err
	}
	self.mutex.Lock()
	self.authToken = authToken
	self.user = user
	self.mutex.Unlock()
	self.api.SetAuthToken(authToken)
	return nil
}

// SetCurrentUser installs the full identity from a user record, which
// carries the display name and image the token claims may lack.
func (self *Store) SetCurrentUser(user *UserRecord) {
	self.mutex.Lock()
	self.authToken = user.Token
	self.user = &UserClaims{
		Username:    user.Username,
		DisplayName: user.DisplayName,
		Image:       user.Image,
	}
	self.mutex.Unlock()
	self.api.SetAuthToken(user.Token)
}

func (self *Store) CurrentUser() *UserClaims {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.user
}

// SetNoticeFunc installs the hook for user-visible failure notices.
// Only create, attend, and cancel-attendance failures raise notices;
// edit and delete failures are logged only. See DESIGN.md.
func (self *Store) SetNoticeFunc(noticeFunc NoticeFunc) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.noticeFunc = noticeFunc
}

func (self *Store) notice(message string) {
	self.mutex.Lock()
	noticeFunc := self.noticeFunc
	self.mutex.Unlock()
	if noticeFunc != nil {
		noticeFunc(message)
	}
}

// LoadingInitial reports whether a bulk or detail load is in flight.
func (self *Store) LoadingInitial() bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.loadingInitial
}

// Submitting reports whether a create, edit, or delete is in flight.
func (self *Store) Submitting() bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.submitting
}

// Loading reports whether an attend or cancel-attendance is in flight.
func (self *Store) Loading() bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.loading
}

// TargetPending reports whether an operation targeting `activityId` is
// in flight. Targets are tracked per id so one row's pending delete does
// not block unrelated rows.
func (self *Store) TargetPending(activityId string) bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.targets[activityId]
}

func (self *Store) setLoadingInitial(loadingInitial bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.loadingInitial = loadingInitial
}

func (self *Store) setSubmitting(submitting bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.submitting = submitting
}

func (self *Store) setLoading(loading bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.loading = loading
}

func (self *Store) setTarget(activityId string, pending bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if pending {
		self.targets[activityId] = true
	} else {
		delete(self.targets, activityId)
	}
}

// SelectActivity marks a cached activity as the currently active one.
// The active activity is always resolved through the registry by id,
// never held as a direct reference.
func (self *Store) SelectActivity(activityId string) error {
	if _, ok := self.registry.Get(activityId); !ok {
		return fmt.Errorf("%w: %s", ErrNotCached, activityId)
	}
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.activeActivityId = activityId
	return nil
}

func (self *Store) ClearActivity() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.activeActivityId = ""
}

// ActiveActivity resolves the currently selected activity through the
// registry.
func (self *Store) ActiveActivity() (*Activity, bool) {
	self.mutex.Lock()
	activityId := self.activeActivityId
	self.mutex.Unlock()
	if activityId == "" {
		return nil, false
	}
	return self.registry.Get(activityId)
}

func (self *Store) currentUsername() string {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if self.user == nil {
		return ""
	}
	return self.user.Username
}

// LoadActivities fetches all activities and fills the registry. On
// failure the registry is left unmodified.
func (self *Store) LoadActivities() error {
	self.setLoadingInitial(true)
	defer self.setLoadingInitial(false)

	records, err := self.api.ListActivitiesSync()
	if err != nil {
		glog.Infof("[store]load activities error = %s\n", err)
		return err
	}

	// parse everything before touching the registry so a bad record
	// leaves the cache fully unmodified
	username := self.currentUsername()
	activities := []*Activity{}
	for _, record := range records {
		activity, err := parseActivity(record, username)
		if err != nil {
			glog.Infof("[store]bad activity record %s = %s\n", record.Id, err)
			return err
		}
		activities = append(activities, activity)
	}

	for _, activity := range activities {
		self.registry.Put(activity)
	}
	return nil
}

// LoadActivity returns the cached activity without a remote call when
// present, else fetches it into the registry. The loaded activity
// becomes the active one.
func (self *Store) LoadActivity(activityId string) (*Activity, error) {
	if activity, ok := self.registry.Get(activityId); ok {
		self.mutex.Lock()
		self.activeActivityId = activityId
		self.mutex.Unlock()
		return activity, nil
	}

	self.setLoadingInitial(true)
	defer self.setLoadingInitial(false)

	record, err := self.api.GetActivitySync(activityId)
	if err != nil {
		glog.Infof("[store]load activity %s error = %s\n", activityId, err)
		return nil, err
	}
	activity, err := parseActivity(record, self.currentUsername())
	if err != nil {
		glog.Infof("[store]bad activity record %s = %s\n", activityId, err)
		return nil, err
	}
	self.registry.Put(activity)

	self.mutex.Lock()
	self.activeActivityId = activityId
	self.mutex.Unlock()
	return activity, nil
}

// Create submits a new activity. The draft may omit the id, in which
// case a fresh one is assigned. On acceptance the creator is installed
// as the sole, hosting attendee with an empty comment list, even though
// the service does not echo these back.
func (self *Store) Create(draft *ActivityDraft) (*Activity, error) {
	user := self.CurrentUser()
	if user == nil {
		return nil, ErrNotAuthenticated
	}

	self.setSubmitting(true)
	defer self.setSubmitting(false)

	activityId := draft.Id
	if activityId == "" {
		activityId = uuid.NewString()
	}

	args := newActivitySubmitArgs(draft)
	args.Id = activityId
	if _, err := self.api.CreateActivitySync(args); err != nil {
		glog.Infof("[store]create %s error = %s\n", activityId, err)
		self.notice("Problem submitting data")
		return nil, err
	}

	host := newAttendee(user, true)
	activity := &Activity{
		Id:          activityId,
		Title:       draft.Title,
		Description: draft.Description,
		Category:    draft.Category,
		Date:        draft.Date,
		City:        draft.City,
		Venue:       draft.Venue,
		Attendees:   []*Attendee{host},
		Comments:    []*Comment{},
	}
	deriveFlags(activity, user.Username)
	self.registry.Put(activity)

	self.mutex.Lock()
	self.activeActivityId = activityId
	self.mutex.Unlock()
	return activity, nil
}

// Edit submits a full replacement of an existing activity. Failures are
// logged, not raised as a user notice.
func (self *Store) Edit(draft *ActivityDraft) (*Activity, error) {
	if draft.Id == "" {
		return nil, errors.New("edit without id")
	}

	self.setSubmitting(true)
	defer self.setSubmitting(false)

	args := newActivitySubmitArgs(draft)
	if _, err := self.api.UpdateActivitySync(args); err != nil {
		glog.Infof("[store]edit %s error = %s\n", draft.Id, err)
		return nil, err
	}

	attendees := []*Attendee{}
	comments := []*Comment{}
	if existing, ok := self.registry.Get(draft.Id); ok {
		snapshot := existing.clone()
		attendees = snapshot.Attendees
		comments = snapshot.Comments
	}
	activity := &Activity{
		Id:          draft.Id,
		Title:       draft.Title,
		Description: draft.Description,
		Category:    draft.Category,
		Date:        draft.Date,
		City:        draft.City,
		Venue:       draft.Venue,
		Attendees:   attendees,
		Comments:    comments,
	}
	deriveFlags(activity, self.currentUsername())
	self.registry.Put(activity)
	return activity, nil
}

// Delete removes an activity. Deleting an id that is not in the
// registry is a precondition violation. Failures are logged, not raised
// as a user notice. The per-id target flag is set for the duration so
// unrelated rows stay independently observable.
func (self *Store) Delete(activityId string) error {
	if _, ok := self.registry.Get(activityId); !ok {
		glog.Errorf("[store]delete %s: not in registry\n", activityId)
		return fmt.Errorf("%w: %s", ErrNotCached, activityId)
	}

	self.setSubmitting(true)
	self.setTarget(activityId, true)
	defer func() {
		self.setTarget(activityId, false)
		self.setSubmitting(false)
	}()

	if _, err := self.api.DeleteActivitySync(activityId); err != nil {
		glog.Infof("[store]delete %s error = %s\n", activityId, err)
		return err
	}

	self.registry.Remove(activityId)

	self.mutex.Lock()
	if self.activeActivityId == activityId {
		self.activeActivityId = ""
	}
	self.mutex.Unlock()
	return nil
}

// Attend signs the current user up to the active activity. On
// acceptance the user is appended as a non-host attendee and the flags
// are rederived. On failure nothing changes and a notice is raised.
func (self *Store) Attend() error {
	user := self.CurrentUser()
	if user == nil {
		return ErrNotAuthenticated
	}
	activity, err := self.requireActiveActivity()
	if err != nil {
		return err
	}

	self.setLoading(true)
	self.setTarget(activity.Id, true)
	defer func() {
		self.setTarget(activity.Id, false)
		self.setLoading(false)
	}()

	if _, err := self.api.AttendActivitySync(activity.Id); err != nil {
		glog.Infof("[store]attend %s error = %s\n", activity.Id, err)
		self.notice("Problem signing up to activity")
		return err
	}

	next := activity.clone()
	if !next.IsGoing {
		next.Attendees = append(next.Attendees, newAttendee(user, false))
	}
	deriveFlags(next, user.Username)
	self.registry.Put(next)
	return nil
}

// CancelAttendance withdraws the current user from the active activity.
// On failure nothing changes and a notice is raised.
func (self *Store) CancelAttendance() error {
	user := self.CurrentUser()
	if user == nil {
		return ErrNotAuthenticated
	}
	activity, err := self.requireActiveActivity()
	if err != nil {
		return err
	}

	self.setLoading(true)
	self.setTarget(activity.Id, true)
	defer func() {
		self.setTarget(activity.Id, false)
		self.setLoading(false)
	}()

	if _, err := self.api.UnattendActivitySync(activity.Id); err != nil {
		glog.Infof("[store]unattend %s error = %s\n", activity.Id, err)
		self.notice("Problem cancelling attendance")
		return err
	}

	next := activity.clone()
	attendees := []*Attendee{}
	for _, attendee := range next.Attendees {
		if attendee.Username != user.Username {
			attendees = append(attendees, attendee)
		}
	}
	next.Attendees = attendees
	deriveFlags(next, user.Username)
	self.registry.Put(next)
	return nil
}

func (self *Store) requireActiveActivity() (*Activity, error) {
	self.mutex.Lock()
	activityId := self.activeActivityId
	self.mutex.Unlock()
	if activityId == "" {
		return nil, ErrNoActiveActivity
	}
	activity, ok := self.registry.Get(activityId)
	if !ok {
		glog.Errorf("[store]active activity %s: not in registry\n", activityId)
		return nil, fmt.Errorf("%w: %s", ErrNotCached, activityId)
	}
	return activity, nil
}

// ConnectChannel connects the realtime channel and joins the active
// activity's group.
func (self *Store) ConnectChannel() error {
	self.mutex.Lock()
	activityId := self.activeActivityId
	authToken := self.authToken
	self.mutex.Unlock()
	if activityId == "" {
		return ErrNoActiveActivity
	}
	return self.channel.Connect(activityId, authToken)
}

func (self *Store) DisconnectChannel() error {
	return self.channel.Disconnect()
}

// AddComment submits a comment for the joined activity over the
// channel. The comment appears locally only when the author's own
// broadcast arrives back.
func (self *Store) AddComment(body string) error {
	return self.channel.SendComment(body)
}
