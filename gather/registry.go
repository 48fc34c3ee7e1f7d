package gather

import (
	"strings"
	"sync"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// DateGroup is one calendar date (UTC, `YYYY-MM-DD`) and its activities
// in ascending time order.
type DateGroup struct {
	Date       string
	Activities []*Activity
}

// ActivityRegistry is the keyed cache of activities. It is the single
// shared mutable resource of the state layer. Activities must enter only
// via `Put` with flags already derived (see `parseActivity`).
type ActivityRegistry struct {
	mutex sync.Mutex

	activities map[string]*Activity

	nextSubscriberId int
	subscribers      map[int]func(activityId string)
}

func NewActivityRegistry() *ActivityRegistry {
	return &ActivityRegistry{
		activities:  map[string]*Activity{},
		subscribers: map[int]func(activityId string){},
	}
}

func (self *ActivityRegistry) Get(activityId string) (*Activity, bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	activity, ok := self.activities[activityId]
	return activity, ok
}

// Put inserts or replaces by id.
func (self *ActivityRegistry) Put(activity *Activity) {
	self.mutex.Lock()
	self.activities[activity.Id] = activity
	self.mutex.Unlock()
	self.notify(activity.Id)
}

// Remove deletes by id. Removing an absent id is a no-op.
func (self *ActivityRegistry) Remove(activityId string) {
	self.mutex.Lock()
	_, ok := self.activities[activityId]
	delete(self.activities, activityId)
	self.mutex.Unlock()
	if ok {
		self.notify(activityId)
	}
}

// All returns an unordered snapshot.
func (self *ActivityRegistry) All() []*Activity {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return maps.Values(self.activities)
}

func (self *ActivityRegistry) Len() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.activities)
}

// GroupedByDate partitions the cached activities into ascending calendar
// dates, ascending within each date. It is a pure projection computed on
// demand; the id tiebreak keeps repeated calls stable.
func (self *ActivityRegistry) GroupedByDate() []DateGroup {
	activities := self.All()
	slices.SortFunc(activities, func(a *Activity, b *Activity) int {
		if c := a.Date.Compare(b.Date); c != 0 {
			return c
		}
		return strings.Compare(a.Id, b.Id)
	})

	groups := []DateGroup{}
	for _, activity := range activities {
		date := activity.Date.UTC().Format("2006-01-02")
		if n := len(groups); 0 < n && groups[n-1].Date == date {
			groups[n-1].Activities = append(groups[n-1].Activities, activity)
		} else {
			groups = append(groups, DateGroup{
				Date:       date,
				Activities: []*Activity{activity},
			})
		}
	}
	return groups
}

// Subscribe registers a callback fired with the changed activity id after
// every `Put` and effective `Remove`. The returned function unsubscribes.
func (self *ActivityRegistry) Subscribe(callback func(activityId string)) func() {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	subscriberId := self.nextSubscriberId
	self.nextSubscriberId += 1
	self.subscribers[subscriberId] = callback

	return func() {
		self.mutex.Lock()
		defer self.mutex.Unlock()
		delete(self.subscribers, subscriberId)
	}
}

func (self *ActivityRegistry) notify(activityId string) {
	self.mutex.Lock()
	callbacks := maps.Values(self.subscribers)
	self.mutex.Unlock()

	for _, callback := range callbacks {
		callback(activityId)
	}
}
