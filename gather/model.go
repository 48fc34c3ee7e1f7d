package gather

import (
	"fmt"
	"time"

	"golang.org/x/exp/slices"
)

// Activity is a scheduled event with a location, attendees, and comments.
// `IsGoing` and `IsHost` are derived from `Attendees` for the current user
// and must be recomputed whenever `Attendees` changes. See `deriveFlags`.
type Activity struct {
	Id          string
	Title       string
	Description string
	Category    string
	Date        time.Time
	City        string
	Venue       string

	IsGoing bool
	IsHost  bool

	Attendees []*Attendee
	Comments  []*Comment
}

// Attendee is one user's participation record within one activity.
// The creator of an activity is its only host.
type Attendee struct {
	Username    string `json:"username"`
	DisplayName string `json:"displayName"`
	Image       string `json:"image"`
	IsHost      bool   `json:"isHost"`
}

// Comment carries a denormalized snapshot of the author at post time,
// not a live reference.
type Comment struct {
	Id          string
	CreatedAt   time.Time
	Body        string
	Username    string
	DisplayName string
	Image       string
}

// ActivityDraft is the form-value shape used to create or edit an activity.
// Attendees, comments, and the derived flags are never caller-supplied.
type ActivityDraft struct {
	Id          string
	Title       string
	Description string
	Category    string
	Date        time.Time
	City        string
	Venue       string
}

// `ActivityRecord` and `CommentRecord` are the wire shapes from the service.
// The date fields are timestamp strings and must be parsed before an
// activity may enter the registry.

type ActivityRecord struct {
	Id          string           `json:"id"`
	Title       string           `json:"title"`
	Description string           `json:"description"`
	Category    string           `json:"category"`
	Date        string           `json:"date"`
	City        string           `json:"city"`
	Venue       string           `json:"venue"`
	Attendees   []*Attendee      `json:"attendees"`
	Comments    []*CommentRecord `json:"comments"`
}

type CommentRecord struct {
	Id          string `json:"id"`
	CreatedAt   string `json:"createdAt"`
	Body        string `json:"body"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName"`
	Image       string `json:"image"`
}

// the service may emit local timestamps without a zone suffix
const wireDateFormatLocal = "2006-01-02T15:04:05"

func parseWireDate(value string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, nil
	}
	t, err := time.Parse(wireDateFormatLocal, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad wire date %q: %w", value, err)
	}
	return t, nil
}

func formatWireDate(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseComment(record *CommentRecord) (*Comment, error) {
	createdAt, err := parseWireDate(record.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &Comment{
		Id:          record.Id,
		CreatedAt:   createdAt,
		Body:        record.Body,
		Username:    record.Username,
		DisplayName: record.DisplayName,
		Image:       record.Image,
	}, nil
}

// parseActivity converts a wire record into an `Activity` with a real
// point-in-time date and flags derived for `username`. This is the only
// path from raw service data into the registry.
func parseActivity(record *ActivityRecord, username string) (*Activity, error) {
	date, err := parseWireDate(record.Date)
	if err != nil {
		return nil, err
	}

	comments := []*Comment{}
	for _, commentRecord := range record.Comments {
		comment, err := parseComment(commentRecord)
		if err != nil {
			return nil, err
		}
		comments = append(comments, comment)
	}

	attendees := record.Attendees
	if attendees == nil {
		attendees = []*Attendee{}
	}

	activity := &Activity{
		Id:          record.Id,
		Title:       record.Title,
		Description: record.Description,
		Category:    record.Category,
		Date:        date,
		City:        record.City,
		Venue:       record.Venue,
		Attendees:   attendees,
		Comments:    comments,
	}
	deriveFlags(activity, username)
	return activity, nil
}

// deriveFlags recomputes `IsGoing` and `IsHost` from the attendee list.
// It must be applied after any mutation of `Attendees`, by any path.
func deriveFlags(activity *Activity, username string) {
	isGoing := false
	isHost := false
	for _, attendee := range activity.Attendees {
		if attendee.Username == username {
			isGoing = true
			if attendee.IsHost {
				isHost = true
			}
		}
	}
	activity.IsGoing = isGoing
	activity.IsHost = isHost
}

// clone returns a shallow copy with fresh attendee and comment slices.
// Mutations go through a clone and `Put`, never through an activity the
// registry already handed out, so concurrent readers of a previously
// obtained pointer see a frozen snapshot.
func (self *Activity) clone() *Activity {
	next := *self
	next.Attendees = slices.Clone(self.Attendees)
	next.Comments = slices.Clone(self.Comments)
	return &next
}

func newAttendee(user *UserClaims, isHost bool) *Attendee {
	return &Attendee{
		Username:    user.Username,
		DisplayName: user.DisplayName,
		Image:       user.Image,
		IsHost:      isHost,
	}
}
