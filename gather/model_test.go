package gather

import (
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestParseWireDate(t *testing.T) {
	d, err := parseWireDate("2026-09-12T18:00:00Z")
	assert.Equal(t, err, nil)
	assert.Equal(t, time.Date(2026, 9, 12, 18, 0, 0, 0, time.UTC), d.UTC())

	// the service may emit local timestamps without a zone suffix
	d, err = parseWireDate("2026-09-12T18:00:00")
	assert.Equal(t, err, nil)
	assert.Equal(t, 18, d.Hour())

	_, err = parseWireDate("next friday")
	assert.NotEqual(t, err, nil)
}

func TestDeriveFlags(t *testing.T) {
	activity := &Activity{
		Id: "a1",
		Attendees: []*Attendee{
			{Username: "alice", IsHost: true},
			{Username: "bob"},
		},
	}

	deriveFlags(activity, "alice")
	assert.Equal(t, true, activity.IsGoing)
	assert.Equal(t, true, activity.IsHost)

	deriveFlags(activity, "bob")
	assert.Equal(t, true, activity.IsGoing)
	assert.Equal(t, false, activity.IsHost)

	deriveFlags(activity, "carol")
	assert.Equal(t, false, activity.IsGoing)
	assert.Equal(t, false, activity.IsHost)

	// flags must track attendee mutations
	activity.Attendees = append(activity.Attendees, &Attendee{Username: "carol"})
	deriveFlags(activity, "carol")
	assert.Equal(t, true, activity.IsGoing)
	assert.Equal(t, false, activity.IsHost)
}

func TestParseActivity(t *testing.T) {
	record := &ActivityRecord{
		Id:       "a1",
		Title:    "evening run",
		Category: "exercise",
		Date:     "2026-09-12T18:00:00Z",
		City:     "Utrecht",
		Venue:    "Griftpark",
		Attendees: []*Attendee{
			{Username: "bob", DisplayName: "Bob", IsHost: true},
		},
		Comments: []*CommentRecord{
			{Id: "c1", CreatedAt: "2026-09-01T10:00:00Z", Body: "count me in", Username: "bob"},
		},
	}

	activity, err := parseActivity(record, "bob")
	assert.Equal(t, err, nil)
	assert.Equal(t, time.Date(2026, 9, 12, 18, 0, 0, 0, time.UTC), activity.Date.UTC())
	assert.Equal(t, true, activity.IsGoing)
	assert.Equal(t, true, activity.IsHost)
	assert.Equal(t, 1, len(activity.Comments))
	assert.Equal(t, "count me in", activity.Comments[0].Body)
	assert.Equal(t, 2026, activity.Comments[0].CreatedAt.Year())

	activity, err = parseActivity(record, "alice")
	assert.Equal(t, err, nil)
	assert.Equal(t, false, activity.IsGoing)
	assert.Equal(t, false, activity.IsHost)

	record.Date = "not a date"
	_, err = parseActivity(record, "bob")
	assert.NotEqual(t, err, nil)
}

func TestParseActivityNilCollections(t *testing.T) {
	record := &ActivityRecord{
		Id:   "a1",
		Date: "2026-09-12T18:00:00Z",
	}
	activity, err := parseActivity(record, "bob")
	assert.Equal(t, err, nil)
	assert.NotEqual(t, activity.Attendees, nil)
	assert.NotEqual(t, activity.Comments, nil)
	assert.Equal(t, 0, len(activity.Attendees))
	assert.Equal(t, 0, len(activity.Comments))
}
