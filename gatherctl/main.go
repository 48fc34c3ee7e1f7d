package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"

	"golang.org/x/term"

	"github.com/gatherly/gather/gather"
)

const GatherCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Gather control.

The default urls are:
    api_url: http://localhost:5000/api
    channel_url: http://localhost:5000/chat

Usage:
    gatherctl login [--api_url=<api_url>] --email=<email>
    gatherctl list [--api_url=<api_url>] --jwt=<jwt>
    gatherctl show [--api_url=<api_url>] --jwt=<jwt> <activity_id>
    gatherctl create [--api_url=<api_url>] --jwt=<jwt>
        --title=<title>
        --category=<category>
        --date=<date>
        --city=<city>
        --venue=<venue>
        [--description=<description>]
    gatherctl attend [--api_url=<api_url>] --jwt=<jwt> <activity_id>
    gatherctl cancel [--api_url=<api_url>] --jwt=<jwt> <activity_id>
    gatherctl watch [--api_url=<api_url>] [--channel_url=<channel_url>] --jwt=<jwt>
        <activity_id>
    gatherctl comment [--api_url=<api_url>] [--channel_url=<channel_url>] --jwt=<jwt>
        <activity_id> <body>

Options:
    -h --help                    Show this screen.
    --version                    Show version.
    --api_url=<api_url>
    --channel_url=<channel_url>
    --email=<email>              Account email. The password is prompted.
    --jwt=<jwt>                  Your session JWT, from login.
    --title=<title>
    --category=<category>
    --date=<date>                RFC3339, e.g. 2026-09-12T18:00:00Z.
    --city=<city>
    --venue=<venue>
    --description=<description>`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], GatherCtlVersion)
	if err != nil {
		panic(err)
	}

	if login_, _ := opts.Bool("login"); login_ {
		login(opts)
	} else if list_, _ := opts.Bool("list"); list_ {
		list(opts)
	} else if show_, _ := opts.Bool("show"); show_ {
		show(opts)
	} else if create_, _ := opts.Bool("create"); create_ {
		create(opts)
	} else if attend_, _ := opts.Bool("attend"); attend_ {
		attend(opts)
	} else if cancel_, _ := opts.Bool("cancel"); cancel_ {
		cancelAttendance(opts)
	} else if watch_, _ := opts.Bool("watch"); watch_ {
		watch(opts)
	} else if comment_, _ := opts.Bool("comment"); comment_ {
		comment(opts)
	}
}

func apiUrl(opts docopt.Opts) string {
	if apiUrl_, err := opts.String("--api_url"); err == nil && apiUrl_ != "" {
		return apiUrl_
	}
	return "http://localhost:5000/api"
}

func channelUrl(opts docopt.Opts) string {
	if channelUrl_, err := opts.String("--channel_url"); err == nil && channelUrl_ != "" {
		return channelUrl_
	}
	return "http://localhost:5000/chat"
}

func newStore(opts docopt.Opts) *gather.Store {
	store := gather.NewStoreWithDefaults(
		context.Background(),
		apiUrl(opts),
		channelUrl(opts),
	)
	store.SetNoticeFunc(func(message string) {
		Out.Printf("! %s", message)
	})
	jwt, _ := opts.String("--jwt")
	if jwt != "" {
		if err := store.SetAuthToken(jwt); err != nil {
			Err.Fatalf("Bad jwt (%s).", err)
		}
	}
	return store
}

// log in and print the session jwt
func login(opts docopt.Opts) {
	email, _ := opts.String("--email")

	fmt.Print("Password: ")
	passwordBytes, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		Err.Fatalf("Could not read password (%s).", err)
	}

	api := gather.NewServiceApi(apiUrl(opts))
	defer api.Close()

	user, err := api.LoginSync(&gather.LoginArgs{
		Email:    email,
		Password: string(passwordBytes),
	})
	if err != nil {
		Err.Fatalf("Login failed (%s).", err)
	}

	Out.Printf("%s", user.Token)
}

// list all activities grouped by date
func list(opts docopt.Opts) {
	store := newStore(opts)
	defer store.Close()

	if err := store.LoadActivities(); err != nil {
		Err.Fatalf("Could not load activities (%s).", err)
	}

	for _, group := range store.Registry().GroupedByDate() {
		Out.Printf("%s", group.Date)
		for _, activity := range group.Activities {
			marker := " "
			if activity.IsHost {
				marker = "*"
			} else if activity.IsGoing {
				marker = "+"
			}
			Out.Printf("  %s %s  %s (%s, %s)", marker, activity.Id, activity.Title, activity.City, activity.Venue)
		}
	}
}

func show(opts docopt.Opts) {
	activityId, _ := opts.String("<activity_id>")

	store := newStore(opts)
	defer store.Close()

	activity, err := store.LoadActivity(activityId)
	if err != nil {
		Err.Fatalf("Could not load activity (%s).", err)
	}

	Out.Printf("%s  %s", activity.Title, activity.Date.Format(time.RFC3339))
	Out.Printf("%s, %s", activity.City, activity.Venue)
	if activity.Description != "" {
		Out.Printf("%s", activity.Description)
	}
	Out.Printf("attendees:")
	for _, attendee := range activity.Attendees {
		if attendee.IsHost {
			Out.Printf("  %s (host)", attendee.DisplayName)
		} else {
			Out.Printf("  %s", attendee.DisplayName)
		}
	}
	for _, comment := range activity.Comments {
		Out.Printf("[%s] %s: %s", comment.CreatedAt.Format(time.RFC3339), comment.DisplayName, comment.Body)
	}
}

func create(opts docopt.Opts) {
	title, _ := opts.String("--title")
	category, _ := opts.String("--category")
	dateStr, _ := opts.String("--date")
	city, _ := opts.String("--city")
	venue, _ := opts.String("--venue")
	description, _ := opts.String("--description")

	date, err := time.Parse(time.RFC3339, dateStr)
	if err != nil {
		Err.Fatalf("Invalid date (%s).", err)
	}

	store := newStore(opts)
	defer store.Close()

	activity, err := store.Create(&gather.ActivityDraft{
		Title:       title,
		Description: description,
		Category:    category,
		Date:        date,
		City:        city,
		Venue:       venue,
	})
	if err != nil {
		Err.Fatalf("Create failed (%s).", err)
	}

	Out.Printf("%s", activity.Id)
}

func attend(opts docopt.Opts) {
	activityId, _ := opts.String("<activity_id>")

	store := newStore(opts)
	defer store.Close()

	if _, err := store.LoadActivity(activityId); err != nil {
		Err.Fatalf("Could not load activity (%s).", err)
	}
	if err := store.Attend(); err != nil {
		Err.Fatalf("Attend failed (%s).", err)
	}

	Out.Printf("Attending %s.", activityId)
}

func cancelAttendance(opts docopt.Opts) {
	activityId, _ := opts.String("<activity_id>")

	store := newStore(opts)
	defer store.Close()

	if _, err := store.LoadActivity(activityId); err != nil {
		Err.Fatalf("Could not load activity (%s).", err)
	}
	if err := store.CancelAttendance(); err != nil {
		Err.Fatalf("Cancel failed (%s).", err)
	}

	Out.Printf("No longer attending %s.", activityId)
}

// join the activity group and stream comments until interrupted
func watch(opts docopt.Opts) {
	activityId, _ := opts.String("<activity_id>")

	store := newStore(opts)
	defer store.Close()

	activity, err := store.LoadActivity(activityId)
	if err != nil {
		Err.Fatalf("Could not load activity (%s).", err)
	}

	seen := len(activity.Comments)
	unsubscribe := store.Registry().Subscribe(func(changedId string) {
		if changedId != activityId {
			return
		}
		changed, ok := store.Registry().Get(activityId)
		if !ok {
			return
		}
		for _, comment := range changed.Comments[seen:] {
			Out.Printf("[%s] %s: %s", comment.CreatedAt.Format(time.RFC3339), comment.DisplayName, comment.Body)
		}
		seen = len(changed.Comments)
	})
	defer unsubscribe()

	if err := store.ConnectChannel(); err != nil {
		Err.Fatalf("Could not connect channel (%s).", err)
	}
	defer store.DisconnectChannel()

	Out.Printf("Watching %s. Ctrl-C to stop.", activity.Title)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
}

// post one comment over the channel and wait for it to echo back
func comment(opts docopt.Opts) {
	activityId, _ := opts.String("<activity_id>")
	body, _ := opts.String("<body>")

	timeout := 30 * time.Second

	store := newStore(opts)
	defer store.Close()

	activity, err := store.LoadActivity(activityId)
	if err != nil {
		Err.Fatalf("Could not load activity (%s).", err)
	}
	before := len(activity.Comments)

	echo := make(chan struct{}, 1)
	unsubscribe := store.Registry().Subscribe(func(changedId string) {
		if changedId != activityId {
			return
		}
		if changed, ok := store.Registry().Get(activityId); ok && before < len(changed.Comments) {
			select {
			case echo <- struct{}{}:
			default:
			}
		}
	})
	defer unsubscribe()

	if err := store.ConnectChannel(); err != nil {
		Err.Fatalf("Could not connect channel (%s).", err)
	}
	defer store.DisconnectChannel()

	if err := store.AddComment(body); err != nil {
		Err.Fatalf("Comment failed (%s).", err)
	}

	select {
	case <-echo:
		Out.Printf("Comment posted.")
	case <-time.After(timeout):
		Err.Fatalf("Comment not echoed (timeout).")
	}
}
