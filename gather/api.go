package gather

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

const defaultHttpTimeout = 30 * time.Second
const defaultHttpConnectTimeout = 5 * time.Second
const defaultHttpTlsTimeout = 5 * time.Second

func defaultClient() *http.Client {
	// see https://medium.com/@nate510/don-t-use-go-s-default-http-client-4804cb19f779
	dialer := &net.Dialer{
		Timeout: defaultHttpConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: defaultHttpTlsTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   defaultHttpTimeout,
	}
}

type apiCallback[R any] interface {
	Result(result R, err error)
}

// for internal use
type simpleApiCallback[R any] struct {
	callback func(result R, err error)
}

func NewApiCallback[R any](callback func(result R, err error)) apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: callback,
	}
}

func NewNoopApiCallback[R any]() apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: func(result R, err error) {},
	}
}

func (self *simpleApiCallback[R]) Result(result R, err error) {
	self.callback(result, err)
}

type ApiCallbackResult[R any] struct {
	Result R
	Error  error
}

func NewBlockingApiCallback[R any]() (apiCallback[R], chan ApiCallbackResult[R]) {
	c := make(chan ApiCallbackResult[R])
	apiCallback := NewApiCallback[R](func(result R, err error) {
		c <- ApiCallbackResult[R]{
			Result: result,
			Error:  err,
		}
	})
	return apiCallback, c
}

// ServiceApi issues the request/response operations against the remote
// activity service. Each call is a single attempt, no automatic retry.
type ServiceApi struct {
	ctx    context.Context
	cancel context.CancelFunc

	apiUrl string

	authToken string

	httpClient *http.Client
}

func NewServiceApi(apiUrl string) *ServiceApi {
	return NewServiceApiWithContext(context.Background(), apiUrl)
}

func NewServiceApiWithContext(ctx context.Context, apiUrl string) *ServiceApi {
	cancelCtx, cancel := context.WithCancel(ctx)

	return &ServiceApi{
		ctx:        cancelCtx,
		cancel:     cancel,
		apiUrl:     apiUrl,
		httpClient: defaultClient(),
	}
}

// this gets attached as a bearer credential to all calls
func (self *ServiceApi) SetAuthToken(authToken string) {
	self.authToken = authToken
}

func (self *ServiceApi) Close() {
	self.cancel()
}

type ListActivitiesCallback apiCallback[[]*ActivityRecord]

func (self *ServiceApi) ListActivities(callback ListActivitiesCallback) {
	go get(
		self,
		fmt.Sprintf("%s/activities", self.apiUrl),
		[]*ActivityRecord{},
		callback,
	)
}

func (self *ServiceApi) ListActivitiesSync() ([]*ActivityRecord, error) {
	return get(
		self,
		fmt.Sprintf("%s/activities", self.apiUrl),
		[]*ActivityRecord{},
		NewNoopApiCallback[[]*ActivityRecord](),
	)
}

type GetActivityCallback apiCallback[*ActivityRecord]

func (self *ServiceApi) GetActivity(activityId string, callback GetActivityCallback) {
	go get(
		self,
		fmt.Sprintf("%s/activities/%s", self.apiUrl, activityId),
		&ActivityRecord{},
		callback,
	)
}

func (self *ServiceApi) GetActivitySync(activityId string) (*ActivityRecord, error) {
	return get(
		self,
		fmt.Sprintf("%s/activities/%s", self.apiUrl, activityId),
		&ActivityRecord{},
		NewNoopApiCallback[*ActivityRecord](),
	)
}

// ActivitySubmitArgs is the create/update request body. The date is a wire
// timestamp, see `formatWireDate`.
type ActivitySubmitArgs struct {
	Id          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Category    string `json:"category"`
	Date        string `json:"date"`
	City        string `json:"city"`
	Venue       string `json:"venue"`
}

func newActivitySubmitArgs(draft *ActivityDraft) *ActivitySubmitArgs {
	return &ActivitySubmitArgs{
		Id:          draft.Id,
		Title:       draft.Title,
		Description: draft.Description,
		Category:    draft.Category,
		Date:        formatWireDate(draft.Date),
		City:        draft.City,
		Venue:       draft.Venue,
	}
}

// EmptyResult is for endpoints that acknowledge without a body.
type EmptyResult struct{}

type CreateActivityCallback apiCallback[*EmptyResult]

func (self *ServiceApi) CreateActivity(createActivity *ActivitySubmitArgs, callback CreateActivityCallback) {
	go call(
		self,
		"POST",
		fmt.Sprintf("%s/activities", self.apiUrl),
		createActivity,
		&EmptyResult{},
		callback,
	)
}

func (self *ServiceApi) CreateActivitySync(createActivity *ActivitySubmitArgs) (*EmptyResult, error) {
	return call(
		self,
		"POST",
		fmt.Sprintf("%s/activities", self.apiUrl),
		createActivity,
		&EmptyResult{},
		NewNoopApiCallback[*EmptyResult](),
	)
}

type UpdateActivityCallback apiCallback[*EmptyResult]

func (self *ServiceApi) UpdateActivity(updateActivity *ActivitySubmitArgs, callback UpdateActivityCallback) {
	go call(
		self,
		"PUT",
		fmt.Sprintf("%s/activities/%s", self.apiUrl, updateActivity.Id),
		updateActivity,
		&EmptyResult{},
		callback,
	)
}

func (self *ServiceApi) UpdateActivitySync(updateActivity *ActivitySubmitArgs) (*EmptyResult, error) {
	return call(
		self,
		"PUT",
		fmt.Sprintf("%s/activities/%s", self.apiUrl, updateActivity.Id),
		updateActivity,
		&EmptyResult{},
		NewNoopApiCallback[*EmptyResult](),
	)
}

type DeleteActivityCallback apiCallback[*EmptyResult]

func (self *ServiceApi) DeleteActivity(activityId string, callback DeleteActivityCallback) {
	go call(
		self,
		"DELETE",
		fmt.Sprintf("%s/activities/%s", self.apiUrl, activityId),
		nil,
		&EmptyResult{},
		callback,
	)
}

func (self *ServiceApi) DeleteActivitySync(activityId string) (*EmptyResult, error) {
	return call(
		self,
		"DELETE",
		fmt.Sprintf("%s/activities/%s", self.apiUrl, activityId),
		nil,
		&EmptyResult{},
		NewNoopApiCallback[*EmptyResult](),
	)
}

type AttendActivityCallback apiCallback[*EmptyResult]

func (self *ServiceApi) AttendActivity(activityId string, callback AttendActivityCallback) {
	go call(
		self,
		"POST",
		fmt.Sprintf("%s/activities/%s/attend", self.apiUrl, activityId),
		nil,
		&EmptyResult{},
		callback,
	)
}

func (self *ServiceApi) AttendActivitySync(activityId string) (*EmptyResult, error) {
	return call(
		self,
		"POST",
		fmt.Sprintf("%s/activities/%s/attend", self.apiUrl, activityId),
		nil,
		&EmptyResult{},
		NewNoopApiCallback[*EmptyResult](),
	)
}

type UnattendActivityCallback apiCallback[*EmptyResult]

func (self *ServiceApi) UnattendActivity(activityId string, callback UnattendActivityCallback) {
	go call(
		self,
		"DELETE",
		fmt.Sprintf("%s/activities/%s/attend", self.apiUrl, activityId),
		nil,
		&EmptyResult{},
		callback,
	)
}

func (self *ServiceApi) UnattendActivitySync(activityId string) (*EmptyResult, error) {
	return call(
		self,
		"DELETE",
		fmt.Sprintf("%s/activities/%s/attend", self.apiUrl, activityId),
		nil,
		&EmptyResult{},
		NewNoopApiCallback[*EmptyResult](),
	)
}

type LoginCallback apiCallback[*UserRecord]

type LoginArgs struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type UserRecord struct {
	Username    string `json:"username"`
	DisplayName string `json:"displayName"`
	Token       string `json:"token"`
	Image       string `json:"image"`
}

func (self *ServiceApi) Login(login *LoginArgs, callback LoginCallback) {
	go call(
		self,
		"POST",
		fmt.Sprintf("%s/user/login", self.apiUrl),
		login,
		&UserRecord{},
		callback,
	)
}

func (self *ServiceApi) LoginSync(login *LoginArgs) (*UserRecord, error) {
	return call(
		self,
		"POST",
		fmt.Sprintf("%s/user/login", self.apiUrl),
		login,
		&UserRecord{},
		NewNoopApiCallback[*UserRecord](),
	)
}

type CurrentUserCallback apiCallback[*UserRecord]

func (self *ServiceApi) CurrentUser(callback CurrentUserCallback) {
	go get(
		self,
		fmt.Sprintf("%s/user", self.apiUrl),
		&UserRecord{},
		callback,
	)
}

func (self *ServiceApi) CurrentUserSync() (*UserRecord, error) {
	return get(
		self,
		fmt.Sprintf("%s/user", self.apiUrl),
		&UserRecord{},
		NewNoopApiCallback[*UserRecord](),
	)
}

func get[R any](api *ServiceApi, url string, result R, callback apiCallback[R]) (R, error) {
	return call(api, "GET", url, nil, result, callback)
}

func call[R any](api *ServiceApi, method string, url string, args any, result R, callback apiCallback[R]) (R, error) {
	var requestBodyBytes []byte
	if args == nil {
		requestBodyBytes = make([]byte, 0)
	} else {
		var err error
		requestBodyBytes, err = json.Marshal(args)
		if err != nil {
			var empty R
			callback.Result(empty, err)
			return empty, err
		}
	}

	req, err := http.NewRequestWithContext(api.ctx, method, url, bytes.NewReader(requestBodyBytes))
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	req.Header.Add("Content-Type", "application/json")

	if api.authToken != "" {
		auth := fmt.Sprintf("Bearer %s", api.authToken)
		req.Header.Add("Authorization", auth)
	}

	r, err := api.httpClient.Do(req)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)

	if r.StatusCode < 200 || 300 <= r.StatusCode {
		// the response body is the error message
		errorMessage := strings.TrimSpace(string(responseBodyBytes))
		if errorMessage == "" {
			errorMessage = r.Status
		}
		err = errors.New(errorMessage)
		callback.Result(result, err)
		return result, err
	}

	if err != nil {
		callback.Result(result, err)
		return result, err
	}

	if 0 < len(bytes.TrimSpace(responseBodyBytes)) {
		err = json.Unmarshal(responseBodyBytes, &result)
		if err != nil {
			var empty R
			callback.Result(empty, err)
			return empty, err
		}
	}

	callback.Result(result, nil)
	return result, nil
}
