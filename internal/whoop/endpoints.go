package whoop

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/goccy/go-json"

	"whoop-sync/internal/metrics"
)

const (
	pathCycles     = "/v2/cycle"
	pathRecoveries = "/v2/recovery"
	pathSleeps     = "/v2/activity/sleep"
	pathWorkouts   = "/v2/activity/workout"
	pathProfile    = "/v2/user/profile/basic"
	pathBody       = "/v2/user/measurement/body"
	pathAccess     = "/v2/user/access"
)

func getJSON[T any](ctx context.Context, c *Client, op, path, accessToken string) (*T, error) {
	body, err := c.get(ctx, op, path, accessToken, nil)
	if err != nil {
		return nil, err
	}
	var v T
	if err := json.Unmarshal(body, &v); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return &v, nil
}

// GetProfile fetches the basic profile of the token's owner
func (c *Client) GetProfile(ctx context.Context, accessToken string) (*Profile, error) {
	return getJSON[Profile](ctx, c, metrics.OpGetProfile, pathProfile, accessToken)
}

// GetBodyMeasurement fetches the current body measurement
func (c *Client) GetBodyMeasurement(ctx context.Context, accessToken string) (*BodyMeasurement, error) {
	return getJSON[BodyMeasurement](ctx, c, metrics.OpGetBody, pathBody, accessToken)
}

// GetCycle fetches one cycle by id
func (c *Client) GetCycle(ctx context.Context, accessToken string, id int64) (*Cycle, error) {
	return getJSON[Cycle](ctx, c, metrics.OpGetCycle, pathCycles+"/"+strconv.FormatInt(id, 10), accessToken)
}

// GetRecoveryForCycle fetches the recovery of a cycle
func (c *Client) GetRecoveryForCycle(ctx context.Context, accessToken string, cycleID int64) (*Recovery, error) {
	path := fmt.Sprintf("%s/%d/recovery", pathCycles, cycleID)
	return getJSON[Recovery](ctx, c, metrics.OpGetRecovery, path, accessToken)
}

// GetSleep fetches one sleep by id
func (c *Client) GetSleep(ctx context.Context, accessToken, id string) (*Sleep, error) {
	return getJSON[Sleep](ctx, c, metrics.OpGetSleep, pathSleeps+"/"+url.PathEscape(id), accessToken)
}

// GetWorkout fetches one workout by id
func (c *Client) GetWorkout(ctx context.Context, accessToken, id string) (*Workout, error) {
	return getJSON[Workout](ctx, c, metrics.OpGetWorkout, pathWorkouts+"/"+url.PathEscape(id), accessToken)
}

// ListCycles pages through cycles in the window
func (c *Client) ListCycles(ctx context.Context, accessToken string, opts ListOptions, fn func([]Cycle) error) error {
	return Paginate(ctx, c, metrics.OpListCycles, pathCycles, accessToken, opts, fn)
}

// ListRecoveries pages through recoveries in the window
func (c *Client) ListRecoveries(ctx context.Context, accessToken string, opts ListOptions, fn func([]Recovery) error) error {
	return Paginate(ctx, c, metrics.OpListRecoveries, pathRecoveries, accessToken, opts, fn)
}

// ListSleeps pages through sleeps in the window
func (c *Client) ListSleeps(ctx context.Context, accessToken string, opts ListOptions, fn func([]Sleep) error) error {
	return Paginate(ctx, c, metrics.OpListSleeps, pathSleeps, accessToken, opts, fn)
}

// ListWorkouts pages through workouts in the window
func (c *Client) ListWorkouts(ctx context.Context, accessToken string, opts ListOptions, fn func([]Workout) error) error {
	return Paginate(ctx, c, metrics.OpListWorkouts, pathWorkouts, accessToken, opts, fn)
}

// RevokeAccess revokes the app's access for the token's owner
func (c *Client) RevokeAccess(ctx context.Context, accessToken string) error {
	u := c.cfg.APIBaseURL + pathAccess
	_, err := c.do(ctx, metrics.OpRevokeAccess, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodDelete, u, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+accessToken)
		return req, nil
	})
	return err
}
