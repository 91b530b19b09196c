// Package restapi is the client of the fleet REST backend.
package restapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/autopeer-io/fleetsync/internal/fleet"
	"github.com/autopeer-io/fleetsync/pkg/log"
	"github.com/autopeer-io/fleetsync/pkg/options"
)

// StatusError is returned for any non-2xx response.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s: HTTP %d", e.Method, e.Path, e.Code)
	}
	return fmt.Sprintf("%s %s: HTTP %d: %s", e.Method, e.Path, e.Code, e.Body)
}

// Client talks to the backend on behalf of one credential.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  log.Logger
}

func NewClient(opts *options.APIOptions, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: opts.Timeout},
		logger:  log.WithName("restapi"),
	}
}

// FetchAll loads the manager's vehicles, devices and alarms in parallel. Any
// failure fails the whole fetch.
func (c *Client) FetchAll(ctx context.Context, managerID fleet.ManagerID) (fleet.Snapshot, error) {
	snap := fleet.Snapshot{
		Vehicles: []fleet.Vehicle{},
		Devices:  []fleet.Device{},
		Alarms:   []fleet.Alarm{},
	}
	prefix := "/managers/" + managerID.String()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.do(ctx, http.MethodGet, prefix+"/vehicles", nil, &snap.Vehicles) })
	g.Go(func() error { return c.do(ctx, http.MethodGet, prefix+"/devices", nil, &snap.Devices) })
	g.Go(func() error { return c.do(ctx, http.MethodGet, prefix+"/alarms", nil, &snap.Alarms) })
	if err := g.Wait(); err != nil {
		return fleet.Snapshot{}, err
	}

	c.logger.Debug("Fetched manager data", "manager", managerID,
		"vehicles", len(snap.Vehicles), "devices", len(snap.Devices), "alarms", len(snap.Alarms))
	return snap, nil
}

type vehicleBody struct {
	ManagerID    fleet.ManagerID `json:"manager_id"`
	Manufacturer string          `json:"manufacturer"`
	Model        string          `json:"model"`
	PlateNumber  string          `json:"vehicle_number"`
	Type         string          `json:"vehicle_type"`
}

func bodyOf(v fleet.Vehicle) vehicleBody {
	return vehicleBody{
		ManagerID:    v.ManagerID,
		Manufacturer: v.Manufacturer,
		Model:        v.Model,
		PlateNumber:  v.PlateNumber,
		Type:         v.Type,
	}
}

func (c *Client) CreateVehicle(ctx context.Context, v fleet.Vehicle) error {
	return c.do(ctx, http.MethodPost, "/vehicles", bodyOf(v), nil)
}

func (c *Client) UpdateVehicle(ctx context.Context, v fleet.Vehicle) error {
	return c.do(ctx, http.MethodPut, "/vehicles/"+v.ID.String(), bodyOf(v), nil)
}

func (c *Client) DeleteVehicle(ctx context.Context, id fleet.VehicleID) error {
	return c.do(ctx, http.MethodDelete, "/vehicles/"+id.String(), nil, nil)
}

// AssignDevice sends the whole assignment; a nil vehicle unassigns.
func (c *Client) AssignDevice(ctx context.Context, id fleet.DeviceID, a fleet.Assignment) error {
	path := "/devices/" + id.String() + "/assign"
	if a.VehicleID == nil {
		path = "/devices/" + id.String() + "/unassign"
	}
	return c.do(ctx, http.MethodPut, path, a, nil)
}

func (c *Client) ResolveAlarm(ctx context.Context, id fleet.AlarmID, r fleet.Resolution) error {
	return c.do(ctx, http.MethodPut, "/alarms/"+url.PathEscape(string(id))+"/resolve", r, nil)
}

// do sends in as JSON and decodes the response into out when out is not nil.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Method: method, Path: path, Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}
