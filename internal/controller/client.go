// Package controller talks to the printer controller's rr_* HTTP API.
package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"

	"reprapctl/internal/model"
)

// ErrUnreachable marks any failure to get a usable answer from the
// controller. Callers treat it as transient.
var ErrUnreachable = errors.New("controller unreachable")

const maxResponseBytes = 1 << 20

// Client is the command channel to one controller.
type Client struct {
	base   *url.URL
	http   *http.Client
	logger hclog.Logger
}

// NewClient builds a client for the controller at baseURL, e.g.
// "http://192.168.1.14".
func NewClient(baseURL string, timeout time.Duration, logger hclog.Logger) (*Client, error) {
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse controller url: %w", err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("controller url %q has no host", baseURL)
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Client{
		base:   u,
		http:   &http.Client{Timeout: timeout},
		logger: logger,
	}, nil
}

// SendCommand sends newline-joined G-code and returns the controller's ack.
func (c *Client) SendCommand(ctx context.Context, code string) (model.Ack, error) {
	query := ""
	if code != "" {
		query = "gcode=" + EscapeGCode(code)
	}
	var resp struct {
		Buff int `json:"buff"`
	}
	if err := c.get(ctx, "rr_gcode", query, &resp); err != nil {
		return model.Ack{}, err
	}
	return model.Ack{BufferFree: max(resp.Buff, 0)}, nil
}

// FetchStatus performs one rr_poll request.
func (c *Client) FetchStatus(ctx context.Context) (model.StatusSnapshot, error) {
	var resp pollResponse
	if err := c.get(ctx, "rr_poll", "", &resp); err != nil {
		return model.StatusSnapshot{}, err
	}
	return resp.snapshot()
}

// ListFiles returns the controller's stored G-code files.
func (c *Client) ListFiles(ctx context.Context) ([]string, error) {
	var resp struct {
		Files []string `json:"files"`
	}
	if err := c.get(ctx, "rr_files", "", &resp); err != nil {
		return nil, err
	}
	return resp.Files, nil
}

func (c *Client) get(ctx context.Context, endpoint, rawQuery string, out any) error {
	u := *c.base
	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + endpoint
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("build %s request: %w", endpoint, err)
	}
	// Set after parsing so "+" and escapes reach the wire untouched.
	req.URL.RawQuery = rawQuery

	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w: %v", endpoint, ErrUnreachable, err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(res.Body, maxResponseBytes))
		return fmt.Errorf("%s: %w: status %d", endpoint, ErrUnreachable, res.StatusCode)
	}
	if err := json.NewDecoder(io.LimitReader(res.Body, maxResponseBytes)).Decode(out); err != nil {
		return fmt.Errorf("%s: %w: decode: %v", endpoint, ErrUnreachable, err)
	}
	c.logger.Trace("controller request", "endpoint", endpoint, "query_len", len(rawQuery))
	return nil
}

// flexValue accepts a JSON string or number; the firmware has sent both
// for the same field across versions.
type flexValue string

func (v *flexValue) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*v = flexValue(s)
		return nil
	}
	if string(b) == "null" {
		*v = ""
		return nil
	}
	*v = flexValue(b)
	return nil
}

func (v flexValue) float() (float64, error) {
	s := strings.TrimSpace(string(v))
	if s == "" {
		return 0, nil
	}
	return strconv.ParseFloat(s, 64)
}

func (v flexValue) flag() bool {
	f, err := v.float()
	return err == nil && f != 0
}

type pollResponse struct {
	Poll       []flexValue `json:"poll"`
	Seq        int         `json:"seq"`
	Resp       string      `json:"resp"`
	Buff       int         `json:"buff"`
	HX         flexValue   `json:"hx"`
	HY         flexValue   `json:"hy"`
	HZ         flexValue   `json:"hz"`
	Probe      flexValue   `json:"probe"`
	ReprapName string      `json:"reprap_name"`
}

// pollFields is the length of the poll array: state, X, Y, Z, E, bed, head.
const pollFields = 7

func (p pollResponse) snapshot() (model.StatusSnapshot, error) {
	if len(p.Poll) < pollFields {
		return model.StatusSnapshot{}, fmt.Errorf("rr_poll: %w: poll array has %d fields", ErrUnreachable, len(p.Poll))
	}
	var nums [pollFields - 1]float64
	for i := range nums {
		f, err := p.Poll[i+1].float()
		if err != nil {
			return model.StatusSnapshot{}, fmt.Errorf("rr_poll: %w: field %d: %v", ErrUnreachable, i+1, err)
		}
		nums[i] = f
	}
	return model.StatusSnapshot{
		Seq:         p.Seq,
		State:       model.MachineState(p.Poll[0]),
		Axes:        model.Axes{X: nums[0], Y: nums[1], Z: nums[2], E: nums[3]},
		BedTemp:     nums[4],
		HeadTemp:    nums[5],
		Homed:       model.Homed{X: p.HX.flag(), Y: p.HY.flag(), Z: p.HZ.flag()},
		BufferFree:  max(p.Buff, 0),
		Probe:       string(p.Probe),
		Message:     p.Resp,
		MachineName: p.ReprapName,
	}, nil
}
