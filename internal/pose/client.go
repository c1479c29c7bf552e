package pose

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// Client fetches recorded stroke samples from the pose service REST API.
type Client struct {
	base string
	rest *resty.Client
}

func NewClient(base string, timeout time.Duration) *Client {
	r := resty.New()
	if timeout > 0 {
		r.SetTimeout(timeout)
	} else {
		r.SetTimeout(5 * time.Second)
	}
	return &Client{base: base, rest: r}
}

type sampleResp struct {
	Code   int           `json:"code"`
	Msg    string        `json:"msg"`
	Sample *StrokeSample `json:"data"`
}

// FetchSample retrieves one segmented stroke sample by id.
func (c *Client) FetchSample(ctx context.Context, id string) (*StrokeSample, error) {
	resp := &sampleResp{}
	_, err := c.rest.R().
		SetContext(ctx).
		SetResult(resp).
		Get(c.base + "/api/v1/strokes/" + id)
	if err != nil {
		return nil, fmt.Errorf("fetch stroke %s: %w", id, err)
	}
	if resp.Code != 0 {
		return nil, fmt.Errorf("pose service: %d %s", resp.Code, resp.Msg)
	}
	if resp.Sample == nil {
		return nil, fmt.Errorf("pose service returned no sample for %s", id)
	}
	if err := resp.Sample.Validate(); err != nil {
		return nil, err
	}
	return resp.Sample, nil
}
