package saltapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/andrej220/saltdispatch/internal/lg"
	"github.com/andrej220/saltdispatch/pkg/failure"
)

// Waiter paces successive polls. *expbackoff.Timer satisfies it.
type Waiter interface {
	WaitForNext(ctx context.Context) error
}

type jobResponse struct {
	Return []map[string]json.RawMessage `json:"return"`
}

// PollOnce asks for the job's result on target. A nil result with a nil
// error means the result has not arrived yet; non-200 answers are treated
// the same way. More than one result record for a single job is a protocol
// violation.
func (c *Client) PollOnce(ctx context.Context, token string, jid JobID, target string) (json.RawMessage, error) {
	resp, err := c.do(ctx, http.MethodGet, "/jobs/"+url.PathEscape(jid.String()), token, nil)
	if err != nil {
		return nil, err
	}
	if resp.status != http.StatusOK {
		c.logger.Debug("job poll returned non-200 status, retrying",
			lg.String("jid", jid.String()), lg.Int("status", resp.status))
		return nil, nil
	}

	var jr jobResponse
	if err := json.Unmarshal(resp.body, &jr); err != nil {
		return nil, failure.Wrap(failure.SaltAPIFailure, err, "malformed job response: "+excerpt(resp.body))
	}

	switch len(jr.Return) {
	case 0:
		return nil, nil
	case 1:
		raw, ok := jr.Return[0][target]
		if !ok || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
			return nil, nil
		}
		return raw, nil
	default:
		return nil, failure.Newf(failure.SaltAPIFailure,
			"too many responses received for job %s: %d", jid, len(jr.Return))
	}
}

// WaitForResult polls until target's result is available, pausing on w
// between attempts. It returns as soon as a result arrives; an error from w
// is returned unchanged.
func (c *Client) WaitForResult(ctx context.Context, token string, jid JobID, target string, w Waiter) (json.RawMessage, error) {
	return waitFor(ctx, w, func(ctx context.Context) (json.RawMessage, error) {
		return c.PollOnce(ctx, token, jid, target)
	})
}

func waitFor(ctx context.Context, w Waiter, poll func(context.Context) (json.RawMessage, error)) (json.RawMessage, error) {
	for {
		result, err := poll(ctx)
		if err != nil {
			return nil, err
		}
		if result != nil {
			return result, nil
		}
		if err := w.WaitForNext(ctx); err != nil {
			return nil, err
		}
	}
}
