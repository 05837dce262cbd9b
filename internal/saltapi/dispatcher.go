package saltapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/andrej220/saltdispatch/internal/lg"
	"github.com/andrej220/saltdispatch/pkg/failure"
	"github.com/andrej220/saltdispatch/pkg/redact"
	"github.com/kballard/go-shellquote"
)

// JobID identifies a submitted job. salt-api returns it as a string, some
// deployments as a bare number; both decode to the same text.
type JobID string

func (j *JobID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*j = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*j = JobID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("jid: %w", err)
	}
	*j = JobID(n.String())
	return nil
}

func (j JobID) String() string { return string(j) }

type submitRequest struct {
	Fun string   `json:"fun"`
	Tgt string   `json:"tgt"`
	Arg []string `json:"arg,omitempty"`
}

type submitResponse struct {
	Return []struct {
		JID     JobID    `json:"jid"`
		Minions []string `json:"minions"`
	} `json:"return"`
}

// ParseCommand splits a command line into the salt function and its
// arguments. Quotes and backslash escapes group words; shell operators such
// as `|` or `>=` are plain characters. Nothing is expanded.
func ParseCommand(command string) (string, []string, error) {
	words, err := shellquote.Split(command)
	if err != nil {
		return "", nil, failure.Wrap(failure.ArgumentsInvalid, err, "cannot parse command")
	}
	if len(words) == 0 {
		return "", nil, failure.New(failure.ArgumentsInvalid, "command is empty")
	}
	return words[0], words[1:], nil
}

// SubmitJob runs command asynchronously on exactly one minion and returns the
// job id. secrets are only used to mask the debug log line; the request sent
// over the wire is identical with or without them.
func (c *Client) SubmitJob(ctx context.Context, token, target, command string, secrets map[string]string) (JobID, error) {
	fun, args, err := ParseCommand(command)
	if err != nil {
		return "", err
	}

	req := submitRequest{Fun: fun, Tgt: target, Arg: args}
	body, err := json.Marshal(req)
	if err != nil {
		return "", failure.Wrap(failure.ArgumentsInvalid, err, "encode job request")
	}

	if logged, err := json.Marshal(submitRequest{Fun: fun, Tgt: target, Arg: redact.New(secrets).Strings(args)}); err == nil {
		c.logger.Debug("Submitting job with arguments", lg.String("request", string(logged)))
	}
	c.logger.Info("Submitting job with salt-api endpoint", lg.String("url", c.endpoint+"/minions"), lg.String("target", target))

	resp, err := c.do(ctx, http.MethodPost, "/minions", token, body)
	if err != nil {
		return "", err
	}
	if resp.status != http.StatusAccepted {
		return "", failure.Newf(failure.SaltAPIFailure,
			"expected response code %d, received %d: %s", http.StatusAccepted, resp.status, excerpt(resp.body))
	}

	var sr submitResponse
	if err := json.Unmarshal(resp.body, &sr); err != nil {
		return "", failure.Wrap(failure.SaltAPIFailure, err, "malformed job submission response: "+excerpt(resp.body))
	}

	var jid JobID
	var minions []string
	if len(sr.Return) > 0 {
		jid = sr.Return[0].JID
		minions = sr.Return[0].Minions
	}
	if err := checkTargeting(target, minions); err != nil {
		return "", err
	}
	if jid == "" {
		return "", failure.New(failure.SaltAPIFailure, "job submission response carried no jid: "+excerpt(resp.body))
	}
	return jid, nil
}

// checkTargeting verifies the job landed on exactly the requested minion.
func checkTargeting(target string, minions []string) error {
	if len(minions) != 1 {
		return failure.Newf(failure.SaltTargetMismatch,
			"expected minion delegation count of 1, was %d, minions: %v", len(minions), minions)
	}
	if minions[0] != target {
		return failure.Newf(failure.SaltTargetMismatch,
			"expected minion delegation to %q but was %q", target, minions[0])
	}
	return nil
}
