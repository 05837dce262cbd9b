package saltapi

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/andrej220/saltdispatch/internal/lg"
	"github.com/andrej220/saltdispatch/pkg/failure"
)

// Credentials are sent to /login.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Eauth    string `json:"eauth"`
}

type loginResponse struct {
	Return []struct {
		Token string `json:"token"`
	} `json:"return"`
}

// Authenticate opens a salt-api session and returns its token.
//
// A 401 answer means the credentials were declined: Authenticate then returns
// an empty token and a nil error. Any other non-200 status is a communication
// failure, and a 200 without a usable token is a salt-api failure.
func (c *Client) Authenticate(ctx context.Context, creds Credentials) (string, error) {
	body, err := json.Marshal(creds)
	if err != nil {
		return "", failure.Wrap(failure.ArgumentsInvalid, err, "encode login request")
	}

	c.logger.Info("Authenticating with salt-api endpoint", lg.String("url", c.endpoint+"/login"))

	resp, err := c.do(ctx, http.MethodPost, "/login", "", body)
	if err != nil {
		return "", err
	}

	switch resp.status {
	case http.StatusOK:
		var lr loginResponse
		if err := json.Unmarshal(resp.body, &lr); err != nil {
			return "", failure.Wrap(failure.SaltAPIFailure, err, "error fetching token: "+excerpt(resp.body))
		}
		if len(lr.Return) == 0 || lr.Return[0].Token == "" {
			return "", failure.New(failure.SaltAPIFailure, "error fetching token: "+excerpt(resp.body))
		}
		return lr.Return[0].Token, nil
	case http.StatusUnauthorized:
		c.logger.Warn("salt-api declined credentials", lg.String("user", creds.Username), lg.String("eauth", creds.Eauth))
		return "", nil
	default:
		return "", failure.Newf(failure.CommunicationFailure,
			"unexpected failure interacting with salt-api: status %d: %s", resp.status, excerpt(resp.body))
	}
}

// Logout invalidates the session. It never fails: any problem is logged and dropped.
func (c *Client) Logout(ctx context.Context, token string) {
	if token == "" {
		return
	}
	c.logger.Info("Logging out with salt-api endpoint", lg.String("url", c.endpoint+"/logout"))

	resp, err := c.do(ctx, http.MethodPost, "/logout", token, nil)
	if err != nil {
		if failure.Is(err, failure.Interrupted) {
			c.logger.Warn("Interrupted while trying to logout", lg.Err(err))
			return
		}
		c.logger.Warn("Encountered error while trying to logout, ignoring", lg.Err(err))
		return
	}
	if resp.status != http.StatusOK {
		c.logger.Debug("logout returned non-200 status", lg.Int("status", resp.status))
	}
}
