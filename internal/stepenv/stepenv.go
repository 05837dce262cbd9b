// Package stepenv reads a node step's settings from RD_* environment variables.
package stepenv

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/andrej220/saltdispatch/internal/orchestrator"
	"github.com/joho/godotenv"
)

const (
	EnvEndpoint        = "RD_OPTION_SALT_API_END_POINT"
	EnvEauth           = "RD_OPTION_SALT_API_EAUTH"
	EnvUser            = "RD_OPTION_SALT_USER"
	EnvPassword        = "RD_OPTION_SALT_PASSWORD"
	EnvFunction        = "RD_CONFIG_FUNCTION"
	EnvNodeName        = "RD_NODE_NAME"
	EnvPollStep        = "RD_CONFIG_POLL_DELAY_STEP"
	EnvPollMaxDelay    = "RD_CONFIG_POLL_MAX_DELAY"
	EnvDispatchTimeout = "RD_CONFIG_DISPATCH_TIMEOUT"
	EnvLogLevel        = "RD_JOB_LOGLEVEL"

	SecureOptionPrefix = "RD_SECUREOPTION_"

	DefaultEauth = "auto"
)

// Step is everything one node step invocation needs.
type Step struct {
	Request         orchestrator.Request
	PollStep        time.Duration
	PollMaxDelay    time.Duration
	DispatchTimeout time.Duration
	Debug           bool
}

// Load reads envFile into the process environment, without overriding
// variables that are already set, and then parses the environment. A missing
// envFile is not an error.
func Load(envFile string) (*Step, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}
	return Parse(os.Environ())
}

// Parse builds a Step from KEY=VALUE pairs. It does not check that required
// settings are present; the orchestrator validates the request.
func Parse(environ []string) (*Step, error) {
	env := make(map[string]string, len(environ))
	secrets := make(map[string]string)
	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		env[k] = v
		if name, found := strings.CutPrefix(k, SecureOptionPrefix); found && name != "" {
			secrets[name] = v
		}
	}

	eauth := env[EnvEauth]
	if eauth == "" {
		eauth = DefaultEauth
	}

	s := &Step{
		Request: orchestrator.Request{
			Endpoint: env[EnvEndpoint],
			Function: env[EnvFunction],
			Eauth:    eauth,
			Username: env[EnvUser],
			Password: env[EnvPassword],
			Target:   env[EnvNodeName],
			Secrets:  secrets,
		},
		Debug: strings.EqualFold(env[EnvLogLevel], "DEBUG"),
	}

	var err error
	if s.PollStep, err = duration(env, EnvPollStep, orchestrator.DefaultPollStep); err != nil {
		return nil, err
	}
	if s.PollMaxDelay, err = duration(env, EnvPollMaxDelay, orchestrator.DefaultPollMaxDelay); err != nil {
		return nil, err
	}
	if s.DispatchTimeout, err = duration(env, EnvDispatchTimeout, 0); err != nil {
		return nil, err
	}
	if s.PollStep <= 0 {
		return nil, fmt.Errorf("%s must be positive, got %s", EnvPollStep, s.PollStep)
	}
	return s, nil
}

func duration(env map[string]string, key string, def time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(env[key])
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s must not be negative, got %s", key, v)
	}
	return d, nil
}
