package main

import (
	"time"

	"github.com/andrej220/saltdispatch/internal/orchestrator"
	"github.com/andrej220/saltdispatch/pkg/consumer"
)

const SERVICENAME = "dispatchservice"
const CONFIGFILENAME = "config.yaml"
const PROJECTNAME = "saltdispatch"

type SaltConfig struct {
	Endpoint string `yaml:"endpoint" json:"endpoint" validate:"required,url"`
	Eauth    string `yaml:"eauth" json:"eauth" validate:"required"`
	Username string `yaml:"username" json:"username" validate:"required"`
	Password string `yaml:"password" json:"password" validate:"required"`
}

// PollConfig may change while the service runs; new values apply to the
// next dispatch.
type PollConfig struct {
	Step            time.Duration `yaml:"step" json:"step" validate:"gt=0"`
	MaxDelay        time.Duration `yaml:"maxDelay" json:"maxDelay" validate:"gtefield=Step"`
	DispatchTimeout time.Duration `yaml:"dispatchTimeout" json:"dispatchTimeout" validate:"gte=0"`
}

type DispatchServiceConfig struct {
	Salt    SaltConfig `yaml:"salt" json:"salt"`
	Poll    PollConfig `yaml:"poll" json:"poll"`
	Workers int        `yaml:"workers" json:"workers" validate:"gte=1"`

	Kafka struct {
		consumer.Config `yaml:",inline"`
		OutcomeTopic    string `yaml:"outcomeTopic" json:"outcomeTopic"`
	} `yaml:"kafka" json:"kafka"`

	Mongo struct {
		URI        string `yaml:"mongoURI" json:"mongoURI" validate:"omitempty,uri"`
		DBName     string `yaml:"dbName" json:"dbName" validate:"required_with=URI"`
		Collection string `yaml:"collection" json:"collection" validate:"required_with=URI"`
	} `yaml:"mongo" json:"mongo"`

	Archive struct {
		Dir string `yaml:"dir" json:"dir"`
	} `yaml:"archive" json:"archive"`

	Health struct {
		Port string `yaml:"port" json:"port" validate:"required,numeric"`
	} `yaml:"health" json:"health"`
}

func NewDispatchServiceConfig() *DispatchServiceConfig {
	cfg := &DispatchServiceConfig{Workers: 10}
	cfg.Salt.Eauth = "auto"
	cfg.Poll = PollConfig{
		Step:     orchestrator.DefaultPollStep,
		MaxDelay: orchestrator.DefaultPollMaxDelay,
	}
	cfg.Kafka.Topic = "dispatch-requests"
	cfg.Kafka.GroupID = SERVICENAME
	cfg.Kafka.OutcomeTopic = "dispatch-outcomes"
	cfg.Health.Port = "8082"
	return cfg
}
