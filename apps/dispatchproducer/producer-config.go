package main

import "time"

const SERVICENAME = "dispatchproducer"
const CONFIGFILENAME = "config.yaml"
const PROJECTNAME = "saltdispatch"

type DispatchProducerConfig struct {
	Service struct {
		Port     string `yaml:"port" json:"port" validate:"required,numeric"`
		HTTPpath string `yaml:"http_path" json:"http_path" validate:"required,startswith=/"`
		// TokenHash is the bcrypt hash of the bearer token clients must send.
		TokenHash string        `yaml:"token_hash" json:"token_hash" validate:"required"`
		Timeout   time.Duration `yaml:"timeout" json:"timeout"`
	} `yaml:"service" json:"service"`

	Kafka struct {
		Brokers []string `yaml:"brokers" json:"brokers" validate:"required,min=1"`
		Topic   string   `yaml:"topic" json:"topic" validate:"required"`
	} `yaml:"kafka" json:"kafka"`
}

func NewDispatchProducerConfig() *DispatchProducerConfig {
	cfg := &DispatchProducerConfig{}
	cfg.Service.Port = "8083"
	cfg.Service.HTTPpath = "/dispatch"
	cfg.Service.Timeout = 30 * time.Second
	cfg.Kafka.Topic = "dispatch-requests"
	return cfg
}
