// pkg/config/config.go
package config

import (
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/twinfer/coap-exerciser/pkg/payload"
	"github.com/twinfer/coap-exerciser/pkg/resource"
	"github.com/twinfer/coap-exerciser/pkg/scenario"
)

// ExerciserConfig is the complete configuration of the client scenario and
// the resource server.
type ExerciserConfig struct {
	Client   ClientConfig   `yaml:"client"`
	Scenario ScenarioConfig `yaml:"scenario"`
	Server   ServerConfig   `yaml:"server"`
}

type ClientConfig struct {
	Endpoint        string         `yaml:"endpoint"`
	Protocol        string         `yaml:"protocol"`
	Security        SecurityConfig `yaml:"security"`
	ConnectTimeout  time.Duration  `yaml:"connect_timeout"`
	TransferTimeout time.Duration  `yaml:"transfer_timeout"`
}

type SecurityConfig struct {
	Mode         string `yaml:"mode"`
	PSKIdentity  string `yaml:"psk_identity,omitempty"`
	PSKKey       string `yaml:"psk_key,omitempty"`
	CertFile     string `yaml:"cert_file,omitempty"`
	KeyFile      string `yaml:"key_file,omitempty"`
	CACertFile   string `yaml:"ca_cert_file,omitempty"`
	InsecureSkip bool   `yaml:"insecure_skip_verify"`
}

type ScenarioConfig struct {
	DefaultBlockSize   int           `yaml:"default_block_size"`
	PutBlockSize       int           `yaml:"put_block_size"`
	OverrideBlockSize  int           `yaml:"override_block_size"`
	ObserveCancelAfter int           `yaml:"observe_cancel_after"`
	ObserveTimeout     time.Duration `yaml:"observe_timeout"`
	RequestTimeout     time.Duration `yaml:"request_timeout"`
	Iterations         int           `yaml:"iterations"`
	PutPayload         string        `yaml:"put_payload,omitempty"`
	PostPayload        string        `yaml:"post_payload,omitempty"`
	DiscoveryCapacity  int           `yaml:"discovery_capacity"`
}

type ServerConfig struct {
	Listen            string        `yaml:"listen"`
	TickInterval      time.Duration `yaml:"tick_interval"`
	MaxBlockSize      int           `yaml:"max_block_size"`
	ObserveMaxAge     time.Duration `yaml:"observe_max_age"`
	TemperatureMaxAge time.Duration `yaml:"temperature_max_age"`
	TestCapacity      int           `yaml:"test_capacity"`
	MaxPostPayload    int           `yaml:"max_post_payload"`
	MaxPostURI        int           `yaml:"max_post_uri"`
	EventBuffer       int           `yaml:"event_buffer"`
}

// Validate checks the whole configuration.
func (c *ExerciserConfig) Validate() error {
	if err := c.Client.Validate(); err != nil {
		return fmt.Errorf("invalid client config: %w", err)
	}
	if err := c.Scenario.Validate(); err != nil {
		return fmt.Errorf("invalid scenario config: %w", err)
	}
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("invalid server config: %w", err)
	}
	return nil
}

func (c *ClientConfig) Validate() error {
	if err := ValidateProtocol(c.Protocol); err != nil {
		return err
	}
	if err := ValidateEndpoint(c.Endpoint, c.Protocol); err != nil {
		return fmt.Errorf("invalid endpoint %s: %w", c.Endpoint, err)
	}
	if err := ValidateSecurityConfig(c.Protocol, c.Security); err != nil {
		return fmt.Errorf("invalid security config: %w", err)
	}
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("connect_timeout must be positive")
	}
	return nil
}

// Address returns the host:port form of the endpoint expected by the
// dialers, adding the default CoAP port when none is given.
func (c *ClientConfig) Address() (string, error) {
	u, err := url.Parse(c.Endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Port() != "" {
		return u.Host, nil
	}
	port := "5683"
	if u.Scheme == "coaps" {
		port = "5684"
	}
	return net.JoinHostPort(u.Hostname(), port), nil
}

func (c *ScenarioConfig) Validate() error {
	for name, size := range map[string]int{
		"default_block_size":  c.DefaultBlockSize,
		"put_block_size":      c.PutBlockSize,
		"override_block_size": c.OverrideBlockSize,
	} {
		if err := ValidateBlockSize(size); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	if c.ObserveCancelAfter <= 0 {
		return fmt.Errorf("observe_cancel_after must be positive")
	}
	if c.Iterations <= 0 {
		return fmt.Errorf("iterations must be positive")
	}
	if c.Iterations > 10000 {
		return fmt.Errorf("iterations too large (max: 10000)")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request_timeout must be positive")
	}
	if c.ObserveTimeout <= 0 {
		return fmt.Errorf("observe_timeout must be positive")
	}
	if c.DiscoveryCapacity <= 0 {
		return fmt.Errorf("discovery_capacity must be positive")
	}
	return nil
}

func (c *ServerConfig) Validate() error {
	if _, _, err := net.SplitHostPort(c.Listen); err != nil {
		return fmt.Errorf("invalid listen address %s: %w", c.Listen, err)
	}
	if c.TickInterval <= 0 {
		return fmt.Errorf("tick_interval must be positive")
	}
	if err := ValidateBlockSize(c.MaxBlockSize); err != nil {
		return fmt.Errorf("max_block_size: %w", err)
	}
	if c.ObserveMaxAge < 0 || c.TemperatureMaxAge < 0 {
		return fmt.Errorf("max ages cannot be negative")
	}
	if c.TestCapacity <= 0 {
		return fmt.Errorf("test_capacity must be positive")
	}
	if c.MaxPostPayload <= 0 || c.MaxPostURI <= 0 {
		return fmt.Errorf("max_post_payload and max_post_uri must be positive")
	}
	return nil
}

// ApplyDefaults sets default values for unspecified configuration options
func (c *ExerciserConfig) ApplyDefaults() {
	d := DefaultConfig()

	if c.Client.Protocol == "" {
		c.Client.Protocol = d.Client.Protocol
	}
	if c.Client.Endpoint == "" {
		c.Client.Endpoint = d.Client.Endpoint
	}
	if c.Client.Security.Mode == "" {
		c.Client.Security.Mode = d.Client.Security.Mode
	}
	if c.Client.ConnectTimeout == 0 {
		c.Client.ConnectTimeout = d.Client.ConnectTimeout
	}
	if c.Client.TransferTimeout == 0 {
		c.Client.TransferTimeout = d.Client.TransferTimeout
	}

	s := &c.Scenario
	if s.DefaultBlockSize == 0 {
		s.DefaultBlockSize = d.Scenario.DefaultBlockSize
	}
	if s.PutBlockSize == 0 {
		s.PutBlockSize = d.Scenario.PutBlockSize
	}
	if s.OverrideBlockSize == 0 {
		s.OverrideBlockSize = d.Scenario.OverrideBlockSize
	}
	if s.ObserveCancelAfter == 0 {
		s.ObserveCancelAfter = d.Scenario.ObserveCancelAfter
	}
	if s.ObserveTimeout == 0 {
		s.ObserveTimeout = d.Scenario.ObserveTimeout
	}
	if s.RequestTimeout == 0 {
		s.RequestTimeout = d.Scenario.RequestTimeout
	}
	if s.Iterations == 0 {
		s.Iterations = d.Scenario.Iterations
	}
	if s.PutPayload == "" {
		s.PutPayload = d.Scenario.PutPayload
	}
	if s.PostPayload == "" {
		s.PostPayload = d.Scenario.PostPayload
	}
	if s.DiscoveryCapacity == 0 {
		s.DiscoveryCapacity = d.Scenario.DiscoveryCapacity
	}

	v := &c.Server
	if v.Listen == "" {
		v.Listen = d.Server.Listen
	}
	if v.TickInterval == 0 {
		v.TickInterval = d.Server.TickInterval
	}
	if v.MaxBlockSize == 0 {
		v.MaxBlockSize = d.Server.MaxBlockSize
	}
	if v.ObserveMaxAge == 0 {
		v.ObserveMaxAge = d.Server.ObserveMaxAge
	}
	if v.TemperatureMaxAge == 0 {
		v.TemperatureMaxAge = d.Server.TemperatureMaxAge
	}
	if v.TestCapacity == 0 {
		v.TestCapacity = d.Server.TestCapacity
	}
	if v.MaxPostPayload == 0 {
		v.MaxPostPayload = d.Server.MaxPostPayload
	}
	if v.MaxPostURI == 0 {
		v.MaxPostURI = d.Server.MaxPostURI
	}
	if v.EventBuffer == 0 {
		v.EventBuffer = d.Server.EventBuffer
	}
}

// Clone creates a deep copy of the configuration
func (c *ExerciserConfig) Clone() *ExerciserConfig {
	clone := *c
	return &clone
}

// Options converts the scenario section for the driver.
func (c *ScenarioConfig) Options() scenario.Options {
	opts := scenario.DefaultOptions()
	opts.DefaultBlockSize = c.DefaultBlockSize
	opts.PutBlockSize = c.PutBlockSize
	opts.OverrideBlockSize = c.OverrideBlockSize
	opts.ObserveCancelAfter = c.ObserveCancelAfter
	opts.ObserveTimeout = c.ObserveTimeout
	opts.RequestTimeout = c.RequestTimeout
	opts.Iterations = c.Iterations
	opts.PutPayload = []byte(c.PutPayload)
	opts.PostPayload = []byte(c.PostPayload)
	opts.DiscoveryCapacity = c.DiscoveryCapacity
	return opts
}

// ResourceOptions converts the server section for the default resource
// table.
func (c *ServerConfig) ResourceOptions() resource.Options {
	return resource.Options{
		ObserveMaxAge:     c.ObserveMaxAge,
		TemperatureMaxAge: c.TemperatureMaxAge,
		TestCapacity:      c.TestCapacity,
		MaxPostPayload:    c.MaxPostPayload,
		MaxPostURI:        c.MaxPostURI,
	}
}

// ValidateBlockSize accepts the block sizes a Block1/Block2 option can carry.
func ValidateBlockSize(size int) error {
	if !payload.ValidSize(size) {
		return fmt.Errorf("block size %d must be a power of two between 16 and 1024", size)
	}
	return nil
}
