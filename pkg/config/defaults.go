// pkg/config/defaults.go
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/twinfer/coap-exerciser/pkg/linkformat"
	"github.com/twinfer/coap-exerciser/pkg/scenario"
)

// DefaultConfig returns the standard exerciser profile
func DefaultConfig() *ExerciserConfig {
	return &ExerciserConfig{
		Client: ClientConfig{
			Endpoint: "coap://localhost:5683",
			Protocol: "udp",
			Security: SecurityConfig{
				Mode: "none",
			},
			ConnectTimeout:  10 * time.Second,
			TransferTimeout: 5 * time.Second,
		},
		Scenario: ScenarioConfig{
			DefaultBlockSize:   64,
			PutBlockSize:       32,
			OverrideBlockSize:  16,
			ObserveCancelAfter: 5,
			ObserveTimeout:     30 * time.Second,
			RequestTimeout:     10 * time.Second,
			Iterations:         1,
			PutPayload:         scenario.DefaultPutPayload,
			PostPayload:        scenario.DefaultPostPayload,
			DiscoveryCapacity:  linkformat.DefaultCapacity,
		},
		Server: ServerConfig{
			Listen:            ":5683",
			TickInterval:      100 * time.Millisecond,
			MaxBlockSize:      1024,
			ObserveMaxAge:     2 * time.Second,
			TemperatureMaxAge: 10 * time.Second,
			TestCapacity:      256,
			MaxPostPayload:    256,
			MaxPostURI:        32,
			EventBuffer:       1000,
		},
	}
}

// SecureConfig returns a profile that talks DTLS with a pre-shared key
func SecureConfig() *ExerciserConfig {
	config := DefaultConfig()

	config.Client.Endpoint = "coaps://localhost:5684"
	config.Client.Protocol = "udp-dtls"
	config.Client.Security = SecurityConfig{
		Mode: "psk",
		// PSKIdentity and PSKKey should be set by user
	}

	return config
}

// SoakConfig repeats the sequence many times with the smallest block sizes,
// so every transfer crosses as many block boundaries as possible.
func SoakConfig() *ExerciserConfig {
	config := DefaultConfig()

	config.Scenario.Iterations = 100
	config.Scenario.DefaultBlockSize = 16
	config.Scenario.PutBlockSize = 16
	config.Server.ObserveMaxAge = 200 * time.Millisecond

	return config
}

// LoadFile reads a YAML profile. Fields left out of the file keep their
// defaults.
func LoadFile(path string) (*ExerciserConfig, error) {
	if err := validateFileExists(path); err != nil {
		return nil, err
	}
	expanded, err := expandPath(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	config := &ExerciserConfig{}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	config.ApplyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return config, nil
}
