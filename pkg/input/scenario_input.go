// pkg/input/scenario_input.go
package input

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redpanda-data/benthos/v4/public/service"

	"github.com/twinfer/coap-exerciser/pkg/config"
	"github.com/twinfer/coap-exerciser/pkg/converter"
	"github.com/twinfer/coap-exerciser/pkg/engine"
	"github.com/twinfer/coap-exerciser/pkg/metrics"
	"github.com/twinfer/coap-exerciser/pkg/scenario"
)

func scenarioConfigSpec() *service.ConfigSpec {
	return service.NewConfigSpec().
		Summary("Runs the CoAP test-case sequence against a server and emits one message per case.").
		Description("The CoAP scenario input pings the server, walks its discovery document, exercises separate responses, block-wise GET and PUT, DELETE, POST and an observe session. Every finished case becomes a JSON message with coap_* metadata. After the last iteration a summary message is emitted and the input ends.").
		Field(service.NewStringField("config_file").
			Description("Optional YAML profile loaded before the fields below are applied.").
			Optional()).
		Field(service.NewStringField("endpoint").
			Description("CoAP endpoint of the server under test.").
			Example("coap://localhost:5683").
			Optional()).
		Field(service.NewStringField("protocol").
			Description("CoAP protocol to use.").
			LintRule("root in ['udp', 'tcp', 'udp-dtls', 'tcp-tls']").
			Optional()).
		Field(service.NewObjectField("security",
			service.NewStringField("mode").
				Description("Security mode: none, psk, or certificate.").
				Default("none").
				LintRule("root in ['none', 'psk', 'certificate']"),
			service.NewStringField("psk_identity").
				Description("PSK identity for DTLS authentication.").
				Optional(),
			service.NewStringField("psk_key").
				Description("PSK key for DTLS authentication.").
				Optional(),
			service.NewStringField("cert_file").
				Description("Path to client certificate file.").
				Optional(),
			service.NewStringField("key_file").
				Description("Path to client private key file.").
				Optional(),
			service.NewStringField("ca_cert_file").
				Description("Path to CA certificate file for verification.").
				Optional(),
			service.NewBoolField("insecure_skip_verify").
				Description("Skip certificate verification (insecure).").
				Default(false),
		).Description("Security configuration for DTLS/TLS connections.").Optional()).
		Field(service.NewDurationField("connect_timeout").
			Description("Timeout for establishing the connection.").
			Optional()).
		Field(service.NewObjectField("scenario",
			service.NewIntField("iterations").
				Description("How many times the whole sequence runs.").
				Optional(),
			service.NewIntField("default_block_size").
				Description("Block2 size for the discovery and separate GETs.").
				Optional(),
			service.NewIntField("put_block_size").
				Description("Block1 size for the PUT case.").
				Optional(),
			service.NewIntField("override_block_size").
				Description("Block2 size for the NON GET case.").
				Optional(),
			service.NewIntField("observe_cancel_after").
				Description("Number of notifications after which the observation is cancelled.").
				Optional(),
			service.NewDurationField("observe_timeout").
				Description("Maximum time to wait for the observe session to finish.").
				Optional(),
			service.NewDurationField("request_timeout").
				Description("Timeout for a single exchange including all blocks.").
				Optional(),
			service.NewStringField("put_payload").
				Description("Payload of the PUT case.").
				Optional(),
			service.NewStringField("post_payload").
				Description("Payload of the POST case.").
				Optional(),
		).Description("Test sequence tuning.").Optional()).
		Field(service.NewIntField("buffer_size").
			Description("Number of result messages buffered ahead of the pipeline.").
			Default(64)).
		Field(service.NewBoolField("include_summary").
			Description("Emit a summary message after the last case.").
			Default(true))
}

func init() {
	err := service.RegisterInput("coap_scenario", scenarioConfigSpec(), func(conf *service.ParsedConfig, mgr *service.Resources) (service.Input, error) {
		return newScenarioInput(conf, mgr)
	})
	if err != nil {
		panic(err)
	}
}

// exerciser is what the input needs from a connected client.
type exerciser interface {
	scenario.Engine
	Close() error
}

type dialFunc func(ctx context.Context, cfg config.ClientConfig, logger *service.Logger) (exerciser, error)

func dialEngine(ctx context.Context, cfg config.ClientConfig, logger *service.Logger) (exerciser, error) {
	client, err := engine.Dial(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return client, nil
}

type ScenarioInput struct {
	config         *config.ExerciserConfig
	dial           dialFunc
	converter      *converter.Converter
	logger         *service.Logger
	metrics        *metrics.Manager
	includeSummary bool

	msgChan   chan *service.Message
	closeChan chan struct{}
	closeOnce sync.Once
	cancel    context.CancelFunc
	client    exerciser
	summary   *scenario.Summary
	started   bool
	closed    bool
	mu        sync.RWMutex
	wg        sync.WaitGroup
}

func newScenarioInput(conf *service.ParsedConfig, mgr *service.Resources) (*ScenarioInput, error) {
	cfg, err := parseExerciserConfig(conf)
	if err != nil {
		return nil, err
	}

	bufferSize, err := conf.FieldInt("buffer_size")
	if err != nil {
		return nil, fmt.Errorf("failed to parse buffer_size: %w", err)
	}
	if bufferSize < 0 {
		return nil, fmt.Errorf("buffer_size cannot be negative")
	}
	includeSummary, err := conf.FieldBool("include_summary")
	if err != nil {
		return nil, fmt.Errorf("failed to parse include_summary: %w", err)
	}

	return &ScenarioInput{
		config: cfg,
		dial:   dialEngine,
		converter: converter.NewConverter(converter.Config{
			Endpoint: cfg.Client.Endpoint,
			Protocol: cfg.Client.Protocol,
		}, mgr.Logger()),
		logger:         mgr.Logger(),
		metrics:        metrics.NewManager(mgr),
		includeSummary: includeSummary,
		msgChan:        make(chan *service.Message, bufferSize),
		closeChan:      make(chan struct{}),
	}, nil
}

// parseExerciserConfig starts from the config_file profile, or the
// defaults, and applies every field that is set explicitly.
func parseExerciserConfig(conf *service.ParsedConfig) (*config.ExerciserConfig, error) {
	cfg := config.DefaultConfig()
	if conf.Contains("config_file") {
		path, err := conf.FieldString("config_file")
		if err != nil {
			return nil, fmt.Errorf("failed to parse config_file: %w", err)
		}
		if cfg, err = config.LoadFile(path); err != nil {
			return nil, err
		}
	}

	var err error
	if conf.Contains("endpoint") {
		if cfg.Client.Endpoint, err = conf.FieldString("endpoint"); err != nil {
			return nil, fmt.Errorf("failed to parse endpoint: %w", err)
		}
	}
	if conf.Contains("protocol") {
		if cfg.Client.Protocol, err = conf.FieldString("protocol"); err != nil {
			return nil, fmt.Errorf("failed to parse protocol: %w", err)
		}
	}
	if conf.Contains("security") {
		if cfg.Client.Security, err = parseSecurityConfig(conf); err != nil {
			return nil, err
		}
	}
	if conf.Contains("connect_timeout") {
		if cfg.Client.ConnectTimeout, err = conf.FieldDuration("connect_timeout"); err != nil {
			return nil, fmt.Errorf("failed to parse connect_timeout: %w", err)
		}
	}
	if conf.Contains("scenario") {
		if err := parseScenarioConfig(conf, &cfg.Scenario); err != nil {
			return nil, err
		}
	}

	if err := cfg.Client.Validate(); err != nil {
		return nil, fmt.Errorf("invalid client config: %w", err)
	}
	if err := cfg.Scenario.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scenario config: %w", err)
	}
	return cfg, nil
}

func parseSecurityConfig(conf *service.ParsedConfig) (config.SecurityConfig, error) {
	securityMode, err := conf.FieldString("security", "mode")
	if err != nil {
		return config.SecurityConfig{}, fmt.Errorf("failed to parse security.mode: %w", err)
	}
	security := config.SecurityConfig{
		Mode: securityMode,
	}

	optional := func(field string, dst *string) error {
		if !conf.Contains("security", field) {
			return nil
		}
		v, err := conf.FieldString("security", field)
		if err != nil {
			return fmt.Errorf("failed to parse security.%s: %w", field, err)
		}
		*dst = v
		return nil
	}

	switch securityMode {
	case "psk":
		if err := optional("psk_identity", &security.PSKIdentity); err != nil {
			return config.SecurityConfig{}, err
		}
		if err := optional("psk_key", &security.PSKKey); err != nil {
			return config.SecurityConfig{}, err
		}
	case "certificate":
		if err := optional("cert_file", &security.CertFile); err != nil {
			return config.SecurityConfig{}, err
		}
		if err := optional("key_file", &security.KeyFile); err != nil {
			return config.SecurityConfig{}, err
		}
		if err := optional("ca_cert_file", &security.CACertFile); err != nil {
			return config.SecurityConfig{}, err
		}
		security.InsecureSkip, err = conf.FieldBool("security", "insecure_skip_verify")
		if err != nil {
			return config.SecurityConfig{}, fmt.Errorf("failed to parse security.insecure_skip_verify: %w", err)
		}
	}
	return security, nil
}

func parseScenarioConfig(conf *service.ParsedConfig, sc *config.ScenarioConfig) error {
	ints := map[string]*int{
		"iterations":           &sc.Iterations,
		"default_block_size":   &sc.DefaultBlockSize,
		"put_block_size":       &sc.PutBlockSize,
		"override_block_size":  &sc.OverrideBlockSize,
		"observe_cancel_after": &sc.ObserveCancelAfter,
	}
	for field, dst := range ints {
		if !conf.Contains("scenario", field) {
			continue
		}
		v, err := conf.FieldInt("scenario", field)
		if err != nil {
			return fmt.Errorf("failed to parse scenario.%s: %w", field, err)
		}
		*dst = v
	}

	durations := map[string]*time.Duration{
		"observe_timeout": &sc.ObserveTimeout,
		"request_timeout": &sc.RequestTimeout,
	}
	for field, dst := range durations {
		if !conf.Contains("scenario", field) {
			continue
		}
		v, err := conf.FieldDuration("scenario", field)
		if err != nil {
			return fmt.Errorf("failed to parse scenario.%s: %w", field, err)
		}
		*dst = v
	}

	payloads := map[string]*string{
		"put_payload":  &sc.PutPayload,
		"post_payload": &sc.PostPayload,
	}
	for field, dst := range payloads {
		if !conf.Contains("scenario", field) {
			continue
		}
		v, err := conf.FieldString("scenario", field)
		if err != nil {
			return fmt.Errorf("failed to parse scenario.%s: %w", field, err)
		}
		*dst = v
	}
	return nil
}

func (i *ScenarioInput) Connect(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return service.ErrEndOfInput
	}
	if i.started {
		return nil
	}

	i.logger.Infof("Connecting CoAP scenario to %s over %s", i.config.Client.Endpoint, i.config.Client.Protocol)
	client, err := i.dial(ctx, i.config.Client, i.logger)
	if err != nil {
		i.metrics.Scenario().IncTransportErrors()
		return fmt.Errorf("failed to connect to %s: %w", i.config.Client.Endpoint, err)
	}
	i.client = client
	i.started = true

	runCtx, cancel := context.WithCancel(context.Background())
	i.cancel = cancel

	i.wg.Add(1)
	go i.run(runCtx, client)
	return nil
}

// run drives the whole sequence and closes msgChan when done. It is the
// only writer of msgChan.
func (i *ScenarioInput) run(ctx context.Context, eng scenario.Engine) {
	defer i.wg.Done()
	defer close(i.msgChan)

	d := scenario.NewDriver(i.config.Scenario.Options(), i.logger)
	d.OnResult(func(r scenario.CaseResult) {
		i.metrics.Scenario().RecordCase(r.Passed, r.Duration)
		msg, err := i.converter.CaseToMessage(r)
		if err != nil {
			i.logger.Errorf("Failed to convert result of case %s: %v", r.Name, err)
			return
		}
		i.send(msg)
	})

	summary, err := scenario.Run(ctx, d, &countingEngine{engine: eng, metrics: i.metrics})
	for n := 0; n < summary.Iterations; n++ {
		i.metrics.Scenario().IncIterations()
	}

	i.mu.Lock()
	i.summary = &summary
	i.mu.Unlock()

	if err != nil {
		if errors.Is(err, context.Canceled) {
			i.logger.Debug("CoAP scenario cancelled")
			return
		}
		i.logger.Errorf("CoAP scenario stopped: %v", err)
	}
	i.logger.Infof("CoAP scenario finished: %d/%d cases passed over %d iterations", summary.Passed, summary.Total, summary.Iterations)

	if !i.includeSummary {
		return
	}
	msg, err := i.converter.SummaryToMessage(summary)
	if err != nil {
		i.logger.Errorf("Failed to convert scenario summary: %v", err)
		return
	}
	i.send(msg)
}

func (i *ScenarioInput) send(msg *service.Message) {
	select {
	case i.msgChan <- msg:
	case <-i.closeChan:
	}
}

func (i *ScenarioInput) Read(ctx context.Context) (*service.Message, service.AckFunc, error) {
	i.mu.RLock()
	closed := i.closed
	i.mu.RUnlock()

	if closed {
		return nil, nil, service.ErrEndOfInput
	}

	select {
	case msg, ok := <-i.msgChan:
		if !ok {
			return nil, nil, service.ErrEndOfInput
		}
		return msg, func(ctx context.Context, err error) error {
			if err != nil {
				kind, _ := msg.MetaGet("coap_kind")
				i.logger.Errorf("Processing of CoAP scenario %s message failed: %v", kind, err)
			}
			return nil
		}, nil

	case <-ctx.Done():
		return nil, nil, ctx.Err()

	case <-i.closeChan:
		return nil, nil, service.ErrEndOfInput
	}
}

func (i *ScenarioInput) Close(ctx context.Context) error {
	i.closeOnce.Do(func() {
		i.mu.Lock()
		i.closed = true
		cancel := i.cancel
		client := i.client
		i.mu.Unlock()

		close(i.closeChan)
		if cancel != nil {
			cancel()
		}

		i.logger.Debug("Waiting for CoAP scenario to stop...")
		i.wg.Wait()

		if client != nil {
			if err := client.Close(); err != nil {
				i.logger.Errorf("Failed to close CoAP client for %s: %v", i.config.Client.Endpoint, err)
			}
		}
		i.logger.Info("CoAP scenario input closed")
	})
	return nil
}

// Health returns the current health status of the input
func (i *ScenarioInput) Health() map[string]any {
	i.mu.RLock()
	defer i.mu.RUnlock()

	if i.closed {
		return map[string]any{
			"status": "closed",
		}
	}

	status := map[string]any{
		"status":       "running",
		"endpoint":     i.config.Client.Endpoint,
		"buffer_usage": fmt.Sprintf("%d/%d", len(i.msgChan), cap(i.msgChan)),
	}
	if !i.started {
		status["status"] = "idle"
	}
	if i.summary != nil {
		status["status"] = "finished"
		status["summary"] = *i.summary
	}
	return status
}

// countingEngine feeds the scenario metrics from the exchanges it forwards.
type countingEngine struct {
	engine  scenario.Engine
	metrics *metrics.Manager
}

func (c *countingEngine) Do(ctx context.Context, req *scenario.Request) (*scenario.Response, error) {
	resp, err := c.engine.Do(ctx, req)
	if err != nil {
		c.metrics.Scenario().IncTransportErrors()
	}
	return resp, err
}

func (c *countingEngine) Observe(ctx context.Context, req *scenario.Request, onNotify func(*scenario.Response)) (scenario.Observation, error) {
	obs, err := c.engine.Observe(ctx, req, func(r *scenario.Response) {
		c.metrics.Scenario().IncNotifications()
		onNotify(r)
	})
	if err != nil {
		c.metrics.Scenario().IncTransportErrors()
	}
	return obs, err
}
