// pkg/output/block_writer.go
package output

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/redpanda-data/benthos/v4/public/service"

	"github.com/twinfer/coap-exerciser/pkg/config"
	"github.com/twinfer/coap-exerciser/pkg/engine"
	"github.com/twinfer/coap-exerciser/pkg/payload"
	"github.com/twinfer/coap-exerciser/pkg/scenario"
	"github.com/twinfer/coap-exerciser/pkg/utils"
)

func blockWriterConfigSpec() *service.ConfigSpec {
	return service.NewConfigSpec().
		Summary("Writes messages to a CoAP resource with block-wise PUT or POST.").
		Description("Every message body is sent to the server as one PUT or POST, split into Block1 blocks of the configured size. The resource path and method can be overridden per message with the coap_path and coap_method metadata. A response outside the 2.xx class fails the write.").
		Field(service.NewStringField("endpoint").
			Description("CoAP endpoint to write to.").
			Default("coap://localhost:5683").
			Example("coaps://device.local:5684")).
		Field(service.NewStringField("protocol").
			Description("CoAP protocol to use.").
			Default("udp").
			LintRule("root in ['udp', 'tcp', 'udp-dtls', 'tcp-tls']")).
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
		).Description("Security configuration for DTLS/TLS connections.")).
		Field(service.NewDurationField("connect_timeout").
			Description("Timeout for establishing the connection.").
			Default("10s")).
		Field(service.NewStringField("default_path").
			Description("Resource path for messages without coap_path metadata.").
			Default("test")).
		Field(service.NewStringField("default_method").
			Description("CoAP method for messages without coap_method metadata.").
			Default("PUT").
			LintRule("root in ['PUT', 'POST']")).
		Field(service.NewIntField("block_size").
			Description("Block1 size; 0 sends the body in a single request without a Block1 option.").
			Default(32)).
		Field(service.NewIntField("content_format").
			Description("Content-Format option of the request; 0 is text/plain.").
			Default(0)).
		Field(service.NewBoolField("confirmable").
			Description("Send confirmable requests.").
			Default(true)).
		Field(service.NewDurationField("request_timeout").
			Description("Timeout for one write including all of its blocks.").
			Default("10s")).
		Field(service.NewObjectField("retry_policy",
			service.NewIntField("max_retries").
				Description("Maximum number of retry attempts.").
				Default(3),
			service.NewDurationField("initial_interval").
				Description("Initial retry interval.").
				Default("500ms"),
			service.NewDurationField("max_interval").
				Description("Maximum retry interval.").
				Default("10s"),
			service.NewFloatField("multiplier").
				Description("Retry interval multiplier.").
				Default(1.5),
			service.NewBoolField("jitter").
				Description("Add random jitter to retry intervals.").
				Default(true),
		).Description("Retry policy for failed writes."))
}

func init() {
	err := service.RegisterOutput("coap_block_writer", blockWriterConfigSpec(), func(conf *service.ParsedConfig, mgr *service.Resources) (service.Output, int, error) {
		output, err := newBlockWriter(conf, mgr)
		if err != nil {
			return nil, 0, err
		}
		return output, 1, nil
	})
	if err != nil {
		panic(err)
	}
}

// writer is the part of the engine client the output uses.
type writer interface {
	Do(ctx context.Context, req *scenario.Request) (*scenario.Response, error)
	Close() error
}

type dialFunc func(ctx context.Context, cfg config.ClientConfig, logger *service.Logger) (writer, error)

func dialEngine(ctx context.Context, cfg config.ClientConfig, logger *service.Logger) (writer, error) {
	client, err := engine.Dial(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return client, nil
}

type BlockWriter struct {
	config  WriterConfig
	dial    dialFunc
	logger  *service.Logger
	metrics *Metrics

	client writer
	mu     sync.Mutex
}

type WriterConfig struct {
	Client         config.ClientConfig
	DefaultPath    string
	DefaultMethod  codes.Code
	BlockSize      int
	ContentFormat  message.MediaType
	Confirmable    bool
	RequestTimeout time.Duration
	RetryPolicy    utils.BackoffConfig
	MaxRetries     int
}

type Metrics struct {
	MessagesSent   *service.MetricCounter
	MessagesFailed *service.MetricCounter
	BlocksSent     *service.MetricCounter
	RetriesTotal   *service.MetricCounter
}

func newBlockWriter(conf *service.ParsedConfig, mgr *service.Resources) (*BlockWriter, error) {
	cfg, err := parseWriterConfig(conf)
	if err != nil {
		return nil, err
	}

	return &BlockWriter{
		config: cfg,
		dial:   dialEngine,
		logger: mgr.Logger(),
		metrics: &Metrics{
			MessagesSent:   mgr.Metrics().NewCounter("coap_output_messages_sent"),
			MessagesFailed: mgr.Metrics().NewCounter("coap_output_messages_failed"),
			BlocksSent:     mgr.Metrics().NewCounter("coap_output_blocks_sent"),
			RetriesTotal:   mgr.Metrics().NewCounter("coap_output_retries_total"),
		},
	}, nil
}

func parseWriterConfig(conf *service.ParsedConfig) (WriterConfig, error) {
	var cfg WriterConfig
	var err error

	if cfg.Client.Endpoint, err = conf.FieldString("endpoint"); err != nil {
		return cfg, fmt.Errorf("failed to parse endpoint: %w", err)
	}
	if cfg.Client.Protocol, err = conf.FieldString("protocol"); err != nil {
		return cfg, fmt.Errorf("failed to parse protocol: %w", err)
	}
	if cfg.Client.Security, err = parseOutputSecurityConfig(conf); err != nil {
		return cfg, err
	}
	if cfg.Client.ConnectTimeout, err = conf.FieldDuration("connect_timeout"); err != nil {
		return cfg, fmt.Errorf("failed to parse connect_timeout: %w", err)
	}
	if err := cfg.Client.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid client config: %w", err)
	}

	if cfg.DefaultPath, err = conf.FieldString("default_path"); err != nil {
		return cfg, fmt.Errorf("failed to parse default_path: %w", err)
	}
	cfg.DefaultPath = strings.Trim(cfg.DefaultPath, "/")

	method, err := conf.FieldString("default_method")
	if err != nil {
		return cfg, fmt.Errorf("failed to parse default_method: %w", err)
	}
	if cfg.DefaultMethod, err = methodStringToCode(method); err != nil {
		return cfg, err
	}

	if cfg.BlockSize, err = conf.FieldInt("block_size"); err != nil {
		return cfg, fmt.Errorf("failed to parse block_size: %w", err)
	}
	if cfg.BlockSize != 0 {
		if err := config.ValidateBlockSize(cfg.BlockSize); err != nil {
			return cfg, err
		}
	}

	contentFormat, err := conf.FieldInt("content_format")
	if err != nil {
		return cfg, fmt.Errorf("failed to parse content_format: %w", err)
	}
	if contentFormat < 0 || contentFormat > 0xffff {
		return cfg, fmt.Errorf("content_format %d out of range", contentFormat)
	}
	cfg.ContentFormat = message.MediaType(contentFormat)

	if cfg.Confirmable, err = conf.FieldBool("confirmable"); err != nil {
		return cfg, fmt.Errorf("failed to parse confirmable: %w", err)
	}
	if cfg.RequestTimeout, err = conf.FieldDuration("request_timeout"); err != nil {
		return cfg, fmt.Errorf("failed to parse request_timeout: %w", err)
	}

	if cfg.MaxRetries, cfg.RetryPolicy, err = parseOutputRetryPolicy(conf); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func parseOutputSecurityConfig(conf *service.ParsedConfig) (config.SecurityConfig, error) {
	securityMode, err := conf.FieldString("security", "mode")
	if err != nil {
		return config.SecurityConfig{}, fmt.Errorf("failed to parse security.mode: %w", err)
	}
	security := config.SecurityConfig{
		Mode: securityMode,
	}

	fields := map[string]*string{}
	switch securityMode {
	case "psk":
		fields["psk_identity"] = &security.PSKIdentity
		fields["psk_key"] = &security.PSKKey
	case "certificate":
		fields["cert_file"] = &security.CertFile
		fields["key_file"] = &security.KeyFile
		fields["ca_cert_file"] = &security.CACertFile
		security.InsecureSkip, err = conf.FieldBool("security", "insecure_skip_verify")
		if err != nil {
			return config.SecurityConfig{}, fmt.Errorf("failed to parse security.insecure_skip_verify: %w", err)
		}
	}
	for field, dst := range fields {
		if !conf.Contains("security", field) {
			continue
		}
		if *dst, err = conf.FieldString("security", field); err != nil {
			return config.SecurityConfig{}, fmt.Errorf("failed to parse security.%s: %w", field, err)
		}
	}
	return security, nil
}

func parseOutputRetryPolicy(conf *service.ParsedConfig) (int, utils.BackoffConfig, error) {
	maxRetries, err := conf.FieldInt("retry_policy", "max_retries")
	if err != nil {
		return 0, utils.BackoffConfig{}, fmt.Errorf("failed to parse retry_policy.max_retries: %w", err)
	}
	initialInterval, err := conf.FieldDuration("retry_policy", "initial_interval")
	if err != nil {
		return 0, utils.BackoffConfig{}, fmt.Errorf("failed to parse retry_policy.initial_interval: %w", err)
	}
	maxInterval, err := conf.FieldDuration("retry_policy", "max_interval")
	if err != nil {
		return 0, utils.BackoffConfig{}, fmt.Errorf("failed to parse retry_policy.max_interval: %w", err)
	}
	multiplier, err := conf.FieldFloat("retry_policy", "multiplier")
	if err != nil {
		return 0, utils.BackoffConfig{}, fmt.Errorf("failed to parse retry_policy.multiplier: %w", err)
	}
	jitter, err := conf.FieldBool("retry_policy", "jitter")
	if err != nil {
		return 0, utils.BackoffConfig{}, fmt.Errorf("failed to parse retry_policy.jitter: %w", err)
	}
	return maxRetries, utils.BackoffConfig{
		InitialInterval: initialInterval,
		MaxInterval:     maxInterval,
		Multiplier:      multiplier,
		Jitter:          jitter,
	}, nil
}

// Helper function to convert method string to CoAP code
func methodStringToCode(method string) (codes.Code, error) {
	switch strings.ToUpper(method) {
	case "POST":
		return codes.POST, nil
	case "PUT":
		return codes.PUT, nil
	default:
		return codes.Empty, fmt.Errorf("unsupported CoAP write method: %s", method)
	}
}

func (o *BlockWriter) Connect(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.client != nil {
		return nil
	}

	client, err := o.dial(ctx, o.config.Client, o.logger)
	if err != nil {
		return err
	}
	o.client = client
	o.logger.Infof("CoAP block writer connected to %s", o.config.Client.Endpoint)
	return nil
}

// request builds the write for msg from its metadata and the defaults.
func (o *BlockWriter) request(msg *service.Message) (*scenario.Request, error) {
	body, err := msg.AsBytes()
	if err != nil {
		return nil, fmt.Errorf("failed to read message body: %w", err)
	}

	path := o.config.DefaultPath
	if p, ok := msg.MetaGet("coap_path"); ok && p != "" {
		path = strings.Trim(p, "/")
	}
	method := o.config.DefaultMethod
	if m, ok := msg.MetaGet("coap_method"); ok && m != "" {
		if method, err = methodStringToCode(m); err != nil {
			return nil, err
		}
	}

	typ := message.Confirmable
	if !o.config.Confirmable {
		typ = message.NonConfirmable
	}

	req := &scenario.Request{
		Type:             typ,
		Code:             method,
		Path:             path,
		BlockSize:        o.config.BlockSize,
		ContentFormat:    o.config.ContentFormat,
		HasContentFormat: true,
		Body:             payload.Bytes(body),
	}
	if o.config.BlockSize > 0 {
		req.Size1 = len(body)
	}
	return req, nil
}

func (o *BlockWriter) Write(ctx context.Context, msg *service.Message) error {
	o.mu.Lock()
	client := o.client
	o.mu.Unlock()
	if client == nil {
		return service.ErrNotConnected
	}

	req, err := o.request(msg)
	if err != nil {
		o.metrics.MessagesFailed.Incr(1)
		return err
	}

	for attempt := 0; ; attempt++ {
		err = o.send(ctx, client, req)
		if err == nil {
			o.metrics.MessagesSent.Incr(1)
			return nil
		}
		if attempt >= o.config.MaxRetries {
			break
		}

		o.metrics.RetriesTotal.Incr(1)
		delay := utils.CalculateBackoff(attempt, o.config.RetryPolicy)
		o.logger.Warnf("CoAP write to /%s failed, retrying (%d/%d) in %v: %v", req.Path, attempt+1, o.config.MaxRetries, delay, err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			o.metrics.MessagesFailed.Incr(1)
			return ctx.Err()
		}
	}

	o.metrics.MessagesFailed.Incr(1)
	return fmt.Errorf("CoAP write to /%s on %s failed after %d retries: %w", req.Path, o.config.Client.Endpoint, o.config.MaxRetries, err)
}

func (o *BlockWriter) send(ctx context.Context, client writer, req *scenario.Request) error {
	if o.config.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.config.RequestTimeout)
		defer cancel()
	}

	resp, err := client.Do(ctx, req)
	if err != nil {
		return err
	}
	o.metrics.BlocksSent.Incr(int64(blockCount(req)))
	if !resp.Success() {
		return fmt.Errorf("%s answered %s", req, resp.Code)
	}
	return nil
}

// blockCount is the number of Block1 exchanges needed for the body of req.
func blockCount(req *scenario.Request) int {
	body, _ := req.Body.(payload.Bytes)
	if req.BlockSize <= 0 || len(body) == 0 {
		return 1
	}
	return (len(body) + req.BlockSize - 1) / req.BlockSize
}

func (o *BlockWriter) Close(ctx context.Context) error {
	o.mu.Lock()
	client := o.client
	o.client = nil
	o.mu.Unlock()

	if client == nil {
		return nil
	}
	if err := client.Close(); err != nil {
		o.logger.Errorf("Failed to close CoAP block writer for %s: %v", o.config.Client.Endpoint, err)
		return err
	}
	o.logger.Infof("CoAP block writer closed for %s", o.config.Client.Endpoint)
	return nil
}

// Health returns the current health status of the output
func (o *BlockWriter) Health() map[string]any {
	o.mu.Lock()
	connected := o.client != nil
	o.mu.Unlock()

	status := map[string]any{
		"status":       "healthy",
		"endpoint":     o.config.Client.Endpoint,
		"protocol":     o.config.Client.Protocol,
		"default_path": o.config.DefaultPath,
	}
	if !connected {
		status["status"] = "disconnected"
	}
	return status
}
