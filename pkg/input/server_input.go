// pkg/input/server_input.go
package input

import (
	"context"
	"fmt"
	"sync"

	"github.com/redpanda-data/benthos/v4/public/service"

	"github.com/twinfer/coap-exerciser/pkg/config"
	"github.com/twinfer/coap-exerciser/pkg/converter"
	"github.com/twinfer/coap-exerciser/pkg/metrics"
	"github.com/twinfer/coap-exerciser/pkg/server"
)

func serverConfigSpec() *service.ConfigSpec {
	return service.NewConfigSpec().
		Summary("Serves the CoAP test resources and emits one message per handled exchange.").
		Description("The CoAP resource server input listens for CoAP requests and answers them from a fixed table of test resources: discovery, a writable test resource, separate responses, block-wise payloads and observable counters. Every handled request, separate reply and observe notification is converted to a JSON message with coap_* metadata.").
		Field(service.NewStringField("listen").
			Description("Address to listen on for incoming CoAP requests.").
			Default("0.0.0.0:5683").
			Example("127.0.0.1:5683")).
		Field(service.NewDurationField("tick_interval").
			Description("How often resources are given a chance to push separate replies and notifications.").
			Default("100ms")).
		Field(service.NewIntField("max_block_size").
			Description("Largest block the server sends; larger client requests are reduced to it.").
			Default(1024)).
		Field(service.NewDurationField("observe_max_age").
			Description("Notification interval of the observable counter.").
			Default("2s")).
		Field(service.NewDurationField("temperature_max_age").
			Description("Notification interval of the current temperature resource.").
			Default("10s")).
		Field(service.NewIntField("test_capacity").
			Description("Size of the writable test resource buffer.").
			Default(256)).
		Field(service.NewIntField("max_post_payload").
			Description("Largest payload accepted when a POST creates a resource.").
			Default(256)).
		Field(service.NewIntField("max_post_uri").
			Description("Longest URI a POST may create.").
			Default(32)).
		Field(service.NewIntField("buffer_size").
			Description("Size of the message buffer for handled exchanges.").
			Default(1000)).
		Field(service.NewBoolField("include_notifications").
			Description("Emit a message for every observe notification, not only for requests and separate replies.").
			Default(true))
}

func init() {
	err := service.RegisterInput("coap_resource_server", serverConfigSpec(), func(conf *service.ParsedConfig, mgr *service.Resources) (service.Input, error) {
		return newServerInput(conf, mgr)
	})
	if err != nil {
		panic(err)
	}
}

type ServerInput struct {
	server               *server.Server
	converter            *converter.Converter
	logger               *service.Logger
	metrics              *metrics.Manager
	config               config.ServerConfig
	includeNotifications bool

	msgChan   chan *service.Message
	closeChan chan struct{}
	closeOnce sync.Once
	started   bool
	closed    bool
	mu        sync.RWMutex
	wg        sync.WaitGroup
}

func newServerInput(conf *service.ParsedConfig, mgr *service.Resources) (*ServerInput, error) {
	cfg, err := parseServerConfig(conf)
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
	includeNotifications, err := conf.FieldBool("include_notifications")
	if err != nil {
		return nil, fmt.Errorf("failed to parse include_notifications: %w", err)
	}

	mm := metrics.NewManager(mgr)
	srv, err := server.New(cfg, mgr.Logger(), mm)
	if err != nil {
		return nil, fmt.Errorf("failed to create CoAP resource server on %s: %w", cfg.Listen, err)
	}

	return &ServerInput{
		server:               srv,
		converter:            converter.NewConverter(converter.Config{Protocol: "udp"}, mgr.Logger()),
		logger:               mgr.Logger(),
		metrics:              mm,
		config:               cfg,
		includeNotifications: includeNotifications,
		msgChan:              make(chan *service.Message, bufferSize),
		closeChan:            make(chan struct{}),
	}, nil
}

func parseServerConfig(conf *service.ParsedConfig) (config.ServerConfig, error) {
	cfg := config.DefaultConfig().Server

	var err error
	if cfg.Listen, err = conf.FieldString("listen"); err != nil {
		return cfg, fmt.Errorf("failed to parse listen: %w", err)
	}
	if cfg.TickInterval, err = conf.FieldDuration("tick_interval"); err != nil {
		return cfg, fmt.Errorf("failed to parse tick_interval: %w", err)
	}
	if cfg.MaxBlockSize, err = conf.FieldInt("max_block_size"); err != nil {
		return cfg, fmt.Errorf("failed to parse max_block_size: %w", err)
	}
	if cfg.ObserveMaxAge, err = conf.FieldDuration("observe_max_age"); err != nil {
		return cfg, fmt.Errorf("failed to parse observe_max_age: %w", err)
	}
	if cfg.TemperatureMaxAge, err = conf.FieldDuration("temperature_max_age"); err != nil {
		return cfg, fmt.Errorf("failed to parse temperature_max_age: %w", err)
	}
	if cfg.TestCapacity, err = conf.FieldInt("test_capacity"); err != nil {
		return cfg, fmt.Errorf("failed to parse test_capacity: %w", err)
	}
	if cfg.MaxPostPayload, err = conf.FieldInt("max_post_payload"); err != nil {
		return cfg, fmt.Errorf("failed to parse max_post_payload: %w", err)
	}
	if cfg.MaxPostURI, err = conf.FieldInt("max_post_uri"); err != nil {
		return cfg, fmt.Errorf("failed to parse max_post_uri: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid server config: %w", err)
	}
	return cfg, nil
}

func (s *ServerInput) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return service.ErrEndOfInput
	}
	if s.started {
		return nil
	}

	if err := s.server.Start(ctx); err != nil {
		return fmt.Errorf("failed to start CoAP resource server on %s: %w", s.config.Listen, err)
	}
	s.started = true
	s.logger.Infof("CoAP resource server input listening on %s", s.server.Addr())

	s.wg.Add(1)
	go s.forwardEvents()
	return nil
}

func (s *ServerInput) forwardEvents() {
	defer s.wg.Done()

	events := s.server.Events()
	for {
		select {
		case ev := <-events:
			if ev.Kind == "notification" && !s.includeNotifications {
				continue
			}
			msg, err := s.converter.EventToMessage(ev)
			if err != nil {
				s.logger.Errorf("Failed to convert %s event for /%s: %v", ev.Kind, ev.URI, err)
				continue
			}

			select {
			case s.msgChan <- msg:
			default:
				s.logger.Warnf("Message buffer full for CoAP resource server input, dropping %s event for /%s", ev.Kind, ev.URI)
				s.metrics.Server().IncEventsDropped()
			}

		case <-s.closeChan:
			return
		}
	}
}

func (s *ServerInput) Read(ctx context.Context) (*service.Message, service.AckFunc, error) {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()

	if closed {
		return nil, nil, service.ErrEndOfInput
	}

	select {
	case msg := <-s.msgChan:
		return msg, func(ctx context.Context, err error) error {
			if err != nil {
				uri, _ := msg.MetaGet("coap_uri_path")
				s.logger.Errorf("Processing of CoAP resource server message for %s failed: %v", uri, err)
			}
			return nil
		}, nil

	case <-ctx.Done():
		return nil, nil, ctx.Err()

	case <-s.closeChan:
		return nil, nil, service.ErrEndOfInput
	}
}

func (s *ServerInput) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		close(s.closeChan)

		s.logger.Info("Closing CoAP resource server input")
		s.server.Stop()
		s.wg.Wait()
		s.logger.Info("CoAP resource server input closed")
	})
	return nil
}

// Addr is the bound listen address while the server runs.
func (s *ServerInput) Addr() string {
	return s.server.Addr()
}

// Health returns the current health status of the input
func (s *ServerInput) Health(ctx context.Context) map[string]any {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()

	if closed {
		return map[string]any{
			"status": "closed",
		}
	}

	health := metrics.NewHealthChecker(s.server).CheckHealth(ctx)
	status := map[string]any{
		"status":       "healthy",
		"buffer_usage": fmt.Sprintf("%d/%d", len(s.msgChan), cap(s.msgChan)),
		"server":       health.Details,
	}
	if !health.Healthy {
		status["status"] = "unhealthy"
	}
	return status
}
