// pkg/converter/converter.go
package converter

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/redpanda-data/benthos/v4/public/service"

	"github.com/twinfer/coap-exerciser/pkg/scenario"
	"github.com/twinfer/coap-exerciser/pkg/server"
)

const (
	KindCase    = "case"
	KindSummary = "summary"
)

// Converter turns scenario results and server events into Benthos
// messages: a JSON body plus coap_* metadata for routing.
type Converter struct {
	config Config
	logger *service.Logger
}

type Config struct {
	// Endpoint is copied to coap_endpoint on every message when set.
	Endpoint string `yaml:"endpoint"`
	// Protocol is copied to coap_protocol on every message when set.
	Protocol string `yaml:"protocol"`
}

func NewConverter(config Config, logger *service.Logger) *Converter {
	return &Converter{
		config: config,
		logger: logger,
	}
}

func (c *Converter) CaseToMessage(result scenario.CaseResult) (*service.Message, error) {
	msg, err := c.newMessage(KindCase, result)
	if err != nil {
		return nil, err
	}

	msg.MetaSet("coap_case", result.Name)
	msg.MetaSet("coap_case_index", strconv.Itoa(result.Index))
	msg.MetaSet("coap_iteration", strconv.Itoa(result.Iteration))
	msg.MetaSet("coap_passed", strconv.FormatBool(result.Passed))
	msg.MetaSet("coap_duration", result.Duration.String())
	if result.Code != "" {
		msg.MetaSet("coap_code", result.Code)
	}
	if result.Error != "" {
		msg.MetaSet("coap_error", result.Error)
	}
	return msg, nil
}

func (c *Converter) SummaryToMessage(summary scenario.Summary) (*service.Message, error) {
	msg, err := c.newMessage(KindSummary, summary)
	if err != nil {
		return nil, err
	}

	msg.MetaSet("coap_passed", strconv.FormatBool(summary.Failed == 0))
	msg.MetaSet("coap_cases_total", strconv.Itoa(summary.Total))
	msg.MetaSet("coap_cases_failed", strconv.Itoa(summary.Failed))
	msg.MetaSet("coap_duration", summary.Duration.String())
	return msg, nil
}

func (c *Converter) EventToMessage(ev server.Event) (*service.Message, error) {
	msg, err := c.newMessage(ev.Kind, ev)
	if err != nil {
		return nil, err
	}

	msg.MetaSet("coap_uri_path", "/"+ev.URI)
	msg.MetaSet("coap_remote", ev.Remote)
	msg.MetaSet("coap_type", ev.Type)
	msg.MetaSet("coap_result", ev.Result)
	if ev.Method != "" {
		msg.MetaSet("coap_method", ev.Method)
	}
	if ev.Code != "" {
		msg.MetaSet("coap_code", ev.Code)
	}
	if ev.Block != "" {
		msg.MetaSet("coap_block", ev.Block)
	}
	if ev.Observe != "" {
		msg.MetaSet("coap_observe", ev.Observe)
	}
	if ev.Error != "" {
		msg.MetaSet("coap_error", ev.Error)
	}
	return msg, nil
}

func (c *Converter) newMessage(kind string, v any) (*service.Message, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", kind, err)
	}

	msg := service.NewMessage(body)
	msg.MetaSet("coap_kind", kind)
	if c.config.Endpoint != "" {
		msg.MetaSet("coap_endpoint", c.config.Endpoint)
	}
	if c.config.Protocol != "" {
		msg.MetaSet("coap_protocol", c.config.Protocol)
	}
	return msg, nil
}
