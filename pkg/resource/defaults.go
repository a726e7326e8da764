// pkg/resource/defaults.go
package resource

import (
	"fmt"
	"strings"
	"time"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/redpanda-data/benthos/v4/public/service"
)

const (
	URITest         = "test"
	URISeparate     = "separate"
	URIObserve      = "obs"
	URIAverage      = "temperature/average"
	URICurrent      = "temperature/current"
	URIData128      = "BlockTransfer/Data128bytes"
	URIData1024     = "BlockTransfer/Data1024bytes"
	URIDelayedBlock = "BlockTransfer/DelayedBlock"
)

// Options tunes the default resource set.
type Options struct {
	ObserveMaxAge     time.Duration
	TemperatureMaxAge time.Duration
	TestCapacity      int
	MaxPostPayload    int
	MaxPostURI        int
}

func DefaultOptions() Options {
	return Options{
		ObserveMaxAge:     2 * time.Second,
		TemperatureMaxAge: 10 * time.Second,
		TestCapacity:      256,
		MaxPostPayload:    256,
		MaxPostURI:        32,
	}
}

// DefaultTestContent is the initial representation of the test resource.
const DefaultTestContent = "Hello World! This is the content of the test resource.\n"

// PatternLines builds n lines of exactly 32 bytes each, numbered from 0.
func PatternLines(n int) []byte {
	var sb strings.Builder
	for i := 0; i < n; i++ {
		if i < 5 {
			fmt.Fprintf(&sb, "<------%d-------><------%d------>\n", 2*i, 2*i+1)
			continue
		}
		fmt.Fprintf(&sb, "%-31s\n", fmt.Sprintf("<------line %03d------>", i))
	}
	return []byte(sb.String())
}

type temperatureLog struct {
	samples []float64
}

const maxTemperatureSamples = 16

func temperatureFor(value uint32) float64 {
	return 20.0 + float64(value%10)*0.5
}

func (l *temperatureLog) record(value uint32) {
	l.samples = append(l.samples, temperatureFor(value))
	if len(l.samples) > maxTemperatureSamples {
		l.samples = l.samples[len(l.samples)-maxTemperatureSamples:]
	}
}

func (l *temperatureLog) average() float64 {
	if len(l.samples) == 0 {
		return temperatureFor(0)
	}
	var sum float64
	for _, s := range l.samples {
		sum += s
	}
	return sum / float64(len(l.samples))
}

// NewDefaultTable builds the exerciser's fixed resource set together with
// the POST factory.
func NewDefaultTable(opts Options, logger *service.Logger) (*Table, error) {
	t := NewTable(logger)
	t.SetFactory(NewFactory(t, opts.MaxPostPayload, opts.MaxPostURI))

	temps := &temperatureLog{}
	temps.record(0)

	current := NewObservableResource(Descriptor{
		URI:           URICurrent,
		Title:         "Current temperature",
		ContentFormat: message.TextPlain,
		ETag:          newETag(),
		MaxAge:        opts.TemperatureMaxAge,
		Observe:       ObserveConfig{Notify: NotifyCON},
	}, func(value uint32) []byte {
		return []byte(fmt.Sprintf("%.1f C", temperatureFor(value)))
	})
	current.OnAdvance(temps.record)

	obs := NewObservableResource(Descriptor{
		URI:           URIObserve,
		Title:         "Observable counter",
		ContentFormat: message.TextPlain,
		ETag:          newETag(),
		MaxAge:        opts.ObserveMaxAge,
		Observe:       ObserveConfig{Notify: NotifyNON},
	}, func(value uint32) []byte {
		return []byte(fmt.Sprintf("Observe counter: %d", value))
	})

	resources := []Resource{
		NewDiscoveryResource(t),
		NewTestResource(Descriptor{
			URI:           URITest,
			Title:         "Default test resource",
			ContentFormat: message.TextPlain,
			ETag:          newETag(),
		}, opts.TestCapacity, []byte(DefaultTestContent)),
		NewSeparateResource(Descriptor{
			URI:           URISeparate,
			Title:         "Resource which cannot be served immediately",
			ContentFormat: message.TextPlain,
		}, func() []byte {
			return []byte("That took a long time")
		}, false),
		NewSeparateResource(Descriptor{
			URI:           URIAverage,
			Title:         "Average temperature",
			ContentFormat: message.TextPlain,
		}, func() []byte {
			return []byte(fmt.Sprintf("%.2f C", temps.average()))
		}, false),
		current,
		obs,
		NewDataResource(Descriptor{
			URI:           URIData128,
			Title:         "128 bytes block transfer resource",
			ContentFormat: message.TextPlain,
			ETag:          newETag(),
		}, 128, PatternLines(4)),
		NewStaticResource(Descriptor{
			URI:           URIData1024,
			Title:         "1024 bytes block transfer resource",
			ContentFormat: message.TextPlain,
		}, PatternLines(32)),
		NewSeparateResource(Descriptor{
			URI:           URIDelayedBlock,
			Title:         "Delayed block transfer resource",
			ContentFormat: message.TextPlain,
		}, func() []byte {
			return PatternLines(8)
		}, true),
	}

	for _, r := range resources {
		if err := t.Add(r); err != nil {
			return nil, fmt.Errorf("failed to build default resource table: %w", err)
		}
	}
	return t, nil
}
