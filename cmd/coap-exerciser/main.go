// cmd/coap-exerciser/main.go
package main

import (
	"context"
	"log"

	"github.com/redpanda-data/benthos/v4/public/service"

	// Benthos core components for outputs and processors
	_ "github.com/redpanda-data/benthos/v4/public/components/io"
	_ "github.com/redpanda-data/benthos/v4/public/components/pure"

	// CoAP scenario and resource server inputs
	_ "github.com/twinfer/coap-exerciser/pkg/input"
	// CoAP block-wise writer output
	_ "github.com/twinfer/coap-exerciser/pkg/output"
)

// Version information
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

func main() {
	log.Printf("Starting CoAP exerciser v%s (commit: %s, built: %s)", Version, GitCommit, BuildTime)
	service.RunCLI(context.Background())
}
