// Command connectiontest is a minimal HTTP probe used as Docker's
// HEALTHCHECK CMD for a backend origin. It exits 0 only when the target
// returns exactly 200, matching the same bare-200 rule the balancer's own
// health prober applies — 3xx/4xx count as unhealthy here too.
//
// Usage:
//
//	connectiontest <backend-base-url>
//
// Example (in Dockerfile):
//
//	HEALTHCHECK CMD ["/bin/connectiontest", "http://localhost:8080"]
package main

import (
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"
)

const probePath = "/connection-test"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: connectiontest <backend-base-url>")
		os.Exit(1)
	}

	base := strings.TrimRight(os.Args[1], "/")
	url := base + probePath

	client := &http.Client{
		Timeout: 3 * time.Second,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	resp, err := client.Get(url)
	if err != nil {
		fmt.Fprintf(os.Stderr, "connectiontest: %v\n", err)
		os.Exit(1)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "connectiontest: HTTP %d from %s\n", resp.StatusCode, url)
		os.Exit(1)
	}

	os.Exit(0)
}
