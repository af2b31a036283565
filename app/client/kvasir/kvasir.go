package kvasir

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"tabulas/app/config"

	"github.com/samber/do"
)

// Client talks to one Kvasir pod: reads go through the query endpoint,
// writes through the changes endpoint.
type Client struct {
	cfg        *config.Config
	httpClient *http.Client
	queryURL   string
	changesURL string
	pollDelay  time.Duration
}

func NewClient(di *do.Injector) (*Client, error) {
	cfg := do.MustInvoke[*config.Config](di)

	base := strings.TrimSuffix(cfg.Kvasir.BaseURL, "/")

	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		queryURL:   fmt.Sprintf("%s/%s/query", base, cfg.Kvasir.Pod),
		changesURL: fmt.Sprintf("%s/%s/changes", base, cfg.Kvasir.Pod),
		pollDelay:  time.Duration(cfg.Kvasir.PollDelayMs) * time.Millisecond,
	}, nil
}
