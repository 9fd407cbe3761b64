// Package rtdb writes alerts to a Firebase-style realtime database over REST.
package rtdb

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"postureguard/internal/alert"
)

// nullETag makes the PUT conditional on the location being empty, so an
// existing alert is never overwritten.
const nullETag = "null_etag"

type Config struct {
	BaseURL   string
	Path      string
	AuthToken string
	Timeout   time.Duration
}

type Sink struct {
	client *resty.Client
	path   string
	token  string
}

func New(cfg Config) (*Sink, error) {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		return nil, fmt.Errorf("rtdb: base url is required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("rtdb: base url: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	client := resty.New().
		SetBaseURL(base).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")
	return &Sink{
		client: client,
		path:   strings.Trim(cfg.Path, "/"),
		token:  cfg.AuthToken,
	}, nil
}

func (s *Sink) Name() string { return "rtdb" }

func (s *Sink) Deliver(ctx context.Context, p alert.Payload) error {
	doc, err := p.JSON()
	if err != nil {
		return err
	}
	req := s.client.R().
		SetContext(ctx).
		SetHeader("if-match", nullETag).
		SetBody(doc)
	if s.token != "" {
		req.SetQueryParam("auth", s.token)
	}

	resp, err := req.Put(s.documentPath(p.Key))
	if err != nil {
		return fmt.Errorf("rtdb: put %s: %w", p.Key, err)
	}
	switch {
	case resp.StatusCode() == http.StatusPreconditionFailed:
		return fmt.Errorf("%w: %s", alert.ErrDuplicateKey, p.Key)
	case resp.IsError():
		return fmt.Errorf("rtdb: put %s: status %d: %s", p.Key, resp.StatusCode(), strings.TrimSpace(resp.String()))
	}
	return nil
}

func (s *Sink) documentPath(key string) string {
	k := url.PathEscape(key) + ".json"
	if s.path == "" {
		return "/" + k
	}
	return "/" + s.path + "/" + k
}
