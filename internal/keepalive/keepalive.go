// Package keepalive periodically requests the service's own public URL so
// hosting platforms that idle quiet services keep it running.
package keepalive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	DefaultInterval = 14 * time.Minute
	pingTimeout     = 30 * time.Second
)

type Pinger struct {
	target string
	every  time.Duration
	http   *http.Client
	cron   *cron.Cron
}

// New returns nil when publicURL is empty.
func New(publicURL string, every time.Duration, client *http.Client) (*Pinger, error) {
	publicURL = strings.TrimSpace(publicURL)
	if publicURL == "" {
		return nil, nil
	}
	u, err := url.Parse(publicURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("keepalive: invalid public url %q", publicURL)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/health"
	u.RawQuery = ""

	if every <= 0 {
		every = DefaultInterval
	}
	if every < time.Second {
		return nil, errors.New("keepalive: interval must be at least 1s")
	}
	if client == nil {
		client = &http.Client{Timeout: pingTimeout}
	}
	return &Pinger{
		target: u.String(),
		every:  every,
		http:   client,
		cron:   cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
	}, nil
}

// Target is the URL requested on every tick.
func (p *Pinger) Target() string { return p.target }

// Start schedules the ping job.
func (p *Pinger) Start() error {
	if _, err := p.cron.AddFunc("@every "+p.every.String(), func() {
		ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
		defer cancel()
		if err := p.Ping(ctx); err != nil {
			log.Printf("keepalive: ping %s failed: %v", p.target, err)
		}
	}); err != nil {
		return fmt.Errorf("keepalive: schedule: %w", err)
	}
	p.cron.Start()
	log.Printf("keepalive: pinging %s every %s", p.target, p.every)
	return nil
}

// Stop halts the schedule and waits for a running ping to finish.
func (p *Pinger) Stop() {
	if p == nil {
		return
	}
	<-p.cron.Stop().Done()
}

// Ping issues one request to the target.
func (p *Pinger) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.target, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", "chatrelay-keepalive/1.0")
	resp, err := p.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("status %s", resp.Status)
	}
	return nil
}
