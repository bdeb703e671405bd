package discovery

import (
	"context"
	"errors"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"
)

const (
	// EventCollectorFound is emitted when a collector appears or its metadata changes.
	EventCollectorFound EventType = "collector_found"
	// EventCollectorLost is emitted when a previously seen collector disappears.
	EventCollectorLost EventType = "collector_lost"
)

// EventType identifies collector discovery updates.
type EventType string

// Event carries a discovery update.
type Event struct {
	Type      EventType
	Collector Collector
}

// Collector is a collector endpoint found on the LAN.
type Collector struct {
	Instance  string
	HostName  string
	Port      int
	Scheme    string
	Path      string
	Version   int
	Addresses []string
	LastSeen  time.Time
}

// URL returns the collector base URL. IPv4 addresses are preferred over the host name.
func (c Collector) URL() string {
	host := strings.TrimSuffix(c.HostName, ".")
	for _, addr := range c.Addresses {
		if ip := net.ParseIP(addr); ip != nil && ip.To4() != nil {
			host = addr
			break
		}
	}
	if host == "" && len(c.Addresses) > 0 {
		host = c.Addresses[0]
	}
	if host == "" {
		return ""
	}

	scheme := c.Scheme
	if scheme == "" {
		scheme = "http"
	}
	return scheme + "://" + net.JoinHostPort(host, strconv.Itoa(c.Port)) + c.Path
}

type refreshRequest struct {
	ctx  context.Context
	done chan error
}

// CollectorScanner discovers collectors with periodic and manual mDNS browse operations.
type CollectorScanner struct {
	cfg    Config
	logger *zap.Logger

	browse browseFunc

	mu         sync.RWMutex
	collectors map[string]Collector

	events chan Event

	startOnce sync.Once
	stopOnce  sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	refreshRequests chan refreshRequest
}

// NewCollectorScanner creates a scanner with config defaults applied.
func NewCollectorScanner(config Config) (*CollectorScanner, error) {
	cfg := config.withDefaults()

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, err
		}
		browse = resolver.Browse
	}

	return &CollectorScanner{
		cfg:             cfg,
		logger:          cfg.Logger.Named("discovery"),
		browse:          browse,
		collectors:      make(map[string]Collector),
		events:          make(chan Event, 32),
		refreshRequests: make(chan refreshRequest),
	}, nil
}

// Start begins background scanning.
func (s *CollectorScanner) Start() {
	s.startOnce.Do(func() {
		s.ctx, s.cancel = context.WithCancel(context.Background())
		s.wg.Add(1)
		go s.loop()
	})
}

// Stop stops background scanning and closes Events.
func (s *CollectorScanner) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
		close(s.events)
	})
}

// Events provides asynchronous discovery updates.
func (s *CollectorScanner) Events() <-chan Event {
	return s.events
}

// Refresh triggers an immediate scan.
func (s *CollectorScanner) Refresh(ctx context.Context) error {
	if s.ctx == nil {
		return errors.New("collector scanner is not started")
	}

	req := refreshRequest{
		ctx:  ctx,
		done: make(chan error, 1),
	}

	select {
	case s.refreshRequests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return errors.New("collector scanner is stopped")
	}

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return errors.New("collector scanner is stopped")
	}
}

// Collectors returns the current snapshot sorted by instance name.
func (s *CollectorScanner) Collectors() []Collector {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Collector, 0, len(s.collectors))
	for _, c := range s.collectors {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Instance < out[j].Instance })
	return out
}

// loop scans right away, then every RefreshInterval. Failed scans are
// retried sooner with exponential backoff capped at RefreshInterval.
func (s *CollectorScanner) loop() {
	defer s.wg.Done()

	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = s.cfg.ScanTimeout
	retry.MaxInterval = s.cfg.RefreshInterval
	retry.MaxElapsedTime = 0
	retry.Reset()

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-timer.C:
			next := s.cfg.RefreshInterval
			if err := s.runScan(nil); err != nil {
				next = retry.NextBackOff()
			} else {
				retry.Reset()
			}
			timer.Reset(next)
		case req := <-s.refreshRequests:
			req.done <- s.runScan(req.ctx)
		}
	}
}

// runScan browses for one ScanTimeout window and replaces the snapshot with
// what answered. A scan cut short by Stop or by the caller keeps the old
// snapshot.
func (s *CollectorScanner) runScan(requestCtx context.Context) error {
	scanCtx, cancel := context.WithTimeout(s.ctx, s.cfg.ScanTimeout)
	defer cancel()
	if requestCtx != nil {
		stop := context.AfterFunc(requestCtx, cancel)
		defer stop()
	}

	entries := make(chan *zeroconf.ServiceEntry, 32)
	browseErr := make(chan error, 1)
	go func() {
		browseErr <- s.browse(scanCtx, s.cfg.Service, s.cfg.Domain, entries)
	}()

	seen := make(map[string]Collector)
	for {
		select {
		case err := <-browseErr:
			if err != nil {
				s.logger.Warn("mDNS browse failed", zap.Error(err))
				return err
			}
			// zeroconf returns as soon as the query is sent.
			browseErr = nil
		case entry, ok := <-entries:
			if !ok {
				entries = nil
				continue
			}
			if entry == nil {
				continue
			}
			if found, ok := parseEntry(entry); ok {
				found.LastSeen = time.Now()
				seen[found.Instance] = found
			}
		case <-scanCtx.Done():
			if err := s.ctx.Err(); err != nil {
				return err
			}
			if requestCtx != nil && requestCtx.Err() != nil {
				return requestCtx.Err()
			}
			s.applySnapshot(seen)
			return nil
		}
	}
}

func (s *CollectorScanner) applySnapshot(next map[string]Collector) {
	s.mu.Lock()
	defer s.mu.Unlock()

	previous := s.collectors
	s.collectors = next

	for instance, c := range next {
		old, exists := previous[instance]
		if !exists || !collectorsEqual(old, c) {
			s.logger.Info("collector found", zap.String("instance", instance), zap.String("url", c.URL()))
			s.emitEvent(Event{Type: EventCollectorFound, Collector: c})
		}
	}
	for instance, c := range previous {
		if _, exists := next[instance]; !exists {
			s.logger.Info("collector lost", zap.String("instance", instance))
			s.emitEvent(Event{Type: EventCollectorLost, Collector: c})
		}
	}
}

func (s *CollectorScanner) emitEvent(event Event) {
	select {
	case s.events <- event:
	default:
	}
}

func parseEntry(entry *zeroconf.ServiceEntry) (Collector, bool) {
	if entry.Port <= 0 {
		return Collector{}, false
	}
	txt := txtToMap(entry.Text)

	scheme := strings.ToLower(txt["scheme"])
	switch scheme {
	case "":
		scheme = "http"
	case "http", "https":
	default:
		return Collector{}, false
	}

	path := strings.TrimRight(txt["path"], "/")
	if path != "" && !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	version := 0
	if txt["version"] != "" {
		if parsed, err := strconv.Atoi(txt["version"]); err == nil {
			version = parsed
		}
	}

	addresses := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	seen := make(map[string]struct{})
	for _, ip := range append(entry.AddrIPv4, entry.AddrIPv6...) {
		if ip == nil {
			continue
		}
		raw := ip.String()
		if _, exists := seen[raw]; exists {
			continue
		}
		seen[raw] = struct{}{}
		addresses = append(addresses, raw)
	}
	sort.Strings(addresses)

	instance := strings.TrimSpace(entry.Instance)
	if instance == "" {
		instance = strings.TrimSpace(entry.HostName)
	}
	if instance == "" || (len(addresses) == 0 && entry.HostName == "") {
		return Collector{}, false
	}

	return Collector{
		Instance:  instance,
		HostName:  entry.HostName,
		Port:      entry.Port,
		Scheme:    scheme,
		Path:      path,
		Version:   version,
		Addresses: addresses,
	}, true
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		key, value, ok := strings.Cut(entry, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(value)
	}
	return out
}

func collectorsEqual(a, b Collector) bool {
	if a.Instance != b.Instance ||
		a.HostName != b.HostName ||
		a.Port != b.Port ||
		a.Scheme != b.Scheme ||
		a.Path != b.Path ||
		a.Version != b.Version ||
		len(a.Addresses) != len(b.Addresses) {
		return false
	}
	for i := range a.Addresses {
		if a.Addresses[i] != b.Addresses[i] {
			return false
		}
	}
	return true
}
