package discovery

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"
)

func TestCollectorScannerBackgroundAndManualRefresh(t *testing.T) {
	var browseCalls int32
	cfg := Config{
		RefreshInterval: time.Hour,
		ScanTimeout:     35 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			if service != CollectorService {
				t.Errorf("unexpected service %q", service)
			}
			call := atomic.AddInt32(&browseCalls, 1)
			entries <- testServiceEntry("collector-a", 8080, "10.0.0.2", "path=/api", "scheme=http")
			if call >= 2 {
				entries <- testServiceEntry("collector-b", 8443, "10.0.0.3", "scheme=https")
			}
			<-ctx.Done()
			return nil
		},
	}

	scanner, err := NewCollectorScanner(cfg)
	if err != nil {
		t.Fatalf("NewCollectorScanner failed: %v", err)
	}
	scanner.Start()
	defer scanner.Stop()

	waitForCondition(t, time.Second, func() bool {
		found := scanner.Collectors()
		return len(found) == 1 && found[0].Instance == "collector-a"
	})

	if err := scanner.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	found := scanner.Collectors()
	if len(found) != 2 {
		t.Fatalf("expected 2 collectors after refresh, got %d", len(found))
	}
	if got := found[0].URL(); got != "http://10.0.0.2:8080/api" {
		t.Fatalf("unexpected URL for collector-a: %q", got)
	}
	if got := found[1].URL(); got != "https://10.0.0.3:8443" {
		t.Fatalf("unexpected URL for collector-b: %q", got)
	}
}

func TestCollectorScannerEmitsLostEvent(t *testing.T) {
	var browseCalls int32
	cfg := Config{
		RefreshInterval: 40 * time.Millisecond,
		ScanTimeout:     20 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			if atomic.AddInt32(&browseCalls, 1) == 1 {
				entries <- testServiceEntry("collector-a", 8080, "10.0.0.2")
			}
			<-ctx.Done()
			return nil
		},
	}

	scanner, err := NewCollectorScanner(cfg)
	if err != nil {
		t.Fatalf("NewCollectorScanner failed: %v", err)
	}
	scanner.Start()
	defer scanner.Stop()

	if !waitForEvent(scanner.Events(), EventCollectorFound, "collector-a", time.Second) {
		t.Fatalf("expected found event")
	}
	if !waitForEvent(scanner.Events(), EventCollectorLost, "collector-a", time.Second) {
		t.Fatalf("expected lost event")
	}
}

func TestCollectorScannerBrowseError(t *testing.T) {
	cfg := Config{
		RefreshInterval: time.Hour,
		ScanTimeout:     20 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			return errors.New("no multicast interface")
		},
	}
	scanner, err := NewCollectorScanner(cfg)
	if err != nil {
		t.Fatalf("NewCollectorScanner failed: %v", err)
	}
	if err := scanner.Refresh(context.Background()); err == nil {
		t.Fatalf("expected refresh before start to fail")
	}

	scanner.Start()
	defer scanner.Stop()
	if err := scanner.Refresh(context.Background()); err == nil {
		t.Fatalf("expected browse error to surface")
	}
}

func TestParseEntry(t *testing.T) {
	entry := testServiceEntry("collector", 9000, "10.0.0.9", "path=sms/", "version=2")
	entry.AddrIPv4 = append(entry.AddrIPv4, net.ParseIP("10.0.0.9"))

	c, ok := parseEntry(entry)
	if !ok {
		t.Fatalf("expected entry to parse")
	}
	if c.Path != "/sms" {
		t.Fatalf("expected normalized path /sms, got %q", c.Path)
	}
	if c.Version != 2 {
		t.Fatalf("expected version 2, got %d", c.Version)
	}
	if len(c.Addresses) != 1 {
		t.Fatalf("expected duplicate addresses to collapse, got %v", c.Addresses)
	}

	if _, ok := parseEntry(testServiceEntry("bad-scheme", 9000, "10.0.0.9", "scheme=ftp")); ok {
		t.Fatalf("expected unsupported scheme to be rejected")
	}
	if _, ok := parseEntry(testServiceEntry("no-port", 0, "10.0.0.9")); ok {
		t.Fatalf("expected zero port to be rejected")
	}
}

func TestCollectorURLFallsBackToHostName(t *testing.T) {
	c := Collector{HostName: "collector.local.", Port: 80, Addresses: []string{"fe80::1"}}
	if got := c.URL(); got != "http://collector.local:80" {
		t.Fatalf("unexpected URL: %q", got)
	}
	if got := (Collector{Port: 80}).URL(); got != "" {
		t.Fatalf("expected empty URL without host, got %q", got)
	}
}

func TestStartAdvertiserBuildsExpectedRecord(t *testing.T) {
	var (
		gotInstance string
		gotService  string
		gotPort     int
		gotTXT      []string
	)
	cfg := Config{
		DeviceID:   "device-123",
		DeviceName: "Phone Relay",
		ListenAddr: "0.0.0.0:8487",
		registerFn: func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error) {
			gotInstance = instance
			gotService = service
			gotPort = port
			gotTXT = append([]string(nil), text...)
			return nil, nil
		},
	}

	advertiser, err := StartAdvertiser(cfg)
	if err != nil {
		t.Fatalf("StartAdvertiser failed: %v", err)
	}
	advertiser.Stop()

	if gotInstance != "Phone Relay" || gotService != RelayService || gotPort != 8487 {
		t.Fatalf("unexpected registration: %q %q %d", gotInstance, gotService, gotPort)
	}
	txt := txtToMap(gotTXT)
	if txt["device_id"] != "device-123" || txt["version"] != "1" {
		t.Fatalf("unexpected TXT records: %v", gotTXT)
	}

	if _, err := StartAdvertiser(Config{DeviceID: "d", DeviceName: "n", ListenAddr: "nope"}); err == nil {
		t.Fatalf("expected listen addr without port to fail")
	}
}

type memoryTarget struct {
	mu  sync.Mutex
	url string
	set int
}

func (m *memoryTarget) ServerURL() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.url
}

func (m *memoryTarget) SetServerURL(serverURL string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.url = serverURL
	m.set++
	return nil
}

func TestAdoptFirstCollectorOnlyFillsEmptyURL(t *testing.T) {
	events := make(chan Event, 4)
	events <- Event{Type: EventCollectorLost, Collector: Collector{Instance: "gone", Port: 1, Addresses: []string{"10.0.0.1"}}}
	events <- Event{Type: EventCollectorFound, Collector: Collector{Instance: "first", Port: 8080, Addresses: []string{"10.0.0.2"}}}
	events <- Event{Type: EventCollectorFound, Collector: Collector{Instance: "second", Port: 8080, Addresses: []string{"10.0.0.3"}}}
	close(events)

	target := &memoryTarget{}
	AdoptFirstCollector(context.Background(), events, target, nil)

	if target.url != "http://10.0.0.2:8080" {
		t.Fatalf("expected first collector to be adopted, got %q", target.url)
	}
	if target.set != 1 {
		t.Fatalf("expected exactly one update, got %d", target.set)
	}
}

func testServiceEntry(instance string, port int, ip string, txt ...string) *zeroconf.ServiceEntry {
	return &zeroconf.ServiceEntry{
		ServiceRecord: zeroconf.ServiceRecord{
			Instance: instance,
			Service:  CollectorService,
			Domain:   DefaultDomain,
		},
		HostName: instance + ".local.",
		Port:     port,
		Text:     append([]string{"version=1"}, txt...),
		AddrIPv4: []net.IP{net.ParseIP(ip)},
	}
}

func waitForCondition(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met before timeout %s", timeout)
}

func waitForEvent(events <-chan Event, eventType EventType, instance string, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		select {
		case event, ok := <-events:
			if !ok {
				return false
			}
			if event.Type == eventType && event.Collector.Instance == instance {
				return true
			}
		case <-deadline:
			return false
		}
	}
}

func TestCollectorScannerRetriesFailedScanBeforeRefreshInterval(t *testing.T) {
	var browseCalls int32
	cfg := Config{
		RefreshInterval: time.Hour,
		ScanTimeout:     15 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			if atomic.AddInt32(&browseCalls, 1) == 1 {
				return errors.New("interface not ready")
			}
			entries <- testServiceEntry("collector-a", 8080, "10.0.0.2")
			<-ctx.Done()
			return nil
		},
	}

	scanner, err := NewCollectorScanner(cfg)
	if err != nil {
		t.Fatalf("NewCollectorScanner failed: %v", err)
	}
	scanner.Start()
	defer scanner.Stop()

	waitForCondition(t, 2*time.Second, func() bool {
		return len(scanner.Collectors()) == 1
	})
	if calls := atomic.LoadInt32(&browseCalls); calls < 2 {
		t.Fatalf("expected a retry after the failed scan, got %d browse calls", calls)
	}
}
