package discovery

import (
	"context"
	"errors"
	"net"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	// EventBackendUpserted is emitted when a backend appears or metadata changes.
	EventBackendUpserted EventType = "backend_upserted"
	// EventBackendRemoved is emitted when a previously seen backend disappears.
	EventBackendRemoved EventType = "backend_removed"
)

// ErrNoBackend indicates a scan finished without finding a compatible backend.
var ErrNoBackend = errors.New("discovery: no backend found")

type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// EventType identifies backend discovery updates.
type EventType string

// Event carries discovery updates.
type Event struct {
	Type    EventType
	Backend DiscoveredBackend
}

// DiscoveredBackend contains one chat backend found on the LAN.
type DiscoveredBackend struct {
	ServerID  string
	Name      string
	Version   int
	Scheme    string
	BasePath  string
	HostName  string
	Port      int
	Addresses []string
	LastSeen  time.Time
}

// URL returns the backend base URL, preferring the first advertised address.
func (b DiscoveredBackend) URL() string {
	host := strings.TrimSuffix(b.HostName, ".")
	if len(b.Addresses) > 0 {
		host = b.Addresses[0]
	}
	scheme := b.Scheme
	if scheme == "" {
		scheme = DefaultScheme
	}

	u := url.URL{
		Scheme: scheme,
		Host:   net.JoinHostPort(host, strconv.Itoa(b.Port)),
		Path:   b.BasePath,
	}
	return u.String()
}

type refreshRequest struct {
	ctx  context.Context
	done chan error
}

// BackendScanner discovers backends with periodic and manual mDNS browse operations.
type BackendScanner struct {
	cfg Config

	browse browseFunc

	mu       sync.RWMutex
	backends map[string]DiscoveredBackend

	events chan Event

	startOnce sync.Once
	stopOnce  sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	refreshRequests chan refreshRequest
}

// NewBackendScanner creates a scanner with config defaults applied.
func NewBackendScanner(config Config) (*BackendScanner, error) {
	cfg := config.withDefaults()

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, err
		}
		browse = resolver.Browse
	}

	return &BackendScanner{
		cfg:             cfg,
		browse:          browse,
		backends:        make(map[string]DiscoveredBackend),
		events:          make(chan Event, 128),
		refreshRequests: make(chan refreshRequest),
	}, nil
}

// Locate runs one scan and returns the best backend: the highest protocol
// version not above ours, then by name.
func Locate(ctx context.Context, config Config) (DiscoveredBackend, error) {
	scanner, err := NewBackendScanner(config)
	if err != nil {
		return DiscoveredBackend{}, err
	}
	scanner.ctx, scanner.cancel = context.WithCancel(ctx)
	defer scanner.cancel()

	if err := scanner.runScan(ctx); err != nil {
		return DiscoveredBackend{}, err
	}
	if err := ctx.Err(); err != nil {
		return DiscoveredBackend{}, err
	}

	var (
		best  DiscoveredBackend
		found bool
	)
	for _, backend := range scanner.ListBackends() {
		if backend.Version > scanner.cfg.Version {
			continue
		}
		if !found || backend.Version > best.Version {
			best = backend
			found = true
		}
	}
	if !found {
		return DiscoveredBackend{}, ErrNoBackend
	}
	return best, nil
}

// Start begins background backend scanning.
func (s *BackendScanner) Start() error {
	s.startOnce.Do(func() {
		s.ctx, s.cancel = context.WithCancel(context.Background())
		s.wg.Add(1)
		go s.loop()
	})
	return nil
}

// Stop stops background scanning.
func (s *BackendScanner) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
		close(s.events)
	})
}

// Events provides asynchronous discovery updates.
func (s *BackendScanner) Events() <-chan Event {
	return s.events
}

// Refresh triggers an immediate scan.
func (s *BackendScanner) Refresh(ctx context.Context) error {
	if s.ctx == nil {
		return errors.New("backend scanner is not started")
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
		return errors.New("backend scanner is stopped")
	}

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return errors.New("backend scanner is stopped")
	}
}

// ListBackends returns the current in-memory discovered backends snapshot.
func (s *BackendScanner) ListBackends() []DiscoveredBackend {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]DiscoveredBackend, 0, len(s.backends))
	for _, backend := range s.backends {
		out = append(out, backend)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Name == out[j].Name {
			return out[i].ServerID < out[j].ServerID
		}
		return out[i].Name < out[j].Name
	})
	return out
}

func (s *BackendScanner) loop() {
	defer s.wg.Done()

	s.runScan(context.Background())

	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.runScan(context.Background())
		case req := <-s.refreshRequests:
			req.done <- s.runScan(req.ctx)
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *BackendScanner) runScan(requestCtx context.Context) error {
	scanCtx, cancel := context.WithTimeout(s.ctx, s.cfg.ScanTimeout)
	defer cancel()

	if requestCtx != nil {
		go func() {
			select {
			case <-requestCtx.Done():
				cancel()
			case <-scanCtx.Done():
			}
		}()
	}

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collected := make(map[string]DiscoveredBackend)
	var collectedMu sync.Mutex
	collectorDone := make(chan struct{})

	go func() {
		defer close(collectorDone)
		var in <-chan *zeroconf.ServiceEntry = entries
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry, ok := <-in:
				if !ok {
					// The resolver closes entries when its browse ends.
					in = nil
					continue
				}
				if entry == nil {
					continue
				}
				backend, ok := parseEntry(entry)
				if !ok {
					continue
				}
				backend.LastSeen = time.Now()
				collectedMu.Lock()
				collected[backend.ServerID] = backend
				collectedMu.Unlock()
			}
		}
	}()

	browseErr := s.browse(scanCtx, s.cfg.Service, s.cfg.Domain, entries)
	if browseErr != nil && !errors.Is(browseErr, context.DeadlineExceeded) && !errors.Is(browseErr, context.Canceled) {
		cancel()
		<-collectorDone
		return browseErr
	}

	<-scanCtx.Done()
	<-collectorDone
	collectedMu.Lock()
	next := collected
	collectedMu.Unlock()

	s.applySnapshot(next)

	// A timeout just means this scan window ended naturally.
	if err := scanCtx.Err(); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (s *BackendScanner) applySnapshot(next map[string]DiscoveredBackend) {
	s.mu.Lock()
	defer s.mu.Unlock()

	previous := s.backends
	s.backends = next

	for id, backend := range next {
		old, exists := previous[id]
		if !exists || !backendsEqual(old, backend) {
			s.emitEvent(Event{Type: EventBackendUpserted, Backend: backend})
		}
	}

	for id, backend := range previous {
		if _, exists := next[id]; !exists {
			s.emitEvent(Event{Type: EventBackendRemoved, Backend: backend})
		}
	}
}

func (s *BackendScanner) emitEvent(event Event) {
	select {
	case s.events <- event:
	default:
	}
}

func parseEntry(entry *zeroconf.ServiceEntry) (DiscoveredBackend, bool) {
	txt := txtToMap(entry.Text)

	serverID := strings.TrimSpace(txt[txtServerID])
	if serverID == "" || entry.Port <= 0 {
		return DiscoveredBackend{}, false
	}

	version := 0
	if txt[txtVersion] != "" {
		if parsed, err := strconv.Atoi(txt[txtVersion]); err == nil {
			version = parsed
		}
	}

	scheme := strings.ToLower(txt[txtScheme])
	switch scheme {
	case "":
		scheme = DefaultScheme
	case "http", "https":
	default:
		return DiscoveredBackend{}, false
	}

	addresses := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	seen := make(map[string]struct{})
	for _, ip := range entry.AddrIPv4 {
		addresses = appendAddress(addresses, seen, ip)
	}
	firstV6 := len(addresses)
	for _, ip := range entry.AddrIPv6 {
		addresses = appendAddress(addresses, seen, ip)
	}
	sort.Strings(addresses[:firstV6])
	sort.Strings(addresses[firstV6:])

	if len(addresses) == 0 && strings.TrimSpace(entry.HostName) == "" {
		return DiscoveredBackend{}, false
	}

	name := strings.TrimSpace(entry.Instance)
	if name == "" {
		name = strings.TrimSpace(entry.HostName)
	}
	if name == "" {
		name = serverID
	}

	return DiscoveredBackend{
		ServerID:  serverID,
		Name:      name,
		Version:   version,
		Scheme:    scheme,
		BasePath:  txt[txtPath],
		HostName:  entry.HostName,
		Port:      entry.Port,
		Addresses: addresses,
	}, true
}

func appendAddress(addresses []string, seen map[string]struct{}, ip net.IP) []string {
	if ip == nil {
		return addresses
	}
	raw := ip.String()
	if raw == "" {
		return addresses
	}
	if _, exists := seen[raw]; exists {
		return addresses
	}
	seen[raw] = struct{}{}
	return append(addresses, raw)
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(parts[1])
	}
	return out
}

func backendsEqual(a, b DiscoveredBackend) bool {
	if a.ServerID != b.ServerID ||
		a.Name != b.Name ||
		a.Version != b.Version ||
		a.Scheme != b.Scheme ||
		a.BasePath != b.BasePath ||
		a.HostName != b.HostName ||
		a.Port != b.Port ||
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
