package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/libp2p/zeroconf/v2"

	"github.com/campuslink/campuslink/internal/identity"
	"github.com/campuslink/campuslink/internal/logging"
	"github.com/campuslink/campuslink/internal/recovery"
)

const (
	// DefaultServiceTag is the DNS-SD service type advertised on the LAN.
	DefaultServiceTag = "_campuslink._udp"

	// mdnsDomain is the mDNS domain.
	mdnsDomain = "local."

	// txtIDPrefix prefixes the endpoint ID in the TXT record.
	txtIDPrefix = "id="
)

// MDNSConfig configures MDNS.
type MDNSConfig struct {
	ServiceTag      string
	Interval        time.Duration
	PeerTTL         time.Duration
	AddressBookSize int
	Logger          *slog.Logger

	// OnSighting, when set, is called for every accepted sighting.
	OnSighting func(Sighting)
}

// MDNS advertises the local endpoint over multicast DNS and browses for
// other endpoints in rounds of Interval, so a visible peer is reported
// once per round.
type MDNS struct {
	self   identity.EndpointID
	cfg    MDNSConfig
	logger *slog.Logger

	book   *AddressBook
	fan    *fanout
	server *zeroconf.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeOnce sync.Once
}

// NewMDNS registers self on port and starts browsing.
func NewMDNS(self identity.EndpointID, port int, cfg MDNSConfig) (*MDNS, error) {
	if cfg.ServiceTag == "" {
		cfg.ServiceTag = DefaultServiceTag
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}

	server, err := zeroconf.Register(
		self.String(),
		cfg.ServiceTag,
		mdnsDomain,
		port,
		[]string{txtIDPrefix + self.String()},
		nil, // nil = all interfaces
	)
	if err != nil {
		return nil, fmt.Errorf("mdns register: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &MDNS{
		self:   self,
		cfg:    cfg,
		logger: logging.Component(cfg.Logger, "mdns"),
		book:   NewAddressBook(cfg.AddressBookSize, cfg.PeerTTL),
		fan:    newFanout(),
		server: server,
		ctx:    ctx,
		cancel: cancel,
	}

	recovery.Go(&m.wg, m.logger, "mdnsBrowse", m.browseLoop)

	m.logger.Info("mdns started",
		"service", cfg.ServiceTag,
		"port", port,
		"interval", cfg.Interval)
	return m, nil
}

func (m *MDNS) browseLoop() {
	for {
		if err := m.browseRound(); err != nil {
			m.logger.Warn("mdns browse failed", logging.KeyError, err)
			select {
			case <-m.ctx.Done():
			case <-time.After(m.cfg.Interval):
			}
		}
		if m.ctx.Err() != nil {
			return
		}
	}
}

// browseRound runs one Browse for Interval. zeroconf only reports an
// instance once per Browse call, so rounds give repeat sightings.
func (m *MDNS) browseRound() error {
	ctx, cancel := context.WithTimeout(m.ctx, m.cfg.Interval)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	errCh := make(chan error, 1)
	go func() {
		defer recovery.RecoverWithLog(m.logger, "mdnsBrowseRound")
		errCh <- zeroconf.Browse(ctx, m.cfg.ServiceTag, mdnsDomain, entries)
	}()

	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				entries = nil
				continue
			}
			m.handleEntry(entry)
		case err := <-errCh:
			// Browse returned; pick up anything still buffered.
			for entries != nil {
				select {
				case entry, ok := <-entries:
					if !ok {
						entries = nil
						break
					}
					m.handleEntry(entry)
				default:
					entries = nil
				}
			}
			if err != nil && m.ctx.Err() == nil {
				return err
			}
			return nil
		}
	}
}

func (m *MDNS) handleEntry(entry *zeroconf.ServiceEntry) {
	s, err := sightingFromEntry(entry, time.Now())
	if err != nil {
		m.logger.Debug("ignoring mdns entry",
			"instance", entry.Instance,
			logging.KeyError, err)
		return
	}
	if s.ID == m.self {
		return
	}
	m.record(s)
}

func (m *MDNS) record(s Sighting) {
	m.book.Add(s)
	if m.cfg.OnSighting != nil {
		m.cfg.OnSighting(s)
	}
	m.fan.publish(s)
}

// sightingFromEntry extracts the endpoint ID and addresses from a
// DNS-SD entry. The TXT id wins over the instance name.
func sightingFromEntry(entry *zeroconf.ServiceEntry, now time.Time) (Sighting, error) {
	raw := entry.Instance
	for _, txt := range entry.Text {
		if strings.HasPrefix(txt, txtIDPrefix) {
			raw = strings.TrimPrefix(txt, txtIDPrefix)
			break
		}
	}
	id, err := identity.ParseEndpointID(raw)
	if err != nil {
		return Sighting{}, err
	}
	if entry.Port <= 0 || entry.Port > 65535 {
		return Sighting{}, fmt.Errorf("invalid port %d", entry.Port)
	}

	var addrs []netip.AddrPort
	for _, ips := range [][]net.IP{entry.AddrIPv4, entry.AddrIPv6} {
		for _, ip := range ips {
			addr, ok := netip.AddrFromSlice(ip)
			if !ok {
				continue
			}
			addrs = append(addrs, netip.AddrPortFrom(addr.Unmap(), uint16(entry.Port)))
		}
	}
	if len(addrs) == 0 {
		return Sighting{}, fmt.Errorf("no addresses for %s", id.ShortString())
	}
	return Sighting{ID: id, Addrs: addrs, SeenAt: now}, nil
}

// Subscribe returns a channel of sightings that closes when ctx ends or
// the service closes. Slow subscribers miss sightings rather than stall
// discovery.
func (m *MDNS) Subscribe(ctx context.Context) (<-chan Sighting, error) {
	return m.fan.subscribe(ctx)
}

// Resolve implements transport.Resolver.
func (m *MDNS) Resolve(ctx context.Context, id identity.EndpointID) ([]netip.AddrPort, error) {
	return m.book.Resolve(ctx, id)
}

// Peers returns recently seen peers, newest first.
func (m *MDNS) Peers() []Sighting {
	return m.book.Peers()
}

// Close stops advertising and browsing.
func (m *MDNS) Close() error {
	m.closeOnce.Do(func() {
		m.cancel()
		m.server.Shutdown()
		m.wg.Wait()
		m.fan.close()
	})
	return nil
}
