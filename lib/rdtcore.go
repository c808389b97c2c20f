package lib

import (
	"context"
	"net"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/ipv4"
)

// ListenPacketFunc opens the datagram endpoint a connection or service runs on
type ListenPacketFunc func(network, address string) (net.PacketConn, error)

type RdtCoreConfig struct {
	Network              string            `yaml:"network"`                // datagram network, udp or udp4
	PayloadPoolSize      int               `yaml:"payload_pool_size"`      // how many read buffers in the pool
	Debug                bool              `yaml:"debug"`                  // global debug setting
	PoolDebug            bool              `yaml:"pool_debug"`             // Ring Pool debug setting
	ProcessTimeThreshold int               `yaml:"process_time_threshold"` // buffer holding time threshold in ms
	TOS                  int               `yaml:"tos"`                    // IPv4 TOS of every endpoint, 0 leaves it alone
	ListenPacket         ListenPacketFunc  `yaml:"-"`                      // endpoint factory, net.ListenPacket by default
	ConnectionConfig     *ConnectionConfig `yaml:"connection"`             // default connection configuration
}

func DefaultRdtCoreConfig() *RdtCoreConfig {
	return &RdtCoreConfig{
		Network:              "udp",
		PayloadPoolSize:      256,
		Debug:                false,
		PoolDebug:            false,
		ProcessTimeThreshold: 10,
		TOS:                  0,
		ListenPacket:         net.ListenPacket,
		ConnectionConfig:     DefaultConnectionConfig(),
	}
}

// RdtCore owns the services and dialed connections of a process
type RdtCore struct {
	config             *RdtCoreConfig
	mu                 sync.Mutex
	serviceMap         map[string]*Service      // open services by local address
	connectionMap      map[*Connection]struct{} // connections created by Dial
	serviceCloseSignal chan *Service
	connCloseSignal    chan *Connection
	closeSignal        chan struct{}  // used to send close signal to go routines
	wg                 sync.WaitGroup // WaitGroup to synchronize goroutines
	closeOnce          sync.Once
}

func NewRdtCore(config *RdtCoreConfig) (*RdtCore, error) {
	if config == nil {
		config = DefaultRdtCoreConfig()
	}
	if config.Network == "" {
		config.Network = "udp"
	}
	if config.ListenPacket == nil {
		config.ListenPacket = net.ListenPacket
	}
	if config.ConnectionConfig == nil {
		config.ConnectionConfig = DefaultConnectionConfig()
	}
	if config.PayloadPoolSize <= 0 {
		return nil, errors.Errorf("payload pool size must be positive, got %d", config.PayloadPoolSize)
	}

	p := &RdtCore{
		config:             config,
		serviceMap:         make(map[string]*Service),
		connectionMap:      make(map[*Connection]struct{}),
		serviceCloseSignal: make(chan *Service),
		connCloseSignal:    make(chan *Connection),
		closeSignal:        make(chan struct{}),
	}

	initPool(config)

	if config.Debug && zerolog.GlobalLevel() > zerolog.DebugLevel {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	p.wg.Add(1)
	go p.handleCloseSignals()

	log.Info().Str("network", config.Network).Msg("RDT core started")
	return p, nil
}

// connConfig returns a private copy so later changes by the caller don't leak into live connections
func (p *RdtCore) connConfig(connConfig *ConnectionConfig) (*ConnectionConfig, error) {
	if connConfig == nil {
		connConfig = p.config.ConnectionConfig
	}
	if err := connConfig.Validate(); err != nil {
		return nil, err
	}
	cc := *connConfig
	cc.Debug = cc.Debug || p.config.Debug
	return &cc, nil
}

func (p *RdtCore) isClosed() bool {
	select {
	case <-p.closeSignal:
		return true
	default:
		return false
	}
}

// listenPacket opens an endpoint and applies the TOS setting
func (p *RdtCore) listenPacket(address string) (net.PacketConn, error) {
	endpoint, err := p.config.ListenPacket(p.config.Network, address)
	if err != nil {
		return nil, errors.Wrapf(err, "listen %s %s", p.config.Network, address)
	}
	if p.config.TOS > 0 {
		if err := ipv4.NewPacketConn(endpoint).SetTOS(p.config.TOS); err != nil {
			log.Warn().Err(err).Str("local", endpoint.LocalAddr().String()).Msg("cannot set TOS on endpoint")
		}
	}
	return endpoint, nil
}

// Dial connects to the service at address and blocks until the handshake completes
func (p *RdtCore) Dial(address string, connConfig *ConnectionConfig) (*Connection, error) {
	return p.DialContext(context.Background(), address, connConfig)
}

func (p *RdtCore) DialContext(ctx context.Context, address string, connConfig *ConnectionConfig) (*Connection, error) {
	if p.isClosed() {
		return nil, ErrCoreClosed
	}
	cc, err := p.connConfig(connConfig)
	if err != nil {
		return nil, err
	}

	target, err := net.ResolveUDPAddr(p.config.Network, address)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve %s", address)
	}
	endpoint, err := p.listenPacket(net.JoinHostPort(cc.LocalIP, "0"))
	if err != nil {
		return nil, err
	}

	conn := newConnection(endpoint, false, nil, StateInit, cc, p.connCloseSignal, p.closeSignal)
	p.mu.Lock()
	p.connectionMap[conn] = struct{}{}
	p.mu.Unlock()

	if err := conn.connect(ctx, target); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// Listen binds a service to address
func (p *RdtCore) Listen(address string, connConfig *ConnectionConfig) (*Service, error) {
	if p.isClosed() {
		return nil, ErrCoreClosed
	}
	cc, err := p.connConfig(connConfig)
	if err != nil {
		return nil, err
	}
	endpoint, err := p.listenPacket(address)
	if err != nil {
		return nil, err
	}

	srv := newService(p, endpoint, cc)
	p.mu.Lock()
	p.serviceMap[srv.Addr().String()] = srv
	p.mu.Unlock()

	log.Info().Str("service", srv.Addr().String()).Msg("service listening")
	return srv, nil
}

func (p *RdtCore) handleCloseSignals() {
	// Decrease WaitGroup counter when the goroutine completes
	defer p.wg.Done()

	for {
		select {
		case <-p.closeSignal:
			return // gracefully stop the go routine
		case srv := <-p.serviceCloseSignal:
			p.mu.Lock()
			delete(p.serviceMap, srv.Addr().String())
			p.mu.Unlock()
		case conn := <-p.connCloseSignal:
			p.mu.Lock()
			delete(p.connectionMap, conn)
			p.mu.Unlock()
		}
	}
}

// Close closes every service and dialed connection of the core
func (p *RdtCore) Close() error {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		services := make([]*Service, 0, len(p.serviceMap))
		for _, srv := range p.serviceMap {
			services = append(services, srv)
		}
		conns := make([]*Connection, 0, len(p.connectionMap))
		for conn := range p.connectionMap {
			conns = append(conns, conn)
		}
		p.mu.Unlock()

		for _, srv := range services {
			srv.Close()
		}
		for _, conn := range conns {
			conn.Close()
		}

		// Send closeSignal to all goroutines
		close(p.closeSignal)
		p.wg.Wait()

		log.Info().Msg("RDT core closed gracefully.")
	})
	return nil
}
