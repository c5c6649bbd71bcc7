// Package lnxconfig reads the per-node configuration file of a virtual host:
// its virtual address, the UDP socket standing in for its link, the
// neighbors reachable over that link, static routes and TCP tuning.
package lnxconfig

import (
	"encoding/json"
	"net/netip"
	"os"
	"time"

	"github.com/pkg/errors"

	tcp_protocol "tcp-tcp-team-pa/tcp_pkg"
)

type Neighbor struct {
	IP  netip.Addr     `json:"ip"`
	UDP netip.AddrPort `json:"udp"`
}

type StaticRoute struct {
	Prefix  netip.Prefix `json:"prefix"`
	NextHop netip.Addr   `json:"next_hop"`
}

// TCPConfig mirrors tcp_protocol.Config; zero fields keep the stack's
// defaults.
type TCPConfig struct {
	MaxSockets   int `json:"max_sockets"`
	BufferSize   int `json:"buffer_size"`
	MaxPayload   int `json:"max_payload"`
	Backlog      int `json:"backlog"`
	SynRetryMS   int `json:"syn_retry_ms"`
	MaxRTOMS     int `json:"max_rto_ms"`
	FinBurst     int `json:"fin_burst"`
	InitialCwnd  int `json:"initial_cwnd"`
	SsthreshSegs int `json:"ssthresh"`
}

type IPConfig struct {
	IP        netip.Addr     `json:"ip"`
	Prefix    netip.Prefix   `json:"prefix"` // subnet of the link, defaults to ip/32
	UDP       netip.AddrPort `json:"udp"`
	Neighbors []Neighbor     `json:"neighbors"`
	Routes    []StaticRoute  `json:"routes"`
	LogLevel  string         `json:"log_level"`
	LogFormat string         `json:"log_format"`
	TCP       TCPConfig      `json:"tcp"`
}

func ParseConfig(path string) (*IPConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open config")
	}
	defer f.Close()

	config := &IPConfig{}
	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields()
	if err := dec.Decode(config); err != nil {
		return nil, errors.Wrapf(err, "parse %s", path)
	}
	if err := config.validate(); err != nil {
		return nil, errors.Wrapf(err, "invalid config %s", path)
	}
	return config, nil
}

func (config *IPConfig) validate() error {
	if !config.IP.Is4() {
		return errors.Errorf("ip %q is not an IPv4 address", config.IP)
	}
	if !config.UDP.IsValid() {
		return errors.New("missing udp address")
	}
	if !config.Prefix.IsValid() {
		config.Prefix = netip.PrefixFrom(config.IP, 32)
	}
	if !config.Prefix.Contains(config.IP) {
		return errors.Errorf("prefix %s does not contain %s", config.Prefix, config.IP)
	}

	neighbors := make(map[netip.Addr]bool, len(config.Neighbors))
	for _, neighbor := range config.Neighbors {
		if !neighbor.IP.Is4() || !neighbor.UDP.IsValid() {
			return errors.Errorf("bad neighbor %+v", neighbor)
		}
		neighbors[neighbor.IP] = true
	}
	for _, route := range config.Routes {
		if !route.Prefix.IsValid() {
			return errors.New("route without prefix")
		}
		if !neighbors[route.NextHop] {
			return errors.Errorf("route %s: next hop %s is not a neighbor", route.Prefix, route.NextHop)
		}
	}
	if config.TCP.BufferSize > 65535 {
		return errors.Errorf("tcp buffer_size %d does not fit the window field", config.TCP.BufferSize)
	}
	return nil
}

// ToTCPConfig converts the tcp section into stack configuration.
func (config *IPConfig) ToTCPConfig() tcp_protocol.Config {
	tcp := config.TCP
	return tcp_protocol.Config{
		MaxSockets:       tcp.MaxSockets,
		BufferSize:       tcp.BufferSize,
		MaxPayload:       tcp.MaxPayload,
		DefaultBacklog:   tcp.Backlog,
		SynRetryInterval: time.Duration(tcp.SynRetryMS) * time.Millisecond,
		MaxRTO:           time.Duration(tcp.MaxRTOMS) * time.Millisecond,
		FinBurst:         tcp.FinBurst,
		InitialCwnd:      float64(tcp.InitialCwnd),
		InitialSsthresh:  float64(tcp.SsthreshSegs),
	}
}
