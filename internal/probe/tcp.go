package probe

import (
	"context"
	"fmt"
	"net"
)

type tcpProber struct {
	address string
	dial    func(ctx context.Context, network, address string) (net.Conn, error)
}

func newTCPProber(address string) Prober {
	return &tcpProber{address: address, dial: (&net.Dialer{}).DialContext}
}

func (p *tcpProber) Probe(ctx context.Context) error {
	conn, err := p.dial(ctx, "tcp", p.address)
	if err != nil {
		return fmt.Errorf("dial %s: %w", p.address, err)
	}
	return conn.Close()
}
