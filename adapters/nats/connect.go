package nats

import (
	"sync"
	"time"

	natsgo "github.com/nats-io/nats.go"
)

// Connector opens a connection. release gives the caller's use back; it
// closes the connection unless the connector shares it.
type Connector func() (nc *natsgo.Conn, release func(), err error)

// ConnectURL dials url on every call. An empty url uses the NATS default.
// The connection reconnects for as long as the process runs.
func ConnectURL(url string, opts ...natsgo.Option) Connector {
	if url == "" {
		url = natsgo.DefaultURL
	}
	base := []natsgo.Option{
		natsgo.Name("clstr-dispatch"),
		natsgo.MaxReconnects(-1),
		natsgo.ReconnectWait(time.Second),
	}
	return func() (*natsgo.Conn, func(), error) {
		nc, err := natsgo.Connect(url, append(base, opts...)...)
		if err != nil {
			return nil, nil, err
		}
		return nc, nc.Close, nil
	}
}

// leasedConn hands out one connection to many users and closes it when the
// last user released it.
type leasedConn struct {
	connect Connector

	mu      sync.Mutex
	nc      *natsgo.Conn
	close   func()
	holders int
}

func (l *leasedConn) acquire() (*natsgo.Conn, func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.nc == nil {
		nc, closeNc, err := l.connect()
		if err != nil {
			return nil, nil, err
		}
		l.nc, l.close = nc, closeNc
	}
	l.holders++
	var once sync.Once
	return l.nc, func() { once.Do(l.release) }, nil
}

func (l *leasedConn) release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.holders--
	if l.holders == 0 {
		l.close()
		l.nc, l.close = nil, nil
	}
}

// ReuseConnection shares one connection between all callers of the returned
// Connector. NATS multiplexes requests, so the store handles and the
// admission transport of a process can use a single connection.
func ReuseConnection(connect Connector) Connector {
	return (&leasedConn{connect: connect}).acquire
}
