// Package wsfeed streams binary HID reports to websocket clients, one
// report per connected tracker at a fixed rate.
package wsfeed

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"golang.org/x/net/websocket"

	"github.com/trackwire/rflink/pkg/hid"
	"github.com/trackwire/rflink/pkg/rf/receiver"
	"github.com/trackwire/rflink/pkg/run"
)

// DefaultEvery is the push period per client.
const DefaultEvery = 10 * time.Millisecond

// Server owns the listening endpoint. The feed path is /feed.
type Server struct {
	Addr     string
	Receiver *receiver.Receiver
	Every    time.Duration

	mu sync.Mutex
	ln net.Listener
}

// NewServer wires a feed server with the default push rate.
func NewServer(addr string, rx *receiver.Receiver) *Server {
	return &Server{Addr: addr, Receiver: rx, Every: DefaultEvery}
}

// ListenAddr returns the bound address once Run has started.
func (s *Server) ListenAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Run implements run.Runnable.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	mux := http.NewServeMux()
	mux.Handle("/feed", websocket.Handler(func(conn *websocket.Conn) {
		s.serve(ctx, conn)
	}))
	srv := &http.Server{Handler: mux}

	glog.Infof("hid feed on ws://%s/feed", ln.Addr())
	return run.WithContextCloser(ctx, srv, func() error {
		if err := srv.Serve(ln); err != http.ErrServerClosed {
			return err
		}
		return nil
	})
}

func (s *Server) serve(ctx context.Context, conn *websocket.Conn) {
	glog.V(1).Infof("feed client %s connected", conn.Request().RemoteAddr)
	t := time.NewTicker(s.Every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		for _, snap := range s.Receiver.Snapshots() {
			if !snap.Connected {
				continue
			}
			r := hid.FromSnapshot(snap)
			if err := websocket.Message.Send(conn, r[:]); err != nil {
				glog.V(1).Infof("feed client gone: %v", err)
				return
			}
		}
	}
}
