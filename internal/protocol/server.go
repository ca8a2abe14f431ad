package protocol

import (
	"bufio"
	"context"
	"io"
	"net"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Serve accepts connections on ln until ctx is canceled, handling each one
// on its own goroutine. One connection is strictly sequential; many
// connections proceed concurrently, mirroring the original
// thread-per-connection model.
func (h *Handler) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return errors.Wrap(err, "accept connection")
			}
		}
		go h.serveConn(ctx, conn)
	}
}

func (h *Handler) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	if h.metrics != nil {
		h.metrics.ConnectionsActive.Inc()
		defer h.metrics.ConnectionsActive.Dec()
	}

	r := bufio.NewReader(conn)
	for {
		payload, err := readFrame(r)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				conn.Write([]byte("<results><error>Malformed request</error></results>"))
				h.log.Warn("closing connection after malformed frame", zap.String("remote", conn.RemoteAddr().String()))
			}
			return
		}

		reply := h.HandleRequest(ctx, payload)
		if _, err := conn.Write(reply); err != nil {
			return
		}
	}
}
