//go:build tinygo

package restapi

import (
	"log/slog"
	"time"

	"github.com/soypat/lneto/tcp"
	"github.com/soypat/lneto/x/xnet"
)

const (
	restPort    = uint16(80)
	restBufSize = 4096 + 64
)

var (
	restRxBuf [restBufSize]byte
	restTxBuf [2048]byte
)

// Listen runs the §6.3 HTTP API forever, one connection at a time, in the
// same accept-handle-close loop ota_server.go and console.go use for every
// other TCP service in this firmware. It never returns.
func (s *Server) Listen(stack *xnet.StackAsync) {
	logger := s.Logger
	defer func() {
		if r := recover(); r != nil {
			if logger != nil {
				logger.Error("restapi:panic-recovered")
			}
		}
	}()

	var conn tcp.Conn
	if err := conn.Configure(tcp.ConnConfig{
		RxBuf:             restRxBuf[:],
		TxBuf:             restTxBuf[:],
		TxPacketQueueSize: 3,
	}); err != nil {
		if logger != nil {
			logger.Error("restapi:configure-failed", slog.String("err", err.Error()))
		}
		return
	}

	if logger != nil {
		logger.Info("restapi:ready", slog.Int("port", int(restPort)))
	}

	for {
		conn.Abort()
		time.Sleep(50 * time.Millisecond)

		if err := stack.ListenTCP(&conn, restPort); err != nil {
			if logger != nil {
				logger.Error("restapi:listen-failed", slog.String("err", err.Error()))
			}
			time.Sleep(3 * time.Second)
			continue
		}

		waitCount := 0
		for conn.State().IsPreestablished() && waitCount < 6000 {
			time.Sleep(10 * time.Millisecond)
			waitCount++
		}
		if !conn.State().IsSynchronized() {
			conn.Abort()
			continue
		}

		func() {
			defer func() {
				if r := recover(); r != nil {
					if logger != nil {
						logger.Error("restapi:session-panic")
					}
				}
			}()
			s.ServeConn(&conn)
		}()

		conn.Close()
		for i := 0; i < 30 && !conn.State().IsClosed(); i++ {
			time.Sleep(100 * time.Millisecond)
		}
		conn.Abort()
	}
}
