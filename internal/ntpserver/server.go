// Package ntpserver answers NTP client requests from the disciplined clock.
package ntpserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/arodland/Due-GPS-NTP-Server/internal/gpsdo"
	"github.com/arodland/Due-GPS-NTP-Server/internal/health"
	"github.com/arodland/Due-GPS-NTP-Server/internal/timebase"
	"github.com/arodland/Due-GPS-NTP-Server/pkg/logger"
	"github.com/arodland/Due-GPS-NTP-Server/pkg/mathutil"
	"github.com/arodland/Due-GPS-NTP-Server/pkg/metrics"
)

// TimeSource is the clock the server reads.
type TimeSource interface {
	NowNTP(fudgeNs int32) timebase.NTPTimestamp
	Reference(fudgeNs int32) gpsdo.Reference
}

// Config holds responder settings.
type Config struct {
	Address string `yaml:"address"`

	// RxFudgeUS and TxFudgeUS offset the receive and transmit stamps for
	// the latency between the wire and the counter read.
	RxFudgeUS int32 `yaml:"rx_fudge_us"`
	TxFudgeUS int32 `yaml:"tx_fudge_us"`

	Poll int8 `yaml:"poll"`

	GlobalRate float64       `yaml:"global_rate"`
	ClientRate float64       `yaml:"client_rate"`
	Burst      int           `yaml:"burst"`
	ClientIdle time.Duration `yaml:"client_idle"`
}

// DefaultConfig returns the standard responder settings.
func DefaultConfig() Config {
	return Config{
		Address:    ":123",
		Poll:       9,
		GlobalRate: 2000,
		ClientRate: 2,
		Burst:      8,
		ClientIdle: 10 * time.Minute,
	}
}

// maxFudgeUS bounds either stamp offset to one second.
const maxFudgeUS = 1_000_000

// fudgeNs scales a microsecond offset to nanoseconds without overflowing.
func fudgeNs(us int32) int32 {
	return int32(mathutil.Clamp(int64(us), -maxFudgeUS, maxFudgeUS) * 1000)
}

// Result labels for request accounting.
const (
	ResultOK       = "ok"
	ResultUnsynced = "unsynchronized"
	ResultKoD      = "kod"
	ResultInvalid  = "invalid"
)

// Server is a stratum 1 NTP responder.
type Server struct {
	cfg     Config
	src     TimeSource
	limiter *RateLimiter
	m       *metrics.GPSDOMetrics

	addr     atomic.Value // net.Addr
	answered atomic.Uint64
	dropped  atomic.Uint64
}

// New builds a server reading src. m may be nil.
func New(cfg Config, src TimeSource, m *metrics.GPSDOMetrics) *Server {
	d := DefaultConfig()
	if cfg.Address == "" {
		cfg.Address = d.Address
	}
	if cfg.Poll == 0 {
		cfg.Poll = d.Poll
	}
	if cfg.ClientRate <= 0 {
		cfg.ClientRate = d.ClientRate
	}
	if cfg.Burst <= 0 {
		cfg.Burst = d.Burst
	}
	if cfg.ClientIdle <= 0 {
		cfg.ClientIdle = d.ClientIdle
	}
	return &Server{
		cfg:     cfg,
		src:     src,
		limiter: NewRateLimiter(cfg.GlobalRate, cfg.ClientRate, cfg.Burst),
		m:       m,
	}
}

// ListenAndServe binds the configured address and serves until ctx ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	var lc net.ListenConfig
	conn, err := lc.ListenPacket(ctx, "udp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Address, err)
	}
	return s.Serve(ctx, conn)
}

// Serve answers requests on conn until ctx ends. conn is closed on return.
func (s *Server) Serve(ctx context.Context, conn net.PacketConn) error {
	s.addr.Store(conn.LocalAddr())
	logger.Infof("ntpserver", "serving NTP on %s", conn.LocalAddr())

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		return conn.Close()
	})
	g.Go(func() error {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case now := <-ticker.C:
				if n := s.limiter.Prune(now, s.cfg.ClientIdle); n > 0 {
					logger.Debugf("ntpserver", "forgot %d idle clients", n)
				}
				if s.m != nil {
					s.m.NTPClientsTracked.Set(float64(s.limiter.Clients()))
				}
			}
		}
	})
	g.Go(func() error {
		buf := make([]byte, 512)
		for {
			n, peer, err := conn.ReadFrom(buf)
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
					return nil
				}
				return fmt.Errorf("read request: %w", err)
			}
			rx := s.src.NowNTP(fudgeNs(s.cfg.RxFudgeUS))
			start := time.Now()

			reply, result := s.Respond(buf[:n], rx, clientKey(peer), start)
			s.count(result)
			if reply == nil {
				s.dropped.Add(1)
				continue
			}
			if _, err := conn.WriteTo(reply, peer); err != nil {
				logger.Debugf("ntpserver", "reply to %s: %v", peer, err)
				continue
			}
			s.answered.Add(1)
			if s.m != nil {
				s.m.NTPRequestDuration.Observe(time.Since(start).Seconds())
			}
		}
	})
	return g.Wait()
}

func clientKey(addr net.Addr) string {
	if u, ok := addr.(*net.UDPAddr); ok {
		return u.IP.String()
	}
	return addr.String()
}

func (s *Server) count(result string) {
	if s.m != nil {
		s.m.NTPRequestsTotal.WithLabelValues(result).Inc()
	}
}

// Respond builds the reply to one request received at rx. It returns a nil
// reply for packets that are not answered.
func (s *Server) Respond(req []byte, rx timebase.NTPTimestamp, client string, now time.Time) ([]byte, string) {
	in, err := parseRequest(req)
	if err != nil {
		logger.Debugf("ntpserver", "dropping request from %s: %v", client, err)
		return nil, ResultInvalid
	}

	out := header{
		Version:    in.Version,
		Mode:       modeServer,
		Poll:       s.cfg.Poll,
		Precision:  precision,
		OriginTime: in.TransmitTime,
	}

	if !s.limiter.Allow(client, now) {
		logger.NTPRequest(client, 0, "RATE")
		out.Leap = leapUnknown
		out.RefID = refID("RATE")
		out.ReceiveTime = rx
		out.TransmitTime = rx
		return out.marshal(), ResultKoD
	}

	ref := s.src.Reference(fudgeNs(s.cfg.TxFudgeUS))
	out.ReceiveTime = rx
	out.RefTime = ref.Reftime
	out.RootDispersion = rootDispersion(ref)

	result := ResultOK
	if ref.Status == health.SystemUnlock || !ref.Dated {
		out.Leap = leapUnknown
		out.Stratum = 0
		out.RefID = refID("INIT")
		result = ResultUnsynced
	} else {
		out.Leap = leapNone
		out.Stratum = 1
		out.RefID = refID("GPS")
	}
	out.TransmitTime = ref.Now
	if out.TransmitTime.Compare(rx) < 0 {
		out.TransmitTime = rx
	}
	logger.NTPRequest(client, out.Stratum, "")
	return out.marshal(), result
}

// rootDispersion assumes 1 ppm accumulates since the last good lock, in
// units of 2^-16 s.
func rootDispersion(ref gpsdo.Reference) uint32 {
	if !ref.HaveRef {
		return 16 << 16
	}
	return ref.RefAge/15 + 1
}

// Addr returns the bound address once serving.
func (s *Server) Addr() net.Addr {
	if a, ok := s.addr.Load().(net.Addr); ok {
		return a
	}
	return nil
}

// Stats returns the answered and dropped request counts.
func (s *Server) Stats() (answered, dropped uint64) {
	return s.answered.Load(), s.dropped.Load()
}

// Clients returns the number of rate-limited clients being tracked.
func (s *Server) Clients() int { return s.limiter.Clients() }
