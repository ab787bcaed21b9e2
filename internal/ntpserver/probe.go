package ntpserver

import (
	"context"
	"fmt"
	"time"

	"github.com/beevik/ntp"

	"github.com/arodland/Due-GPS-NTP-Server/pkg/logger"
)

// ProbeResult is one query against an NTP server with the problems found
// in its answer.
type ProbeResult struct {
	Server         string        `json:"server"`
	Offset         time.Duration `json:"offset"`
	RTT            time.Duration `json:"rtt"`
	Stratum        uint8         `json:"stratum"`
	ReferenceID    string        `json:"reference_id"`
	ReferenceTime  time.Time     `json:"reference_time"`
	RootDispersion time.Duration `json:"root_dispersion"`
	Leap           uint8         `json:"leap"`
	KissCode       string        `json:"kiss_code,omitempty"`
	Problems       []string      `json:"problems,omitempty"`
}

// Healthy reports whether the answer had no problems.
func (r *ProbeResult) Healthy() bool { return len(r.Problems) == 0 }

// Probe queries server and checks its answer the way a client would
// before trusting it.
func Probe(ctx context.Context, server string, timeout time.Duration) (*ProbeResult, error) {
	opts := ntp.QueryOptions{
		Timeout: timeout,
		Version: 4,
	}

	type queryResult struct {
		response *ntp.Response
		err      error
	}

	// buffered so the query goroutine never blocks after a cancel
	resultChan := make(chan queryResult, 1)
	go func() {
		resp, err := ntp.QueryWithOptions(server, opts)
		resultChan <- queryResult{response: resp, err: err}
	}()

	var resp *ntp.Response
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("probe cancelled: %w", ctx.Err())
	case res := <-resultChan:
		if res.err != nil {
			return nil, fmt.Errorf("ntp query to %s failed: %w", server, res.err)
		}
		resp = res.response
	}

	r := Evaluate(server, resp)
	logger.SafeDebug("ntpserver", "probe finished", map[string]interface{}{
		"server":   server,
		"offset":   r.Offset.Seconds(),
		"rtt":      r.RTT.Seconds(),
		"stratum":  r.Stratum,
		"problems": len(r.Problems),
	})
	return r, nil
}

// Evaluate checks a response from server against what a primary GPS
// reference should answer.
func Evaluate(server string, resp *ntp.Response) *ProbeResult {
	r := &ProbeResult{
		Server:         server,
		Offset:         resp.ClockOffset,
		RTT:            resp.RTT,
		Stratum:        resp.Stratum,
		ReferenceID:    refIDString(resp.ReferenceID),
		ReferenceTime:  resp.ReferenceTime,
		RootDispersion: resp.RootDispersion,
		Leap:           uint8(resp.Leap),
		KissCode:       resp.KissCode,
	}
	if err := resp.Validate(); err != nil {
		r.Problems = append(r.Problems, err.Error())
	}
	if resp.Stratum != 1 {
		r.Problems = append(r.Problems, fmt.Sprintf("stratum %d, want 1", resp.Stratum))
	}
	if resp.Leap == ntp.LeapNotInSync {
		r.Problems = append(r.Problems, "clock not synchronized (leap indicator = 3)")
	}
	if resp.ReferenceTime.IsZero() {
		r.Problems = append(r.Problems, "zero reference time")
	}
	return r
}

func refIDString(id uint32) string {
	b := []byte{byte(id >> 24), byte(id >> 16), byte(id >> 8), byte(id)}
	end := len(b)
	for end > 0 && b[end-1] == 0 {
		end--
	}
	for _, c := range b[:end] {
		if c < 0x20 || c > 0x7e {
			return fmt.Sprintf("%08x", id)
		}
	}
	return string(b[:end])
}
