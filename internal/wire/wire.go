// Package wire serializes and parses the frames exchanged with augmentor
// workers. Every frame is a sequence of strings; the transport prefixes
// inbound frames with the peer address at index 0 and length-prefixes each
// part on the wire.
package wire

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"
)

// Version is the only protocol version the dispatcher speaks.
const Version = "1.0"

// Message types at frame index 1.
const (
	TypeAugment  = "AUGMENT"
	TypeConfig   = "CONFIG"
	TypeResponse = "RESPONSE"
	TypeConfigOK = "CONFIGOK"
)

// DefaultMaxInFlight is assumed when a CONFIG frame omits the in-flight
// budget or carries a negative one.
const DefaultMaxInFlight = 3000

// ErrProtocol marks malformed or mis-versioned frames. The dispatcher logs
// protocol errors and drops the frame; it records no counter for them and
// never propagates them to callers.
var ErrProtocol = errors.New("wire: protocol error")

// Config is a parsed CONFIG frame: an augmentor instance announcing
// itself.
type Config struct {
	Addr        string
	Name        string
	MaxInFlight int
}

// ParseConfig parses [addr, "CONFIG", version, name[, maxInFlight]]. The
// frame carries at most five elements; the optional budget is the fifth.
func ParseConfig(parts []string) (Config, error) {
	if len(parts) < 4 || len(parts) > 5 {
		return Config{}, fmt.Errorf("%w: config frame has %d parts", ErrProtocol, len(parts))
	}
	if parts[2] != Version {
		return Config{}, fmt.Errorf("%w: unknown config version %q", ErrProtocol, parts[2])
	}
	cfg := Config{Addr: parts[0], Name: parts[3], MaxInFlight: DefaultMaxInFlight}
	if cfg.Name == "" {
		return Config{}, fmt.Errorf("%w: config frame has no augmentor name", ErrProtocol)
	}
	if len(parts) == 5 {
		n, err := strconv.Atoi(parts[4])
		if err != nil {
			return Config{}, fmt.Errorf("%w: bad maxInFlight %q", ErrProtocol, parts[4])
		}
		if n >= 0 {
			cfg.MaxInFlight = n
		}
	}
	return cfg, nil
}

// Response is a parsed RESPONSE frame: one augmentor's answer for one
// auction. Payload is the raw augmentation document; empty and "null"
// payloads are null responses.
type Response struct {
	Addr      string
	StartTime time.Time
	AuctionID string
	Augmentor string
	Payload   string
}

// IsNull reports whether the response carries no augmentation.
func (r Response) IsNull() bool {
	return r.Payload == "" || r.Payload == "null"
}

// ParseResponse parses
// [addr, "RESPONSE", version, startTime, auctionId, augmentor, payload].
func ParseResponse(parts []string) (Response, error) {
	if len(parts) != 7 {
		return Response{}, fmt.Errorf("%w: response frame has %d parts", ErrProtocol, len(parts))
	}
	if parts[2] != Version {
		return Response{}, fmt.Errorf("%w: unknown response version %q", ErrProtocol, parts[2])
	}
	start, err := ParseTimestamp(parts[3])
	if err != nil {
		return Response{}, err
	}
	return Response{
		Addr:      parts[0],
		StartTime: start,
		AuctionID: parts[4],
		Augmentor: parts[5],
		Payload:   parts[6],
	}, nil
}

// EncodeAugment builds the outbound AUGMENT frame body (everything after
// the destination address).
func EncodeAugment(augmentor, auctionID, requestFormat, request string, agents []string, sent time.Time) []string {
	return []string{
		TypeAugment,
		Version,
		augmentor,
		auctionID,
		requestFormat,
		request,
		EncodeAgentSet(agents),
		FormatTimestamp(sent),
	}
}

// FormatTimestamp renders t as fractional seconds since the Unix epoch,
// the timestamp form augmentor workers echo back in RESPONSE frames.
func FormatTimestamp(t time.Time) string {
	secs := float64(t.UnixNano()) / float64(time.Second)
	return strconv.FormatFloat(secs, 'f', 6, 64)
}

// ParseTimestamp reverses FormatTimestamp.
func ParseTimestamp(s string) (time.Time, error) {
	secs, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(secs) || math.IsInf(secs, 0) {
		return time.Time{}, fmt.Errorf("%w: bad timestamp %q", ErrProtocol, s)
	}
	return time.Unix(0, int64(secs*float64(time.Second))).UTC(), nil
}
