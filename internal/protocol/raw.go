package protocol

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"fleet-monitor/gateway/internal/domain"
)

// ErrMalformedRaw is returned when a raw_hex, raw_text or sentences encoding
// cannot be decoded for the resolved protocol.
var ErrMalformedRaw = errors.New("malformed raw payload")

// Records returns the raw records of a payload: the events array followed by
// whatever the protocol-specific raw encodings decode to. When the payload
// carries events, an undecodable raw encoding is left out and reported in
// skipped instead of failing the batch.
func Records(p *domain.GatewayPayload, proto domain.Protocol) (recs []domain.RawRecord, skipped []error, err error) {
	recs = make([]domain.RawRecord, 0, len(p.Events))
	for _, ev := range p.Events {
		if ev != nil {
			recs = append(recs, ev)
		}
	}
	hasEvents := len(recs) > 0

	add := func(decoded []domain.RawRecord, err error) error {
		if err == nil {
			recs = append(recs, decoded...)
			return nil
		}
		if hasEvents {
			skipped = append(skipped, err)
			return nil
		}
		return err
	}

	if s := strings.TrimSpace(p.RawHex); s != "" {
		if err := add(decodeHex(s, proto)); err != nil {
			return nil, nil, err
		}
	}
	if s := strings.TrimSpace(p.RawText); s != "" {
		if err := add(decodeText(s, proto)); err != nil {
			return nil, nil, err
		}
	}
	if len(p.Sentences) > 0 {
		recs = append(recs, groupSentences(p.Sentences)...)
	}
	return recs, skipped, nil
}

func decodeHex(s string, proto domain.Protocol) ([]domain.RawRecord, error) {
	s = strings.Map(func(r rune) rune {
		if r == ' ' || r == '\n' || r == '\r' || r == '\t' {
			return -1
		}
		return r
	}, s)
	data, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: raw_hex: %v", ErrMalformedRaw, err)
	}

	var recs []domain.RawRecord
	switch proto {
	case domain.ProtocolTeltonika:
		recs, err = DecodeCodec8(data)
	case domain.ProtocolConcox:
		recs, err = DecodeGT06(data)
	default:
		return nil, fmt.Errorf("%w: raw_hex is not supported for %s", ErrMalformedRaw, proto)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRaw, err)
	}
	return recs, nil
}

func decodeText(s string, proto domain.Protocol) ([]domain.RawRecord, error) {
	lines := splitLines(s)
	switch proto {
	case domain.ProtocolQueclink:
		recs := make([]domain.RawRecord, 0, len(lines))
		for _, line := range lines {
			recs = append(recs, splitQueclinkLine(line))
		}
		return recs, nil
	case domain.ProtocolNMEA:
		return groupSentences(lines), nil
	default:
		return nil, fmt.Errorf("%w: raw_text is not supported for %s", ErrMalformedRaw, proto)
	}
}

func splitLines(s string) []string {
	var out []string
	for _, line := range strings.FieldsFunc(s, func(r rune) bool { return r == '\n' || r == '\r' }) {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}
