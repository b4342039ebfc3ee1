package protocol

import (
	"strings"

	"fleet-monitor/gateway/internal/domain"
)

var nmeaTalkers = []string{"$GP", "$GN", "$GL", "$GA", "$GB", "$BD"}

// Detect resolves the protocol of a payload. An out-of-band hint wins
// unconditionally, then the payload's own protocol field, then structural
// sniffing. Anything unrecognised is generic.
func Detect(p *domain.GatewayPayload, hint string) domain.Protocol {
	if strings.TrimSpace(hint) != "" {
		proto, _ := domain.ParseProtocol(hint)
		return proto
	}
	if strings.TrimSpace(p.Protocol) != "" {
		if proto, ok := domain.ParseProtocol(p.Protocol); ok {
			return proto
		}
	}
	return sniff(p)
}

func sniff(p *domain.GatewayPayload) domain.Protocol {
	if hex := strings.ToLower(strings.TrimSpace(p.RawHex)); hex != "" {
		switch {
		case strings.HasPrefix(hex, "00000000"):
			return domain.ProtocolTeltonika
		case strings.HasPrefix(hex, "7878"), strings.HasPrefix(hex, "7979"):
			return domain.ProtocolConcox
		}
	}
	if text := strings.TrimSpace(p.RawText); text != "" {
		if strings.HasPrefix(text, "+RESP:") || strings.HasPrefix(text, "+BUFF:") {
			return domain.ProtocolQueclink
		}
	}
	if len(p.Sentences) > 0 {
		first := strings.ToUpper(strings.TrimSpace(p.Sentences[0]))
		for _, talker := range nmeaTalkers {
			if strings.HasPrefix(first, talker) {
				return domain.ProtocolNMEA
			}
		}
	}
	if len(p.Events) > 0 {
		if _, ok := p.Events[0]["pids"].(map[string]any); ok {
			return domain.ProtocolOBD
		}
		if _, ok := p.Events[0]["io"].(map[string]any); ok {
			return domain.ProtocolTeltonika
		}
	}
	return domain.ProtocolGeneric
}
