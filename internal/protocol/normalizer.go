// Package protocol turns device-specific records into canonical telemetry
// events. Each protocol family has one pure normalizer; Normalize dispatches
// on the protocol tag.
package protocol

import (
	"time"

	"fleet-monitor/gateway/internal/domain"
)

// Normalize maps one raw record of the given protocol onto a NormalizedEvent.
// It never fails: fields that cannot be read are left zero or nil and the
// validator decides what to keep.
func Normalize(proto domain.Protocol, rec domain.RawRecord, receivedAt time.Time) domain.NormalizedEvent {
	switch proto {
	case domain.ProtocolTeltonika:
		return normalizeTeltonika(rec, receivedAt)
	case domain.ProtocolQueclink:
		return normalizeQueclink(rec, receivedAt)
	case domain.ProtocolConcox:
		return normalizeConcox(rec, receivedAt)
	case domain.ProtocolOBD:
		return normalizeOBD(rec, receivedAt)
	case domain.ProtocolNMEA:
		return normalizeNMEA(rec, receivedAt)
	default:
		return normalizeGeneric(rec, receivedAt)
	}
}

func NormalizeBatch(proto domain.Protocol, recs []domain.RawRecord, receivedAt time.Time) []domain.NormalizedEvent {
	out := make([]domain.NormalizedEvent, len(recs))
	for i, rec := range recs {
		out[i] = Normalize(proto, rec, receivedAt)
	}
	return out
}
