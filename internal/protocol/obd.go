package protocol

import (
	"strings"
	"time"

	"fleet-monitor/gateway/internal/domain"
)

// OBD-II mode 01 PIDs the gateway understands.
const (
	pidCoolantTemp = "05"
	pidRPM         = "0C"
	pidSpeed       = "0D"
	pidFuelLevel   = "2F"
	pidOdometer    = "A6"
)

var obdKnown = keySetFrom(genericKnown, "pids", "dtcs")

func normalizeOBD(rec domain.RawRecord, receivedAt time.Time) domain.NormalizedEvent {
	ev := baseEvent(rec, receivedAt)
	pids := pidValues(rec["pids"])

	if v, ok := pids[pidSpeed]; ok {
		ev.SpeedKmh = v
	}
	if v, ok := pids[pidFuelLevel]; ok {
		ev.FuelLevel = domain.Float(v)
	}
	if v, ok := pids[pidOdometer]; ok {
		ev.OdometerKm = domain.Float(v / 10)
	}

	ev.Extras = extrasFrom(rec, obdKnown)
	if v, ok := pids[pidRPM]; ok {
		ev.EngineOn = domain.Bool(v > 0)
		setExtra(&ev, "rpm", v)
	}
	if v, ok := pids[pidCoolantTemp]; ok {
		setExtra(&ev, "coolant_temp_c", v)
	}
	for pid, v := range pids {
		switch pid {
		case pidCoolantTemp, pidRPM, pidSpeed, pidFuelLevel, pidOdometer:
			continue
		}
		setExtra(&ev, "pid_"+pid, v)
	}
	if dtcs, ok := rec["dtcs"]; ok && dtcs != nil {
		setExtra(&ev, "dtcs", dtcs)
	}
	return ev
}

// pidValues reads a PID map, accepting "0d", "0D" and "0x0D" style keys.
func pidValues(v any) map[string]float64 {
	var m map[string]any
	switch t := v.(type) {
	case map[string]any:
		m = t
	case domain.RawRecord:
		m = t
	default:
		return nil
	}
	out := make(map[string]float64, len(m))
	for k, raw := range m {
		f, ok := toFloat(raw)
		if !ok {
			continue
		}
		out[canonicalPID(k)] = f
	}
	return out
}

func canonicalPID(k string) string {
	k = strings.ToUpper(strings.TrimSpace(k))
	k = strings.TrimPrefix(k, "0X")
	if len(k) == 1 {
		k = "0" + k
	}
	return k
}
