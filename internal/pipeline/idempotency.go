package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"

	"fleet-monitor/gateway/internal/domain"
	"fleet-monitor/gateway/internal/protocol"
)

const idempotencyKeyLen = 32

// IdempotencyKey resolves the key a batch is stored under. The first
// non-empty supplied key wins, then the payload's own key. Otherwise the key
// is derived from the device, the first record's timestamp, the record count
// and the sequence number. Batches without record timestamps also hash their
// raw content, so two distinct untimed batches do not collide.
func IdempotencyKey(p *domain.GatewayPayload, recs []domain.RawRecord, supplied ...string) string {
	for _, k := range supplied {
		if k = strings.TrimSpace(k); k != "" {
			return k
		}
	}
	if k := strings.TrimSpace(p.IdempotencyKey); k != "" {
		return k
	}

	firstTS := ""
	if len(recs) > 0 {
		firstTS = protocol.RawTimestamp(recs[0])
	}
	seq := ""
	if p.Sequence != nil {
		seq = strconv.FormatInt(*p.Sequence, 10)
	}

	parts := []string{p.DeviceID, firstTS, strconv.Itoa(len(recs)), seq}
	if firstTS == "" {
		parts = append(parts, rawDigest(p))
	}

	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])[:idempotencyKeyLen]
}

func rawDigest(p *domain.GatewayPayload) string {
	body, _ := json.Marshal(struct {
		Events    []domain.RawRecord `json:"events"`
		RawHex    string             `json:"raw_hex"`
		RawText   string             `json:"raw_text"`
		Sentences []string           `json:"sentences"`
	}{p.Events, p.RawHex, p.RawText, p.Sentences})
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}
