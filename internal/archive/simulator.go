package archive

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// Simulator stands in for object storage when none is configured. It does not
// retain bytes; it returns the deterministic reference a real upload would
// have produced, so the rest of the pipeline behaves identically.
type Simulator struct {
	bucket   string
	endpoint string
}

func NewSimulator(bucket, endpoint string) *Simulator {
	return &Simulator{
		bucket:   strings.TrimSpace(bucket),
		endpoint: strings.TrimSpace(endpoint),
	}
}

func (s *Simulator) StorePayload(handle string, capturedAtUnix int64, payload []byte) (string, error) {
	if len(payload) == 0 {
		return "", fmt.Errorf("empty payload")
	}

	sum := sha256.Sum256([]byte(handle + ":" + strconv.FormatInt(capturedAtUnix, 10)))
	key := hex.EncodeToString(sum[:])

	ep := s.endpoint
	if ep == "" {
		ep = "https://archive.example.invalid"
	}
	bucket := s.bucket
	if bucket == "" {
		bucket = "iris-monitor"
	}

	return fmt.Sprintf("%s/%s/payloads/%s.json", strings.TrimRight(ep, "/"), bucket, key), nil
}
