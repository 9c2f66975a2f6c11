// Package archive stores the raw payload of each successful fetch so a
// snapshot's raw_payload_ref always points at durable evidence of what was
// observed.
package archive

// PayloadArchiver stores one raw payload and returns a stable reference.
type PayloadArchiver interface {
	StorePayload(handle string, capturedAtUnix int64, payload []byte) (string, error)
}
