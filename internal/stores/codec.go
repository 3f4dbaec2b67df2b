package stores

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"time"
)

func writeString(buf *bytes.Buffer, s string) error {
	if len(s) > 65535 {
		return errors.New("record field too long")
	}
	if err := binary.Write(buf, binary.BigEndian, uint16(len(s))); err != nil {
		return err
	}
	buf.WriteString(s)
	return nil
}

func readString(reader *bytes.Reader) (string, error) {
	var n uint16
	if err := binary.Read(reader, binary.BigEndian, &n); err != nil {
		return "", err
	}
	raw := make([]byte, n)
	if _, err := io.ReadFull(reader, raw); err != nil {
		return "", err
	}
	return string(raw), nil
}

// ttlUntil converts an absolute deadline into a Redis TTL measured from now,
// padded by grace. Redis expiry only garbage-collects; logical expiry is
// always decided against the stored timestamps.
func ttlUntil(deadlineMs int64, now time.Time, grace time.Duration) time.Duration {
	ttl := time.Duration(deadlineMs-now.UnixMilli())*time.Millisecond + grace
	if ttl < time.Second {
		ttl = time.Second
	}
	return ttl
}
