package hl7v2

import (
	"context"
	"fmt"
	"net"
	"time"
)

// SendMLLP frames payload, writes it to addr and waits for one framed
// response. The context deadline bounds the whole exchange; without one a
// 30 second limit applies.
func SendMLLP(ctx context.Context, addr string, payload []byte) ([]byte, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("mllp: dial %s: %w", addr, err)
	}
	defer conn.Close()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(mllpReadTimeout)
	}
	conn.SetDeadline(deadline)

	if _, err := conn.Write(FrameMessage(payload)); err != nil {
		return nil, fmt.Errorf("mllp: write: %w", err)
	}

	buf := make([]byte, 0, 1024)
	readBuf := make([]byte, 4096)
	for {
		n, err := conn.Read(readBuf)
		if n > 0 {
			buf = append(buf, readBuf[:n]...)
			if msg, _, found := UnframeMessage(buf); found {
				return msg, nil
			}
			if len(buf) > mllpMaxMessageSize {
				return nil, fmt.Errorf("mllp: response exceeds %d bytes", mllpMaxMessageSize)
			}
		}
		if err != nil {
			return nil, fmt.Errorf("mllp: read response: %w", err)
		}
	}
}
