package pool

import (
	"bytes"
	"context"
	"net"
	"sync"
	"time"
)

// channel is one connection slot. mu is held by the writer that checked the
// channel out and by the flush ticker, never by both.
type channel struct {
	id int

	mu     sync.Mutex
	conn   net.Conn
	broken bool
	buf    [][]byte
}

// ensureConn dials the channel if it has no usable connection. Must be called
// with ch.mu held.
func (p *Pool) ensureConn(ctx context.Context, ch *channel) error {
	if ch.conn != nil && !ch.broken {
		return nil
	}
	if ch.conn != nil {
		ch.conn.Close()
		ch.conn = nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, p.cfg.DialTimeout)
	defer cancel()

	conn, err := p.cfg.Dialer(dialCtx, p.cfg.Transport.String(), p.cfg.Address)
	if err != nil {
		return err
	}

	if ch.broken {
		p.reconnects.Add(1)
		p.logger.Info("channel reconnected", "channel", ch.id)
	} else {
		p.logger.Debug("channel connected", "channel", ch.id)
	}
	ch.conn = conn
	ch.broken = false
	return nil
}

// flushLocked transmits and clears the channel's buffer. Must be called with
// ch.mu held.
func (p *Pool) flushLocked(ctx context.Context, ch *channel) error {
	n := len(ch.buf)
	if n == 0 {
		return nil
	}
	batch := ch.buf
	ch.buf = nil
	p.pending.Add(-int64(n))

	if err := p.ensureConn(ctx, ch); err != nil {
		p.dropped.Add(uint64(n))
		return p.failDial(err)
	}

	if p.cfg.Transport == BestEffort {
		p.sendDatagrams(ch, batch)
		return nil
	}
	return p.sendStream(ch, batch)
}

// sendStream writes the batch as one unit. On failure the connection is
// closed, the channel marked broken and the batch dropped.
func (p *Pool) sendStream(ch *channel, batch [][]byte) error {
	n := len(batch)

	if p.cfg.WriteTimeout > 0 {
		ch.conn.SetWriteDeadline(time.Now().Add(p.cfg.WriteTimeout))
	}

	bufs := net.Buffers(batch)
	if _, err := bufs.WriteTo(ch.conn); err != nil {
		ch.conn.Close()
		ch.conn = nil
		ch.broken = true
		p.dropped.Add(uint64(n))
		p.logger.Warn("send failed, channel marked broken",
			"channel", ch.id,
			"dropped", n,
			"error", err,
		)
		return &TransportError{Pool: p.cfg.Name, Address: p.cfg.Address, Op: "send", Err: err}
	}

	p.sent.Add(uint64(n))
	return nil
}

// sendDatagrams packs records into datagrams of at most MaxDatagramSize,
// splitting only between records. A record larger than the limit goes out
// alone. Failures are logged and the affected records counted as dropped.
func (p *Pool) sendDatagrams(ch *channel, batch [][]byte) {
	var (
		dgram bytes.Buffer
		count int
	)

	send := func() {
		if count == 0 {
			return
		}
		if _, err := ch.conn.Write(dgram.Bytes()); err != nil {
			p.dropped.Add(uint64(count))
			p.logger.Warn("datagram send failed",
				"channel", ch.id,
				"records", count,
				"bytes", dgram.Len(),
				"error", err,
			)
		} else {
			p.sent.Add(uint64(count))
		}
		dgram.Reset()
		count = 0
	}

	for _, rec := range batch {
		if count > 0 && dgram.Len()+len(rec) > p.cfg.MaxDatagramSize {
			send()
		}
		if len(rec) > p.cfg.MaxDatagramSize {
			p.logger.Debug("record exceeds datagram size", "bytes", len(rec), "max", p.cfg.MaxDatagramSize)
		}
		dgram.Write(rec)
		count++
	}
	send()
}
