package transcript

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

const natsConnectTimeout = 5 * time.Second

// NATSSource receives transcript records pushed over a NATS subject. Each
// message payload is one JSON-encoded [Record].
type NATSSource struct {
	conn    *nats.Conn
	subject string
	log     *slog.Logger

	sub *nats.Subscription
}

// ConnectNATS dials the NATS server and prepares a push source for subject.
func ConnectNATS(url, subject string, log *slog.Logger) (*NATSSource, error) {
	if log == nil {
		log = slog.Default()
	}
	conn, err := nats.Connect(url,
		nats.Name("livedub-transcripts"),
		nats.Timeout(natsConnectTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("transcript: connect nats: %w", err)
	}
	log.Info("connected to NATS", slog.String("url", url), slog.String("subject", subject))
	return &NATSSource{conn: conn, subject: subject, log: log}, nil
}

// Subscribe starts delivering pushed records to feed. Malformed payloads are
// logged and dropped.
func (s *NATSSource) Subscribe(feed *Feed) error {
	sub, err := s.conn.Subscribe(s.subject, func(msg *nats.Msg) {
		var rec Record
		if err := json.Unmarshal(msg.Data, &rec); err != nil {
			s.log.Warn("dropping malformed transcript message",
				slog.String("subject", msg.Subject),
				slog.String("error", err.Error()))
			return
		}
		feed.Offer(&rec)
	})
	if err != nil {
		return fmt.Errorf("transcript: subscribe %s: %w", s.subject, err)
	}
	s.sub = sub
	return nil
}

// Close drains the subscription and closes the connection.
func (s *NATSSource) Close() {
	if s == nil || s.conn == nil {
		return
	}
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.conn.Drain()
	s.conn.Close()
}
