package incident

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// DefaultSubjectPrefix is the subject prefix records are published under.
// The full subject appends the lower-cased severity, e.g.
// "ghostvoice.incidents.block".
const DefaultSubjectPrefix = "ghostvoice.incidents"

// Publisher is the subset of *nats.Conn used by [NATSSink].
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSSink publishes records as JSON to a NATS subject per severity.
type NATSSink struct {
	pub    Publisher
	prefix string
}

// NewNATSSink returns a sink publishing through pub. An empty prefix uses
// [DefaultSubjectPrefix].
func NewNATSSink(pub Publisher, prefix string) *NATSSink {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSSink{pub: pub, prefix: strings.TrimSuffix(prefix, ".")}
}

// Subject returns the subject rec is published on.
func (s *NATSSink) Subject(rec Record) string {
	return s.prefix + "." + strings.ToLower(rec.Severity)
}

// Publish implements [Sink].
func (s *NATSSink) Publish(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("incident: marshal %s: %w", rec.ID, err)
	}
	if err := s.pub.Publish(s.Subject(rec), data); err != nil {
		return fmt.Errorf("incident: nats publish %s: %w", rec.ID, err)
	}
	return nil
}

// ConnectNATS dials the comma-separated server list url.
func ConnectNATS(url, name string, timeout time.Duration) (*nats.Conn, error) {
	opts := []nats.Option{nats.Name(name)}
	if timeout > 0 {
		opts = append(opts, nats.Timeout(timeout))
	}
	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("incident: connect to nats: %w", err)
	}
	return conn, nil
}

var (
	_ Sink      = (*NATSSink)(nil)
	_ Publisher = (*nats.Conn)(nil)
)
