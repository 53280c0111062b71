package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/regwatch/registry"
)

// DefaultSubjectPrefix is the subject prefix for published registrations.
const DefaultSubjectPrefix = "regwatch.register"

// MessagePublisher is the slice of the NATS client the sink needs.
// *natsclient.Client satisfies it.
type MessagePublisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// Envelope is the JSON message published for one batch.
type Envelope struct {
	ID          string            `json:"id"`
	Source      string            `json:"source,omitempty"`
	Category    registry.Category `json:"category"`
	RPCType     string            `json:"rpc_type,omitempty"`
	PublishedAt time.Time         `json:"published_at"`
	Records     []EnvelopeRecord  `json:"records"`
}

// EnvelopeRecord pairs a record with the node it came from.
type EnvelopeRecord struct {
	NodePath string          `json:"node_path"`
	Record   registry.Record `json:"record"`
}

// NATS publishes each batch as one Envelope on
// <prefix>.<category>.<rpcType>. Mixed-category batches are split.
type NATS struct {
	client MessagePublisher
	prefix string
	source string
	now    func() time.Time
}

// NewNATS returns a NATS sink. source identifies this watcher instance in envelopes.
func NewNATS(client MessagePublisher, prefix, source string) *NATS {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATS{
		client: client,
		prefix: strings.TrimSuffix(prefix, "."),
		source: source,
		now:    time.Now,
	}
}

// Publish implements Publisher.
func (n *NATS) Publish(ctx context.Context, records []registry.Record) error {
	for _, group := range groupByCategory(records) {
		env := Envelope{
			ID:          uuid.New().String(),
			Source:      n.source,
			Category:    group[0].Category(),
			RPCType:     rpcTypeOf(group[0]),
			PublishedAt: n.now().UTC(),
			Records:     make([]EnvelopeRecord, 0, len(group)),
		}
		for _, rec := range group {
			env.Records = append(env.Records, EnvelopeRecord{NodePath: rec.NodePath(), Record: rec})
		}

		data, err := json.Marshal(env)
		if err != nil {
			return fmt.Errorf("marshal envelope: %w", err)
		}
		subject := n.Subject(env.Category, env.RPCType)
		if err := n.client.Publish(ctx, subject, data); err != nil {
			return fmt.Errorf("publish %s: %w", subject, err)
		}
	}
	return nil
}

// Subject returns the subject a batch of the given category and RPC type is published on.
func (n *NATS) Subject(c registry.Category, rpcType string) string {
	if rpcType == "" || strings.ContainsAny(rpcType, ". *>") {
		rpcType = "unknown"
	}
	return n.prefix + "." + string(c) + "." + rpcType
}

func rpcTypeOf(rec registry.Record) string {
	switch r := rec.(type) {
	case *registry.MetadataRecord:
		return r.RPCType
	case *registry.URIRecord:
		return r.RPCType
	}
	return ""
}

func groupByCategory(records []registry.Record) [][]registry.Record {
	var order []registry.Category
	groups := make(map[registry.Category][]registry.Record)
	for _, rec := range records {
		c := rec.Category()
		if _, ok := groups[c]; !ok {
			order = append(order, c)
		}
		groups[c] = append(groups[c], rec)
	}
	out := make([][]registry.Record, 0, len(order))
	for _, c := range order {
		out = append(out, groups[c])
	}
	return out
}
