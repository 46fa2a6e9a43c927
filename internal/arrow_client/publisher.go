package arrow_client

import (
	"context"
	"fmt"

	"github.com/23skdu/longbow-glm/internal/engine"
)

// Publisher sends finished generation results to a Flight sink.
type Publisher struct {
	client Client
	path   string
}

var _ engine.ResultPublisher = (*Publisher)(nil)

func NewPublisher(client Client, path string) *Publisher {
	if path == "" {
		path = DefaultPath
	}
	return &Publisher{client: client, path: path}
}

func (p *Publisher) Publish(ctx context.Context, results []*engine.Result) error {
	rows := RowsFromResults(results)
	if len(rows) == 0 {
		return nil
	}
	if err := p.client.DoPut(ctx, p.path, rows); err != nil {
		return fmt.Errorf("publish %d rows to %s: %w", len(rows), p.path, err)
	}
	return nil
}
