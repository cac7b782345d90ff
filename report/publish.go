package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/nats-io/nats.go"

	"github.com/shono-io/pipex/sdk"
)

// Publisher hands an assembled view to an external sink.
type Publisher interface {
	Publish(ctx context.Context, v View) error
}

// FilePublisher writes the view as indented JSON to a fixed path.
type FilePublisher struct {
	Path string
}

func (f FilePublisher) Publish(_ context.Context, v View) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("unable to encode report: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(f.Path), 0o755); err != nil {
		return fmt.Errorf("unable to create report directory: %w", err)
	}
	if err := os.WriteFile(f.Path, b, 0o644); err != nil {
		return fmt.Errorf("unable to write report: %w", err)
	}
	return nil
}

// NatsPublisher publishes the view as JSON on <subject>.<pipeline id>.
type NatsPublisher struct {
	nc      *nats.Conn
	subject string
}

func NewNatsPublisher(nc *nats.Conn, subject string) *NatsPublisher {
	return &NatsPublisher{nc: nc, subject: subject}
}

func (n *NatsPublisher) Publish(_ context.Context, v View) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("unable to encode report: %w", err)
	}
	subject := n.subject + "." + sdk.SafeJobName(v.Execution.ID)
	if err := n.nc.Publish(subject, b); err != nil {
		return fmt.Errorf("unable to publish report to %s: %w", subject, err)
	}
	return nil
}

// MultiPublisher publishes to every publisher and joins their errors.
type MultiPublisher []Publisher

func (m MultiPublisher) Publish(ctx context.Context, v View) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, v); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
