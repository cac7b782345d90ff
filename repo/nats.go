package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"

	"github.com/shono-io/pipex/sdk"
	sdknats "github.com/shono-io/pipex/sdk/nats"
)

// NewNatsRepository mirrors execution state into a JetStream key value
// bucket under <prefix>.<pipeline id>.<doc>. Load reads back the pipeline
// the repository was created for.
func NewNatsRepository(nc *nats.Conn, cfg Config, pipelineId string) (*NatsRepository, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to jetstream: %w", err)
	}

	ctx := context.Background()
	kv, err := js.KeyValue(ctx, cfg.KeyValueBucket)
	if err != nil {
		return nil, fmt.Errorf("unable to get key value store: %w", err)
	}

	return newNatsRepository(kv, cfg.Prefix, pipelineId), nil
}

func newNatsRepository(kv jetstream.KeyValue, prefix, pipelineId string) *NatsRepository {
	return &NatsRepository{
		kv:         kv,
		prefix:     prefix,
		pipelineId: pipelineId,
		updates:    make(chan *Change),
		done:       make(chan struct{}),
	}
}

type NatsRepository struct {
	kv         jetstream.KeyValue
	prefix     string
	pipelineId string
	updates    chan *Change
	done       chan struct{}
}

func (n *NatsRepository) key(pipelineId, doc string) string {
	return sdknats.Key(n.prefix, sdk.SafeJobName(pipelineId), strings.TrimSuffix(doc, ".json"))
}

// Save mirrors the state documents. Secure values are already masked in
// them and s.Secrets never leaves the host.
func (n *NatsRepository) Save(ctx context.Context, s *State) error {
	docs := s.Documents()

	for _, name := range Docs {
		doc, fnd := docs[name]
		if !fnd {
			continue
		}
		b, err := json.Marshal(doc)
		if err != nil {
			return sdk.NewPersistenceError(fmt.Sprintf("unable to encode %s", name), err)
		}
		if _, err := n.kv.Put(ctx, n.key(s.Execution.PipelineId, name), b); err != nil {
			return sdk.NewPersistenceError(fmt.Sprintf("unable to store %s", name), err)
		}
	}
	return nil
}

func (n *NatsRepository) Load(ctx context.Context) (*State, error) {
	s := &State{}
	for name, into := range map[string]any{ExecutionDoc: &s.Execution, PipelineDoc: &s.Pipeline, VarsDoc: &s.Vars} {
		e, err := n.kv.Get(ctx, n.key(n.pipelineId, name))
		if err != nil {
			return nil, sdk.NewPersistenceError(fmt.Sprintf("unable to get %s", name), err)
		}
		if err := json.Unmarshal(e.Value(), into); err != nil {
			return nil, sdk.NewPersistenceError(fmt.Sprintf("%s is corrupt", name), err)
		}
	}

	e, err := n.kv.Get(ctx, n.key(n.pipelineId, ViewDoc))
	switch {
	case err == nil:
		s.View = e.Value()
	case !errors.Is(err, jetstream.ErrKeyNotFound):
		return nil, sdk.NewPersistenceError(fmt.Sprintf("unable to get %s", ViewDoc), err)
	}

	if s.Pipeline == nil {
		return nil, sdk.NewPersistenceError(fmt.Sprintf("%s holds no pipeline", PipelineDoc), nil)
	}
	return s, nil
}

// Watch streams execution status changes of every pipeline under the
// prefix until ctx is done or Close is called.
func (n *NatsRepository) Watch(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer close(n.updates)

	subject := sdknats.Key(n.prefix, "*", strings.TrimSuffix(ExecutionDoc, ".json"))
	log.Info().Msgf("watching for execution updates at %q", subject)
	kw, err := n.kv.Watch(ctx, subject)
	if err != nil {
		log.Error().Err(err).Msg("unable to watch for execution updates")
		return
	}
	defer func() {
		if err := kw.Stop(); err != nil {
			log.Warn().Err(err).Msg("unable to stop watching for execution updates")
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-n.done:
			return
		case msg := <-kw.Updates():
			if msg == nil {
				continue
			}

			var op Operation
			switch msg.Operation() {
			case jetstream.KeyValuePut:
				op = PutOperation
			case jetstream.KeyValuePurge:
				continue
			case jetstream.KeyValueDelete:
				op = DeleteOperation
			}

			change := &Change{
				Operation:  op,
				PipelineId: pipelineIdFromKey(msg.Key()),
				Doc:        ExecutionDoc,
				Revision:   msg.Revision(),
			}

			if op == PutOperation {
				var ex Execution
				if err := json.Unmarshal(msg.Value(), &ex); err != nil {
					log.Error().Err(err).Msg("unable to unmarshal stored execution")
					continue
				}
				change.Execution = &ex
			}

			select {
			case n.updates <- change:
			case <-ctx.Done():
				return
			case <-n.done:
				return
			}
		}
	}
}

func (n *NatsRepository) Close() error {
	close(n.done)
	return nil
}

func (n *NatsRepository) Updates() <-chan *Change {
	return n.updates
}

func pipelineIdFromKey(key string) string {
	kp := strings.Split(key, ".")
	if len(kp) < 2 {
		return ""
	}
	return kp[len(kp)-2]
}
