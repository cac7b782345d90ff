package pkg

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const natsScheme = "nats"

// Sources fetches the documents named in pipeline_data. An entry is a local
// file, an http(s) url, or nats://<object bucket>/<object name> when a
// JetStream context is available.
type Sources struct {
	js     jetstream.JetStream
	client *http.Client
}

func NewSources(js jetstream.JetStream) *Sources {
	return &Sources{
		js:     js,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

// Fetch returns the content of a single source.
func (s *Sources) Fetch(ctx context.Context, source string) (string, error) {
	source = strings.TrimSpace(source)
	zerolog.Ctx(ctx).Debug().Msgf("loading pipeline data from %s", source)

	u, err := url.Parse(source)
	if err == nil && u.Scheme != "" && len(u.Scheme) > 1 {
		switch u.Scheme {
		case "http", "https":
			return s.fetchHttp(ctx, source)
		case natsScheme:
			return s.fetchObject(ctx, u)
		case "file":
			return readFile(u.Path)
		}
	}
	return readFile(source)
}

func (s *Sources) fetchHttp(ctx context.Context, source string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return "", fmt.Errorf("unable to build request for %s: %w", source, err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("unable to download %s: %w", source, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return "", fmt.Errorf("unable to download %s: %s", source, resp.Status)
	}

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("unable to download %s: %w", source, err)
	}
	return string(b), nil
}

func (s *Sources) fetchObject(ctx context.Context, u *url.URL) (string, error) {
	if s.js == nil {
		return "", fmt.Errorf("unable to load %s: no nats connection configured", u.String())
	}

	ob, err := s.js.ObjectStore(ctx, u.Host)
	if err != nil {
		return "", fmt.Errorf("unable to get the %s object store: %w", u.Host, err)
	}

	name := strings.TrimPrefix(u.Path, "/")
	content, err := ob.GetString(ctx, name)
	if err != nil {
		return "", fmt.Errorf("unable to load object %s from %s: %w", name, u.Host, err)
	}
	return content, nil
}

func readFile(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("unable to read pipeline data %s: %w", path, err)
	}
	return string(b), nil
}
