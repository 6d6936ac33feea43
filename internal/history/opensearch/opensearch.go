package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/loykin/scripthost/internal/history"
)

// DefaultIndex receives events when no index is configured.
const DefaultIndex = "scripthost-history"

// Sink indexes events as documents: POST {baseURL}/{index}/_doc.
type Sink struct {
	client  *http.Client
	baseURL string
	index   string
}

func New(baseURL, index string) *Sink {
	if index == "" {
		index = DefaultIndex
	}
	c := &http.Client{Timeout: 5 * time.Second}
	return &Sink{client: c, baseURL: strings.TrimRight(baseURL, "/"), index: index}
}

type document struct {
	history.Event
	JobKey string `json:"job_key"`
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	b, err := json.Marshal(document{Event: e, JobKey: e.Record.Key().String()})
	if err != nil {
		return err
	}
	u := fmt.Sprintf("%s/%s/_doc", s.baseURL, s.index)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("opensearch sink status %d", resp.StatusCode)
	}
	return nil
}
