// Package opensearch writes lifecycle events to an OpenSearch (or
// Elasticsearch) index over its REST API.
package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/loykin/warden/internal/history"
)

// DatePlaceholder in an index name is replaced with the event's UTC day, so
// "warden-{date}" rolls over daily.
const DatePlaceholder = "{date}"

const requestTimeout = 5 * time.Second

// Sink indexes each event as one document. Document ids derive from the
// event, so a resent event is reported as a conflict and treated as stored.
type Sink struct {
	client  *http.Client
	baseURL string
	index   string
}

func New(baseURL, index string) *Sink {
	return &Sink{
		client:  &http.Client{Timeout: requestTimeout},
		baseURL: strings.TrimRight(baseURL, "/"),
		index:   index,
	}
}

func (s *Sink) indexFor(e history.Event) string {
	if !strings.Contains(s.index, DatePlaceholder) {
		return s.index
	}
	return strings.ReplaceAll(s.index, DatePlaceholder, e.OccurredAt.UTC().Format("2006.01.02"))
}

func docID(e history.Event) string {
	return e.Name + "-" + string(e.Type) + "-" + strconv.Itoa(e.PID) + "-" + strconv.FormatInt(e.OccurredAt.UnixNano(), 10)
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	u := s.baseURL + "/" + url.PathEscape(s.indexFor(e)) + "/_doc/" + url.PathEscape(docID(e)) + "?op_type=create"
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode < 300, resp.StatusCode == http.StatusConflict:
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("opensearch: index %s: status %d: %s", s.indexFor(e), resp.StatusCode, strings.TrimSpace(string(msg)))
	}
}
