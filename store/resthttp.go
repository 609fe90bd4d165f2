package store

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/fieldflow/fieldflow/entity"
	"github.com/fieldflow/fieldflow/errors"
	"github.com/fieldflow/fieldflow/logger"
)

// RESTStore talks to a remote entity store over HTTP, with the change
// feed streamed over a websocket. HTTP 409 on PATCH maps to
// ErrUnchanged, the benign conditional-write rejection.
type RESTStore struct {
	baseURL string
	http    *http.Client
	dialer  *websocket.Dialer
	log     *zap.SugaredLogger
}

// NewREST creates a client for the store at baseURL.
func NewREST(baseURL string) *RESTStore {
	return &RESTStore{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout: 30 * time.Second,
		},
		dialer: websocket.DefaultDialer,
		log:    logger.Named("store.rest"),
	}
}

func (s *RESTStore) itemURL(table, itemID string) string {
	return s.baseURL + "/tables/" + url.PathEscape(table) + "/items/" + url.PathEscape(itemID)
}

func (s *RESTStore) do(ctx context.Context, method, rawURL string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, errors.Wrap(err, "encode request body")
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return nil, errors.Wrap(err, "build request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrConnectivity, "%s %s: %v", method, rawURL, err)
	}
	return resp, nil
}

func unexpectedStatus(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return errors.Newf("%s %s returned %d: %s",
		resp.Request.Method, resp.Request.URL.Path, resp.StatusCode, strings.TrimSpace(string(body)))
}

// Get loads one item.
func (s *RESTStore) Get(ctx context.Context, table, itemID string) (*entity.Item, error) {
	resp, err := s.do(ctx, http.MethodGet, s.itemURL(table, itemID), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var item entity.Item
		if err := json.NewDecoder(resp.Body).Decode(&item); err != nil {
			return nil, errors.Wrapf(err, "decode item %s/%s", table, itemID)
		}
		return &item, nil
	case http.StatusNotFound:
		return nil, errors.Wrapf(errors.ErrNotFound, "item %s/%s", table, itemID)
	default:
		return nil, unexpectedStatus(resp)
	}
}

// Insert upserts one item document.
func (s *RESTStore) Insert(ctx context.Context, table string, item *entity.Item) error {
	resp, err := s.do(ctx, http.MethodPut, s.itemURL(table, item.ID), item)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return unexpectedStatus(resp)
	}
	return nil
}

// Patch proposes a conditional update. 409 means the fingerprint moved
// on and the whole set was discarded.
func (s *RESTStore) Patch(ctx context.Context, table, itemID string, patches entity.PatchSet) error {
	resp, err := s.do(ctx, http.MethodPatch, s.itemURL(table, itemID), patches)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusConflict:
		return errors.Wrapf(errors.ErrUnchanged, "patch of %s/%s rejected", table, itemID)
	case http.StatusBadRequest:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return errors.Wrapf(errors.ErrValidation, "patch of %s/%s: %s", table, itemID, strings.TrimSpace(string(body)))
	default:
		return unexpectedStatus(resp)
	}
}

// Watch opens the change-feed websocket. The channel closes on any read
// error or link loss; the caller resubscribes with IncludeInitial to
// recover missed state.
func (s *RESTStore) Watch(ctx context.Context, opts WatchOptions) (<-chan Change, error) {
	wsURL, err := s.changesURL(opts)
	if err != nil {
		return nil, err
	}

	conn, resp, err := s.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		return nil, errors.Wrapf(errors.ErrConnectivity, "dial change feed %s: %v", wsURL, err)
	}

	out := make(chan Change)
	go func() {
		defer close(out)
		defer conn.Close()

		done := make(chan struct{})
		defer close(done)
		go func() {
			select {
			case <-ctx.Done():
				conn.Close()
			case <-done:
			}
		}()

		for {
			var change Change
			if err := conn.ReadJSON(&change); err != nil {
				if ctx.Err() == nil {
					s.log.Warnw("Change feed lost", "table", opts.Table, "error", err)
				}
				return
			}
			select {
			case out <- change:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (s *RESTStore) changesURL(opts WatchOptions) (string, error) {
	parsed, err := url.Parse(s.baseURL)
	if err != nil {
		return "", errors.Wrapf(err, "bad store url %s", s.baseURL)
	}
	switch parsed.Scheme {
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	}
	parsed.Path = strings.TrimRight(parsed.Path, "/") + "/tables/" + url.PathEscape(opts.Table) + "/changes"
	q := parsed.Query()
	if opts.IncludeInitial {
		q.Set("includeInitial", "true")
	}
	parsed.RawQuery = q.Encode()
	return parsed.String(), nil
}

// EnsureWatchIndex registers the watch index server-side.
func (s *RESTStore) EnsureWatchIndex(ctx context.Context, taskName, fieldName, specHash string) error {
	target := s.baseURL + "/watch-indexes/" + url.PathEscape(taskName) + "/" + url.PathEscape(fieldName)
	resp, err := s.do(ctx, http.MethodPut, target, map[string]string{"specHash": specHash})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return unexpectedStatus(resp)
	}
	return nil
}

// Close is a no-op; each watch owns its own connection.
func (s *RESTStore) Close() error { return nil }

var _ Store = (*RESTStore)(nil)
