package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/imdevinc/clipbird/internal/content"
	"github.com/imdevinc/clipbird/pkg/couchdb"
)

const (
	docPrefix    = "history:"
	docType      = "clipboard"
	couchBacklog = 64
)

// DocumentStore is the subset of couchdb.Client the replica uses
type DocumentStore interface {
	Put(ctx context.Context, id string, doc any) (string, error)
	Delete(ctx context.Context, id, rev string) error
	AllDocs(ctx context.Context, prefix string, descending bool, limit int) ([]couchdb.Row, error)
	PutAttachment(ctx context.Context, docID, rev, name, contentType string, content []byte) (string, error)
	GetAttachment(ctx context.Context, docID, name string) ([]byte, string, error)
}

type historyDoc struct {
	couchdb.Document
	Type      string    `json:"type"`
	Host      string    `json:"host"`
	CreatedAt time.Time `json:"created_at"`
	Items     []docItem `json:"items"`
}

// docItem carries text inline; binary payloads are attachments
type docItem struct {
	MimeType   string `json:"mime_type"`
	Text       string `json:"text,omitempty"`
	Attachment string `json:"attachment,omitempty"`
}

// Couch replicates history to CouchDB from a background goroutine. AddHistory
// drops entries while the backlog is full.
type Couch struct {
	store   DocumentStore
	host    string
	max     int
	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time

	mu     sync.Mutex
	closed bool
	queue  chan Entry
	wg     sync.WaitGroup
}

// CouchConfig configures a Couch history
type CouchConfig struct {
	Host    string
	MaxSize int
	Timeout time.Duration
	Logger  *slog.Logger
}

// NewCouch starts the replica writer
func NewCouch(store DocumentStore, cfg CouchConfig) *Couch {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultMaxSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	c := &Couch{
		store:   store,
		host:    cfg.Host,
		max:     cfg.MaxSize,
		timeout: cfg.Timeout,
		logger:  cfg.Logger.With("component", "history", "backend", "couchdb"),
		now:     time.Now,
		queue:   make(chan Entry, couchBacklog),
	}
	c.wg.Add(1)
	go c.run()
	return c
}

func (c *Couch) AddHistory(items []content.Item) {
	if len(items) == 0 {
		return
	}
	entry := newEntry(items, c.now())

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.queue <- entry:
	default:
		c.logger.Warn("History backlog full, entry dropped", "items", content.Summary(items))
	}
}

// Close flushes queued entries and stops the writer
func (c *Couch) Close() error {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.queue)
	}
	c.mu.Unlock()
	c.wg.Wait()
	return nil
}

func (c *Couch) run() {
	defer c.wg.Done()
	for entry := range c.queue {
		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		if err := c.write(ctx, entry); err != nil {
			c.logger.Error("Failed to write history", "id", entry.ID, "error", err)
		} else if err := c.prune(ctx); err != nil {
			c.logger.Warn("Failed to prune history", "error", err)
		}
		cancel()
	}
}

// docID sorts by time so AllDocs returns entries in order
func docID(e Entry) string {
	return fmt.Sprintf("%s%020d:%s", docPrefix, e.At.UnixNano(), e.ID)
}

func (c *Couch) write(ctx context.Context, e Entry) error {
	id := docID(e)
	doc := historyDoc{
		Document:  couchdb.Document{ID: id},
		Type:      docType,
		Host:      c.host,
		CreatedAt: e.At.UTC(),
		Items:     make([]docItem, len(e.Items)),
	}
	var binary []int
	for i, it := range e.Items {
		doc.Items[i] = docItem{MimeType: it.MimeType}
		if content.IsText(it.MimeType) {
			doc.Items[i].Text = string(it.Payload)
		} else {
			doc.Items[i].Attachment = "item-" + strconv.Itoa(i)
			binary = append(binary, i)
		}
	}

	rev, err := c.store.Put(ctx, id, doc)
	if err != nil {
		return err
	}
	for _, i := range binary {
		it := e.Items[i]
		rev, err = c.store.PutAttachment(ctx, id, rev, doc.Items[i].Attachment, it.MimeType, it.Payload)
		if err != nil {
			return err
		}
	}
	c.logger.Debug("History written", "id", id, "items", len(e.Items))
	return nil
}

// prune deletes everything past the newest max entries
func (c *Couch) prune(ctx context.Context) error {
	rows, err := c.store.AllDocs(ctx, docPrefix, true, 0)
	if err != nil {
		return err
	}
	var errs []error
	for i := c.max; i < len(rows); i++ {
		if err := c.store.Delete(ctx, rows[i].ID, rows[i].Rev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recent reads up to n entries back, newest first
func (c *Couch) Recent(ctx context.Context, n int) ([]Entry, error) {
	rows, err := c.store.AllDocs(ctx, docPrefix, true, n)
	if err != nil {
		return nil, fmt.Errorf("failed to list history: %w", err)
	}
	out := make([]Entry, 0, len(rows))
	for _, row := range rows {
		var doc historyDoc
		if err := json.Unmarshal(row.Doc, &doc); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", row.ID, err)
		}
		if doc.Type != docType {
			continue
		}
		entry := Entry{ID: row.ID, At: doc.CreatedAt, Items: make([]content.Item, len(doc.Items))}
		for i, it := range doc.Items {
			payload := []byte(it.Text)
			if it.Attachment != "" {
				payload, _, err = c.store.GetAttachment(ctx, row.ID, it.Attachment)
				if err != nil {
					return nil, err
				}
			}
			entry.Items[i] = content.Item{MimeType: it.MimeType, Payload: payload}
		}
		out = append(out, entry)
	}
	return out, nil
}
