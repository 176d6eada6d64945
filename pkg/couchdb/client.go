// Package couchdb is a thin layer over Kivik for the few document operations the
// history replica needs.
package couchdb

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/go-kivik/kivik/v4"
	_ "github.com/go-kivik/kivik/v4/couchdb" // CouchDB driver
)

// ErrNotFound is returned by Get and GetAttachment for a missing document
var ErrNotFound = errors.New("couchdb: not found")

// Client wraps a Kivik client bound to one database
type Client struct {
	client   *kivik.Client
	db       *kivik.DB
	dbName   string
	username string
	url      string
	timeout  time.Duration
}

// Config holds configuration for connecting to CouchDB
type Config struct {
	URL      string // e.g. "http://localhost:5984"
	Username string
	Password string
	Database string
	Timeout  time.Duration
	// CreateDB creates the database when it does not exist yet
	CreateDB bool
}

// Document is the metadata every CouchDB document carries
type Document struct {
	ID          string         `json:"_id"`
	Rev         string         `json:"_rev,omitempty"`
	Deleted     bool           `json:"_deleted,omitempty"`
	Attachments map[string]any `json:"_attachments,omitempty"`
}

// Row is one AllDocs result with its raw document
type Row struct {
	ID  string
	Rev string
	Doc []byte
}

// dsn folds credentials into the server URL
func dsn(cfg Config) (string, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return "", fmt.Errorf("invalid URL: %w", err)
	}
	if cfg.Username != "" && cfg.Password != "" {
		u.User = url.UserPassword(cfg.Username, cfg.Password)
	}
	return u.String(), nil
}

// NewClient connects and opens cfg.Database
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("CouchDB URL is required")
	}
	if cfg.Database == "" {
		return nil, fmt.Errorf("database name is required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}

	addr, err := dsn(cfg)
	if err != nil {
		return nil, err
	}
	client, err := kivik.New("couch", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to create CouchDB client: %w", err)
	}

	opCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	exists, err := client.DBExists(opCtx, cfg.Database)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to check database existence: %w", err)
	}
	if !exists {
		if !cfg.CreateDB {
			client.Close()
			return nil, fmt.Errorf("database %s does not exist", cfg.Database)
		}
		if err := client.CreateDB(opCtx, cfg.Database); err != nil && kivik.HTTPStatus(err) != http.StatusPreconditionFailed {
			client.Close()
			return nil, fmt.Errorf("failed to create database %s: %w", cfg.Database, err)
		}
	}

	db := client.DB(cfg.Database)
	if db.Err() != nil {
		client.Close()
		return nil, fmt.Errorf("failed to open database %s: %w", cfg.Database, db.Err())
	}

	return &Client{
		client:   client,
		db:       db,
		dbName:   cfg.Database,
		username: cfg.Username,
		url:      cfg.URL,
		timeout:  cfg.Timeout,
	}, nil
}

// Close closes the CouchDB client connection
func (c *Client) Close() error {
	return c.client.Close()
}

// DBName returns the database name
func (c *Client) DBName() string {
	return c.dbName
}

// URL returns the CouchDB server URL
func (c *Client) URL() string {
	return c.url
}

// Username returns the authenticated username
func (c *Client) Username() string {
	return c.username
}

// Timeout returns the per-operation timeout
func (c *Client) Timeout() time.Duration {
	return c.timeout
}

// DestroyDB drops the bound database. Used by tests and "history clear".
func (c *Client) DestroyDB(ctx context.Context) error {
	if err := c.client.DestroyDB(ctx, c.dbName); err != nil {
		return fmt.Errorf("failed to destroy database %s: %w", c.dbName, err)
	}
	return nil
}

// Put creates or updates a document
func (c *Client) Put(ctx context.Context, id string, doc any) (rev string, err error) {
	rev, err = c.db.Put(ctx, id, doc)
	if err != nil {
		return "", fmt.Errorf("failed to put document %s: %w", id, err)
	}
	return rev, nil
}

// Get retrieves a document by ID into dst
func (c *Client) Get(ctx context.Context, id string, dst any) error {
	row := c.db.Get(ctx, id)
	if err := row.Err(); err != nil {
		if kivik.HTTPStatus(err) == http.StatusNotFound {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return fmt.Errorf("failed to get document %s: %w", id, err)
	}
	if err := row.ScanDoc(dst); err != nil {
		return fmt.Errorf("failed to scan document %s: %w", id, err)
	}
	return nil
}

// Delete deletes a document
func (c *Client) Delete(ctx context.Context, id, rev string) error {
	_, err := c.db.Delete(ctx, id, rev)
	if err != nil {
		return fmt.Errorf("failed to delete document %s: %w", id, err)
	}
	return nil
}

// AllDocs lists documents whose IDs start with prefix, in ID order. descending
// reverses the order; limit <= 0 means no limit.
func (c *Client) AllDocs(ctx context.Context, prefix string, descending bool, limit int) ([]Row, error) {
	opts := map[string]any{
		"include_docs": true,
	}
	if prefix != "" {
		start, end := prefix, prefix+"\ufff0"
		if descending {
			start, end = end, start
		}
		opts["startkey"] = start
		opts["endkey"] = end
	}
	if descending {
		opts["descending"] = true
	}
	if limit > 0 {
		opts["limit"] = limit
	}

	rows := c.db.AllDocs(ctx, kivik.Params(opts))
	defer rows.Close()

	var out []Row
	for rows.Next() {
		id, err := rows.ID()
		if err != nil {
			return nil, fmt.Errorf("failed to read row id: %w", err)
		}
		var doc struct {
			Rev string `json:"_rev"`
		}
		var raw json.RawMessage
		if err := rows.ScanDoc(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan document %s: %w", id, err)
		}
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("failed to decode document %s: %w", id, err)
		}
		out = append(out, Row{ID: id, Rev: doc.Rev, Doc: raw})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to query all docs: %w", err)
	}
	return out, nil
}

// PutAttachment adds or updates an attachment to a document
func (c *Client) PutAttachment(ctx context.Context, docID, rev, name, contentType string, content []byte) (string, error) {
	newRev, err := c.db.PutAttachment(ctx, docID, &kivik.Attachment{
		Filename:    name,
		ContentType: contentType,
		Content:     io.NopCloser(bytes.NewReader(content)),
	}, kivik.Rev(rev))
	if err != nil {
		return "", fmt.Errorf("failed to put attachment %s on document %s: %w", name, docID, err)
	}
	return newRev, nil
}

// GetAttachment retrieves an attachment from a document
func (c *Client) GetAttachment(ctx context.Context, docID, name string) ([]byte, string, error) {
	att, err := c.db.GetAttachment(ctx, docID, name)
	if err != nil {
		if kivik.HTTPStatus(err) == http.StatusNotFound {
			return nil, "", fmt.Errorf("%w: %s/%s", ErrNotFound, docID, name)
		}
		return nil, "", fmt.Errorf("failed to get attachment %s from document %s: %w", name, docID, err)
	}
	defer att.Content.Close()

	content, err := io.ReadAll(att.Content)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read attachment content: %w", err)
	}
	return content, att.ContentType, nil
}
