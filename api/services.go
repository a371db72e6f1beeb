package api

import (
	"context"
	"encoding/json"
	"io"
	"net/url"
)

// Chat modes.
const (
	ModePreVisit  = "pre_visit"
	ModePostVisit = "post_visit"
)

// Symptoms wraps the symptom log endpoints.
type Symptoms struct{ c *Client }

func (c *Client) Symptoms() Symptoms { return Symptoms{c} }

func (s Symptoms) Add(ctx context.Context, entry any) (json.RawMessage, error) {
	return s.c.Post(ctx, "/symptoms/add", entry)
}

func (s Symptoms) List(ctx context.Context) (json.RawMessage, error) {
	return s.c.Get(ctx, "/symptoms/list")
}

func (s Symptoms) Delete(ctx context.Context, id string) (json.RawMessage, error) {
	return s.c.Delete(ctx, "/symptoms/"+url.PathEscape(id))
}

// Summary asks the backend to summarize the logged symptoms.
func (s Symptoms) Summary(ctx context.Context) (json.RawMessage, error) {
	return s.c.Post(ctx, "/symptoms/summary", nil)
}

// Documents wraps the document endpoints.
type Documents struct{ c *Client }

func (c *Client) Documents() Documents { return Documents{c} }

// Upload sends r as the multipart field "file".
func (d Documents) Upload(ctx context.Context, filename string, r io.Reader) (json.RawMessage, error) {
	return d.c.Upload(ctx, "/documents/upload", "file", filename, r)
}

func (d Documents) List(ctx context.Context) (json.RawMessage, error) {
	return d.c.Get(ctx, "/documents/list")
}

func (d Documents) Delete(ctx context.Context, id string) (json.RawMessage, error) {
	return d.c.Delete(ctx, "/documents/"+url.PathEscape(id))
}

func (d Documents) Processed(ctx context.Context, id string) (json.RawMessage, error) {
	return d.c.Get(ctx, "/documents/"+url.PathEscape(id)+"/processed")
}

// AI wraps the assistant endpoints.
type AI struct{ c *Client }

func (c *Client) AI() AI { return AI{c} }

// Summarize processes an uploaded document into a visit summary.
func (a AI) Summarize(ctx context.Context, documentID string) (json.RawMessage, error) {
	return a.c.Post(ctx, "/ai/summarize", struct {
		DocumentID string `json:"documentId"`
	}{documentID})
}

// Chat sends one message. chatContext is passed through unchanged.
func (a AI) Chat(ctx context.Context, message, mode string, chatContext any) (json.RawMessage, error) {
	return a.c.Post(ctx, "/ai/chat", struct {
		Message string `json:"message"`
		Mode    string `json:"mode"`
		Context any    `json:"context"`
	}{message, mode, chatContext})
}

func (a AI) Summary(ctx context.Context) (json.RawMessage, error) {
	return a.c.Get(ctx, "/ai/summary")
}

// VisitSummaries wraps the visit summary endpoints.
type VisitSummaries struct{ c *Client }

func (c *Client) VisitSummaries() VisitSummaries { return VisitSummaries{c} }

func (v VisitSummaries) List(ctx context.Context) (json.RawMessage, error) {
	return v.c.Get(ctx, "/visit-summaries/list")
}

func (v VisitSummaries) Get(ctx context.Context, id string) (json.RawMessage, error) {
	return v.c.Get(ctx, "/visit-summaries/"+url.PathEscape(id))
}

func (v VisitSummaries) Latest(ctx context.Context) (json.RawMessage, error) {
	return v.c.Get(ctx, "/visit-summaries/latest")
}

// Verify asks the backend to validate the current session token.
func (c *Client) Verify(ctx context.Context) (json.RawMessage, error) {
	return c.Post(ctx, "/auth/verify", nil)
}
