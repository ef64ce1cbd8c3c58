package spider

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
)

// Response is the result of one successful fetch. State is the same
// reference carried by the originating task.
type Response struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
	Elapsed    time.Duration

	// URL is the final URL after redirects; relative URLs in yielded
	// tasks are resolved against it.
	URL *url.URL

	Task  *Task
	State any

	docOnce sync.Once
	doc     *goquery.Document
	docErr  error
}

// Document parses the body as HTML once and caches the result.
func (r *Response) Document() (*goquery.Document, error) {
	r.docOnce.Do(func() {
		doc, err := goquery.NewDocumentFromReader(bytes.NewReader(r.Body))
		if err != nil {
			r.docErr = fmt.Errorf("parse html body: %w", err)
			return
		}
		r.doc = doc
	})
	return r.doc, r.docErr
}

// Select runs a CSS selector against the parsed document. It returns an
// empty selection when the body is not parseable HTML.
func (r *Response) Select(selector string) *goquery.Selection {
	doc, err := r.Document()
	if err != nil {
		return new(goquery.Selection)
	}
	return doc.Find(selector)
}

// Text returns the body as a string.
func (r *Response) Text() string {
	return string(r.Body)
}

// JSON unmarshals the body into v.
func (r *Response) JSON(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("decode json body: %w", err)
	}
	return nil
}

// Header returns one response header value.
func (r *Response) Header(key string) string {
	return r.Headers.Get(key)
}
