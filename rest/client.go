// Copyright 2026 The Govisor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/gdamore/gitvisor"
)

// LogInfo is a snapshot of the daemon log, as returned by GetLog.
type LogInfo struct {
	etag    string
	Records []gitvisor.LogRecord
}

type Client struct {
	base   string // URI to root of tree on server
	client *http.Client

	// Cached data
	manager *gitvisor.ManagerInfo
	etag    string
	logs    *LogInfo
	lock    sync.Mutex
}

func (c *Client) projectURL(id int64) string {
	return c.base + "/projects/" + strconv.FormatInt(id, 10)
}

// Info returns the daemon's top level information.
func (c *Client) Info(ctx context.Context) (*gitvisor.ManagerInfo, error) {
	v := &gitvisor.ManagerInfo{}
	if _, e := c.poll(ctx, c.base+"/info", "", 0, v); e != nil {
		return nil, e
	}
	return v, nil
}

// Watch waits until the daemon's serial number differs from etag, which
// happens whenever a project operation completes.  An empty etag returns
// the current one.
func (c *Client) Watch(ctx context.Context, etag string) (string, error) {
	c.lock.Lock()
	if c.manager != nil && etag == "" {
		etag = c.etag
		c.lock.Unlock()
		return etag, nil
	}
	c.lock.Unlock()

	minfo := &gitvisor.ManagerInfo{}
	ntag, e := c.poll(ctx, c.base+"/info", etag, MaxPollTime, minfo)
	if e != nil {
		return "", e
	}
	if ntag != "" {
		c.lock.Lock()
		c.manager = minfo
		c.etag = ntag
		c.lock.Unlock()
		etag = ntag
	}
	return etag, nil
}

// Projects returns the status of every project.
func (c *Client) Projects(ctx context.Context) ([]*gitvisor.ProjectStatus, error) {
	v := []*gitvisor.ProjectStatus{}
	if _, e := c.poll(ctx, c.base+"/projects", "", 0, &v); e != nil {
		return nil, e
	}
	return v, nil
}

// Project returns the status of one project.
func (c *Client) Project(ctx context.Context, id int64) (*gitvisor.ProjectStatus, error) {
	v := &gitvisor.ProjectStatus{}
	if _, e := c.poll(ctx, c.projectURL(id), "", 0, v); e != nil {
		return nil, e
	}
	return v, nil
}

// Create adds a project.  The daemon clones it before saving it.
func (c *Client) Create(ctx context.Context, p *gitvisor.Project) (*gitvisor.Project, error) {
	v := &gitvisor.Project{}
	if e := c.send(ctx, "POST", c.base+"/projects", p, v); e != nil {
		return nil, e
	}
	return v, nil
}

// Modify replaces the project's fields.  Secrets that come back redacted
// from Project are kept as they are.
func (c *Client) Modify(ctx context.Context, p *gitvisor.Project) (*gitvisor.Project, error) {
	v := &gitvisor.Project{}
	if e := c.send(ctx, "PUT", c.projectURL(p.ID), p, v); e != nil {
		return nil, e
	}
	return v, nil
}

func (c *Client) Remove(ctx context.Context, id int64) error {
	return c.send(ctx, "DELETE", c.projectURL(id), nil, nil)
}

func (c *Client) postProject(ctx context.Context, id int64, action string) (*gitvisor.ProjectStatus, error) {
	v := &gitvisor.ProjectStatus{}
	if e := c.send(ctx, "POST", c.projectURL(id)+"/"+action, nil, v); e != nil {
		return nil, e
	}
	return v, nil
}

// Update clones or pulls the project's repository.
func (c *Client) Update(ctx context.Context, id int64) (*gitvisor.ProjectStatus, error) {
	return c.postProject(ctx, id, "update")
}

func (c *Client) Start(ctx context.Context, id int64) (*gitvisor.ProjectStatus, error) {
	return c.postProject(ctx, id, "start")
}

func (c *Client) Stop(ctx context.Context, id int64) (*gitvisor.ProjectStatus, error) {
	return c.postProject(ctx, id, "stop")
}

// AccessLog streams the project's access log to w.
func (c *Client) AccessLog(ctx context.Context, id int64, w io.Writer) error {
	return c.download(ctx, c.projectURL(id)+"/access-log", w)
}

// ErrorLog streams the project's error log to w.
func (c *Client) ErrorLog(ctx context.Context, id int64, w io.Writer) error {
	return c.download(ctx, c.projectURL(id)+"/error-log", w)
}

func (c *Client) pollLog(ctx context.Context, secs int, last *LogInfo) (*LogInfo, error) {
	c.lock.Lock()
	cached := c.logs
	c.lock.Unlock()

	otag := ""
	if last == nil {
		secs = 0
	} else if cached != nil && last.etag != cached.etag {
		// What we have cached is newer than what the caller saw.
		return cached, nil
	} else {
		otag = last.etag
	}

	v := &LogInfo{}
	etag, e := c.poll(ctx, c.base+"/log", otag, secs, &v.Records)
	if e != nil {
		c.lock.Lock()
		c.logs = nil
		c.lock.Unlock()
		return nil, e
	}
	if etag == "" {
		return last, nil
	}
	v.etag = etag
	c.lock.Lock()
	c.logs = v
	c.lock.Unlock()
	return v, nil
}

// GetLog returns the daemon's recent log records.
func (c *Client) GetLog(ctx context.Context) (*LogInfo, error) {
	return c.pollLog(ctx, 0, nil)
}

// WatchLog waits for records newer than last to be logged.
func (c *Client) WatchLog(ctx context.Context, last *LogInfo) (*LogInfo, error) {
	return c.pollLog(ctx, MaxPollTime, last)
}

// poll issues an HTTP GET against the URL, optionally checking for a cache,
// including optionally issuing a long poll that tries to wait until the
// value changes.  The return values are the new Etag and any error.  If the
// value did not change, then the returned etag will be "", but the error will
// be nil.
func (c *Client) poll(ctx context.Context, url string, etag string, wait int, v interface{}) (string, error) {
	req, e := http.NewRequestWithContext(ctx, "GET", url, nil)
	if e != nil {
		return "", e
	}
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
		if wait > 0 {
			req.Header.Set(PollEtagHeader, etag)
			req.Header.Set(PollTimeHeader, strconv.Itoa(wait))
		}
	}
	res, e := c.client.Do(req)
	if e != nil {
		return "", e
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusNotModified {
		return "", nil
	}
	if res.StatusCode != http.StatusOK {
		return "", readError(res)
	}
	if e := json.NewDecoder(res.Body).Decode(v); e != nil {
		return "", e
	}
	return res.Header.Get("Etag"), nil
}

func (c *Client) send(ctx context.Context, method string, url string, in interface{}, out interface{}) error {
	var body io.Reader
	if in != nil {
		b, e := json.Marshal(in)
		if e != nil {
			return e
		}
		body = bytes.NewReader(b)
	}
	req, e := http.NewRequestWithContext(ctx, method, url, body)
	if e != nil {
		return e
	}
	if in != nil {
		req.Header.Set("Content-Type", mimeJson)
	}
	res, e := c.client.Do(req)
	if e != nil {
		return e
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK && res.StatusCode != http.StatusCreated {
		return readError(res)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(res.Body).Decode(out)
}

func (c *Client) download(ctx context.Context, url string, w io.Writer) error {
	req, e := http.NewRequestWithContext(ctx, "GET", url, nil)
	if e != nil {
		return e
	}
	res, e := c.client.Do(req)
	if e != nil {
		return e
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return readError(res)
	}
	_, e = io.Copy(w, res.Body)
	return e
}

// readError decodes the server's Error, falling back to the HTTP status.
func readError(res *http.Response) error {
	e := &Error{}
	b, _ := io.ReadAll(io.LimitReader(res.Body, 64*1024))
	if json.Unmarshal(b, e) != nil || e.Message == "" {
		e.Message = res.Status
		if s := strings.TrimSpace(string(b)); s != "" {
			e.Message = fmt.Sprintf("%s: %s", res.Status, s)
		}
	}
	e.Code = res.StatusCode
	return e
}

// NewClient returns a Client handle.  The transport may be nil to use
// a default transport, but it may also be adjusted to support additional
// options such as TLS.  baseURI is the base URL to use.
func NewClient(t http.RoundTripper, baseURI string) *Client {
	if t == nil {
		t = &http.Transport{}
	}
	return &Client{
		base:   strings.TrimSuffix(baseURI, "/"),
		client: &http.Client{Transport: t},
	}
}
