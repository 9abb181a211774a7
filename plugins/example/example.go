// Package example is the demonstration plugin: GET /N answers N bytes of
// 'x'. A "hard" query parameter moves the request to the hard tier.
//
// Params are URL-query encoded; "max" caps N (default 1MiB), e.g.
// "max=64KiB".
package example

import (
	"bytes"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/searchktools/blizzard/core/plugin"
	"github.com/searchktools/blizzard/internal/logger"
)

// Name is the registry name of the plugin.
const Name = "example"

// DefaultMax caps the response size unless params say otherwise.
const DefaultMax = 1 << 20

func init() {
	plugin.Register(Name, New)
}

// Plugin answers with runs of 'x'.
type Plugin struct {
	plugin.Base
	fill []byte
}

// New returns an unloaded plugin.
func New() plugin.Plugin {
	return &Plugin{}
}

func (p *Plugin) Load(params string) error {
	limit := uint64(DefaultMax)
	q, err := url.ParseQuery(params)
	if err != nil {
		return fmt.Errorf("example: params: %w", err)
	}
	if s := q.Get("max"); s != "" {
		if limit, err = humanize.ParseBytes(s); err != nil {
			return fmt.Errorf("example: max: %w", err)
		}
	}
	p.fill = bytes.Repeat([]byte{'x'}, int(limit))
	logger.Info("example plugin loaded (max %s)", humanize.IBytes(limit))
	return nil
}

func (p *Plugin) Easy(t plugin.Task) plugin.Status {
	if wantsHard(t.Query()) {
		return plugin.Again
	}
	return p.answer(t)
}

func (p *Plugin) Hard(t plugin.Task) plugin.Status {
	return p.answer(t)
}

func (p *Plugin) answer(t plugin.Task) plugin.Status {
	n, err := strconv.Atoi(strings.TrimPrefix(t.Path(), "/"))
	if err != nil || n < 0 {
		n = 0
	}
	if n > len(p.fill) {
		t.SetStatus(413)
		return plugin.OK
	}

	t.SetStatus(200)
	if err := t.AddHeader("Content-type", "text/plain; charset=utf-8"); err != nil {
		logger.Error("example: %v", err)
		return plugin.Error
	}
	if _, err := t.Write(p.fill[:n]); err != nil {
		logger.Error("example: %v", err)
		return plugin.Error
	}
	return plugin.OK
}

func wantsHard(query string) bool {
	for part := range strings.SplitSeq(query, "&") {
		if k, _, _ := strings.Cut(part, "="); k == "hard" {
			return true
		}
	}
	return false
}
