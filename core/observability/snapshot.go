package observability

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/valyala/bytebufferpool"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/searchktools/blizzard/core/pools"
)

// Snapshot is a point-in-time view of the server.
type Snapshot struct {
	Version    string
	Uptime     time.Duration
	RPS        float64
	FDCount    int
	Requests   uint64
	Queues     Queues
	ConnTime   ConnTime
	Pages      int
	Objects    int
	UserTime   time.Duration
	SystemTime time.Duration
	Buffers    pools.BytePoolStats
	GC         pools.GCStats
}

// Queues holds current lengths and the high-water marks of the last window.
type Queues struct {
	Easy    int `xml:"easy"`
	MaxEasy int `xml:"max_easy"`
	Hard    int `xml:"hard"`
	MaxHard int `xml:"max_hard"`
	Done    int `xml:"done"`
	MaxDone int `xml:"max_done"`
}

// ConnTime is the connection lifetime distribution of the last window.
type ConnTime struct {
	Min time.Duration
	Avg time.Duration
	Max time.Duration
}

// Format selects a status document encoding.
type Format int

const (
	FormatXML Format = iota
	FormatText
	FormatJSON
	FormatProto
)

// ErrUnknownFormat is returned by ParseFormat.
var ErrUnknownFormat = errors.New("observability: unknown format")

// ParseFormat maps a query value to a Format. The empty string is XML.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "", "xml":
		return FormatXML, nil
	case "text", "txt":
		return FormatText, nil
	case "json":
		return FormatJSON, nil
	case "proto", "protobuf":
		return FormatProto, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownFormat, s)
}

// ContentType returns the response content type for f.
func (f Format) ContentType() string {
	switch f {
	case FormatJSON:
		return "application/json"
	case FormatProto:
		return "application/x-protobuf"
	default:
		return "text/plain"
	}
}

func (f Format) String() string {
	switch f {
	case FormatXML:
		return "xml"
	case FormatText:
		return "text"
	case FormatJSON:
		return "json"
	case FormatProto:
		return "proto"
	default:
		return "unknown"
	}
}

// Render encodes the snapshot in format f and writes it to w in one call.
func (s Snapshot) Render(w io.Writer, f Format) error {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	var err error
	switch f {
	case FormatXML:
		err = s.renderXML(buf)
	case FormatText:
		s.renderText(buf)
	case FormatJSON:
		err = s.renderJSON(buf)
	case FormatProto:
		err = s.renderProto(buf)
	default:
		err = fmt.Errorf("%w: %d", ErrUnknownFormat, int(f))
	}
	if err != nil {
		return err
	}
	_, err = w.Write(buf.B)
	return err
}

type xmlDocument struct {
	XMLName  xml.Name `xml:"blizzard_stats"`
	Version  string   `xml:"blizzard_version"`
	Uptime   int64    `xml:"uptime"`
	RPS      string   `xml:"rps"`
	FDCount  int      `xml:"fd_count"`
	Queues   Queues   `xml:"queues"`
	ConnTime struct {
		Min string `xml:"min"`
		Avg string `xml:"avg"`
		Max string `xml:"max"`
	} `xml:"conn_time"`
	Allocator struct {
		Pages   int `xml:"pages"`
		Objects int `xml:"objects"`
	} `xml:"mem_allocator"`
	Rusage struct {
		UTime int64 `xml:"utime"`
		STime int64 `xml:"stime"`
	} `xml:"rusage"`
}

// millis formats a duration as fractional milliseconds.
func millis(d time.Duration) string {
	return fmt.Sprintf("%.4f", float64(d)/float64(time.Millisecond))
}

func (s Snapshot) renderXML(buf *bytebufferpool.ByteBuffer) error {
	doc := xmlDocument{
		Version: s.Version,
		Uptime:  int64(s.Uptime / time.Second),
		RPS:     fmt.Sprintf("%.4f", s.RPS),
		FDCount: s.FDCount,
		Queues:  s.Queues,
	}
	doc.ConnTime.Min = millis(s.ConnTime.Min)
	doc.ConnTime.Avg = millis(s.ConnTime.Avg)
	doc.ConnTime.Max = millis(s.ConnTime.Max)
	doc.Allocator.Pages = s.Pages
	doc.Allocator.Objects = s.Objects
	doc.Rusage.UTime = int64(s.UserTime / time.Second)
	doc.Rusage.STime = int64(s.SystemTime / time.Second)

	out, err := xml.MarshalIndent(doc, "", "\t")
	if err != nil {
		return fmt.Errorf("encode xml status: %w", err)
	}
	buf.Write(out)
	buf.WriteString("\n")
	return nil
}

func (s Snapshot) renderText(buf *bytebufferpool.ByteBuffer) {
	fmt.Fprintf(buf, "blizzard %s, up %s\n", s.Version, s.Uptime.Truncate(time.Second))
	fmt.Fprintf(buf, "requests:    %s (%.2f/s)\n", humanize.Comma(int64(s.Requests)), s.RPS)
	fmt.Fprintf(buf, "connections: %d\n", s.FDCount)
	fmt.Fprintf(buf, "queues:      easy %d/%d  hard %d/%d  done %d/%d\n",
		s.Queues.Easy, s.Queues.MaxEasy, s.Queues.Hard, s.Queues.MaxHard, s.Queues.Done, s.Queues.MaxDone)
	fmt.Fprintf(buf, "conn time:   min %s  avg %s  max %s\n", s.ConnTime.Min, s.ConnTime.Avg, s.ConnTime.Max)
	fmt.Fprintf(buf, "allocator:   %d pages, %s objects\n", s.Pages, humanize.Comma(int64(s.Objects)))
	fmt.Fprintf(buf, "buffers:     %s gets, %.1f%% hit rate\n", humanize.Comma(int64(s.Buffers.Gets)), s.Buffers.HitRate()*100)
	fmt.Fprintf(buf, "heap:        %s of %s, %d GCs, last pause %s\n",
		humanize.IBytes(s.GC.HeapAlloc), humanize.IBytes(s.GC.Sys), s.GC.NumGC, s.GC.LastPause)
	fmt.Fprintf(buf, "goroutines:  %d\n", s.GC.NumGoroutine)
	fmt.Fprintf(buf, "cpu:         user %s  system %s\n", s.UserTime.Truncate(time.Millisecond), s.SystemTime.Truncate(time.Millisecond))
}

// Fields returns the snapshot as a flat-ish map, the shape used by the JSON
// and protobuf documents.
func (s Snapshot) Fields() map[string]any {
	return map[string]any{
		"blizzard_version": s.Version,
		"uptime":           s.Uptime.Seconds(),
		"rps":              s.RPS,
		"requests":         float64(s.Requests),
		"fd_count":         s.FDCount,
		"queues": map[string]any{
			"easy":     s.Queues.Easy,
			"max_easy": s.Queues.MaxEasy,
			"hard":     s.Queues.Hard,
			"max_hard": s.Queues.MaxHard,
			"done":     s.Queues.Done,
			"max_done": s.Queues.MaxDone,
		},
		"conn_time": map[string]any{
			"min": float64(s.ConnTime.Min) / float64(time.Millisecond),
			"avg": float64(s.ConnTime.Avg) / float64(time.Millisecond),
			"max": float64(s.ConnTime.Max) / float64(time.Millisecond),
		},
		"mem_allocator": map[string]any{
			"pages":   s.Pages,
			"objects": s.Objects,
		},
		"rusage": map[string]any{
			"utime": s.UserTime.Seconds(),
			"stime": s.SystemTime.Seconds(),
		},
	}
}

func (s Snapshot) toStruct() (*structpb.Struct, error) {
	st, err := structpb.NewStruct(s.Fields())
	if err != nil {
		return nil, fmt.Errorf("build status struct: %w", err)
	}
	return st, nil
}

func (s Snapshot) renderJSON(buf *bytebufferpool.ByteBuffer) error {
	st, err := s.toStruct()
	if err != nil {
		return err
	}
	out, err := protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode json status: %w", err)
	}
	buf.Write(out)
	buf.WriteString("\n")
	return nil
}

func (s Snapshot) renderProto(buf *bytebufferpool.ByteBuffer) error {
	st, err := s.toStruct()
	if err != nil {
		return err
	}
	out, err := proto.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode proto status: %w", err)
	}
	buf.Write(out)
	return nil
}
