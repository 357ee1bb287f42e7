package parser

import (
	"testing"

	"github.com/therealutkarshpriyadarshi/cachestat/pkg/types"
)

// Access log line laid out for the default field positions.
const combinedLine = `10.0.0.1 - - [14/Oct/2026:10:00:00+0000] "GET /index.html HTTP/1.1" 200 5120 "-" "curl/8.0" 0.002 upstream:80 "-" host.example HIT`

func TestNew(t *testing.T) {
	if _, err := New(DefaultConfig()); err != nil {
		t.Fatalf("New(DefaultConfig()) error = %v", err)
	}

	cfg := DefaultConfig()
	cfg.SizeField = 0
	if _, err := New(cfg); err == nil {
		t.Error("Expected error for zero field position")
	}
}

func TestParseScenario(t *testing.T) {
	p, err := New(Config{
		CacheStatusField: 7,
		SizeField:        3,
		RequestField:     4,
		StatusField:      6,
		Methods:          []string{"GET"},
		MaxStatus:        499,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	rec, res := p.Parse("- 200 1024 GET /x 200 MISS")
	if res != Valid {
		t.Fatalf("Parse() result = %v, want valid", res)
	}

	want := types.Record{CacheStatus: "miss", Size: 1024, Status: 200, Method: "GET"}
	if rec != want {
		t.Errorf("Parse() = %+v, want %+v", rec, want)
	}
}

func TestParseDefaultLayout(t *testing.T) {
	p, err := New(DefaultConfig())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	rec, res := p.Parse(combinedLine)
	if res != Valid {
		t.Fatalf("Parse() result = %v, want valid", res)
	}
	if rec.CacheStatus != "hit" {
		t.Errorf("CacheStatus = %q, want hit", rec.CacheStatus)
	}
	if rec.Size != 5120 {
		t.Errorf("Size = %d, want 5120", rec.Size)
	}
	if rec.Status != 200 {
		t.Errorf("Status = %d, want 200", rec.Status)
	}
	if rec.Method != "GET" {
		t.Errorf("Method = %q, want GET", rec.Method)
	}
}

func TestParse(t *testing.T) {
	cfg := Config{
		CacheStatusField: 4,
		SizeField:        3,
		RequestField:     1,
		StatusField:      2,
	}

	tests := []struct {
		name      string
		line      string
		methods   []string
		maxStatus int
		want      Result
		status    string
	}{
		{name: "valid", line: `"GET /a HTTP/1.1" 200 10 MISS`, want: Valid, status: "miss"},
		{name: "missing cache status", line: `"GET /a HTTP/1.1" 200 10 -`, want: Valid, status: types.NoCacheStatus},
		{name: "quoted cache status", line: `"GET /a" 200 10 "TCP_HIT/200"`, want: Valid, status: "tcp_hit/200"},
		{name: "too few fields", line: `"GET /a HTTP/1.1" 200 10`, want: Invalid},
		{name: "non numeric size", line: `"GET /a" 200 - MISS`, want: Invalid},
		{name: "non numeric status", line: `"GET /a" abc 10 MISS`, want: Invalid},
		{name: "unbalanced quote", line: `"GET /a 200 10 MISS`, want: Invalid},
		{name: "empty line", line: ``, want: Invalid},
		{name: "method allowed", line: `"HEAD /a" 200 10 HIT`, methods: []string{"GET", "HEAD"}, want: Valid, status: "hit"},
		{name: "method rejected", line: `"POST /a" 200 10 HIT`, methods: []string{"GET"}, want: Filtered},
		{name: "status at bound", line: `"GET /a" 499 10 HIT`, maxStatus: 499, want: Valid, status: "hit"},
		{name: "status above bound", line: `"GET /a" 500 10 HIT`, maxStatus: 499, want: Filtered},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := cfg
			c.Methods = tt.methods
			c.MaxStatus = tt.maxStatus

			p, err := New(c)
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}

			rec, res := p.Parse(tt.line)
			if res != tt.want {
				t.Fatalf("Parse(%q) result = %v, want %v", tt.line, res, tt.want)
			}
			if res == Valid && rec.CacheStatus != tt.status {
				t.Errorf("CacheStatus = %q, want %q", rec.CacheStatus, tt.status)
			}
		})
	}
}

func TestParseShortLineIsInvalid(t *testing.T) {
	p, err := New(DefaultConfig())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	// Six fields, size is expected in the seventh
	if _, res := p.Parse("a b c d e f"); res != Invalid {
		t.Errorf("Parse() result = %v, want invalid", res)
	}
}
