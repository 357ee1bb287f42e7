package parser

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/shlex"

	"github.com/therealutkarshpriyadarshi/cachestat/pkg/types"
)

// Result classifies a parsed line
type Result int

const (
	// Valid lines carry a usable record
	Valid Result = iota
	// Invalid lines could not be tokenized or lack a required field
	Invalid
	// Filtered lines were rejected by the method or status filters
	Filtered
)

func (r Result) String() string {
	switch r {
	case Valid:
		return "valid"
	case Invalid:
		return "invalid"
	case Filtered:
		return "filtered"
	default:
		return fmt.Sprintf("result(%d)", int(r))
	}
}

// Default 1-based field positions
const (
	DefaultCacheStatusField = 14
	DefaultSizeField        = 7
	DefaultRequestField     = 5
	DefaultStatusField      = 6
)

// Config holds field positions (1-based) and accept filters
type Config struct {
	CacheStatusField int
	SizeField        int
	RequestField     int
	StatusField      int

	// Methods, when non-empty, accepts only requests whose first request
	// token is one of these
	Methods []string

	// MaxStatus, when positive, rejects lines whose status exceeds it
	MaxStatus int
}

// DefaultConfig returns the default field layout with no filters
func DefaultConfig() Config {
	return Config{
		CacheStatusField: DefaultCacheStatusField,
		SizeField:        DefaultSizeField,
		RequestField:     DefaultRequestField,
		StatusField:      DefaultStatusField,
	}
}

// Parser extracts records from access log lines
type Parser struct {
	cfg     Config
	methods map[string]struct{}
}

// New creates a parser; field positions must be 1 or greater
func New(cfg Config) (*Parser, error) {
	fields := map[string]int{
		"cache status": cfg.CacheStatusField,
		"size":         cfg.SizeField,
		"request":      cfg.RequestField,
		"status":       cfg.StatusField,
	}
	for name, idx := range fields {
		if idx < 1 {
			return nil, fmt.Errorf("%s field must be 1 or greater, got %d", name, idx)
		}
	}

	p := &Parser{cfg: cfg}
	if len(cfg.Methods) > 0 {
		p.methods = make(map[string]struct{}, len(cfg.Methods))
		for _, m := range cfg.Methods {
			p.methods[m] = struct{}{}
		}
	}
	return p, nil
}

// Parse tokenizes line with shell quoting rules and extracts the configured
// fields
func (p *Parser) Parse(line string) (types.Record, Result) {
	fields, err := shlex.Split(line)
	if err != nil {
		return types.Record{}, Invalid
	}

	cacheStatus, ok := field(fields, p.cfg.CacheStatusField)
	if !ok {
		return types.Record{}, Invalid
	}

	sizeField, ok := field(fields, p.cfg.SizeField)
	if !ok {
		return types.Record{}, Invalid
	}
	size, err := strconv.ParseInt(sizeField, 10, 64)
	if err != nil {
		return types.Record{}, Invalid
	}

	statusField, ok := field(fields, p.cfg.StatusField)
	if !ok {
		return types.Record{}, Invalid
	}
	status, err := strconv.Atoi(statusField)
	if err != nil {
		return types.Record{}, Invalid
	}

	var method string
	if request, ok := field(fields, p.cfg.RequestField); ok {
		if parts := strings.Fields(request); len(parts) > 0 {
			method = parts[0]
		}
	} else if p.methods != nil {
		return types.Record{}, Invalid
	}

	if p.methods != nil {
		if _, allowed := p.methods[method]; !allowed {
			return types.Record{}, Filtered
		}
	}
	if p.cfg.MaxStatus > 0 && status > p.cfg.MaxStatus {
		return types.Record{}, Filtered
	}

	return types.Record{
		CacheStatus: normalizeCacheStatus(cacheStatus),
		Size:        size,
		Status:      status,
		Method:      method,
	}, Valid
}

func field(fields []string, pos int) (string, bool) {
	if pos < 1 || pos > len(fields) {
		return "", false
	}
	return fields[pos-1], true
}

func normalizeCacheStatus(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" || s == "-" {
		return types.NoCacheStatus
	}
	return s
}
