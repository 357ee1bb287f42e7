package types

// NoCacheStatus is the cache status recorded for lines whose cache-status
// field is "-" or empty.
const NoCacheStatus = "-"

// Record holds the fields extracted from one access log line
type Record struct {
	CacheStatus string `json:"cache_status"`
	Size        int64  `json:"size"`
	Status      int    `json:"status"`
	Method      string `json:"method,omitempty"`
}

// FilePosition tracks the current position in a file
type FilePosition struct {
	Inode  uint64 `json:"inode"`
	Offset int64  `json:"offset"`
}

// ParserStats tracks line classification counts
type ParserStats struct {
	Parsed   int64 `json:"parsed"`
	Failed   int64 `json:"failed"`
	Filtered int64 `json:"filtered"`
}
