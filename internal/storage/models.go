package storage

import "time"

// QueryRecord is one finished query as kept in the usage log. Token counts
// are nil when the provider did not report them.
type QueryRecord struct {
	ID                  string
	Owner               string
	Provider            string
	Model               string
	ExitCode            int
	ResponseChars       int
	Empty               bool
	InputTokens         *int
	OutputTokens        *int
	CachedTokens        *int
	CacheCreationTokens *int
	CreatedAt           time.Time
	FinishedAt          time.Time
}

type ProviderUsage struct {
	Provider     string
	Queries      int64
	Empty        int64
	InputTokens  int64
	OutputTokens int64
	CachedTokens int64
}
