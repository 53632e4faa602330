package crawler

import (
	"context"
	"errors"
)

// Error kinds surfaced by the pipeline. Adapters wrap them with context and
// callers match with errors.Is.
var (
	ErrFetch        = errors.New("fetch error")
	ErrFetchTimeout = errors.New("fetch timeout")
	ErrRender       = errors.New("render error")
	ErrOCR          = errors.New("ocr error")
	ErrPersistence  = errors.New("persistence error")
	ErrLLMTimeout   = errors.New("llm timeout")
	ErrLLMTransport = errors.New("llm transport error")
	ErrLLMParse     = errors.New("llm parse error")
	ErrVectorStore  = errors.New("vector store error")
	ErrQueueFull    = errors.New("queue full")
	ErrTaskNotFound = errors.New("task not found")
	ErrNotFound     = errors.New("not found")
)

// Checked in order: a persistence error that wraps an adapter failure reports
// the adapter kind.
var errorKinds = []struct {
	err  error
	name string
}{
	{ErrFetchTimeout, "FetchTimeout"},
	{ErrFetch, "FetchError"},
	{ErrRender, "RenderError"},
	{ErrOCR, "OCRError"},
	{ErrLLMTimeout, "LLMTimeout"},
	{ErrLLMTransport, "LLMTransportError"},
	{ErrLLMParse, "LLMParseError"},
	{ErrVectorStore, "VectorStoreError"},
	{ErrPersistence, "PersistenceError"},
	{ErrQueueFull, "QueueFull"},
}

// ErrorKind returns the design-level name of err, or "Error" when it does not
// wrap any known kind.
func ErrorKind(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range errorKinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "Timeout"
	}
	return "Error"
}
