package memory

import (
	"context"
	"fmt"
)

var errTest = fmt.Errorf("induced test failure")

// fakeEmbedder returns canned unit vectors per text so distances in tests
// are exact.
type fakeEmbedder struct {
	vectors map[string][]float32
	fail    bool
}

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if f.fail {
		return nil, fmt.Errorf("embedder down")
	}
	vec, ok := f.vectors[text]
	if !ok {
		return nil, fmt.Errorf("no canned vector for %q", text)
	}
	out := make([]float32, len(vec))
	copy(out, vec)
	return out, nil
}

// fakeClassifier drives the pipeline and consolidator tests without an LLM.
type fakeClassifier struct {
	importance    ImportanceResult
	importanceErr error
	facts         []ExtractedFact
	factsErr      error
	batch         string
	batchErr      error
	reformulated  string
	reformErr     error

	importanceCalls int
	extractCalls    int
	batchCalls      int
	batchInputs     []string
}

func (f *fakeClassifier) DetectImportance(_ context.Context, _ string, _ []CacheEntry) (ImportanceResult, error) {
	f.importanceCalls++
	return f.importance, f.importanceErr
}

func (f *fakeClassifier) ExtractFacts(_ context.Context, _ string, _ []CacheEntry) ([]ExtractedFact, error) {
	f.extractCalls++
	return f.facts, f.factsErr
}

func (f *fakeClassifier) ExtractBatch(_ context.Context, conversation string) (string, error) {
	f.batchCalls++
	f.batchInputs = append(f.batchInputs, conversation)
	return f.batch, f.batchErr
}

func (f *fakeClassifier) ReformulateQuery(_ context.Context, query string, _ []CacheEntry) (string, error) {
	if f.reformErr != nil {
		return "", f.reformErr
	}
	if f.reformulated != "" {
		return f.reformulated, nil
	}
	return query, nil
}
