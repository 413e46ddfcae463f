// Package mocks provides hand-written test doubles for the converter,
// reload and observer interfaces.
package mocks

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pageforge/pageforge/pkg/converter"
	"github.com/pageforge/pageforge/pkg/reload"
	"github.com/pageforge/pageforge/pkg/types"
)

// ConvertCall records one Convert invocation
type ConvertCall struct {
	Source  converter.Source
	DestDir string
	Options converter.Options
}

// MockConverter is a configurable converter.Converter
type MockConverter struct {
	name string

	mu      sync.Mutex
	calls   []ConvertCall
	err     error
	delay   time.Duration
	block   chan struct{}
	outputs []string
	panicV  interface{}
}

// NewMockConverter creates a mock converter
func NewMockConverter(name string) *MockConverter {
	return &MockConverter{name: name}
}

// Name implements converter.Converter
func (m *MockConverter) Name() string {
	return m.name
}

// Convert records the call, waits for any configured delay or block, then
// writes the configured outputs into destDir.
func (m *MockConverter) Convert(ctx context.Context, src converter.Source, destDir string, opts converter.Options) error {
	m.mu.Lock()
	m.calls = append(m.calls, ConvertCall{Source: src, DestDir: destDir, Options: opts})
	err, delay, block, outputs, panicV := m.err, m.delay, m.block, m.outputs, m.panicV
	m.mu.Unlock()

	if panicV != nil {
		panic(panicV)
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err != nil {
		return err
	}

	for _, rel := range outputs {
		target := filepath.Join(destDir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(target, []byte(m.name), 0o644); err != nil {
			return err
		}
	}
	return nil
}

// Outputs implements converter.Planner using the configured outputs
func (m *MockConverter) Outputs(_ converter.Source, destDir string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	paths := make([]string, 0, len(m.outputs))
	for _, rel := range m.outputs {
		paths = append(paths, filepath.Join(destDir, filepath.FromSlash(rel)))
	}
	return paths, nil
}

// SetError makes every following Convert call fail with err
func (m *MockConverter) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// SetDelay makes Convert sleep before returning
func (m *MockConverter) SetDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
}

// SetBlock makes Convert wait until ch is closed or receives
func (m *MockConverter) SetBlock(ch chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.block = ch
}

// SetPanic makes Convert panic with v
func (m *MockConverter) SetPanic(v interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.panicV = v
}

// SetOutputs sets the relative files Convert writes and Outputs reports
func (m *MockConverter) SetOutputs(rel ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outputs = rel
}

// Calls returns a copy of the recorded calls
func (m *MockConverter) Calls() []ConvertCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ConvertCall(nil), m.calls...)
}

// CallCount returns the number of Convert calls
func (m *MockConverter) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// MockConverters hands out one MockConverter per asset type
type MockConverters struct {
	Assets       map[types.AssetType]*MockConverter
	UserefMock   *MockConverter
	mu           sync.Mutex
	templateData map[string]interface{}
}

// NewMockConverters creates mocks for every asset type and useref
func NewMockConverters() *MockConverters {
	m := &MockConverters{
		Assets:     make(map[types.AssetType]*MockConverter),
		UserefMock: NewMockConverter("useref"),
	}
	for _, asset := range []types.AssetType{
		types.AssetStyles, types.AssetHTMLs, types.AssetScripts,
		types.AssetImages, types.AssetFonts, types.AssetPublic,
	} {
		m.Assets[asset] = NewMockConverter(string(asset))
	}
	return m
}

// ForAsset returns the mock for asset
func (m *MockConverters) ForAsset(asset types.AssetType) (converter.Converter, error) {
	return m.Assets[asset], nil
}

// Useref returns the useref mock
func (m *MockConverters) Useref() converter.Converter {
	return m.UserefMock
}

// SetTemplateData records the data
func (m *MockConverters) SetTemplateData(data map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.templateData = data
}

// TemplateData returns the last data passed to SetTemplateData
func (m *MockConverters) TemplateData() map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.templateData
}

// MockNotifier records reload notifications
type MockNotifier struct {
	mu     sync.Mutex
	scopes []reload.Scope
	ch     chan reload.Scope
}

// NewMockNotifier creates a notifier. Scopes are also sent on a buffered
// channel so tests can wait for them.
func NewMockNotifier() *MockNotifier {
	return &MockNotifier{ch: make(chan reload.Scope, 64)}
}

// Notify implements reload.Notifier
func (m *MockNotifier) Notify(scope reload.Scope) {
	m.mu.Lock()
	m.scopes = append(m.scopes, scope)
	m.mu.Unlock()

	select {
	case m.ch <- scope:
	default:
	}
}

// Scopes returns the recorded scopes in order
func (m *MockNotifier) Scopes() []reload.Scope {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]reload.Scope(nil), m.scopes...)
}

// C returns the notification channel
func (m *MockNotifier) C() <-chan reload.Scope {
	return m.ch
}

// MockObserver records task lifecycle events
type MockObserver struct {
	mu       sync.Mutex
	started  []string
	finished []types.TaskReport
}

// NewMockObserver creates an observer
func NewMockObserver() *MockObserver {
	return &MockObserver{}
}

// TaskStarted implements types.Observer
func (m *MockObserver) TaskStarted(_ context.Context, name string, _ types.TaskKind) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started = append(m.started, name)
}

// TaskFinished implements types.Observer
func (m *MockObserver) TaskFinished(_ context.Context, report types.TaskReport) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finished = append(m.finished, report)
}

// Started returns the names of started tasks in order
func (m *MockObserver) Started() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.started...)
}

// Finished returns the reports received
func (m *MockObserver) Finished() []types.TaskReport {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]types.TaskReport(nil), m.finished...)
}

// Report returns the last report for a task
func (m *MockObserver) Report(name string) (types.TaskReport, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.finished) - 1; i >= 0; i-- {
		if m.finished[i].Name == name {
			return m.finished[i], true
		}
	}
	return types.TaskReport{}, false
}
