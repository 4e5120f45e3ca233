package mux

import (
	"context"
	"sync"
)

// Mock is an in-memory Multiplexer for tests and dry runs. Window content is
// set by the test; sent text is recorded per window.
type Mock struct {
	mu      sync.Mutex
	windows map[string]string // name -> pane content
	sent    map[string][]string
	submits map[string]int

	// FailSends makes SendText return the given error when set.
	FailSends error
}

// NewMock creates an empty mock multiplexer.
func NewMock() *Mock {
	return &Mock{
		windows: make(map[string]string),
		sent:    make(map[string][]string),
		submits: make(map[string]int),
	}
}

// SetWindow creates or updates a window with the given pane content.
func (m *Mock) SetWindow(name, content string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.windows[name] = content
}

// RemoveWindow deletes a window, simulating a closed session.
func (m *Mock) RemoveWindow(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.windows, name)
}

// Sent returns the text sent to a window, in order.
func (m *Mock) Sent(name string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.sent[name]))
	copy(out, m.sent[name])
	return out
}

// Submits returns how many times enter was pressed in a window.
func (m *Mock) Submits(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.submits[name]
}

func (m *Mock) ListWindows(ctx context.Context) ([]Window, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	windows := make([]Window, 0, len(m.windows))
	for name := range m.windows {
		windows = append(windows, Window{Name: name})
	}
	return windows, nil
}

func (m *Mock) CaptureOutput(ctx context.Context, window string, lastLines int) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.windows[window], nil
}

func (m *Mock) SendText(ctx context.Context, window, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailSends != nil {
		return m.FailSends
	}
	m.sent[window] = append(m.sent[window], text)
	return nil
}

func (m *Mock) SendSubmit(ctx context.Context, window string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailSends != nil {
		return m.FailSends
	}
	m.submits[window]++
	return nil
}
