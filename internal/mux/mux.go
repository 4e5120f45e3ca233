// Package mux abstracts the terminal multiplexer the sessions live in. The
// probe and dispatcher only ever touch sessions through this surface.
package mux

import "context"

// Window is one multiplexer window hosting a session.
type Window struct {
	Name string
}

// Multiplexer is the control surface over the terminal multiplexer. Every
// call honors the context deadline and never blocks the caller beyond it.
type Multiplexer interface {
	// ListWindows enumerates the windows currently present.
	ListWindows(ctx context.Context) ([]Window, error)

	// CaptureOutput returns the last n lines of a window's pane.
	CaptureOutput(ctx context.Context, window string, lastLines int) (string, error)

	// SendText types text into the window without submitting it.
	SendText(ctx context.Context, window, text string) error

	// SendSubmit presses enter in the window.
	SendSubmit(ctx context.Context, window string) error
}
