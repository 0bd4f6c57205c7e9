package client

import "sync"

// Editor is the text widget a session keeps in sync. SetText may invoke the
// OnChange handlers synchronously, as most editor widgets do for
// programmatic edits.
type Editor interface {
	SetText(text string)
	Text() string
	OnChange(fn func(text string))
	Focus()
}

// Buffer is an in-memory Editor
type Buffer struct {
	mu       sync.Mutex
	text     string
	focused  bool
	handlers []func(string)
}

func NewBuffer(text string) *Buffer {
	return &Buffer{text: text}
}

// SetText replaces the text and notifies every handler
func (b *Buffer) SetText(text string) {
	b.mu.Lock()
	b.text = text
	handlers := append([]func(string){}, b.handlers...)
	b.mu.Unlock()

	for _, fn := range handlers {
		fn(text)
	}
}

// Type is a user edit. For a Buffer it is the same as SetText.
func (b *Buffer) Type(text string) {
	b.SetText(text)
}

func (b *Buffer) Text() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.text
}

func (b *Buffer) OnChange(fn func(text string)) {
	b.mu.Lock()
	b.handlers = append(b.handlers, fn)
	b.mu.Unlock()
}

func (b *Buffer) Focus() {
	b.mu.Lock()
	b.focused = true
	b.mu.Unlock()
}

func (b *Buffer) Focused() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.focused
}
