package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/manpreetbhatti/codepad/internal/client"
	"github.com/manpreetbhatti/codepad/internal/langdetect"
)

const help = `lines are appended to the document; commands:
  :show        print the document
  :set TEXT    replace the document with TEXT
  :undo        drop the last line
  :clear       empty the document
  :reconnect   retry after the connection gave up
  :quit        leave the room`

// terminal is a client.Editor over a line-oriented terminal. Remote
// updates are printed; local edits come from Edit.
type terminal struct {
	out io.Writer

	mu       sync.Mutex
	text     string
	lang     langdetect.Language
	handlers []func(string)
}

var _ client.Editor = (*terminal)(nil)

func newTerminal(out io.Writer) *terminal {
	return &terminal{out: out}
}

// SetText is called by the session with remote documents
func (t *terminal) SetText(text string) {
	t.mu.Lock()
	t.text = text
	t.lang = langdetect.Next(t.lang, text)
	lang := t.lang
	handlers := append([]func(string){}, t.handlers...)
	t.mu.Unlock()

	fmt.Fprintf(t.out, "--- document updated (%s) ---\n%s\n---\n", lang, text)
	for _, fn := range handlers {
		fn(text)
	}
}

func (t *terminal) Text() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.text
}

func (t *terminal) OnChange(fn func(text string)) {
	t.mu.Lock()
	t.handlers = append(t.handlers, fn)
	t.mu.Unlock()
}

func (t *terminal) Focus() {
	fmt.Fprintln(t.out, help)
}

// edit applies a local change and notifies the session
func (t *terminal) edit(change func(string) string) {
	t.mu.Lock()
	t.text = change(t.text)
	t.lang = langdetect.Next(t.lang, t.text)
	text := t.text
	handlers := append([]func(string){}, t.handlers...)
	t.mu.Unlock()

	for _, fn := range handlers {
		fn(text)
	}
}

// Edit reads commands from in until EOF, :quit or ctx is done
func (t *terminal) Edit(ctx context.Context, in io.Reader, session *client.Session) error {
	lines := make(chan string)
	errc := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		errc <- scanner.Err()
	}()

	for {
		var line string
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errc:
			return err
		case line = <-lines:
		}

		switch {
		case line == ":quit":
			return nil
		case line == ":show":
			t.mu.Lock()
			fmt.Fprintf(t.out, "--- %s (%s) ---\n%s\n---\n", session.Status(), t.lang, t.text)
			t.mu.Unlock()
		case line == ":clear":
			t.edit(func(string) string { return "" })
		case line == ":undo":
			t.edit(dropLastLine)
		case line == ":reconnect":
			session.Reconnect()
		case strings.HasPrefix(line, ":set "):
			text := strings.TrimPrefix(line, ":set ")
			t.edit(func(string) string { return text })
		default:
			t.edit(func(doc string) string {
				if doc == "" {
					return line
				}
				return doc + "\n" + line
			})
		}
	}
}

func dropLastLine(doc string) string {
	i := strings.LastIndexByte(doc, '\n')
	if i < 0 {
		return ""
	}
	return doc[:i]
}
