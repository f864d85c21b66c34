package transcript

import "strings"

// Buffer reconciles partial and final transcript text for one capture
// session. Final text only grows; the partial is replaced per event and
// cleared by the next final. The displayed text never gets shorter except
// on Reset.
type Buffer struct {
	final   string
	partial string
}

// ApplyPartial replaces the partial text. Within one connection a partial
// that would shorten the displayed text is ignored and reported as
// unchanged; DropPartial clears the comparison when the connection changes.
func (b *Buffer) ApplyPartial(text string) (display string, changed bool) {
	text = strings.TrimSpace(text)
	if len(text) < len(b.partial) {
		return b.Display(), false
	}
	if text == b.partial {
		return b.Display(), false
	}
	b.partial = text
	return b.Display(), true
}

// ApplyFinal appends text to the final transcript and clears the partial.
func (b *Buffer) ApplyFinal(text string) string {
	text = strings.TrimSpace(text)
	b.final = join(b.final, text)
	b.partial = ""
	return b.Display()
}

// DropPartial discards provisional text that no longer has a live source,
// such as the partial of a connection that was lost. It reports whether
// anything was dropped.
func (b *Buffer) DropPartial() (display string, dropped bool) {
	if b.partial == "" {
		return b.Display(), false
	}
	b.partial = ""
	return b.Display(), true
}

// Final returns the committed text.
func (b *Buffer) Final() string { return b.final }

// Partial returns the provisional text.
func (b *Buffer) Partial() string { return b.partial }

// Display is final followed by partial.
func (b *Buffer) Display() string { return join(b.final, b.partial) }

// Reset clears both halves.
func (b *Buffer) Reset() {
	b.final = ""
	b.partial = ""
}

func join(head, tail string) string {
	switch {
	case tail == "":
		return head
	case head == "":
		return tail
	case attaches(tail):
		return head + tail
	default:
		return head + " " + tail
	}
}
