package session

import "collabmd/internal/crdt"

// Writer applies editing-surface mutations. Outside a live room edits only
// touch the local buffer; inside one they go through the shared document.
type Writer interface {
	Replace(content string)
	Insert(pos int, text string)
	Delete(pos, length int)
}

type localWriter struct {
	c *Controller
}

func (w localWriter) Replace(content string) {
	w.c.setBuffer(content)
}

func (w localWriter) Insert(pos int, text string) {
	w.c.editBuffer(func(runes []rune) []rune {
		pos = clamp(pos, len(runes))
		out := make([]rune, 0, len(runes)+len(text))
		out = append(out, runes[:pos]...)
		out = append(out, []rune(text)...)
		return append(out, runes[pos:]...)
	})
}

func (w localWriter) Delete(pos, length int) {
	w.c.editBuffer(func(runes []rune) []rune {
		pos = clamp(pos, len(runes))
		end := clamp(pos+max(length, 0), len(runes))
		return append(runes[:pos:pos], runes[end:]...)
	})
}

type docWriter struct {
	doc *crdt.Doc
}

func (w docWriter) Replace(content string) {
	w.doc.ApplyText(content)
}

func (w docWriter) Insert(pos int, text string) {
	w.doc.Insert(pos, text)
}

func (w docWriter) Delete(pos, length int) {
	w.doc.Delete(pos, length)
}

func clamp(v, hi int) int {
	return min(max(v, 0), hi)
}
