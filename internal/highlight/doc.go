// Package highlight marks the words an evaluation reported as mismatched
// inside a reference sentence, producing HTML-safe text.
package highlight
