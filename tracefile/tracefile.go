// Package tracefile reads Trace Event Format documents produced by the
// recorder, including ones cut short before their closing token was written.
package tracefile

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/exp/mmap"
)

// ErrNotTrace is returned for input that does not start a JSON array.
var ErrNotTrace = errors.New("tracefile: not a trace document")

// Args carries the synthesized location strings of an item.
type Args struct {
	Function string `json:"function"`
	Caller   string `json:"caller"`
}

// Item is one serialized call or return.
type Item struct {
	Name string `json:"name"`
	Cat  string `json:"cat"`
	TID  int    `json:"tid"`
	Ph   string `json:"ph"`
	PID  int    `json:"pid"`
	TS   int64  `json:"ts"`
	Args Args   `json:"args"`
}

// Document is a parsed trace. Items never include the trailing empty
// object sentinel.
type Document struct {
	Items []Item
	// Sealed is set when the empty object sentinel closed the array.
	Sealed bool
	// Truncated is set when the array was never closed and only the
	// complete items before the cut were kept.
	Truncated bool

	// end is the offset just past the last complete item.
	end int64
}

// Summary counts what a document holds.
type Summary struct {
	Items   int `json:"items"`
	Begins  int `json:"begins"`
	Ends    int `json:"ends"`
	Threads int `json:"threads"`
}

// Parse decodes a complete document.
func Parse(data []byte) (*Document, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("tracefile: parse: %w", err)
	}
	doc := &Document{Items: make([]Item, 0, len(raw))}
	for i, r := range raw {
		if isEmptyObject(r) {
			if i == len(raw)-1 {
				doc.Sealed = true
			}
			continue
		}
		var it Item
		if err := json.Unmarshal(r, &it); err != nil {
			return nil, fmt.Errorf("tracefile: item %d: %w", i, err)
		}
		doc.Items = append(doc.Items, it)
	}
	doc.end = int64(len(data))
	return doc, nil
}

// Recover decodes as many complete items as possible from a document that
// may be missing its closer.
func Recover(data []byte) (*Document, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil || tok != json.Delim('[') {
		return nil, ErrNotTrace
	}

	doc := &Document{end: dec.InputOffset()}
	for dec.More() {
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			doc.Truncated = true
			return doc, nil
		}
		offset := dec.InputOffset()
		if isEmptyObject(raw) {
			continue
		}
		var it Item
		if err := json.Unmarshal(raw, &it); err != nil {
			doc.Truncated = true
			return doc, nil
		}
		doc.Items = append(doc.Items, it)
		doc.end = offset
	}

	tok, err = dec.Token()
	if err != nil || tok != json.Delim(']') {
		doc.Truncated = true
		return doc, nil
	}
	doc.Sealed = bytes.HasSuffix(bytes.TrimSpace(data), []byte("{}]"))
	doc.end = dec.InputOffset()
	return doc, nil
}

// Load reads the file at path through a memory map, falling back to
// recovery when the strict parse fails.
func Load(path string) (*Document, error) {
	data, err := readMapped(path)
	if err != nil {
		return nil, err
	}
	if doc, err := Parse(data); err == nil {
		return doc, nil
	}
	return Recover(data)
}

func readMapped(path string) ([]byte, error) {
	r, err := mmap.Open(path)
	if err != nil {
		return nil, fmt.Errorf("tracefile: open: %w", err)
	}
	defer r.Close()

	data := make([]byte, r.Len())
	if _, err := r.ReadAt(data, 0); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("tracefile: read: %w", err)
	}
	return data, nil
}

// Repair seals a truncated document in place: everything after the last
// complete item is dropped and the closer appended. Sealed files are left
// untouched.
func Repair(path string) (*Document, error) {
	data, err := readMapped(path)
	if err != nil {
		return nil, err
	}
	doc, err := Recover(data)
	if err != nil {
		return nil, err
	}
	if !doc.Truncated {
		return doc, nil
	}

	var repaired bytes.Buffer
	repaired.Grow(int(doc.end) + 4)
	repaired.Write(data[:doc.end])
	if len(doc.Items) > 0 {
		repaired.WriteByte(',')
	}
	repaired.WriteString("{}]")

	tmp := path + ".repair"
	if err := os.WriteFile(tmp, repaired.Bytes(), 0600); err != nil {
		return nil, fmt.Errorf("tracefile: repair: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return nil, fmt.Errorf("tracefile: repair: %w", err)
	}
	doc.Truncated = false
	doc.Sealed = true
	return doc, nil
}

// Check verifies the recorder's guarantees: only begin/end phases and
// timestamps that never decrease.
func (d *Document) Check() error {
	var last int64
	for i, it := range d.Items {
		if it.Ph != "B" && it.Ph != "E" {
			return fmt.Errorf("tracefile: item %d: unexpected phase %q", i, it.Ph)
		}
		if i > 0 && it.TS < last {
			return fmt.Errorf("tracefile: item %d: timestamp %d before %d", i, it.TS, last)
		}
		last = it.TS
	}
	return nil
}

// Summarize counts phases and distinct threads.
func (d *Document) Summarize() Summary {
	s := Summary{Items: len(d.Items)}
	threads := make(map[[2]int]struct{})
	for _, it := range d.Items {
		switch it.Ph {
		case "B":
			s.Begins++
		case "E":
			s.Ends++
		}
		threads[[2]int{it.PID, it.TID}] = struct{}{}
	}
	s.Threads = len(threads)
	return s
}

func isEmptyObject(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("{}"))
}
