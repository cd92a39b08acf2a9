package models

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"
)

// ReferencesKey is the section entry that carries the bibliography.
const ReferencesKey = "References"

// StructuredDocument is the normalized form of one extraction response.
type StructuredDocument struct {
	Title    string           `json:"title"`
	Authors  Authors          `json:"authors"`
	Abstract string           `json:"abstract"`
	Sections Sections         `json:"sections"`
	Images   map[string]Image `json:"images"`
}

// Envelope is the top-level object the extraction contract asks for.
type Envelope struct {
	Data *StructuredDocument `json:"data"`
}

// Corpus maps document ids to their structured content.
type Corpus map[string]StructuredDocument

// Reference is one bibliography entry.
type Reference struct {
	Title    string  `json:"title"`
	Authors  Authors `json:"authors"`
	Citation string  `json:"citation"`
}

// Image describes a figure or table found in the document.
type Image struct {
	Desc     string `json:"image_desc"`
	Location string `json:"image_location"`
}

// Authors accepts either a comma separated string or a list of names and
// always encodes as a single string.
type Authors string

func (a *Authors) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*a = ""
		return nil
	}
	if len(b) > 0 && b[0] == '[' {
		var names []string
		if err := json.Unmarshal(b, &names); err != nil {
			return eris.Wrap(err, "authors: expected a list of strings")
		}
		*a = Authors(strings.Join(names, ", "))
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return eris.Wrap(err, "authors: expected a string")
	}
	*a = Authors(s)
	return nil
}

// Section is one named block of body text.
type Section struct {
	Name string
	Text string
}

// Sections keeps body sections in document order. The bibliography lives
// beside them and is encoded under ReferencesKey.
type Sections struct {
	Entries    []Section
	References []Reference
}

// Get returns the text of the named section.
func (s Sections) Get(name string) (string, bool) {
	for _, e := range s.Entries {
		if e.Name == name {
			return e.Text, true
		}
	}
	return "", false
}

// Names lists section names in document order.
func (s Sections) Names() []string {
	names := make([]string, 0, len(s.Entries))
	for _, e := range s.Entries {
		names = append(names, e.Name)
	}
	return names
}

func (s Sections) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, e := range s.Entries {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeMember(&buf, e.Name, e.Text); err != nil {
			return nil, err
		}
	}
	if s.References != nil {
		if len(s.Entries) > 0 {
			buf.WriteByte(',')
		}
		if err := writeMember(&buf, ReferencesKey, s.References); err != nil {
			return nil, err
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func writeMember(buf *bytes.Buffer, key string, value any) error {
	k, err := json.Marshal(key)
	if err != nil {
		return err
	}
	v, err := json.Marshal(value)
	if err != nil {
		return eris.Wrapf(err, "sections: encode %q", key)
	}
	buf.Write(k)
	buf.WriteByte(':')
	buf.Write(v)
	return nil
}

func (s *Sections) UnmarshalJSON(b []byte) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	tok, err := dec.Token()
	if err != nil {
		return eris.Wrap(err, "sections: read")
	}
	if tok == nil {
		*s = Sections{}
		return nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return eris.New("sections: expected an object")
	}

	out := Sections{}
	index := make(map[string]int)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return eris.Wrap(err, "sections: read key")
		}
		key, _ := tok.(string)

		if strings.EqualFold(key, ReferencesKey) {
			var refs []Reference
			if err := dec.Decode(&refs); err != nil {
				return eris.Wrap(err, "sections: references must be a list of {title, authors, citation}")
			}
			if out.References == nil {
				out.References = []Reference{}
			}
			out.References = append(out.References, refs...)
			continue
		}

		var text string
		if err := dec.Decode(&text); err != nil {
			return eris.Wrapf(err, "sections: value of %q must be text", key)
		}
		if i, seen := index[key]; seen {
			out.Entries[i].Text = text
			continue
		}
		index[key] = len(out.Entries)
		out.Entries = append(out.Entries, Section{Name: key, Text: text})
	}
	if _, err := dec.Token(); err != nil {
		return eris.Wrap(err, "sections: read end")
	}
	*s = out
	return nil
}
