package item

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	frontMatterDelim = "---\n"
	ResourceDirName  = ".resource"
)

var (
	ErrMalformed = errors.New("item: malformed serialized item")

	regexID         = regexp.MustCompile(`^[0-9a-f]{32}$`)
	regexSystemPath = regexp.MustCompile(`^([0-9a-f]{32})\.md$`)
	regexResourceID = regexp.MustCompile(`:/([0-9a-f]{32})`)
)

// Header is the part of the front matter that stays readable even when the
// item is encrypted.
type Header struct {
	ID                string    `yaml:"id"`
	Type              ModelType `yaml:"type_"`
	CreatedTime       int64     `yaml:"created_time"`
	UpdatedTime       int64     `yaml:"updated_time"`
	EncryptionApplied bool      `yaml:"encryption_applied,omitempty"`
	CipherText        string    `yaml:"encryption_cipher_text,omitempty"`
}

// SystemPath returns the remote path of an item.
func SystemPath(id string) string {
	return id + ".md"
}

// IsSystemPath reports whether p names an item file at the target root.
func IsSystemPath(p string) bool {
	return regexSystemPath.MatchString(p)
}

// PathToID extracts the item id from a path produced by SystemPath.
func PathToID(p string) (string, bool) {
	m := regexSystemPath.FindStringSubmatch(p)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// ResourceBlobPath returns the remote path of a resource's binary payload.
func ResourceBlobPath(id string) string {
	return ResourceDirName + "/" + id
}

// IsValidID reports whether id has the shape produced by NewID.
func IsValidID(id string) bool {
	return regexID.MatchString(id)
}

// Serialize renders an item as YAML front matter followed by its body.
func Serialize(it Item) ([]byte, error) {
	var node yaml.Node
	if err := node.Encode(it); err != nil {
		return nil, fmt.Errorf("encode %s: %w", it.Type(), err)
	}
	if node.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("encode %s: unexpected node kind %d", it.Type(), node.Kind)
	}
	node.Content = append(node.Content,
		&yaml.Node{Kind: yaml.ScalarNode, Value: "type_"},
		&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!int", Value: strconv.Itoa(int(it.Type()))},
	)

	front, err := yaml.Marshal(&node)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", it.Type(), err)
	}

	var buf bytes.Buffer
	buf.WriteString(frontMatterDelim)
	buf.Write(front)
	buf.WriteString(frontMatterDelim)
	if n, ok := it.(*Note); ok {
		buf.WriteString(n.Body)
	}
	return buf.Bytes(), nil
}

// Unserialize parses the output of Serialize.
func Unserialize(data []byte) (Item, error) {
	front, body, err := splitFrontMatter(data)
	if err != nil {
		return nil, err
	}

	var hdr Header
	if err := yaml.Unmarshal(front, &hdr); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if hdr.EncryptionApplied {
		return nil, fmt.Errorf("%w: item %s is encrypted", ErrMalformed, hdr.ID)
	}
	if !IsValidID(hdr.ID) {
		return nil, fmt.Errorf("%w: invalid id %q", ErrMalformed, hdr.ID)
	}

	it := New(hdr.Type)
	if it == nil {
		return nil, fmt.Errorf("%w: unknown type %d", ErrMalformed, hdr.Type)
	}
	if err := yaml.Unmarshal(front, it); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if n, ok := it.(*Note); ok {
		n.Body = string(body)
	}
	return it, nil
}

// PeekHeader reads the clear-text header of a plain or encrypted item.
func PeekHeader(data []byte) (*Header, error) {
	front, _, err := splitFrontMatter(data)
	if err != nil {
		return nil, err
	}
	var hdr Header
	if err := yaml.Unmarshal(front, &hdr); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if !IsValidID(hdr.ID) || !hdr.Type.Valid() {
		return nil, fmt.Errorf("%w: bad header id=%q type=%d", ErrMalformed, hdr.ID, hdr.Type)
	}
	return &hdr, nil
}

// SerializeEnvelope renders an encrypted item: header only, no body.
func SerializeEnvelope(hdr *Header) ([]byte, error) {
	front, err := yaml.Marshal(hdr)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	var buf bytes.Buffer
	buf.WriteString(frontMatterDelim)
	buf.Write(front)
	buf.WriteString(frontMatterDelim)
	return buf.Bytes(), nil
}

func splitFrontMatter(data []byte) (front, body []byte, err error) {
	if !bytes.HasPrefix(data, []byte(frontMatterDelim)) {
		return nil, nil, fmt.Errorf("%w: missing front matter", ErrMalformed)
	}
	rest := data[len(frontMatterDelim):]
	end := bytes.Index(rest, []byte("\n"+frontMatterDelim))
	if end < 0 {
		// a torn write can leave the closing delimiter without its newline
		if bytes.HasSuffix(rest, []byte("\n---")) {
			return rest[:len(rest)-len("---")], nil, nil
		}
		return nil, nil, fmt.Errorf("%w: unterminated front matter", ErrMalformed)
	}
	return rest[:end+1], rest[end+1+len(frontMatterDelim):], nil
}

// HeaderOf builds the clear-text header for it.
func HeaderOf(it Item) *Header {
	c := it.Base()
	return &Header{
		ID:          c.ID,
		Type:        it.Type(),
		CreatedTime: c.CreatedTime,
		UpdatedTime: c.UpdatedTime,
	}
}

// ResourceIDs returns the ids of resources linked from a note body, in order
// of first appearance.
func ResourceIDs(body string) []string {
	matches := regexResourceID.FindAllStringSubmatch(body, -1)
	seen := make(map[string]struct{}, len(matches))
	ids := make([]string, 0, len(matches))
	for _, m := range matches {
		if _, ok := seen[m[1]]; ok {
			continue
		}
		seen[m[1]] = struct{}{}
		ids = append(ids, m[1])
	}
	return ids
}

// SameContent reports whether a and b carry the same user-visible content.
// Timestamps are ignored.
func SameContent(a, b Item) bool {
	if a == nil || b == nil || a.Type() != b.Type() {
		return false
	}
	switch x := a.(type) {
	case *Note:
		y := b.(*Note)
		return x.ParentID == y.ParentID && x.Title == y.Title && x.Body == y.Body && x.IsConflict == y.IsConflict
	case *Folder:
		y := b.(*Folder)
		return x.ParentID == y.ParentID && x.Title == y.Title
	case *Tag:
		y := b.(*Tag)
		return x.Title == y.Title
	case *NoteTag:
		y := b.(*NoteTag)
		return x.NoteID == y.NoteID && x.TagID == y.TagID
	case *Resource:
		y := b.(*Resource)
		return x.Title == y.Title && x.Mime == y.Mime && x.FileExtension == y.FileExtension &&
			x.Size == y.Size && x.BlobUpdatedTime == y.BlobUpdatedTime
	case *MasterKey:
		y := b.(*MasterKey)
		return x.Content == y.Content && x.EncryptionMethod == y.EncryptionMethod
	default:
		return false
	}
}

// ConflictCopy duplicates it under a fresh id, flagged as a conflict. Only
// notes and resources can be duplicated; for the other types ok is false and
// the local version is kept.
func ConflictCopy(it Item, now int64) (Item, bool) {
	switch v := it.(type) {
	case *Note:
		c := *v
		c.ID = NewID()
		c.IsConflict = true
		c.ConflictOriginalID = v.ID
		c.CreatedTime = now
		c.UpdatedTime = now
		return &c, true
	case *Resource:
		c := *v
		c.ID = NewID()
		c.IsConflict = true
		c.CreatedTime = now
		c.UpdatedTime = now
		c.BlobUpdatedTime = now
		if !strings.HasSuffix(c.Title, " (conflict)") {
			c.Title += " (conflict)"
		}
		return &c, true
	case *Folder, *Tag, *NoteTag, *MasterKey:
		return nil, false
	default:
		return nil, false
	}
}
