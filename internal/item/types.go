package item

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ModelType is the discriminator stored in the `type_` field of every serialized item.
type ModelType int

const (
	TypeNote      ModelType = 1
	TypeFolder    ModelType = 2
	TypeResource  ModelType = 4
	TypeTag       ModelType = 5
	TypeNoteTag   ModelType = 6
	TypeMasterKey ModelType = 9
)

func (t ModelType) String() string {
	switch t {
	case TypeNote:
		return "note"
	case TypeFolder:
		return "folder"
	case TypeResource:
		return "resource"
	case TypeTag:
		return "tag"
	case TypeNoteTag:
		return "note_tag"
	case TypeMasterKey:
		return "master_key"
	default:
		return fmt.Sprintf("ModelType(%d)", int(t))
	}
}

// Valid reports whether t is one of the synchronized model types.
func (t ModelType) Valid() bool {
	switch t {
	case TypeNote, TypeFolder, TypeResource, TypeTag, TypeNoteTag, TypeMasterKey:
		return true
	}
	return false
}

// SyncPriority orders items so that dependencies are processed first:
// keys before anything encrypted with them, resources before the notes linking them.
func SyncPriority(t ModelType) int {
	switch t {
	case TypeMasterKey:
		return 0
	case TypeResource:
		return 1
	case TypeFolder:
		return 2
	case TypeTag:
		return 3
	case TypeNote:
		return 4
	case TypeNoteTag:
		return 5
	default:
		return 6
	}
}

// Common holds the fields shared by every item.
type Common struct {
	ID          string `yaml:"id"`
	CreatedTime int64  `yaml:"created_time"`
	UpdatedTime int64  `yaml:"updated_time"`
	IsConflict  bool   `yaml:"is_conflict,omitempty"`
}

// Item is a closed set of synchronized records. Only the types in this
// package implement it.
type Item interface {
	Base() *Common
	Type() ModelType
	isItem()
}

type Note struct {
	Common `yaml:",inline"`

	ParentID           string `yaml:"parent_id"`
	Title              string `yaml:"title"`
	ConflictOriginalID string `yaml:"conflict_original_id,omitempty"`
	Body               string `yaml:"-"`
}

type Folder struct {
	Common `yaml:",inline"`

	ParentID string `yaml:"parent_id"`
	Title    string `yaml:"title"`
}

type Tag struct {
	Common `yaml:",inline"`

	Title string `yaml:"title"`
}

type NoteTag struct {
	Common `yaml:",inline"`

	NoteID string `yaml:"note_id"`
	TagID  string `yaml:"tag_id"`
}

// Resource is the metadata half of an attachment. The binary payload lives at
// ResourceBlobPath(ID) and is timestamped separately by BlobUpdatedTime.
type Resource struct {
	Common `yaml:",inline"`

	Title           string `yaml:"title"`
	Mime            string `yaml:"mime"`
	FileExtension   string `yaml:"file_extension"`
	Size            int64  `yaml:"size"`
	BlobUpdatedTime int64  `yaml:"blob_updated_time"`
}

// MasterKey carries a data key sealed with a password-derived key. It is
// never itself encrypted.
type MasterKey struct {
	Common `yaml:",inline"`

	EncryptionMethod int    `yaml:"encryption_method"`
	Content          string `yaml:"content"`
}

func (n *Note) Base() *Common       { return &n.Common }
func (f *Folder) Base() *Common     { return &f.Common }
func (t *Tag) Base() *Common        { return &t.Common }
func (nt *NoteTag) Base() *Common   { return &nt.Common }
func (r *Resource) Base() *Common   { return &r.Common }
func (mk *MasterKey) Base() *Common { return &mk.Common }

func (*Note) Type() ModelType      { return TypeNote }
func (*Folder) Type() ModelType    { return TypeFolder }
func (*Tag) Type() ModelType       { return TypeTag }
func (*NoteTag) Type() ModelType   { return TypeNoteTag }
func (*Resource) Type() ModelType  { return TypeResource }
func (*MasterKey) Type() ModelType { return TypeMasterKey }

func (*Note) isItem()      {}
func (*Folder) isItem()    {}
func (*Tag) isItem()       {}
func (*NoteTag) isItem()   {}
func (*Resource) isItem()  {}
func (*MasterKey) isItem() {}

// New returns an empty item of type t, or nil if t is unknown.
func New(t ModelType) Item {
	switch t {
	case TypeNote:
		return &Note{}
	case TypeFolder:
		return &Folder{}
	case TypeResource:
		return &Resource{}
	case TypeTag:
		return &Tag{}
	case TypeNoteTag:
		return &NoteTag{}
	case TypeMasterKey:
		return &MasterKey{}
	default:
		return nil
	}
}

// NewID returns a 32 character lowercase hex identifier.
func NewID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}

// Title returns a human readable label for logs and listings.
func Title(it Item) string {
	switch v := it.(type) {
	case *Note:
		return v.Title
	case *Folder:
		return v.Title
	case *Tag:
		return v.Title
	case *Resource:
		return v.Title
	case *NoteTag:
		return v.NoteID + "/" + v.TagID
	case *MasterKey:
		return v.ID
	default:
		return ""
	}
}
