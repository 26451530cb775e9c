package encryption

import (
	"testing"

	"github.com/jotsync/jotsync/internal/item"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fastKDF = KDFParams{Time: 1, Memory: 1024, Threads: 1}

func newService(t *testing.T) *E2EEService {
	t.Helper()
	return NewE2EEService(WithKDFParams(fastKDF))
}

func sampleNote() *item.Note {
	n := &item.Note{Title: "secret", Body: "the body", ParentID: item.NewID()}
	n.ID = item.NewID()
	n.CreatedTime = 1
	n.UpdatedTime = 2
	return n
}

func TestE2EE_DisabledIsPlain(t *testing.T) {
	s := newService(t)
	n := sampleNote()

	data, err := s.EncryptAndSerialize(n)
	require.NoError(t, err)
	plain, err := item.Serialize(n)
	require.NoError(t, err)
	assert.Equal(t, plain, data)

	blob, err := s.EncryptBlob([]byte("raw"))
	require.NoError(t, err)
	assert.Equal(t, []byte("raw"), blob)
}

func TestE2EE_RoundTrip(t *testing.T) {
	s := newService(t)
	mk, err := s.GenerateMasterKey("pw")
	require.NoError(t, err)
	require.NoError(t, s.Enable(mk.ID))
	assert.True(t, s.IsEncryptionEnabled())
	assert.Equal(t, mk.ID, s.ActiveMasterKeyID())

	n := sampleNote()
	data, err := s.EncryptAndSerialize(n)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "secret")
	assert.NotContains(t, string(data), "the body")

	hdr, err := item.PeekHeader(data)
	require.NoError(t, err)
	assert.True(t, hdr.EncryptionApplied)
	assert.Equal(t, n.ID, hdr.ID)
	assert.Equal(t, n.UpdatedTime, hdr.UpdatedTime)

	got, err := s.DecryptAndParse(data)
	require.NoError(t, err)
	assert.True(t, item.SameContent(n, got))

	blob, err := s.EncryptBlob([]byte("pixels"))
	require.NoError(t, err)
	assert.NotEqual(t, []byte("pixels"), blob)
	out, err := s.DecryptBlob(blob)
	require.NoError(t, err)
	assert.Equal(t, []byte("pixels"), out)
}

func TestE2EE_MasterKeyNeverEncrypted(t *testing.T) {
	s := newService(t)
	mk, err := s.GenerateMasterKey("pw")
	require.NoError(t, err)
	require.NoError(t, s.Enable(mk.ID))

	data, err := s.EncryptAndSerialize(mk)
	require.NoError(t, err)
	hdr, err := item.PeekHeader(data)
	require.NoError(t, err)
	assert.False(t, hdr.EncryptionApplied)
}

func TestE2EE_OtherClientNeedsKeyAndPassword(t *testing.T) {
	a := newService(t)
	mk, err := a.GenerateMasterKey("pw")
	require.NoError(t, err)
	require.NoError(t, a.Enable(mk.ID))

	data, err := a.EncryptAndSerialize(sampleNote())
	require.NoError(t, err)

	b := newService(t)
	_, err = b.DecryptAndParse(data)
	assert.ErrorIs(t, err, ErrMasterKeyNotAvailable, "key not synced yet")

	b.LoadMasterKey(mk)
	_, err = b.DecryptAndParse(data)
	assert.ErrorIs(t, err, ErrMasterKeyNotAvailable, "no password")

	b.SetMasterPassword("wrong")
	_, err = b.DecryptAndParse(data)
	assert.ErrorIs(t, err, ErrMasterKeyNotAvailable)
	assert.False(t, b.CheckPassword(mk.ID, "wrong"))

	b.SetPassword(mk.ID, "pw")
	assert.True(t, b.CheckPassword(mk.ID, "pw"))
	got, err := b.DecryptAndParse(data)
	require.NoError(t, err)
	assert.Equal(t, "secret", item.Title(got))
}

func TestE2EE_TamperedItemIsMalformed(t *testing.T) {
	s := newService(t)
	mk, err := s.GenerateMasterKey("pw")
	require.NoError(t, err)
	require.NoError(t, s.Enable(mk.ID))

	n := sampleNote()
	data, err := s.EncryptAndSerialize(n)
	require.NoError(t, err)

	// same ciphertext presented under another id
	hdr, err := item.PeekHeader(data)
	require.NoError(t, err)
	hdr.ID = item.NewID()
	moved, err := item.SerializeEnvelope(hdr)
	require.NoError(t, err)

	_, err = s.DecryptAndParse(moved)
	assert.ErrorIs(t, err, item.ErrMalformed)
}

func TestE2EE_EnableUnknownKey(t *testing.T) {
	s := newService(t)
	err := s.Enable(item.NewID())
	assert.ErrorIs(t, err, ErrMasterKeyNotAvailable)
	assert.False(t, s.IsEncryptionEnabled())

	_, err = s.GenerateMasterKey("")
	assert.Error(t, err)
}

func TestE2EE_DisableKeepsReading(t *testing.T) {
	s := newService(t)
	mk, err := s.GenerateMasterKey("pw")
	require.NoError(t, err)
	require.NoError(t, s.Enable(mk.ID))

	data, err := s.EncryptAndSerialize(sampleNote())
	require.NoError(t, err)

	s.Disable()
	assert.False(t, s.IsEncryptionEnabled())
	_, err = s.DecryptAndParse(data)
	assert.NoError(t, err)
}

func TestE2EE_PlainBlobPassesThrough(t *testing.T) {
	s := newService(t)
	out, err := s.DecryptBlob([]byte("JSB1 not really"))
	require.NoError(t, err)
	assert.Equal(t, []byte("JSB1 not really"), out)
}
