package attribution

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDemanglePathStripsHashSuffix(t *testing.T) {
	parts, ok := DemanglePath("_ZN3std2fs4File4open17h1234abcd5678ef90E")
	assert.True(t, ok)
	assert.Equal(t, []string{"std", "fs", "File", "open"}, parts)
}

func TestDemanglePathNoHashSuffix(t *testing.T) {
	parts, ok := DemanglePath("_ZN3std3env3varE")
	assert.True(t, ok)
	assert.Equal(t, []string{"std", "env", "var"}, parts)
}

func TestDemanglePathRejectsNonMangled(t *testing.T) {
	_, ok := DemanglePath("memcpy")
	assert.False(t, ok)
}

func TestDemanglePathRejectsMalformedLength(t *testing.T) {
	_, ok := DemanglePath("_ZN99short")
	assert.False(t, ok)
}

type fakeReader map[string][]string

func (f fakeReader) Symbols(path string) ([]string, error) { return f[path], nil }

func TestPathsForObjectsDedupesAndSkipsUnmangled(t *testing.T) {
	reader := fakeReader{
		"a.o": {"_ZN3std2fs4File4open17h1234abcd5678ef90E", "memcpy"},
		"b.o": {"_ZN3std2fs4File4open17hffffffffffffffffE"}, // same path, different hash
	}
	paths, err := PathsForObjects(reader, []string{"a.o", "b.o"})
	assert.NoError(t, err)
	assert.Len(t, paths, 1)
	assert.Equal(t, []string{"std", "fs", "File", "open"}, paths[0])
}
