package ingress

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadParsesPositionTermType(t *testing.T) {
	input := "1,hola,n\n2,adios,v\n3,che,\n"
	items, err := Read(strings.NewReader(input), ',')
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, Item{Position: 1, Term: "hola", Type: "noun"}, items[0])
	assert.Equal(t, Item{Position: 2, Term: "adios", Type: "verb"}, items[1])
	assert.Equal(t, "unknown", items[2].Type)
}

func TestReadRejectsInvalidPosition(t *testing.T) {
	_, err := Read(strings.NewReader("zero,term,n\n"), ',')
	assert.Error(t, err)
}

func TestReadRejectsEmptyTerm(t *testing.T) {
	_, err := Read(strings.NewReader("1,,n\n"), ',')
	assert.Error(t, err)
}

func TestReadHandlesTabDelimiter(t *testing.T) {
	items, err := Read(strings.NewReader("1\thola\tn\n"), '\t')
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "hola", items[0].Term)
}

func TestUnrecognizedTypeNormalizesToUnknown(t *testing.T) {
	items, err := Read(strings.NewReader("1,term,xyz\n"), ',')
	require.NoError(t, err)
	assert.Equal(t, "unknown", items[0].Type)
}
