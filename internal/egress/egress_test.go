package egress

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriterEmitsHeaderThenRows(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, ',')
	require.NoError(t, w.WriteRow(Row{Position: 1, Term: "hola", TermNo: 1, Front: "hola", Back: "hello"}))
	require.NoError(t, w.WriteRow(Row{Position: 2, Term: "adios", TermNo: 1, Front: "adios", Back: "goodbye"}))
	require.NoError(t, w.Flush())

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "position")
	assert.Contains(t, lines[1], "hola")
	assert.Contains(t, lines[2], "adios")
}
