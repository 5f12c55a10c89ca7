package output

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTableData(t *testing.T) {
	table := NewTableData("PATH", "STATUS", "WRITTEN")

	assert.Equal(t, []string{"PATH", "STATUS", "WRITTEN"}, table.Headers())
	assert.Empty(t, table.Rows())

	table.AddRow("docs/readme.txt", "complete", "1.2 KB")
	table.AddRow("assets/logo.png", "incomplete", "0 B")

	rows := table.Rows()
	require.Len(t, rows, 2)
	assert.Equal(t, []string{"docs/readme.txt", "complete", "1.2 KB"}, rows[0])
}

func TestPrintTable(t *testing.T) {
	table := NewTableData("Change", "Path")
	table.AddRow("added", "notes.txt")
	table.AddRow("modified", "assets/big.bin")

	var buf bytes.Buffer
	require.NoError(t, PrintTable(&buf, table))

	got := buf.String()
	assert.Contains(t, got, "CHANGE")
	assert.Contains(t, got, "PATH")
	assert.Contains(t, got, "added")
	assert.Contains(t, got, "assets/big.bin")
}

func TestSimpleTable(t *testing.T) {
	pairs := [][2]string{
		{"Share ID", "dGVzdHNoYXJlaWQwMDAwMDAwMQ"},
		{"Access", "protected"},
		{"Snapshot", "v2"},
	}

	var buf bytes.Buffer
	require.NoError(t, SimpleTable(&buf, pairs))

	got := buf.String()
	assert.Contains(t, got, "Share ID")
	assert.Contains(t, got, "dGVzdHNoYXJlaWQwMDAwMDAwMQ")
	// Headers keep their casing in key: value output.
	assert.Contains(t, got, "Snapshot")
	assert.NotContains(t, got, "SNAPSHOT")
}
