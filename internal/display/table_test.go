package display

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestTable_Render(t *testing.T) {
	table := NewTable(nil, 0, "NAME", "SIZE")
	table.SetAlignment(1, AlignRight)
	table.AddRow("daily-2024-03-01.json", "12 B")
	table.AddRow("x", "1.0 KiB")

	lines := strings.Split(strings.TrimRight(table.Render(), "\n"), "\n")

	assert.Len(t, lines, 6)
	assert.Equal(t, lines[0], lines[2])
	assert.Equal(t, lines[0], lines[5])
	assert.Contains(t, lines[3], "|    12 B |")
	for _, line := range lines {
		assert.Equal(t, utf8.RuneCountInString(lines[0]), utf8.RuneCountInString(line))
	}
	assert.Equal(t, 2, table.Len())
}

func TestTable_ShrinksToMaxWidth(t *testing.T) {
	table := NewTable(nil, 40, "ID", "SOURCE")
	table.AddRow(strings.Repeat("a", 80), "clients")

	lines := strings.Split(strings.TrimRight(table.Render(), "\n"), "\n")
	assert.LessOrEqual(t, utf8.RuneCountInString(lines[0]), 40)
	assert.Contains(t, lines[3], "...")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 5))
	assert.Equal(t, "ab...", truncate("abcdefgh", 5))
	assert.Equal(t, "ab", truncate("abcdefgh", 2))
}

func TestConfig_Validate(t *testing.T) {
	cfg := DefaultConfig()
	assert.NoError(t, cfg.Validate())

	cfg.Theme = "neon"
	cfg.MaxTableWidth = 10
	err := cfg.Validate()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "invalid theme")
	assert.Contains(t, err.Error(), "max table width")
}
